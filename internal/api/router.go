// Package api serves the ops endpoints: health and metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alecgard/keypool/internal/metrics"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger checks that the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds the router's dependencies. Metrics may be nil.
type RouterDeps struct {
	DB      Pinger
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// HealthTimeout bounds the database ping. Zero means two seconds.
	HealthTimeout time.Duration
}

// NewRouter builds the chi router.
func NewRouter(deps RouterDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HealthTimeout <= 0 {
		deps.HealthTimeout = 2 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(slogRequestLogger(deps.Logger))
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	r.Get("/health", healthHandler(deps.DB, deps.HealthTimeout, deps.Logger))

	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
		r.Get("/metrics/summary", deps.Metrics.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	return r
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

func healthHandler(db Pinger, timeout time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "unconfigured"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			logger.Warn("health check failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Database: "unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "ok"})
	}
}
