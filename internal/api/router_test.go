package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alecgard/keypool/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestRouter(db Pinger, m *metrics.Metrics) http.Handler {
	return NewRouter(RouterDeps{
		DB:      db,
		Metrics: m,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func get(t *testing.T, h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		db         Pinger
		wantStatus int
		wantDB     string
	}{
		{"healthy", fakePinger{}, http.StatusOK, "ok"},
		{"database down", fakePinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable, "unreachable"},
		{"no database", nil, http.StatusOK, "unconfigured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, newTestRouter(tt.db, nil), "/health")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body healthResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Database != tt.wantDB {
				t.Errorf("database = %q, want %q", body.Database, tt.wantDB)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	h := newTestRouter(fakePinger{}, nil)

	rec := get(t, h, "/health", "X-Request-ID", "abc-123")
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want caller's id", got)
	}

	rec = get(t, h, "/health")
	if got := rec.Header().Get("X-Request-ID"); len(got) != 36 {
		t.Errorf("generated X-Request-ID = %q, want a uuid", got)
	}

	rec = get(t, h, "/health", "X-Request-ID", strings.Repeat("x", 500))
	if got := rec.Header().Get("X-Request-ID"); len(got) != 36 {
		t.Errorf("oversized X-Request-ID was kept: %d bytes", len(got))
	}
}

func TestSecureHeaders(t *testing.T) {
	rec := get(t, newTestRouter(fakePinger{}, nil), "/health")
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing X-Content-Type-Options")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("missing X-Frame-Options")
	}
}

func TestNotFound(t *testing.T) {
	rec := get(t, newTestRouter(fakePinger{}, nil), "/api/v1/credentials")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var env errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Code != "not_found" {
		t.Errorf("code = %q", env.Error.Code)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	m := metrics.New()
	m.IncAcquire("granted")
	h := newTestRouter(fakePinger{}, m)

	rec := get(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `keypool_acquire_total{result="granted"} 1`) {
		t.Errorf("/metrics missing acquire counter:\n%s", rec.Body.String())
	}

	rec = get(t, h, "/metrics/summary")
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics/summary status = %d", rec.Code)
	}
	var s metrics.Summary
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Acquire.Granted != 1 {
		t.Errorf("granted = %v, want 1", s.Acquire.Granted)
	}
}

func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	m := metrics.New()
	h := newTestRouter(fakePinger{}, m)

	get(t, h, "/health")
	get(t, h, "/health")
	get(t, h, "/nope")

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/health", "200")); got != 2 {
		t.Errorf("/health count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Errorf("unmatched count = %v, want 1", got)
	}
}
