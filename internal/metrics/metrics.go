package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the Prometheus collectors for the credential pool and the ops
// server. It implements pool.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	// Pool.
	AcquireTotal          *prometheus.CounterVec
	ReportsTotal          *prometheus.CounterVec
	StateTransitionsTotal *prometheus.CounterVec
	TokensTotal           prometheus.Counter

	// Daily reset.
	DailyResetTotal       prometheus.Counter
	DailyResetCredentials prometheus.Gauge
	DailyResetLastRun     prometheus.Gauge

	// Ops HTTP.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ServerStartTime prometheus.Gauge
}

// New creates and registers every metric on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		AcquireTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keypool_acquire_total",
			Help: "Credential acquisitions by result.",
		}, []string{"result"}),

		ReportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keypool_reports_total",
			Help: "Reported call outcomes by outcome and failure class.",
		}, []string{"outcome", "class"}),

		StateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keypool_state_transitions_total",
			Help: "Credential state transitions by target state.",
		}, []string{"to"}),

		TokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keypool_tokens_total",
			Help: "Tokens consumed by successful calls.",
		}),

		DailyResetTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keypool_daily_reset_total",
			Help: "Completed daily quota resets.",
		}),

		DailyResetCredentials: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keypool_daily_reset_credentials",
			Help: "Credentials changed by the last daily reset.",
		}),

		DailyResetLastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keypool_daily_reset_last_run_seconds",
			Help: "Unix timestamp of the last daily reset.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keypool_http_requests_total",
			Help: "Ops HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keypool_http_request_duration_seconds",
			Help:    "Ops HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keypool_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.AcquireTotal,
		m.ReportsTotal,
		m.StateTransitionsTotal,
		m.TokensTotal,
		m.DailyResetTotal,
		m.DailyResetCredentials,
		m.DailyResetLastRun,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ServerStartTime,
	)
	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a DB connection pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

func (m *Metrics) IncAcquire(result string) {
	m.AcquireTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncReport(outcome, class string) {
	m.ReportsTotal.WithLabelValues(outcome, class).Inc()
}

func (m *Metrics) IncTransition(to string) {
	m.StateTransitionsTotal.WithLabelValues(to).Inc()
}

func (m *Metrics) AddTokens(n int64) {
	if n > 0 {
		m.TokensTotal.Add(float64(n))
	}
}

// ObserveDailyReset records a completed reset that changed n credentials.
func (m *Metrics) ObserveDailyReset(n int64) {
	m.DailyResetTotal.Inc()
	m.DailyResetCredentials.Set(float64(n))
	m.DailyResetLastRun.Set(float64(time.Now().Unix()))
}

// ObserveHTTP records one ops request.
func (m *Metrics) ObserveHTTP(method, pattern string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pattern).Observe(d.Seconds())
}
