package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON view served at /metrics/summary.
type Summary struct {
	Acquire acquireSummary     `json:"acquire"`
	Reports reportSummary      `json:"reports"`
	States  map[string]float64 `json:"stateTransitions"`
	Tokens  float64            `json:"tokens"`
	Reset   resetSummary       `json:"dailyReset"`
	HTTP    httpSummary        `json:"http"`
	DB      dbInfo             `json:"db"`
	Server  serverInfo         `json:"server"`
}

type acquireSummary struct {
	Granted   float64 `json:"granted"`
	None      float64 `json:"none"`
	Contended float64 `json:"contended"`
	// GrantRate is granted over all acquisitions, 0 when there were none.
	GrantRate float64 `json:"grantRate"`
}

type reportSummary struct {
	OK      float64            `json:"ok"`
	Fail    float64            `json:"fail"`
	ByClass map[string]float64 `json:"failuresByClass"`
}

type resetSummary struct {
	Runs        float64 `json:"runs"`
	Credentials float64 `json:"lastCredentials"`
	LastRun     float64 `json:"lastRun"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type dbInfo struct {
	OpenConns  float64 `json:"openConns"`
	InUseConns float64 `json:"inUseConns"`
	IdleConns  float64 `json:"idleConns"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// Handler serves the JSON summary.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(s)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	acq := fam["keypool_acquire_total"]
	s := &Summary{
		Acquire: acquireSummary{
			Granted:   sumCounterWithLabel(acq, "result", "granted"),
			None:      sumCounterWithLabel(acq, "result", "none"),
			Contended: sumCounterWithLabel(acq, "result", "contended"),
		},
		Reports: reportSummary{
			OK:      sumCounterWithLabel(fam["keypool_reports_total"], "outcome", "OK"),
			Fail:    sumCounterWithLabel(fam["keypool_reports_total"], "outcome", "FAIL"),
			ByClass: byLabel(fam["keypool_reports_total"], "class", "outcome", "FAIL"),
		},
		States: byLabel(fam["keypool_state_transitions_total"], "to", "", ""),
		Tokens: sumCounter(fam["keypool_tokens_total"]),
		Reset: resetSummary{
			Runs:        sumCounter(fam["keypool_daily_reset_total"]),
			Credentials: gaugeValue(fam["keypool_daily_reset_credentials"]),
			LastRun:     gaugeValue(fam["keypool_daily_reset_last_run_seconds"]),
		},
		HTTP: httpSummary{
			TotalRequests: sumCounter(fam["keypool_http_requests_total"]),
			ErrorRate:     errorRate(fam["keypool_http_requests_total"]),
			P50Latency:    histogramPercentile(fam["keypool_http_request_duration_seconds"], 0.50),
			P95Latency:    histogramPercentile(fam["keypool_http_request_duration_seconds"], 0.95),
			P99Latency:    histogramPercentile(fam["keypool_http_request_duration_seconds"], 0.99),
		},
		DB: dbInfo{
			OpenConns:  gaugeValue(fam["keypool_db_pool_open_conns"]),
			InUseConns: gaugeValue(fam["keypool_db_pool_in_use_conns"]),
			IdleConns:  gaugeValue(fam["keypool_db_pool_idle_conns"]),
		},
		Server: serverInfo{
			StartTime: gaugeValue(fam["keypool_server_start_time_seconds"]),
		},
	}
	if total := s.Acquire.Granted + s.Acquire.None + s.Acquire.Contended; total > 0 {
		s.Acquire.GrantRate = s.Acquire.Granted / total
	}
	s.Server.UptimeSeconds = float64(time.Now().Unix()) - s.Server.StartTime
	return s, nil
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func sumCounter(f *dto.MetricFamily) float64 {
	return sumCounterWithLabel(f, "", "")
}

// sumCounterWithLabel sums every counter in f carrying the label pair, or
// every counter when labelName is empty.
func sumCounterWithLabel(f *dto.MetricFamily, labelName, value string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if labelName != "" && !hasLabel(m, labelName, value) {
			continue
		}
		total += m.GetCounter().GetValue()
	}
	return total
}

// byLabel groups counter values by the key label, restricted to series that
// carry filterName=filterValue when filterName is set.
func byLabel(f *dto.MetricFamily, key, filterName, filterValue string) map[string]float64 {
	out := make(map[string]float64)
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		if filterName != "" && !hasLabel(m, filterName, filterValue) {
			continue
		}
		out[labelValue(m, key)] += m.GetCounter().GetValue()
	}
	return out
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil || len(f.GetMetric()) == 0 {
		return 0
	}
	return f.GetMetric()[0].GetGauge().GetValue()
}

// errorRate is the share of requests answered with a 5xx status.
func errorRate(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total, errs float64
	for _, m := range f.GetMetric() {
		v := m.GetCounter().GetValue()
		total += v
		if code := labelValue(m, "status_code"); len(code) > 0 && code[0] == '5' {
			errs += v
		}
	}
	if total == 0 {
		return 0
	}
	return errs / total
}

// histogramPercentile estimates the q-quantile across every series in f by
// linear interpolation within the matching bucket.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	var count uint64
	cumulative := make(map[float64]uint64)
	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		count += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			cumulative[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	if count == 0 {
		return 0
	}

	bounds := make([]float64, 0, len(cumulative))
	for ub := range cumulative {
		if !math.IsInf(ub, 1) {
			bounds = append(bounds, ub)
		}
	}
	sort.Float64s(bounds)

	rank := q * float64(count)
	var prevBound float64
	var prevCount uint64
	for _, ub := range bounds {
		c := cumulative[ub]
		if float64(c) >= rank {
			inBucket := c - prevCount
			if inBucket == 0 {
				return ub
			}
			return prevBound + (rank-float64(prevCount))/float64(inBucket)*(ub-prevBound)
		}
		prevBound, prevCount = ub, c
	}
	if len(bounds) > 0 {
		return bounds[len(bounds)-1]
	}
	return 0
}
