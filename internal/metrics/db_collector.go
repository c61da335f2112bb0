package metrics

import "github.com/prometheus/client_golang/prometheus"

// PoolStats is a backend-neutral snapshot of a database connection pool.
type PoolStats struct {
	Open      int64
	InUse     int64
	Idle      int64
	WaitCount int64 // cumulative acquisitions that had to wait
}

// DBPoolStatFunc reports connection pool statistics for either backend.
type DBPoolStatFunc func() PoolStats

type dbPoolCollector struct {
	statFunc DBPoolStatFunc

	openDesc  *prometheus.Desc
	inUseDesc *prometheus.Desc
	idleDesc  *prometheus.Desc
	waitDesc  *prometheus.Desc
}

// NewDBPoolCollector creates a collector that reads statFunc on every scrape.
func NewDBPoolCollector(statFunc DBPoolStatFunc) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("keypool_db_pool_"+name, help, nil, nil)
	}
	return &dbPoolCollector{
		statFunc:  statFunc,
		openDesc:  desc("open_conns", "Open connections in the DB pool."),
		inUseDesc: desc("in_use_conns", "Connections currently in use."),
		idleDesc:  desc("idle_conns", "Idle connections in the DB pool."),
		waitDesc:  desc("wait_total", "Connection acquisitions that had to wait."),
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.openDesc
	ch <- c.inUseDesc
	ch <- c.idleDesc
	ch <- c.waitDesc
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.statFunc()
	ch <- prometheus.MustNewConstMetric(c.openDesc, prometheus.GaugeValue, float64(s.Open))
	ch <- prometheus.MustNewConstMetric(c.inUseDesc, prometheus.GaugeValue, float64(s.InUse))
	ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.waitDesc, prometheus.CounterValue, float64(s.WaitCount))
}
