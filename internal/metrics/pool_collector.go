package metrics

import (
	"github.com/devrev/hyperdrive/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStatsSource reports worker pool counters
type PoolStatsSource interface {
	Stats() workerpool.Stats
}

// PoolCollector exports worker pool counters at scrape time
type PoolCollector struct {
	source PoolStatsSource

	workers   *prometheus.Desc
	active    *prometheus.Desc
	queued    *prometheus.Desc
	submitted *prometheus.Desc
	completed *prometheus.Desc
	failed    *prometheus.Desc
	rejected  *prometheus.Desc
}

var _ prometheus.Collector = (*PoolCollector)(nil)

// NewPoolCollector creates a collector for source
func NewPoolCollector(source PoolStatsSource) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("hyperdrive_pool_"+name, help, []string{"pool"}, nil)
	}
	return &PoolCollector{
		source:    source,
		workers:   desc("workers", "Number of pool workers"),
		active:    desc("active_jobs", "Number of jobs currently running"),
		queued:    desc("queued_jobs", "Number of jobs waiting in the queue"),
		submitted: desc("submitted_total", "Total number of accepted jobs"),
		completed: desc("completed_total", "Total number of jobs that finished without error"),
		failed:    desc("failed_total", "Total number of jobs that returned an error or panicked"),
		rejected:  desc("rejected_total", "Total number of jobs refused because the pool was full or stopped"),
	}
}

// Describe implements prometheus.Collector
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.workers
	ch <- c.active
	ch <- c.queued
	ch <- c.submitted
	ch <- c.completed
	ch <- c.failed
	ch <- c.rejected
}

// Collect implements prometheus.Collector
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(s.Workers), s.Name)
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.Active), s.Name)
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(s.Queued), s.Name)
	ch <- prometheus.MustNewConstMetric(c.submitted, prometheus.CounterValue, float64(s.Submitted), s.Name)
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(s.Completed), s.Name)
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(s.Failed), s.Name)
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(s.Rejected), s.Name)
}
