// Package metrics exports Prometheus metrics of safe optimization runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/copyleftdev/safeopt/internal/optimization"
)

// Collector records run and sample metrics.
type Collector struct {
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	activeRuns  prometheus.Gauge
	samples     *prometheus.CounterVec
	violations  *prometheus.CounterVec
	normBound   *prometheus.HistogramVec
}

// New creates a collector and registers it with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safeopt_runs_total",
			Help: "Finished optimization runs by mode and final status",
		}, []string{"mode", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "safeopt_run_duration_seconds",
			Help:    "Wall time of optimization runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"mode"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "safeopt_active_runs",
			Help: "Optimization runs currently in progress",
		}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safeopt_samples_total",
			Help: "Accepted samples by mode",
		}, []string{"mode"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safeopt_safety_violations_total",
			Help: "Observations below the safety threshold by mode",
		}, []string{"mode"}),
		normBound: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "safeopt_norm_bound",
			Help:    "RKHS-norm bound used for accepted samples",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"mode"}),
	}
	reg.MustRegister(c.runs, c.runDuration, c.activeRuns, c.samples, c.violations, c.normBound)
	return c
}

// RunStarted marks the start of a run.
func (c *Collector) RunStarted() {
	c.activeRuns.Inc()
}

// RunFinished records the outcome of a run started d ago.
func (c *Collector) RunFinished(mode optimization.Mode, status string, d time.Duration) {
	c.activeRuns.Dec()
	c.runs.WithLabelValues(string(mode), status).Inc()
	c.runDuration.WithLabelValues(string(mode)).Observe(d.Seconds())
}

// StepHook returns a hook recording every accepted sample of a run in mode.
func (c *Collector) StepHook(mode optimization.Mode) func(optimization.Step) {
	samples := c.samples.WithLabelValues(string(mode))
	violations := c.violations.WithLabelValues(string(mode))
	bound := c.normBound.WithLabelValues(string(mode))
	return func(s optimization.Step) {
		samples.Inc()
		bound.Observe(s.B)
		if s.Unsafe {
			violations.Inc()
		}
	}
}
