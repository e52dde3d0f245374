package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the worker pool's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	runs       *prometheus.CounterVec
	requeued   *prometheus.CounterVec
	reconnects prometheus.Counter
	duration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobworker_runs_total",
			Help: "Job runs finished, by job name and terminal status.",
		}, []string{"job", "status"}),
		requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobworker_requeued_total",
			Help: "Queue items released back to the broker without running.",
		}, []string{"job"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobworker_reconnects_total",
			Help: "Broker connection attempts that failed or were lost.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobworker_run_duration_seconds",
			Help:    "Handler wall time.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"job"}),
	}

	reg.MustRegister(m.runs, m.requeued, m.reconnects, m.duration)
	return m
}

func (m *Metrics) observeRun(job, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(job, status).Inc()
	m.duration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) observeRequeue(job string) {
	if m == nil {
		return
	}
	m.requeued.WithLabelValues(job).Inc()
}

func (m *Metrics) observeReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
