package project

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records project activity. A nil *Metrics records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	sessions   *prometheus.CounterVec
	conflicts  prometheus.Counter
}

// NewMetrics registers the project collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "projfs_operations_total",
				Help: "Total number of tree operations",
			},
			[]string{"op", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "projfs_operation_duration_seconds",
				Help:    "Tree operation duration in seconds, session open and close included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		sessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "projfs_sessions_total",
				Help: "Total number of sessions opened against a project store",
			},
			[]string{"result"},
		),
		conflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "projfs_write_conflicts_total",
				Help: "Total number of write conflicts detected",
			},
		),
	}
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) session(result string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(result).Inc()
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}
