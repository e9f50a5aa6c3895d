package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SweepMetrics contains Prometheus metrics for the offline sweeper.
type SweepMetrics struct {
	SweepsRun       prometheus.Counter
	SweepFailures   prometheus.Counter
	SweepDuration   prometheus.Histogram
	DevicesOfflined *prometheus.CounterVec
}

// NewSweepMetrics creates and registers offline sweeper metrics.
func NewSweepMetrics(namespace string) *SweepMetrics {
	m := &SweepMetrics{
		SweepsRun: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "runs_total",
				Help:      "Total number of offline sweeps executed",
			},
		),
		SweepFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "failures_total",
				Help:      "Total number of offline sweeps that failed",
			},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "duration_seconds",
				Help:      "Duration of offline sweep runs",
				Buckets:   prometheus.DefBuckets,
			},
		),
		DevicesOfflined: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "devices_offlined_total",
				Help:      "Total number of devices marked offline by kind",
			},
			[]string{"kind"},
		),
	}

	MustRegister(
		m.SweepsRun,
		m.SweepFailures,
		m.SweepDuration,
		m.DevicesOfflined,
	)

	return m
}
