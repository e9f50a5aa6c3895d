package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PushMetrics contains Prometheus metrics for the realtime push channel.
type PushMetrics struct {
	Subscribers     prometheus.Gauge
	EventsDelivered *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
}

// NewPushMetrics creates and registers push channel metrics.
func NewPushMetrics(namespace string) *PushMetrics {
	m := &PushMetrics{
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "push",
				Name:      "subscribers",
				Help:      "Current number of attached push subscribers",
			},
		),
		EventsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "push",
				Name:      "events_delivered_total",
				Help:      "Total number of events delivered to subscribers",
			},
			[]string{"type"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "push",
				Name:      "events_dropped_total",
				Help:      "Total number of events dropped for slow subscribers",
			},
			[]string{"type"},
		),
	}

	MustRegister(
		m.Subscribers,
		m.EventsDelivered,
		m.EventsDropped,
	)

	return m
}
