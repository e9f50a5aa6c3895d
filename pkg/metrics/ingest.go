package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for the message processor.
type IngestMetrics struct {
	MessagesProcessed *prometheus.CounterVec
	ProcessFailures   *prometheus.CounterVec
	ProcessDuration   *prometheus.HistogramVec
	TopicsDiscovered  prometheus.Counter
}

// NewIngestMetrics creates and registers message processor metrics.
func NewIngestMetrics(namespace string) *IngestMetrics {
	m := &IngestMetrics{
		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "messages_processed_total",
				Help:      "Total number of messages processed by topic kind",
			},
			[]string{"kind"},
		),
		ProcessFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "process_failures_total",
				Help:      "Total number of message processing failures",
			},
			[]string{"kind", "reason"},
		),
		ProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "process_duration_seconds",
				Help:      "Duration of message processing",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		TopicsDiscovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "topics_discovered_total",
				Help:      "Total number of new topics added to the discovery catalog",
			},
		),
	}

	MustRegister(
		m.MessagesProcessed,
		m.ProcessFailures,
		m.ProcessDuration,
		m.TopicsDiscovered,
	)

	return m
}
