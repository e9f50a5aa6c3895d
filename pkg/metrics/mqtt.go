package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQTTMetrics contains Prometheus metrics for the per-site MQTT connections.
type MQTTMetrics struct {
	ConnectionStatus  *prometheus.GaugeVec
	MessagesReceived  *prometheus.CounterVec
	ConnectAttempts   *prometheus.CounterVec
	ConnectFailures   *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	SubscribeFailures *prometheus.CounterVec
	CooldownsEntered  *prometheus.CounterVec
}

// NewMQTTMetrics creates and registers MQTT connection metrics.
func NewMQTTMetrics(namespace string) *MQTTMetrics {
	m := &MQTTMetrics{
		ConnectionStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "connection_status",
				Help:      "Current connection status per site (1=connected, 0=disconnected)",
			},
			[]string{"site"},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "messages_received_total",
				Help:      "Total number of MQTT messages received",
			},
			[]string{"site"},
		),
		ConnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "connect_attempts_total",
				Help:      "Total number of broker connection attempts",
			},
			[]string{"site"},
		),
		ConnectFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "connect_failures_total",
				Help:      "Total number of failed broker connection attempts",
			},
			[]string{"site", "reason"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "publish_failures_total",
				Help:      "Total number of failed status publishes",
			},
			[]string{"site"},
		),
		SubscribeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "subscribe_failures_total",
				Help:      "Total number of failed topic subscriptions",
			},
			[]string{"site", "topic"},
		),
		CooldownsEntered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "cooldowns_entered_total",
				Help:      "Total number of duplicate-client cooldowns entered",
			},
			[]string{"site"},
		),
	}

	MustRegister(
		m.ConnectionStatus,
		m.MessagesReceived,
		m.ConnectAttempts,
		m.ConnectFailures,
		m.PublishFailures,
		m.SubscribeFailures,
		m.CooldownsEntered,
	)

	return m
}
