// Package store provides the persistence layer for the ingestion service:
// GORM models for connection configuration, the discovered device inventory,
// the topic discovery catalog and downtime events, plus a Repository that
// wraps all database access in transactions.
package store

import (
	"encoding/json"
	"time"
)

// Connection states as exposed on the connection row.
const (
	StateDisabled     = "disabled"
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateError        = "error"
)

// Device kinds used by downtime events and broadcast payloads.
const (
	DeviceKindGateway    = "gateway"
	DeviceKindDatalogger = "datalogger"
	DeviceKindSensor     = "sensor"
)

// ConnectionConfig is the per-site MQTT connection row. At most one live
// session exists per row; the supervisor and connection are the only writers
// of the status fields.
type ConnectionConfig struct {
	ID       uint   `gorm:"primaryKey"`
	SiteID   uint   `gorm:"uniqueIndex;not null"`
	SiteCode string `gorm:"not null"`

	BrokerHost string `gorm:"not null"`
	BrokerPort int    `gorm:"not null;default:1883"`
	Username   string
	Password   string
	UseTLS     bool
	CACertPath string

	// ClientIDPrefix doubles as the topic root for this site.
	ClientIDPrefix   string `gorm:"not null"`
	KeepAliveSeconds int    `gorm:"not null;default:60"`
	RetryBaseSeconds int    `gorm:"not null;default:5"`
	RetryMaxSeconds  int    `gorm:"not null;default:300"`
	MaxRetries       int    `gorm:"not null;default:10"`
	Enabled          bool   `gorm:"not null;default:false"`

	State           string `gorm:"not null;default:disconnected"`
	LastConnectedAt *time.Time
	LastMessageAt   *time.Time
	ErrorCount      int
	LastError       string
	RetryCount      int
	NextRetryAt     *time.Time

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	Subscriptions []Subscription `gorm:"foreignKey:ConnectionID"`
}

// TableName specifies the table name for ConnectionConfig.
func (ConnectionConfig) TableName() string {
	return "mqtt_connections"
}

// Subscription is a configured topic filter on a connection. Patterns may use
// the + and # MQTT wildcards.
type Subscription struct {
	ID              uint   `gorm:"primaryKey"`
	ConnectionID    uint   `gorm:"uniqueIndex:idx_conn_pattern;not null"`
	TopicPattern    string `gorm:"uniqueIndex:idx_conn_pattern;not null"`
	QoS             byte   `gorm:"not null;default:1"`
	Active          bool   `gorm:"not null;default:true"`
	Priority        int
	MaxPayloadBytes *int
	AutoRetry       bool `gorm:"not null;default:true"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Subscription.
func (Subscription) TableName() string {
	return "mqtt_subscriptions"
}

// Gateway is the top level of the auto-discovered device hierarchy.
type Gateway struct {
	ID              uint   `gorm:"primaryKey"`
	SiteID          uint   `gorm:"index;not null"`
	SerialNumber    string `gorm:"uniqueIndex;not null"`
	Label           string
	FirmwareVersion string
	IPAddress       string
	Hostname        string

	IsOnline                 bool `gorm:"not null;default:false"`
	LastSeenAt               *time.Time
	ExpectedHeartbeatSeconds *int

	// RawMetadata holds the last gateway status payload verbatim.
	RawMetadata string

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	Dataloggers []Datalogger `gorm:"foreignKey:GatewayID"`
}

// TableName specifies the table name for Gateway.
func (Gateway) TableName() string {
	return "gateways"
}

// Datalogger is owned by exactly one gateway.
type Datalogger struct {
	ID                uint   `gorm:"primaryKey"`
	GatewayID         uint   `gorm:"index;not null"`
	SerialNumber      string `gorm:"uniqueIndex;not null"`
	Type              string
	AcquisitionStatus string

	IsOnline                 bool `gorm:"not null;default:false"`
	LastSeenAt               *time.Time
	ExpectedHeartbeatSeconds *int

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	Sensors []Sensor `gorm:"foreignKey:DataloggerID"`
}

// TableName specifies the table name for Datalogger.
func (Datalogger) TableName() string {
	return "dataloggers"
}

// Sensor is owned by exactly one datalogger. Its serial number is the
// composite "{device_serial}-{sensor_type}". The last three readings are
// stored inline as three JSON slots, newest first, so a reading push is a
// three-slot rotate inside a single UPDATE.
type Sensor struct {
	ID           uint   `gorm:"primaryKey"`
	DataloggerID uint   `gorm:"index;not null"`
	SerialNumber string `gorm:"uniqueIndex;not null"`
	SensorType   string `gorm:"not null"`
	Unit         string

	IsOnline                 bool `gorm:"not null;default:false"`
	LastReadingAt            *time.Time
	ExpectedHeartbeatSeconds *int

	ReadingSlot1 string
	ReadingSlot2 string
	ReadingSlot3 string

	TotalReadings int64 `gorm:"not null;default:0"`
	MinValueEver  *float64
	MaxValueEver  *float64
	FirstSeenAt   time.Time

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Sensor.
func (Sensor) TableName() string {
	return "sensors"
}

// Reading is one entry of a sensor's rolling window.
type Reading struct {
	Timestamp time.Time      `json:"timestamp"`
	Value     map[string]any `json:"value"`
}

// Readings decodes the non-empty reading slots, newest first.
func (s *Sensor) Readings() []Reading {
	var out []Reading
	for _, slot := range []string{s.ReadingSlot1, s.ReadingSlot2, s.ReadingSlot3} {
		if slot == "" {
			continue
		}
		var r Reading
		if err := json.Unmarshal([]byte(slot), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

// DiscoveredTopic is the per-site discovery catalog row, written for every
// received message whether or not the topic is recognised.
type DiscoveredTopic struct {
	ID     uint   `gorm:"primaryKey"`
	SiteID uint   `gorm:"uniqueIndex:idx_site_topic;not null"`
	Topic  string `gorm:"uniqueIndex:idx_site_topic;not null"`

	MessageCount    int64 `gorm:"not null;default:0"`
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
	SamplePayload   string
	AvgPayloadBytes float64

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for DiscoveredTopic.
func (DiscoveredTopic) TableName() string {
	return "discovered_topics"
}

// DowntimeEvent records one offline interval for a device. OnlineAt is nil
// while the outage is open; at most one open event exists per device.
type DowntimeEvent struct {
	ID           uint   `gorm:"primaryKey"`
	DeviceKind   string `gorm:"index:idx_device_open;not null"`
	DeviceSerial string `gorm:"index:idx_device_open;not null"`
	SiteID       uint   `gorm:"index;not null"`

	OfflineAt               time.Time  `gorm:"not null"`
	OnlineAt                *time.Time `gorm:"index:idx_device_open"`
	DurationSeconds         *float64
	ExpectedIntervalSeconds *int

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for DowntimeEvent.
func (DowntimeEvent) TableName() string {
	return "downtime_events"
}
