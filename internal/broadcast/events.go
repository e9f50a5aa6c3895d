// Package broadcast fans state-change events out to subscribed dashboard
// clients. Delivery is best-effort: a slow subscriber loses events rather
// than stalling the ingestion path.
package broadcast

import "time"

// GroupName is the single logical group dashboard clients subscribe to.
const GroupName = "mqtt_status_updates"

// Event type tags as they appear on the wire.
const (
	TypeGatewayUpdate    = "gateway_update"
	TypeDataloggerUpdate = "datalogger_update"
	TypeGatewayOffline   = "gateway_offline"
	TypeSensorOffline    = "sensor_offline"
)

// Event is the closed set of broadcast payloads. Consumers switch on the
// concrete type or on Type().
type Event interface {
	Type() string
}

// GatewayUpdate announces a gateway create, refresh or recovery.
type GatewayUpdate struct {
	EventType    string    `json:"type"`
	SiteID       uint      `json:"site_id"`
	Timestamp    time.Time `json:"timestamp"`
	GatewayID    uint      `json:"gateway_id"`
	SerialNumber string    `json:"serial_number"`
}

// Type implements Event.
func (GatewayUpdate) Type() string { return TypeGatewayUpdate }

// NewGatewayUpdate builds a gateway_update event.
func NewGatewayUpdate(siteID, gatewayID uint, serial string, at time.Time) GatewayUpdate {
	return GatewayUpdate{
		EventType:    TypeGatewayUpdate,
		SiteID:       siteID,
		Timestamp:    at,
		GatewayID:    gatewayID,
		SerialNumber: serial,
	}
}

// DataloggerUpdate announces a datalogger refresh with its online status.
type DataloggerUpdate struct {
	EventType    string    `json:"type"`
	SiteID       uint      `json:"site_id"`
	Timestamp    time.Time `json:"timestamp"`
	DataloggerID uint      `json:"datalogger_id"`
	SerialNumber string    `json:"serial_number"`
	Status       string    `json:"status"`
}

// Type implements Event.
func (DataloggerUpdate) Type() string { return TypeDataloggerUpdate }

// NewDataloggerUpdate builds a datalogger_update event. online maps to the
// wire statuses "online"/"offline".
func NewDataloggerUpdate(siteID, dataloggerID uint, serial string, online bool, at time.Time) DataloggerUpdate {
	status := "offline"
	if online {
		status = "online"
	}
	return DataloggerUpdate{
		EventType:    TypeDataloggerUpdate,
		SiteID:       siteID,
		Timestamp:    at,
		DataloggerID: dataloggerID,
		SerialNumber: serial,
		Status:       status,
	}
}

// GatewayOffline announces a gateway flipped offline by the sweeper.
type GatewayOffline struct {
	EventType    string    `json:"type"`
	SiteID       uint      `json:"site_id"`
	Timestamp    time.Time `json:"timestamp"`
	GatewayID    uint      `json:"gateway_id"`
	SerialNumber string    `json:"serial_number"`
}

// Type implements Event.
func (GatewayOffline) Type() string { return TypeGatewayOffline }

// NewGatewayOffline builds a gateway_offline event.
func NewGatewayOffline(siteID, gatewayID uint, serial string, at time.Time) GatewayOffline {
	return GatewayOffline{
		EventType:    TypeGatewayOffline,
		SiteID:       siteID,
		Timestamp:    at,
		GatewayID:    gatewayID,
		SerialNumber: serial,
	}
}

// SensorOffline announces a sensor flipped offline.
type SensorOffline struct {
	EventType    string    `json:"type"`
	SiteID       uint      `json:"site_id"`
	Timestamp    time.Time `json:"timestamp"`
	SensorID     uint      `json:"sensor_id"`
	SerialNumber string    `json:"serial_number"`
	DataloggerID uint      `json:"datalogger_id"`
}

// Type implements Event.
func (SensorOffline) Type() string { return TypeSensorOffline }

// NewSensorOffline builds a sensor_offline event.
func NewSensorOffline(siteID, sensorID uint, serial string, dataloggerID uint, at time.Time) SensorOffline {
	return SensorOffline{
		EventType:    TypeSensorOffline,
		SiteID:       siteID,
		Timestamp:    at,
		SensorID:     sensorID,
		SerialNumber: serial,
		DataloggerID: dataloggerID,
	}
}
