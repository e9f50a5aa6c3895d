package ingest

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

// Default heartbeat expectation when a telemetry payload does not declare
// message_interval_seconds.
const defaultMessageIntervalSeconds = 60

var errMissingGatewaySerial = errors.New("payload is missing serial_number_gateway")

// GatewayStatus is the parsed form of a gateway status payload. The payload
// is free-form; the named fields are extracted when present and the whole
// object is retained verbatim as raw metadata.
type GatewayStatus struct {
	SerialNumber    string
	IPAddress       string
	Hostname        string
	FirmwareVersion string
	Raw             string
}

// ParseGatewayStatus decodes a gateway status payload.
func ParseGatewayStatus(payload []byte) (*GatewayStatus, error) {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, err
	}

	return &GatewayStatus{
		SerialNumber:    stringField(obj, "serial_number"),
		IPAddress:       stringField(obj, "ip_address"),
		Hostname:        stringField(obj, "hostname"),
		FirmwareVersion: stringField(obj, "firmware_version"),
		Raw:             string(payload),
	}, nil
}

// AggregatedDatalogger is one item of an aggregated status payload.
type AggregatedDatalogger struct {
	SerialNumber string
	Online       bool
	SensorsData  []AggregatedSensor
}

// AggregatedSensor is one sensors_data entry: a serial plus the data fields
// whose names hint at the sensor type.
type AggregatedSensor struct {
	SerialNumber string
	SensorType   string
}

// AggregatedStatus is the parsed form of a datalogger/all/status payload.
type AggregatedStatus struct {
	Timestamp   time.Time
	Dataloggers []AggregatedDatalogger
}

// ParseAggregatedStatus decodes an aggregated datalogger status payload.
// Items lacking a serial number are skipped, not fatal. now supplies the
// fallback timestamp.
func ParseAggregatedStatus(payload []byte, now time.Time) (*AggregatedStatus, error) {
	var raw struct {
		Timestamp   string           `json:"timestamp"`
		Dataloggers []map[string]any `json:"dataloggers"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}

	out := &AggregatedStatus{Timestamp: parseTimestamp(raw.Timestamp, now)}
	for _, item := range raw.Dataloggers {
		serial := stringField(item, "serial_number")
		if serial == "" {
			continue
		}
		dl := AggregatedDatalogger{
			SerialNumber: serial,
			Online:       statusIsOnline(stringField(item, "status")),
		}
		if sensors, ok := item["sensors_data"].([]any); ok {
			for _, s := range sensors {
				entry, ok := s.(map[string]any)
				if !ok {
					continue
				}
				sensorSerial := stringField(entry, "serial_number")
				if sensorSerial == "" {
					sensorSerial = stringField(entry, "device_name")
				}
				if sensorSerial == "" {
					continue
				}
				dl.SensorsData = append(dl.SensorsData, AggregatedSensor{
					SerialNumber: sensorSerial,
					SensorType:   inferSensorType(entry),
				})
			}
		}
		out.Dataloggers = append(out.Dataloggers, dl)
	}
	return out, nil
}

// TelemetryReading is one {type, value} entry of a device's data list.
type TelemetryReading struct {
	Type  string
	Value any
}

// TelemetryDevice is one device entry; devices become dataloggers in the
// inventory, keyed by their own serial.
type TelemetryDevice struct {
	Type         string
	SerialNumber string
	Online       bool
	Data         []TelemetryReading
}

// Telemetry is the parsed form of a dataloggers/telemetry payload.
type Telemetry struct {
	GatewaySerial          string
	Timestamp              time.Time
	MessageIntervalSeconds *int
	APIVersion             string
	Devices                []TelemetryDevice
}

// ParseTelemetry decodes a telemetry payload. A missing
// serial_number_gateway fails validation for the whole message.
func ParseTelemetry(payload []byte, now time.Time) (*Telemetry, error) {
	var raw struct {
		SerialNumberGateway    string `json:"serial_number_gateway"`
		Timestamp              string `json:"timestamp"`
		MessageIntervalSeconds *int   `json:"message_interval_seconds"`
		APIVersion             string `json:"mqtt_api_version"`
		Dataloggers            []struct {
			SerialNumberDatalogger string `json:"serial_number_datalogger"`
			StatusDatalogger       string `json:"status_datalogger"`
			Devices                []struct {
				Type               string `json:"type"`
				SerialNumberDevice string `json:"serial_number_device"`
				Data               []struct {
					Type  string `json:"type"`
					Value any    `json:"value"`
				} `json:"data"`
			} `json:"devices"`
		} `json:"dataloggers"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	if raw.SerialNumberGateway == "" {
		return nil, errMissingGatewaySerial
	}

	out := &Telemetry{
		GatewaySerial: raw.SerialNumberGateway,
		Timestamp:     parseTimestamp(raw.Timestamp, now),
		APIVersion:    raw.APIVersion,
	}
	// An interval of zero means no heartbeat expectation at all.
	if raw.MessageIntervalSeconds == nil {
		interval := defaultMessageIntervalSeconds
		out.MessageIntervalSeconds = &interval
	} else if *raw.MessageIntervalSeconds > 0 {
		interval := *raw.MessageIntervalSeconds
		out.MessageIntervalSeconds = &interval
	}

	for _, dl := range raw.Dataloggers {
		online := statusIsOnline(dl.StatusDatalogger)
		for _, dev := range dl.Devices {
			if dev.SerialNumberDevice == "" {
				continue
			}
			device := TelemetryDevice{
				Type:         NormalizeDeviceType(dev.Type),
				SerialNumber: dev.SerialNumberDevice,
				Online:       online,
			}
			for _, d := range dev.Data {
				if d.Type == "" {
					continue
				}
				device.Data = append(device.Data, TelemetryReading{Type: d.Type, Value: d.Value})
			}
			out.Devices = append(out.Devices, device)
		}
	}
	return out, nil
}

// NormalizeDeviceType strips hyphens and lowercases a device type tag, so
// "monstr-o" and "Monstro" collapse to the same key.
func NormalizeDeviceType(t string) string {
	return strings.ToLower(strings.ReplaceAll(t, "-", ""))
}

// NormalizeSensorType applies the same normalisation to sensor type tags.
func NormalizeSensorType(t string) string {
	return NormalizeDeviceType(t)
}

// FormatSensorValue shapes a raw reading value per the declared sensor type:
//
//	accelerometer [x,y,z]      → {x, y, z}
//	inclinometer  [p,r,(y)]    → {pitch, roll, yaw?}
//	any list of one            → {value}
//	any longer list            → {values}
//	scalar                     → {value}
//	object                     → unchanged
func FormatSensorValue(sensorType string, value any) map[string]any {
	switch v := value.(type) {
	case []any:
		switch NormalizeSensorType(sensorType) {
		case "accelerometer":
			if len(v) == 3 {
				return map[string]any{"x": v[0], "y": v[1], "z": v[2]}
			}
		case "inclinometer":
			if len(v) == 3 {
				return map[string]any{"pitch": v[0], "roll": v[1], "yaw": v[2]}
			}
			if len(v) == 2 {
				return map[string]any{"pitch": v[0], "roll": v[1]}
			}
		}
		if len(v) == 1 {
			return map[string]any{"value": v[0]}
		}
		return map[string]any{"values": v}
	case map[string]any:
		return v
	default:
		return map[string]any{"value": value}
	}
}

// NumericValue extracts the scalar of a formatted reading for min/max
// aggregation. Multi-axis and object readings have no single scalar.
func NumericValue(formatted map[string]any) *float64 {
	raw, ok := formatted["value"]
	if !ok {
		return nil
	}
	if f, ok := raw.(float64); ok {
		return &f
	}
	return nil
}

// inferSensorType guesses a sensor type from the field names of a
// sensors_data entry.
func inferSensorType(entry map[string]any) string {
	for _, key := range sortedKeys(entry) {
		switch {
		case strings.HasPrefix(key, "temp"):
			return "temperature"
		case strings.HasPrefix(key, "hum"):
			return "humidity"
		case strings.HasPrefix(key, "acc"):
			return "accelerometer"
		case strings.HasPrefix(key, "incli"):
			return "inclinometer"
		}
	}
	return "other"
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// statusIsOnline maps a declared status string to the online flag.
func statusIsOnline(status string) bool {
	switch strings.ToLower(status) {
	case "running", "online":
		return true
	default:
		return false
	}
}

// parseTimestamp accepts ISO-8601 with an optional Z suffix and substitutes
// the server clock when absent or unparseable.
func parseTimestamp(s string, now time.Time) time.Time {
	if s == "" {
		return now
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return now
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
