// Package simulator publishes synthetic gateway fleets over MQTT, exercising
// the same topic shapes and payloads the ingestion service consumes. It
// exists for manual end-to-end testing against a live broker.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Datalogger is one simulated field device.
type Datalogger struct {
	SerialNumber string `fake:"{regex:[A-Z]{3}[0-9]{6}}"`
	DeviceType   string
}

// Fleet is one simulated gateway with its dataloggers.
type Fleet struct {
	SiteCode      string
	GatewayN      int
	GatewaySerial string
	Firmware      string `fake:"{appversion}"`
	IPAddress     string `fake:"{ipv4address}"`
	Hostname      string `fake:"{domainname}"`
	Dataloggers   []Datalogger

	phase float64
}

// NewFleet builds a random fleet for a site.
func NewFleet(siteCode string, gatewayN, dataloggers int) (*Fleet, error) {
	if siteCode == "" {
		return nil, errors.New("site code cannot be empty")
	}
	if dataloggers <= 0 {
		dataloggers = 2
	}

	var fleet Fleet
	if err := gofakeit.Struct(&fleet); err != nil {
		return nil, fmt.Errorf("failed to fake fleet: %w", err)
	}
	fleet.SiteCode = siteCode
	fleet.GatewayN = gatewayN
	fleet.GatewaySerial = fmt.Sprintf("%s-gateway_%d", siteCode, gatewayN)
	fleet.phase = rand.Float64() * math.Pi

	for i := 0; i < dataloggers; i++ {
		var dl Datalogger
		if err := gofakeit.Struct(&dl); err != nil {
			return nil, fmt.Errorf("failed to fake datalogger: %w", err)
		}
		dl.DeviceType = "monstr-o"
		fleet.Dataloggers = append(fleet.Dataloggers, dl)
	}
	return &fleet, nil
}

// TelemetryTopic returns the fleet's telemetry topic.
func (f *Fleet) TelemetryTopic() string {
	return fmt.Sprintf("%s/gateway/%d/dataloggers/telemetry", f.SiteCode, f.GatewayN)
}

// StatusTopic returns the fleet's gateway status topic.
func (f *Fleet) StatusTopic() string {
	return fmt.Sprintf("%s/gateway/%d/status", f.SiteCode, f.GatewayN)
}

// AggregatedTopic returns the fleet's aggregated datalogger status topic.
func (f *Fleet) AggregatedTopic() string {
	return fmt.Sprintf("%s/gateway/%d/datalogger/all/status", f.SiteCode, f.GatewayN)
}

// TelemetryPayload builds one telemetry message with slowly drifting
// accelerometer and inclinometer readings.
func (f *Fleet) TelemetryPayload(at time.Time, intervalSeconds int) ([]byte, error) {
	f.phase += 0.1

	dataloggers := make([]map[string]any, 0, len(f.Dataloggers))
	for i, dl := range f.Dataloggers {
		wobble := math.Sin(f.phase + float64(i))
		dataloggers = append(dataloggers, map[string]any{
			"serial_number_datalogger": fmt.Sprintf("dl_%d", i+1),
			"status_datalogger":        "running",
			"devices": []map[string]any{
				{
					"type":                 dl.DeviceType,
					"serial_number_device": dl.SerialNumber,
					"data": []map[string]any{
						{"type": "accelerometer", "value": []float64{wobble, wobble * 0.5, 9.81 + wobble*0.01}},
						{"type": "inclinometer", "value": []float64{wobble * 2, wobble * 1.5, 180 * rand.Float64()}},
					},
				},
			},
		})
	}

	return json.Marshal(map[string]any{
		"serial_number_gateway":    f.GatewaySerial,
		"timestamp":                at.UTC().Format(time.RFC3339),
		"message_interval_seconds": intervalSeconds,
		"mqtt_api_version":         "1.1",
		"dataloggers":              dataloggers,
	})
}

// StatusPayload builds one gateway status message.
func (f *Fleet) StatusPayload(at time.Time) ([]byte, error) {
	return json.Marshal(map[string]any{
		"serial_number":    f.GatewaySerial,
		"ip_address":       f.IPAddress,
		"hostname":         f.Hostname,
		"firmware_version": f.Firmware,
		"uptime_seconds":   rand.Intn(864000),
		"timestamp":        at.UTC().Format(time.RFC3339),
	})
}

// AggregatedPayload builds one aggregated datalogger status message.
func (f *Fleet) AggregatedPayload(at time.Time) ([]byte, error) {
	dataloggers := make([]map[string]any, 0, len(f.Dataloggers))
	for _, dl := range f.Dataloggers {
		dataloggers = append(dataloggers, map[string]any{
			"serial_number": dl.SerialNumber,
			"status":        "running",
			"sensors_data": []map[string]any{
				{"serial_number": dl.SerialNumber + "-accelerometer", "acceleration": []float64{0, 0, 9.81}},
			},
		})
	}
	return json.Marshal(map[string]any{
		"timestamp":   at.UTC().Format(time.RFC3339),
		"dataloggers": dataloggers,
	})
}

// Simulator drives one fleet against a broker.
type Simulator struct {
	logger   *slog.Logger
	fleet    *Fleet
	client   pahomqtt.Client
	interval time.Duration
}

// Config holds the configuration for the Simulator.
type Config struct {
	Logger      *slog.Logger
	BrokerURL   string
	ClientID    string
	SiteCode    string
	GatewayN    int
	Dataloggers int
	Interval    time.Duration
}

// New creates a Simulator and its random fleet.
func New(cfg *Config) (*Simulator, error) {
	if cfg == nil {
		return nil, errors.New("simulator config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.BrokerURL == "" {
		return nil, errors.New("broker URL cannot be empty")
	}
	if cfg.SiteCode == "" {
		return nil, errors.New("site code cannot be empty")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("%s_sim_%d", cfg.SiteCode, rand.Intn(1<<16))
	}

	fleet, err := NewFleet(cfg.SiteCode, cfg.GatewayN, cfg.Dataloggers)
	if err != nil {
		return nil, err
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetCleanSession(true)

	return &Simulator{
		logger:   cfg.Logger,
		fleet:    fleet,
		client:   pahomqtt.NewClient(opts),
		interval: interval,
	}, nil
}

// Run connects and publishes telemetry every interval, with a gateway status
// and an aggregated status every tenth tick, until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	token := s.client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return fmt.Errorf("simulator connect failed: %w", token.Error())
	}
	defer s.client.Disconnect(250)

	s.logger.Info("simulator connected",
		"gateway", s.fleet.GatewaySerial,
		"dataloggers", len(s.fleet.Dataloggers),
		"interval", s.interval,
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("simulator stopping")
			return nil
		case now := <-ticker.C:
			if err := s.publishTick(now, tick); err != nil {
				s.logger.Error("publish failed", "error", err)
			}
			tick++
		}
	}
}

func (s *Simulator) publishTick(now time.Time, tick int) error {
	payload, err := s.fleet.TelemetryPayload(now, int(s.interval.Seconds()))
	if err != nil {
		return err
	}
	if err := s.publish(s.fleet.TelemetryTopic(), payload); err != nil {
		return err
	}

	if tick%10 == 0 {
		status, err := s.fleet.StatusPayload(now)
		if err != nil {
			return err
		}
		if err := s.publish(s.fleet.StatusTopic(), status); err != nil {
			return err
		}

		agg, err := s.fleet.AggregatedPayload(now)
		if err != nil {
			return err
		}
		if err := s.publish(s.fleet.AggregatedTopic(), agg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) publish(topic string, payload []byte) error {
	token := s.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		return fmt.Errorf("publish to %s failed: %w", topic, token.Error())
	}
	s.logger.Debug("published", "topic", topic, "bytes", len(payload))
	return nil
}
