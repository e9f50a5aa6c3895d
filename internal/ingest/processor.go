package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ASDEAhardware/bfg-sub000/internal/broadcast"
	"github.com/ASDEAhardware/bfg-sub000/internal/store"
	"github.com/ASDEAhardware/bfg-sub000/pkg/metrics"
)

// Processor applies parsed MQTT messages to the device inventory. It is
// stateless and re-entrant; all state lives in the repository.
type Processor struct {
	logger  *slog.Logger
	repo    *store.Repository
	bus     broadcast.Publisher
	metrics *metrics.IngestMetrics
	now     func() time.Time
}

// ProcessorConfig holds the configuration for the Processor.
type ProcessorConfig struct {
	Logger     *slog.Logger
	Repository *store.Repository
	Bus        broadcast.Publisher
	Metrics    *metrics.IngestMetrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewProcessor creates a new Processor instance.
func NewProcessor(cfg *ProcessorConfig) (*Processor, error) {
	if cfg == nil {
		return nil, errors.New("processor config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Repository == nil {
		return nil, errors.New("repository cannot be nil")
	}
	if cfg.Bus == nil {
		return nil, errors.New("broadcast bus cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Processor{
		logger:  cfg.Logger,
		repo:    cfg.Repository,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		now:     now,
	}, nil
}

// Process handles one inbound message. Malformed payloads and unknown topics
// are recorded in the discovery catalog and return nil; a non-nil error means
// the persistence transaction failed and the delivery must not be acked.
func (p *Processor) Process(ctx context.Context, siteID uint, siteCode, topic string, payload []byte, qos byte, retained bool) error {
	now := p.now()
	validJSON := json.Valid(payload)

	created, err := p.repo.UpsertDiscoveredTopic(ctx, siteID, topic, payload, validJSON, now)
	if err != nil {
		return fmt.Errorf("failed to catalog topic %s: %w", topic, err)
	}
	if created && p.metrics != nil {
		p.metrics.TopicsDiscovered.Inc()
	}

	parsed := ParseTopic(topic)
	if parsed.Kind == KindUnknown {
		p.logger.Debug("unrecognised topic catalogued", "site_id", siteID, "topic", topic)
		return nil
	}
	if !validJSON {
		p.logger.Warn("malformed payload on recognised topic",
			"site_id", siteID,
			"topic", topic,
			"bytes", len(payload),
		)
		return nil
	}

	var timer *prometheus.Timer
	if p.metrics != nil {
		timer = prometheus.NewTimer(p.metrics.ProcessDuration.WithLabelValues(string(parsed.Kind)))
		defer timer.ObserveDuration()
	}

	var events []broadcast.Event
	err = p.repo.Transaction(ctx, func(tx *store.Repository) error {
		var txErr error
		switch parsed.Kind {
		case KindGatewayStatus:
			events, txErr = p.applyGatewayStatus(ctx, tx, siteID, siteCode, parsed, payload, now)
		case KindDataloggerStatusAggregated:
			events, txErr = p.applyAggregatedStatus(ctx, tx, siteID, siteCode, parsed, payload, now)
		case KindDataloggersTelemetry:
			events, txErr = p.applyTelemetry(ctx, tx, siteID, payload, now)
		}
		return txErr
	})

	switch {
	case errors.Is(err, errSkipMessage):
		// Validation failure: logged inside the handler, nothing committed.
		if p.metrics != nil {
			p.metrics.ProcessFailures.WithLabelValues(string(parsed.Kind), "validation").Inc()
		}
		return nil
	case err != nil:
		if p.metrics != nil {
			p.metrics.ProcessFailures.WithLabelValues(string(parsed.Kind), "persistence").Inc()
		}
		return fmt.Errorf("failed to process %s message: %w", parsed.Kind, err)
	}

	if p.metrics != nil {
		p.metrics.MessagesProcessed.WithLabelValues(string(parsed.Kind)).Inc()
	}
	for _, ev := range events {
		p.bus.Publish(ev)
	}
	return nil
}

// errSkipMessage aborts the transaction for validation failures that must not
// partial-commit but still count as successful delivery.
var errSkipMessage = errors.New("skip message")

// SynthesizeGatewaySerial builds the fallback gateway serial for topics whose
// payload does not carry one.
func SynthesizeGatewaySerial(siteCode, gatewayN string) string {
	return fmt.Sprintf("%s-gateway_%s", siteCode, gatewayN)
}

func (p *Processor) applyGatewayStatus(ctx context.Context, tx *store.Repository, siteID uint, siteCode string, parsed ParsedTopic, payload []byte, now time.Time) ([]broadcast.Event, error) {
	gs, err := ParseGatewayStatus(payload)
	if err != nil {
		p.logger.Warn("invalid gateway status payload", "site_id", siteID, "error", err)
		return nil, errSkipMessage
	}

	serial := gs.SerialNumber
	if serial == "" {
		serial = SynthesizeGatewaySerial(siteCode, parsed.GatewayN)
	}

	online := true
	gw, wasOnline, err := tx.UpsertGateway(ctx, store.GatewayUpsert{
		SiteID:          siteID,
		SerialNumber:    serial,
		FirmwareVersion: gs.FirmwareVersion,
		IPAddress:       gs.IPAddress,
		Hostname:        gs.Hostname,
		RawMetadata:     gs.Raw,
		Online:          &online,
		LastSeenAt:      &now,
	})
	if err != nil {
		return nil, err
	}
	if !wasOnline {
		if _, err := tx.CloseOpenDowntimeEvent(ctx, store.DeviceKindGateway, serial, now); err != nil {
			return nil, err
		}
	}

	return []broadcast.Event{
		broadcast.NewGatewayUpdate(siteID, gw.ID, gw.SerialNumber, now),
	}, nil
}

func (p *Processor) applyAggregatedStatus(ctx context.Context, tx *store.Repository, siteID uint, siteCode string, parsed ParsedTopic, payload []byte, now time.Time) ([]broadcast.Event, error) {
	agg, err := ParseAggregatedStatus(payload, now)
	if err != nil {
		p.logger.Warn("invalid aggregated status payload", "site_id", siteID, "error", err)
		return nil, errSkipMessage
	}

	serial := SynthesizeGatewaySerial(siteCode, parsed.GatewayN)
	online := true
	gw, gwWasOnline, err := tx.UpsertGateway(ctx, store.GatewayUpsert{
		SiteID:       siteID,
		SerialNumber: serial,
		Online:       &online,
		LastSeenAt:   &agg.Timestamp,
	})
	if err != nil {
		return nil, err
	}

	var events []broadcast.Event
	if !gwWasOnline {
		closed, err := tx.CloseOpenDowntimeEvent(ctx, store.DeviceKindGateway, serial, now)
		if err != nil {
			return nil, err
		}
		// First contact is silent; only a genuine recovery gets its own event.
		if closed {
			events = append(events, broadcast.NewGatewayUpdate(siteID, gw.ID, gw.SerialNumber, now))
		}
	}

	for _, item := range agg.Dataloggers {
		itemOnline := item.Online
		ts := agg.Timestamp
		dl, dlWasOnline, err := tx.UpsertDatalogger(ctx, store.DataloggerUpsert{
			GatewayID:                gw.ID,
			SerialNumber:             item.SerialNumber,
			Online:                   &itemOnline,
			LastSeenAt:               &ts,
			ExpectedHeartbeatSeconds: gw.ExpectedHeartbeatSeconds,
		})
		if err != nil {
			return nil, err
		}
		if itemOnline && !dlWasOnline {
			if _, err := tx.CloseOpenDowntimeEvent(ctx, store.DeviceKindDatalogger, dl.SerialNumber, now); err != nil {
				return nil, err
			}
		}

		var seen []uint
		for _, sd := range item.SensorsData {
			sOnline := true
			sensor, sWasOnline, err := tx.UpsertSensor(ctx, store.SensorUpsert{
				DataloggerID:             dl.ID,
				SerialNumber:             sd.SerialNumber,
				SensorType:               sd.SensorType,
				Online:                   &sOnline,
				ExpectedHeartbeatSeconds: gw.ExpectedHeartbeatSeconds,
			})
			if err != nil {
				return nil, err
			}
			if !sWasOnline {
				if _, err := tx.CloseOpenDowntimeEvent(ctx, store.DeviceKindSensor, sensor.SerialNumber, now); err != nil {
					return nil, err
				}
			}
			seen = append(seen, sensor.ID)
		}

		// Any sensor of this datalogger missing from the report goes offline
		// in the same commit.
		stale, err := tx.MarkSensorsOfflineExcept(ctx, dl.ID, seen)
		if err != nil {
			return nil, err
		}
		for _, s := range stale {
			events = append(events, broadcast.NewSensorOffline(siteID, s.ID, s.SerialNumber, dl.ID, now))
		}

		events = append(events, broadcast.NewDataloggerUpdate(siteID, dl.ID, dl.SerialNumber, itemOnline, now))
	}

	return events, nil
}

func (p *Processor) applyTelemetry(ctx context.Context, tx *store.Repository, siteID uint, payload []byte, now time.Time) ([]broadcast.Event, error) {
	tele, err := ParseTelemetry(payload, now)
	if err != nil {
		p.logger.Warn("invalid telemetry payload", "site_id", siteID, "error", err)
		return nil, errSkipMessage
	}

	online := true
	ts := tele.Timestamp
	gw, gwWasOnline, err := tx.UpsertGateway(ctx, store.GatewayUpsert{
		SiteID:                   siteID,
		SerialNumber:             tele.GatewaySerial,
		Online:                   &online,
		LastSeenAt:               &ts,
		ExpectedHeartbeatSeconds: tele.MessageIntervalSeconds,
	})
	if err != nil {
		return nil, err
	}

	var events []broadcast.Event
	if !gwWasOnline {
		closed, err := tx.CloseOpenDowntimeEvent(ctx, store.DeviceKindGateway, gw.SerialNumber, now)
		if err != nil {
			return nil, err
		}
		// A telemetry tick announces its dataloggers; the gateway only gets
		// its own event when it just recovered from recorded downtime.
		if closed {
			events = append(events, broadcast.NewGatewayUpdate(siteID, gw.ID, gw.SerialNumber, now))
		}
	}

	// One datalogger_update per distinct device serial, regardless of how
	// many entries reference it.
	announced := make(map[string]bool)
	for _, dev := range tele.Devices {
		devOnline := dev.Online
		dl, dlWasOnline, err := tx.UpsertDatalogger(ctx, store.DataloggerUpsert{
			GatewayID:                gw.ID,
			SerialNumber:             dev.SerialNumber,
			Type:                     dev.Type,
			Online:                   &devOnline,
			LastSeenAt:               &ts,
			ExpectedHeartbeatSeconds: tele.MessageIntervalSeconds,
		})
		if err != nil {
			return nil, err
		}
		if devOnline && !dlWasOnline {
			if _, err := tx.CloseOpenDowntimeEvent(ctx, store.DeviceKindDatalogger, dl.SerialNumber, now); err != nil {
				return nil, err
			}
		}

		for _, reading := range dev.Data {
			key := NormalizeSensorType(reading.Type)
			sensorSerial := fmt.Sprintf("%s-%s", dev.SerialNumber, key)
			sOnline := true
			sensor, sWasOnline, err := tx.UpsertSensor(ctx, store.SensorUpsert{
				DataloggerID:             dl.ID,
				SerialNumber:             sensorSerial,
				SensorType:               key,
				Online:                   &sOnline,
				ExpectedHeartbeatSeconds: tele.MessageIntervalSeconds,
			})
			if err != nil {
				return nil, err
			}
			if !sWasOnline {
				if _, err := tx.CloseOpenDowntimeEvent(ctx, store.DeviceKindSensor, sensor.SerialNumber, now); err != nil {
					return nil, err
				}
			}

			formatted := FormatSensorValue(reading.Type, reading.Value)
			if err := tx.PushSensorReading(ctx, sensor.ID, store.Reading{
				Timestamp: ts,
				Value:     formatted,
			}, NumericValue(formatted)); err != nil {
				return nil, err
			}
		}

		if !announced[dl.SerialNumber] {
			announced[dl.SerialNumber] = true
			events = append(events, broadcast.NewDataloggerUpdate(siteID, dl.ID, dl.SerialNumber, devOnline, now))
		}
	}

	return events, nil
}
