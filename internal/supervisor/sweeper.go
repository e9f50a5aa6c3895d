// Package supervisor owns the process-wide connection registry, the
// reconcile loop and the periodic offline sweep over the device inventory.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ASDEAhardware/bfg-sub000/internal/broadcast"
	"github.com/ASDEAhardware/bfg-sub000/internal/store"
	"github.com/ASDEAhardware/bfg-sub000/pkg/metrics"
)

// A device is considered offline once it has been silent for this multiple
// of its expected heartbeat interval.
const offlineTimeoutFactor = 2.5

// IsOffline is the sweep predicate: silent for longer than
// expectedSeconds × 2.5 at now. Clock skew backwards never flips a device.
func IsOffline(now, lastSeen time.Time, expectedSeconds int) bool {
	if expectedSeconds <= 0 {
		return false
	}
	timeout := time.Duration(float64(expectedSeconds)*offlineTimeoutFactor) * time.Second
	return now.Sub(lastSeen) > timeout
}

// Sweeper periodically scans the inventory, flips silent devices offline,
// cascades down the hierarchy and opens downtime events.
type Sweeper struct {
	logger  *slog.Logger
	repo    *store.Repository
	bus     broadcast.Publisher
	metrics *metrics.SweepMetrics
	now     func() time.Time
}

// SweeperConfig holds the configuration for the Sweeper.
type SweeperConfig struct {
	Logger     *slog.Logger
	Repository *store.Repository
	Bus        broadcast.Publisher
	Metrics    *metrics.SweepMetrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewSweeper creates a new Sweeper instance.
func NewSweeper(cfg *SweeperConfig) (*Sweeper, error) {
	if cfg == nil {
		return nil, errors.New("sweeper config cannot be nil")
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

	return &Sweeper{
		logger:  cfg.Logger,
		repo:    cfg.Repository,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		now:     now,
	}, nil
}

// RunOnce executes one full sweep. Errors abort the tick; the next interval
// retries.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	var timer *prometheus.Timer
	if s.metrics != nil {
		s.metrics.SweepsRun.Inc()
		timer = prometheus.NewTimer(s.metrics.SweepDuration)
		defer timer.ObserveDuration()
	}

	err := s.sweep(ctx)
	if err != nil && s.metrics != nil {
		s.metrics.SweepFailures.Inc()
	}
	return err
}

func (s *Sweeper) sweep(ctx context.Context) error {
	now := s.now()

	gateways, err := s.repo.ListGatewaysForSweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	for _, gw := range gateways {
		if !IsOffline(now, *gw.LastSeenAt, *gw.ExpectedHeartbeatSeconds) {
			continue
		}
		if err := s.offlineGateway(ctx, &gw, now); err != nil {
			return fmt.Errorf("sweep gateway %s: %w", gw.SerialNumber, err)
		}
	}

	dataloggers, err := s.repo.ListDataloggersForSweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	for _, dl := range dataloggers {
		if !IsOffline(now, *dl.LastSeenAt, *dl.ExpectedHeartbeatSeconds) {
			continue
		}
		gw, err := s.repo.GetGateway(ctx, dl.GatewayID)
		if err != nil {
			return fmt.Errorf("sweep datalogger %s: %w", dl.SerialNumber, err)
		}
		if err := s.offlineDatalogger(ctx, &dl, gw.SiteID, now); err != nil {
			return fmt.Errorf("sweep datalogger %s: %w", dl.SerialNumber, err)
		}
	}

	sensors, err := s.repo.ListSensorsForSweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	for _, sensor := range sensors {
		if !IsOffline(now, *sensor.LastReadingAt, *sensor.ExpectedHeartbeatSeconds) {
			continue
		}
		dl, err := s.repo.GetDatalogger(ctx, sensor.DataloggerID)
		if err != nil {
			return fmt.Errorf("sweep sensor %s: %w", sensor.SerialNumber, err)
		}
		gw, err := s.repo.GetGateway(ctx, dl.GatewayID)
		if err != nil {
			return fmt.Errorf("sweep sensor %s: %w", sensor.SerialNumber, err)
		}
		if err := s.offlineSensor(ctx, &sensor, gw.SiteID, now); err != nil {
			return fmt.Errorf("sweep sensor %s: %w", sensor.SerialNumber, err)
		}
	}

	return nil
}

// offlineGateway flips a gateway and cascades over its online dataloggers
// and their sensors. Children already offline are left alone.
func (s *Sweeper) offlineGateway(ctx context.Context, gw *store.Gateway, now time.Time) error {
	if err := s.repo.MarkGatewayOffline(ctx, gw.ID); err != nil {
		return err
	}
	if _, err := s.repo.OpenDowntimeEvent(ctx, store.DeviceKindGateway, gw.SerialNumber, gw.SiteID, now, gw.ExpectedHeartbeatSeconds); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.DevicesOfflined.WithLabelValues(store.DeviceKindGateway).Inc()
	}
	s.logger.Info("gateway offline",
		"serial_number", gw.SerialNumber,
		"last_seen_at", gw.LastSeenAt,
		"expected_heartbeat_seconds", *gw.ExpectedHeartbeatSeconds,
	)
	s.bus.Publish(broadcast.NewGatewayOffline(gw.SiteID, gw.ID, gw.SerialNumber, now))

	dataloggers, err := s.repo.ListOnlineDataloggersByGateway(ctx, gw.ID)
	if err != nil {
		return err
	}
	for _, dl := range dataloggers {
		if err := s.offlineDatalogger(ctx, &dl, gw.SiteID, now); err != nil {
			return err
		}
	}
	return nil
}

// offlineDatalogger flips a datalogger and cascades over its online sensors.
func (s *Sweeper) offlineDatalogger(ctx context.Context, dl *store.Datalogger, siteID uint, now time.Time) error {
	if err := s.repo.MarkDataloggerOffline(ctx, dl.ID); err != nil {
		return err
	}
	if _, err := s.repo.OpenDowntimeEvent(ctx, store.DeviceKindDatalogger, dl.SerialNumber, siteID, now, dl.ExpectedHeartbeatSeconds); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.DevicesOfflined.WithLabelValues(store.DeviceKindDatalogger).Inc()
	}
	s.logger.Info("datalogger offline", "serial_number", dl.SerialNumber)
	s.bus.Publish(broadcast.NewDataloggerUpdate(siteID, dl.ID, dl.SerialNumber, false, now))

	sensors, err := s.repo.ListOnlineSensorsByDatalogger(ctx, dl.ID)
	if err != nil {
		return err
	}
	for _, sensor := range sensors {
		if err := s.offlineSensor(ctx, &sensor, siteID, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sweeper) offlineSensor(ctx context.Context, sensor *store.Sensor, siteID uint, now time.Time) error {
	if err := s.repo.MarkSensorOffline(ctx, sensor.ID); err != nil {
		return err
	}
	if _, err := s.repo.OpenDowntimeEvent(ctx, store.DeviceKindSensor, sensor.SerialNumber, siteID, now, sensor.ExpectedHeartbeatSeconds); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.DevicesOfflined.WithLabelValues(store.DeviceKindSensor).Inc()
	}
	s.logger.Info("sensor offline", "serial_number", sensor.SerialNumber)
	s.bus.Publish(broadcast.NewSensorOffline(siteID, sensor.ID, sensor.SerialNumber, sensor.DataloggerID, now))
	return nil
}
