package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository wraps all database access for the ingestion core. It is safe for
// concurrent use; every method runs in its own implicit transaction unless
// called on a repository obtained from Transaction.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a Repository on top of an open gorm database.
func NewRepository(db *gorm.DB) (*Repository, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	return &Repository{db: db}, nil
}

// DB exposes the underlying handle for migrations and tests.
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// Transaction runs fn inside a serializable transaction. The repository
// passed to fn shares the transaction handle; message processing uses this so
// all hierarchy writes of one message commit atomically.
func (r *Repository) Transaction(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// locked applies a SELECT ... FOR UPDATE on engines that support it. SQLite
// serialises writers on its own, so the clause is skipped there.
func (r *Repository) locked(tx *gorm.DB) *gorm.DB {
	if r.db.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// ---- Connection configuration ----

// ListEnabledConnections returns every enabled connection row with its
// subscriptions preloaded.
func (r *Repository) ListEnabledConnections(ctx context.Context) ([]ConnectionConfig, error) {
	var conns []ConnectionConfig
	err := r.db.WithContext(ctx).
		Preload("Subscriptions", "active = ?", true).
		Where("enabled = ?", true).
		Order("id").
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled connections: %w", err)
	}
	return conns, nil
}

// GetConnection returns one connection row by primary key.
func (r *Repository) GetConnection(ctx context.Context, id uint) (*ConnectionConfig, error) {
	var conn ConnectionConfig
	err := r.db.WithContext(ctx).
		Preload("Subscriptions", "active = ?", true).
		First(&conn, id).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get connection %d: %w", id, err)
	}
	return &conn, nil
}

// GetConnectionBySite returns the connection row owned by a site, or
// gorm.ErrRecordNotFound wrapped if none exists.
func (r *Repository) GetConnectionBySite(ctx context.Context, siteID uint) (*ConnectionConfig, error) {
	var conn ConnectionConfig
	err := r.db.WithContext(ctx).
		Preload("Subscriptions", "active = ?", true).
		Where("site_id = ?", siteID).
		First(&conn).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get connection for site %d: %w", siteID, err)
	}
	return &conn, nil
}

// ConnectionStatusUpdate carries the status fields a connection writes back
// to its row. Zero-value fields are left untouched; ClearNextRetry forces
// next_retry_at to NULL.
type ConnectionStatusUpdate struct {
	State           string
	LastConnectedAt *time.Time
	LastMessageAt   *time.Time
	LastError       *string
	ErrorCount      *int
	RetryCount      *int
	NextRetryAt     *time.Time
	ClearNextRetry  bool
}

// UpdateConnectionStatus writes the given status fields on a connection row.
func (r *Repository) UpdateConnectionStatus(ctx context.Context, id uint, u ConnectionStatusUpdate) error {
	updates := map[string]any{}
	if u.State != "" {
		updates["state"] = u.State
	}
	if u.LastConnectedAt != nil {
		updates["last_connected_at"] = *u.LastConnectedAt
	}
	if u.LastMessageAt != nil {
		updates["last_message_at"] = *u.LastMessageAt
	}
	if u.LastError != nil {
		updates["last_error"] = *u.LastError
	}
	if u.ErrorCount != nil {
		updates["error_count"] = *u.ErrorCount
	}
	if u.RetryCount != nil {
		updates["retry_count"] = *u.RetryCount
	}
	if u.NextRetryAt != nil {
		updates["next_retry_at"] = *u.NextRetryAt
	} else if u.ClearNextRetry {
		updates["next_retry_at"] = nil
	}
	if len(updates) == 0 {
		return nil
	}

	err := r.db.WithContext(ctx).
		Model(&ConnectionConfig{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update connection %d status: %w", id, err)
	}
	return nil
}

// TouchLastMessage records the arrival time of an inbound message.
func (r *Repository) TouchLastMessage(ctx context.Context, id uint, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&ConnectionConfig{}).
		Where("id = ?", id).
		Update("last_message_at", at).Error
	if err != nil {
		return fmt.Errorf("failed to touch connection %d: %w", id, err)
	}
	return nil
}

// ---- Device inventory ----

// GatewayUpsert is the desired state for one gateway write. Online is a
// tri-state: nil leaves the flag untouched.
type GatewayUpsert struct {
	SiteID                   uint
	SerialNumber             string
	Label                    string
	FirmwareVersion          string
	IPAddress                string
	Hostname                 string
	RawMetadata              string
	Online                   *bool
	LastSeenAt               *time.Time
	ExpectedHeartbeatSeconds *int
}

// UpsertGateway creates or updates a gateway by serial number. It returns the
// persisted row and whether the device was online before the write, so the
// caller can close downtime events on recovery.
func (r *Repository) UpsertGateway(ctx context.Context, u GatewayUpsert) (*Gateway, bool, error) {
	if u.SerialNumber == "" {
		return nil, false, errors.New("gateway serial number cannot be empty")
	}

	var gw Gateway
	tx := r.db.WithContext(ctx)
	err := r.locked(tx).Where("serial_number = ?", u.SerialNumber).First(&gw).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		gw = Gateway{
			SiteID:          u.SiteID,
			SerialNumber:    u.SerialNumber,
			Label:           u.Label,
			FirmwareVersion: u.FirmwareVersion,
			IPAddress:       u.IPAddress,
			Hostname:        u.Hostname,
			RawMetadata:     u.RawMetadata,
		}
		applyCommonGateway(&gw, u)
		if err := tx.Create(&gw).Error; err != nil {
			return nil, false, fmt.Errorf("failed to create gateway %s: %w", u.SerialNumber, err)
		}
		return &gw, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("failed to load gateway %s: %w", u.SerialNumber, err)
	}

	wasOnline := gw.IsOnline
	if u.Label != "" {
		gw.Label = u.Label
	}
	if u.FirmwareVersion != "" {
		gw.FirmwareVersion = u.FirmwareVersion
	}
	if u.IPAddress != "" {
		gw.IPAddress = u.IPAddress
	}
	if u.Hostname != "" {
		gw.Hostname = u.Hostname
	}
	if u.RawMetadata != "" {
		gw.RawMetadata = u.RawMetadata
	}
	applyCommonGateway(&gw, u)
	if err := tx.Save(&gw).Error; err != nil {
		return nil, false, fmt.Errorf("failed to update gateway %s: %w", u.SerialNumber, err)
	}
	return &gw, wasOnline, nil
}

func applyCommonGateway(gw *Gateway, u GatewayUpsert) {
	if u.Online != nil {
		gw.IsOnline = *u.Online
	}
	if u.LastSeenAt != nil {
		gw.LastSeenAt = u.LastSeenAt
	}
	if u.ExpectedHeartbeatSeconds != nil {
		gw.ExpectedHeartbeatSeconds = u.ExpectedHeartbeatSeconds
	}
}

// DataloggerUpsert is the desired state for one datalogger write.
type DataloggerUpsert struct {
	GatewayID                uint
	SerialNumber             string
	Type                     string
	AcquisitionStatus        string
	Online                   *bool
	LastSeenAt               *time.Time
	ExpectedHeartbeatSeconds *int
}

// UpsertDatalogger creates or updates a datalogger by serial number. A serial
// seen under a new gateway is re-parented, never duplicated.
func (r *Repository) UpsertDatalogger(ctx context.Context, u DataloggerUpsert) (*Datalogger, bool, error) {
	if u.SerialNumber == "" {
		return nil, false, errors.New("datalogger serial number cannot be empty")
	}

	var dl Datalogger
	tx := r.db.WithContext(ctx)
	err := r.locked(tx).Where("serial_number = ?", u.SerialNumber).First(&dl).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		dl = Datalogger{
			GatewayID:         u.GatewayID,
			SerialNumber:      u.SerialNumber,
			Type:              u.Type,
			AcquisitionStatus: u.AcquisitionStatus,
		}
		applyCommonDatalogger(&dl, u)
		if err := tx.Create(&dl).Error; err != nil {
			return nil, false, fmt.Errorf("failed to create datalogger %s: %w", u.SerialNumber, err)
		}
		return &dl, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("failed to load datalogger %s: %w", u.SerialNumber, err)
	}

	wasOnline := dl.IsOnline
	if u.GatewayID != 0 {
		dl.GatewayID = u.GatewayID
	}
	if u.Type != "" {
		dl.Type = u.Type
	}
	if u.AcquisitionStatus != "" {
		dl.AcquisitionStatus = u.AcquisitionStatus
	}
	applyCommonDatalogger(&dl, u)
	if err := tx.Save(&dl).Error; err != nil {
		return nil, false, fmt.Errorf("failed to update datalogger %s: %w", u.SerialNumber, err)
	}
	return &dl, wasOnline, nil
}

func applyCommonDatalogger(dl *Datalogger, u DataloggerUpsert) {
	if u.Online != nil {
		dl.IsOnline = *u.Online
	}
	if u.LastSeenAt != nil {
		dl.LastSeenAt = u.LastSeenAt
	}
	if u.ExpectedHeartbeatSeconds != nil {
		dl.ExpectedHeartbeatSeconds = u.ExpectedHeartbeatSeconds
	}
}

// SensorUpsert is the desired state for one sensor write.
type SensorUpsert struct {
	DataloggerID             uint
	SerialNumber             string
	SensorType               string
	Unit                     string
	Online                   *bool
	ExpectedHeartbeatSeconds *int
}

// UpsertSensor creates or updates a sensor by serial number, re-parenting it
// when its datalogger changed.
func (r *Repository) UpsertSensor(ctx context.Context, u SensorUpsert) (*Sensor, bool, error) {
	if u.SerialNumber == "" {
		return nil, false, errors.New("sensor serial number cannot be empty")
	}

	var s Sensor
	tx := r.db.WithContext(ctx)
	err := r.locked(tx).Where("serial_number = ?", u.SerialNumber).First(&s).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		s = Sensor{
			DataloggerID: u.DataloggerID,
			SerialNumber: u.SerialNumber,
			SensorType:   u.SensorType,
			Unit:         u.Unit,
			FirstSeenAt:  time.Now().UTC(),
		}
		applyCommonSensor(&s, u)
		if err := tx.Create(&s).Error; err != nil {
			return nil, false, fmt.Errorf("failed to create sensor %s: %w", u.SerialNumber, err)
		}
		return &s, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("failed to load sensor %s: %w", u.SerialNumber, err)
	}

	wasOnline := s.IsOnline
	if u.DataloggerID != 0 {
		s.DataloggerID = u.DataloggerID
	}
	if u.SensorType != "" {
		s.SensorType = u.SensorType
	}
	if u.Unit != "" {
		s.Unit = u.Unit
	}
	applyCommonSensor(&s, u)
	if err := tx.Save(&s).Error; err != nil {
		return nil, false, fmt.Errorf("failed to update sensor %s: %w", u.SerialNumber, err)
	}
	return &s, wasOnline, nil
}

func applyCommonSensor(s *Sensor, u SensorUpsert) {
	if u.Online != nil {
		s.IsOnline = *u.Online
	}
	if u.ExpectedHeartbeatSeconds != nil {
		s.ExpectedHeartbeatSeconds = u.ExpectedHeartbeatSeconds
	}
}

// PushSensorReading rotates the reading onto the head of the sensor's
// three-slot window and updates the aggregates. numeric carries the reading's
// scalar value when one exists, for min/max tracking.
func (r *Repository) PushSensorReading(ctx context.Context, sensorID uint, reading Reading, numeric *float64) error {
	encoded, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}

	var s Sensor
	tx := r.db.WithContext(ctx)
	if err := r.locked(tx).First(&s, sensorID).Error; err != nil {
		return fmt.Errorf("failed to load sensor %d: %w", sensorID, err)
	}

	s.ReadingSlot3 = s.ReadingSlot2
	s.ReadingSlot2 = s.ReadingSlot1
	s.ReadingSlot1 = string(encoded)
	s.TotalReadings++
	ts := reading.Timestamp
	s.LastReadingAt = &ts
	if numeric != nil {
		if s.MinValueEver == nil || *numeric < *s.MinValueEver {
			v := *numeric
			s.MinValueEver = &v
		}
		if s.MaxValueEver == nil || *numeric > *s.MaxValueEver {
			v := *numeric
			s.MaxValueEver = &v
		}
	}

	if err := tx.Save(&s).Error; err != nil {
		return fmt.Errorf("failed to push reading on sensor %d: %w", sensorID, err)
	}
	return nil
}

// MarkSensorsOfflineExcept flips to offline every online sensor of a
// datalogger whose ID is not in keep, returning the flipped rows.
func (r *Repository) MarkSensorsOfflineExcept(ctx context.Context, dataloggerID uint, keep []uint) ([]Sensor, error) {
	var stale []Sensor
	tx := r.db.WithContext(ctx).
		Where("datalogger_id = ? AND is_online = ?", dataloggerID, true)
	if len(keep) > 0 {
		tx = tx.Where("id NOT IN ?", keep)
	}
	if err := tx.Find(&stale).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale sensors: %w", err)
	}

	for i := range stale {
		stale[i].IsOnline = false
		if err := r.db.WithContext(ctx).Model(&stale[i]).Update("is_online", false).Error; err != nil {
			return nil, fmt.Errorf("failed to mark sensor %s offline: %w", stale[i].SerialNumber, err)
		}
	}
	return stale, nil
}

// GetGateway returns one gateway by primary key.
func (r *Repository) GetGateway(ctx context.Context, id uint) (*Gateway, error) {
	var gw Gateway
	if err := r.db.WithContext(ctx).First(&gw, id).Error; err != nil {
		return nil, fmt.Errorf("failed to get gateway %d: %w", id, err)
	}
	return &gw, nil
}

// GetDatalogger returns one datalogger by primary key.
func (r *Repository) GetDatalogger(ctx context.Context, id uint) (*Datalogger, error) {
	var dl Datalogger
	if err := r.db.WithContext(ctx).First(&dl, id).Error; err != nil {
		return nil, fmt.Errorf("failed to get datalogger %d: %w", id, err)
	}
	return &dl, nil
}

// GetGatewayBySerial returns one gateway by serial number.
func (r *Repository) GetGatewayBySerial(ctx context.Context, serial string) (*Gateway, error) {
	var gw Gateway
	if err := r.db.WithContext(ctx).Where("serial_number = ?", serial).First(&gw).Error; err != nil {
		return nil, fmt.Errorf("failed to get gateway %s: %w", serial, err)
	}
	return &gw, nil
}

// GetDataloggerBySerial returns one datalogger by serial number.
func (r *Repository) GetDataloggerBySerial(ctx context.Context, serial string) (*Datalogger, error) {
	var dl Datalogger
	if err := r.db.WithContext(ctx).Where("serial_number = ?", serial).First(&dl).Error; err != nil {
		return nil, fmt.Errorf("failed to get datalogger %s: %w", serial, err)
	}
	return &dl, nil
}

// GetSensorBySerial returns one sensor by serial number.
func (r *Repository) GetSensorBySerial(ctx context.Context, serial string) (*Sensor, error) {
	var s Sensor
	if err := r.db.WithContext(ctx).Where("serial_number = ?", serial).First(&s).Error; err != nil {
		return nil, fmt.Errorf("failed to get sensor %s: %w", serial, err)
	}
	return &s, nil
}

// ---- Discovery catalog ----

// UpsertDiscoveredTopic records one received message in the discovery
// catalog: count, timestamps, running mean payload size, and the sample
// payload when the bytes decoded as JSON. Returns true when the topic was
// seen for the first time.
func (r *Repository) UpsertDiscoveredTopic(ctx context.Context, siteID uint, topic string, payload []byte, validJSON bool, at time.Time) (bool, error) {
	var row DiscoveredTopic
	tx := r.db.WithContext(ctx)
	err := r.locked(tx).Where("site_id = ? AND topic = ?", siteID, topic).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = DiscoveredTopic{
			SiteID:          siteID,
			Topic:           topic,
			MessageCount:    1,
			FirstSeenAt:     at,
			LastSeenAt:      at,
			AvgPayloadBytes: float64(len(payload)),
		}
		if validJSON {
			row.SamplePayload = string(payload)
		}
		if err := tx.Create(&row).Error; err != nil {
			return false, fmt.Errorf("failed to create discovered topic %s: %w", topic, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("failed to load discovered topic %s: %w", topic, err)
	}

	row.MessageCount++
	row.LastSeenAt = at
	// Running mean over all deliveries, idempotent on replay.
	row.AvgPayloadBytes += (float64(len(payload)) - row.AvgPayloadBytes) / float64(row.MessageCount)
	if validJSON {
		row.SamplePayload = string(payload)
	}
	if err := tx.Save(&row).Error; err != nil {
		return false, fmt.Errorf("failed to update discovered topic %s: %w", topic, err)
	}
	return false, nil
}

// GetDiscoveredTopic returns one catalog row.
func (r *Repository) GetDiscoveredTopic(ctx context.Context, siteID uint, topic string) (*DiscoveredTopic, error) {
	var row DiscoveredTopic
	if err := r.db.WithContext(ctx).Where("site_id = ? AND topic = ?", siteID, topic).First(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to get discovered topic %s: %w", topic, err)
	}
	return &row, nil
}

// ---- Downtime events ----

// OpenDowntimeEvent opens an outage record for a device unless one is already
// open. Returns the open event.
func (r *Repository) OpenDowntimeEvent(ctx context.Context, kind, serial string, siteID uint, offlineAt time.Time, expected *int) (*DowntimeEvent, error) {
	var ev DowntimeEvent
	tx := r.db.WithContext(ctx)
	err := tx.Where("device_kind = ? AND device_serial = ? AND online_at IS NULL", kind, serial).First(&ev).Error
	switch {
	case err == nil:
		return &ev, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("failed to check open downtime for %s %s: %w", kind, serial, err)
	}

	ev = DowntimeEvent{
		DeviceKind:              kind,
		DeviceSerial:            serial,
		SiteID:                  siteID,
		OfflineAt:               offlineAt,
		ExpectedIntervalSeconds: expected,
	}
	if err := tx.Create(&ev).Error; err != nil {
		return nil, fmt.Errorf("failed to open downtime for %s %s: %w", kind, serial, err)
	}
	return &ev, nil
}

// CloseOpenDowntimeEvent closes the open outage for a device in place.
// Returns false when no outage was open.
func (r *Repository) CloseOpenDowntimeEvent(ctx context.Context, kind, serial string, onlineAt time.Time) (bool, error) {
	var ev DowntimeEvent
	tx := r.db.WithContext(ctx)
	err := tx.Where("device_kind = ? AND device_serial = ? AND online_at IS NULL", kind, serial).First(&ev).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to load open downtime for %s %s: %w", kind, serial, err)
	}

	duration := onlineAt.Sub(ev.OfflineAt).Seconds()
	if duration < 0 {
		duration = 0
	}
	ev.OnlineAt = &onlineAt
	ev.DurationSeconds = &duration
	if err := tx.Save(&ev).Error; err != nil {
		return false, fmt.Errorf("failed to close downtime for %s %s: %w", kind, serial, err)
	}
	return true, nil
}

// GetOpenDowntimeEvent returns the open outage for a device, if any.
func (r *Repository) GetOpenDowntimeEvent(ctx context.Context, kind, serial string) (*DowntimeEvent, error) {
	var ev DowntimeEvent
	err := r.db.WithContext(ctx).
		Where("device_kind = ? AND device_serial = ? AND online_at IS NULL", kind, serial).
		First(&ev).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get open downtime for %s %s: %w", kind, serial, err)
	}
	return &ev, nil
}

// ---- Sweep queries ----

// ListGatewaysForSweep returns every online gateway with both a last-seen
// time and a heartbeat expectation.
func (r *Repository) ListGatewaysForSweep(ctx context.Context) ([]Gateway, error) {
	var gws []Gateway
	err := r.db.WithContext(ctx).
		Where("is_online = ? AND last_seen_at IS NOT NULL AND expected_heartbeat_seconds IS NOT NULL", true).
		Find(&gws).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list gateways for sweep: %w", err)
	}
	return gws, nil
}

// ListDataloggersForSweep returns every online datalogger with sweep inputs.
func (r *Repository) ListDataloggersForSweep(ctx context.Context) ([]Datalogger, error) {
	var dls []Datalogger
	err := r.db.WithContext(ctx).
		Where("is_online = ? AND last_seen_at IS NOT NULL AND expected_heartbeat_seconds IS NOT NULL", true).
		Find(&dls).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list dataloggers for sweep: %w", err)
	}
	return dls, nil
}

// ListSensorsForSweep returns every online sensor with sweep inputs. A
// sensor's last reading stands in for its last-seen time.
func (r *Repository) ListSensorsForSweep(ctx context.Context) ([]Sensor, error) {
	var ss []Sensor
	err := r.db.WithContext(ctx).
		Where("is_online = ? AND last_reading_at IS NOT NULL AND expected_heartbeat_seconds IS NOT NULL", true).
		Find(&ss).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sensors for sweep: %w", err)
	}
	return ss, nil
}

// ListOnlineDataloggersByGateway returns the online dataloggers under one
// gateway, for cascade.
func (r *Repository) ListOnlineDataloggersByGateway(ctx context.Context, gatewayID uint) ([]Datalogger, error) {
	var dls []Datalogger
	err := r.db.WithContext(ctx).
		Where("gateway_id = ? AND is_online = ?", gatewayID, true).
		Find(&dls).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list dataloggers of gateway %d: %w", gatewayID, err)
	}
	return dls, nil
}

// ListOnlineSensorsByDatalogger returns the online sensors under one
// datalogger, for cascade.
func (r *Repository) ListOnlineSensorsByDatalogger(ctx context.Context, dataloggerID uint) ([]Sensor, error) {
	var ss []Sensor
	err := r.db.WithContext(ctx).
		Where("datalogger_id = ? AND is_online = ?", dataloggerID, true).
		Find(&ss).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sensors of datalogger %d: %w", dataloggerID, err)
	}
	return ss, nil
}

// MarkGatewayOffline flips one gateway offline.
func (r *Repository) MarkGatewayOffline(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Model(&Gateway{}).Where("id = ?", id).Update("is_online", false).Error
	if err != nil {
		return fmt.Errorf("failed to mark gateway %d offline: %w", id, err)
	}
	return nil
}

// MarkDataloggerOffline flips one datalogger offline.
func (r *Repository) MarkDataloggerOffline(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Model(&Datalogger{}).Where("id = ?", id).Update("is_online", false).Error
	if err != nil {
		return fmt.Errorf("failed to mark datalogger %d offline: %w", id, err)
	}
	return nil
}

// MarkSensorOffline flips one sensor offline.
func (r *Repository) MarkSensorOffline(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Model(&Sensor{}).Where("id = ?", id).Update("is_online", false).Error
	if err != nil {
		return fmt.Errorf("failed to mark sensor %d offline: %w", id, err)
	}
	return nil
}
