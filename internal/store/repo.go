package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/power-scheduler/internal/model"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Repo struct {
	db *gorm.DB
}

func gormConfig() *gorm.Config {
	// "record not found" is an expected answer for unknown devices.
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return &gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger}
}

// Open connects using one of the supported drivers: postgres, mysql or sqlite.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "postgres":
		dialector = postgres.New(postgres.Config{DSN: dsn})
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	return gorm.Open(dialector, gormConfig())
}

func PostgresDSN(user, password, dbName, host, port, sslMode string) string {
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func ensureSchema(db *gorm.DB) error {
	m := db.Migrator()
	tables := []struct {
		model any
		name  string
	}{
		{&DeviceRecord{}, "devices"},
		{&ScheduleRecord{}, "schedules"},
		{&EnergySample{}, "energy_samples"},
		{&TickRun{}, "tick_runs"},
	}
	for _, t := range tables {
		if m.HasTable(t.model) {
			continue
		}
		if err := m.CreateTable(t.model); err != nil {
			return fmt.Errorf("create table %s: %w", t.name, err)
		}
	}
	return nil
}

func (r *Repo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func toDevice(rec DeviceRecord) model.Device {
	return model.Device{
		ID:                rec.ID,
		OwnerID:           rec.OwnerID,
		Name:              rec.Name,
		Connector:         model.ParseConnectorKind(rec.Connector),
		ConnectorDeviceID: rec.ConnectorDeviceID,
		CommandSequence:   uint16(rec.CommandSequence),
	}
}

func (r *Repo) UpsertDevice(ctx context.Context, d *model.Device) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Connector == "" {
		d.Connector = model.ConnectorNone
	}
	rec := DeviceRecord{
		ID:                d.ID,
		OwnerID:           d.OwnerID,
		Name:              d.Name,
		Connector:         string(d.Connector),
		ConnectorDeviceID: d.ConnectorDeviceID,
		CommandSequence:   int(d.CommandSequence),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "name", "connector", "connector_device_id", "updated_at"}),
	}).Create(&rec).Error
}

// GetDevice only returns devices owned by ownerID.
func (r *Repo) GetDevice(ctx context.Context, ownerID string, id uuid.UUID) (model.Device, error) {
	var rec DeviceRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ? AND owner_id = ?", id, ownerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Device{}, fmt.Errorf("%w: %s", model.ErrDeviceNotFound, id)
	}
	if err != nil {
		return model.Device{}, err
	}
	return toDevice(rec), nil
}

func (r *Repo) ListCloudDevices(ctx context.Context) ([]model.Device, error) {
	var rows []DeviceRecord
	q := r.db.WithContext(ctx).
		Where("connector IN ?", []string{string(model.ConnectorCloud), string(model.ConnectorCloudLegacy)}).
		Where("connector_device_id <> ''").
		Order("id asc")
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Device, 0, len(rows))
	for _, rec := range rows {
		out = append(out, toDevice(rec))
	}
	return out, nil
}

func (r *Repo) CommandSequence(ctx context.Context, id uuid.UUID) (uint16, error) {
	var rec DeviceRecord
	err := r.db.WithContext(ctx).Select("command_sequence").First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: %s", model.ErrDeviceNotFound, id)
	}
	if err != nil {
		return 0, err
	}
	return uint16(rec.CommandSequence), nil
}

func (r *Repo) SetCommandSequence(ctx context.Context, id uuid.UUID, seq uint16) error {
	res := r.db.WithContext(ctx).Model(&DeviceRecord{}).Where("id = ?", id).Update("command_sequence", int(seq))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", model.ErrDeviceNotFound, id)
	}
	return nil
}

func (r *Repo) CreateSchedule(ctx context.Context, s *model.Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	ids := s.DeviceIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	rec := ScheduleRecord{
		ID:        s.ID,
		OwnerID:   s.OwnerID,
		StartTime: s.StartTime.UTC(),
		EndTime:   s.EndTime.UTC(),
		DeviceIDs: raw,
	}
	return r.db.WithContext(ctx).Create(&rec).Error
}

// ListActive returns schedules that have not ended by now, oldest start first.
func (r *Repo) ListActive(ctx context.Context, now time.Time) ([]model.Schedule, error) {
	var rows []ScheduleRecord
	q := r.db.WithContext(ctx).Where("end_time > ?", now.UTC()).Order("start_time asc").Order("id asc")
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Schedule, 0, len(rows))
	for _, rec := range rows {
		var ids []uuid.UUID
		if len(rec.DeviceIDs) > 0 {
			if err := json.Unmarshal(rec.DeviceIDs, &ids); err != nil {
				return nil, fmt.Errorf("decode device ids of schedule %s: %w", rec.ID, err)
			}
		}
		out = append(out, model.Schedule{
			ID:        rec.ID,
			OwnerID:   rec.OwnerID,
			StartTime: rec.StartTime.UTC(),
			EndTime:   rec.EndTime.UTC(),
			DeviceIDs: ids,
		})
	}
	return out, nil
}

// SaveEnergySamples upserts on (device, metric, granularity, bucket).
func (r *Repo) SaveEnergySamples(ctx context.Context, samples []EnergySample) error {
	if len(samples) == 0 {
		return nil
	}
	for i := range samples {
		if samples[i].ID == uuid.Nil {
			samples[i].ID = uuid.New()
		}
		if samples[i].CollectedAt.IsZero() {
			samples[i].CollectedAt = time.Now().UTC()
		}
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}, {Name: "metric"}, {Name: "granularity"}, {Name: "bucket"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "collected_at", "connector_device_id"}),
	}).CreateInBatches(samples, 200).Error
}

func (r *Repo) ListEnergySamples(ctx context.Context, deviceID uuid.UUID, metric, granularity string) ([]EnergySample, error) {
	var rows []EnergySample
	q := r.db.WithContext(ctx).
		Where("device_id = ? AND metric = ? AND granularity = ?", deviceID, metric, granularity).
		Order("bucket asc")
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) SaveTickReport(ctx context.Context, rep model.TickReport) error {
	raw, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	id := rep.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	run := TickRun{
		ID:           id,
		Now:          rep.Now.UTC(),
		StartedAt:    rep.StartedAt.UTC(),
		FinishedAt:   rep.FinishedAt.UTC(),
		Applied:      len(rep.Applied),
		Skipped:      len(rep.Skipped),
		Failed:       len(rep.Failed),
		Deduplicated: rep.Deduplicated,
		Report:       raw,
	}
	return r.db.WithContext(ctx).Create(&run).Error
}

func (r *Repo) ListTickRuns(ctx context.Context, limit int) ([]TickRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []TickRun
	if err := r.db.WithContext(ctx).Order("started_at desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
