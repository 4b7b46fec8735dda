package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// DeviceRecord is the scheduler's slice of the device directory.
type DeviceRecord struct {
	ID                uuid.UUID `gorm:"type:char(36);primaryKey" json:"id"`
	OwnerID           string    `gorm:"size:128;index:idx_devices_owner_id;not null" json:"owner_id"`
	Name              string    `json:"name"`
	Connector         string    `gorm:"size:32;not null;default:'none'" json:"connector"`
	ConnectorDeviceID string    `gorm:"size:128" json:"connector_device_id"`
	CommandSequence   int       `gorm:"not null;default:0" json:"command_sequence"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (DeviceRecord) TableName() string { return "devices" }

// ScheduleRecord stores the ordered device list as a JSON array of ids.
type ScheduleRecord struct {
	ID        uuid.UUID      `gorm:"type:char(36);primaryKey" json:"id"`
	OwnerID   string         `gorm:"size:128;index:idx_schedules_owner_id;not null" json:"owner_id"`
	StartTime time.Time      `gorm:"not null" json:"start_time"`
	EndTime   time.Time      `gorm:"index:idx_schedules_end_time;not null" json:"end_time"`
	DeviceIDs datatypes.JSON `gorm:"not null" json:"device_ids"`
	CreatedAt time.Time      `json:"created_at"`
}

func (ScheduleRecord) TableName() string { return "schedules" }

type EnergySample struct {
	ID                uuid.UUID `gorm:"type:char(36);primaryKey" json:"id"`
	DeviceID          uuid.UUID `gorm:"type:char(36);uniqueIndex:idx_energy_samples_bucket,priority:1;not null" json:"device_id"`
	ConnectorDeviceID string    `json:"connector_device_id"`
	Metric            string    `gorm:"size:32;uniqueIndex:idx_energy_samples_bucket,priority:2;not null" json:"metric"`
	Granularity       string    `gorm:"size:32;uniqueIndex:idx_energy_samples_bucket,priority:3;not null" json:"granularity"`
	Bucket            string    `gorm:"size:32;uniqueIndex:idx_energy_samples_bucket,priority:4;not null" json:"bucket"`
	Value             float64   `gorm:"not null" json:"value"`
	CollectedAt       time.Time `gorm:"not null" json:"collected_at"`
}

// TickRun is a persisted TickReport with its counts pulled out for querying.
type TickRun struct {
	ID           uuid.UUID      `gorm:"type:char(36);primaryKey" json:"id"`
	Now          time.Time      `gorm:"index:idx_tick_runs_now;not null" json:"now"`
	StartedAt    time.Time      `gorm:"not null" json:"started_at"`
	FinishedAt   time.Time      `gorm:"not null" json:"finished_at"`
	Applied      int            `gorm:"not null" json:"applied"`
	Skipped      int            `gorm:"not null" json:"skipped"`
	Failed       int            `gorm:"not null" json:"failed"`
	Deduplicated int            `gorm:"not null" json:"deduplicated"`
	Report       datatypes.JSON `json:"report"`
}
