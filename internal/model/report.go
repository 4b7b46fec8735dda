package model

import (
	"time"

	"github.com/google/uuid"
)

// ErrorClass buckets dispatch failures for reporting and metrics.
type ErrorClass string

const (
	ClassCredentials   ErrorClass = "credentials"
	ClassRejected      ErrorClass = "rejected"
	ClassUnreachable   ErrorClass = "unreachable"
	ClassMisconfigured ErrorClass = "misconfigured"
	ClassInternal      ErrorClass = "internal"
)

type TickEntry struct {
	DeviceID   uuid.UUID     `json:"device_id"`
	ScheduleID uuid.UUID     `json:"schedule_id"`
	Target     PowerState    `json:"target"`
	Connector  ConnectorKind `json:"connector,omitempty"`
	Sequence   *uint16       `json:"sequence,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Class      ErrorClass    `json:"class,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// TickReport is the outcome of one evaluation tick.
type TickReport struct {
	ID           uuid.UUID   `json:"id"`
	Now          time.Time   `json:"now"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at"`
	Schedules    int         `json:"schedules"`
	Applied      []TickEntry `json:"applied"`
	Skipped      []TickEntry `json:"skipped"`
	Failed       []TickEntry `json:"failed"`
	Deduplicated int         `json:"deduplicated"`
}
