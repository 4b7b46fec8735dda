package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidWindow = errors.New("schedule start must be before end")

type PowerState string

const (
	PowerOn  PowerState = "on"
	PowerOff PowerState = "off"
)

// Bool is the switch value sent to the cloud API.
func (s PowerState) Bool() bool { return s == PowerOn }

// Schedule is a time window during which its devices should be powered.
type Schedule struct {
	ID        uuid.UUID   `json:"id"`
	OwnerID   string      `json:"owner_id"`
	StartTime time.Time   `json:"start_time"`
	EndTime   time.Time   `json:"end_time"`
	DeviceIDs []uuid.UUID `json:"device_ids"`
}

func (s Schedule) Validate() error {
	if !s.StartTime.Before(s.EndTime) {
		return ErrInvalidWindow
	}
	return nil
}

// Transition is a single device power change produced by one evaluation tick.
type Transition struct {
	DeviceID   uuid.UUID  `json:"device_id"`
	OwnerID    string     `json:"owner_id"`
	Target     PowerState `json:"target"`
	ScheduleID uuid.UUID  `json:"schedule_id"`
	DueAt      time.Time  `json:"due_at"`
}
