package dispatch

import (
	"context"
	"errors"
	"net"

	"github.com/PetoAdam/homenavi/power-scheduler/internal/cloud"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/devicelink"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/model"
	"github.com/google/uuid"
)

var ErrTickHeld = errors.New("tick is being run by another scheduler instance")

// DeviceUnresolvable marks a transition whose device cannot be reached by any transport.
type DeviceUnresolvable struct {
	DeviceID uuid.UUID
	Reason   string
}

func (e *DeviceUnresolvable) Error() string {
	return "device " + e.DeviceID.String() + " unresolvable: " + e.Reason
}

// Classify maps a dispatch error onto a report class.
func Classify(err error) model.ErrorClass {
	if err == nil {
		return ""
	}
	var (
		tokErr  *cloud.TokenFetchError
		rej     *cloud.CommandRejected
		sigErr  *cloud.SigningError
		linkErr *devicelink.TransportError
		unres   *DeviceUnresolvable
		netErr  net.Error
	)
	switch {
	case errors.As(err, &unres),
		errors.Is(err, model.ErrDeviceNotFound),
		errors.Is(err, model.ErrInvalidWindow),
		errors.Is(err, cloud.ErrInvalidFreezeState):
		return model.ClassMisconfigured
	case errors.As(err, &tokErr) && tokErr.Err == nil:
		// Vendor answered and refused the credentials. Transport failures
		// while fetching fall through to the checks below.
		return model.ClassCredentials
	case cloud.IsAuthFailure(err):
		return model.ClassCredentials
	case errors.As(err, &rej):
		return model.ClassRejected
	case errors.As(err, &sigErr):
		return model.ClassInternal
	case errors.As(err, &linkErr),
		cloud.HTTPStatus(err) != 0,
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return model.ClassUnreachable
	default:
		return model.ClassInternal
	}
}
