package model

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrDeviceNotFound is returned by directories for unknown ids or ids owned by someone else.
var ErrDeviceNotFound = errors.New("device not found")

// ConnectorKind selects the transport a device is controlled through.
type ConnectorKind string

const (
	ConnectorCloud       ConnectorKind = "cloud"
	ConnectorCloudLegacy ConnectorKind = "cloud-legacy"
	ConnectorLink        ConnectorKind = "pubsub-link"
	ConnectorNone        ConnectorKind = "none"
)

// ParseConnectorKind normalizes a stored connector value. Unknown values map to ConnectorNone.
func ParseConnectorKind(s string) ConnectorKind {
	switch ConnectorKind(strings.ToLower(strings.TrimSpace(s))) {
	case ConnectorCloud:
		return ConnectorCloud
	case ConnectorCloudLegacy:
		return ConnectorCloudLegacy
	case ConnectorLink:
		return ConnectorLink
	default:
		return ConnectorNone
	}
}

// Device is the view of a directory device the scheduler works with.
type Device struct {
	ID                uuid.UUID     `json:"id"`
	OwnerID           string        `json:"owner_id"`
	Name              string        `json:"name"`
	Connector         ConnectorKind `json:"connector"`
	ConnectorDeviceID string        `json:"connector_device_id"`
	CommandSequence   uint16        `json:"command_sequence"`
}

// Resolvable reports whether the device can be reached by any transport.
func (d Device) Resolvable() bool {
	return d.Connector != ConnectorNone && strings.TrimSpace(d.ConnectorDeviceID) != ""
}
