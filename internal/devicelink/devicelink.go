package devicelink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/PetoAdam/homenavi/power-scheduler/internal/frame"
	"github.com/PetoAdam/homenavi/power-scheduler/internal/model"
	"github.com/google/uuid"
)

// Publisher is the pub/sub transport surface the link needs.
// It enables unit testing without a live broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Connected() bool
	Disconnect()
}

// SequenceStore persists the per-device command sequence.
type SequenceStore interface {
	CommandSequence(ctx context.Context, deviceID uuid.UUID) (uint16, error)
	SetCommandSequence(ctx context.Context, deviceID uuid.UUID, seq uint16) error
}

// TransportError wraps a failed publish or an unusable connection.
type TransportError struct {
	Topic string
	Err   error
}

func (e *TransportError) Error() string { return "publish " + e.Topic + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// SequenceNotPersisted means the frame was published but the advanced
// sequence could not be stored. The next send reuses the old value.
type SequenceNotPersisted struct {
	Sequence uint16
	Err      error
}

func (e *SequenceNotPersisted) Error() string {
	return fmt.Sprintf("sequence %d sent but not persisted: %v", e.Sequence, e.Err)
}
func (e *SequenceNotPersisted) Unwrap() error { return e.Err }

// Topic is the per-device command topic.
func Topic(connectorDeviceID string) string {
	return "/devices/" + connectorDeviceID + "/command"
}

type Client struct {
	pub  Publisher
	seqs SequenceStore

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func New(pub Publisher, seqs SequenceStore) *Client {
	return &Client{pub: pub, seqs: seqs, locks: map[uuid.UUID]*sync.Mutex{}}
}

// Publish sends an encoded frame to the device topic. Success only means the broker took it.
func (c *Client) Publish(ctx context.Context, connectorDeviceID string, f [frame.Size]byte) error {
	topic := Topic(connectorDeviceID)
	if strings.TrimSpace(connectorDeviceID) == "" {
		return &TransportError{Topic: topic, Err: fmt.Errorf("empty connector device id")}
	}
	if err := c.pub.Publish(ctx, topic, f[:]); err != nil {
		return &TransportError{Topic: topic, Err: err}
	}
	return nil
}

// Send advances the device sequence and publishes the command frame. The
// read, publish and write of the sequence happen under the device lock, and
// the new sequence is only persisted after a successful publish.
func (c *Client) Send(ctx context.Context, d model.Device, target model.PowerState) (uint16, error) {
	l := c.lockFor(d.ID)
	l.Lock()
	defer l.Unlock()

	cur, err := c.seqs.CommandSequence(ctx, d.ID)
	if err != nil {
		return 0, fmt.Errorf("read command sequence: %w", err)
	}
	next := frame.NextSequence(cur)
	if err := c.Publish(ctx, d.ConnectorDeviceID, frame.Encode(frame.OpFor(target), next)); err != nil {
		return cur, err
	}
	if err := c.seqs.SetCommandSequence(ctx, d.ID, next); err != nil {
		// The frame is out; the receiver will see a repeated byte next time.
		slog.Error("persist command sequence failed", "device_id", d.ID, "sequence", next, "error", err)
		return next, &SequenceNotPersisted{Sequence: next, Err: err}
	}
	slog.Debug("link command published", "device_id", d.ID, "target", target, "sequence", next)
	return next, nil
}

func (c *Client) Connected() bool { return c.pub != nil && c.pub.Connected() }

func (c *Client) Disconnect() {
	if c.pub != nil {
		c.pub.Disconnect()
	}
}

func (c *Client) lockFor(id uuid.UUID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}
