package devicelink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSOptions struct {
	URL            string
	Name           string
	AutoReconnect  bool
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// NATSPublisher is the NATS flavour of the link transport. Subjects are the
// same strings as the MQTT topics.
type NATSPublisher struct {
	nc             *nats.Conn
	publishTimeout time.Duration
}

func ConnectNATS(o NATSOptions) (*NATSPublisher, error) {
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	opts := []nats.Option{
		nats.Name(o.Name),
		nats.Timeout(o.ConnectTimeout),
		nats.PingInterval(5 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Error("nats connection lost", "error", err, "auto_reconnect", o.AutoReconnect)
		}),
	}
	if o.AutoReconnect {
		opts = append(opts, nats.ReconnectWait(500*time.Millisecond), nats.MaxReconnects(-1))
	} else {
		opts = append(opts, nats.NoReconnect())
	}
	nc, err := nats.Connect(o.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", o.URL, err)
	}
	slog.Info("nats connected", "url", nc.ConnectedUrl())
	return &NATSPublisher{nc: nc, publishTimeout: o.PublishTimeout}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := p.nc.Publish(subject, payload); err != nil {
		return err
	}
	timeout := p.publishTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	return p.nc.FlushTimeout(timeout)
}

func (p *NATSPublisher) Connected() bool { return p != nil && p.nc != nil && p.nc.IsConnected() }

// Disconnect drains pending messages and closes the connection.
func (p *NATSPublisher) Disconnect() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
	slog.Info("nats disconnected")
}
