package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var ErrPublishTimeout = errors.New("mqtt publish timed out")

type Options struct {
	BrokerURL      string
	ClientID       string
	QoS            byte
	AutoReconnect  bool
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// Client is the single long-lived broker connection of the process.
type Client struct {
	cli            mqtt.Client
	qos            byte
	publishTimeout time.Duration
}

// BrokerServer converts mqtt://, tls:// and ws:// URLs into paho server strings.
func BrokerServer(brokerURL string) (string, *url.Userinfo, error) {
	raw := strings.TrimSpace(brokerURL)
	if raw == "" {
		raw = "mqtt://mosquitto:1883"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("parse broker url: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp":
		return "tcp://" + u.Host, u.User, nil
	case "ssl", "tls", "mqtts":
		return "ssl://" + u.Host, u.User, nil
	case "ws", "wss":
		return u.Scheme + "://" + u.Host + u.Path, u.User, nil
	default:
		return "", nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}

func Connect(o Options) (*Client, error) {
	server, user, err := BrokerServer(o.BrokerURL)
	if err != nil {
		return nil, err
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	clientID := strings.TrimSpace(o.ClientID)
	if clientID == "" {
		clientID = "power-scheduler-" + time.Now().Format("150405.000")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(server)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(o.AutoReconnect)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(o.ConnectTimeout)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	if user != nil {
		pw, _ := user.Password()
		opts.SetUsername(user.Username())
		opts.SetPassword(pw)
	}
	if strings.HasPrefix(server, "ssl://") || strings.HasPrefix(server, "wss://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt connected", "broker", server, "client_id", clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Error("mqtt connection lost", "error", err, "auto_reconnect", o.AutoReconnect)
	}

	cli := mqtt.NewClient(opts)
	tok := cli.Connect()
	if !tok.WaitTimeout(o.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", server)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &Client{cli: cli, qos: o.QoS, publishTimeout: o.PublishTimeout}, nil
}

// Publish sends payload without retain and waits for the broker within the publish timeout.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	tok := c.cli.Publish(topic, c.qos, false, payload)
	timeout := c.publishTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return ErrPublishTimeout
	}
	return tok.Error()
}

func (c *Client) Connected() bool {
	return c != nil && c.cli != nil && c.cli.IsConnectionOpen()
}

// Disconnect waits up to one second for in-flight work before closing.
func (c *Client) Disconnect() {
	if c == nil || c.cli == nil {
		return
	}
	c.cli.Disconnect(1000)
	slog.Info("mqtt disconnected")
}
