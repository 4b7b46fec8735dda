package cloud

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Options struct {
	BaseURL  string
	ClientID string
	Secret   string
	// Timeout bounds every single HTTP call, including token fetches.
	Timeout    time.Duration
	HTTPClient *http.Client
	Now        func() time.Time
	// OnRequest, when set, observes every authenticated operation.
	OnRequest func(op string, d time.Duration, err error)
}

// Client controls devices through the vendor cloud API.
type Client struct {
	tr        *transport
	tokens    *TokenManager
	onRequest func(op string, d time.Duration, err error)
}

// Ack is the vendor acknowledgement of a command.
type Ack struct {
	T      int64 `json:"t"`
	Result bool  `json:"result"`
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	tr := &transport{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		httpClient: hc,
		signer:     Signer{ClientID: opts.ClientID, Secret: opts.Secret},
		now:        now,
	}
	return &Client{tr: tr, tokens: newTokenManager(tr, timeout), onRequest: opts.OnRequest}
}

// Tokens exposes the token manager shared by all operations of this client.
func (c *Client) Tokens() *TokenManager { return c.tokens }

type switchCommand struct {
	Code  string `json:"code"`
	Value bool   `json:"value"`
}

// SetPower switches a device through the device commands endpoint.
func (c *Client) SetPower(ctx context.Context, deviceID string, on bool) (Ack, error) {
	body := map[string]any{"commands": []switchCommand{{Code: "switch_1", Value: on}}}
	env, err := c.do(ctx, "set_power", http.MethodPost, "/v1.0/devices/"+url.PathEscape(deviceID)+"/commands", nil, body)
	if err != nil {
		return Ack{}, err
	}
	return Ack{T: env.T, Result: true}, nil
}

// Freeze drives devices of the older API generation, which use a freeze state
// instead of switch codes. The two endpoints are not interchangeable.
func (c *Client) Freeze(ctx context.Context, deviceID string, state int) (Ack, error) {
	if state != 0 && state != 1 {
		return Ack{}, ErrInvalidFreezeState
	}
	body := map[string]int{"state": state}
	env, err := c.do(ctx, "freeze", http.MethodPost, "/v2.0/cloud/thing/"+url.PathEscape(deviceID)+"/freeze", nil, body)
	if err != nil {
		return Ack{}, err
	}
	return Ack{T: env.T, Result: true}, nil
}

// do runs an authenticated call, retrying once with a fresh token on an auth failure.
func (c *Client) do(ctx context.Context, op, method, path string, query map[string]string, body any) (envelope, error) {
	start := time.Now()
	env, err := c.doOnce(ctx, op, method, path, query, body, true)
	if c.onRequest != nil {
		c.onRequest(op, time.Since(start), err)
	}
	return env, err
}

func (c *Client) doOnce(ctx context.Context, op, method, path string, query map[string]string, body any, retry bool) (envelope, error) {
	tok, err := c.tokens.GetToken(ctx)
	if err != nil {
		return envelope{}, err
	}
	env, err := c.tr.call(ctx, tok.AccessToken, method, path, query, body)
	if err == nil && !env.Success {
		err = &CommandRejected{Op: op, Code: env.Code, Msg: env.Msg}
	}
	if err != nil && retry && isAuthFailure(err) {
		slog.Info("cloud auth failure, refreshing token", "op", op, "error", err)
		c.tokens.invalidateIf(tok.AccessToken)
		return c.doOnce(ctx, op, method, path, query, body, false)
	}
	return env, err
}
