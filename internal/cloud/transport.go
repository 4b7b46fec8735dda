package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// envelope is the common vendor response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Result  json.RawMessage `json:"result"`
	T       int64           `json:"t"`
}

// transport issues signed calls. It is shared by the token manager and the client.
type transport struct {
	baseURL    string
	httpClient *http.Client
	signer     Signer
	now        func() time.Time
}

func (t *transport) call(ctx context.Context, token, method, path string, query map[string]string, body any) (envelope, error) {
	signed, err := t.signer.Sign(SignRequest{
		Token:     token,
		Method:    method,
		Path:      path,
		Query:     query,
		Body:      body,
		Timestamp: t.now().UnixMilli(),
	})
	if err != nil {
		return envelope{}, err
	}

	var rdr io.Reader
	if len(signed.Body) > 0 {
		rdr = bytes.NewReader(signed.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+signed.Path, rdr)
	if err != nil {
		return envelope{}, err
	}
	req.Header = signed.Header()
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return envelope{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return envelope{}, fmt.Errorf("read cloud response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return envelope{}, httpStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return envelope{}, fmt.Errorf("decode cloud response: %w", err)
	}
	return env, nil
}
