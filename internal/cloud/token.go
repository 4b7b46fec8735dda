package cloud

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const tokenPath = "/v1.0/token"

// Token is the bearer credential for authenticated cloud calls.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UID          string    `json:"uid"`
	ExpireTime   int64     `json:"expire_time"`
	ObtainedAt   time.Time `json:"-"`
}

// TokenManager caches the access token in memory until it is invalidated.
// Concurrent callers share a single in-flight fetch.
type TokenManager struct {
	tr      *transport
	timeout time.Duration

	mu    sync.RWMutex
	token *Token

	group singleflight.Group
}

func newTokenManager(tr *transport, timeout time.Duration) *TokenManager {
	return &TokenManager{tr: tr, timeout: timeout}
}

func (m *TokenManager) GetToken(ctx context.Context) (Token, error) {
	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()
	if tok != nil {
		return *tok, nil
	}

	ch := m.group.DoChan("token", func() (any, error) {
		m.mu.RLock()
		cached := m.token
		m.mu.RUnlock()
		if cached != nil {
			return *cached, nil
		}
		// Detached so one caller's cancellation does not fail every waiter.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		fetched, err := m.fetch(fctx)
		if err != nil {
			return Token{}, err
		}
		m.mu.Lock()
		m.token = &fetched
		m.mu.Unlock()
		return fetched, nil
	})

	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

// Invalidate drops the cached token; the next GetToken fetches a new one.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
}

// invalidateIf drops the cached token only if it is still the one that failed.
func (m *TokenManager) invalidateIf(stale string) {
	m.mu.Lock()
	if m.token != nil && m.token.AccessToken == stale {
		m.token = nil
	}
	m.mu.Unlock()
}

func (m *TokenManager) fetch(ctx context.Context) (Token, error) {
	env, err := m.tr.call(ctx, "", http.MethodGet, tokenPath, map[string]string{"grant_type": "1"}, nil)
	if err != nil {
		return Token{}, &TokenFetchError{Err: err}
	}
	if !env.Success {
		return Token{}, &TokenFetchError{Code: env.Code, Msg: env.Msg}
	}
	var tok Token
	if err := json.Unmarshal(env.Result, &tok); err != nil {
		return Token{}, &TokenFetchError{Err: err}
	}
	if tok.AccessToken == "" {
		return Token{}, &TokenFetchError{Msg: "empty access token"}
	}
	tok.ObtainedAt = m.tr.now().UTC()
	slog.Debug("cloud token fetched", "uid", tok.UID, "expire_time", tok.ExpireTime)
	return tok, nil
}

