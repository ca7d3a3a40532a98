package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/perjugatar/perjubot/telemetry"
)

// ExpiryBuffer is how close to expiry Get starts refreshing on demand.
const ExpiryBuffer = 60 * time.Second

// Manager owns the token for one role.
type Manager struct {
	role    string
	store   Store
	refresh RefreshFunc

	// refreshMu serializes refresh grants; it is taken before mu.
	refreshMu sync.Mutex

	mu        sync.Mutex
	tok       *Token
	listeners []func(Token)
}

// NewManager returns a Manager for role. refresh may be nil, in which case
// the token is used as stored until it expires.
func NewManager(role string, store Store, refresh RefreshFunc) *Manager {
	return &Manager{role: role, store: store, refresh: refresh}
}

// Role returns the role the manager was created for.
func (m *Manager) Role() string { return m.role }

// Init loads the stored token. It fails with ErrNoToken when the store is
// empty and nothing was seeded.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		if m.tok == nil {
			return ErrNoToken
		}
		return nil
	}
	tok, err := m.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoToken) && m.tok != nil {
			return m.store.Save(ctx, m.tok)
		}
		return fmt.Errorf("load %s token: %w", m.role, err)
	}
	m.tok = tok
	return nil
}

// Seed sets the token directly, persisting it when a store is configured.
// Used by the OAuth callback and the token import tool.
func (m *Manager) Seed(ctx context.Context, tok Token) error {
	m.mu.Lock()
	m.tok = &tok
	listeners := append([]func(Token){}, m.listeners...)
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.Save(ctx, &tok); err != nil {
			return fmt.Errorf("persist %s token: %w", m.role, err)
		}
	}
	for _, fn := range listeners {
		fn(tok)
	}
	return nil
}

// Current returns a copy of the held token.
func (m *Manager) Current() (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tok == nil {
		return Token{}, false
	}
	return *m.tok, true
}

// OnRefresh registers fn to be called with every new token.
func (m *Manager) OnRefresh(fn func(Token)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Get returns a valid access token, refreshing first when it is about to
// expire. Concurrent callers share a single refresh grant.
func (m *Manager) Get(ctx context.Context) (string, error) {
	tok, ok := m.Current()
	if !ok {
		return "", ErrNoToken
	}
	if !tok.ExpiresWithin(ExpiryBuffer) || m.refresh == nil {
		return tok.AccessToken, nil
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	// Another caller may have refreshed while we waited.
	if tok, _ = m.Current(); !tok.ExpiresWithin(ExpiryBuffer) {
		return tok.AccessToken, nil
	}
	fresh, err := m.refreshLocked(ctx)
	if err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

// Refresh exchanges the refresh token for a new token, persists it and
// notifies listeners. A response without a refresh token keeps the old one.
// If another refresh or Seed replaced the token while this call waited for
// its turn, that token is returned instead of redeeming the grant again.
func (m *Manager) Refresh(ctx context.Context) (Token, error) {
	if m.refresh == nil {
		return Token{}, fmt.Errorf("%s token has no refresher", m.role)
	}
	m.mu.Lock()
	seen := m.tok
	m.mu.Unlock()

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	m.mu.Lock()
	if cur := m.tok; cur != nil && cur != seen {
		m.mu.Unlock()
		return *cur, nil
	}
	m.mu.Unlock()
	return m.refreshLocked(ctx)
}

// refreshLocked runs the grant. refreshMu must be held.
func (m *Manager) refreshLocked(ctx context.Context) (Token, error) {
	m.mu.Lock()
	if m.tok == nil || m.tok.RefreshToken == "" {
		m.mu.Unlock()
		telemetry.CountTokenRefresh(m.role, "skipped")
		return Token{}, fmt.Errorf("%s token has no refresh token", m.role)
	}
	old := *m.tok
	m.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	fresh, err := m.refresh(rctx, old.RefreshToken)
	cancel()
	if err != nil {
		telemetry.CountTokenRefresh(m.role, "error")
		return Token{}, fmt.Errorf("refresh %s token: %w", m.role, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = old.RefreshToken
	}
	if len(fresh.Scope) == 0 {
		fresh.Scope = old.Scope
	}
	if err := m.Seed(ctx, *fresh); err != nil {
		telemetry.CountTokenRefresh(m.role, "error")
		return Token{}, err
	}
	telemetry.CountTokenRefresh(m.role, "ok")
	slog.Info("token refreshed", slog.String("role", m.role), slog.Time("expires_at", fresh.Expiry))
	return *fresh, nil
}

// Run wakes up every interval (with jitter) and refreshes the token once its
// remaining lifetime falls within window. It returns when ctx is done.
func (m *Manager) Run(ctx context.Context, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Spread the first check across instances sharing a token.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialJitter):
	}
	for {
		m.check(ctx, window)
		jitterRange := int64(interval / 5)
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
		nextSleep := interval + jitter
		if nextSleep < interval/2 {
			nextSleep = interval / 2
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(nextSleep):
		}
	}
}

func (m *Manager) check(ctx context.Context, window time.Duration) {
	tok, ok := m.Current()
	if !ok || tok.RefreshToken == "" || m.refresh == nil {
		return
	}
	if !tok.ExpiresWithin(window) {
		return
	}
	if _, err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("token refresh failed", slog.String("role", m.role), slog.Any("err", err))
	}
}
