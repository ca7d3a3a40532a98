package server

import (
	"context"
	"sync"
	"time"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000

	oauthStateTTL = 10 * time.Minute
)

type oauthState struct {
	role   string
	expiry time.Time
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
	ctx  context.Context
	now  func() time.Time

	stateMu    sync.Mutex
	stateStore map[string]oauthState
}

// NewHandlers creates a Handlers instance. ctx outlives individual requests
// and parents anything a handler starts in the background.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{
		deps:       deps,
		ctx:        ctx,
		now:        time.Now,
		stateStore: make(map[string]oauthState),
	}
}

// cleanExpiredStates must be called with stateMu held.
func (h *Handlers) cleanExpiredStates() {
	now := h.now()
	for state, s := range h.stateStore {
		if now.After(s.expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState records state for role. It reports false when the store
// is full, which fails the flow instead of growing without bound.
func (h *Handlers) addOAuthState(state, role string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = oauthState{role: role, expiry: h.now().Add(oauthStateTTL)}
	return true
}

// takeOAuthState consumes state and returns the role it was issued for.
func (h *Handlers) takeOAuthState(state string) (string, bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	s, ok := h.stateStore[state]
	if !ok {
		return "", false
	}
	delete(h.stateStore, state)
	if h.now().After(s.expiry) {
		return "", false
	}
	return s.role, true
}
