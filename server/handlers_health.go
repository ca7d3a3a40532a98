package server

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
)

// HandleHealthz is the liveness probe. It pings the database when one is
// configured.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		if err := h.deps.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once credentials are present and chat is joined.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
		{"credentials", h.checkCredentials},
		{"chat", func() error {
			if h.deps.Chat != nil && !h.deps.Chat.Connected() {
				return errors.New("chat session not connected")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handlers) checkCredentials() error {
	roles := make([]string, 0, len(h.deps.Tokens))
	for role := range h.deps.Tokens {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		if tok, ok := h.deps.Tokens[role].Current(); !ok || tok.AccessToken == "" {
			return fmt.Errorf("missing %s oauth token", role)
		}
	}
	return nil
}

type statusResponse struct {
	Mode             string          `json:"mode,omitempty"`
	ChatConnected    bool            `json:"chat_connected"`
	BroadcastRunning bool            `json:"broadcast_running"`
	BroadcastPeriod  string          `json:"broadcast_period,omitempty"`
	AdviceCount      int             `json:"advice_count"`
	RelationCount    int             `json:"relation_count"`
	InflightReplies  int             `json:"inflight_replies"`
	Tokens           map[string]bool `json:"tokens,omitempty"`
}

// HandleStatus returns a JSON snapshot of the running bot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Mode: h.deps.Mode}
	if h.deps.Chat != nil {
		resp.ChatConnected = h.deps.Chat.Connected()
	}
	if b := h.deps.Broadcast; b != nil {
		resp.BroadcastRunning = b.Running()
		resp.BroadcastPeriod = b.Period().String()
	}
	if l := h.deps.Lexicon; l != nil {
		resp.AdviceCount = len(l.Advice())
		resp.RelationCount = l.RelationCount()
	}
	if h.deps.Replies != nil {
		resp.InflightReplies = h.deps.Replies.Inflight()
	}
	if len(h.deps.Tokens) > 0 {
		resp.Tokens = make(map[string]bool, len(h.deps.Tokens))
		for role, m := range h.deps.Tokens {
			_, ok := m.Current()
			resp.Tokens[role] = ok
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
