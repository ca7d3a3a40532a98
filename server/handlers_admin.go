package server

import (
	"log/slog"
	"net/http"

	"github.com/perjugatar/perjubot/telemetry"
)

// HandleBroadcastStart starts the advice broadcast. Starting a running
// broadcast is a no-op reported with changed=false.
func (h *Handlers) HandleBroadcastStart(w http.ResponseWriter, r *http.Request) {
	if !h.requireBroadcast(w, r) {
		return
	}
	changed := h.deps.Broadcast.Start(h.ctx)
	telemetry.LoggerWithCorr(r.Context()).Info("admin broadcast start", slog.Bool("changed", changed), slog.String("component", "http"))
	writeJSON(w, http.StatusOK, map[string]bool{"running": h.deps.Broadcast.Running(), "changed": changed})
}

// HandleBroadcastStop stops the advice broadcast.
func (h *Handlers) HandleBroadcastStop(w http.ResponseWriter, r *http.Request) {
	if !h.requireBroadcast(w, r) {
		return
	}
	changed := h.deps.Broadcast.Running()
	h.deps.Broadcast.Stop()
	telemetry.LoggerWithCorr(r.Context()).Info("admin broadcast stop", slog.Bool("changed", changed), slog.String("component", "http"))
	writeJSON(w, http.StatusOK, map[string]bool{"running": h.deps.Broadcast.Running(), "changed": changed})
}

func (h *Handlers) requireBroadcast(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if h.deps.Broadcast == nil {
		http.Error(w, "broadcast not configured", http.StatusNotFound)
		return false
	}
	return true
}

// HandleRedemptions lists recent channel-point redemptions (?limit=, default 50, max 500).
func (h *Handlers) HandleRedemptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Redemptions == nil {
		http.Error(w, "redemption log not configured", http.StatusNotFound)
		return
	}
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	items, err := h.deps.Redemptions.Recent(r.Context(), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list redemptions", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}
