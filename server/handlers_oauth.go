package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/perjugatar/perjubot/twitchapi"
)

func (h *Handlers) roleParam(r *http.Request) string {
	if role := r.URL.Query().Get("role"); role != "" {
		return role
	}
	return "bot"
}

// HandleTwitchOAuthStart redirects to Twitch for the credential role given
// by ?role= (bot by default).
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	role := h.roleParam(r)
	cfg, ok := h.deps.OAuth[role]
	if !ok || cfg.ClientID == "" || cfg.RedirectURL == "" {
		http.Error(w, "oauth not configured for role "+role+" (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, role) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, cfg.AuthCodeURL(st), http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the code and seeds the role's token
// manager, which persists the token and hands it to live consumers.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		http.Error(w, "authorization denied: "+e, http.StatusBadRequest)
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	role, ok := h.takeOAuthState(st)
	if !ok {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	cfg, okCfg := h.deps.OAuth[role]
	mgr, okMgr := h.deps.Tokens[role]
	if !okCfg || !okMgr {
		http.Error(w, "no credential store for role "+role, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	logger := slog.Default().With(slog.String("component", "http"), slog.String("role", role))
	res, err := cfg.Exchange(ctx, code)
	if err != nil {
		logger.Error("oauth code exchange failed", slog.Any("err", err))
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}
	if res.Expiry.IsZero() {
		res.Expiry = twitchapi.ComputeExpiry(0)
	}
	tok := twitchapi.FromOAuth2(res, cfg.Scopes)
	if err := mgr.Seed(ctx, tok); err != nil {
		logger.Error("failed to persist oauth token", slog.Any("err", err))
		http.Error(w, "failed to persist token", http.StatusInternalServerError)
		return
	}
	logger.Info("oauth token stored", slog.Any("scopes", tok.Scope))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "role": role, "scopes": tok.Scope, "expires_at": tok.Expiry})
}
