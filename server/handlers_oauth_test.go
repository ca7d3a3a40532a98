package server

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/perjugatar/perjubot/oauth"
	"github.com/perjugatar/perjubot/testutil"
	"github.com/perjugatar/perjubot/twitchapi"
)

func oauthDeps(t *testing.T, mock *testutil.MockTwitchServer) (Deps, *oauth.Manager, *oauth.FileStore) {
	t.Helper()
	creds := twitchapi.Credentials{ClientID: "cid", ClientSecret: "secret", TokenURL: mock.TokenURL(), AuthURL: mock.AuthURL()}
	store := oauth.NewFileStore(filepath.Join(t.TempDir(), "bottokens.json"))
	mgr := oauth.NewManager("bot", store, creds.Refresher())
	deps := Deps{
		Tokens: map[string]*oauth.Manager{"bot": mgr},
		OAuth: map[string]*oauth2.Config{
			"bot": creds.AuthCodeConfig("http://localhost:8080/auth/twitch/callback", []string{"chat:read", "chat:edit"}),
		},
	}
	return deps, mgr, store
}

func TestTwitchOAuthFlow(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.MockOAuthTokenResponse("new-access", "new-refresh", 14400)
	deps, mgr, store := oauthDeps(t, mock)

	var pushed []string
	mgr.OnRefresh(func(tok oauth.Token) { pushed = append(pushed, tok.AccessToken) })

	h := NewMux(t.Context(), deps)
	rr := serve(t, h, http.MethodGet, "/auth/twitch/start?role=bot", nil)
	if rr.Code != http.StatusFound {
		t.Fatalf("start = %d, want 302", rr.Code)
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if loc.Path != "/oauth2/authorize" || loc.Query().Get("client_id") != "cid" {
		t.Errorf("redirect = %s", loc)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatal("redirect has no state")
	}

	rr = serve(t, h, http.MethodGet, "/auth/twitch/callback?code=abc&state="+state, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("callback = %d: %s", rr.Code, rr.Body.String())
	}

	reqs := mock.Requests("/oauth2/token")
	if len(reqs) != 1 || reqs[0].Form["code"] != "abc" || reqs[0].Form["client_id"] != "cid" || reqs[0].Form["grant_type"] != "authorization_code" {
		t.Errorf("token requests = %+v", reqs)
	}

	cur, ok := mgr.Current()
	if !ok || cur.AccessToken != "new-access" || cur.RefreshToken != "new-refresh" {
		t.Errorf("manager token = %+v", cur)
	}
	if len(cur.Scope) != 2 || cur.Scope[0] != "chat:read" {
		t.Errorf("scope = %v", cur.Scope)
	}
	saved, err := store.Load(context.Background())
	if err != nil || saved.AccessToken != "new-access" {
		t.Errorf("store.Load() = %+v, %v", saved, err)
	}
	if len(pushed) != 1 || pushed[0] != "new-access" {
		t.Errorf("listeners got %v", pushed)
	}

	if rr := serve(t, h, http.MethodGet, "/auth/twitch/callback?code=abc&state="+state, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("replayed state = %d, want 400", rr.Code)
	}
}

func TestTwitchOAuthStartErrors(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	deps, _, _ := oauthDeps(t, mock)
	h := NewMux(t.Context(), deps)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{name: "unknown role", target: "/auth/twitch/start?role=streamer", want: http.StatusBadRequest},
		{name: "callback missing code", target: "/auth/twitch/callback?state=x", want: http.StatusBadRequest},
		{name: "callback unknown state", target: "/auth/twitch/callback?code=c&state=nope", want: http.StatusBadRequest},
		{name: "callback denied", target: "/auth/twitch/callback?error=access_denied", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := serve(t, h, http.MethodGet, tt.target, nil); rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestTwitchOAuthExchangeFailure(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":400,"message":"Invalid authorization code"}`, http.StatusBadRequest)
	}
	deps, mgr, _ := oauthDeps(t, mock)
	h := NewMux(t.Context(), deps)

	loc, _ := url.Parse(serve(t, h, http.MethodGet, "/auth/twitch/start", nil).Header().Get("Location"))
	rr := serve(t, h, http.MethodGet, "/auth/twitch/callback?code=bad&state="+loc.Query().Get("state"), nil)
	if rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rr.Code)
	}
	if _, ok := mgr.Current(); ok {
		t.Error("manager should hold no token after a failed exchange")
	}
}

func TestOAuthStateExpires(t *testing.T) {
	h := NewHandlers(t.Context(), Deps{})
	if !h.addOAuthState("s1", "bot") {
		t.Fatal("addOAuthState refused")
	}
	base := h.now()
	h.now = func() time.Time { return base.Add(oauthStateTTL + time.Second) }
	if _, ok := h.takeOAuthState("s1"); ok {
		t.Error("expired state accepted")
	}
}
