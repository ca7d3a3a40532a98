package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/perjugatar/perjubot/bot"
	"github.com/perjugatar/perjubot/lexicon"
	"github.com/perjugatar/perjubot/oauth"
	"github.com/perjugatar/perjubot/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	goleak.VerifyTestMain(m)
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	running bool
}

func (f *fakeBroadcaster) Start(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return false
	}
	f.running = true
	return true
}

func (f *fakeBroadcaster) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
}

func (f *fakeBroadcaster) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeBroadcaster) Period() time.Duration { return 10 * time.Minute }

type fakeChat bool

func (c fakeChat) Connected() bool { return bool(c) }

type fakeReplies int

func (r fakeReplies) Inflight() int { return int(r) }

type fakeRedemptions struct {
	items []bot.Redemption
	err   error
	limit int
}

func (f *fakeRedemptions) Recent(_ context.Context, limit int) ([]bot.Redemption, error) {
	f.limit = limit
	return f.items, f.err
}

func serve(t *testing.T, h http.Handler, method, target string, mod func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if mod != nil {
		mod(req)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func TestHealthzOK(t *testing.T) {
	rr := serve(t, NewMux(t.Context(), Deps{}), http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}
}

func TestCorrelationHeader(t *testing.T) {
	h := NewMux(t.Context(), Deps{})
	rr := serve(t, h, http.MethodGet, "/healthz", func(r *http.Request) { r.Header.Set("X-Correlation-ID", "corr-123") })
	if got := rr.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("X-Correlation-ID = %q, want echoed", got)
	}
	rr = serve(t, h, http.MethodGet, "/healthz", nil)
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected generated X-Correlation-ID")
	}
}

func TestReadyz(t *testing.T) {
	withToken := oauth.NewManager("bot", nil, nil)
	if err := withToken.Seed(context.Background(), oauth.Token{AccessToken: "a"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		deps       Deps
		wantStatus int
		wantCheck  string
	}{
		{name: "ready", deps: Deps{Chat: fakeChat(true), Tokens: map[string]*oauth.Manager{"bot": withToken}}, wantStatus: http.StatusOK},
		{name: "static credentials", deps: Deps{Chat: fakeChat(true)}, wantStatus: http.StatusOK},
		{name: "chat down", deps: Deps{Chat: fakeChat(false)}, wantStatus: http.StatusServiceUnavailable, wantCheck: "chat"},
		{
			name:       "missing streamer token",
			deps:       Deps{Chat: fakeChat(true), Tokens: map[string]*oauth.Manager{"bot": withToken, "streamer": oauth.NewManager("streamer", nil, nil)}},
			wantStatus: http.StatusServiceUnavailable,
			wantCheck:  "credentials",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(t, NewMux(t.Context(), tt.deps), http.MethodGet, "/readyz", nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			var body map[string]string
			decode(t, rr, &body)
			if body["failed_check"] != tt.wantCheck {
				t.Errorf("failed_check = %q, want %q", body["failed_check"], tt.wantCheck)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	b := &fakeBroadcaster{running: true}
	deps := Deps{
		Mode:      "simple",
		Broadcast: b,
		Chat:      fakeChat(true),
		Lexicon:   lexicon.New(lexicon.AdviceList{"bebe agua", "duerme"}, lexicon.RelationMap{"alice": "amiga"}),
		Replies:   fakeReplies(3),
	}
	rr := serve(t, NewMux(t.Context(), deps), http.MethodGet, "/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got statusResponse
	decode(t, rr, &got)
	want := statusResponse{Mode: "simple", ChatConnected: true, BroadcastRunning: true, BroadcastPeriod: "10m0s", AdviceCount: 2, RelationCount: 1, InflightReplies: 3}
	if got.Mode != want.Mode || got.ChatConnected != want.ChatConnected || got.BroadcastRunning != want.BroadcastRunning ||
		got.BroadcastPeriod != want.BroadcastPeriod || got.AdviceCount != want.AdviceCount ||
		got.RelationCount != want.RelationCount || got.InflightReplies != want.InflightReplies {
		t.Errorf("status = %+v, want %+v", got, want)
	}
}

func TestAdminBroadcast(t *testing.T) {
	b := &fakeBroadcaster{}
	h := NewMux(t.Context(), Deps{Broadcast: b, Admin: AdminAuth{Token: "s3cret"}})
	auth := func(r *http.Request) { r.Header.Set("X-Admin-Token", "s3cret") }

	if rr := serve(t, h, http.MethodPost, "/admin/broadcast/start", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated start = %d, want 401", rr.Code)
	}
	if b.Running() {
		t.Fatal("broadcast started without auth")
	}

	steps := []struct {
		path        string
		wantRunning bool
		wantChanged bool
	}{
		{"/admin/broadcast/start", true, true},
		{"/admin/broadcast/start", true, false},
		{"/admin/broadcast/stop", false, true},
		{"/admin/broadcast/stop", false, false},
	}
	for _, s := range steps {
		rr := serve(t, h, http.MethodPost, s.path, auth)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s = %d", s.path, rr.Code)
		}
		var body map[string]bool
		decode(t, rr, &body)
		if body["running"] != s.wantRunning || body["changed"] != s.wantChanged {
			t.Errorf("%s = %v, want running=%v changed=%v", s.path, body, s.wantRunning, s.wantChanged)
		}
	}

	if rr := serve(t, h, http.MethodGet, "/admin/broadcast/start", auth); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET start = %d, want 405", rr.Code)
	}
}

func TestAdminBroadcastNotConfigured(t *testing.T) {
	rr := serve(t, NewMux(t.Context(), Deps{}), http.MethodPost, "/admin/broadcast/start", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestAdminRateLimited(t *testing.T) {
	h := NewMux(t.Context(), Deps{Broadcast: &fakeBroadcaster{}, RateLimit: RateLimit{Requests: 2, Window: time.Minute}})
	var last int
	for i := 0; i < 3; i++ {
		last = serve(t, h, http.MethodPost, "/admin/broadcast/stop", nil).Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", last)
	}
	if rr := serve(t, h, http.MethodGet, "/status", nil); rr.Code != http.StatusOK {
		t.Errorf("non-admin route limited: %d", rr.Code)
	}
}

func TestAdminRedemptions(t *testing.T) {
	log := &fakeRedemptions{items: []bot.Redemption{{ID: "r1", User: "alice", RewardTitle: "Hidratarse"}}}
	h := NewMux(t.Context(), Deps{Redemptions: log})

	rr := serve(t, h, http.MethodGet, "/admin/redemptions?limit=5", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Items []bot.Redemption `json:"items"`
		Count int              `json:"count"`
	}
	decode(t, rr, &body)
	if body.Count != 1 || body.Items[0].User != "alice" || log.limit != 5 {
		t.Errorf("body = %+v limit = %d", body, log.limit)
	}

	if rr := serve(t, h, http.MethodGet, "/admin/redemptions?limit=100000", nil); rr.Code != http.StatusOK || log.limit != 50 {
		t.Errorf("oversized limit: status %d limit %d", rr.Code, log.limit)
	}

	log.err = errors.New("db down")
	if rr := serve(t, h, http.MethodGet, "/admin/redemptions", nil); rr.Code != http.StatusInternalServerError {
		t.Errorf("query error = %d, want 500", rr.Code)
	}

	if rr := serve(t, NewMux(t.Context(), Deps{}), http.MethodGet, "/admin/redemptions", nil); rr.Code != http.StatusNotFound {
		t.Errorf("no log = %d, want 404", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	telemetry.CountCommand("dice")
	rr := serve(t, NewMux(t.Context(), Deps{}), http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Start(ctx, "127.0.0.1:0", Deps{}) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
