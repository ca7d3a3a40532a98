// Package server exposes the bot's HTTP surface: liveness and readiness
// probes, Prometheus metrics, a JSON status snapshot, admin controls for the
// advice broadcast, and the Twitch authorization-code flow that seeds the
// bot and streamer credentials. Every request carries a correlation ID and
// a tracing span.
package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"

	"github.com/perjugatar/perjubot/bot"
	"github.com/perjugatar/perjubot/oauth"
	"github.com/perjugatar/perjubot/telemetry"
)

// Broadcaster is the advice scheduler as seen by the admin endpoints.
type Broadcaster interface {
	Start(ctx context.Context) bool
	Stop()
	Running() bool
	Period() time.Duration
}

// ChatStatus reports whether the IRC session is joined.
type ChatStatus interface {
	Connected() bool
}

// LexiconStats exposes the loaded word lists.
type LexiconStats interface {
	Advice() []string
	RelationCount() int
}

// ReplyTracker reports gateway replies still in flight.
type ReplyTracker interface {
	Inflight() int
}

// RedemptionLister returns the most recent redemptions first.
type RedemptionLister interface {
	Recent(ctx context.Context, limit int) ([]bot.Redemption, error)
}

// AdminAuth configures protection of /admin/ routes.
type AdminAuth struct {
	Token    string
	Username string
	Password string
}

// RateLimit configures the per-IP limiter on /admin/ routes. Zero values
// fall back to 10 requests per minute.
type RateLimit struct {
	Disabled bool
	Requests int
	Window   time.Duration
}

// Deps wires the running bot into the HTTP handlers. Nil fields disable
// the checks and endpoints that need them.
type Deps struct {
	Mode        string
	Broadcast   Broadcaster
	Chat        ChatStatus
	Lexicon     LexiconStats
	Replies     ReplyTracker
	Redemptions RedemptionLister
	DB          *sql.DB

	// Tokens and OAuth are keyed by credential role ("bot", "streamer").
	Tokens map[string]*oauth.Manager
	OAuth  map[string]*oauth2.Config

	Admin     AdminAuth
	RateLimit RateLimit
}

// NewMux returns the HTTP handler with all routes. ctx bounds the rate
// limiter cleanup and any broadcast started from the admin API.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := newAuthConfig(deps.Admin)
	limiter := newIPRateLimiter(ctx, newRateLimiterConfig(deps.RateLimit))
	h := NewHandlers(ctx, deps)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)

	mux.HandleFunc("/auth/twitch/start", h.HandleTwitchOAuthStart)
	mux.HandleFunc("/auth/twitch/callback", h.HandleTwitchOAuthCallback)

	mux.HandleFunc("/admin/broadcast/start", h.HandleBroadcastStart)
	mux.HandleFunc("/admin/broadcast/stop", h.HandleBroadcastStop)
	mux.HandleFunc("/admin/redemptions", h.HandleRedemptions)

	protected := adminAuth(rateLimitMiddleware(mux, limiter), authCfg)
	selective := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			protected.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selective.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, deps Deps) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err), slog.String("component", "http"))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err), slog.String("component", "http"))
		return err
	}
	return nil
}
