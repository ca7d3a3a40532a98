package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// authConfig holds the admin credentials. Either a token or a
// username+password pair enables protection.
type authConfig struct {
	adminUsername string
	adminPassword string
	adminToken    string
	enabled       bool
}

func newAuthConfig(a AdminAuth) *authConfig {
	enabled := (a.Username != "" && a.Password != "") || a.Token != ""
	if !enabled {
		slog.Warn("admin authentication not configured - admin endpoints are UNPROTECTED. Set ADMIN_USERNAME+ADMIN_PASSWORD or ADMIN_TOKEN", slog.String("component", "http"))
	}
	return &authConfig{
		adminUsername: a.Username,
		adminPassword: a.Password,
		adminToken:    a.Token,
		enabled:       enabled,
	}
}

func constEq(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// allowed reports whether r carries the admin token or matching Basic
// credentials. The token is checked first.
func (c *authConfig) allowed(r *http.Request) bool {
	if c.adminToken != "" {
		if tok := r.Header.Get("X-Admin-Token"); tok != "" && constEq(tok, c.adminToken) {
			return true
		}
	}
	if c.adminUsername == "" || c.adminPassword == "" {
		return false
	}
	user, pass, ok := r.BasicAuth()
	// Evaluate both comparisons so timing does not reveal which one failed.
	userOK, passOK := constEq(user, c.adminUsername), constEq(pass, c.adminPassword)
	return ok && userOK && passOK
}

// adminAuth rejects requests that fail cfg.allowed with a Basic challenge.
// With no credentials configured every request passes.
func adminAuth(next http.Handler, cfg *authConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.enabled || cfg.allowed(r) {
			next.ServeHTTP(w, r)
			return
		}
		slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("ip", clientIP(r)), slog.String("component", "http"))
		w.Header().Set("WWW-Authenticate", `Basic realm="perjubot admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

// rateLimiterConfig holds rate limiting configuration.
type rateLimiterConfig struct {
	enabled       bool
	requestsPerIP int
	window        time.Duration
}

func newRateLimiterConfig(rl RateLimit) *rateLimiterConfig {
	cfg := &rateLimiterConfig{enabled: !rl.Disabled, requestsPerIP: 10, window: time.Minute}
	if rl.Requests > 0 {
		cfg.requestsPerIP = rl.Requests
	}
	if rl.Window > 0 {
		cfg.window = rl.Window
	}
	return cfg
}

// ipRateLimiter is a sliding window rate limiter keyed by client IP. Each
// visitor keeps the timestamps of its requests inside the current window.
type ipRateLimiter struct {
	cfg *rateLimiterConfig
	now func() time.Time

	mu       sync.Mutex
	visitors map[string][]time.Time
}

// newIPRateLimiter starts a cleanup goroutine that lives until ctx is done.
func newIPRateLimiter(ctx context.Context, cfg *rateLimiterConfig) *ipRateLimiter {
	rl := &ipRateLimiter{cfg: cfg, now: time.Now, visitors: make(map[string][]time.Time)}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup()
			}
		}
	}()
	return rl
}

// cleanup forgets visitors whose last request is older than two windows.
func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	horizon := rl.now().Add(-2 * rl.cfg.window)
	for ip, hits := range rl.visitors {
		if len(hits) == 0 || hits[len(hits)-1].Before(horizon) {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	if !rl.cfg.enabled {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.cfg.window)
	hits := rl.visitors[ip]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) >= rl.cfg.requestsPerIP {
		rl.visitors[ip] = hits
		return false
	}
	rl.visitors[ip] = append(hits, now)
	return true
}

// clientIP prefers the first X-Forwarded-For hop and strips any port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip, _, _ = strings.Cut(forwarded, ",")
		ip = strings.TrimSpace(ip)
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return strings.Trim(ip, "[]")
}

func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(limiter.cfg.window.Seconds()))))
			http.Error(w, "Too Many Requests - rate limit exceeded", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path), slog.String("component", "http"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
