// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	CommandsTotal      *prometheus.CounterVec // label kind: dice|mention|whisper|redemption|unknown|self
	GatewayRequests    *prometheus.CounterVec // label result: ok|error|empty
	BroadcastsTotal    *prometheus.CounterVec // label result: ok|error
	SendFailures       *prometheus.CounterVec // label path: say|whisper
	TokenRefreshes     *prometheus.CounterVec // label result, role
	RedemptionsTotal   prometheus.Counter

	// Histograms (seconds)
	GatewayDuration prometheus.Observer

	// Gauges
	InflightReplies  prometheus.Gauge
	BroadcastRunning prometheus.Gauge // 1=running,0=idle
	ChatConnected    prometheus.Gauge // 1=connected,0=not
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_commands_total", Help: "Inbound chat events by routed kind"}, []string{"kind"})
		GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_nlp_requests_total", Help: "NLP gateway calls by result"}, []string{"result"})
		BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_broadcasts_total", Help: "Advice broadcasts by result"}, []string{"result"})
		SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_send_failures_total", Help: "Outbound chat sends that failed"}, []string{"path"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_token_refreshes_total", Help: "OAuth token refresh attempts"}, []string{"role", "result"})
		RedemptionsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_redemptions_total", Help: "Channel point redemptions received"})
		GatewayDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bot_nlp_request_duration_seconds", Help: "NLP gateway call duration seconds", Buckets: prometheus.DefBuckets})
		InflightReplies = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_inflight_replies", Help: "NLP replies currently awaiting the gateway"})
		BroadcastRunning = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_broadcast_running", Help: "Advice broadcaster running=1 idle=0"})
		ChatConnected = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_chat_connected", Help: "Chat connection up=1 down=0"})
	})
}

// CountCommand increments the command counter for kind if metrics are initialized.
func CountCommand(kind string) {
	if CommandsTotal != nil {
		CommandsTotal.WithLabelValues(kind).Inc()
	}
}

// CountGateway records a gateway result.
func CountGateway(result string) {
	if GatewayRequests != nil {
		GatewayRequests.WithLabelValues(result).Inc()
	}
}

// CountBroadcast records a broadcast result.
func CountBroadcast(result string) {
	if BroadcastsTotal != nil {
		BroadcastsTotal.WithLabelValues(result).Inc()
	}
}

// CountSendFailure records a failed outbound send on path.
func CountSendFailure(path string) {
	if SendFailures != nil {
		SendFailures.WithLabelValues(path).Inc()
	}
}

// CountTokenRefresh records a refresh attempt for role.
func CountTokenRefresh(role, result string) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(role, result).Inc()
	}
}

// CountRedemption records one redemption.
func CountRedemption() {
	if RedemptionsTotal != nil {
		RedemptionsTotal.Inc()
	}
}

// AddInflight moves the in-flight replies gauge by delta.
func AddInflight(delta float64) {
	if InflightReplies != nil {
		InflightReplies.Add(delta)
	}
}

// SetBroadcastRunning sets gauge to 1 if running else 0.
func SetBroadcastRunning(running bool) { setBool(BroadcastRunning, running) }

// SetChatConnected sets gauge to 1 if connected else 0.
func SetChatConnected(connected bool) { setBool(ChatConnected, connected) }

func setBool(g prometheus.Gauge, v bool) {
	if g == nil {
		return
	}
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
