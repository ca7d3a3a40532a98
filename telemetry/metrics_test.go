package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	first := CommandsTotal
	Init()
	if CommandsTotal != first {
		t.Error("Init should not re-register metrics")
	}
	if GatewayDuration == nil || InflightReplies == nil || BroadcastRunning == nil {
		t.Error("metrics not initialized")
	}
}

func TestCounters(t *testing.T) {
	Init()

	before := testutil.ToFloat64(CommandsTotal.WithLabelValues("dice"))
	CountCommand("dice")
	CountCommand("dice")
	if got := testutil.ToFloat64(CommandsTotal.WithLabelValues("dice")) - before; got != 2 {
		t.Errorf("dice commands delta = %v, want 2", got)
	}

	before = testutil.ToFloat64(GatewayRequests.WithLabelValues("error"))
	CountGateway("error")
	if got := testutil.ToFloat64(GatewayRequests.WithLabelValues("error")) - before; got != 1 {
		t.Errorf("gateway error delta = %v, want 1", got)
	}

	before = testutil.ToFloat64(SendFailures.WithLabelValues("say"))
	CountSendFailure("say")
	if got := testutil.ToFloat64(SendFailures.WithLabelValues("say")) - before; got != 1 {
		t.Errorf("send failures delta = %v, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	Init()

	SetBroadcastRunning(true)
	if got := testutil.ToFloat64(BroadcastRunning); got != 1 {
		t.Errorf("BroadcastRunning = %v, want 1", got)
	}
	SetBroadcastRunning(false)
	if got := testutil.ToFloat64(BroadcastRunning); got != 0 {
		t.Errorf("BroadcastRunning = %v, want 0", got)
	}

	base := testutil.ToFloat64(InflightReplies)
	AddInflight(1)
	AddInflight(1)
	AddInflight(-1)
	if got := testutil.ToFloat64(InflightReplies) - base; got != 1 {
		t.Errorf("InflightReplies delta = %v, want 1", got)
	}
	AddInflight(-1)
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	executed := false
	d := TimeFunc(h, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})
	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if d < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", d)
	}
	if n := testutil.CollectAndCount(h); n != 1 {
		t.Errorf("collected %d metrics, want 1", n)
	}
}

func TestTimeFuncNilObserver(t *testing.T) {
	called := false
	TimeFunc(nil, func() { called = true })
	if !called {
		t.Error("fn not called")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Error("expected no correlation id")
	}
	ctx = WithCorrelation(ctx, "abc")
	if got := GetCorrelation(ctx); got != "abc" {
		t.Errorf("GetCorrelation() = %q, want abc", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}

func TestStartSpanWithoutProvider(t *testing.T) {
	ctx, span := StartSpan(WithCorrelation(context.Background(), "c1"), "test", "op")
	defer span.End()
	if ctx == nil {
		t.Fatal("nil context")
	}
	RecordError(span, nil)
	SetSpanSuccess(span)
	SetSpanHTTPStatus(span, 503)
}
