package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/perjugatar/perjubot/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	goleak.VerifyTestMain(m)
}

type recordingSayer struct {
	mu    sync.Mutex
	texts []string
	calls atomic.Int32
	err   error
}

func (r *recordingSayer) Say(_ context.Context, channel, text string) error {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, channel+"|"+text)
	return r.err
}

func (r *recordingSayer) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDefaultPeriod(t *testing.T) {
	s := New(&recordingSayer{}, "#c", nil)
	if s.Period() != 10*time.Minute {
		t.Errorf("Period() = %v, want 10m", s.Period())
	}
	s = New(&recordingSayer{}, "#c", nil, WithPeriod(0))
	if s.Period() != DefaultPeriod {
		t.Errorf("non-positive period should keep default, got %v", s.Period())
	}
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	s := New(&recordingSayer{}, "#c", nil)
	s.Stop()
	s.Stop()
	if s.Running() {
		t.Error("scheduler should be idle")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	sayer := &recordingSayer{}
	s := New(sayer, "#perju_gatar", AdviceFunc(func() []string { return []string{"bebe agua"} }), WithPeriod(20*time.Millisecond))

	if !s.Start(context.Background()) {
		t.Fatal("first Start should transition to running")
	}
	if s.Start(context.Background()) {
		t.Error("second Start should be a no-op")
	}
	if !s.Running() {
		t.Error("scheduler should be running")
	}

	time.Sleep(110 * time.Millisecond)
	s.Stop()
	calls := sayer.calls.Load()
	// One ticker at 20ms fires about five times in 110ms; two tickers would double it.
	if calls < 2 || calls > 6 {
		t.Errorf("got %d broadcasts, want the count of a single ticker", calls)
	}
	if s.Running() {
		t.Error("scheduler should be idle after Stop")
	}

	time.Sleep(50 * time.Millisecond)
	if after := sayer.calls.Load(); after != calls {
		t.Errorf("broadcasts continued after Stop: %d -> %d", calls, after)
	}
}

func TestRestartAfterStop(t *testing.T) {
	sayer := &recordingSayer{}
	s := New(sayer, "#c", nil, WithPeriod(10*time.Millisecond))
	s.Start(context.Background())
	s.Stop()
	if !s.Start(context.Background()) {
		t.Fatal("Start after Stop should run again")
	}
	waitFor(t, func() bool { return sayer.calls.Load() > 0 })
	s.Stop()
}

func TestEmptyAdviceSendsPlaceholder(t *testing.T) {
	sources := map[string]AdviceSource{
		"nil source": nil,
		"nil list":   AdviceFunc(func() []string { return nil }),
		"empty list": AdviceFunc(func() []string { return []string{} }),
	}
	for name, src := range sources {
		t.Run(name, func(t *testing.T) {
			sayer := &recordingSayer{}
			s := New(sayer, "#perju_gatar", src, WithPeriod(10*time.Millisecond))
			s.Start(context.Background())
			waitFor(t, func() bool { return sayer.calls.Load() >= 2 })
			s.Stop()
			for _, got := range sayer.snapshot() {
				if got != "#perju_gatar|"+Placeholder {
					t.Errorf("sent %q, want placeholder", got)
				}
			}
		})
	}
}

func TestAdviceReadAtFireTime(t *testing.T) {
	var mu sync.Mutex
	var advice []string
	src := AdviceFunc(func() []string {
		mu.Lock()
		defer mu.Unlock()
		return advice
	})
	sayer := &recordingSayer{}
	s := New(sayer, "#c", src, WithPeriod(10*time.Millisecond))
	s.Start(context.Background())

	mu.Lock()
	advice = []string{"sigue el canal"}
	mu.Unlock()

	waitFor(t, func() bool {
		for _, txt := range sayer.snapshot() {
			if txt == "#c|sigue el canal" {
				return true
			}
		}
		return false
	})
	s.Stop()
}

func TestPickUniform(t *testing.T) {
	advice := []string{"a", "b", "c"}
	s := New(&recordingSayer{}, "#c", AdviceFunc(func() []string { return advice }))
	seen := map[string]int{}
	for i := 0; i < 600; i++ {
		seen[s.Pick()]++
	}
	for _, a := range advice {
		if seen[a] == 0 {
			t.Errorf("advice %q never picked", a)
		}
	}

	s = New(&recordingSayer{}, "#c", AdviceFunc(func() []string { return advice }), WithRand(func(n int) int { return n - 1 }))
	if got := s.Pick(); got != "c" {
		t.Errorf("Pick() = %q, want c", got)
	}
}

func TestSendFailureKeepsTimer(t *testing.T) {
	sayer := &recordingSayer{err: errors.New("channel unreachable")}
	s := New(sayer, "#c", nil, WithPeriod(10*time.Millisecond))
	s.Start(context.Background())
	waitFor(t, func() bool { return sayer.calls.Load() >= 3 })
	if !s.Running() {
		t.Error("send failure must not stop the scheduler")
	}
	s.Stop()
}

func TestContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(&recordingSayer{}, "#c", nil, WithPeriod(10*time.Millisecond))
	s.Start(ctx)
	cancel()
	waitFor(t, func() bool { return !s.Running() })
	s.Stop()
	if !s.Start(context.Background()) {
		t.Error("Start after parent cancellation should run again")
	}
	s.Stop()
}

type gatedSayer struct {
	calls atomic.Int32
	gate  chan struct{}
}

func (g *gatedSayer) Say(context.Context, string, string) error {
	if g.calls.Add(1) == 1 {
		<-g.gate
	}
	return nil
}

func TestRunningGaugeSurvivesStartDuringStop(t *testing.T) {
	sayer := &gatedSayer{gate: make(chan struct{})}
	s := New(sayer, "#c", nil, WithPeriod(10*time.Millisecond))
	s.Start(context.Background())
	waitFor(t, func() bool { return sayer.calls.Load() == 1 })

	// Stop blocks on the loop, which is stuck inside Say.
	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	waitFor(t, func() bool { return !s.Running() })
	if !s.Start(context.Background()) {
		t.Fatal("Start during a pending Stop should transition to running")
	}
	close(sayer.gate)
	<-stopped

	if !s.Running() {
		t.Fatal("scheduler should still be running")
	}
	if got := promtestutil.ToFloat64(telemetry.BroadcastRunning); got != 1 {
		t.Errorf("running gauge = %v, want 1", got)
	}
	s.Stop()
	if got := promtestutil.ToFloat64(telemetry.BroadcastRunning); got != 0 {
		t.Errorf("running gauge after Stop = %v, want 0", got)
	}
}
