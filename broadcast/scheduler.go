// Package broadcast periodically sends one random advice line to a channel.
package broadcast

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/perjugatar/perjubot/telemetry"
)

const (
	// DefaultPeriod is the interval between two broadcasts.
	DefaultPeriod = 600000 * time.Millisecond
	// Placeholder is sent when there is no advice to pick from.
	Placeholder = "Preparando cosicas"
)

// Sayer sends a message to a channel.
type Sayer interface {
	Say(ctx context.Context, channel, text string) error
}

// AdviceSource is read on every tick, so it may change between Start and
// the first broadcast.
type AdviceSource interface {
	Advice() []string
}

// AdviceFunc adapts a function to AdviceSource.
type AdviceFunc func() []string

func (f AdviceFunc) Advice() []string { return f() }

// Scheduler is Idle until Start and Running until Stop.
type Scheduler struct {
	sayer  Sayer
	target string
	source AdviceSource
	period time.Duration
	intn   func(int) int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithPeriod overrides DefaultPeriod. Non-positive values are ignored.
func WithPeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.period = d
		}
	}
}

// WithRand replaces the random source used to pick advice.
func WithRand(intn func(int) int) Option { return func(s *Scheduler) { s.intn = intn } }

// New returns an idle Scheduler.
func New(sayer Sayer, target string, source AdviceSource, opts ...Option) *Scheduler {
	s := &Scheduler{
		sayer:  sayer,
		target: target,
		source: source,
		period: DefaultPeriod,
		intn:   rand.IntN,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins broadcasting every period. It reports whether the scheduler
// moved from Idle to Running; calling it while Running does nothing.
// Cancelling ctx stops the scheduler too.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go s.loop(runCtx, done)
	telemetry.SetBroadcastRunning(true)
	slog.Info("advice broadcast started", slog.String("target", s.target), slog.Duration("period", s.period), slog.String("component", "broadcast"))
	return true
}

// Stop cancels the timer and waits for the loop to exit. It is a no-op
// while Idle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	if cancel != nil {
		// Cleared under mu so a Start racing the wait below sets it last.
		telemetry.SetBroadcastRunning(false)
	}
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("advice broadcast stopped", slog.String("component", "broadcast"))
}

// Running reports whether the scheduler is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Period returns the configured interval.
func (s *Scheduler) Period() time.Duration { return s.period }

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.done == done {
				// Parent context ended without Stop.
				s.cancel, s.done = nil, nil
				telemetry.SetBroadcastRunning(false)
			}
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	text := s.Pick()
	if err := s.sayer.Say(ctx, s.target, text); err != nil {
		telemetry.CountBroadcast("error")
		slog.Error("advice broadcast failed", slog.String("target", s.target), slog.Any("err", err), slog.String("component", "broadcast"))
		return
	}
	telemetry.CountBroadcast("ok")
}

// Pick returns one advice line chosen uniformly at random, or Placeholder.
func (s *Scheduler) Pick() string {
	var advice []string
	if s.source != nil {
		advice = s.source.Advice()
	}
	if len(advice) == 0 {
		return Placeholder
	}
	return advice[s.intn(len(advice))]
}
