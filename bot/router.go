// Package bot routes inbound chat events to the bot's command handlers: the
// dice roll, the NLP-backed replies to mentions and whispers, and channel
// point redemptions. It depends only on small capability interfaces, so
// any chat transport can be plugged in.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/perjugatar/perjubot/nlp"
	"github.com/perjugatar/perjubot/telemetry"
)

// FallbackReply is sent whenever the NLP gateway fails.
const FallbackReply = "No entiendo que dices"

// DiceCommand prefixes the dice roll command.
const DiceCommand = "!dice"

// Sender is the outbound capability of a chat transport.
type Sender interface {
	Say(ctx context.Context, channel, text string) error
	Whisper(ctx context.Context, toLogin, toUserID, text string) error
}

// WhisperChecker is implemented by senders that can report whether private
// replies are deliverable. Senders without it are assumed to whisper.
type WhisperChecker interface {
	CanWhisper() bool
}

// Replier produces conversational replies.
type Replier interface {
	FetchReply(ctx context.Context, r nlp.Request) (string, error)
}

// RelationLookup resolves the relation tag for a speaker.
type RelationLookup interface {
	Relation(login string) (string, bool)
}

// RedemptionRecorder persists redemptions. Optional.
type RedemptionRecorder interface {
	RecordRedemption(ctx context.Context, r Redemption) error
}

// Config is the static configuration of a Router.
type Config struct {
	// BotLogin is the bot's own login; messages from it are ignored.
	BotLogin string
	// MentionTrigger routes a message to the NLP reply path when found
	// anywhere in it, case-insensitively.
	MentionTrigger string
	// BroadcastTarget receives redemption acknowledgements.
	BroadcastTarget string
	// RedemptionReply is the acknowledgement template. {user} and {reward}
	// are substituted. Empty disables the acknowledgement.
	RedemptionReply string
}

// Router dispatches events. It holds no per-message state.
type Router struct {
	cfg       Config
	trigger   string
	sender    Sender
	replier   Replier
	relations RelationLookup
	recorder  RedemptionRecorder
	intn      func(int) int

	inflight atomic.Int64

	drainMu sync.Mutex
	pending int
	drain   chan struct{} // closed when pending drops to zero
}

// Option customizes a Router.
type Option func(*Router)

// WithRand replaces the random source used for dice rolls.
func WithRand(intn func(int) int) Option { return func(r *Router) { r.intn = intn } }

// WithRecorder stores every redemption through rec.
func WithRecorder(rec RedemptionRecorder) Option { return func(r *Router) { r.recorder = rec } }

// NewRouter builds a Router. relations may be nil.
func NewRouter(cfg Config, sender Sender, replier Replier, relations RelationLookup, opts ...Option) *Router {
	r := &Router{
		cfg:       cfg,
		trigger:   strings.ToLower(cfg.MentionTrigger),
		sender:    sender,
		replier:   replier,
		relations: relations,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// HandleEvent is the single entry point for every chat transport.
func (r *Router) HandleEvent(ctx context.Context, ev Event) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	switch ev.Kind {
	case EventConnected:
		telemetry.LoggerWithCorr(ctx).Info(fmt.Sprintf("* Connected to %s", ev.Addr), slog.String("component", "chat"))
	case EventMessage:
		if ev.Message != nil {
			r.HandleMessage(ctx, *ev.Message)
		}
	case EventWhisper:
		if ev.Message != nil {
			r.HandleWhisper(ctx, *ev.Message)
		}
	case EventRedemption:
		if ev.Redemption != nil {
			r.HandleRedemption(ctx, *ev.Redemption)
		}
	default:
		telemetry.LoggerWithCorr(ctx).Warn("unhandled event kind", slog.String("kind", ev.Kind.String()))
	}
}

func (r *Router) isSelf(m InboundMessage) bool {
	if m.Self {
		return true
	}
	return r.cfg.BotLogin != "" && strings.EqualFold(strings.TrimPrefix(m.Speaker, "@"), r.cfg.BotLogin)
}

// HandleMessage routes a channel message: self messages are dropped, then
// !dice, then the mention trigger. Everything else is ignored.
func (r *Router) HandleMessage(ctx context.Context, m InboundMessage) {
	log := telemetry.LoggerWithCorr(ctx)
	if r.isSelf(m) {
		telemetry.CountCommand("self")
		return
	}

	command := strings.TrimSpace(m.Text)
	switch {
	case strings.HasPrefix(command, DiceCommand):
		telemetry.CountCommand("dice")
		n := RollDice(diceSides(command), r.intn)
		r.say(ctx, m.Target, fmt.Sprintf("%s ha sacado un %d", m.Speaker, n))
		log.Info(fmt.Sprintf("* Executed %s command", command))
	case r.trigger != "" && strings.Contains(strings.ToLower(m.Text), r.trigger):
		telemetry.CountCommand("mention")
		req := nlp.Request{Text: m.Text, Speaker: m.Speaker}
		if r.relations != nil {
			req.Relation, req.HasRelation = r.relations.Relation(m.Speaker)
		}
		target := m.Target
		r.spawn(ctx, req, func(ctx context.Context, text string) {
			r.say(ctx, target, text)
		})
	default:
		telemetry.CountCommand("unknown")
		log.Debug(fmt.Sprintf("* Unknown command %s", command))
	}
}

// HandleWhisper answers a private message through the gateway. There is no
// command handling on this path.
func (r *Router) HandleWhisper(ctx context.Context, m InboundMessage) {
	if r.isSelf(m) {
		telemetry.CountCommand("self")
		return
	}
	if wc, ok := r.sender.(WhisperChecker); ok && !wc.CanWhisper() {
		telemetry.CountCommand("whisper_disabled")
		telemetry.LoggerWithCorr(ctx).Debug("whisper ignored, replies disabled", slog.String("from", m.Speaker))
		return
	}
	telemetry.CountCommand("whisper")
	to, toID := m.Speaker, m.SpeakerID
	r.spawn(ctx, nlp.Request{Text: m.Text, Speaker: m.Speaker}, func(ctx context.Context, text string) {
		if err := r.sender.Whisper(ctx, to, toID, text); err != nil {
			telemetry.CountSendFailure("whisper")
			telemetry.LoggerWithCorr(ctx).Error("whisper failed", slog.String("to", to), slog.Any("err", err))
		}
	})
}

// HandleRedemption logs, optionally records, and acknowledges a redemption.
func (r *Router) HandleRedemption(ctx context.Context, red Redemption) {
	log := telemetry.LoggerWithCorr(ctx)
	telemetry.CountCommand("redemption")
	telemetry.CountRedemption()
	log.Info("redemption received",
		slog.String("user", red.User),
		slog.String("reward", red.RewardTitle),
		slog.Int("cost", red.RewardCost))

	if r.recorder != nil {
		if err := r.recorder.RecordRedemption(ctx, red); err != nil {
			log.Warn("redemption record failed", slog.Any("err", err))
		}
	}
	if r.cfg.RedemptionReply == "" || r.cfg.BroadcastTarget == "" {
		return
	}
	msg := strings.NewReplacer("{user}", red.User, "{reward}", red.RewardTitle).Replace(r.cfg.RedemptionReply)
	r.say(ctx, r.cfg.BroadcastTarget, msg)
}

// spawn runs one gateway call on its own goroutine and hands the reply, or
// FallbackReply on failure, to deliver. The call outlives ctx cancellation;
// Wait drains it.
func (r *Router) spawn(ctx context.Context, req nlp.Request, deliver func(context.Context, string)) {
	taskCtx := context.WithoutCancel(ctx)
	r.track(1)
	go func() {
		defer r.track(-1)
		text, err := r.replier.FetchReply(taskCtx, req)
		if err != nil || text == "" {
			telemetry.LoggerWithCorr(taskCtx).Warn("nlp reply failed, using fallback",
				slog.String("speaker", req.Speaker), slog.Any("err", err))
			text = FallbackReply
		}
		deliver(taskCtx, text)
	}()
}

func (r *Router) say(ctx context.Context, target, text string) {
	if err := r.sender.Say(ctx, target, text); err != nil {
		telemetry.CountSendFailure("say")
		telemetry.LoggerWithCorr(ctx).Error("say failed", slog.String("target", target), slog.Any("err", err))
	}
}

// Inflight reports how many gateway replies are pending.
func (r *Router) Inflight() int { return int(r.inflight.Load()) }

// Wait blocks until every pending reply has been delivered or ctx is done.
// It starts no goroutines.
func (r *Router) Wait(ctx context.Context) error {
	r.drainMu.Lock()
	if r.pending == 0 {
		r.drainMu.Unlock()
		return nil
	}
	if r.drain == nil {
		r.drain = make(chan struct{})
	}
	done := r.drain
	r.drainMu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) track(delta int) {
	r.inflight.Add(int64(delta))
	telemetry.AddInflight(float64(delta))
	r.drainMu.Lock()
	defer r.drainMu.Unlock()
	r.pending += delta
	if r.pending == 0 && r.drain != nil {
		close(r.drain)
		r.drain = nil
	}
}
