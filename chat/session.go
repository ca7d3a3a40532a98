package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/perjugatar/perjubot/bot"
	"github.com/perjugatar/perjubot/telemetry"
	"github.com/perjugatar/perjubot/twitchapi"
)

var (
	// ErrNotConnected is returned by Say while there is no live IRC connection.
	ErrNotConnected = errors.New("chat: not connected")
	// ErrWhispersDisabled is returned by Whisper when no Helix client or bot
	// user id is configured.
	ErrWhispersDisabled = errors.New("chat: whispers not configured")
)

// EventHandler consumes inbound events. *bot.Router satisfies it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev bot.Event)
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, ev bot.Event)

func (f HandlerFunc) HandleEvent(ctx context.Context, ev bot.Event) { f(ctx, ev) }

// WhisperAPI sends whispers on behalf of the bot. *twitchapi.HelixClient satisfies it.
type WhisperAPI interface {
	SendWhisper(ctx context.Context, tokens twitchapi.TokenGetter, fromID, toID, message string) error
}

// SessionConfig is the bot identity and its channels.
type SessionConfig struct {
	Username  string
	Channels  []string
	BotUserID string
	Auth      Auth
}

// ircClient is the subset of *twitch.Client the session drives.
type ircClient interface {
	OnConnect(func())
	OnPrivateMessage(func(twitch.PrivateMessage))
	OnWhisperMessage(func(twitch.WhisperMessage))
	Join(channels ...string)
	Say(channel, text string)
	SetIRCToken(token string)
	Connect() error
	Disconnect() error
	Address() string
}

type twitchClient struct{ *twitch.Client }

func (c twitchClient) Address() string { return c.IrcAddress }

func newTwitchClient(username, token string) ircClient {
	return twitchClient{twitch.NewClient(username, "oauth:"+token)}
}

// Session is one IRC connection for the bot.
type Session struct {
	cfg        SessionConfig
	handler    EventHandler
	whispers   WhisperAPI
	newClient  func(username, token string) ircClient
	retryDelay time.Duration

	mu        sync.Mutex
	client    ircClient
	connected atomic.Bool
}

// Option customizes a Session.
type Option func(*Session)

// WithWhispers enables Whisper through api.
func WithWhispers(api WhisperAPI) Option { return func(s *Session) { s.whispers = api } }

// WithRetryDelay sets the pause before reconnecting after a refreshed login.
func WithRetryDelay(d time.Duration) Option { return func(s *Session) { s.retryDelay = d } }

func withClientFactory(fn func(username, token string) ircClient) Option {
	return func(s *Session) { s.newClient = fn }
}

// NewSession prepares a session. Nothing connects until Run.
func NewSession(cfg SessionConfig, handler EventHandler, opts ...Option) *Session {
	chans := make([]string, 0, len(cfg.Channels))
	for _, c := range cfg.Channels {
		if c = normalizeChannel(c); c != "" {
			chans = append(chans, c)
		}
	}
	cfg.Channels = chans
	if cfg.Auth == nil {
		cfg.Auth = StaticToken("")
	}
	s := &Session{
		cfg:        cfg,
		handler:    handler,
		newClient:  newTwitchClient,
		retryDelay: 5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	cfg.Auth.OnRefresh(func(tok string) {
		if c := s.current(); c != nil {
			c.SetIRCToken("oauth:" + tok)
			slog.Info("irc token updated", slog.String("component", "chat"))
		}
	})
	return s
}

func normalizeChannel(c string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c), "#"))
}

func (s *Session) current() ircClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Connected reports whether the IRC connection is up.
func (s *Session) Connected() bool { return s.connected.Load() }

// Run joins the channels and stays connected until ctx is cancelled. A login
// rejected by Twitch is retried once after a forced token refresh when the
// Auth supports it.
func (s *Session) Run(ctx context.Context) error {
	refreshed := false
	for {
		err := s.connectOnce(ctx)
		if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
			return nil
		}
		r, ok := s.cfg.Auth.(refresher)
		if !errors.Is(err, twitch.ErrLoginAuthenticationFailed) || !ok || refreshed {
			return fmt.Errorf("chat connect: %w", err)
		}
		slog.Warn("irc login rejected, refreshing token", slog.String("component", "chat"))
		if rerr := r.Refresh(ctx); rerr != nil {
			return fmt.Errorf("chat connect: %w (refresh: %v)", err, rerr)
		}
		refreshed = true
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.retryDelay):
		}
	}
}

func (s *Session) connectOnce(ctx context.Context) error {
	tok, err := s.cfg.Auth.Get(ctx)
	if err != nil {
		return fmt.Errorf("irc token: %w", err)
	}
	client := s.newClient(s.cfg.Username, tok)
	s.register(ctx, client)

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.client = nil
		s.mu.Unlock()
		s.connected.Store(false)
		telemetry.SetChatConnected(false)
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if err := client.Disconnect(); err != nil {
				slog.Debug("irc disconnect", slog.Any("err", err))
			}
		case <-done:
		}
	}()

	client.Join(s.cfg.Channels...)
	return client.Connect()
}

func (s *Session) register(ctx context.Context, client ircClient) {
	client.OnConnect(func() {
		s.connected.Store(true)
		telemetry.SetChatConnected(true)
		s.handler.HandleEvent(ctx, bot.ConnectedEvent(client.Address()))
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		s.handler.HandleEvent(ctx, bot.MessageEvent(bot.InboundMessage{
			ID:        msg.ID,
			Target:    "#" + msg.Channel,
			Speaker:   msg.User.Name,
			SpeakerID: msg.User.ID,
			Text:      msg.Message,
			Self:      strings.EqualFold(msg.User.Name, s.cfg.Username),
		}))
	})
	client.OnWhisperMessage(func(msg twitch.WhisperMessage) {
		s.handler.HandleEvent(ctx, bot.WhisperEvent(bot.InboundMessage{
			ID:        msg.MessageID,
			Speaker:   msg.User.Name,
			SpeakerID: msg.User.ID,
			Text:      msg.Message,
			Self:      strings.EqualFold(msg.User.Name, s.cfg.Username),
		}))
	})
}

// Say writes text to channel. The leading '#' is optional.
func (s *Session) Say(_ context.Context, channel, text string) error {
	c := s.current()
	if c == nil || !s.connected.Load() {
		return ErrNotConnected
	}
	c.Say(normalizeChannel(channel), text)
	return nil
}

// CanWhisper reports whether Whisper has a Helix client and bot user id.
func (s *Session) CanWhisper() bool { return s.whispers != nil && s.cfg.BotUserID != "" }

// Whisper messages toUserID through Helix using the bot token.
func (s *Session) Whisper(ctx context.Context, toLogin, toUserID, text string) error {
	if !s.CanWhisper() {
		return ErrWhispersDisabled
	}
	if toUserID == "" {
		return fmt.Errorf("whisper to %s: missing user id", toLogin)
	}
	return s.whispers.SendWhisper(ctx, s.cfg.Auth, s.cfg.BotUserID, toUserID, text)
}
