// Package eventsub listens for channel point redemptions over the Twitch
// EventSub websocket transport and forwards them as bot events.
package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perjugatar/perjubot/bot"
	"github.com/perjugatar/perjubot/twitchapi"
)

// DefaultURL is the production EventSub websocket endpoint.
const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

const (
	welcomeTimeout  = 30 * time.Second
	keepaliveMargin = 10 * time.Second
	recentCap       = 256
)

// Subscriber registers subscriptions. *twitchapi.HelixClient satisfies it.
type Subscriber interface {
	CreateEventSubSubscription(ctx context.Context, tokens twitchapi.TokenGetter, sub twitchapi.Subscription) (string, error)
}

// Handler consumes redemption events. *bot.Router satisfies it.
type Handler interface {
	HandleEvent(ctx context.Context, ev bot.Event)
}

// Config selects the channel and the streamer credentials.
type Config struct {
	URL            string
	BroadcasterID  string
	Tokens         twitchapi.TokenGetter
	ReconnectDelay time.Duration
}

// Listener holds one websocket session at a time and reconnects on failure.
type Listener struct {
	cfg     Config
	subs    Subscriber
	handler Handler
	dialer  *websocket.Dialer
	seen    recentIDs
}

// New returns a Listener. Nothing connects until Run.
func New(cfg Config, subs Subscriber, handler Handler) *Listener {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Listener{
		cfg:     cfg,
		subs:    subs,
		handler: handler,
		dialer:  websocket.DefaultDialer,
		seen:    recentIDs{ids: make(map[string]struct{})},
	}
}

// Run keeps a session open until ctx is cancelled. A session_reconnect moves
// to the given URL without resubscribing; any other failure reconnects to the
// configured URL after ReconnectDelay and subscribes again.
func (l *Listener) Run(ctx context.Context) error {
	if l.cfg.BroadcasterID == "" {
		return fmt.Errorf("eventsub: broadcaster id required")
	}
	url, subscribe := l.cfg.URL, true
	for {
		next, err := l.session(ctx, url, subscribe)
		if ctx.Err() != nil {
			return nil
		}
		if next != "" {
			slog.Info("eventsub reconnect requested", slog.String("component", "eventsub"))
			url, subscribe = next, false
			continue
		}
		slog.Warn("eventsub session ended", slog.Any("err", err), slog.Duration("retry_in", l.cfg.ReconnectDelay), slog.String("component", "eventsub"))
		url, subscribe = l.cfg.URL, true
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.cfg.ReconnectDelay):
		}
	}
}

// session reads one connection. It returns a non-empty URL when the server
// asked the client to move.
func (l *Listener) session(ctx context.Context, url string, subscribe bool) (string, error) {
	conn, _, err := l.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return "", fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	timeout := welcomeTimeout
	for {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("eventsub message undecodable", slog.Any("err", err), slog.String("component", "eventsub"))
			continue
		}
		if !l.seen.add(env.Metadata.MessageID) {
			continue
		}

		switch env.Metadata.MessageType {
		case typeWelcome:
			var p sessionPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return "", fmt.Errorf("welcome: %w", err)
			}
			if ka := p.Session.KeepaliveTimeoutSeconds; ka > 0 {
				timeout = time.Duration(ka)*time.Second + keepaliveMargin
			}
			slog.Info("eventsub session open", slog.String("session_id", p.Session.ID), slog.String("component", "eventsub"))
			if subscribe {
				if err := l.subscribe(ctx, p.Session.ID); err != nil {
					return "", err
				}
				subscribe = false
			}
		case typeKeepalive:
		case typeNotification:
			l.notify(ctx, env)
		case typeReconnect:
			var p sessionPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || p.Session.ReconnectURL == "" {
				return "", fmt.Errorf("reconnect message without url")
			}
			return p.Session.ReconnectURL, nil
		case typeRevocation:
			var p revocationPayload
			_ = json.Unmarshal(env.Payload, &p)
			slog.Warn("eventsub subscription revoked",
				slog.String("type", p.Subscription.Type),
				slog.String("status", p.Subscription.Status),
				slog.String("component", "eventsub"))
		default:
			slog.Debug("eventsub message ignored", slog.String("type", env.Metadata.MessageType), slog.String("component", "eventsub"))
		}
	}
}

func (l *Listener) subscribe(ctx context.Context, sessionID string) error {
	id, err := l.subs.CreateEventSubSubscription(ctx, l.cfg.Tokens, twitchapi.Subscription{
		Type:      RedemptionAdd,
		Version:   "1",
		Condition: map[string]string{"broadcaster_user_id": l.cfg.BroadcasterID},
		SessionID: sessionID,
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", RedemptionAdd, err)
	}
	slog.Info("eventsub subscribed", slog.String("subscription_id", id), slog.String("type", RedemptionAdd), slog.String("component", "eventsub"))
	return nil
}

func (l *Listener) notify(ctx context.Context, env envelope) {
	var p notificationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		slog.Warn("eventsub notification undecodable", slog.Any("err", err), slog.String("component", "eventsub"))
		return
	}
	typ := p.Subscription.Type
	if typ == "" {
		typ = env.Metadata.SubscriptionType
	}
	if typ != RedemptionAdd {
		return
	}
	var ev redemptionEvent
	if err := json.Unmarshal(p.Event, &ev); err != nil {
		slog.Warn("redemption event undecodable", slog.Any("err", err), slog.String("component", "eventsub"))
		return
	}
	l.handler.HandleEvent(ctx, bot.RedemptionEvent(ev.toRedemption()))
}

// recentIDs remembers the last message ids to drop redeliveries. Only the
// Run goroutine touches it.
type recentIDs struct {
	ids   map[string]struct{}
	order []string
}

func (r *recentIDs) add(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > recentCap {
		delete(r.ids, r.order[0])
		r.order = r.order[1:]
	}
	return true
}
