package chat

import (
	"context"
	"strings"

	"github.com/perjugatar/perjubot/oauth"
)

// Auth supplies the bot's user access token.
type Auth interface {
	Get(ctx context.Context) (string, error)
	// OnRefresh registers fn to receive every new access token.
	OnRefresh(fn func(accessToken string))
}

// refresher is implemented by Auth values that can force a new token.
type refresher interface {
	Refresh(ctx context.Context) error
}

// StaticToken is a fixed token. A leading "oauth:" is accepted and dropped.
type StaticToken string

func (s StaticToken) Get(context.Context) (string, error) {
	return strings.TrimPrefix(string(s), "oauth:"), nil
}

func (StaticToken) OnRefresh(func(string)) {}

type managed struct{ m *oauth.Manager }

// Managed adapts a refreshing oauth.Manager.
func Managed(m *oauth.Manager) Auth { return managed{m: m} }

func (a managed) Get(ctx context.Context) (string, error) { return a.m.Get(ctx) }

func (a managed) OnRefresh(fn func(string)) {
	a.m.OnRefresh(func(t oauth.Token) { fn(t.AccessToken) })
}

func (a managed) Refresh(ctx context.Context) error {
	_, err := a.m.Refresh(ctx)
	return err
}
