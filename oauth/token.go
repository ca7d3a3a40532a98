// Package oauth keeps the bot's OAuth credentials fresh. A Manager holds the
// current token for one role (bot or streamer), refreshes it before expiry,
// persists every refreshed token through a Store, and notifies listeners so
// live connections can swap their token.
package oauth

import (
	"context"
	"errors"
	"time"
)

// ErrNoToken is returned when a store holds no credentials for a role.
var ErrNoToken = errors.New("no oauth token stored")

// Token is one set of credentials. A zero Expiry means the lifetime is unknown.
type Token struct {
	AccessToken  string
	RefreshToken string
	Scope        []string
	Expiry       time.Time
}

// ExpiresWithin reports whether the token expires within d. Tokens with an
// unknown expiry never do.
func (t Token) ExpiresWithin(d time.Duration) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return time.Until(t.Expiry) <= d
}

// Store persists a single token.
type Store interface {
	// Load returns ErrNoToken when nothing is stored.
	Load(ctx context.Context) (*Token, error)
	Save(ctx context.Context, tok *Token) error
}

// RefreshFunc performs the provider-specific refresh_token grant.
type RefreshFunc func(ctx context.Context, refreshToken string) (*Token, error)
