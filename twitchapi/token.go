package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// appTokenBuffer is how long before expiry a cached app token is replaced.
const appTokenBuffer = 60 * time.Second

// TokenSource fetches and caches a Twitch app access (client credentials)
// token for Helix lookups. It cannot be used for chat, whispers or EventSub
// websocket subscriptions; those need the bot or streamer user token.
type TokenSource struct {
	Credentials

	mu  sync.Mutex
	tok *oauth2.Token
}

func (ts *TokenSource) valid() bool {
	return ts.tok != nil && ts.tok.AccessToken != "" && time.Until(ts.tok.Expiry) > appTokenBuffer
}

// Get returns a cached app token, fetching a new one when it is close to
// expiry. Concurrent callers share one fetch.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.valid() {
		return ts.tok.AccessToken, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	tokenURL := ts.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	cc := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("twitch app token: %w", err)
	}
	ts.tok = tok
	return tok.AccessToken, nil
}
