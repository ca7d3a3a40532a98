// Package twitchapi contains minimal helpers for the Twitch token endpoint
// and the Helix calls the bot needs: user id resolution, whispers and
// EventSub subscriptions.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// DefaultHelixURL is the Helix API root.
const DefaultHelixURL = "https://api.twitch.tv/helix"

// TokenGetter yields a bearer token. *TokenSource and *oauth.Manager both satisfy it.
type TokenGetter interface {
	Get(ctx context.Context) (string, error)
}

// APIError is a non-2xx Helix response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix: status %d: %s", e.Status, e.Body)
}

// HelixClient is a thin Helix client. AppTokens serves read-only lookups;
// calls acting on behalf of a user take that user's TokenGetter.
type HelixClient struct {
	AppTokens  TokenGetter
	ClientID   string
	BaseURL    string
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) do(ctx context.Context, tokens TokenGetter, method, path string, q url.Values, in, out any) error {
	if tokens == nil {
		return fmt.Errorf("helix %s: no token source", path)
	}
	tok, err := tokens.Get(ctx)
	if err != nil {
		return err
	}
	base := hc.BaseURL
	if base == "" {
		base = DefaultHelixURL
	}
	u := strings.TrimRight(base, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.do(ctx, hc.AppTokens, http.MethodGet, "/users", url.Values{"login": {login}}, nil, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// SendWhisper sends a whisper from fromID to toID. The token must belong to
// fromID and carry user:manage:whispers.
func (hc *HelixClient) SendWhisper(ctx context.Context, tokens TokenGetter, fromID, toID, message string) error {
	if fromID == "" || toID == "" {
		return fmt.Errorf("whisper requires sender and recipient ids")
	}
	q := url.Values{"from_user_id": {fromID}, "to_user_id": {toID}}
	return hc.do(ctx, tokens, http.MethodPost, "/whispers", q, map[string]string{"message": message}, nil)
}

// Subscription describes an EventSub subscription delivered over a websocket session.
type Subscription struct {
	Type      string
	Version   string
	Condition map[string]string
	SessionID string
}

// CreateEventSubSubscription registers sub and returns the subscription id.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, tokens TokenGetter, sub Subscription) (string, error) {
	if sub.SessionID == "" {
		return "", fmt.Errorf("eventsub subscription requires a session id")
	}
	in := map[string]any{
		"type":      sub.Type,
		"version":   sub.Version,
		"condition": sub.Condition,
		"transport": map[string]string{"method": "websocket", "session_id": sub.SessionID},
	}
	var out struct {
		Data []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := hc.do(ctx, tokens, http.MethodPost, "/eventsub/subscriptions", nil, in, &out); err != nil {
		return "", err
	}
	if len(out.Data) == 0 {
		return "", fmt.Errorf("eventsub subscription response empty")
	}
	return out.Data[0].ID, nil
}
