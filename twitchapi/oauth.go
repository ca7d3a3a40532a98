package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"

	"github.com/perjugatar/perjubot/oauth"
)

// DefaultTokenURL is the Twitch OAuth token endpoint.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// Credentials identifies the application against the token endpoint.
type Credentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	AuthURL      string
	HTTPClient   *http.Client
}

// tokenResponse is the body returned by every grant type.
type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

func (c Credentials) post(ctx context.Context, form url.Values) (*tokenResponse, error) {
	if c.ClientID == "" || c.ClientSecret == "" {
		return nil, errors.New("missing client id/secret for twitch token request")
	}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	endpoint := c.TokenURL
	if endpoint == "" {
		endpoint = DefaultTokenURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("twitch %s grant failed: %s: %s", form.Get("grant_type"), resp.Status, string(b))
	}
	var res tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	if res.AccessToken == "" {
		return nil, errors.New("empty access_token in twitch response")
	}
	return &res, nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// RefreshToken exchanges a user refresh token for a new token.
func (c Credentials) RefreshToken(ctx context.Context, refreshToken string) (*oauth.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("missing refresh token")
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	res, err := c.post(ctx, form)
	if err != nil {
		return nil, err
	}
	return &oauth.Token{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		Scope:        res.Scope,
		Expiry:       ComputeExpiry(res.ExpiresIn),
	}, nil
}

// Refresher adapts RefreshToken for an oauth.Manager.
func (c Credentials) Refresher() oauth.RefreshFunc { return c.RefreshToken }

// AuthCodeConfig returns the authorization-code flow configuration for the
// given redirect and scopes. TokenURL and AuthURL override the Twitch
// endpoints when set.
func (c Credentials) AuthCodeConfig(redirectURL string, scopes []string) *oauth2.Config {
	ep := twitch.Endpoint
	if c.TokenURL != "" {
		ep.TokenURL = c.TokenURL
	}
	if c.AuthURL != "" {
		ep.AuthURL = c.AuthURL
	}
	ep.AuthStyle = oauth2.AuthStyleInParams
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     ep,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	}
}

// FromOAuth2 converts an exchanged token. Twitch returns scope as a JSON
// array which oauth2 only exposes through Extra; fallback is used when it
// is absent.
func FromOAuth2(tok *oauth2.Token, fallback []string) oauth.Token {
	out := oauth.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        fallback,
	}
	switch v := tok.Extra("scope").(type) {
	case []any:
		scopes := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
		out.Scope = scopes
	case string:
		if v != "" {
			out.Scope = strings.Fields(v)
		}
	}
	return out
}
