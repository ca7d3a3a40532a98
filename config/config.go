// Package config loads environment variables into a typed Config.
// Defaults let the bot run locally with only the Twitch identity, channel
// and NLP endpoint set. Validate checks what the selected chat mode needs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/perjugatar/perjubot/broadcast"
)

// Chat modes select the auth capability plugged into the session.
const (
	ModeSimple      = "simple"
	ModeRefreshing  = "refreshing"
	ModeRedemptions = "redemptions"
)

// Token store backends.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	// Twitch
	TwitchChannel      string
	TwitchBotUsername  string
	TwitchOAuthToken   string
	TwitchClientID     string
	TwitchClientSecret string
	TwitchRedirectURI  string
	TwitchScopes       string
	StreamerLogin      string
	StreamerScopes     string
	ChatMode           string

	// Bot behaviour
	NLPURL             string
	MentionTrigger     string
	AdviceFile         string
	RelationsFile      string
	BroadcastTarget    string
	BroadcastInterval  time.Duration
	BroadcastAutostart bool
	RedemptionReply    string

	// Credentials
	TokenStore         string
	BotTokensFile      string
	StreamerTokensFile string
	DBDsn              string
	EncryptionKey      string

	// Ambient
	HTTPAddr      string
	LogLevel      string
	LogFormat     string
	OTLPEndpoint  string
	TraceSampling float64
	AdminToken    string
	AdminUsername string
	AdminPassword string
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Load reads environment variables and applies defaults. It only fails on
// values that cannot be parsed; use Validate for missing requirements.
func Load() (*Config, error) {
	cfg := &Config{
		TwitchChannel:      os.Getenv("TWITCH_CHANNEL"),
		TwitchBotUsername:  os.Getenv("TWITCH_BOT_USERNAME"),
		TwitchOAuthToken:   os.Getenv("TWITCH_OAUTH_TOKEN"),
		TwitchClientID:     os.Getenv("TWITCH_CLIENT_ID"),
		TwitchClientSecret: os.Getenv("TWITCH_CLIENT_SECRET"),
		TwitchRedirectURI:  os.Getenv("TWITCH_REDIRECT_URI"),
		TwitchScopes:       env("TWITCH_SCOPES", "chat:read chat:edit user:manage:whispers"),
		StreamerLogin:      os.Getenv("TWITCH_STREAMER_LOGIN"),
		StreamerScopes:     env("TWITCH_STREAMER_SCOPES", "channel:read:redemptions"),
		ChatMode:           strings.ToLower(env("CHAT_MODE", ModeSimple)),

		NLPURL:          os.Getenv("NLP_URL"),
		MentionTrigger:  env("MENTION_TRIGGER", "@perjubot"),
		AdviceFile:      env("ADVICE_FILE", "advices.txt"),
		RelationsFile:   env("RELATIONS_FILE", "relations.txt"),
		BroadcastTarget: os.Getenv("BROADCAST_TARGET"),
		RedemptionReply: os.Getenv("REDEMPTION_REPLY"),

		TokenStore:         strings.ToLower(env("TOKEN_STORE", StoreFile)),
		BotTokensFile:      env("BOT_TOKENS_FILE", "bottokens.json"),
		StreamerTokensFile: env("STREAMER_TOKENS_FILE", "streamertokens.json"),
		DBDsn:              os.Getenv("DB_DSN"),
		EncryptionKey:      os.Getenv("ENCRYPTION_KEY"),

		HTTPAddr:      env("HTTP_ADDR", ":8080"),
		LogLevel:      env("LOG_LEVEL", "info"),
		LogFormat:     env("LOG_FORMAT", "text"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminToken:    os.Getenv("ADMIN_TOKEN"),
		AdminUsername: os.Getenv("ADMIN_USERNAME"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
	}
	if cfg.BroadcastTarget == "" && cfg.TwitchChannel != "" {
		cfg.BroadcastTarget = "#" + strings.TrimPrefix(cfg.TwitchChannel, "#")
	}
	if cfg.StreamerLogin == "" {
		cfg.StreamerLogin = strings.TrimPrefix(cfg.TwitchChannel, "#")
	}

	interval, err := ParseInterval(os.Getenv("BROADCAST_INTERVAL"))
	if err != nil {
		return nil, fmt.Errorf("invalid BROADCAST_INTERVAL: %w", err)
	}
	cfg.BroadcastInterval = interval

	cfg.TraceSampling = 1
	if v := os.Getenv("OTEL_SAMPLE_RATIO"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid OTEL_SAMPLE_RATIO: %w", err)
		}
		cfg.TraceSampling = r
	}

	cfg.BroadcastAutostart = true
	if v := os.Getenv("BROADCAST_AUTOSTART"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BROADCAST_AUTOSTART: %w", err)
		}
		cfg.BroadcastAutostart = b
	}
	return cfg, nil
}

// ParseInterval accepts a Go duration ("10m") or a bare millisecond count
// ("600000"). Empty yields broadcast.DefaultPeriod.
func ParseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return broadcast.DefaultPeriod, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("must be positive, got %d", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}

// Refreshing reports whether the mode uses a refreshing bot token.
func (c *Config) Refreshing() bool {
	return c.ChatMode == ModeRefreshing || c.ChatMode == ModeRedemptions
}

// HTTPEnabled reports whether the HTTP surface should be served.
func (c *Config) HTTPEnabled() bool {
	return c.HTTPAddr != "" && !strings.EqualFold(c.HTTPAddr, "off")
}

// Validate checks the fields the selected mode requires.
func (c *Config) Validate() error {
	var missing []string
	req := func(name, v string) {
		if v == "" {
			missing = append(missing, name)
		}
	}
	req("TWITCH_CHANNEL", c.TwitchChannel)
	req("TWITCH_BOT_USERNAME", c.TwitchBotUsername)
	req("NLP_URL", c.NLPURL)

	switch c.ChatMode {
	case ModeSimple:
		req("TWITCH_OAUTH_TOKEN", c.TwitchOAuthToken)
	case ModeRefreshing, ModeRedemptions:
		req("TWITCH_CLIENT_ID", c.TwitchClientID)
		req("TWITCH_CLIENT_SECRET", c.TwitchClientSecret)
	default:
		return fmt.Errorf("%w: CHAT_MODE %q (want simple, refreshing or redemptions)", ErrInvalid, c.ChatMode)
	}
	if c.ChatMode == ModeRedemptions {
		req("TWITCH_STREAMER_LOGIN", c.StreamerLogin)
	}

	switch c.TokenStore {
	case StoreFile:
	case StorePostgres:
		req("DB_DSN", c.DBDsn)
	default:
		return fmt.Errorf("%w: TOKEN_STORE %q (want file or postgres)", ErrInvalid, c.TokenStore)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	return nil
}
