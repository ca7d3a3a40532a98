// Command perjubot is a Twitch chat bot. It:
//   - Loads configuration and initializes structured logging and telemetry.
//   - Loads the advice and relation word lists.
//   - Joins the channel over IRC and routes !dice, mentions and whispers.
//   - Broadcasts a random advice line on a fixed period.
//   - In redemptions mode, listens for channel point redemptions over EventSub.
//   - Keeps refreshing OAuth credentials and serves /healthz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/perjugatar/perjubot/bot"
	"github.com/perjugatar/perjubot/broadcast"
	"github.com/perjugatar/perjubot/chat"
	"github.com/perjugatar/perjubot/config"
	"github.com/perjugatar/perjubot/crypto"
	"github.com/perjugatar/perjubot/db"
	"github.com/perjugatar/perjubot/eventsub"
	"github.com/perjugatar/perjubot/lexicon"
	"github.com/perjugatar/perjubot/nlp"
	"github.com/perjugatar/perjubot/oauth"
	"github.com/perjugatar/perjubot/server"
	"github.com/perjugatar/perjubot/telemetry"
	"github.com/perjugatar/perjubot/twitchapi"
)

const (
	refreshInterval = 5 * time.Minute
	refreshWindow   = 15 * time.Minute
	drainTimeout    = 5 * time.Second
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.LogLevel, cfg.LogFormat))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing(context.Background(), telemetry.TracingConfig{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "perjubot",
		Version:     "1.0.0",
		SampleRatio: cfg.TraceSampling,
	})
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("bot exited with error", slog.Any("err", err))
		shutdown()
		os.Exit(1)
	}
	slog.Info("shut down cleanly")
}

// newLogger builds the default logger. Unknown levels fall back to info.
func newLogger(level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func run(ctx context.Context, cfg *config.Config) error {
	lex, err := lexicon.Load(cfg.AdviceFile, cfg.RelationsFile)
	if err != nil {
		return err
	}
	slog.Info("lexicon loaded", slog.Int("advice", len(lex.Advice())), slog.Int("relations", lex.RelationCount()), slog.String("component", "lexicon"))

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer func() {
			if err := st.db.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	}

	creds := twitchapi.Credentials{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	helix := &twitchapi.HelixClient{AppTokens: &twitchapi.TokenSource{Credentials: creds}, ClientID: cfg.TwitchClientID}
	hasApp := cfg.TwitchClientID != "" && cfg.TwitchClientSecret != ""

	managers := map[string]*oauth.Manager{}
	var auth chat.Auth = chat.StaticToken(cfg.TwitchOAuthToken)
	if cfg.Refreshing() {
		botMgr := oauth.NewManager("bot", st.forRole("bot"), creds.Refresher())
		if err := initManager(ctx, botMgr, cfg.TwitchOAuthToken); err != nil {
			return err
		}
		managers["bot"] = botMgr
		auth = chat.Managed(botMgr)
	}
	var streamerMgr *oauth.Manager
	if cfg.ChatMode == config.ModeRedemptions {
		streamerMgr = oauth.NewManager("streamer", st.forRole("streamer"), creds.Refresher())
		if err := initManager(ctx, streamerMgr, ""); err != nil {
			return err
		}
		managers["streamer"] = streamerMgr
	}

	var sessionOpts []chat.Option
	var botUserID string
	if hasApp {
		if botUserID, err = helix.GetUserID(ctx, cfg.TwitchBotUsername); err != nil {
			slog.Warn("bot user lookup failed, whispers disabled", slog.Any("err", err), slog.String("component", "chat"))
		} else {
			sessionOpts = append(sessionOpts, chat.WithWhispers(helix))
		}
	} else {
		slog.Warn("TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET not set, whispers disabled", slog.String("component", "chat"))
	}

	var routerOpts []bot.Option
	var redemptions server.RedemptionLister
	if st.db != nil {
		logStore := &db.RedemptionLog{DB: st.db}
		routerOpts = append(routerOpts, bot.WithRecorder(logStore))
		redemptions = logStore
	}

	var router *bot.Router
	session := chat.NewSession(chat.SessionConfig{
		Username:  cfg.TwitchBotUsername,
		Channels:  []string{cfg.TwitchChannel},
		BotUserID: botUserID,
		Auth:      auth,
	}, chat.HandlerFunc(func(ctx context.Context, ev bot.Event) { router.HandleEvent(ctx, ev) }), sessionOpts...)

	router = bot.NewRouter(bot.Config{
		BotLogin:        cfg.TwitchBotUsername,
		MentionTrigger:  cfg.MentionTrigger,
		BroadcastTarget: cfg.BroadcastTarget,
		RedemptionReply: cfg.RedemptionReply,
	}, session, nlp.New(cfg.NLPURL), lex, routerOpts...)

	scheduler := broadcast.New(session, cfg.BroadcastTarget, lex, broadcast.WithPeriod(cfg.BroadcastInterval))

	g, gctx := errgroup.WithContext(ctx)

	for _, m := range managers {
		g.Go(func() error {
			m.Run(gctx, refreshInterval, refreshWindow)
			return nil
		})
	}

	if cfg.HTTPEnabled() {
		deps := server.Deps{
			Mode:        cfg.ChatMode,
			Broadcast:   scheduler,
			Chat:        session,
			Lexicon:     lex,
			Replies:     router,
			Redemptions: redemptions,
			DB:          st.db,
			Tokens:      managers,
			OAuth:       oauthConfigs(cfg, creds, managers),
			Admin:       server.AdminAuth{Token: cfg.AdminToken, Username: cfg.AdminUsername, Password: cfg.AdminPassword},
		}
		g.Go(func() error { return server.Start(gctx, cfg.HTTPAddr, deps) })
	}

	g.Go(func() error {
		if m, ok := managers["bot"]; ok {
			if err := waitForToken(gctx, m); err != nil {
				return nil
			}
		}
		if cfg.BroadcastAutostart {
			scheduler.Start(gctx)
		}
		return session.Run(gctx)
	})

	if streamerMgr != nil {
		g.Go(func() error {
			if err := waitForToken(gctx, streamerMgr); err != nil {
				return nil
			}
			broadcasterID, err := helix.GetUserID(gctx, cfg.StreamerLogin)
			if err != nil {
				return fmt.Errorf("resolve streamer %q: %w", cfg.StreamerLogin, err)
			}
			listener := eventsub.New(eventsub.Config{BroadcasterID: broadcasterID, Tokens: streamerMgr}, helix, router)
			return listener.Run(gctx)
		})
	}

	err = g.Wait()
	scheduler.Stop()
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if werr := router.Wait(drainCtx); werr != nil {
		slog.Warn("pending replies dropped at shutdown", slog.Int("inflight", router.Inflight()))
	}
	return err
}

// stores opens the credential backend selected by TOKEN_STORE.
type stores struct {
	db    *sql.DB
	enc   crypto.Encryptor
	files map[string]string
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	st := &stores{
		files: map[string]string{"bot": cfg.BotTokensFile, "streamer": cfg.StreamerTokensFile},
	}
	if cfg.TokenStore != config.StorePostgres {
		return st, nil
	}
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("encryption key: %w", err)
		}
		st.enc = enc
	}
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return nil, err
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	st.db = database
	return st, nil
}

func (s *stores) forRole(role string) oauth.Store {
	if s.db != nil {
		return db.NewTokenStore(s.db, role, s.enc)
	}
	return oauth.NewFileStore(s.files[role])
}

// initManager loads the stored token, seeding it from seed when the store
// is empty. An empty store with no seed is not fatal: the token can still
// arrive through the HTTP authorization flow.
func initManager(ctx context.Context, m *oauth.Manager, seed string) error {
	err := m.Init(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, oauth.ErrNoToken) {
		return err
	}
	if seed != "" {
		return m.Seed(ctx, oauth.Token{AccessToken: strings.TrimPrefix(seed, "oauth:")})
	}
	slog.Warn("no stored token; authorize via /auth/twitch/start?role="+m.Role(), slog.String("role", m.Role()), slog.String("component", "oauth"))
	return nil
}

// waitForToken blocks until m holds a token or ctx is done.
func waitForToken(ctx context.Context, m *oauth.Manager) error {
	ready := make(chan struct{}, 1)
	m.OnRefresh(func(oauth.Token) {
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	if _, ok := m.Current(); ok {
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func oauthConfigs(cfg *config.Config, creds twitchapi.Credentials, managers map[string]*oauth.Manager) map[string]*oauth2.Config {
	if cfg.TwitchClientID == "" || cfg.TwitchRedirectURI == "" {
		return nil
	}
	scopes := map[string]string{"bot": cfg.TwitchScopes, "streamer": cfg.StreamerScopes}
	out := make(map[string]*oauth2.Config, len(managers))
	for role := range managers {
		out[role] = creds.AuthCodeConfig(cfg.TwitchRedirectURI, strings.Fields(scopes[role]))
	}
	return out
}
