// Command import-tokens copies the bot and streamer credential files into
// the Postgres oauth_tokens table, encrypting them when ENCRYPTION_KEY is set.
//
// Usage:
//
//	import-tokens [--dry-run] [--role bot|streamer]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (optional)
//	BOT_TOKENS_FILE, STREAMER_TOKENS_FILE: credential files (defaults bottokens.json, streamertokens.json)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/perjugatar/perjubot/config"
	"github.com/perjugatar/perjubot/crypto"
	"github.com/perjugatar/perjubot/db"
	"github.com/perjugatar/perjubot/oauth"
)

// source is one credential file and the role it belongs to.
type source struct {
	Role string
	Path string
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be imported without writing")
	role := flag.String("role", "", "Import a single role (bot or streamer); default both")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.DBDsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}

	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		aes, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("failed to initialize encryptor", slog.Any("error", err))
			os.Exit(1)
		}
		enc = aes
	}

	ctx := context.Background()
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()
	if err := db.RunMigrations(database); err != nil {
		slog.Error("failed to run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	sources, err := selectSources(cfg, *role)
	if err != nil {
		slog.Error("invalid flags", slog.Any("error", err))
		os.Exit(2)
	}
	n, err := importTokens(ctx, sources, func(role string) oauth.Store {
		return db.NewTokenStore(database, role, enc)
	}, *dryRun)
	if err != nil {
		slog.Error("import failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("import completed", slog.Int("imported", n), slog.Bool("dry_run", *dryRun), slog.Bool("encrypted", enc != nil))
}

func selectSources(cfg *config.Config, role string) ([]source, error) {
	all := []source{
		{Role: "bot", Path: cfg.BotTokensFile},
		{Role: "streamer", Path: cfg.StreamerTokensFile},
	}
	if role == "" {
		return all, nil
	}
	for _, s := range all {
		if s.Role == role {
			return []source{s}, nil
		}
	}
	return nil, fmt.Errorf("unknown role %q", role)
}

// importTokens copies every source with a stored token into the store built
// for its role. Missing or empty files are skipped. It returns how many
// tokens were (or, with dryRun, would be) written.
func importTokens(ctx context.Context, sources []source, storeFor func(role string) oauth.Store, dryRun bool) (int, error) {
	imported, failed := 0, 0
	for _, src := range sources {
		logger := slog.With(slog.String("role", src.Role), slog.String("file", src.Path))
		tok, err := oauth.NewFileStore(src.Path).Load(ctx)
		if errors.Is(err, oauth.ErrNoToken) {
			logger.Info("no token in file, skipping")
			continue
		}
		if err != nil {
			logger.Error("failed to read credential file", slog.Any("error", err))
			failed++
			continue
		}
		if dryRun {
			logger.Info("would import token (dry-run)", slog.Bool("has_refresh", tok.RefreshToken != ""), slog.Time("expiry", tok.Expiry))
			imported++
			continue
		}
		if err := storeFor(src.Role).Save(ctx, tok); err != nil {
			logger.Error("failed to store token", slog.Any("error", err))
			failed++
			continue
		}
		logger.Info("imported token")
		imported++
	}
	if failed > 0 {
		return imported, fmt.Errorf("import completed with %d errors", failed)
	}
	return imported, nil
}
