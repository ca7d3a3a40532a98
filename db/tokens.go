package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/perjugatar/perjubot/crypto"
	"github.com/perjugatar/perjubot/oauth"
)

// TokenStore keeps one role's token in oauth_tokens under provider
// "twitch_<role>". With a nil Enc tokens are stored in plaintext
// (encryption_version 0).
type TokenStore struct {
	DB   *sql.DB
	Role string
	Enc  crypto.Encryptor
}

// NewTokenStore returns a store for role.
func NewTokenStore(database *sql.DB, role string, enc crypto.Encryptor) *TokenStore {
	if enc == nil {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)",
			slog.String("role", role), slog.String("component", "db_encryption"))
	}
	return &TokenStore{DB: database, Role: role, Enc: enc}
}

func (s *TokenStore) provider() string { return "twitch_" + s.Role }

// Save upserts tok.
func (s *TokenStore) Save(ctx context.Context, tok *oauth.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("invalid token")
	}
	access, refresh := tok.AccessToken, tok.RefreshToken
	version, keyID := crypto.VersionPlaintext, sql.NullString{}
	if s.Enc != nil {
		var err error
		if access, err = crypto.EncryptString(s.Enc, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.EncryptString(s.Enc, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		version, keyID = crypto.VersionAESGCM, sql.NullString{String: "default", Valid: true}
	}
	var expires sql.NullTime
	if !tok.Expiry.IsZero() {
		expires = sql.NullTime{Time: tok.Expiry, Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT(provider) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			expires_at=EXCLUDED.expires_at,
			scope=EXCLUDED.scope,
			encryption_version=EXCLUDED.encryption_version,
			encryption_key_id=EXCLUDED.encryption_key_id,
			updated_at=NOW()`,
		s.provider(), access, refresh, expires, strings.Join(tok.Scope, " "), version, keyID)
	return err
}

// Load returns oauth.ErrNoToken when the row is missing.
func (s *TokenStore) Load(ctx context.Context) (*oauth.Token, error) {
	var (
		access, refresh, scope string
		expires                sql.NullTime
		version                int
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0)
		 FROM oauth_tokens WHERE provider = $1`, s.provider()).
		Scan(&access, &refresh, &expires, &scope, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrNoToken
	}
	if err != nil {
		return nil, err
	}
	if version == crypto.VersionAESGCM {
		if s.Enc == nil {
			return nil, fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if access, err = crypto.DecryptString(s.Enc, access); err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		if refresh, err = crypto.DecryptString(s.Enc, refresh); err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	tok := &oauth.Token{AccessToken: access, RefreshToken: refresh, Scope: strings.Fields(scope)}
	if expires.Valid {
		tok.Expiry = expires.Time
	}
	return tok, nil
}

// UpdatedAt reports when the role's row was last written.
func (s *TokenStore) UpdatedAt(ctx context.Context) (time.Time, error) {
	var ts time.Time
	err := s.DB.QueryRowContext(ctx, `SELECT updated_at FROM oauth_tokens WHERE provider = $1`, s.provider()).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, oauth.ErrNoToken
	}
	return ts, err
}
