package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileToken is the on-disk layout, compatible with the credential files
// written by twurple's RefreshingAuthProvider.
type fileToken struct {
	AccessToken         string   `json:"accessToken"`
	RefreshToken        string   `json:"refreshToken"`
	Scope               []string `json:"scope"`
	ExpiresIn           *int64   `json:"expiresIn"`
	ObtainmentTimestamp int64    `json:"obtainmentTimestamp"`
}

// FileStore persists a token as a JSON file, rewritten whole on every Save.
type FileStore struct {
	path string
	now  func() time.Time

	mu sync.Mutex // serializes Save
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Path returns the backing file path.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load(_ context.Context) (*Token, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoToken
		}
		return nil, err
	}
	var ft fileToken
	if err := json.Unmarshal(b, &ft); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	if ft.AccessToken == "" && ft.RefreshToken == "" {
		return nil, ErrNoToken
	}
	tok := &Token{AccessToken: ft.AccessToken, RefreshToken: ft.RefreshToken, Scope: ft.Scope}
	if ft.ExpiresIn != nil && ft.ObtainmentTimestamp > 0 {
		tok.Expiry = time.UnixMilli(ft.ObtainmentTimestamp).Add(time.Duration(*ft.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func (f *FileStore) Save(_ context.Context, tok *Token) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("invalid token")
	}
	now := f.now()
	ft := fileToken{
		AccessToken:         tok.AccessToken,
		RefreshToken:        tok.RefreshToken,
		Scope:               tok.Scope,
		ObtainmentTimestamp: now.UnixMilli(),
	}
	if ft.Scope == nil {
		ft.Scope = []string{}
	}
	if !tok.Expiry.IsZero() {
		secs := int64(tok.Expiry.Sub(now).Seconds())
		if secs < 0 {
			secs = 0
		}
		ft.ExpiresIn = &secs
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(ft, "", "  ")
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }() // no-op after a successful rename
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
