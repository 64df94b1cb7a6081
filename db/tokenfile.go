package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/clipcast/crypto"
)

// FileTokens keeps broadcaster tokens in a JSON file for deployments without
// Postgres. With a sealer the token strings are encrypted the same way as the
// oauth_tokens rows, keyed by provider name.
type FileTokens struct {
	Path   string
	sealer crypto.Sealer
	mu     sync.Mutex
}

type fileToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expires_at"`
	Scope        string    `json:"scope"`
	Encrypted    bool      `json:"encrypted,omitempty"`
	KeyID        string    `json:"key_id,omitempty"`
}

// NewFileTokens returns a store on path. sealer may be nil to store plaintext.
func NewFileTokens(path string, sealer crypto.Sealer) *FileTokens {
	return &FileTokens{Path: path, sealer: sealer}
}

func (f *FileTokens) read() (map[string]fileToken, error) {
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(b) == 0) {
		return map[string]fileToken{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	out := map[string]fileToken{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	return out, nil
}

func (f *FileTokens) write(all map[string]fileToken) error {
	b, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".tokens-*.json")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

// UpsertUserToken stores or replaces a channel's token.
func (f *FileTokens) UpsertUserToken(_ context.Context, tok UserToken) error {
	p := provider(tok.Channel)
	rec := fileToken{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry, Scope: tok.Scope}
	if f.sealer != nil {
		var err error
		if rec.AccessToken, err = crypto.SealString(f.sealer, tok.AccessToken, p); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if rec.RefreshToken, err = crypto.SealString(f.sealer, tok.RefreshToken, p); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		rec.Encrypted, rec.KeyID = true, f.sealer.KeyID()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.read()
	if err != nil {
		return err
	}
	all[p] = rec
	return f.write(all)
}

func (f *FileTokens) open(p string, rec fileToken) (UserToken, error) {
	tok := UserToken{
		Channel:      strings.TrimPrefix(p, userProviderPrefix),
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		Expiry:       rec.Expiry,
		Scope:        rec.Scope,
	}
	if !rec.Encrypted {
		return tok, nil
	}
	if f.sealer == nil {
		return UserToken{}, fmt.Errorf("token for %s is encrypted but ENCRYPTION_KEY not configured", tok.Channel)
	}
	var err error
	if tok.AccessToken, err = crypto.OpenString(f.sealer, rec.AccessToken, p); err != nil {
		return UserToken{}, fmt.Errorf("decrypt access token: %w", err)
	}
	if tok.RefreshToken, err = crypto.OpenString(f.sealer, rec.RefreshToken, p); err != nil {
		return UserToken{}, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return tok, nil
}

// GetUserToken returns the stored token of channel, or ErrNoToken.
func (f *FileTokens) GetUserToken(_ context.Context, channel string) (UserToken, error) {
	f.mu.Lock()
	all, err := f.read()
	f.mu.Unlock()
	if err != nil {
		return UserToken{}, err
	}
	p := provider(channel)
	rec, ok := all[p]
	if !ok {
		return UserToken{}, fmt.Errorf("%s: %w", channel, ErrNoToken)
	}
	return f.open(p, rec)
}

// ListUserTokens returns every readable token sorted by channel.
func (f *FileTokens) ListUserTokens(_ context.Context) ([]UserToken, error) {
	f.mu.Lock()
	all, err := f.read()
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for p := range all {
		if strings.HasPrefix(p, userProviderPrefix) {
			keys = append(keys, p)
		}
	}
	sort.Strings(keys)
	out := make([]UserToken, 0, len(keys))
	for _, p := range keys {
		tok, err := f.open(p, all[p])
		if err != nil {
			slog.Warn("skipping unreadable user token", slog.Any("err", err), slog.String("component", "token_file"))
			continue
		}
		out = append(out, tok)
	}
	return out, nil
}

// UserToken returns the access token used by !clip for channel.
func (f *FileTokens) UserToken(ctx context.Context, channel string) (string, error) {
	tok, err := f.GetUserToken(ctx, channel)
	if err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%s: %w", channel, ErrNoToken)
	}
	return tok.AccessToken, nil
}
