// Package db provides the Postgres connection, schema migration, channel
// configuration storage and the broadcaster token store.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/clipcast/channels"
	"github.com/onnwee/clipcast/crypto"
)

// ErrNoToken is returned when no user token is stored for a channel.
var ErrNoToken = errors.New("no stored user token")

// userProviderPrefix namespaces per-channel broadcaster tokens in oauth_tokens.
const userProviderPrefix = "twitch_user:"

// Connect opens a pgx-backed *sql.DB for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	dbx.SetMaxOpenConns(10)
	dbx.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(pingCtx); err != nil {
		_ = dbx.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return dbx, nil
}

// Store is the Postgres-backed storage of the service. A nil sealer stores tokens in plaintext.
type Store struct {
	DB     *sql.DB
	sealer crypto.Sealer
}

func NewStore(dbx *sql.DB, sealer crypto.Sealer) *Store {
	if sealer == nil {
		slog.Warn("ENCRYPTION_KEY not set, user tokens will be stored in plaintext", slog.String("component", "db_encryption"))
	}
	return &Store{DB: dbx, sealer: sealer}
}

// UserToken is a broadcaster's OAuth token, used to create clips on their channel.
type UserToken struct {
	Channel      string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

func provider(channel string) string {
	return userProviderPrefix + strings.ToLower(strings.TrimPrefix(channel, "#"))
}

// UpsertUserToken stores or replaces a channel's token. encryption_version=1
// marks sealed rows, 0 plaintext ones.
func (s *Store) UpsertUserToken(ctx context.Context, tok UserToken) error {
	p := provider(tok.Channel)
	access, refresh := tok.AccessToken, tok.RefreshToken
	encVersion, keyID := 0, ""
	if s.sealer != nil {
		var err error
		if access, err = crypto.SealString(s.sealer, tok.AccessToken, p); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.SealString(s.sealer, tok.RefreshToken, p); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		encVersion, keyID = 1, s.sealer.KeyID()
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
		p, access, refresh, tok.Expiry, tok.Scope, encVersion, keyID)
	return err
}

// GetUserToken returns the stored token of channel, or ErrNoToken.
func (s *Store) GetUserToken(ctx context.Context, channel string) (UserToken, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT provider, COALESCE(access_token,''), COALESCE(refresh_token,''), COALESCE(expires_at, 'epoch'::timestamptz), COALESCE(scope,''), encryption_version
		FROM oauth_tokens WHERE provider = $1`, provider(channel))
	tok, err := s.scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UserToken{}, fmt.Errorf("%s: %w", channel, ErrNoToken)
	}
	return tok, err
}

// ListUserTokens returns every stored broadcaster token.
func (s *Store) ListUserTokens(ctx context.Context) ([]UserToken, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT provider, COALESCE(access_token,''), COALESCE(refresh_token,''), COALESCE(expires_at, 'epoch'::timestamptz), COALESCE(scope,''), encryption_version
		FROM oauth_tokens WHERE provider LIKE $1 ORDER BY provider`, userProviderPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []UserToken
	for rows.Next() {
		tok, err := s.scanToken(rows)
		if err != nil {
			slog.Warn("skipping unreadable user token", slog.Any("err", err), slog.String("component", "db_encryption"))
			continue
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func (s *Store) scanToken(row scanner) (UserToken, error) {
	var (
		p          string
		tok        UserToken
		encVersion int
	)
	if err := row.Scan(&p, &tok.AccessToken, &tok.RefreshToken, &tok.Expiry, &tok.Scope, &encVersion); err != nil {
		return UserToken{}, err
	}
	tok.Channel = strings.TrimPrefix(p, userProviderPrefix)
	if encVersion == 1 {
		if s.sealer == nil {
			return UserToken{}, fmt.Errorf("token for %s is encrypted but ENCRYPTION_KEY not configured", tok.Channel)
		}
		var err error
		if tok.AccessToken, err = crypto.OpenString(s.sealer, tok.AccessToken, p); err != nil {
			return UserToken{}, fmt.Errorf("decrypt access token: %w", err)
		}
		if tok.RefreshToken, err = crypto.OpenString(s.sealer, tok.RefreshToken, p); err != nil {
			return UserToken{}, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return tok, nil
}

// UserToken returns the access token used by !clip for channel.
func (s *Store) UserToken(ctx context.Context, channel string) (string, error) {
	tok, err := s.GetUserToken(ctx, channel)
	if err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%s: %w", channel, ErrNoToken)
	}
	return tok.AccessToken, nil
}

// ChannelConfigs implements channels.Store on the channel_configs table.
type ChannelConfigs struct{ DB *sql.DB }

func (c *ChannelConfigs) LoadAll(ctx context.Context) (map[string]channels.Config, error) {
	rows, err := c.DB.QueryContext(ctx, `SELECT channel, allowed_commands FROM channel_configs`)
	if err != nil {
		return nil, fmt.Errorf("load channel configs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := map[string]channels.Config{}
	for rows.Next() {
		var (
			channel string
			raw     []byte
		)
		if err := rows.Scan(&channel, &raw); err != nil {
			return nil, err
		}
		var cfg channels.Config
		if err := json.Unmarshal(raw, &cfg.AllowedCommands); err != nil {
			slog.Warn("bad channel config row, using defaults", slog.String("channel", channel), slog.Any("err", err))
		}
		out[channel] = cfg
	}
	return out, rows.Err()
}

func (c *ChannelConfigs) Save(ctx context.Context, channel string, cfg channels.Config) error {
	raw, err := json.Marshal(cfg.AllowedCommands)
	if err != nil {
		return err
	}
	_, err = c.DB.ExecContext(ctx, `INSERT INTO channel_configs(channel, allowed_commands, updated_at)
		VALUES($1, $2::jsonb, NOW())
		ON CONFLICT(channel) DO UPDATE SET allowed_commands=EXCLUDED.allowed_commands, updated_at=NOW()`,
		strings.ToLower(channel), string(raw))
	return err
}
