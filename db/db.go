// Package db provides the Postgres connection, idempotent schema migration, and
// data access helpers for credential records, the profile-picture cache, and the
// small kv table used for overlay state (e.g. MMR).
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/kremstream/overlayd/crypto"
)

var (
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	encryptorErr  error
)

// initEncryptor initializes token encryption from ENCRYPTION_KEY. When unset,
// tokens are stored in plaintext (encryption_version = 0).
func initEncryptor() {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, credentials will be stored in plaintext", slog.String("component", "db"))
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			encryptorErr = fmt.Errorf("init encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("err", encryptorErr), slog.String("component", "db"))
			return
		}
		encryptor = enc
		slog.Info("credential encryption enabled (AES-256-GCM)", slog.String("component", "db"))
	})
}

func getEncryptor() (crypto.Encryptor, error) {
	initEncryptor()
	if encryptorErr != nil {
		return nil, encryptorErr
	}
	return encryptor, nil
}

// Connect opens a Postgres connection using dsn.
func Connect(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_in INTEGER DEFAULT 0,
			obtained_at TIMESTAMPTZ,
			scope TEXT,
			encryption_version INTEGER DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS profile_cache (
			platform TEXT NOT NULL,
			user_id TEXT NOT NULL,
			profile_pic TEXT,
			cached_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (platform, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_profile_cache_cached_at ON profile_cache(cached_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// Credential is a stored OAuth credential record for one platform.
type Credential struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	ObtainedAt   time.Time
	Scope        string
}

// UpsertCredential stores or replaces the credential record for a provider.
// Tokens are encrypted when ENCRYPTION_KEY is configured. The write is a single
// row upsert, so concurrent readers never observe a torn record.
func UpsertCredential(ctx context.Context, dbx *sql.DB, c Credential) error {
	enc, err := getEncryptor()
	if err != nil {
		return err
	}
	encVersion := 0
	access, refresh := c.AccessToken, c.RefreshToken
	if enc != nil {
		encVersion = 1
		if access, err = crypto.EncryptString(enc, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.EncryptString(enc, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	_, err = dbx.ExecContext(ctx, `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_in, obtained_at, scope, encryption_version, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT(provider) DO UPDATE SET
		  access_token=EXCLUDED.access_token,
		  refresh_token=EXCLUDED.refresh_token,
		  expires_in=EXCLUDED.expires_in,
		  obtained_at=EXCLUDED.obtained_at,
		  scope=EXCLUDED.scope,
		  encryption_version=EXCLUDED.encryption_version,
		  updated_at=NOW()`,
		c.Provider, access, refresh, c.ExpiresIn, c.ObtainedAt, c.Scope, encVersion)
	return err
}

// GetCredential retrieves the credential record for a provider, decrypting
// tokens when necessary. Returns (nil, nil) when no record exists.
func GetCredential(ctx context.Context, dbx *sql.DB, provider string) (*Credential, error) {
	var c Credential
	var encVersion int
	row := dbx.QueryRowContext(ctx,
		`SELECT provider, access_token, refresh_token, expires_in, obtained_at, scope, COALESCE(encryption_version, 0)
		 FROM oauth_tokens WHERE provider = $1`, provider)
	err := row.Scan(&c.Provider, &c.AccessToken, &c.RefreshToken, &c.ExpiresIn, &c.ObtainedAt, &c.Scope, &encVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if encVersion == 1 {
		enc, encErr := getEncryptor()
		if encErr != nil {
			return nil, encErr
		}
		if enc == nil {
			return nil, fmt.Errorf("credential for %s is encrypted but ENCRYPTION_KEY not configured", provider)
		}
		if c.AccessToken, err = crypto.DecryptString(enc, c.AccessToken); err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		if c.RefreshToken, err = crypto.DecryptString(enc, c.RefreshToken); err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return &c, nil
}

// GetProfilePic returns the cached profile picture URL for a platform user and
// whether the entry exists and is younger than ttl.
func GetProfilePic(ctx context.Context, dbx *sql.DB, platform, userID string, ttl time.Duration) (string, bool, error) {
	var pic string
	var cachedAt time.Time
	row := dbx.QueryRowContext(ctx,
		`SELECT profile_pic, cached_at FROM profile_cache WHERE platform=$1 AND user_id=$2`, platform, userID)
	err := row.Scan(&pic, &cachedAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if time.Since(cachedAt) >= ttl {
		return "", false, nil
	}
	return pic, true, nil
}

// PutProfilePic stores or refreshes a profile picture cache entry.
func PutProfilePic(ctx context.Context, dbx *sql.DB, platform, userID, pic string) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO profile_cache(platform, user_id, profile_pic, cached_at)
		VALUES($1,$2,$3,NOW())
		ON CONFLICT(platform, user_id) DO UPDATE SET profile_pic=EXCLUDED.profile_pic, cached_at=NOW()`,
		platform, userID, pic)
	return err
}

// GetKV returns the value for key, or def when absent.
func GetKV(ctx context.Context, dbx *sql.DB, key, def string) (string, error) {
	var v string
	err := dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return v, nil
}

// SetKV stores a key/value pair.
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}
