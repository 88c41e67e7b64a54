// Package tokens owns OAuth credential records: loading and saving them through
// the database, deciding validity, refreshing them through platform-specific
// refresh functions, and tracking per-integration token state for the startup
// sequencer and lifecycle manager.
package tokens

import (
	"context"
	"database/sql"
	"time"

	"github.com/kremstream/overlayd/db"
)

// Record is a stored OAuth credential set for one platform.
type Record = db.Credential

// expiryMargin is subtracted from the nominal lifetime so tokens are treated as
// expired slightly before the platform would reject them.
const expiryMargin = time.Minute

// ExpiresAt returns the effective expiry instant of a record.
func ExpiresAt(r *Record) time.Time {
	return r.ObtainedAt.Add(time.Duration(r.ExpiresIn)*time.Second - expiryMargin)
}

// Valid reports whether the record is still usable at the given instant. Once
// false for a record it stays false; only a refreshed or newly authorized
// record can be valid again.
func Valid(r *Record, now time.Time) bool {
	if r == nil || r.AccessToken == "" {
		return false
	}
	return now.Before(ExpiresAt(r))
}

// CanRefresh reports whether an expired record can be refreshed without user
// interaction.
func CanRefresh(r *Record) bool {
	return r != nil && r.RefreshToken != ""
}

// RefreshFunc performs a platform-specific refresh grant and returns the new
// record. Implementations must not persist anything; the Store does.
type RefreshFunc func(ctx context.Context, r Record) (*Record, error)

// Store persists credential records keyed by platform name.
type Store struct {
	DB *sql.DB
}

// Load returns the stored record for a platform, or (nil, nil) when missing.
func (s *Store) Load(ctx context.Context, platform string) (*Record, error) {
	return db.GetCredential(ctx, s.DB, platform)
}

// Save persists a record, replacing any previous one for the same platform.
func (s *Store) Save(ctx context.Context, r *Record) error {
	return db.UpsertCredential(ctx, s.DB, *r)
}

// Refresh exchanges the record's refresh token for a fresh one and persists the
// result. When the platform omits a new refresh token the old one is carried
// over. Any failure (network, non-2xx, empty access token) returns (nil, nil):
// the caller treats the integration as needing re-authorization; nothing is
// fatal here.
func (s *Store) Refresh(ctx context.Context, r *Record, fn RefreshFunc) (*Record, error) {
	if !CanRefresh(r) {
		return nil, nil
	}
	fresh, err := fn(ctx, *r)
	if err != nil || fresh == nil || fresh.AccessToken == "" {
		return nil, nil
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = r.RefreshToken
	}
	if fresh.Provider == "" {
		fresh.Provider = r.Provider
	}
	if fresh.ObtainedAt.IsZero() {
		fresh.ObtainedAt = time.Now()
	}
	if err := s.Save(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}
