package tokens

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kremstream/overlayd/testutil"
)

func TestValid(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		rec  *Record
		want bool
	}{
		{
			name: "nil record",
			rec:  nil,
			want: false,
		},
		{
			name: "empty access token",
			rec:  &Record{ExpiresIn: 3600, ObtainedAt: now},
			want: false,
		},
		{
			name: "fresh token",
			rec:  &Record{AccessToken: "tok", ExpiresIn: 3600, ObtainedAt: now},
			want: true,
		},
		{
			name: "expired token",
			rec:  &Record{AccessToken: "tok", ExpiresIn: 3600, ObtainedAt: now.Add(-2 * time.Hour)},
			want: false,
		},
		{
			name: "inside the expiry margin",
			rec:  &Record{AccessToken: "tok", ExpiresIn: 3600, ObtainedAt: now.Add(-3599 * time.Second)},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Valid(tt.rec, now); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidIsMonotonic(t *testing.T) {
	rec := &Record{AccessToken: "tok", ExpiresIn: 3600, ObtainedAt: time.Now()}
	expiredAt := time.Time{}
	for offset := time.Duration(0); offset < 2*time.Hour; offset += 10 * time.Minute {
		now := rec.ObtainedAt.Add(offset)
		if Valid(rec, now) {
			if !expiredAt.IsZero() {
				t.Fatalf("record became valid again at %v after expiring at %v", now, expiredAt)
			}
		} else if expiredAt.IsZero() {
			expiredAt = now
		}
	}
	if expiredAt.IsZero() {
		t.Fatal("record never expired")
	}
}

func TestCanRefresh(t *testing.T) {
	if CanRefresh(nil) {
		t.Error("CanRefresh(nil) = true, want false")
	}
	if CanRefresh(&Record{AccessToken: "tok"}) {
		t.Error("CanRefresh without refresh token = true, want false")
	}
	if !CanRefresh(&Record{RefreshToken: "ref"}) {
		t.Error("CanRefresh with refresh token = false, want true")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := &Store{DB: database}
	ctx := context.Background()

	const provider = "twitch-roundtrip"
	if _, err := database.Exec(`DELETE FROM oauth_tokens WHERE provider=$1`, provider); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	got, err := store.Load(ctx, provider)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != nil {
		t.Fatalf("Load() before save = %+v, want nil", got)
	}

	rec := &Record{
		Provider:     provider,
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresIn:    3600,
		ObtainedAt:   time.Now().Truncate(time.Second),
		Scope:        "chat:read",
	}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err = store.Load(ctx, provider)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got == nil || got.AccessToken != "access-1" || got.RefreshToken != "refresh-1" {
		t.Errorf("Load() = %+v, want saved record", got)
	}
}

func TestRefreshCarriesOverRefreshToken(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := &Store{DB: database}
	ctx := context.Background()

	const provider = "twitch-carryover"
	old := &Record{
		Provider:     provider,
		AccessToken:  "old-access",
		RefreshToken: "original-refresh",
		ExpiresIn:    60,
		ObtainedAt:   time.Now().Add(-time.Hour),
	}
	if err := store.Save(ctx, old); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Platform omits the refresh token in its response.
	fn := func(ctx context.Context, r Record) (*Record, error) {
		if r.RefreshToken != "original-refresh" {
			t.Errorf("refresh called with token %q, want original-refresh", r.RefreshToken)
		}
		return &Record{AccessToken: "new-access", ExpiresIn: 3600}, nil
	}

	fresh, err := store.Refresh(ctx, old, fn)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if fresh == nil {
		t.Fatal("Refresh() = nil, want refreshed record")
	}
	if fresh.RefreshToken != "original-refresh" {
		t.Errorf("RefreshToken = %q, want carried-over original-refresh", fresh.RefreshToken)
	}
	if fresh.Provider != provider {
		t.Errorf("Provider = %q, want %s", fresh.Provider, provider)
	}

	stored, err := store.Load(ctx, provider)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if stored.AccessToken != "new-access" || stored.RefreshToken != "original-refresh" {
		t.Errorf("stored record = %+v, want refreshed with carried-over token", stored)
	}
}

func TestConcurrentRefreshesAreIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := &Store{DB: database}
	ctx := context.Background()

	const provider = "twitch-concurrent"
	old := &Record{
		Provider:     provider,
		AccessToken:  "old-access",
		RefreshToken: "refresh",
		ExpiresIn:    60,
		ObtainedAt:   time.Now().Add(-time.Hour),
	}
	if err := store.Save(ctx, old); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	fn := func(ctx context.Context, r Record) (*Record, error) {
		return &Record{AccessToken: "new-access", ExpiresIn: 3600}, nil
	}

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh, err := store.Refresh(ctx, old, fn)
			if err == nil && fresh == nil {
				err = errors.New("refresh degraded unexpectedly")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Refresh() error = %v", err)
		}
	}

	// Single-row upserts: readers never observe a torn record.
	stored, err := store.Load(ctx, provider)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if stored.AccessToken != "new-access" || stored.RefreshToken != "refresh" {
		t.Errorf("stored record = %+v, want new-access with the carried-over refresh token", stored)
	}
}

func TestRefreshFailureDegradesToNeedsAuth(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := &Store{DB: database}
	ctx := context.Background()

	const provider = "twitch-degrade"
	old := &Record{
		Provider:     provider,
		AccessToken:  "old-access",
		RefreshToken: "refresh",
		ExpiresIn:    60,
		ObtainedAt:   time.Now().Add(-time.Hour),
	}
	if err := store.Save(ctx, old); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	fn := func(ctx context.Context, r Record) (*Record, error) {
		return nil, errors.New("grant revoked")
	}

	fresh, err := store.Refresh(ctx, old, fn)
	if err != nil {
		t.Fatalf("Refresh() error = %v, want nil (degrade, not fail)", err)
	}
	if fresh != nil {
		t.Errorf("Refresh() = %+v, want nil needs-reauth", fresh)
	}

	// The old record must be untouched.
	stored, err := store.Load(ctx, provider)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if stored.AccessToken != "old-access" {
		t.Errorf("stored access token = %q, want old-access untouched", stored.AccessToken)
	}
}
