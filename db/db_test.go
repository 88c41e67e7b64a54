package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/kremstream/overlayd/db"
	"github.com/kremstream/overlayd/testutil"
)

func TestProfileCache(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()

	const platform, userID = "twitch", "user-cache-test"
	if _, err := database.Exec(`DELETE FROM profile_cache WHERE platform=$1 AND user_id=$2`, platform, userID); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	pic, ok, err := db.GetProfilePic(ctx, database, platform, userID, time.Hour)
	if err != nil {
		t.Fatalf("GetProfilePic() error = %v", err)
	}
	if ok || pic != "" {
		t.Fatalf("GetProfilePic() before put = %q, %v, want miss", pic, ok)
	}

	if err := db.PutProfilePic(ctx, database, platform, userID, "https://cdn.example/pic.png"); err != nil {
		t.Fatalf("PutProfilePic() error = %v", err)
	}

	pic, ok, err = db.GetProfilePic(ctx, database, platform, userID, time.Hour)
	if err != nil {
		t.Fatalf("GetProfilePic() error = %v", err)
	}
	if !ok || pic != "https://cdn.example/pic.png" {
		t.Errorf("GetProfilePic() = %q, %v, want cached url", pic, ok)
	}

	// An entry older than the ttl is a miss.
	if _, ok, err := db.GetProfilePic(ctx, database, platform, userID, 0); err != nil || ok {
		t.Errorf("GetProfilePic() with zero ttl = %v, %v, want expired miss", ok, err)
	}
}

func TestProfileCacheRefresh(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()

	const platform, userID = "twitch", "user-refresh-test"
	if err := db.PutProfilePic(ctx, database, platform, userID, "old"); err != nil {
		t.Fatalf("PutProfilePic() error = %v", err)
	}
	if err := db.PutProfilePic(ctx, database, platform, userID, "new"); err != nil {
		t.Fatalf("PutProfilePic() refresh error = %v", err)
	}

	pic, ok, err := db.GetProfilePic(ctx, database, platform, userID, time.Hour)
	if err != nil || !ok {
		t.Fatalf("GetProfilePic() = %v, %v", ok, err)
	}
	if pic != "new" {
		t.Errorf("GetProfilePic() = %q, want the refreshed url", pic)
	}
}

func TestKV(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()

	const key = "kv-test"
	if _, err := database.Exec(`DELETE FROM kv WHERE key=$1`, key); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	v, err := db.GetKV(ctx, database, key, "fallback")
	if err != nil {
		t.Fatalf("GetKV() error = %v", err)
	}
	if v != "fallback" {
		t.Errorf("GetKV() before set = %q, want the default", v)
	}

	if err := db.SetKV(ctx, database, key, "4800"); err != nil {
		t.Fatalf("SetKV() error = %v", err)
	}
	if err := db.SetKV(ctx, database, key, "4900"); err != nil {
		t.Fatalf("SetKV() overwrite error = %v", err)
	}

	v, err = db.GetKV(ctx, database, key, "fallback")
	if err != nil {
		t.Fatalf("GetKV() error = %v", err)
	}
	if v != "4900" {
		t.Errorf("GetKV() = %q, want 4900", v)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	// SetupTestDB already migrated once; a second run must not fail.
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}
