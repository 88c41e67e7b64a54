// Package testutil provides shared test fixtures. DB tests run against the
// database named by TEST_PG_DSN and share it: each test owns its rows by
// using unique provider names or cache keys rather than truncating tables.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kremstream/overlayd/db"
)

// SetupTestDB opens the TEST_PG_DSN database, verifies it is reachable, and
// runs migrations. Tests without a configured database are skipped.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	// Fail fast on an unreachable server instead of timing out per-query.
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		database.Close()
		t.Fatalf("database unreachable: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
