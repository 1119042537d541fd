// Package testutil provides shared test helpers: migrated throwaway
// databases and a mock Twitch Helix server.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/chat-relay/db"
)

// SetupTestDB creates a migrated throwaway SQLite database in a temp
// directory. Always runnable; no external services required.
func SetupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.RunMigrations(database); err != nil {
		_ = database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	return database
}

// SetupPostgresTestDB creates a migrated connection to a real Postgres
// instance. It skips the test if TEST_PG_DSN is not set, so engine-parity
// tests only run where the service is available.
func SetupPostgresTestDB(t *testing.T) *db.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.RunMigrations(database); err != nil {
		_ = database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	return database
}
