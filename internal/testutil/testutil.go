// Package testutil provides helpers for integration tests that need a real
// PostgreSQL database, plus in-memory store fakes for service-level tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lumenlab/optiq/internal/migrate"
)

// TestingTB is the subset of testing.TB these helpers need.
type TestingTB interface {
	Helper()
	Fatalf(format string, args ...any)
	Skipf(format string, args ...any)
	Cleanup(func())
}

// TestDBConfig holds connection settings for the test database.
type TestDBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// DSN builds a PostgreSQL connection string from the config.
func (c TestDBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// DefaultTestDBConfig reads TEST_DB_* env variables, falling back to values
// that match the docker-compose test stack.
func DefaultTestDBConfig() TestDBConfig {
	return TestDBConfig{
		Host:     envOr("TEST_DB_HOST", "localhost"),
		Port:     envOr("TEST_DB_PORT", "5432"),
		User:     envOr("TEST_DB_USER", "optiq"),
		Password: envOr("TEST_DB_PASSWORD", "optiq"),
		Database: envOr("TEST_DB_NAME", "optiq_test"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SkipIfNoTestDB skips the test unless TEST_DB_HOST is set, so unit-only CI
// lanes do not fail on missing infrastructure.
func SkipIfNoTestDB(t TestingTB) {
	t.Helper()
	if os.Getenv("TEST_DB_HOST") == "" {
		t.Skipf("TEST_DB_HOST not set; skipping database integration test")
	}
}

// SetupTestDB opens a connection to the test database and applies migrations.
func SetupTestDB(ctx context.Context, t TestingTB) *sql.DB {
	t.Helper()

	cfg := DefaultTestDBConfig()
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		t.Fatalf("ping test database: %v", err)
	}

	if err := migrate.Run(ctx, db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	return db
}

// CleanupTestDB removes all rows from every table the tests touch. Deletion
// order respects foreign keys.
func CleanupTestDB(ctx context.Context, t TestingTB, db *sql.DB) {
	t.Helper()

	for _, table := range []string{"jobs", "runs", "workers", "prompts", "models"} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clean table %s: %v", table, err)
		}
	}
}

// WithTestDB sets up a migrated test database, runs fn, and cleans up after.
func WithTestDB(ctx context.Context, t TestingTB, fn func(db *sql.DB)) {
	t.Helper()

	SkipIfNoTestDB(t)
	db := SetupTestDB(ctx, t)
	t.Cleanup(func() {
		CleanupTestDB(context.Background(), t, db)
		_ = db.Close()
	})

	CleanupTestDB(ctx, t, db)
	fn(db)
}
