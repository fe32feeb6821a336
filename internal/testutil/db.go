// Package testutil opens throwaway databases for package tests.
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/iliyamo/regimen-sync/internal/database"
)

// NewDB returns a migrated SQLite database in a temporary directory that is
// closed when the test ends.
func NewDB(t testing.TB) *sql.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.Migrate(context.Background(), db, database.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Clock is a manually advanced time source.
type Clock struct {
	T time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{T: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time { return c.T }

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.T = c.T.Add(d)
	return c.T
}
