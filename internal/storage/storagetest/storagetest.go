// Package storagetest opens throwaway SQLite databases for package tests.
package storagetest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/warden/internal/storage"
)

// Open returns a bootstrapped database in t.TempDir, closed on cleanup.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Clock is a settable time source for WithNow options.
type Clock struct {
	t time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{t: t.UTC()} }

func (c *Clock) Now() time.Time { return c.t }

func (c *Clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func (c *Clock) Set(t time.Time) { c.t = t.UTC() }
