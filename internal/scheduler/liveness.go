package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/storage"
)

// LoopStatus summarizes the freshest tick of a loop across all instances.
type LoopStatus struct {
	Name       string     `json:"name"`
	LastTickAt *time.Time `json:"last_tick_at,omitempty"`
	LastError  *string    `json:"last_error,omitempty"`
	Instances  int        `json:"instances"`
}

// Age is how long ago the loop last ticked; ok is false if it never did.
func (s LoopStatus) Age(now time.Time) (time.Duration, bool) {
	if s.LastTickAt == nil {
		return 0, false
	}
	return now.Sub(*s.LastTickAt), true
}

// Liveness stores loop ticks in loop_heartbeats.
type Liveness struct {
	db *sql.DB
}

func NewLiveness(db *sql.DB) *Liveness {
	return &Liveness{db: db}
}

func (l *Liveness) RecordTick(ctx context.Context, name, instance string, at time.Time, tickErr error) error {
	var errVal any
	if tickErr != nil {
		errVal = tickErr.Error()
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO loop_heartbeats(name, instance, last_tick_at, last_error)
VALUES(?, ?, ?, ?)
ON CONFLICT(name, instance) DO UPDATE SET
  last_tick_at = excluded.last_tick_at,
  last_error = excluded.last_error;
`, name, instance, storage.FormatTime(at), errVal)
	if err != nil {
		return apperr.Fatal(err, "record loop tick")
	}
	return nil
}

// Status returns the freshest tick of name across instances.
func (l *Liveness) Status(ctx context.Context, name string) (LoopStatus, error) {
	st := LoopStatus{Name: name}

	var (
		lastTick  string
		lastError sql.NullString
	)
	err := l.db.QueryRowContext(ctx, `
SELECT last_tick_at, last_error FROM loop_heartbeats
WHERE name = ?
ORDER BY last_tick_at DESC
LIMIT 1;
`, name).Scan(&lastTick, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, apperr.Fatal(err, "load loop status")
	}
	if t, err := storage.ParseTime(lastTick); err == nil {
		st.LastTickAt = &t
	}
	st.LastError = storage.NullString(lastError)

	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM loop_heartbeats WHERE name = ?;`, name).Scan(&st.Instances); err != nil {
		return st, apperr.Fatal(err, "count loop instances")
	}
	return st, nil
}
