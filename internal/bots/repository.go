package bots

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/storage"
)

// Querier is satisfied by *sql.DB and *sql.Tx so other packages can load a
// bot inside their own transaction.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const botColumns = `id, account_id, stage, stage_updated_at, stage_locked_until, promotion_mode,
  killed_at, kill_reason, current_runner_instance_id, created_at`

// Repository persists bots in SQLite.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithNow allows injecting deterministic time for tests.
func (r *Repository) WithNow(now func() time.Time) *Repository {
	r.now = now
	return r
}

// Register creates a bot in TRIALS. Registering an existing id is a conflict.
func (r *Repository) Register(ctx context.Context, id, accountID string, mode PromotionMode) (*Bot, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.Validation("bot id is required")
	}
	if mode == "" {
		mode = PromotionManual
	}
	if mode != PromotionAuto && mode != PromotionManual {
		return nil, apperr.Validation("unknown promotion mode %q", mode)
	}

	now := storage.FormatTime(r.now())
	res, err := r.db.ExecContext(ctx, `
INSERT INTO bots(id, account_id, stage, stage_updated_at, promotion_mode, created_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`, id, accountID, StageTrials, now, mode, now)
	if err != nil {
		return nil, apperr.Fatal(err, "register bot")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.Conflict(apperr.CodeBotExists, "bot %s already registered", id)
	}
	return r.Get(ctx, id)
}

// Get loads a bot by id.
func (r *Repository) Get(ctx context.Context, id string) (*Bot, error) {
	return Load(ctx, r.db, id)
}

// Load reads a bot through q, returning a NOT_FOUND error if it is missing.
func Load(ctx context.Context, q Querier, id string) (*Bot, error) {
	row := q.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = ?;`, id)
	b, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("bot %s not found", id)
	}
	if err != nil {
		return nil, apperr.Fatal(err, "load bot %s", id)
	}
	return b, nil
}

// List returns bots ordered by id.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]*Bot, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Stages) > 0 {
		ph := make([]string, 0, len(f.Stages))
		for _, s := range f.Stages {
			ph = append(ph, "?")
			args = append(args, s)
		}
		where = append(where, "stage IN ("+strings.Join(ph, ",")+")")
	}
	if f.ExcludeKilled {
		where = append(where, "killed_at IS NULL")
	}
	query := `SELECT ` + botColumns + ` FROM bots`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC;"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Fatal(err, "list bots")
	}
	defer rows.Close()

	var out []*Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, apperr.Fatal(err, "scan bot")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Fatal(err, "list bots")
	}
	return out, nil
}

// LockStages sets stage_locked_until on every listed bot (or the whole fleet
// when ids is empty). Every Promote fails with STAGE_LOCKED until the lock
// expires. Returns the number of bots locked.
func (r *Repository) LockStages(ctx context.Context, ids []string, until time.Time) (int64, error) {
	if !until.After(r.now()) {
		return 0, apperr.Validation("lock expiry must be in the future")
	}
	query := `UPDATE bots SET stage_locked_until = ?`
	args := []any{storage.FormatTime(until)}
	query, args = appendIDFilter(query, args, ids)

	res, err := r.db.ExecContext(ctx, query+";", args...)
	if err != nil {
		return 0, apperr.Fatal(err, "lock stages")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UnlockStages clears stage locks on the listed bots (or the whole fleet).
func (r *Repository) UnlockStages(ctx context.Context, ids []string) (int64, error) {
	query, args := appendIDFilter(`UPDATE bots SET stage_locked_until = NULL`, nil, ids)
	res, err := r.db.ExecContext(ctx, query+";", args...)
	if err != nil {
		return 0, apperr.Fatal(err, "unlock stages")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func appendIDFilter(query string, args []any, ids []string) (string, []any) {
	if len(ids) == 0 {
		return query, args
	}
	ph := make([]string, 0, len(ids))
	for _, id := range ids {
		ph = append(ph, "?")
		args = append(args, id)
	}
	return query + " WHERE id IN (" + strings.Join(ph, ",") + ")", args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*Bot, error) {
	var (
		b              Bot
		stage          string
		mode           string
		stageUpdatedAt string
		lockedUntil    sql.NullString
		killedAt       sql.NullString
		killReason     sql.NullString
		runnerID       sql.NullString
		createdAt      string
	)
	if err := row.Scan(&b.ID, &b.AccountID, &stage, &stageUpdatedAt, &lockedUntil, &mode,
		&killedAt, &killReason, &runnerID, &createdAt); err != nil {
		return nil, err
	}
	b.Stage = Stage(stage)
	b.PromotionMode = PromotionMode(mode)
	if t, err := storage.ParseTime(stageUpdatedAt); err == nil {
		b.StageUpdatedAt = t
	}
	if t, err := storage.ParseTime(createdAt); err == nil {
		b.CreatedAt = t
	}
	b.StageLockedUntil = storage.ParseNullTime(lockedUntil)
	b.KilledAt = storage.ParseNullTime(killedAt)
	b.KillReason = storage.NullString(killReason)
	b.CurrentRunnerInstanceID = storage.NullString(runnerID)
	if !b.Stage.Valid() {
		return nil, fmt.Errorf("bot %s has unknown stage %q", b.ID, stage)
	}
	return &b, nil
}
