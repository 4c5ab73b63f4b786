package autonomy

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/storage"
)

// Blocker is an operator- or system-raised condition that holds autonomy
// back until resolved.
type Blocker struct {
	ID         string     `json:"id"`
	Code       string     `json:"code"`
	Severity   Severity   `json:"severity"`
	Detail     string     `json:"detail"`
	RaisedBy   string     `json:"raised_by"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy *string    `json:"resolved_by,omitempty"`
}

// BlockerStore persists blockers in autonomy_blockers.
type BlockerStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewBlockerStore(db *sql.DB) *BlockerStore {
	return &BlockerStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *BlockerStore) WithNow(now func() time.Time) *BlockerStore {
	s.now = now
	return s
}

func (s *BlockerStore) Raise(ctx context.Context, code string, severity Severity, detail, actor string) (*Blocker, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperr.Validation("blocker code is required")
	}
	if severity != SeverityCritical && severity != SeverityWarning {
		return nil, apperr.Validation("unknown blocker severity %q", severity)
	}
	if actor == "" {
		return nil, apperr.Validation("actor is required")
	}
	b := &Blocker{
		ID:        uuid.NewString(),
		Code:      code,
		Severity:  severity,
		Detail:    detail,
		RaisedBy:  actor,
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO autonomy_blockers(id, code, severity, detail, raised_by, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, b.ID, b.Code, b.Severity, b.Detail, b.RaisedBy, storage.FormatTime(b.CreatedAt))
	if err != nil {
		return nil, apperr.Fatal(err, "raise blocker")
	}
	return b, nil
}

// Resolve closes an open blocker. It returns false if it was already resolved.
func (s *BlockerStore) Resolve(ctx context.Context, id, actor string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE autonomy_blockers SET resolved_at = ?, resolved_by = ?
WHERE id = ? AND resolved_at IS NULL;
`, storage.FormatTime(s.now()), actor, id)
	if err != nil {
		return false, apperr.Fatal(err, "resolve blocker")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM autonomy_blockers WHERE id = ?;`, id).Scan(&exists); err != nil {
		return false, apperr.Fatal(err, "load blocker")
	}
	if exists == 0 {
		return false, apperr.NotFound("blocker %s not found", id)
	}
	return false, nil
}

func (s *BlockerStore) OpenBlockers(ctx context.Context) ([]Blocker, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, code, severity, detail, raised_by, created_at
FROM autonomy_blockers
WHERE resolved_at IS NULL
ORDER BY created_at ASC, id ASC;
`)
	if err != nil {
		return nil, apperr.Fatal(err, "list blockers")
	}
	defer rows.Close()

	var out []Blocker
	for rows.Next() {
		var (
			b         Blocker
			severity  string
			createdAt string
		)
		if err := rows.Scan(&b.ID, &b.Code, &severity, &b.Detail, &b.RaisedBy, &createdAt); err != nil {
			return nil, apperr.Fatal(err, "scan blocker")
		}
		b.Severity = Severity(severity)
		if t, err := storage.ParseTime(createdAt); err == nil {
			b.CreatedAt = t
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Fatal(err, "list blockers")
	}
	return out, nil
}
