package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/storage"
)

// Research reports whether t is autonomous research work, as opposed to a
// bot's runner.
func (t JobType) Research() bool {
	return t == JobBacktester || t == JobEvolving || t == JobImproving
}

type researchValue struct {
	Paused bool `json:"paused"`
}

// ResearchPaused reports whether research claims are held. Queued research
// jobs stay QUEUED while paused.
func (q *Queue) ResearchPaused(ctx context.Context) (bool, error) {
	var raw string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE key = ?;`, storage.SettingResearchPaused).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Fatal(err, "read research pause")
	}
	var v researchValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return false, apperr.Fatal(err, "decode research pause")
	}
	return v.Paused, nil
}

// SetResearchPaused persists the pause flag. Resuming is always explicit.
func (q *Queue) SetResearchPaused(ctx context.Context, paused bool, actor string) error {
	if strings.TrimSpace(actor) == "" {
		return apperr.Validation("actor is required")
	}
	value, err := json.Marshal(researchValue{Paused: paused})
	if err != nil {
		return apperr.Fatal(err, "encode research pause")
	}
	if _, err := q.db.ExecContext(ctx, `
INSERT INTO system_settings(key, value, updated_at, updated_by)
VALUES(?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  value = excluded.value,
  updated_at = excluded.updated_at,
  updated_by = excluded.updated_by;
`, storage.SettingResearchPaused, string(value), storage.FormatTime(q.now()), actor); err != nil {
		return apperr.Fatal(err, "write research pause")
	}
	q.logger.Warn("research queue pause set", "paused", paused, "actor", actor)
	return nil
}

// ResearchPauser adapts the queue to the power-off cascade.
func (q *Queue) ResearchPauser() ResearchPauser { return ResearchPauser{q: q} }

type ResearchPauser struct{ q *Queue }

func (ResearchPauser) Name() string { return "research-queue" }

func (p ResearchPauser) Pause(ctx context.Context) error {
	return p.q.SetResearchPaused(ctx, true, "system-power")
}
