// Package killswitch implements the per-bot kill flag and the process-wide
// power toggle. Both are overlays on the stage lifecycle: neither changes a
// bot's stage, and neither ever restarts anything on its own.
package killswitch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/events"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/runner"
	"github.com/mattjoyce/warden/internal/storage"
)

type EventType string

const (
	EventKill      EventType = "KILL"
	EventResurrect EventType = "RESURRECT"
)

// KillEvent is an append-only audit row.
type KillEvent struct {
	ID         string    `json:"id"`
	BotID      string    `json:"bot_id"`
	Type       EventType `json:"type"`
	Actor      string    `json:"actor"`
	ReasonCode string    `json:"reason_code"`
	TraceID    string    `json:"trace_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type KillRequest struct {
	BotID      string
	ReasonCode string
	Actor      string
	TraceID    string
}

type ResurrectRequest struct {
	BotID   string
	Actor   string
	Reason  string
	TraceID string
}

// Result reports a kill or resurrect. Idempotent calls carry no event.
type Result struct {
	Idempotent     bool        `json:"idempotent"`
	Code           apperr.Code `json:"code,omitempty"`
	Event          *KillEvent  `json:"event,omitempty"`
	StoppedRunners []string    `json:"stopped_runners,omitempty"`
}

// RunnerPublisher announces instances stopped inside a kill transaction.
type RunnerPublisher interface {
	PublishStopped(botID string, ids []string, reason string)
}

type Switch struct {
	db      *sql.DB
	runners RunnerPublisher
	logger  *slog.Logger
	events  events.Publisher
	now     func() time.Time
}

type Option func(*Switch)

func WithLogger(l *slog.Logger) Option { return func(s *Switch) { s.logger = l } }

func WithPublisher(p events.Publisher) Option { return func(s *Switch) { s.events = p } }

func WithNow(now func() time.Time) Option { return func(s *Switch) { s.now = now } }

// WithRunnerPublisher routes runner.stopped notifications for the cascade.
func WithRunnerPublisher(r RunnerPublisher) Option { return func(s *Switch) { s.runners = r } }

func New(db *sql.DB, opts ...Option) *Switch {
	s := &Switch{
		db:     db,
		logger: log.Get(),
		events: events.Nop{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "killswitch")
	return s
}

// Kill sets the kill flag, stops every running instance of the bot and
// appends a KILL event in one transaction. Killing a killed bot is an
// idempotent success with no new event.
func (s *Switch) Kill(ctx context.Context, req KillRequest) (Result, error) {
	if strings.TrimSpace(req.BotID) == "" {
		return Result{}, apperr.Validation("bot_id is empty")
	}
	if strings.TrimSpace(req.ReasonCode) == "" {
		return Result{}, apperr.Validation("reason_code is required")
	}
	if strings.TrimSpace(req.Actor) == "" {
		return Result{}, apperr.Validation("actor is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, apperr.Fatal(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	res, err := tx.ExecContext(ctx, `
UPDATE bots SET killed_at = ?, kill_reason = ? WHERE id = ? AND killed_at IS NULL;
`, storage.FormatTime(now), req.ReasonCode, req.BotID)
	if err != nil {
		return Result{}, apperr.Fatal(err, "set kill flag")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := bots.Load(ctx, tx, req.BotID); err != nil {
			return Result{}, err
		}
		s.logger.Info("bot already killed", "bot_id", req.BotID, "actor", req.Actor)
		return Result{Idempotent: true, Code: apperr.CodeAlreadyKilled}, nil
	}

	stopped, err := runner.StopForBotTx(ctx, tx, req.BotID, now, runner.StopKilled)
	if err != nil {
		return Result{}, err
	}

	ev, err := s.appendEvent(ctx, tx, req.BotID, EventKill, req.Actor, req.ReasonCode, req.TraceID, now)
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, apperr.Fatal(err, "commit tx")
	}

	s.logger.Warn("bot killed",
		"bot_id", req.BotID, "actor", req.Actor, "reason_code", req.ReasonCode,
		"trace_id", ev.TraceID, "stopped_runners", len(stopped))
	if s.runners != nil {
		s.runners.PublishStopped(req.BotID, stopped, runner.StopKilled)
	}
	s.events.Publish(events.BotKilled, ev)
	return Result{Event: ev, StoppedRunners: stopped}, nil
}

// Resurrect clears the kill flag. It never restarts runners; execution
// resumes only through an explicit start.
func (s *Switch) Resurrect(ctx context.Context, req ResurrectRequest) (Result, error) {
	if strings.TrimSpace(req.BotID) == "" {
		return Result{}, apperr.Validation("bot_id is empty")
	}
	if strings.TrimSpace(req.Actor) == "" {
		return Result{}, apperr.Validation("actor is required")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "MANUAL_RESURRECT"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, apperr.Fatal(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE bots SET killed_at = NULL, kill_reason = NULL WHERE id = ? AND killed_at IS NOT NULL;
`, req.BotID)
	if err != nil {
		return Result{}, apperr.Fatal(err, "clear kill flag")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := bots.Load(ctx, tx, req.BotID); err != nil {
			return Result{}, err
		}
		s.logger.Info("bot not killed, nothing to resurrect", "bot_id", req.BotID)
		return Result{Idempotent: true}, nil
	}

	ev, err := s.appendEvent(ctx, tx, req.BotID, EventResurrect, req.Actor, reason, req.TraceID, s.now())
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, apperr.Fatal(err, "commit tx")
	}

	s.logger.Info("bot resurrected", "bot_id", req.BotID, "actor", req.Actor, "trace_id", ev.TraceID)
	s.events.Publish(events.BotResurrected, ev)
	return Result{Event: ev}, nil
}

// GetKillEvents returns a bot's kill history, newest first.
func (s *Switch) GetKillEvents(ctx context.Context, botID string, limit int) ([]KillEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, bot_id, type, actor, reason_code, trace_id, created_at
FROM kill_events
WHERE bot_id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, botID, limit)
	if err != nil {
		return nil, apperr.Fatal(err, "list kill events")
	}
	defer rows.Close()

	var out []KillEvent
	for rows.Next() {
		var (
			ev        KillEvent
			typ       string
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &ev.BotID, &typ, &ev.Actor, &ev.ReasonCode, &ev.TraceID, &createdAt); err != nil {
			return nil, apperr.Fatal(err, "scan kill event")
		}
		ev.Type = EventType(typ)
		if t, err := storage.ParseTime(createdAt); err == nil {
			ev.CreatedAt = t
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Fatal(err, "list kill events")
	}
	return out, nil
}

func (s *Switch) appendEvent(ctx context.Context, tx *sql.Tx, botID string, typ EventType, actor, reasonCode, traceID string, at time.Time) (*KillEvent, error) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	ev := &KillEvent{
		ID:         uuid.NewString(),
		BotID:      botID,
		Type:       typ,
		Actor:      actor,
		ReasonCode: reasonCode,
		TraceID:    traceID,
		CreatedAt:  at,
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO kill_events(id, bot_id, type, actor, reason_code, trace_id, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, ev.ID, ev.BotID, ev.Type, ev.Actor, ev.ReasonCode, ev.TraceID, storage.FormatTime(at)); err != nil {
		return nil, apperr.Fatal(err, "append kill event")
	}
	return ev, nil
}
