package runner

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/autonomy"
	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/events"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/queue"
	"github.com/mattjoyce/warden/internal/storage"
)

// AutonomyGate is consulted before every start.
type AutonomyGate interface {
	Evaluate(ctx context.Context) autonomy.Decision
}

// PowerState reports the process-wide power toggle. It may be cached; Start
// re-reads the durable value before committing.
type PowerState interface {
	IsOn(ctx context.Context) (bool, error)
}

type Manager struct {
	db     *sql.DB
	queue  *queue.Queue
	gate   AutonomyGate
	power  PowerState
	logger *slog.Logger
	events events.Publisher
	now    func() time.Time
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithPublisher(p events.Publisher) Option { return func(m *Manager) { m.events = p } }

func WithNow(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithPower makes Start refuse while system power is off.
func WithPower(p PowerState) Option { return func(m *Manager) { m.power = p } }

func NewManager(db *sql.DB, q *queue.Queue, gate AutonomyGate, opts ...Option) *Manager {
	m := &Manager{
		db:     db,
		queue:  q,
		gate:   gate,
		logger: log.Get(),
		events: events.Nop{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "runner")
	return m
}

// Start creates a new primary instance for the bot and queues the RUNNER job
// that executes it. Any previous primary is stopped in the same transaction.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Instance, error) {
	if strings.TrimSpace(req.BotID) == "" {
		return nil, apperr.Validation("bot_id is empty")
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, apperr.Validation("actor is required")
	}

	if m.power != nil {
		on, err := m.power.IsOn(ctx)
		if err != nil {
			return nil, apperr.Fatal(err, "read system power")
		}
		if !on {
			return nil, apperr.Blocked(apperr.CodeSystemPowerOff, "system power is off").
				WithHint("turn system power on before starting runners")
		}
	}
	if m.gate == nil {
		return nil, apperr.Blocked(apperr.CodeAutonomyBlocked, "no autonomy gate configured")
	}
	if d := m.gate.Evaluate(ctx); !d.AutonomyAllowed {
		return nil, apperr.Blocked(apperr.CodeAutonomyBlocked, "autonomy gate is %s", d.Status).
			WithReasons(d.ReasonCodes...).
			WithHint("resolve the failing health checks, then retry")
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Fatal(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	bot, err := bots.Load(ctx, tx, req.BotID)
	if err != nil {
		return nil, err
	}
	if bot.Killed() {
		return nil, apperr.Blocked(apperr.CodeBotKilled, "bot %s is killed", bot.ID).
			WithHint("resurrect the bot, then start it explicitly")
	}
	// The cached check above can be stale; another process may have switched
	// power off. This read holds the write lock, so a power-off that commits
	// after it also runs its cascade after this start commits.
	on, err := storage.SystemPowerOn(ctx, tx)
	if err != nil {
		return nil, apperr.Fatal(err, "read system power")
	}
	if !on {
		return nil, apperr.Blocked(apperr.CodeSystemPowerOff, "system power is off").
			WithHint("turn system power on before starting runners")
	}
	if !bot.Stage.Running() {
		return nil, apperr.Validation("bot %s is in %s and has no runner", bot.ID, bot.Stage)
	}

	now := m.now()
	inst := &Instance{
		ID:            uuid.NewString(),
		BotID:         bot.ID,
		AccountID:     firstNonEmpty(req.AccountID, bot.AccountID),
		ExecutionMode: firstNonEmpty(req.ExecutionMode, bot.Stage.ExecutionMode()),
		Status:        StatusRunning,
		IsPrimary:     true,
		StartedBy:     req.Actor,
		StartedAt:     now,
	}

	superseded, err := stopWhere(ctx, tx, now, StopSuperseded, "bot_id = ?", bot.ID)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO runner_instances(id, bot_id, account_id, execution_mode, status, is_primary, started_by, started_at)
VALUES(?, ?, ?, ?, ?, 1, ?, ?);
`, inst.ID, inst.BotID, inst.AccountID, inst.ExecutionMode, StatusRunning, inst.StartedBy, storage.FormatTime(now)); err != nil {
		return nil, apperr.Fatal(err, "insert runner instance")
	}

	res, err := tx.ExecContext(ctx, `
UPDATE bots SET current_runner_instance_id = ? WHERE id = ? AND killed_at IS NULL;
`, inst.ID, bot.ID)
	if err != nil {
		return nil, apperr.Fatal(err, "bind runner instance")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.Blocked(apperr.CodeBotKilled, "bot %s was killed during start", bot.ID)
	}

	jobID, err := m.queue.EnqueueTx(ctx, tx, queue.EnqueueRequest{
		BotID:    bot.ID,
		Type:     queue.JobRunner,
		Priority: 10,
		Force:    true,
		Payload: queue.RunnerPayload{
			InstanceID:    inst.ID,
			AccountID:     inst.AccountID,
			ExecutionMode: inst.ExecutionMode,
			Reason:        req.Reason,
		},
	})
	if err != nil {
		return nil, err
	}
	inst.JobID = jobID

	if err := tx.Commit(); err != nil {
		return nil, apperr.Fatal(err, "commit tx")
	}

	m.logger.Info("runner started",
		"bot_id", bot.ID, "instance_id", inst.ID, "job_id", jobID,
		"execution_mode", inst.ExecutionMode, "actor", req.Actor, "superseded", superseded)
	m.events.Publish(events.JobEnqueued, map[string]any{
		"job_id": jobID, "bot_id": bot.ID, "job_type": queue.JobRunner,
	})
	m.events.Publish(events.RunnerStarted, map[string]any{
		"bot_id": bot.ID, "instance_id": inst.ID, "actor": req.Actor, "reason": req.Reason,
	})
	return inst, nil
}

// Stop marks a running instance stopped. It returns false if it already was.
func (m *Manager) Stop(ctx context.Context, instanceID, reason string) (bool, error) {
	if reason == "" {
		reason = StopManual
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, apperr.Fatal(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	stopped, err := stopWhere(ctx, tx, m.now(), reason, "id = ?", instanceID)
	if err != nil {
		return false, err
	}
	if len(stopped) == 0 {
		if _, err := m.get(ctx, tx, instanceID); err != nil {
			return false, err
		}
		m.logger.Debug("runner already stopped", "instance_id", instanceID)
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, apperr.Fatal(err, "commit tx")
	}
	m.publishStopped(stopped, reason)
	return true, nil
}

// StopForBotTx stops every running instance of a bot inside the caller's
// transaction and returns the stopped instance ids. The caller publishes
// after commit via PublishStopped.
func StopForBotTx(ctx context.Context, tx *sql.Tx, botID string, at time.Time, reason string) ([]string, error) {
	stopped, err := stopWhere(ctx, tx, at, reason, "bot_id = ?", botID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(stopped))
	for _, s := range stopped {
		ids = append(ids, s.id)
	}
	return ids, nil
}

// StopAllActive stops every running instance fleet-wide. It is the power-off
// cascade; nothing ever restarts what it stopped.
func (m *Manager) StopAllActive(ctx context.Context, reason string) (int, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Fatal(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	stopped, err := stopWhere(ctx, tx, m.now(), reason, "1 = 1")
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, apperr.Fatal(err, "commit tx")
	}
	m.logger.Info("stopped all active runners", "count", len(stopped), "reason", reason)
	m.publishStopped(stopped, reason)
	return len(stopped), nil
}

// Heartbeat records liveness for a running instance. It returns false if the
// instance is no longer running.
func (m *Manager) Heartbeat(ctx context.Context, instanceID string) (bool, error) {
	res, err := m.db.ExecContext(ctx, `
UPDATE runner_instances SET last_heartbeat_at = ? WHERE id = ? AND status = ?;
`, storage.FormatTime(m.now()), instanceID, StatusRunning)
	if err != nil {
		return false, apperr.Fatal(err, "runner heartbeat")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := m.get(ctx, m.db, instanceID); err != nil {
		return false, err
	}
	return false, nil
}

func (m *Manager) Get(ctx context.Context, instanceID string) (*Instance, error) {
	return m.get(ctx, m.db, instanceID)
}

// Primary returns the bot's primary instance, or nil if it has none.
func (m *Manager) Primary(ctx context.Context, botID string) (*Instance, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM runner_instances WHERE bot_id = ? AND is_primary = 1;`, botID)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Fatal(err, "load primary runner")
	}
	return inst, nil
}

// Latest returns the bot's most recently started instance, or nil.
func (m *Manager) Latest(ctx context.Context, botID string) (*Instance, error) {
	row := m.db.QueryRowContext(ctx, `
SELECT `+instanceColumns+` FROM runner_instances WHERE bot_id = ?
ORDER BY started_at DESC, rowid DESC LIMIT 1;
`, botID)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Fatal(err, "load latest runner")
	}
	return inst, nil
}

func (m *Manager) ListActive(ctx context.Context) ([]*Instance, error) {
	rows, err := m.db.QueryContext(ctx, `
SELECT `+instanceColumns+` FROM runner_instances WHERE status = ? ORDER BY started_at ASC, id ASC;
`, StatusRunning)
	if err != nil {
		return nil, apperr.Fatal(err, "list active runners")
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, apperr.Fatal(err, "scan runner")
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Fatal(err, "list active runners")
	}
	return out, nil
}

// PublishStopped notifies about instances stopped by StopForBotTx.
func (m *Manager) PublishStopped(botID string, ids []string, reason string) {
	for _, id := range ids {
		m.events.Publish(events.RunnerStopped, map[string]any{
			"bot_id": botID, "instance_id": id, "reason": reason,
		})
	}
}

func (m *Manager) publishStopped(stopped []stoppedInstance, reason string) {
	for _, s := range stopped {
		m.events.Publish(events.RunnerStopped, map[string]any{
			"bot_id": s.botID, "instance_id": s.id, "reason": reason,
		})
	}
}

type stoppedInstance struct {
	id    string
	botID string
}

// stopWhere stops running instances matching cond and clears the primary
// flag, so the next start never trips the one-primary index.
func stopWhere(ctx context.Context, tx *sql.Tx, at time.Time, reason, cond string, args ...any) ([]stoppedInstance, error) {
	query := `
UPDATE runner_instances
SET status = ?, is_primary = 0, stopped_at = ?, stop_reason = ?
WHERE status = ? AND ` + cond + `
RETURNING id, bot_id;`
	qargs := append([]any{StatusStopped, storage.FormatTime(at), reason, StatusRunning}, args...)
	rows, err := tx.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, apperr.Fatal(err, "stop runners")
	}
	defer rows.Close()

	var out []stoppedInstance
	for rows.Next() {
		var s stoppedInstance
		if err := rows.Scan(&s.id, &s.botID); err != nil {
			return nil, apperr.Fatal(err, "scan stopped runner")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Fatal(err, "stop runners")
	}

	// A stopped primary from an earlier crash may still hold the flag.
	if _, err := tx.ExecContext(ctx, `UPDATE runner_instances SET is_primary = 0 WHERE is_primary = 1 AND status = ? AND `+cond+`;`,
		append([]any{StatusStopped}, args...)...); err != nil {
		return nil, apperr.Fatal(err, "clear primary flag")
	}
	if len(out) > 0 {
		if _, err := tx.ExecContext(ctx, `
UPDATE bots SET current_runner_instance_id = NULL
WHERE current_runner_instance_id IN (SELECT id FROM runner_instances WHERE status = ?);
`, StatusStopped); err != nil {
			return nil, apperr.Fatal(err, "unbind runner instance")
		}
	}
	return out, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (m *Manager) get(ctx context.Context, q queryRower, instanceID string) (*Instance, error) {
	row := q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM runner_instances WHERE id = ?;`, instanceID)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("runner instance %s not found", instanceID)
	}
	if err != nil {
		return nil, apperr.Fatal(err, "load runner instance")
	}
	return inst, nil
}

const instanceColumns = `id, bot_id, account_id, execution_mode, status, is_primary, started_by, started_at, stopped_at, stop_reason, last_heartbeat_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		inst       Instance
		status     string
		isPrimary  int
		startedAt  string
		stoppedAt  sql.NullString
		stopReason sql.NullString
		heartbeat  sql.NullString
	)
	if err := row.Scan(&inst.ID, &inst.BotID, &inst.AccountID, &inst.ExecutionMode, &status, &isPrimary,
		&inst.StartedBy, &startedAt, &stoppedAt, &stopReason, &heartbeat); err != nil {
		return nil, err
	}
	inst.Status = Status(status)
	inst.IsPrimary = isPrimary == 1
	if t, err := storage.ParseTime(startedAt); err == nil {
		inst.StartedAt = t
	}
	inst.StoppedAt = storage.ParseNullTime(stoppedAt)
	inst.StopReason = storage.NullString(stopReason)
	inst.LastHeartbeatAt = storage.ParseNullTime(heartbeat)
	return &inst, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
