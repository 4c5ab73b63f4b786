package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/events"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/storage"
)

const maxErrorBytes = 16 * 1024

const jobColumns = `id, bot_id, job_type, status, priority, payload, result, created_at,
  started_at, completed_at, last_heartbeat_at, attempts, error_message`

// Queue is the durable per-bot job store. Every transition is a conditional
// update; a zero-row result means another caller won the race.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger
	events events.Publisher
	now    func() time.Time
}

type Option func(*Queue)

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

func WithPublisher(p events.Publisher) Option {
	return func(q *Queue) { q.events = p }
}

// WithNow allows injecting deterministic time for tests.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:     db,
		logger: log.Get(),
		events: events.Nop{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "queue")
	return q
}

// Enqueue inserts a QUEUED job. Unless req.Force is set, it fails with a
// *DuplicateJobError when the bot already has a QUEUED or RUNNING job of the
// same type.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", apperr.Fatal(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	id, err := q.EnqueueTx(ctx, tx, req)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", apperr.Fatal(err, "commit tx")
	}

	q.logger.Info("job enqueued", "job_id", id, "bot_id", req.BotID, "job_type", req.Type, "priority", req.Priority, "force", req.Force)
	q.events.Publish(events.JobEnqueued, map[string]any{
		"job_id": id, "bot_id": req.BotID, "job_type": req.Type,
	})
	return id, nil
}

// EnqueueTx is Enqueue inside the caller's transaction, so the job commits or
// rolls back together with the caller's own writes. The caller publishes any
// notification after commit.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, req EnqueueRequest) (string, error) {
	if strings.TrimSpace(req.BotID) == "" {
		return "", apperr.Validation("bot_id is empty")
	}
	if !req.Type.Valid() {
		return "", apperr.Validation("unknown job type %q", req.Type)
	}
	if req.Payload != nil && req.Payload.JobType() != req.Type {
		return "", apperr.Validation("%s payload on %s job", req.Payload.JobType(), req.Type)
	}
	payload, err := EncodePayload(req.Payload)
	if err != nil {
		return "", apperr.Validation("%v", err)
	}
	var payloadVal any
	if payload != nil {
		payloadVal = string(payload)
	}

	bot, err := bots.Load(ctx, tx, req.BotID)
	if err != nil {
		return "", err
	}
	if bot.Killed() {
		return "", apperr.Blocked(apperr.CodeBotKilled, "bot %s is killed", bot.ID).
			WithHint("resurrect the bot before queueing work")
	}

	id := uuid.NewString()
	now := storage.FormatTime(q.now())

	var res sql.Result
	if req.Force {
		res, err = tx.ExecContext(ctx, `
INSERT INTO jobs(id, bot_id, job_type, status, priority, payload, created_at, attempts)
VALUES(?, ?, ?, ?, ?, ?, ?, 0);
`, id, req.BotID, req.Type, StatusQueued, req.Priority, payloadVal, now)
	} else {
		res, err = tx.ExecContext(ctx, `
INSERT INTO jobs(id, bot_id, job_type, status, priority, payload, created_at, attempts)
SELECT ?, ?, ?, ?, ?, ?, ?, 0
WHERE NOT EXISTS (
  SELECT 1 FROM jobs WHERE bot_id = ? AND job_type = ? AND status IN (?, ?)
);
`, id, req.BotID, req.Type, StatusQueued, req.Priority, payloadVal, now,
			req.BotID, req.Type, StatusQueued, StatusRunning)
	}
	if err != nil {
		return "", apperr.Fatal(err, "enqueue job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var existing string
		if err := tx.QueryRowContext(ctx, `
SELECT id FROM jobs WHERE bot_id = ? AND job_type = ? AND status IN (?, ?)
ORDER BY created_at ASC LIMIT 1;
`, req.BotID, req.Type, StatusQueued, StatusRunning).Scan(&existing); err != nil {
			return "", apperr.Fatal(err, "load conflicting job")
		}
		return "", &DuplicateJobError{BotID: req.BotID, Type: req.Type, ExistingJobID: existing}
	}
	return id, nil
}

// ClaimNext moves the highest-priority QUEUED job (oldest first, then id) to
// RUNNING. It returns (nil, nil) when the queue is empty or another claimant
// won the race; callers simply retry. jobType may be empty to claim any type.
//
// The claim re-checks the bot's kill flag in the same statement; if the bot
// was killed between selection and claim, a BOT_KILLED error is returned and
// the job stays QUEUED. Research jobs are not claimed while research is paused.
func (q *Queue) ClaimNext(ctx context.Context, jobType JobType) (*Job, error) {
	if jobType != "" && !jobType.Valid() {
		return nil, apperr.Validation("unknown job type %q", jobType)
	}
	paused, err := q.ResearchPaused(ctx)
	if err != nil {
		return nil, err
	}
	if paused && jobType.Research() {
		return nil, nil
	}

	query := `
SELECT j.id, j.bot_id
FROM jobs j JOIN bots b ON b.id = j.bot_id
WHERE j.status = ? AND b.killed_at IS NULL`
	args := []any{StatusQueued}
	if jobType != "" {
		query += ` AND j.job_type = ?`
		args = append(args, jobType)
	} else if paused {
		query += ` AND j.job_type = ?`
		args = append(args, JobRunner)
	}
	query += `
ORDER BY j.priority DESC, j.created_at ASC, j.id ASC
LIMIT 1;`

	var candidateID, botID string
	err = q.db.QueryRowContext(ctx, query, args...).Scan(&candidateID, &botID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Fatal(err, "select next job")
	}

	now := storage.FormatTime(q.now())
	row := q.db.QueryRowContext(ctx, `
UPDATE jobs
SET status = ?, started_at = ?, last_heartbeat_at = NULL, attempts = attempts + 1
WHERE id = ? AND status = ?
  AND NOT EXISTS (SELECT 1 FROM bots WHERE bots.id = jobs.bot_id AND bots.killed_at IS NOT NULL)
RETURNING `+jobColumns+`;
`, StatusRunning, now, candidateID, StatusQueued)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		bot, lerr := bots.Load(ctx, q.db, botID)
		if lerr != nil {
			return nil, lerr
		}
		if bot.Killed() {
			q.logger.Warn("claim aborted: bot killed concurrently", "job_id", candidateID, "bot_id", botID)
			return nil, apperr.Blocked(apperr.CodeBotKilled, "bot %s was killed before job %s could be claimed", botID, candidateID)
		}
		q.logger.Debug("lost claim race", "job_id", candidateID)
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Fatal(err, "claim job")
	}

	q.logger.Info("job claimed", "job_id", j.ID, "bot_id", j.BotID, "job_type", j.Type, "attempts", j.Attempts)
	q.events.Publish(events.JobClaimed, map[string]any{
		"job_id": j.ID, "bot_id": j.BotID, "job_type": j.Type,
	})
	return j, nil
}

// Heartbeat records worker liveness. It returns false without error when the
// job is no longer RUNNING (it may have completed or timed out already).
func (q *Queue) Heartbeat(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, apperr.Validation("job id is empty")
	}
	res, err := q.db.ExecContext(ctx, `
UPDATE jobs SET last_heartbeat_at = ? WHERE id = ? AND status = ?;
`, storage.FormatTime(q.now()), jobID, StatusRunning)
	if err != nil {
		return false, apperr.Fatal(err, "heartbeat job")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := q.Get(ctx, jobID); err != nil {
		return false, err
	}
	q.logger.Debug("heartbeat ignored: job not running", "job_id", jobID)
	return false, nil
}

// Complete marks a RUNNING job COMPLETED. It returns false (logged, no error)
// when the job had already left RUNNING.
func (q *Queue) Complete(ctx context.Context, jobID string, result json.RawMessage) (bool, error) {
	if len(result) > 0 && !json.Valid(result) {
		return false, apperr.Validation("result must be valid JSON")
	}
	return q.finish(ctx, jobID, StatusCompleted, result, "", time.Time{})
}

// Fail marks a RUNNING job FAILED with the worker's error message.
func (q *Queue) Fail(ctx context.Context, jobID string, errMsg string) (bool, error) {
	if strings.TrimSpace(errMsg) == "" {
		errMsg = "worker reported failure"
	}
	return q.finish(ctx, jobID, StatusFailed, nil, errMsg, time.Time{})
}

// finish applies RUNNING→to and appends the job_log row in one transaction.
// A non-zero staleBefore additionally requires the job's last sign of life to
// be older than it, so a heartbeat racing the sweep keeps the job alive.
func (q *Queue) finish(ctx context.Context, jobID string, to Status, result json.RawMessage, errMsg string, staleBefore time.Time) (bool, error) {
	if jobID == "" {
		return false, apperr.Validation("job id is empty")
	}
	if !CanTransition(StatusRunning, to) {
		return false, apperr.New(apperr.KindValidation, apperr.CodeInvalidTransition, "RUNNING -> %s is not a job transition", to)
	}

	var resultVal, errVal any
	if len(result) > 0 {
		resultVal = string(result)
	}
	if errMsg != "" {
		errMsg = truncateUTF8(errMsg, maxErrorBytes)
		errVal = errMsg
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, apperr.Fatal(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	completedAt := storage.FormatTime(q.now())
	query := `
UPDATE jobs
SET status = ?, completed_at = ?, result = ?, error_message = ?
WHERE id = ? AND status = ?`
	args := []any{to, completedAt, resultVal, errVal, jobID, StatusRunning}
	if !staleBefore.IsZero() {
		query += ` AND COALESCE(last_heartbeat_at, started_at) < ?`
		args = append(args, storage.FormatTime(staleBefore))
	}
	query += "\nRETURNING " + jobColumns + ";"

	j, err := scanJob(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		current, gerr := q.Get(ctx, jobID)
		if gerr != nil {
			return false, gerr
		}
		q.logger.Info("job transition skipped", "job_id", jobID, "current_status", current.Status, "requested_status", to)
		return false, nil
	}
	if err != nil {
		return false, apperr.Fatal(err, "update job to %s", to)
	}

	logID := fmt.Sprintf("%s-%d", j.ID, j.Attempts)
	_, err = tx.ExecContext(ctx, `
INSERT INTO job_log(id, job_id, bot_id, job_type, status, attempts, created_at, started_at, completed_at, error_message)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, logID, j.ID, j.BotID, j.Type, j.Status, j.Attempts, storage.FormatTime(j.CreatedAt),
		storage.FormatTimePtr(j.StartedAt), completedAt, errVal)
	if err != nil {
		return false, apperr.Fatal(err, "insert job_log")
	}

	if err := tx.Commit(); err != nil {
		return false, apperr.Fatal(err, "commit tx")
	}

	eventType := map[Status]string{
		StatusCompleted: events.JobCompleted,
		StatusFailed:    events.JobFailed,
		StatusTimeout:   events.JobTimedOut,
	}[to]
	q.logger.Info("job finished", "job_id", j.ID, "bot_id", j.BotID, "job_type", j.Type, "status", to)
	q.events.Publish(eventType, map[string]any{
		"job_id": j.ID, "bot_id": j.BotID, "job_type": j.Type, "status": to,
	})
	return true, nil
}

// ScanStuck lists RUNNING jobs whose last heartbeat (or claim time, if no
// heartbeat was recorded) is older than threshold.
func (q *Queue) ScanStuck(ctx context.Context, threshold time.Duration) ([]*Job, error) {
	if threshold <= 0 {
		return nil, apperr.Validation("threshold must be positive")
	}
	cutoff := storage.FormatTime(q.now().Add(-threshold))
	rows, err := q.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status = ? AND COALESCE(last_heartbeat_at, started_at) < ?
ORDER BY COALESCE(last_heartbeat_at, started_at) ASC, id ASC;
`, StatusRunning, cutoff)
	if err != nil {
		return nil, apperr.Fatal(err, "scan stuck jobs")
	}
	return collectJobs(rows)
}

// TimeoutSweep moves every stuck job to TIMEOUT using the same guarded
// transition as Complete/Fail, and returns only the jobs this caller timed
// out. Concurrent sweeps across processes each win a disjoint subset.
func (q *Queue) TimeoutSweep(ctx context.Context, threshold time.Duration) ([]*Job, error) {
	stuck, err := q.ScanStuck(ctx, threshold)
	if err != nil {
		return nil, err
	}
	cutoff := q.now().Add(-threshold)

	var timedOut []*Job
	for _, j := range stuck {
		msg := "no heartbeat since " + storage.FormatTime(*j.LastSignOfLife())
		won, err := q.finish(ctx, j.ID, StatusTimeout, nil, msg, cutoff)
		if err != nil {
			return timedOut, err
		}
		if !won {
			continue
		}
		q.logger.Warn("job timed out", "job_id", j.ID, "bot_id", j.BotID, "job_type", j.Type, "threshold", threshold.String())
		j.Status = StatusTimeout
		j.ErrorMessage = &msg
		timedOut = append(timedOut, j)
	}
	return timedOut, nil
}

// Get returns one job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	j, err := scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("job %s not found", jobID)
	}
	if err != nil {
		return nil, apperr.Fatal(err, "load job")
	}
	return j, nil
}

// ListByBot returns a bot's jobs, newest first.
func (q *Queue) ListByBot(ctx context.Context, botID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM jobs WHERE bot_id = ? ORDER BY created_at DESC, id DESC LIMIT ?;
`, botID, limit)
	if err != nil {
		return nil, apperr.Fatal(err, "list jobs")
	}
	return collectJobs(rows)
}

// Depth counts QUEUED jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?;`, StatusQueued).Scan(&n); err != nil {
		return 0, apperr.Fatal(err, "queue depth")
	}
	return n, nil
}

// PruneJobLogs deletes job_log rows completed before now-retention.
func (q *Queue) PruneJobLogs(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM job_log WHERE completed_at < ?;`,
		storage.FormatTime(q.now().Add(-retention)))
	if err != nil {
		return 0, apperr.Fatal(err, "prune job_log")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Info("pruned job log", "rows", n, "retention", retention.String())
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperr.Fatal(err, "scan job")
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Fatal(err, "iterate jobs")
	}
	return out, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j            Job
		jobType      string
		status       string
		payload      sql.NullString
		result       sql.NullString
		createdAt    string
		startedAt    sql.NullString
		completedAt  sql.NullString
		heartbeatAt  sql.NullString
		errorMessage sql.NullString
	)
	if err := row.Scan(&j.ID, &j.BotID, &jobType, &status, &j.Priority, &payload, &result, &createdAt,
		&startedAt, &completedAt, &heartbeatAt, &j.Attempts, &errorMessage); err != nil {
		return nil, err
	}
	j.Type = JobType(jobType)
	j.Status = Status(status)
	if payload.Valid {
		p, err := DecodePayload(j.Type, []byte(payload.String))
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", j.ID, err)
		}
		j.Payload = p
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if t, err := storage.ParseTime(createdAt); err == nil {
		j.CreatedAt = t
	}
	j.StartedAt = storage.ParseNullTime(startedAt)
	j.CompletedAt = storage.ParseNullTime(completedAt)
	j.LastHeartbeatAt = storage.ParseNullTime(heartbeatAt)
	j.ErrorMessage = storage.NullString(errorMessage)
	return &j, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
