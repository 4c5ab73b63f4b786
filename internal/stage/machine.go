package stage

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/autonomy"
	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/events"
	"github.com/mattjoyce/warden/internal/governance"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/runner"
	"github.com/mattjoyce/warden/internal/storage"
)

// StopStageChanged is recorded on runners stopped because their bot changed
// stage; the supervisor restarts them under the new execution mode.
const StopStageChanged = "STAGE_CHANGED"

// AutonomyGate is consulted before automated promotions.
type AutonomyGate interface {
	Evaluate(ctx context.Context) autonomy.Decision
}

// ApprovalVerifier checks the governance token of a LIVE promotion.
type ApprovalVerifier interface {
	VerifyForPromotion(ctx context.Context, token, botID string) (*governance.Approval, error)
}

// RunnerPublisher announces runners stopped inside a stage transaction.
type RunnerPublisher interface {
	PublishStopped(botID string, ids []string, reason string)
}

type Machine struct {
	db        *sql.DB
	gate      GateEvaluator
	autonomy  AutonomyGate
	approvals ApprovalVerifier
	runners   RunnerPublisher
	logger    *slog.Logger
	events    events.Publisher
	now       func() time.Time
}

type Option func(*Machine)

func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

func WithPublisher(p events.Publisher) Option { return func(m *Machine) { m.events = p } }

func WithNow(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

func WithRunnerPublisher(r RunnerPublisher) Option { return func(m *Machine) { m.runners = r } }

func NewMachine(db *sql.DB, gate GateEvaluator, autonomyGate AutonomyGate, approvals ApprovalVerifier, opts ...Option) *Machine {
	m := &Machine{
		db:        db,
		gate:      gate,
		autonomy:  autonomyGate,
		approvals: approvals,
		logger:    log.Get(),
		events:    events.Nop{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "stage")
	return m
}

// Promote moves a bot to the next stage. Checks run in order: target is the
// immediate next stage, bot not killed, no stage lock, autonomy (automated
// only), gate evaluator, and for CANARY to LIVE a governance token. A missing
// or rejected token returns RequiresApproval without writing anything.
func (m *Machine) Promote(ctx context.Context, req PromoteRequest) (*PromoteResult, error) {
	if strings.TrimSpace(req.BotID) == "" {
		return nil, apperr.Validation("bot_id is empty")
	}
	if strings.TrimSpace(req.TriggeredBy) == "" {
		return nil, apperr.Validation("triggered_by is required")
	}
	if !req.Target.Valid() {
		return nil, apperr.Validation("unknown stage %q", req.Target)
	}

	bot, err := bots.Load(ctx, m.db, req.BotID)
	if err != nil {
		return nil, err
	}
	next, ok := bot.Stage.Next()
	if !ok || req.Target != next {
		return nil, apperr.New(apperr.KindValidation, apperr.CodeInvalidTransition,
			"%s can only be promoted to the next stage, not %s", bot.Stage, req.Target).
			WithHint("promote one stage at a time")
	}
	if bot.Killed() {
		return nil, apperr.Blocked(apperr.CodeBotKilled, "bot %s is killed", bot.ID).
			WithHint("resurrect the bot before promoting")
	}
	now := m.now()
	if bot.Locked(now) {
		return nil, apperr.Blocked(apperr.CodeStageLocked, "bot %s stage is locked until %s",
			bot.ID, bot.StageLockedUntil.Format(time.RFC3339)).
			WithHint("wait for the lock to expire")
	}
	if req.Automated {
		if bot.PromotionMode != bots.PromotionAuto {
			return nil, apperr.Blocked(apperr.CodeManualPromotionOnly, "bot %s only accepts manual promotions", bot.ID)
		}
		if m.autonomy == nil {
			return nil, apperr.Blocked(apperr.CodeAutonomyBlocked, "no autonomy gate configured")
		}
		if d := m.autonomy.Evaluate(ctx); !d.AutonomyAllowed {
			return nil, apperr.Blocked(apperr.CodeAutonomyBlocked, "autonomy gate is %s", d.Status).
				WithReasons(d.ReasonCodes...)
		}
	}

	if m.gate == nil {
		return nil, apperr.New(apperr.KindFatal, apperr.CodeCollaboratorFailed, "no gate evaluator configured")
	}
	verdict, err := m.gate.Evaluate(ctx, bot.ID, req.Target)
	if err != nil {
		m.logger.Error("gate evaluation failed", "bot_id", bot.ID, "target", req.Target, "error", err)
		return nil, &apperr.Error{
			Kind:    apperr.KindFatal,
			Code:    apperr.CodeCollaboratorFailed,
			Message: "gate evaluation failed",
			Hint:    "promotion denied until the gate evaluator answers",
			Err:     err,
		}
	}
	if !verdict.Pass {
		return nil, apperr.Blocked(apperr.CodeGateBlocked, "promotion gate for %s did not pass", req.Target).
			WithReasons(verdict.ReasonCodes...)
	}

	reasons := append([]string(nil), verdict.ReasonCodes...)
	var approval *governance.Approval
	if bot.Stage == bots.StageCanary && req.Target == bots.StageLive {
		approval, err = m.verifyApproval(ctx, bot.ID, req.ApprovalToken)
		if err != nil {
			if code, ok := approvalDenial(err); ok {
				m.logger.Info("live promotion needs approval", "bot_id", bot.ID, "reason", code)
				return &PromoteResult{
					RequiresApproval: true,
					From:             bot.Stage,
					To:               req.Target,
					ReasonCodes:      denialReasons(code),
				}, nil
			}
			return nil, err
		}
	}

	rec := &ChangeRecord{
		ID:          uuid.NewString(),
		BotID:       bot.ID,
		FromStage:   bot.Stage,
		ToStage:     req.Target,
		Decision:    DecisionPromoted,
		ReasonCodes: reasons,
		TriggeredBy: req.TriggeredBy,
		CreatedAt:   now,
	}
	if approval != nil {
		rec.ApprovalID = &approval.ID
	}

	stopped, err := m.commit(ctx, rec, true)
	if err != nil {
		return nil, err
	}

	m.logger.Info("bot promoted", "bot_id", bot.ID, "from", rec.FromStage, "to", rec.ToStage,
		"triggered_by", req.TriggeredBy, "automated", req.Automated)
	m.publish(events.StagePromoted, rec, stopped)
	return &PromoteResult{Applied: true, From: rec.FromStage, To: rec.ToStage, ReasonCodes: reasons, Record: rec}, nil
}

// Demote moves a bot to any earlier stage. Demoting a LIVE bot needs
// ConfirmLive. Demotion ignores stage locks, the gate and the kill flag.
func (m *Machine) Demote(ctx context.Context, req DemoteRequest) (*DemoteResult, error) {
	if strings.TrimSpace(req.BotID) == "" {
		return nil, apperr.Validation("bot_id is empty")
	}
	if strings.TrimSpace(req.TriggeredBy) == "" {
		return nil, apperr.Validation("triggered_by is required")
	}
	if strings.TrimSpace(req.ReasonCode) == "" {
		return nil, apperr.Validation("reason_code is required")
	}
	if !req.Target.Valid() {
		return nil, apperr.Validation("unknown stage %q", req.Target)
	}

	bot, err := bots.Load(ctx, m.db, req.BotID)
	if err != nil {
		return nil, err
	}
	if !req.Target.Before(bot.Stage) {
		return nil, apperr.New(apperr.KindValidation, apperr.CodeInvalidTransition,
			"%s is not earlier than %s", req.Target, bot.Stage)
	}
	if bot.Stage == bots.StageLive && !req.ConfirmLive {
		return nil, apperr.New(apperr.KindValidation, apperr.CodeLiveDemotionUnconfirmed,
			"bot %s is LIVE; demotion may interrupt open positions", bot.ID).
			WithHint("repeat with confirmation")
	}

	rec := &ChangeRecord{
		ID:          uuid.NewString(),
		BotID:       bot.ID,
		FromStage:   bot.Stage,
		ToStage:     req.Target,
		Decision:    DecisionDemoted,
		ReasonCodes: []string{req.ReasonCode},
		TriggeredBy: req.TriggeredBy,
		CreatedAt:   m.now(),
	}
	stopped, err := m.commit(ctx, rec, false)
	if err != nil {
		return nil, err
	}

	m.logger.Warn("bot demoted", "bot_id", bot.ID, "from", rec.FromStage, "to", rec.ToStage,
		"reason_code", req.ReasonCode, "triggered_by", req.TriggeredBy)
	m.publish(events.StageDemoted, rec, stopped)
	return &DemoteResult{Applied: true, From: rec.FromStage, To: rec.ToStage, Record: rec}, nil
}

// GetStageAuditTrail returns a bot's stage changes, oldest first.
func (m *Machine) GetStageAuditTrail(ctx context.Context, botID string) ([]ChangeRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
SELECT id, bot_id, from_stage, to_stage, decision, reason_codes, triggered_by, approval_id, created_at
FROM bot_stage_changes
WHERE bot_id = ?
ORDER BY created_at ASC, rowid ASC;
`, botID)
	if err != nil {
		return nil, apperr.Fatal(err, "load stage audit trail")
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		var (
			rec        ChangeRecord
			from, to   string
			decision   string
			reasons    string
			approvalID sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&rec.ID, &rec.BotID, &from, &to, &decision, &reasons, &rec.TriggeredBy, &approvalID, &createdAt); err != nil {
			return nil, apperr.Fatal(err, "scan stage change")
		}
		rec.FromStage = bots.Stage(from)
		rec.ToStage = bots.Stage(to)
		rec.Decision = Decision(decision)
		if err := json.Unmarshal([]byte(reasons), &rec.ReasonCodes); err != nil {
			return nil, apperr.Fatal(err, "decode reason codes")
		}
		rec.ApprovalID = storage.NullString(approvalID)
		if t, err := storage.ParseTime(createdAt); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Fatal(err, "load stage audit trail")
	}
	return out, nil
}

// commit writes the stage change, its audit record, the approval consumption
// and the runner stop in one transaction. The stage update re-checks the
// expected stage and, for promotions, the kill flag and lock.
func (m *Machine) commit(ctx context.Context, rec *ChangeRecord, promotion bool) ([]string, error) {
	reasons := rec.ReasonCodes
	if reasons == nil {
		reasons = []string{}
	}
	reasonJSON, err := json.Marshal(reasons)
	if err != nil {
		return nil, apperr.Fatal(err, "encode reason codes")
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Fatal(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	at := storage.FormatTime(rec.CreatedAt)
	query := `UPDATE bots SET stage = ?, stage_updated_at = ? WHERE id = ? AND stage = ?`
	args := []any{rec.ToStage, at, rec.BotID, rec.FromStage}
	if promotion {
		query += ` AND killed_at IS NULL AND (stage_locked_until IS NULL OR stage_locked_until <= ?)`
		args = append(args, at)
	}
	res, err := tx.ExecContext(ctx, query+`;`, args...)
	if err != nil {
		return nil, apperr.Fatal(err, "update stage")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, m.lostRace(ctx, tx, rec)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO bot_stage_changes(id, bot_id, from_stage, to_stage, decision, reason_codes, triggered_by, approval_id, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.ID, rec.BotID, rec.FromStage, rec.ToStage, rec.Decision, string(reasonJSON), rec.TriggeredBy, rec.ApprovalID, at); err != nil {
		return nil, apperr.Fatal(err, "append stage change")
	}

	if rec.ApprovalID != nil {
		if err := governance.ConsumeTx(ctx, tx, *rec.ApprovalID, rec.CreatedAt); err != nil {
			return nil, err
		}
	}

	stopped, err := runner.StopForBotTx(ctx, tx, rec.BotID, rec.CreatedAt, StopStageChanged)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Fatal(err, "commit tx")
	}
	return stopped, nil
}

// lostRace explains why the guarded stage update matched no row.
func (m *Machine) lostRace(ctx context.Context, tx *sql.Tx, rec *ChangeRecord) error {
	bot, err := bots.Load(ctx, tx, rec.BotID)
	if err != nil {
		return err
	}
	switch {
	case bot.Stage != rec.FromStage:
		return apperr.Conflict(apperr.CodeStageConflict, "bot %s moved to %s concurrently", bot.ID, bot.Stage)
	case bot.Killed():
		return apperr.Blocked(apperr.CodeBotKilled, "bot %s was killed during promotion", bot.ID)
	default:
		return apperr.Blocked(apperr.CodeStageLocked, "bot %s stage was locked during promotion", bot.ID)
	}
}

func (m *Machine) verifyApproval(ctx context.Context, botID, token string) (*governance.Approval, error) {
	if strings.TrimSpace(token) == "" {
		return nil, apperr.Blocked(apperr.CodeDualControlRequired, "CANARY to LIVE needs an approval token")
	}
	if m.approvals == nil {
		return nil, apperr.Blocked(apperr.CodeDualControlRequired, "no approval verifier configured")
	}
	return m.approvals.VerifyForPromotion(ctx, token, botID)
}

func (m *Machine) publish(eventType string, rec *ChangeRecord, stopped []string) {
	if m.runners != nil {
		m.runners.PublishStopped(rec.BotID, stopped, StopStageChanged)
	}
	m.events.Publish(eventType, rec)
}

// approvalDenial reports whether err is a token problem that should surface
// as RequiresApproval rather than as an error.
func approvalDenial(err error) (apperr.Code, bool) {
	switch code := apperr.CodeOf(err); code {
	case apperr.CodeDualControlRequired, apperr.CodeTokenExpired, apperr.CodeTokenInvalid,
		apperr.CodeTokenBotMismatch, apperr.CodeTokenActionMismatch, apperr.CodeTokenConsumed:
		return code, true
	}
	return "", false
}

func denialReasons(code apperr.Code) []string {
	if code == apperr.CodeDualControlRequired {
		return []string{string(code)}
	}
	return []string{string(apperr.CodeDualControlRequired), string(code)}
}
