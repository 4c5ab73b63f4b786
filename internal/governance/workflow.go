package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/events"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/storage"
)

const (
	DefaultRequestTTL = 24 * time.Hour
	DefaultTokenTTL   = 5 * time.Minute
)

type Workflow struct {
	db         *sql.DB
	signer     *Signer
	requestTTL time.Duration
	tokenTTL   time.Duration
	logger     *slog.Logger
	events     events.Publisher
	now        func() time.Time
}

type Option func(*Workflow)

func WithLogger(l *slog.Logger) Option { return func(w *Workflow) { w.logger = l } }

func WithPublisher(p events.Publisher) Option { return func(w *Workflow) { w.events = p } }

func WithNow(now func() time.Time) Option { return func(w *Workflow) { w.now = now } }

func WithRequestTTL(d time.Duration) Option { return func(w *Workflow) { w.requestTTL = d } }

func WithTokenTTL(d time.Duration) Option { return func(w *Workflow) { w.tokenTTL = d } }

func New(db *sql.DB, secret []byte, opts ...Option) (*Workflow, error) {
	signer, err := NewSigner(secret)
	if err != nil {
		return nil, err
	}
	w := &Workflow{
		db:         db,
		signer:     signer,
		requestTTL: DefaultRequestTTL,
		tokenTTL:   DefaultTokenTTL,
		logger:     log.Get(),
		events:     events.Nop{},
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "governance")
	return w, nil
}

// RequestApproval opens a PENDING approval for a CANARY bot's move to LIVE.
// A bot has at most one PENDING approval.
func (w *Workflow) RequestApproval(ctx context.Context, in RequestInput) (*Approval, error) {
	if strings.TrimSpace(in.BotID) == "" {
		return nil, apperr.Validation("bot_id is empty")
	}
	if strings.TrimSpace(in.RequestedBy) == "" {
		return nil, apperr.Validation("requested_by is required")
	}
	if strings.TrimSpace(in.Justification) == "" {
		return nil, apperr.Validation("justification is required")
	}
	var evidence any
	if in.Evidence != nil {
		b, err := json.Marshal(in.Evidence)
		if err != nil {
			return nil, apperr.Validation("evidence: %v", err)
		}
		evidence = string(b)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Fatal(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	bot, err := bots.Load(ctx, tx, in.BotID)
	if err != nil {
		return nil, err
	}
	if bot.Killed() {
		return nil, apperr.Blocked(apperr.CodeBotKilled, "bot %s is killed", bot.ID)
	}
	if bot.Stage != bots.StageCanary {
		return nil, apperr.New(apperr.KindValidation, apperr.CodeInvalidTransition,
			"dual control applies to CANARY to LIVE; bot %s is in %s", bot.ID, bot.Stage)
	}

	now := w.now()
	if _, err := w.expireTx(ctx, tx, now, bot.ID); err != nil {
		return nil, err
	}
	var pending string
	err = tx.QueryRowContext(ctx, `
SELECT id FROM governance_approvals WHERE bot_id = ? AND status = ?;
`, bot.ID, StatusPending).Scan(&pending)
	switch {
	case err == nil:
		return nil, apperr.Conflict(apperr.CodeApprovalPending, "bot %s already has pending approval %s", bot.ID, pending).
			WithHint("approve, reject or withdraw the pending request first")
	case !errors.Is(err, sql.ErrNoRows):
		return nil, apperr.Fatal(err, "check pending approvals")
	}

	a := &Approval{
		ID:            uuid.NewString(),
		BotID:         bot.ID,
		Action:        ActionPromoteLive,
		FromStage:     bots.StageCanary,
		ToStage:       bots.StageLive,
		Status:        StatusPending,
		RequestedBy:   in.RequestedBy,
		RequestReason: in.Justification,
		Evidence:      in.Evidence,
		CreatedAt:     now,
		ExpiresAt:     now.Add(w.requestTTL),
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO governance_approvals(id, bot_id, action, from_stage, to_stage, status, requested_by, request_reason, evidence, created_at, expires_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, a.ID, a.BotID, a.Action, a.FromStage, a.ToStage, a.Status, a.RequestedBy, a.RequestReason, evidence,
		storage.FormatTime(a.CreatedAt), storage.FormatTime(a.ExpiresAt)); err != nil {
		return nil, apperr.Fatal(err, "insert approval")
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Fatal(err, "commit tx")
	}

	w.logger.Info("approval requested", "approval_id", a.ID, "bot_id", a.BotID, "requested_by", a.RequestedBy)
	w.events.Publish(events.GovernanceRequested, a)
	return a, nil
}

// Approve records the reviewer's approval and mints the promotion token.
// The reviewer must not be the requester.
func (w *Workflow) Approve(ctx context.Context, approvalID, reviewerID string) (*Grant, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return nil, apperr.Validation("reviewer is required")
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Fatal(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	a, err := w.reviewable(ctx, tx, approvalID, reviewerID)
	if err != nil {
		if apperr.Is(err, apperr.CodeApprovalExpired) {
			if cerr := tx.Commit(); cerr != nil {
				return nil, apperr.Fatal(cerr, "commit tx")
			}
		}
		return nil, err
	}
	bot, err := bots.Load(ctx, tx, a.BotID)
	if err != nil {
		return nil, err
	}
	if bot.Killed() {
		return nil, apperr.Blocked(apperr.CodeBotKilled, "bot %s is killed", bot.ID)
	}

	now := w.now()
	token, err := w.signer.Mint(Envelope{Action: a.Action, Subject: a.BotID, ApprovalID: a.ID, IssuedAt: now})
	if err != nil {
		return nil, apperr.Fatal(err, "mint approval token")
	}
	res, err := tx.ExecContext(ctx, `
UPDATE governance_approvals
SET status = ?, reviewed_by = ?, reviewed_at = ?, approval_token_hash = ?, token_issued_at = ?
WHERE id = ? AND status = ?;
`, StatusApproved, reviewerID, storage.FormatTime(now), HashToken(token), storage.FormatTime(now), a.ID, StatusPending)
	if err != nil {
		return nil, apperr.Fatal(err, "approve")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.Conflict(apperr.CodeApprovalResolved, "approval %s was resolved concurrently", a.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Fatal(err, "commit tx")
	}

	a.Status = StatusApproved
	a.ReviewedBy = &reviewerID
	a.ReviewedAt = &now
	a.TokenIssuedAt = &now
	w.logger.Info("approval granted", "approval_id", a.ID, "bot_id", a.BotID, "reviewed_by", reviewerID)
	w.events.Publish(events.GovernanceApproved, a)
	return &Grant{Approval: a, Token: token, TokenExpiresAt: now.Add(w.tokenTTL)}, nil
}

// Reject closes a pending approval. The same maker-checker rule applies.
func (w *Workflow) Reject(ctx context.Context, approvalID, reviewerID, reason string) (*Approval, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return nil, apperr.Validation("reviewer is required")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Validation("reason is required")
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Fatal(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	a, err := w.reviewable(ctx, tx, approvalID, reviewerID)
	if err != nil {
		if apperr.Is(err, apperr.CodeApprovalExpired) {
			if cerr := tx.Commit(); cerr != nil {
				return nil, apperr.Fatal(cerr, "commit tx")
			}
		}
		return nil, err
	}
	now := w.now()
	if err := w.resolveTx(ctx, tx, a.ID, StatusRejected, &reviewerID, &reason, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Fatal(err, "commit tx")
	}

	a.Status = StatusRejected
	a.ReviewedBy = &reviewerID
	a.ReviewReason = &reason
	a.ReviewedAt = &now
	w.logger.Info("approval rejected", "approval_id", a.ID, "bot_id", a.BotID, "reviewed_by", reviewerID)
	w.events.Publish(events.GovernanceRejected, a)
	return a, nil
}

// Withdraw lets the original requester cancel a pending approval.
func (w *Workflow) Withdraw(ctx context.Context, approvalID, requestedBy string) (*Approval, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Fatal(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	a, err := loadApproval(ctx, tx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.RequestedBy != requestedBy {
		return nil, apperr.Blocked(apperr.CodeNotRequester, "only %s may withdraw approval %s", a.RequestedBy, a.ID)
	}
	if a.Status != StatusPending {
		return nil, apperr.Conflict(apperr.CodeApprovalResolved, "approval %s is %s", a.ID, a.Status)
	}
	now := w.now()
	if err := w.resolveTx(ctx, tx, a.ID, StatusWithdrawn, nil, nil, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Fatal(err, "commit tx")
	}

	a.Status = StatusWithdrawn
	w.logger.Info("approval withdrawn", "approval_id", a.ID, "bot_id", a.BotID)
	w.events.Publish(events.GovernanceWithdrawn, a)
	return a, nil
}

// ExpireStale moves every PENDING approval past its expiry to EXPIRED and
// returns the expired ids. Safe to run concurrently.
func (w *Workflow) ExpireStale(ctx context.Context) ([]string, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Fatal(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	expired, err := w.expireTx(ctx, tx, w.now(), "")
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Fatal(err, "commit tx")
	}
	ids := make([]string, 0, len(expired))
	for _, e := range expired {
		ids = append(ids, e[0])
		w.events.Publish(events.GovernanceExpired, map[string]any{"approval_id": e[0], "bot_id": e[1]})
	}
	if len(ids) > 0 {
		w.logger.Info("expired stale approvals", "count", len(ids))
	}
	return ids, nil
}

func (w *Workflow) Get(ctx context.Context, approvalID string) (*Approval, error) {
	return loadApproval(ctx, w.db, approvalID)
}

// List returns a bot's approvals, newest first. An empty status lists all.
func (w *Workflow) List(ctx context.Context, botID string, status Status) ([]*Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM governance_approvals WHERE bot_id = ?`
	args := []any{botID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC;`

	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Fatal(err, "list approvals")
	}
	defer rows.Close()
	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, apperr.Fatal(err, "scan approval")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Fatal(err, "list approvals")
	}
	return out, nil
}

// VerifyForPromotion checks a token presented with a LIVE promotion and
// returns the approval it unlocks. It is read-only; the promotion consumes
// the approval with ConsumeTx in its own transaction.
func (w *Workflow) VerifyForPromotion(ctx context.Context, token, botID string) (*Approval, error) {
	env, err := w.signer.Verify(token, w.now(), w.tokenTTL, ActionPromoteLive, botID)
	if err != nil {
		return nil, err
	}
	row := w.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM governance_approvals WHERE approval_token_hash = ?;`, HashToken(token))
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, invalidToken("token does not match any approval")
	}
	if err != nil {
		return nil, apperr.Fatal(err, "load approval by token")
	}
	switch {
	case a.ID != env.ApprovalID || a.BotID != botID:
		return nil, invalidToken("token does not match its approval")
	case a.ConsumedAt != nil:
		return nil, apperr.Blocked(apperr.CodeTokenConsumed, "approval %s was already used", a.ID).
			WithHint("request and approve a new governance approval")
	case a.Status != StatusApproved:
		return nil, invalidToken("approval is " + string(a.Status))
	}
	return a, nil
}

// ConsumeTx marks an approved approval as used inside the promotion's
// transaction. A second consumer loses with TOKEN_CONSUMED.
func ConsumeTx(ctx context.Context, tx *sql.Tx, approvalID string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
UPDATE governance_approvals SET consumed_at = ?
WHERE id = ? AND status = ? AND consumed_at IS NULL;
`, storage.FormatTime(at), approvalID, StatusApproved)
	if err != nil {
		return apperr.Fatal(err, "consume approval")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Blocked(apperr.CodeTokenConsumed, "approval %s was already used", approvalID)
	}
	return nil
}

// reviewable loads a PENDING approval for review by reviewerID. An approval
// found past its expiry is moved to EXPIRED; the caller commits that.
func (w *Workflow) reviewable(ctx context.Context, tx *sql.Tx, approvalID, reviewerID string) (*Approval, error) {
	a, err := loadApproval(ctx, tx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return nil, apperr.Conflict(apperr.CodeApprovalResolved, "approval %s is %s", a.ID, a.Status)
	}
	now := w.now()
	if !now.Before(a.ExpiresAt) {
		if err := w.resolveTx(ctx, tx, a.ID, StatusExpired, nil, nil, now); err != nil {
			return nil, err
		}
		return nil, apperr.Conflict(apperr.CodeApprovalExpired, "approval %s expired at %s", a.ID, a.ExpiresAt.Format(time.RFC3339)).
			WithHint("submit a new approval request")
	}
	if a.RequestedBy == reviewerID {
		return nil, apperr.Blocked(apperr.CodeMakerCheckerViolation, "%s requested approval %s and cannot review it", reviewerID, a.ID).
			WithHint("a different operator must review")
	}
	return a, nil
}

func (w *Workflow) resolveTx(ctx context.Context, tx *sql.Tx, id string, to Status, reviewer, reason *string, at time.Time) error {
	var reviewedAt any
	if reviewer != nil {
		reviewedAt = storage.FormatTime(at)
	}
	res, err := tx.ExecContext(ctx, `
UPDATE governance_approvals SET status = ?, reviewed_by = ?, review_reason = ?, reviewed_at = ?
WHERE id = ? AND status = ?;
`, to, reviewer, reason, reviewedAt, id, StatusPending)
	if err != nil {
		return apperr.Fatal(err, "resolve approval")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Conflict(apperr.CodeApprovalResolved, "approval %s was resolved concurrently", id)
	}
	return nil
}

// expireTx expires stale PENDING approvals, optionally for one bot, and
// returns (approval id, bot id) pairs.
func (w *Workflow) expireTx(ctx context.Context, tx *sql.Tx, now time.Time, botID string) ([][2]string, error) {
	query := `
UPDATE governance_approvals SET status = ?
WHERE status = ? AND expires_at <= ?`
	args := []any{StatusExpired, StatusPending, storage.FormatTime(now)}
	if botID != "" {
		query += ` AND bot_id = ?`
		args = append(args, botID)
	}
	query += ` RETURNING id, bot_id;`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Fatal(err, "expire approvals")
	}
	defer rows.Close()
	var out [][2]string
	for rows.Next() {
		var pair [2]string
		if err := rows.Scan(&pair[0], &pair[1]); err != nil {
			return nil, apperr.Fatal(err, "scan expired approval")
		}
		out = append(out, pair)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Fatal(err, "expire approvals")
	}
	return out, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadApproval(ctx context.Context, q queryRower, id string) (*Approval, error) {
	row := q.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM governance_approvals WHERE id = ?;`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("approval %s not found", id)
	}
	if err != nil {
		return nil, apperr.Fatal(err, "load approval")
	}
	return a, nil
}

const approvalColumns = `id, bot_id, action, from_stage, to_stage, status, requested_by, reviewed_by, request_reason,
review_reason, evidence, created_at, expires_at, reviewed_at, token_issued_at, consumed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*Approval, error) {
	var (
		a             Approval
		fromStage     string
		toStage       string
		status        string
		reviewedBy    sql.NullString
		reviewReason  sql.NullString
		evidence      sql.NullString
		createdAt     string
		expiresAt     string
		reviewedAt    sql.NullString
		tokenIssuedAt sql.NullString
		consumedAt    sql.NullString
	)
	if err := row.Scan(&a.ID, &a.BotID, &a.Action, &fromStage, &toStage, &status, &a.RequestedBy, &reviewedBy,
		&a.RequestReason, &reviewReason, &evidence, &createdAt, &expiresAt, &reviewedAt, &tokenIssuedAt, &consumedAt); err != nil {
		return nil, err
	}
	a.FromStage = bots.Stage(fromStage)
	a.ToStage = bots.Stage(toStage)
	a.Status = Status(status)
	a.ReviewedBy = storage.NullString(reviewedBy)
	a.ReviewReason = storage.NullString(reviewReason)
	if evidence.Valid && evidence.String != "" {
		var ev Evidence
		if err := json.Unmarshal([]byte(evidence.String), &ev); err == nil {
			a.Evidence = &ev
		}
	}
	if t, err := storage.ParseTime(createdAt); err == nil {
		a.CreatedAt = t
	}
	if t, err := storage.ParseTime(expiresAt); err == nil {
		a.ExpiresAt = t
	}
	a.ReviewedAt = storage.ParseNullTime(reviewedAt)
	a.TokenIssuedAt = storage.ParseNullTime(tokenIssuedAt)
	a.ConsumedAt = storage.ParseNullTime(consumedAt)
	return &a, nil
}
