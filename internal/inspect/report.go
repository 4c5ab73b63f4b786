// Package inspect builds the operator-facing status report for one bot: its
// registry row, stage history, kill history, runners, recent jobs and
// approvals.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/governance"
	"github.com/mattjoyce/warden/internal/killswitch"
	"github.com/mattjoyce/warden/internal/queue"
	"github.com/mattjoyce/warden/internal/runner"
	"github.com/mattjoyce/warden/internal/stage"
)

// Sources are the stores the report reads from.
type Sources struct {
	Bots interface {
		Get(ctx context.Context, id string) (*bots.Bot, error)
	}
	Stages interface {
		GetStageAuditTrail(ctx context.Context, botID string) ([]stage.ChangeRecord, error)
	}
	Kill interface {
		GetKillEvents(ctx context.Context, botID string, limit int) ([]killswitch.KillEvent, error)
	}
	Runners interface {
		ListActive(ctx context.Context) ([]*runner.Instance, error)
	}
	Jobs interface {
		ListByBot(ctx context.Context, botID string, limit int) ([]*queue.Job, error)
	}
	Approvals interface {
		List(ctx context.Context, botID string, status governance.Status) ([]*governance.Approval, error)
	}
}

// Options bound how much history the report carries.
type Options struct {
	JobLimit  int
	KillLimit int
	Now       time.Time
}

// Report is the structured form of a bot status report.
type Report struct {
	Bot         *bots.Bot              `json:"bot"`
	Locked      bool                   `json:"locked"`
	StageAudit  []stage.ChangeRecord   `json:"stage_audit"`
	KillEvents  []killswitch.KillEvent `json:"kill_events"`
	Runners     []*runner.Instance     `json:"runners"`
	RecentJobs  []*queue.Job           `json:"recent_jobs"`
	Approvals   []*governance.Approval `json:"approvals"`
	GeneratedAt time.Time              `json:"generated_at"`
}

// Gather collects the report. Any store error aborts it.
func Gather(ctx context.Context, src Sources, botID string, opts Options) (*Report, error) {
	if strings.TrimSpace(botID) == "" {
		return nil, fmt.Errorf("bot_id is required")
	}
	if opts.JobLimit <= 0 {
		opts.JobLimit = 10
	}
	if opts.KillLimit <= 0 {
		opts.KillLimit = 10
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}

	bot, err := src.Bots.Get(ctx, botID)
	if err != nil {
		return nil, err
	}
	r := &Report{Bot: bot, Locked: bot.Locked(opts.Now), GeneratedAt: opts.Now}

	if r.StageAudit, err = src.Stages.GetStageAuditTrail(ctx, botID); err != nil {
		return nil, fmt.Errorf("stage audit: %w", err)
	}
	if r.KillEvents, err = src.Kill.GetKillEvents(ctx, botID, opts.KillLimit); err != nil {
		return nil, fmt.Errorf("kill events: %w", err)
	}
	active, err := src.Runners.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("runners: %w", err)
	}
	for _, inst := range active {
		if inst.BotID == botID {
			r.Runners = append(r.Runners, inst)
		}
	}
	if r.RecentJobs, err = src.Jobs.ListByBot(ctx, botID, opts.JobLimit); err != nil {
		return nil, fmt.Errorf("jobs: %w", err)
	}
	if r.Approvals, err = src.Approvals.List(ctx, botID, ""); err != nil {
		return nil, fmt.Errorf("approvals: %w", err)
	}
	return r, nil
}

// Text renders a terminal-friendly report.
func (r *Report) Text() string {
	var out strings.Builder
	b := r.Bot

	fmt.Fprintf(&out, "Bot Status Report\n")
	fmt.Fprintf(&out, "Bot ID      : %s\n", b.ID)
	fmt.Fprintf(&out, "Account     : %s\n", b.AccountID)
	fmt.Fprintf(&out, "Stage       : %s (since %s)\n", b.Stage, stamp(b.StageUpdatedAt))
	fmt.Fprintf(&out, "Promotion   : %s\n", b.PromotionMode)
	switch {
	case r.Locked:
		fmt.Fprintf(&out, "Stage lock  : until %s\n", stamp(*b.StageLockedUntil))
	default:
		fmt.Fprintf(&out, "Stage lock  : <none>\n")
	}
	if b.Killed() {
		fmt.Fprintf(&out, "Killed      : %s (%s)\n", stamp(*b.KilledAt), deref(b.KillReason))
	} else {
		fmt.Fprintf(&out, "Killed      : no\n")
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Runners (%d active)\n", len(r.Runners))
	for _, inst := range r.Runners {
		hb := "<never>"
		if inst.LastHeartbeatAt != nil {
			hb = stamp(*inst.LastHeartbeatAt)
		}
		fmt.Fprintf(&out, "  - %s mode=%s primary=%t started_by=%s heartbeat=%s\n",
			inst.ID, inst.ExecutionMode, inst.IsPrimary, inst.StartedBy, hb)
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Stage history (%d)\n", len(r.StageAudit))
	for _, rec := range r.StageAudit {
		line := fmt.Sprintf("  - %s %s -> %s %s by %s",
			stamp(rec.CreatedAt), rec.FromStage, rec.ToStage, rec.Decision, rec.TriggeredBy)
		if len(rec.ReasonCodes) > 0 {
			line += " [" + strings.Join(rec.ReasonCodes, ",") + "]"
		}
		fmt.Fprintf(&out, "%s\n", line)
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Kill history (%d)\n", len(r.KillEvents))
	for _, ev := range r.KillEvents {
		fmt.Fprintf(&out, "  - %s %s %s by %s\n", stamp(ev.CreatedAt), ev.Type, ev.ReasonCode, ev.Actor)
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Recent jobs (%d)\n", len(r.RecentJobs))
	for _, j := range r.RecentJobs {
		line := fmt.Sprintf("  - %s %s %s attempts=%d", j.ID, j.Type, j.Status, j.Attempts)
		if j.ErrorMessage != nil {
			line += " error=" + *j.ErrorMessage
		}
		fmt.Fprintf(&out, "%s\n", line)
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Approvals (%d)\n", len(r.Approvals))
	for _, a := range r.Approvals {
		fmt.Fprintf(&out, "  - %s %s -> %s %s requested_by=%s\n", a.ID, a.FromStage, a.ToStage, a.Status, a.RequestedBy)
	}

	return out.String()
}

// JSON returns the machine-readable report.
func (r *Report) JSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
