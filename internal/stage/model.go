// Package stage applies stage transitions. Promotions move one step at a
// time through the gate evaluator (and, for LIVE, governance); demotions go
// to any earlier stage. Every applied transition writes one audit record in
// the same transaction as the stage change.
package stage

import (
	"context"
	"time"

	"github.com/mattjoyce/warden/internal/bots"
)

//go:generate mockgen -destination=mocks/mock_gate.go -package=mocks github.com/mattjoyce/warden/internal/stage GateEvaluator

type Decision string

const (
	DecisionPromoted Decision = "PROMOTED"
	DecisionDemoted  Decision = "DEMOTED"
)

// GateResult is the external evaluator's verdict on a promotion.
type GateResult struct {
	Pass        bool     `json:"pass"`
	ReasonCodes []string `json:"reason_codes,omitempty"`
}

// GateEvaluator judges promotion readiness from metrics computed elsewhere.
type GateEvaluator interface {
	Evaluate(ctx context.Context, botID string, target bots.Stage) (GateResult, error)
}

// ChangeRecord is an append-only audit row.
type ChangeRecord struct {
	ID          string     `json:"id"`
	BotID       string     `json:"bot_id"`
	FromStage   bots.Stage `json:"from_stage"`
	ToStage     bots.Stage `json:"to_stage"`
	Decision    Decision   `json:"decision"`
	ReasonCodes []string   `json:"reason_codes"`
	TriggeredBy string     `json:"triggered_by"`
	ApprovalID  *string    `json:"approval_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type PromoteRequest struct {
	BotID         string
	Target        bots.Stage
	TriggeredBy   string
	ApprovalToken string
	// Automated promotions also need the autonomy gate and an AUTO bot.
	Automated bool
}

// PromoteResult reports a promotion. When RequiresApproval is set nothing
// was written and ReasonCodes says why the token was not accepted.
type PromoteResult struct {
	Applied          bool          `json:"applied"`
	RequiresApproval bool          `json:"requires_approval"`
	From             bots.Stage    `json:"from"`
	To               bots.Stage    `json:"to"`
	ReasonCodes      []string      `json:"reason_codes,omitempty"`
	Record           *ChangeRecord `json:"record,omitempty"`
}

type DemoteRequest struct {
	BotID       string
	Target      bots.Stage
	ReasonCode  string
	TriggeredBy string
	// ConfirmLive must be set to demote a LIVE bot.
	ConfirmLive bool
}

type DemoteResult struct {
	Applied bool          `json:"applied"`
	From    bots.Stage    `json:"from"`
	To      bots.Stage    `json:"to"`
	Record  *ChangeRecord `json:"record,omitempty"`
}
