// Package governance implements maker-checker dual control for the
// CANARY to LIVE promotion: one operator requests, a different operator
// approves, and the approval yields a short-lived signed token that the
// promotion must present.
package governance

import (
	"time"

	"github.com/mattjoyce/warden/internal/bots"
)

// ActionPromoteLive is the only action that needs dual control.
const ActionPromoteLive = "PROMOTE_CANARY_TO_LIVE"

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
	StatusWithdrawn Status = "WITHDRAWN"
)

func (s Status) Terminal() bool { return s != StatusPending }

// Evidence is the metrics snapshot a requester attaches to a live promotion
// request.
type Evidence struct {
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	GateReasons []string           `json:"gate_reasons,omitempty"`
	Notes       string             `json:"notes,omitempty"`
}

type Approval struct {
	ID            string     `json:"id"`
	BotID         string     `json:"bot_id"`
	Action        string     `json:"action"`
	FromStage     bots.Stage `json:"from_stage"`
	ToStage       bots.Stage `json:"to_stage"`
	Status        Status     `json:"status"`
	RequestedBy   string     `json:"requested_by"`
	ReviewedBy    *string    `json:"reviewed_by,omitempty"`
	RequestReason string     `json:"request_reason"`
	ReviewReason  *string    `json:"review_reason,omitempty"`
	Evidence      *Evidence  `json:"evidence,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty"`
	TokenIssuedAt *time.Time `json:"token_issued_at,omitempty"`
	ConsumedAt    *time.Time `json:"consumed_at,omitempty"`
}

type RequestInput struct {
	BotID         string
	RequestedBy   string
	Justification string
	Evidence      *Evidence
}

// Grant is returned by Approve. Token is shown once and never stored.
type Grant struct {
	Approval       *Approval `json:"approval"`
	Token          string    `json:"token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
}
