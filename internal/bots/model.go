package bots

import (
	"fmt"
	"strings"
	"time"
)

// Stage is a bot's position in the risk-exposure lifecycle.
type Stage string

const (
	StageTrials Stage = "TRIALS"
	StagePaper  Stage = "PAPER"
	StageShadow Stage = "SHADOW"
	StageCanary Stage = "CANARY"
	StageLive   Stage = "LIVE"
)

var stageOrder = []Stage{StageTrials, StagePaper, StageShadow, StageCanary, StageLive}

// Stages returns every stage in ascending exposure order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Rank is the stage's position in the ordering, or -1 for unknown stages.
func (s Stage) Rank() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Stage) Valid() bool { return s.Rank() >= 0 }

// Next returns the immediate next stage; ok is false at LIVE.
func (s Stage) Next() (Stage, bool) {
	r := s.Rank()
	if r < 0 || r+1 >= len(stageOrder) {
		return "", false
	}
	return stageOrder[r+1], true
}

func (s Stage) Before(other Stage) bool {
	return s.Valid() && other.Valid() && s.Rank() < other.Rank()
}

// Running reports whether bots at this stage are expected to have a live runner.
func (s Stage) Running() bool {
	return s.Valid() && s != StageTrials
}

// ExecutionMode is the default runner execution mode for the stage.
func (s Stage) ExecutionMode() string {
	return strings.ToLower(string(s))
}

// ParseStage accepts stage names case-insensitively.
func ParseStage(raw string) (Stage, error) {
	s := Stage(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", raw)
	}
	return s, nil
}

type PromotionMode string

const (
	PromotionAuto   PromotionMode = "AUTO"
	PromotionManual PromotionMode = "MANUAL"
)

func ParsePromotionMode(raw string) (PromotionMode, error) {
	switch m := PromotionMode(strings.ToUpper(strings.TrimSpace(raw))); m {
	case PromotionAuto, PromotionManual:
		return m, nil
	case "":
		return PromotionManual, nil
	default:
		return "", fmt.Errorf("unknown promotion mode %q", raw)
	}
}

// Bot holds the orchestrator-owned fields of a trading bot.
type Bot struct {
	ID                      string        `json:"id"`
	AccountID               string        `json:"account_id"`
	Stage                   Stage         `json:"stage"`
	StageUpdatedAt          time.Time     `json:"stage_updated_at"`
	StageLockedUntil        *time.Time    `json:"stage_locked_until,omitempty"`
	PromotionMode           PromotionMode `json:"promotion_mode"`
	KilledAt                *time.Time    `json:"killed_at,omitempty"`
	KillReason              *string       `json:"kill_reason,omitempty"`
	CurrentRunnerInstanceID *string       `json:"current_runner_instance_id,omitempty"`
	CreatedAt               time.Time     `json:"created_at"`
}

func (b Bot) Killed() bool { return b.KilledAt != nil }

// Locked reports whether the stage lock is still in force at now.
func (b Bot) Locked(now time.Time) bool {
	return b.StageLockedUntil != nil && now.Before(*b.StageLockedUntil)
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Stages        []Stage
	ExcludeKilled bool
}
