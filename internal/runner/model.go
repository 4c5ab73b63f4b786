// Package runner tracks the execution processes bound to bots. At most one
// instance per bot is primary; the supervisor reconciles against it.
package runner

import (
	"time"
)

type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusStopped Status = "STOPPED"
)

// Stop reasons recorded on runner_instances.stop_reason.
const (
	StopManual     = "MANUAL"
	StopSuperseded = "SUPERSEDED"
	StopKilled     = "KILLED"
	StopPowerOff   = "SYSTEM_POWER_OFF"
)

type Instance struct {
	ID              string     `json:"id"`
	BotID           string     `json:"bot_id"`
	AccountID       string     `json:"account_id"`
	ExecutionMode   string     `json:"execution_mode"`
	Status          Status     `json:"status"`
	IsPrimary       bool       `json:"is_primary"`
	StartedBy       string     `json:"started_by"`
	StartedAt       time.Time  `json:"started_at"`
	StoppedAt       *time.Time `json:"stopped_at,omitempty"`
	StopReason      *string    `json:"stop_reason,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	JobID           string     `json:"job_id,omitempty"`
}

// LastSignOfLife is the last heartbeat, or the start time before the first one.
func (i Instance) LastSignOfLife() time.Time {
	if i.LastHeartbeatAt != nil {
		return *i.LastHeartbeatAt
	}
	return i.StartedAt
}

// Fresh reports whether the instance is running and has shown life within window.
func (i Instance) Fresh(now time.Time, window time.Duration) bool {
	return i.Status == StatusRunning && now.Sub(i.LastSignOfLife()) <= window
}

// Held reports whether the instance was stopped on purpose. The supervisor
// never restarts a held bot; only an explicit start resumes it.
func (i Instance) Held() bool {
	if i.Status != StatusStopped || i.StopReason == nil {
		return false
	}
	switch *i.StopReason {
	case StopManual, StopKilled, StopPowerOff:
		return true
	}
	return false
}

type StartRequest struct {
	BotID         string
	AccountID     string // defaults to the bot's account
	ExecutionMode string // defaults to the stage's mode
	Actor         string
	Reason        string
}
