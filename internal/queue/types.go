package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/warden/internal/apperr"
)

// JobType names the narrow set of work the orchestrator queues per bot.
type JobType string

const (
	JobBacktester JobType = "BACKTESTER"
	JobEvolving   JobType = "EVOLVING"
	JobImproving  JobType = "IMPROVING"
	JobRunner     JobType = "RUNNER"
)

func (t JobType) Valid() bool {
	switch t {
	case JobBacktester, JobEvolving, JobImproving, JobRunner:
		return true
	}
	return false
}

func ParseJobType(raw string) (JobType, error) {
	t := JobType(strings.ToUpper(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown job type %q", raw)
	}
	return t, nil
}

type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// CanTransition reports whether from→to is an edge of the job state machine:
// QUEUED→RUNNING, RUNNING→{COMPLETED, FAILED, TIMEOUT}.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

type Job struct {
	ID              string          `json:"id"`
	BotID           string          `json:"bot_id"`
	Type            JobType         `json:"job_type"`
	Status          Status          `json:"status"`
	Priority        int             `json:"priority"`
	Payload         Payload         `json:"-"`
	Result          json.RawMessage `json:"result,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Attempts        int             `json:"attempts"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
}

// LastSignOfLife is the heartbeat, or the claim time when the worker has not
// heartbeated yet.
func (j *Job) LastSignOfLife() *time.Time {
	if j.LastHeartbeatAt != nil {
		return j.LastHeartbeatAt
	}
	return j.StartedAt
}

type EnqueueRequest struct {
	BotID    string
	Type     JobType
	Priority int
	Payload  Payload
	// Force bypasses the one-active-job-per-(bot, type) guard.
	Force bool
}

// DuplicateJobError is returned when a non-terminal job of the same bot and
// type already exists.
type DuplicateJobError struct {
	BotID         string
	Type          JobType
	ExistingJobID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("job %s already active for bot %s (type %s)", e.ExistingJobID, e.BotID, e.Type)
}

func (e *DuplicateJobError) Unwrap() error {
	return apperr.Conflict(apperr.CodeJobConflict, "active %s job exists for bot %s", e.Type, e.BotID).
		WithHint("wait for job " + e.ExistingJobID + " to finish or enqueue with force")
}
