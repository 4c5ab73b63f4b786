package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the typed body of a job. Each job type has exactly one payload
// shape; the JSON envelope only exists at the storage/transport boundary.
type Payload interface {
	JobType() JobType
}

type BacktestPayload struct {
	StrategyVersion string     `json:"strategy_version,omitempty"`
	Symbols         []string   `json:"symbols,omitempty"`
	From            *time.Time `json:"from,omitempty"`
	To              *time.Time `json:"to,omitempty"`
}

func (BacktestPayload) JobType() JobType { return JobBacktester }

type EvolvePayload struct {
	Generation     int    `json:"generation"`
	PopulationSize int    `json:"population_size,omitempty"`
	ParentJobID    string `json:"parent_job_id,omitempty"`
}

func (EvolvePayload) JobType() JobType { return JobEvolving }

type ImprovePayload struct {
	Objective     string `json:"objective,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

func (ImprovePayload) JobType() JobType { return JobImproving }

// RunnerPayload binds a RUNNER job to the runner instance it executes.
type RunnerPayload struct {
	InstanceID    string `json:"instance_id"`
	AccountID     string `json:"account_id"`
	ExecutionMode string `json:"execution_mode"`
	Reason        string `json:"reason,omitempty"`
}

func (RunnerPayload) JobType() JobType { return JobRunner }

type envelope struct {
	Type JobType         `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload wraps p in its tagged envelope. A nil payload encodes to nil.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.JobType(), err)
	}
	return json.Marshal(envelope{Type: p.JobType(), Data: data})
}

// DecodePayload unwraps an envelope written by EncodePayload and checks its
// tag against the job's type.
func DecodePayload(t JobType, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	if env.Type != t {
		return nil, fmt.Errorf("payload tagged %s on %s job", env.Type, t)
	}
	return decodeData(t, env.Data)
}

// DecodePayloadData decodes an untagged payload body for job type t; used
// at the transport boundary where the job type travels separately.
func DecodePayloadData(t JobType, data []byte) (Payload, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	return decodeData(t, data)
}

func decodeData(t JobType, data json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case JobBacktester:
		var v BacktestPayload
		err = json.Unmarshal(data, &v)
		p = v
	case JobEvolving:
		var v EvolvePayload
		err = json.Unmarshal(data, &v)
		p = v
	case JobImproving:
		var v ImprovePayload
		err = json.Unmarshal(data, &v)
		p = v
	case JobRunner:
		var v RunnerPayload
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown job type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
