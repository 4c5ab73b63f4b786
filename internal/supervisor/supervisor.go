// Package supervisor reconciles which bots should have a running primary
// runner with which actually do, restarting drifted runners when the
// autonomy gate allows it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/autonomy"
	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/events"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/runner"
)

const Actor = "supervisor"

type Drift string

const (
	DriftNone     Drift = ""
	DriftNoRunner Drift = "NO_RUNNER"
	DriftStopped  Drift = "STOPPED"
	DriftStale    Drift = "STALE_HEARTBEAT"
)

type Action string

const (
	ActionHealthy       Action = "HEALTHY"
	ActionRestarted     Action = "RESTARTED"
	ActionSkipped       Action = "SKIPPED"
	ActionHeld          Action = "HELD"
	ActionRestartFailed Action = "RESTART_FAILED"
)

type BotOutcome struct {
	BotID      string     `json:"bot_id"`
	Stage      bots.Stage `json:"stage"`
	Drift      Drift      `json:"drift,omitempty"`
	Action     Action     `json:"action"`
	InstanceID string     `json:"instance_id,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

type TickReport struct {
	At        time.Time          `json:"at"`
	PowerOff  bool               `json:"power_off"`
	Autonomy  *autonomy.Decision `json:"autonomy,omitempty"`
	Checked   int                `json:"checked"`
	Healthy   int                `json:"healthy"`
	Restarted int                `json:"restarted"`
	Skipped   int                `json:"skipped"`
	Held      int                `json:"held"`
	Failed    int                `json:"failed"`
	Outcomes  []BotOutcome       `json:"outcomes,omitempty"`
}

type BotLister interface {
	List(ctx context.Context, f bots.ListFilter) ([]*bots.Bot, error)
}

type RunnerControl interface {
	Latest(ctx context.Context, botID string) (*runner.Instance, error)
	Start(ctx context.Context, req runner.StartRequest) (*runner.Instance, error)
}

type AutonomyGate interface {
	Evaluate(ctx context.Context) autonomy.Decision
}

type PowerState interface {
	IsOn(ctx context.Context) (bool, error)
}

type Supervisor struct {
	bots      BotLister
	runners   RunnerControl
	gate      AutonomyGate
	power     PowerState
	freshness time.Duration
	logger    *slog.Logger
	events    events.Publisher
	now       func() time.Time
}

type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

func WithPublisher(p events.Publisher) Option { return func(s *Supervisor) { s.events = p } }

func WithNow(now func() time.Time) Option { return func(s *Supervisor) { s.now = now } }

func New(botList BotLister, runners RunnerControl, gate AutonomyGate, power PowerState, freshness time.Duration, opts ...Option) *Supervisor {
	s := &Supervisor{
		bots:      botList,
		runners:   runners,
		gate:      gate,
		power:     power,
		freshness: freshness,
		logger:    log.Get(),
		events:    events.Nop{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "supervisor")
	return s
}

// Tick runs one reconciliation pass. While system power is off it does
// nothing. Bots whose runner was stopped on purpose (manual stop, kill,
// power-off) are held rather than restarted, so neither resurrect nor
// power-on resumes execution by itself. The autonomy gate is evaluated at
// most once per tick and only when some bot has drifted.
func (s *Supervisor) Tick(ctx context.Context) (TickReport, error) {
	report := TickReport{At: s.now()}

	if s.power != nil {
		on, err := s.power.IsOn(ctx)
		if err != nil {
			return report, fmt.Errorf("read system power: %w", err)
		}
		if !on {
			report.PowerOff = true
			s.logger.Debug("system power off, supervisor idle")
			return report, nil
		}
	}

	fleet, err := s.bots.List(ctx, bots.ListFilter{
		Stages:        []bots.Stage{bots.StagePaper, bots.StageShadow, bots.StageCanary, bots.StageLive},
		ExcludeKilled: true,
	})
	if err != nil {
		return report, fmt.Errorf("list bots: %w", err)
	}

	var errs []error
	for _, bot := range fleet {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		out := BotOutcome{BotID: bot.ID, Stage: bot.Stage}

		latest, err := s.runners.Latest(ctx, bot.ID)
		if err != nil {
			out.Action = ActionRestartFailed
			out.Reason = err.Error()
			report.Failed++
			report.Outcomes = append(report.Outcomes, out)
			errs = append(errs, fmt.Errorf("bot %s: %w", bot.ID, err))
			continue
		}
		out.Drift = s.drift(latest, report.At)
		if out.Drift == DriftNone {
			out.Action = ActionHealthy
			out.InstanceID = latest.ID
			report.Healthy++
			report.Outcomes = append(report.Outcomes, out)
			continue
		}
		if latest != nil && latest.Held() {
			out.Action = ActionHeld
			out.InstanceID = latest.ID
			out.Reason = *latest.StopReason
			report.Held++
			report.Outcomes = append(report.Outcomes, out)
			continue
		}

		if report.Autonomy == nil {
			d := s.evaluate(ctx)
			report.Autonomy = &d
		}
		if !report.Autonomy.AutonomyAllowed {
			out.Action = ActionSkipped
			out.Reason = string(apperr.CodeAutonomyBlocked)
			report.Skipped++
			report.Outcomes = append(report.Outcomes, out)
			s.events.Publish(events.SupervisorSkipped, out)
			continue
		}

		inst, err := s.runners.Start(ctx, runner.StartRequest{
			BotID:  bot.ID,
			Actor:  Actor,
			Reason: "drift:" + string(out.Drift),
		})
		switch {
		case err == nil:
			out.Action = ActionRestarted
			out.InstanceID = inst.ID
			report.Restarted++
			s.logger.Warn("runner restarted", "bot_id", bot.ID, "drift", out.Drift, "instance_id", inst.ID)
			s.events.Publish(events.SupervisorRestart, out)
		case apperr.KindOf(err) == apperr.KindBlocked:
			// Killed, power-off or autonomy flipped since the checks above.
			out.Action = ActionSkipped
			out.Reason = string(apperr.CodeOf(err))
			report.Skipped++
			s.events.Publish(events.SupervisorSkipped, out)
		default:
			out.Action = ActionRestartFailed
			out.Reason = err.Error()
			report.Failed++
			errs = append(errs, fmt.Errorf("restart %s: %w", bot.ID, err))
			s.logger.Error("runner restart failed", "bot_id", bot.ID, "error", err)
		}
		report.Outcomes = append(report.Outcomes, out)
	}

	if report.Restarted > 0 || report.Skipped > 0 || report.Failed > 0 {
		s.logger.Info("supervisor tick",
			"checked", report.Checked, "healthy", report.Healthy, "restarted", report.Restarted,
			"skipped", report.Skipped, "held", report.Held, "failed", report.Failed)
	}
	return report, errors.Join(errs...)
}

func (s *Supervisor) drift(latest *runner.Instance, now time.Time) Drift {
	switch {
	case latest == nil:
		return DriftNoRunner
	case latest.Status != runner.StatusRunning:
		return DriftStopped
	case !latest.Fresh(now, s.freshness):
		return DriftStale
	}
	return DriftNone
}

func (s *Supervisor) evaluate(ctx context.Context) autonomy.Decision {
	if s.gate == nil {
		return autonomy.Decision{Status: autonomy.StatusBlocked, ReasonCodes: []string{autonomy.ReasonCheckFailed}}
	}
	return s.gate.Evaluate(ctx)
}
