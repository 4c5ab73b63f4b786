// Package autonomy aggregates system health into the single fail-closed
// allow/deny decision consulted before any autonomous action: runner starts,
// automated promotions and live order routing.
package autonomy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/scheduler"
)

type Status string

const (
	StatusOK       Status = "OK"
	StatusDegraded Status = "DEGRADED"
	StatusBlocked  Status = "BLOCKED"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Check reason codes.
const (
	ReasonIntegrationMissing = "INTEGRATION_NOT_CONFIGURED"
	ReasonLoopStale          = "LOOP_STALE"
	ReasonLoopLate           = "LOOP_LATE"
	ReasonLoopErroring       = "LOOP_ERRORING"
	ReasonRiskSelfTest       = "RISK_SELFTEST_INSUFFICIENT"
	ReasonCriticalBlocker    = "CRITICAL_BLOCKER_OPEN"
	ReasonWarningBlocker     = "WARNING_BLOCKER_OPEN"
	ReasonCheckFailed        = "HEALTH_CHECK_UNAVAILABLE"
)

// Check is one input to the decision.
type Check struct {
	Name     string   `json:"name"`
	OK       bool     `json:"ok"`
	Severity Severity `json:"severity"`
	Code     string   `json:"code,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// Decision is the gate's verdict. AutonomyAllowed is false whenever Status is
// BLOCKED.
type Decision struct {
	Status          Status    `json:"status"`
	AutonomyAllowed bool      `json:"autonomy_allowed"`
	ReasonCodes     []string  `json:"reason_codes,omitempty"`
	Checks          []Check   `json:"checks"`
	EvaluatedAt     time.Time `json:"evaluated_at"`
}

// IntegrationRegistry reports whether an external integration is configured.
type IntegrationRegistry interface {
	IsConfigured(name string) bool
}

// RiskSelfTest reports how many consecutive risk-engine self-tests passed.
type RiskSelfTest interface {
	ConsecutivePasses(ctx context.Context) (int, error)
}

// LoopStatusSource reports when a background loop last ticked.
type LoopStatusSource interface {
	Status(ctx context.Context, name string) (scheduler.LoopStatus, error)
}

// BlockerSource lists unresolved blockers.
type BlockerSource interface {
	OpenBlockers(ctx context.Context) ([]Blocker, error)
}

type Config struct {
	RequiredIntegration string
	MinRiskPasses       int
	LoopStaleAfter      time.Duration
	// Loops whose liveness is required; defaults to the timeout supervisor
	// and the supervisor loop.
	Loops []string
}

// Gate evaluates autonomy. The zero value is not usable; use New.
type Gate struct {
	cfg          Config
	integrations IntegrationRegistry
	risk         RiskSelfTest
	loops        LoopStatusSource
	blockers     BlockerSource
	logger       *slog.Logger
	now          func() time.Time
}

func New(cfg Config, integrations IntegrationRegistry, risk RiskSelfTest, loops LoopStatusSource, blockers BlockerSource, logger *slog.Logger) *Gate {
	if len(cfg.Loops) == 0 {
		cfg.Loops = []string{scheduler.LoopTimeoutSupervisor, scheduler.LoopSupervisor}
	}
	if cfg.LoopStaleAfter <= 0 {
		cfg.LoopStaleAfter = 5 * time.Minute
	}
	if logger == nil {
		logger = log.Get()
	}
	return &Gate{
		cfg:          cfg,
		integrations: integrations,
		risk:         risk,
		loops:        loops,
		blockers:     blockers,
		logger:       logger.With("component", "autonomy"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithNow allows injecting deterministic time for tests.
func (g *Gate) WithNow(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Evaluate never returns an error: a check that cannot be evaluated counts as
// a failed critical check, so uncertainty denies autonomy.
func (g *Gate) Evaluate(ctx context.Context) Decision {
	now := g.now()
	var checks []Check

	checks = append(checks, g.checkIntegration())
	for _, name := range g.cfg.Loops {
		checks = append(checks, g.checkLoop(ctx, name, now)...)
	}
	checks = append(checks, g.checkRisk(ctx))
	checks = append(checks, g.checkBlockers(ctx)...)

	d := Decision{Status: StatusOK, AutonomyAllowed: true, Checks: checks, EvaluatedAt: now}
	seen := map[string]bool{}
	for _, c := range checks {
		if c.OK {
			continue
		}
		if c.Code != "" && !seen[c.Code] {
			seen[c.Code] = true
			d.ReasonCodes = append(d.ReasonCodes, c.Code)
		}
		switch c.Severity {
		case SeverityCritical:
			d.Status = StatusBlocked
			d.AutonomyAllowed = false
		case SeverityWarning:
			if d.Status == StatusOK {
				d.Status = StatusDegraded
			}
		}
	}

	if !d.AutonomyAllowed {
		g.logger.Warn("autonomy blocked", "reasons", d.ReasonCodes)
	} else {
		g.logger.Debug("autonomy evaluated", "status", d.Status)
	}
	return d
}

func (g *Gate) checkIntegration() Check {
	c := Check{Name: "integration", Severity: SeverityCritical}
	switch {
	case g.cfg.RequiredIntegration == "":
		c.OK = true
		c.Detail = "no required integration"
	case g.integrations == nil:
		c.Code = ReasonCheckFailed
		c.Detail = "integration registry unavailable"
	case g.integrations.IsConfigured(g.cfg.RequiredIntegration):
		c.OK = true
		c.Detail = g.cfg.RequiredIntegration + " configured"
	default:
		c.Code = ReasonIntegrationMissing
		c.Detail = g.cfg.RequiredIntegration + " is not configured"
	}
	return c
}

func (g *Gate) checkLoop(ctx context.Context, name string, now time.Time) []Check {
	c := Check{Name: "loop:" + name, Severity: SeverityCritical}
	if g.loops == nil {
		c.Code = ReasonCheckFailed
		c.Detail = "loop status unavailable"
		return []Check{c}
	}
	st, err := g.loops.Status(ctx, name)
	if err != nil {
		c.Code = ReasonCheckFailed
		c.Detail = err.Error()
		return []Check{c}
	}
	age, ok := st.Age(now)
	switch {
	case !ok:
		c.Code = ReasonLoopStale
		c.Detail = "never ticked"
		return []Check{c}
	case age > g.cfg.LoopStaleAfter:
		c.Code = ReasonLoopStale
		c.Detail = fmt.Sprintf("last tick %s ago", age.Round(time.Second))
		return []Check{c}
	case age > g.cfg.LoopStaleAfter/2:
		c.Severity = SeverityWarning
		c.Code = ReasonLoopLate
		c.Detail = fmt.Sprintf("last tick %s ago", age.Round(time.Second))
		return []Check{c}
	}
	c.OK = true
	c.Detail = fmt.Sprintf("last tick %s ago", age.Round(time.Second))

	out := []Check{c}
	if st.LastError != nil {
		out = append(out, Check{
			Name:     "loop:" + name + ":errors",
			Severity: SeverityWarning,
			Code:     ReasonLoopErroring,
			Detail:   *st.LastError,
		})
	}
	return out
}

func (g *Gate) checkRisk(ctx context.Context) Check {
	c := Check{Name: "risk_selftest", Severity: SeverityCritical}
	if g.risk == nil {
		c.Code = ReasonCheckFailed
		c.Detail = "risk self-test unavailable"
		return c
	}
	passes, err := g.risk.ConsecutivePasses(ctx)
	if err != nil {
		c.Code = ReasonCheckFailed
		c.Detail = err.Error()
		return c
	}
	c.Detail = fmt.Sprintf("%d consecutive passes (need %d)", passes, g.cfg.MinRiskPasses)
	if passes < g.cfg.MinRiskPasses {
		c.Code = ReasonRiskSelfTest
		return c
	}
	c.OK = true
	return c
}

func (g *Gate) checkBlockers(ctx context.Context) []Check {
	if g.blockers == nil {
		return []Check{{Name: "blockers", Severity: SeverityCritical, Code: ReasonCheckFailed, Detail: "blocker source unavailable"}}
	}
	open, err := g.blockers.OpenBlockers(ctx)
	if err != nil {
		return []Check{{Name: "blockers", Severity: SeverityCritical, Code: ReasonCheckFailed, Detail: err.Error()}}
	}
	if len(open) == 0 {
		return []Check{{Name: "blockers", OK: true, Severity: SeverityCritical, Detail: "none open"}}
	}
	out := make([]Check, 0, len(open))
	for _, b := range open {
		c := Check{Name: "blocker:" + b.Code, Severity: b.Severity, Detail: b.Detail}
		if b.Severity == SeverityCritical {
			c.Code = ReasonCriticalBlocker
		} else {
			c.Code = ReasonWarningBlocker
		}
		out = append(out, c)
	}
	return out
}
