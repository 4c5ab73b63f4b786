package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/warden/internal/api"
	"github.com/mattjoyce/warden/internal/auth"
	"github.com/mattjoyce/warden/internal/autonomy"
	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/config"
	"github.com/mattjoyce/warden/internal/events"
	"github.com/mattjoyce/warden/internal/gate"
	"github.com/mattjoyce/warden/internal/governance"
	"github.com/mattjoyce/warden/internal/inspect"
	"github.com/mattjoyce/warden/internal/killswitch"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/queue"
	"github.com/mattjoyce/warden/internal/runner"
	"github.com/mattjoyce/warden/internal/scheduler"
	"github.com/mattjoyce/warden/internal/stage"
	"github.com/mattjoyce/warden/internal/storage"
	"github.com/mattjoyce/warden/internal/supervisor"
)

// components is the fully wired orchestrator over one state database. Both
// `warden start` and the one-shot commands build it the same way.
type components struct {
	cfg *config.Config
	db  *sql.DB
	hub *events.Hub

	bots       *bots.Repository
	queue      *queue.Queue
	runners    *runner.Manager
	power      *killswitch.Power
	kill       *killswitch.Switch
	approvals  *governance.Workflow
	stages     *stage.Machine
	blockers   *autonomy.BlockerStore
	selfTests  *autonomy.SelfTestLog
	liveness   *scheduler.Liveness
	autonomy   *autonomy.Gate
	supervisor *supervisor.Supervisor
}

// deferredStopper lets power and the runner manager reference each other.
type deferredStopper struct{ m *runner.Manager }

func (d *deferredStopper) StopAllActive(ctx context.Context, reason string) (int, error) {
	if d.m == nil {
		return 0, fmt.Errorf("runner manager not wired")
	}
	return d.m.StopAllActive(ctx, reason)
}

func openComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.State.Path, err)
	}
	c, err := wireComponents(db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func wireComponents(db *sql.DB, cfg *config.Config) (*components, error) {
	hub := events.NewHub(256)
	c := &components{cfg: cfg, db: db, hub: hub}

	c.bots = bots.NewRepository(db)
	c.queue = queue.New(db, queue.WithLogger(log.WithComponent("queue")), queue.WithPublisher(hub))
	c.blockers = autonomy.NewBlockerStore(db)
	c.selfTests = autonomy.NewSelfTestLog(db)
	c.liveness = scheduler.NewLiveness(db)
	c.autonomy = autonomy.New(autonomy.Config{
		RequiredIntegration: cfg.Autonomy.RequiredIntegration,
		MinRiskPasses:       cfg.Autonomy.MinRiskPasses,
		LoopStaleAfter:      cfg.Autonomy.LoopStaleAfter,
	}, autonomy.StaticIntegrations(cfg.Integrations), c.selfTests, c.liveness, c.blockers, log.WithComponent("autonomy"))

	stopper := &deferredStopper{}
	c.power = killswitch.NewPower(db, stopper, cfg.Power.CacheTTL,
		killswitch.WithPowerLogger(log.WithComponent("power")),
		killswitch.WithPowerPublisher(hub),
		killswitch.WithPausers(c.queue.ResearchPauser()),
	)
	c.runners = runner.NewManager(db, c.queue, c.autonomy,
		runner.WithLogger(log.WithComponent("runner")),
		runner.WithPublisher(hub),
		runner.WithPower(c.power),
	)
	stopper.m = c.runners

	c.kill = killswitch.New(db,
		killswitch.WithLogger(log.WithComponent("killswitch")),
		killswitch.WithPublisher(hub),
		killswitch.WithRunnerPublisher(c.runners),
	)

	approvals, err := governance.New(db, []byte(cfg.Governance.Secret),
		governance.WithLogger(log.WithComponent("governance")),
		governance.WithPublisher(hub),
		governance.WithRequestTTL(cfg.Governance.RequestTTL),
		governance.WithTokenTTL(cfg.Governance.TokenTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("governance: %w", err)
	}
	c.approvals = approvals

	c.stages = stage.NewMachine(db, gateEvaluator(cfg), c.autonomy, c.approvals,
		stage.WithLogger(log.WithComponent("stage")),
		stage.WithPublisher(hub),
		stage.WithRunnerPublisher(c.runners),
	)
	c.supervisor = supervisor.New(c.bots, c.runners, c.autonomy, c.power, cfg.Supervisor.HeartbeatFreshness,
		supervisor.WithLogger(log.WithComponent("supervisor")),
		supervisor.WithPublisher(hub),
	)
	return c, nil
}

// gateEvaluator fails closed when no evaluator URL is configured.
func gateEvaluator(cfg *config.Config) stage.GateEvaluator {
	if cfg.Gate.URL == "" {
		return gate.Deny{}
	}
	return gate.NewClient(cfg.Gate.URL, cfg.Gate.Token, cfg.Gate.Timeout, log.WithComponent("gate"))
}

func (c *components) Close() error {
	c.power.Wait()
	return c.db.Close()
}

func (c *components) services() api.Services {
	return api.Services{
		Bots:      c.bots,
		Jobs:      c.queue,
		Stages:    c.stages,
		Kill:      c.kill,
		Approvals: c.approvals,
		Power:     c.power,
		Autonomy:  c.autonomy,
		Blockers:  c.blockers,
		SelfTests: c.selfTests,
		Runners:   c.runners,
		Events:    c.hub,
	}
}

func (c *components) reportSources() inspect.Sources {
	return inspect.Sources{
		Bots:      c.bots,
		Stages:    c.stages,
		Kill:      c.kill,
		Runners:   c.runners,
		Jobs:      c.queue,
		Approvals: c.approvals,
	}
}

// loops builds the background loops `warden start` runs.
func (c *components) loops(logger *slog.Logger) ([]*scheduler.Loop, error) {
	cfg := c.cfg
	opts := []scheduler.LoopOption{
		scheduler.WithRecorder(c.liveness),
		scheduler.WithInstance(cfg.Service.Instance),
	}

	timeouts, err := scheduler.NewLoop(scheduler.LoopTimeoutSupervisor, cfg.Jobs.SweepInterval, func(ctx context.Context) error {
		timedOut, err := c.queue.TimeoutSweep(ctx, cfg.Jobs.TimeoutThreshold)
		if err != nil {
			return err
		}
		if len(timedOut) > 0 {
			logger.Warn("jobs timed out", "count", len(timedOut))
		}
		if cfg.Jobs.JobLogRetention > 0 {
			if _, err := c.queue.PruneJobLogs(ctx, cfg.Jobs.JobLogRetention); err != nil {
				return err
			}
		}
		return nil
	}, log.WithComponent(scheduler.LoopTimeoutSupervisor), opts...)
	if err != nil {
		return nil, err
	}

	expiry, err := scheduler.NewLoop(scheduler.LoopGovernanceExpiry, cfg.Governance.ExpirySweepInterval, func(ctx context.Context) error {
		expired, err := c.approvals.ExpireStale(ctx)
		if len(expired) > 0 {
			logger.Info("approvals expired", "count", len(expired))
		}
		return err
	}, log.WithComponent(scheduler.LoopGovernanceExpiry), opts...)
	if err != nil {
		return nil, err
	}

	super, err := scheduler.NewLoop(scheduler.LoopSupervisor, cfg.Supervisor.Interval, func(ctx context.Context) error {
		_, err := c.supervisor.Tick(ctx)
		return err
	}, log.WithComponent(scheduler.LoopSupervisor), opts...)
	if err != nil {
		return nil, err
	}

	return []*scheduler.Loop{timeouts, expiry, super}, nil
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Tokens))
	for _, t := range cfg.API.Tokens {
		tokens = append(tokens, auth.TokenConfig{Actor: t.Actor, Token: t.Token, Scopes: t.Scopes})
	}
	return api.Config{Listen: cfg.API.Listen, Tokens: tokens}
}
