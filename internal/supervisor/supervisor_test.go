package supervisor

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/warden/internal/autonomy"
	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/events"
	"github.com/mattjoyce/warden/internal/killswitch"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/queue"
	"github.com/mattjoyce/warden/internal/runner"
	"github.com/mattjoyce/warden/internal/storage/storagetest"
)

type countingGate struct {
	allowed bool
	calls   int
}

func (g *countingGate) Evaluate(context.Context) autonomy.Decision {
	g.calls++
	if g.allowed {
		return autonomy.Decision{Status: autonomy.StatusOK, AutonomyAllowed: true}
	}
	return autonomy.Decision{Status: autonomy.StatusBlocked, ReasonCodes: []string{autonomy.ReasonCriticalBlocker}}
}

type fixture struct {
	db      *sql.DB
	sup     *Supervisor
	runners *runner.Manager
	repo    *bots.Repository
	gate    *countingGate
	power   *killswitch.Power
	clock   *storagetest.Clock
	hub     *events.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storagetest.Open(t)
	clock := storagetest.NewClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	hub := events.NewHub(128)
	gate := &countingGate{allowed: true}
	q := queue.New(db, queue.WithLogger(log.Discard()), queue.WithNow(clock.Now))
	rm := runner.NewManager(db, q, gate, runner.WithLogger(log.Discard()), runner.WithNow(clock.Now))
	power := killswitch.NewPower(db, rm, 0, killswitch.WithPowerLogger(log.Discard()), killswitch.WithPowerNow(clock.Now))
	repo := bots.NewRepository(db).WithNow(clock.Now)
	sup := New(repo, rm, gate, power, 2*time.Minute,
		WithLogger(log.Discard()), WithNow(clock.Now), WithPublisher(hub))
	return &fixture{db: db, sup: sup, runners: rm, repo: repo, gate: gate, power: power, clock: clock, hub: hub}
}

func (f *fixture) bot(t *testing.T, id string, st bots.Stage) {
	t.Helper()
	_, err := f.repo.Register(context.Background(), id, "acct", bots.PromotionManual)
	require.NoError(t, err)
	_, err = f.db.Exec(`UPDATE bots SET stage = ? WHERE id = ?`, st, id)
	require.NoError(t, err)
}

func outcomeFor(r TickReport, botID string) BotOutcome {
	for _, o := range r.Outcomes {
		if o.BotID == botID {
			return o
		}
	}
	return BotOutcome{}
}

func TestTickRestartsDriftedRunners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bot(t, "trials", bots.StageTrials)
	f.bot(t, "missing", bots.StagePaper)
	f.bot(t, "healthy", bots.StageShadow)
	f.bot(t, "stale", bots.StageCanary)
	f.bot(t, "promoted", bots.StageLive)
	f.bot(t, "held", bots.StageLive)

	_, err := f.runners.Start(ctx, runner.StartRequest{BotID: "stale", Actor: "ops"})
	require.NoError(t, err)
	promoted, err := f.runners.Start(ctx, runner.StartRequest{BotID: "promoted", Actor: "ops"})
	require.NoError(t, err)
	_, err = f.runners.Stop(ctx, promoted.ID, "STAGE_CHANGED")
	require.NoError(t, err)
	held, err := f.runners.Start(ctx, runner.StartRequest{BotID: "held", Actor: "ops"})
	require.NoError(t, err)
	_, err = f.runners.Stop(ctx, held.ID, runner.StopManual)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	healthy, err := f.runners.Start(ctx, runner.StartRequest{BotID: "healthy", Actor: "ops"})
	require.NoError(t, err)
	f.gate.calls = 0

	report, err := f.sup.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Checked, "TRIALS bots have no runner")
	assert.Equal(t, 1, report.Healthy)
	assert.Equal(t, 3, report.Restarted)
	assert.Equal(t, 1, report.Held)
	require.NotNil(t, report.Autonomy)

	assert.Equal(t, DriftNoRunner, outcomeFor(report, "missing").Drift)
	assert.Equal(t, DriftStale, outcomeFor(report, "stale").Drift)
	assert.Equal(t, DriftStopped, outcomeFor(report, "promoted").Drift)
	assert.Equal(t, ActionHeld, outcomeFor(report, "held").Action)
	assert.Equal(t, healthy.ID, outcomeFor(report, "healthy").InstanceID)

	for _, id := range []string{"missing", "stale", "promoted"} {
		p, err := f.runners.Primary(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, p, id)
		assert.Equal(t, Actor, p.StartedBy)
	}
	p, err := f.runners.Primary(ctx, "held")
	require.NoError(t, err)
	assert.Nil(t, p)

	report, err = f.sup.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Healthy)
	assert.Equal(t, 1, report.Held)
	assert.Nil(t, report.Autonomy, "no drift, no gate evaluation")
}

func TestTickHeartbeatKeepsRunnerFresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bot(t, "b1", bots.StagePaper)
	inst, err := f.runners.Start(ctx, runner.StartRequest{BotID: "b1", Actor: "ops"})
	require.NoError(t, err)

	for range 5 {
		f.clock.Advance(90 * time.Second)
		_, err := f.runners.Heartbeat(ctx, inst.ID)
		require.NoError(t, err)
		report, err := f.sup.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Healthy)
	}
}

func TestTickSkipsWhenAutonomyBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bot(t, "b1", bots.StagePaper)
	f.bot(t, "b2", bots.StagePaper)
	f.gate.allowed = false
	sub, cancel := f.hub.Subscribe(8)
	defer cancel()

	report, err := f.sup.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, f.gate.calls, "gate is evaluated once per tick")
	assert.Equal(t, ActionSkipped, outcomeFor(report, "b1").Action)
	assert.Equal(t, events.SupervisorSkipped, (<-sub).Type)

	p, err := f.runners.Primary(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestTickNeverRestartsAfterKill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bot(t, "b1", bots.StagePaper)
	_, err := f.runners.Start(ctx, runner.StartRequest{BotID: "b1", Actor: "ops"})
	require.NoError(t, err)
	sw := killswitch.New(f.db, killswitch.WithLogger(log.Discard()))
	_, err = sw.Kill(ctx, killswitch.KillRequest{BotID: "b1", ReasonCode: "MANUAL", Actor: "alice"})
	require.NoError(t, err)

	report, err := f.sup.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Checked, "killed bots are not reconciled")

	_, err = sw.Resurrect(ctx, killswitch.ResurrectRequest{BotID: "b1", Actor: "alice"})
	require.NoError(t, err)
	report, err = f.sup.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Held, "resurrect does not resume trading")
	assert.Zero(t, report.Restarted)
}

func TestTickIdleWhilePowerOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"b1", "b2"} {
		f.bot(t, id, bots.StagePaper)
		_, err := f.runners.Start(ctx, runner.StartRequest{BotID: id, Actor: "ops"})
		require.NoError(t, err)
	}

	_, err := f.power.SetSystemPower(ctx, false, "alice")
	require.NoError(t, err)
	f.power.Wait()

	report, err := f.sup.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, report.PowerOff)
	assert.Zero(t, report.Restarted)

	active, err := f.runners.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active, "power-off cascade is not undone")

	_, err = f.power.SetSystemPower(ctx, true, "alice")
	require.NoError(t, err)
	report, err = f.sup.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Held, "power-on resumes nothing")
	assert.Zero(t, report.Restarted)

	_, err = f.runners.Start(ctx, runner.StartRequest{BotID: "b1", Actor: "alice"})
	require.NoError(t, err)
	report, err = f.sup.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Healthy)
}
