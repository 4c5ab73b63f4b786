package inspect

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/autonomy"
	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/governance"
	"github.com/mattjoyce/warden/internal/killswitch"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/queue"
	"github.com/mattjoyce/warden/internal/runner"
	"github.com/mattjoyce/warden/internal/stage"
	"github.com/mattjoyce/warden/internal/storage/storagetest"
)

type passGate struct{}

func (passGate) Evaluate(context.Context, string, bots.Stage) (stage.GateResult, error) {
	return stage.GateResult{Pass: true}, nil
}

type openGate struct{}

func (openGate) Evaluate(context.Context) autonomy.Decision {
	return autonomy.Decision{Status: autonomy.StatusOK, AutonomyAllowed: true}
}

type fixture struct {
	src     Sources
	bots    *bots.Repository
	stages  *stage.Machine
	kill    *killswitch.Switch
	runners *runner.Manager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := storagetest.Open(t)
	discard := log.Discard()

	q := queue.New(db, queue.WithLogger(discard))
	runners := runner.NewManager(db, q, openGate{}, runner.WithLogger(discard))
	gov, err := governance.New(db, []byte("inspect-test-secret"), governance.WithLogger(discard))
	require.NoError(t, err)

	f := fixture{
		bots:    bots.NewRepository(db),
		stages:  stage.NewMachine(db, passGate{}, openGate{}, gov, stage.WithLogger(discard), stage.WithRunnerPublisher(runners)),
		kill:    killswitch.New(db, killswitch.WithLogger(discard), killswitch.WithRunnerPublisher(runners)),
		runners: runners,
	}
	f.src = Sources{Bots: f.bots, Stages: f.stages, Kill: f.kill, Runners: runners, Jobs: q, Approvals: gov}
	return f
}

func TestGatherRunningBot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.bots.Register(ctx, "bot-a", "acct-1", bots.PromotionManual)
	require.NoError(t, err)
	_, err = f.bots.Register(ctx, "bot-b", "acct-1", bots.PromotionManual)
	require.NoError(t, err)
	for _, id := range []string{"bot-a", "bot-b"} {
		_, err = f.stages.Promote(ctx, stage.PromoteRequest{BotID: id, Target: bots.StagePaper, TriggeredBy: "alice"})
		require.NoError(t, err)
		_, err = f.runners.Start(ctx, runner.StartRequest{BotID: id, Actor: "alice"})
		require.NoError(t, err)
	}

	r, err := Gather(ctx, f.src, "bot-a", Options{})
	require.NoError(t, err)

	assert.Equal(t, bots.StagePaper, r.Bot.Stage)
	assert.False(t, r.Locked)
	require.Len(t, r.StageAudit, 1)
	assert.Equal(t, bots.StagePaper, r.StageAudit[0].ToStage)
	require.Len(t, r.Runners, 1, "only bot-a's runner")
	assert.Equal(t, "bot-a", r.Runners[0].BotID)
	require.Len(t, r.RecentJobs, 1)
	assert.Equal(t, queue.JobRunner, r.RecentJobs[0].Type)
	assert.Empty(t, r.KillEvents)

	text := r.Text()
	assert.Contains(t, text, "Bot ID      : bot-a")
	assert.Contains(t, text, "Runners (1 active)")
	assert.Contains(t, text, "TRIALS -> PAPER PROMOTED by alice")
	assert.Contains(t, text, "Killed      : no")
}

func TestGatherKilledBot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.bots.Register(ctx, "bot-a", "acct-1", bots.PromotionManual)
	require.NoError(t, err)
	_, err = f.stages.Promote(ctx, stage.PromoteRequest{BotID: "bot-a", Target: bots.StagePaper, TriggeredBy: "alice"})
	require.NoError(t, err)
	_, err = f.runners.Start(ctx, runner.StartRequest{BotID: "bot-a", Actor: "alice"})
	require.NoError(t, err)
	_, err = f.kill.Kill(ctx, killswitch.KillRequest{BotID: "bot-a", ReasonCode: "MANUAL", Actor: "ops"})
	require.NoError(t, err)

	r, err := Gather(ctx, f.src, "bot-a", Options{Now: time.Now().UTC()})
	require.NoError(t, err)

	assert.True(t, r.Bot.Killed())
	assert.Empty(t, r.Runners)
	require.Len(t, r.KillEvents, 1)
	assert.Equal(t, killswitch.EventKill, r.KillEvents[0].Type)
	assert.Contains(t, r.Text(), "KILL MANUAL by ops")

	out, err := r.JSON()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Contains(t, decoded, "kill_events")
	assert.Contains(t, decoded, "stage_audit")
}

func TestGatherErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := Gather(ctx, f.src, "  ", Options{})
	require.Error(t, err)

	_, err = Gather(ctx, f.src, "missing", Options{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
