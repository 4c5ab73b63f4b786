package stage_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/autonomy"
	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/events"
	"github.com/mattjoyce/warden/internal/governance"
	"github.com/mattjoyce/warden/internal/killswitch"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/queue"
	"github.com/mattjoyce/warden/internal/runner"
	"github.com/mattjoyce/warden/internal/stage"
	"github.com/mattjoyce/warden/internal/stage/mocks"
	"github.com/mattjoyce/warden/internal/storage/storagetest"
)

type stubAutonomy struct{ allowed bool }

func (s *stubAutonomy) Evaluate(context.Context) autonomy.Decision {
	if s.allowed {
		return autonomy.Decision{Status: autonomy.StatusOK, AutonomyAllowed: true}
	}
	return autonomy.Decision{Status: autonomy.StatusBlocked, ReasonCodes: []string{autonomy.ReasonLoopStale}}
}

type fixture struct {
	db       *sql.DB
	m        *stage.Machine
	gate     *mocks.MockGateEvaluator
	autonomy *stubAutonomy
	gov      *governance.Workflow
	runners  *runner.Manager
	bots     *bots.Repository
	clock    *storagetest.Clock
	hub      *events.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	db := storagetest.Open(t)
	clock := storagetest.NewClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	hub := events.NewHub(128)
	gate := mocks.NewMockGateEvaluator(ctrl)
	auto := &stubAutonomy{allowed: true}
	gov, err := governance.New(db, []byte("stage-test-secret"), governance.WithLogger(log.Discard()), governance.WithNow(clock.Now))
	require.NoError(t, err)
	q := queue.New(db, queue.WithLogger(log.Discard()), queue.WithNow(clock.Now))
	rm := runner.NewManager(db, q, auto, runner.WithLogger(log.Discard()), runner.WithNow(clock.Now))
	m := stage.NewMachine(db, gate, auto, gov,
		stage.WithLogger(log.Discard()), stage.WithNow(clock.Now), stage.WithPublisher(hub), stage.WithRunnerPublisher(rm))
	return &fixture{
		db: db, m: m, gate: gate, autonomy: auto, gov: gov, runners: rm,
		bots: bots.NewRepository(db).WithNow(clock.Now), clock: clock, hub: hub,
	}
}

func (f *fixture) bot(t *testing.T, id string, st bots.Stage, mode bots.PromotionMode) {
	t.Helper()
	_, err := f.bots.Register(context.Background(), id, "acct", mode)
	require.NoError(t, err)
	_, err = f.db.Exec(`UPDATE bots SET stage = ? WHERE id = ?`, st, id)
	require.NoError(t, err)
}

func (f *fixture) stageOf(t *testing.T, id string) bots.Stage {
	t.Helper()
	b, err := f.bots.Get(context.Background(), id)
	require.NoError(t, err)
	return b.Stage
}

func (f *fixture) trail(t *testing.T, id string) []stage.ChangeRecord {
	t.Helper()
	recs, err := f.m.GetStageAuditTrail(context.Background(), id)
	require.NoError(t, err)
	return recs
}

func pass(reasons ...string) stage.GateResult {
	return stage.GateResult{Pass: true, ReasonCodes: reasons}
}

func TestPromoteAppliesWithAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bot(t, "b1", bots.StagePaper, bots.PromotionManual)
	inst, err := f.runners.Start(ctx, runner.StartRequest{BotID: "b1", Actor: "ops"})
	require.NoError(t, err)

	f.gate.EXPECT().Evaluate(gomock.Any(), "b1", bots.StageShadow).Return(pass("SHARPE_OK"), nil)

	res, err := f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageShadow, TriggeredBy: "alice"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.RequiresApproval)
	assert.Equal(t, bots.StagePaper, res.From)
	assert.Equal(t, bots.StageShadow, f.stageOf(t, "b1"))

	recs := f.trail(t, "b1")
	require.Len(t, recs, 1)
	assert.Equal(t, stage.DecisionPromoted, recs[0].Decision)
	assert.Equal(t, []string{"SHARPE_OK"}, recs[0].ReasonCodes)
	assert.Equal(t, "alice", recs[0].TriggeredBy)

	got, err := f.runners.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, runner.StatusStopped, got.Status, "runner restarts under the new execution mode")

	b, err := f.bots.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), b.StageUpdatedAt)
}

func TestPromoteRefusals(t *testing.T) {
	ctx := context.Background()

	t.Run("skipping a stage", func(t *testing.T) {
		f := newFixture(t)
		f.bot(t, "b1", bots.StagePaper, bots.PromotionManual)
		_, err := f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageCanary, TriggeredBy: "alice"})
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))
	})

	t.Run("already live", func(t *testing.T) {
		f := newFixture(t)
		f.bot(t, "b1", bots.StageLive, bots.PromotionManual)
		_, err := f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageLive, TriggeredBy: "alice"})
		assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))
	})

	t.Run("locked", func(t *testing.T) {
		f := newFixture(t)
		f.bot(t, "b1", bots.StagePaper, bots.PromotionManual)
		_, err := f.bots.LockStages(ctx, []string{"b1"}, f.clock.Now().Add(time.Hour))
		require.NoError(t, err)
		_, err = f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageShadow, TriggeredBy: "alice"})
		assert.True(t, apperr.Is(err, apperr.CodeStageLocked))

		f.clock.Advance(time.Hour)
		f.gate.EXPECT().Evaluate(gomock.Any(), "b1", bots.StageShadow).Return(pass(), nil)
		_, err = f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageShadow, TriggeredBy: "alice"})
		require.NoError(t, err)
	})

	t.Run("gate fails", func(t *testing.T) {
		f := newFixture(t)
		f.bot(t, "b1", bots.StagePaper, bots.PromotionManual)
		f.gate.EXPECT().Evaluate(gomock.Any(), "b1", bots.StageShadow).
			Return(stage.GateResult{ReasonCodes: []string{"DRAWDOWN_TOO_HIGH"}}, nil)
		_, err := f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageShadow, TriggeredBy: "alice"})
		e, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, apperr.CodeGateBlocked, e.Code)
		assert.Equal(t, []string{"DRAWDOWN_TOO_HIGH"}, e.Reasons)
		assert.Equal(t, bots.StagePaper, f.stageOf(t, "b1"))
		assert.Empty(t, f.trail(t, "b1"))
	})

	t.Run("gate unavailable", func(t *testing.T) {
		f := newFixture(t)
		f.bot(t, "b1", bots.StagePaper, bots.PromotionManual)
		f.gate.EXPECT().Evaluate(gomock.Any(), "b1", bots.StageShadow).Return(stage.GateResult{}, errors.New("timeout"))
		_, err := f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageShadow, TriggeredBy: "alice"})
		assert.True(t, apperr.Is(err, apperr.CodeCollaboratorFailed))
		assert.Equal(t, apperr.KindFatal, apperr.KindOf(err))
	})

	t.Run("killed", func(t *testing.T) {
		f := newFixture(t)
		f.bot(t, "b1", bots.StagePaper, bots.PromotionManual)
		sw := killswitch.New(f.db, killswitch.WithLogger(log.Discard()))
		_, err := sw.Kill(ctx, killswitch.KillRequest{BotID: "b1", ReasonCode: "MANUAL", Actor: "alice"})
		require.NoError(t, err)
		_, err = f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageShadow, TriggeredBy: "alice"})
		assert.True(t, apperr.Is(err, apperr.CodeBotKilled))
	})

	t.Run("automated on manual bot", func(t *testing.T) {
		f := newFixture(t)
		f.bot(t, "b1", bots.StagePaper, bots.PromotionManual)
		_, err := f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageShadow, TriggeredBy: "autopilot", Automated: true})
		assert.True(t, apperr.Is(err, apperr.CodeManualPromotionOnly))
	})

	t.Run("automated without autonomy", func(t *testing.T) {
		f := newFixture(t)
		f.bot(t, "b1", bots.StagePaper, bots.PromotionAuto)
		f.autonomy.allowed = false
		_, err := f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageShadow, TriggeredBy: "autopilot", Automated: true})
		e, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, apperr.CodeAutonomyBlocked, e.Code)
		assert.Equal(t, []string{autonomy.ReasonLoopStale}, e.Reasons)
	})

	t.Run("automated with autonomy", func(t *testing.T) {
		f := newFixture(t)
		f.bot(t, "b1", bots.StagePaper, bots.PromotionAuto)
		f.gate.EXPECT().Evaluate(gomock.Any(), "b1", bots.StageShadow).Return(pass(), nil)
		res, err := f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageShadow, TriggeredBy: "autopilot", Automated: true})
		require.NoError(t, err)
		assert.True(t, res.Applied)
	})
}

func TestKillDuringGateEvaluationWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bot(t, "b1", bots.StagePaper, bots.PromotionManual)
	sw := killswitch.New(f.db, killswitch.WithLogger(log.Discard()), killswitch.WithNow(f.clock.Now))

	f.gate.EXPECT().Evaluate(gomock.Any(), "b1", bots.StageShadow).
		DoAndReturn(func(ctx context.Context, botID string, _ bots.Stage) (stage.GateResult, error) {
			_, err := sw.Kill(ctx, killswitch.KillRequest{BotID: botID, ReasonCode: "DRAWDOWN", Actor: "risk"})
			require.NoError(t, err)
			return pass("SHARPE_OK"), nil
		})

	res, err := f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageShadow, TriggeredBy: "alice"})
	assert.Nil(t, res)
	assert.True(t, apperr.Is(err, apperr.CodeBotKilled), "got %v", err)
	assert.Equal(t, bots.StagePaper, f.stageOf(t, "b1"))
	assert.Empty(t, f.trail(t, "b1"))
}

func TestPromoteToLiveWithoutTokenRequiresApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bot(t, "b1", bots.StageCanary, bots.PromotionManual)
	f.gate.EXPECT().Evaluate(gomock.Any(), "b1", bots.StageLive).Return(pass(), nil).Times(2)

	res, err := f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageLive, TriggeredBy: "alice"})
	require.NoError(t, err)
	assert.True(t, res.RequiresApproval)
	assert.False(t, res.Applied)
	assert.Equal(t, []string{string(apperr.CodeDualControlRequired)}, res.ReasonCodes)

	res, err = f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageLive, TriggeredBy: "alice", ApprovalToken: "forged.deadbeef"})
	require.NoError(t, err)
	assert.True(t, res.RequiresApproval)
	assert.Contains(t, res.ReasonCodes, string(apperr.CodeTokenInvalid))

	assert.Equal(t, bots.StageCanary, f.stageOf(t, "b1"))
	assert.Empty(t, f.trail(t, "b1"))
}

func TestLivePromotionWithApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bot(t, "b1", bots.StageCanary, bots.PromotionManual)

	a, err := f.gov.RequestApproval(ctx, governance.RequestInput{BotID: "b1", RequestedBy: "u1", Justification: "canary clean"})
	require.NoError(t, err)
	grant, err := f.gov.Approve(ctx, a.ID, "u2")
	require.NoError(t, err)

	f.clock.Advance(4 * time.Minute)
	f.gate.EXPECT().Evaluate(gomock.Any(), "b1", bots.StageLive).Return(pass(), nil).Times(2)
	res, err := f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageLive, TriggeredBy: "u1", ApprovalToken: grant.Token})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, bots.StageLive, f.stageOf(t, "b1"))

	recs := f.trail(t, "b1")
	require.Len(t, recs, 1)
	assert.Equal(t, stage.DecisionPromoted, recs[0].Decision)
	require.NotNil(t, recs[0].ApprovalID)
	assert.Equal(t, a.ID, *recs[0].ApprovalID)

	got, err := f.gov.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
	assert.NotNil(t, got.ConsumedAt)

	// The consumed token cannot carry a second promotion.
	_, err = f.m.Demote(ctx, stage.DemoteRequest{BotID: "b1", Target: bots.StageCanary, ReasonCode: "RESET", TriggeredBy: "u1", ConfirmLive: true})
	require.NoError(t, err)
	res, err = f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageLive, TriggeredBy: "u1", ApprovalToken: grant.Token})
	require.NoError(t, err)
	assert.True(t, res.RequiresApproval)
	assert.Contains(t, res.ReasonCodes, string(apperr.CodeTokenConsumed))
}

func TestLivePromotionExpiredToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bot(t, "b1", bots.StageCanary, bots.PromotionManual)

	a, err := f.gov.RequestApproval(ctx, governance.RequestInput{BotID: "b1", RequestedBy: "u1", Justification: "x"})
	require.NoError(t, err)
	grant, err := f.gov.Approve(ctx, a.ID, "u2")
	require.NoError(t, err)

	f.clock.Advance(301 * time.Second)
	f.gate.EXPECT().Evaluate(gomock.Any(), "b1", bots.StageLive).Return(pass(), nil)
	res, err := f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageLive, TriggeredBy: "u1", ApprovalToken: grant.Token})
	require.NoError(t, err)
	assert.True(t, res.RequiresApproval)
	assert.Contains(t, res.ReasonCodes, string(apperr.CodeTokenExpired))
	assert.Equal(t, bots.StageCanary, f.stageOf(t, "b1"))

	got, err := f.gov.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ConsumedAt)
}

func TestDemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bot(t, "b1", bots.StageLive, bots.PromotionManual)

	_, err := f.m.Demote(ctx, stage.DemoteRequest{BotID: "b1", Target: bots.StagePaper, ReasonCode: "LOSS", TriggeredBy: "alice"})
	assert.True(t, apperr.Is(err, apperr.CodeLiveDemotionUnconfirmed))

	_, err = f.m.Demote(ctx, stage.DemoteRequest{BotID: "b1", Target: bots.StageLive, ReasonCode: "LOSS", TriggeredBy: "alice", ConfirmLive: true})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))

	_, err = f.m.Demote(ctx, stage.DemoteRequest{BotID: "b1", Target: bots.StagePaper, TriggeredBy: "alice", ConfirmLive: true})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	res, err := f.m.Demote(ctx, stage.DemoteRequest{BotID: "b1", Target: bots.StagePaper, ReasonCode: "LOSS", TriggeredBy: "alice", ConfirmLive: true})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, bots.StagePaper, f.stageOf(t, "b1"))

	// Killed and locked bots can still be demoted.
	_, err = f.bots.LockStages(ctx, []string{"b1"}, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	sw := killswitch.New(f.db, killswitch.WithLogger(log.Discard()))
	_, err = sw.Kill(ctx, killswitch.KillRequest{BotID: "b1", ReasonCode: "MANUAL", Actor: "alice"})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.m.Demote(ctx, stage.DemoteRequest{BotID: "b1", Target: bots.StageTrials, ReasonCode: "RESET", TriggeredBy: "alice"})
	require.NoError(t, err)

	recs := f.trail(t, "b1")
	require.Len(t, recs, 2)
	assert.Equal(t, stage.DecisionDemoted, recs[0].Decision)
	assert.Equal(t, []string{"LOSS"}, recs[0].ReasonCodes)
	assert.Equal(t, bots.StageTrials, recs[1].ToStage)
}

func TestPromoteIndependentOfPower(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := []string{"b1", "b2", "b3"}
	for _, id := range ids {
		f.bot(t, id, bots.StagePaper, bots.PromotionManual)
		_, err := f.runners.Start(ctx, runner.StartRequest{BotID: id, Actor: "ops"})
		require.NoError(t, err)
	}

	power := killswitch.NewPower(f.db, f.runners, time.Minute, killswitch.WithPowerLogger(log.Discard()))
	_, err := power.SetSystemPower(ctx, false, "alice")
	require.NoError(t, err)
	power.Wait()

	active, err := f.runners.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	sw := killswitch.New(f.db, killswitch.WithLogger(log.Discard()))
	_, err = sw.Kill(ctx, killswitch.KillRequest{BotID: "b3", ReasonCode: "MANUAL", Actor: "alice"})
	require.NoError(t, err)

	f.gate.EXPECT().Evaluate(gomock.Any(), "b1", bots.StageShadow).Return(pass(), nil)
	f.gate.EXPECT().Evaluate(gomock.Any(), "b2", bots.StageShadow).Return(stage.GateResult{ReasonCodes: []string{"TOO_FEW_TRADES"}}, nil)

	res, err := f.m.Promote(ctx, stage.PromoteRequest{BotID: "b1", Target: bots.StageShadow, TriggeredBy: "alice"})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	_, err = f.m.Promote(ctx, stage.PromoteRequest{BotID: "b2", Target: bots.StageShadow, TriggeredBy: "alice"})
	assert.True(t, apperr.Is(err, apperr.CodeGateBlocked))

	_, err = f.m.Promote(ctx, stage.PromoteRequest{BotID: "b3", Target: bots.StageShadow, TriggeredBy: "alice"})
	assert.True(t, apperr.Is(err, apperr.CodeBotKilled))
}
