package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/warden/internal/auth"
	"github.com/mattjoyce/warden/internal/autonomy"
	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/events"
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
	return stage.GateResult{Pass: true, ReasonCodes: []string{"METRICS_OK"}}, nil
}

type openGate struct{}

func (openGate) Evaluate(context.Context) autonomy.Decision {
	return autonomy.Decision{Status: autonomy.StatusOK, AutonomyAllowed: true}
}

const (
	tokAlice  = "tok-alice"
	tokBob    = "tok-bob"
	tokReader = "tok-reader"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	db := storagetest.Open(t)
	discard := log.Discard()
	hub := events.NewHub(64)

	q := queue.New(db, queue.WithLogger(discard), queue.WithPublisher(hub))
	runners := runner.NewManager(db, q, openGate{}, runner.WithLogger(discard))
	gov, err := governance.New(db, []byte("api-test-secret-value"), governance.WithLogger(discard))
	require.NoError(t, err)
	power := killswitch.NewPower(db, runners, time.Second, killswitch.WithPowerLogger(discard), killswitch.WithPausers(q.ResearchPauser()))
	t.Cleanup(power.Wait)

	svc := Services{
		Bots:      bots.NewRepository(db),
		Jobs:      q,
		Stages:    stage.NewMachine(db, passGate{}, openGate{}, gov, stage.WithLogger(discard), stage.WithRunnerPublisher(runners)),
		Kill:      killswitch.New(db, killswitch.WithLogger(discard), killswitch.WithRunnerPublisher(runners)),
		Approvals: gov,
		Power:     power,
		Autonomy:  openGate{},
		Blockers:  autonomy.NewBlockerStore(db),
		SelfTests: autonomy.NewSelfTestLog(db),
		Runners:   runners,
		Events:    hub,
	}
	cfg := Config{Tokens: []auth.TokenConfig{
		{Actor: "alice", Token: tokAlice, Scopes: []string{auth.ScopeAll}},
		{Actor: "bob", Token: tokBob, Scopes: []string{auth.ScopeGovernanceRW}},
		{Actor: "reader", Token: tokReader, Scopes: []string{auth.ScopeStageRO}},
	}}
	return New(cfg, svc, discard).Handler()
}

func call(t *testing.T, h http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	env, ok := body["error"].(map[string]any)
	require.True(t, ok, "no error envelope in %v", body)
	code, _ := env["code"].(string)
	return code
}

func registerAt(t *testing.T, h http.Handler, id string, target bots.Stage) {
	t.Helper()
	rec, _ := call(t, h, http.MethodPost, "/bots", tokAlice, RegisterBotRequest{ID: id, AccountID: "acct-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	for _, st := range []bots.Stage{bots.StagePaper, bots.StageShadow, bots.StageCanary} {
		if target.Before(st) {
			return
		}
		rec, body := call(t, h, http.MethodPost, "/bots/"+id+"/promote", tokAlice, PromoteBody{Target: string(st)})
		require.Equal(t, http.StatusOK, rec.Code, "promote to %s: %v", st, body)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	h := newTestServer(t)
	rec, body := call(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["power_on"])
	assert.Equal(t, string(autonomy.StatusOK), body["autonomy"])
}

func TestAuthAndScopes(t *testing.T) {
	h := newTestServer(t)

	rec, body := call(t, h, http.MethodGet, "/bots", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHENTICATED", errorCode(t, body))

	rec, _ = call(t, h, http.MethodGet, "/bots", "nope", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = call(t, h, http.MethodGet, "/bots", tokReader, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = call(t, h, http.MethodPost, "/bots", tokReader, RegisterBotRequest{ID: "b1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "INSUFFICIENT_SCOPE", errorCode(t, body))
}

func TestErrorEnvelopeStatusMapping(t *testing.T) {
	h := newTestServer(t)
	registerAt(t, h, "b1", bots.StageTrials)

	rec, body := call(t, h, http.MethodPost, "/bots", tokAlice, RegisterBotRequest{ID: "b1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "BOT_EXISTS", errorCode(t, body))
	assert.Equal(t, "CONFLICT", body["error"].(map[string]any)["kind"])

	rec, body = call(t, h, http.MethodGet, "/bots/ghost", tokAlice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, body))

	rec, body = call(t, h, http.MethodPost, "/bots/b1/promote", tokAlice, PromoteBody{Target: "LIVE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, body))

	rec, body = call(t, h, http.MethodPost, "/bots/b1/promote", tokAlice, map[string]any{"target": "PAPER", "extra": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, body))

	until := time.Now().Add(time.Hour).UTC()
	rec, _ = call(t, h, http.MethodPost, "/bots/lock", tokAlice, LockRequest{BotIDs: []string{"b1"}, Until: until})
	require.Equal(t, http.StatusOK, rec.Code)
	rec, body = call(t, h, http.MethodPost, "/bots/b1/promote", tokAlice, PromoteBody{Target: "PAPER"})
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "STAGE_LOCKED", errorCode(t, body))
}

func TestLivePromotionNeedsSecondOperator(t *testing.T) {
	h := newTestServer(t)
	registerAt(t, h, "b1", bots.StageCanary)

	rec, body := call(t, h, http.MethodPost, "/bots/b1/promote", tokAlice, PromoteBody{Target: "LIVE"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, true, body["requires_approval"])
	assert.Equal(t, []any{"DUAL_CONTROL_REQUIRED"}, body["reason_codes"])

	rec, body = call(t, h, http.MethodPost, "/approvals", tokAlice, RequestApprovalBody{BotID: "b1", Justification: "canary healthy"})
	require.Equal(t, http.StatusCreated, rec.Code, "%v", body)
	approvalID := body["id"].(string)
	assert.Equal(t, "alice", body["requested_by"])

	rec, body = call(t, h, http.MethodPost, "/approvals/"+approvalID+"/approve", tokAlice, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "MAKER_CHECKER_VIOLATION", errorCode(t, body))

	rec, body = call(t, h, http.MethodPost, "/approvals/"+approvalID+"/approve", tokBob, nil)
	require.Equal(t, http.StatusOK, rec.Code, "%v", body)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	token := body["token"].(string)

	rec, body = call(t, h, http.MethodPost, "/bots/b1/promote", tokAlice, PromoteBody{Target: "LIVE", ApprovalToken: token})
	require.Equal(t, http.StatusOK, rec.Code, "%v", body)
	assert.Equal(t, true, body["applied"])

	rec, body = call(t, h, http.MethodGet, "/bots/b1/stage-audit", tokAlice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	changes := body["changes"].([]any)
	require.Len(t, changes, 4)
	last := changes[3].(map[string]any)
	assert.Equal(t, "LIVE", last["to_stage"])
	assert.Equal(t, "alice", last["triggered_by"])
	assert.Equal(t, approvalID, last["approval_id"])
}

func TestKillIsIdempotentAndBlocksJobs(t *testing.T) {
	h := newTestServer(t)
	registerAt(t, h, "b1", bots.StagePaper)

	rec, body := call(t, h, http.MethodPost, "/bots/b1/kill", tokAlice, KillBody{ReasonCode: "DRAWDOWN"})
	require.Equal(t, http.StatusOK, rec.Code, "%v", body)
	assert.Equal(t, false, body["idempotent"])

	rec, body = call(t, h, http.MethodPost, "/bots/b1/kill", tokAlice, KillBody{ReasonCode: "DRAWDOWN"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["idempotent"])
	assert.Equal(t, "ALREADY_KILLED", body["code"])

	rec, body = call(t, h, http.MethodPost, "/jobs", tokAlice, EnqueueBody{BotID: "b1", JobType: "BACKTESTER"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "BOT_KILLED", errorCode(t, body))

	rec, body = call(t, h, http.MethodGet, "/bots/b1/kill-events", tokReader, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["events"], 1)
}

func TestJobLifecycle(t *testing.T) {
	h := newTestServer(t)
	registerAt(t, h, "b1", bots.StageTrials)

	rec, body := call(t, h, http.MethodPost, "/jobs", tokAlice, EnqueueBody{
		BotID: "b1", JobType: "backtester", Payload: json.RawMessage(`{"symbols":["BTC"]}`),
	})
	require.Equal(t, http.StatusAccepted, rec.Code, "%v", body)
	jobID := body["job_id"].(string)

	rec, body = call(t, h, http.MethodPost, "/jobs/claim", tokAlice, ClaimBody{JobType: "BACKTESTER"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, jobID, body["id"])
	assert.Equal(t, "RUNNING", body["status"])
	assert.Equal(t, []any{"BTC"}, body["payload"].(map[string]any)["symbols"])

	rec, _ = call(t, h, http.MethodPost, "/jobs/claim", tokAlice, ClaimBody{JobType: "BACKTESTER"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, body = call(t, h, http.MethodPost, "/jobs/"+jobID+"/complete", tokAlice, CompleteBody{Result: json.RawMessage(`{"sharpe":1.2}`)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["applied"])

	rec, body = call(t, h, http.MethodPost, "/jobs/"+jobID+"/fail", tokAlice, FailBody{Error: "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, false, body["applied"])

	rec, body = call(t, h, http.MethodGet, "/jobs/"+jobID, tokAlice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETED", body["status"])
}

func TestPowerOffViaAPI(t *testing.T) {
	h := newTestServer(t)

	rec, body := call(t, h, http.MethodPost, "/system/power", tokAlice, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, body))

	off := false
	rec, body = call(t, h, http.MethodPost, "/system/power", tokAlice, PowerBody{On: &off})
	require.Equal(t, http.StatusOK, rec.Code, "%v", body)
	assert.Equal(t, false, body["on"])
	assert.Equal(t, false, body["idempotent"])
	assert.Equal(t, "alice", body["updated_by"])

	rec, body = call(t, h, http.MethodPost, "/system/power", tokAlice, PowerBody{On: &off})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["idempotent"])

	rec, body = call(t, h, http.MethodGet, "/system/power", tokAlice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["on"])
}

func TestResearchPauseViaAPI(t *testing.T) {
	h := newTestServer(t)

	rec, body := call(t, h, http.MethodGet, "/system/research", tokAlice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["paused"])

	rec, body = call(t, h, http.MethodPost, "/system/research", tokAlice, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, body))

	paused := true
	rec, _ = call(t, h, http.MethodPost, "/system/research", tokAlice, ResearchBody{Paused: &paused})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = call(t, h, http.MethodGet, "/system/research", tokAlice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["paused"])

	rec, _ = call(t, h, http.MethodPost, "/system/research", tokReader, ResearchBody{Paused: &paused})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBlockersAndSelfTests(t *testing.T) {
	h := newTestServer(t)

	rec, body := call(t, h, http.MethodPost, "/autonomy/blockers", tokAlice, RaiseBlockerBody{Code: "VENUE_OUTAGE", Severity: autonomy.SeverityCritical})
	require.Equal(t, http.StatusCreated, rec.Code, "%v", body)
	blockerID := body["id"].(string)
	assert.Equal(t, "alice", body["raised_by"])

	rec, body = call(t, h, http.MethodGet, "/autonomy/blockers", tokAlice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["blockers"], 1)

	rec, _ = call(t, h, http.MethodPost, "/autonomy/blockers/"+blockerID+"/resolve", tokAlice, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = call(t, h, http.MethodPost, "/autonomy/selftests", tokAlice, SelfTestBody{Passed: true})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, float64(1), body["consecutive_passes"])
}

func TestOpenAPIListsRoutes(t *testing.T) {
	h := newTestServer(t)
	rec, body := call(t, h, http.MethodGet, "/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	paths := body["paths"].(map[string]any)
	promote := paths["/bots/{botID}/promote"].(map[string]any)["post"].(map[string]any)
	assert.Equal(t, "post_bots_by_botID_promote", promote["operationId"])
	assert.Contains(t, paths, "/events")
	assert.Contains(t, paths["/bots"], "get")
	assert.Contains(t, paths["/bots"], "post")
}
