package api

import (
	"net/http"

	"github.com/mattjoyce/warden/internal/auth"
)

// route is one authenticated endpoint. The same table drives the router and
// the OpenAPI document.
type route struct {
	method  string
	path    string
	scopes  []string
	summary string
	handler http.HandlerFunc
}

func (s *Server) routes() []route {
	stageRO := []string{auth.ScopeStageRO}
	stageRW := []string{auth.ScopeStageRW}
	jobsRO := []string{auth.ScopeJobsRO}
	jobsRW := []string{auth.ScopeJobsRW}
	killRW := []string{auth.ScopeKillRW}
	govRO := []string{auth.ScopeGovernanceRO}
	govRW := []string{auth.ScopeGovernanceRW}
	sysRO := []string{auth.ScopeSystemRO}
	sysRW := []string{auth.ScopeSystemRW}

	rts := []route{
		{http.MethodPost, "/bots", stageRW, "Register a bot in TRIALS", s.handleRegisterBot},
		{http.MethodGet, "/bots", stageRO, "List bots", s.handleListBots},
		{http.MethodPost, "/bots/lock", stageRW, "Lock the stage of several bots", s.handleLockStages},
		{http.MethodPost, "/bots/unlock", stageRW, "Clear stage locks", s.handleUnlockStages},
		{http.MethodGet, "/bots/{botID}", stageRO, "Get a bot", s.handleGetBot},
		{http.MethodPost, "/bots/{botID}/promote", stageRW, "Promote a bot one stage", s.handlePromote},
		{http.MethodPost, "/bots/{botID}/demote", stageRW, "Demote a bot", s.handleDemote},
		{http.MethodGet, "/bots/{botID}/stage-audit", stageRO, "Stage change audit trail", s.handleStageAudit},
		{http.MethodPost, "/bots/{botID}/kill", killRW, "Kill a bot", s.handleKill},
		{http.MethodPost, "/bots/{botID}/resurrect", killRW, "Clear a bot's kill flag", s.handleResurrect},
		{http.MethodGet, "/bots/{botID}/kill-events", stageRO, "Kill audit trail", s.handleKillEvents},
		{http.MethodGet, "/bots/{botID}/jobs", jobsRO, "Jobs of a bot", s.handleListBotJobs},

		{http.MethodPost, "/jobs", jobsRW, "Enqueue a job", s.handleEnqueue},
		{http.MethodPost, "/jobs/claim", jobsRW, "Claim the next queued job of a type", s.handleClaim},
		{http.MethodGet, "/jobs/stuck", jobsRO, "Running jobs past the timeout threshold", s.handleStuck},
		{http.MethodGet, "/jobs/{jobID}", jobsRO, "Get a job", s.handleGetJob},
		{http.MethodPost, "/jobs/{jobID}/heartbeat", jobsRW, "Heartbeat a running job", s.handleJobHeartbeat},
		{http.MethodPost, "/jobs/{jobID}/complete", jobsRW, "Complete a running job", s.handleJobComplete},
		{http.MethodPost, "/jobs/{jobID}/fail", jobsRW, "Fail a running job", s.handleJobFail},

		{http.MethodPost, "/approvals", govRW, "Request approval for a LIVE promotion", s.handleRequestApproval},
		{http.MethodGet, "/approvals", govRO, "List approvals", s.handleListApprovals},
		{http.MethodPost, "/approvals/expire", govRW, "Expire stale approvals", s.handleExpireApprovals},
		{http.MethodGet, "/approvals/{approvalID}", govRO, "Get an approval", s.handleGetApproval},
		{http.MethodPost, "/approvals/{approvalID}/approve", govRW, "Approve and mint a token", s.handleApprove},
		{http.MethodPost, "/approvals/{approvalID}/reject", govRW, "Reject an approval", s.handleReject},
		{http.MethodPost, "/approvals/{approvalID}/withdraw", govRW, "Withdraw an own request", s.handleWithdraw},

		{http.MethodGet, "/system/power", sysRO, "System power state", s.handleGetPower},
		{http.MethodPost, "/system/power", sysRW, "Set system power", s.handleSetPower},
		{http.MethodGet, "/system/research", sysRO, "Research queue pause state", s.handleGetResearch},
		{http.MethodPost, "/system/research", sysRW, "Pause or resume research claims", s.handleSetResearch},
		{http.MethodGet, "/autonomy", sysRO, "Evaluate the autonomy gate", s.handleAutonomy},
		{http.MethodGet, "/autonomy/blockers", sysRO, "Open autonomy blockers", s.handleListBlockers},
		{http.MethodPost, "/autonomy/blockers", sysRW, "Raise an autonomy blocker", s.handleRaiseBlocker},
		{http.MethodPost, "/autonomy/blockers/{blockerID}/resolve", sysRW, "Resolve an autonomy blocker", s.handleResolveBlocker},
		{http.MethodPost, "/autonomy/selftests", sysRW, "Record a risk self-test run", s.handleRecordSelfTest},

		{http.MethodPost, "/runners", stageRW, "Start a runner", s.handleStartRunner},
		{http.MethodGet, "/runners", stageRO, "Active runners", s.handleListRunners},
		{http.MethodGet, "/runners/{instanceID}", stageRO, "Get a runner", s.handleGetRunner},
		{http.MethodPost, "/runners/{instanceID}/stop", stageRW, "Stop a runner", s.handleStopRunner},
		{http.MethodPost, "/runners/{instanceID}/heartbeat", jobsRW, "Heartbeat a runner", s.handleRunnerHeartbeat},
	}
	if s.svc.Events != nil {
		rts = append(rts, route{http.MethodGet, "/events", []string{auth.ScopeEventsRO}, "Server-sent notification stream", s.handleEvents})
	}
	return rts
}
