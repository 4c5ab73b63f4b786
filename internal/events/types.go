package events

// Event types published by the orchestrator.
const (
	JobEnqueued         = "job.enqueued"
	JobClaimed          = "job.claimed"
	JobCompleted        = "job.completed"
	JobFailed           = "job.failed"
	JobTimedOut         = "job.timeout"
	BotKilled           = "bot.killed"
	BotResurrected      = "bot.resurrected"
	StagePromoted       = "stage.promoted"
	StageDemoted        = "stage.demoted"
	GovernanceRequested = "governance.requested"
	GovernanceApproved  = "governance.approved"
	GovernanceRejected  = "governance.rejected"
	GovernanceWithdrawn = "governance.withdrawn"
	GovernanceExpired   = "governance.expired"
	SystemPower         = "system.power"
	RunnerStarted       = "runner.started"
	RunnerStopped       = "runner.stopped"
	SupervisorRestart   = "supervisor.restart"
	SupervisorSkipped   = "supervisor.skipped"
)
