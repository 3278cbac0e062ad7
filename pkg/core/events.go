package core

// Activity event types written by the engine.
const (
	EventJobTimeout            = "job.timeout"
	EventJobStuck              = "job.stuck_failed"
	EventJobCompleted          = "job.completed"
	EventJobFailed             = "job.failed"
	EventInstanceRestarted     = "instance.restarted"
	EventInstanceRestartFailed = "instance.restart_failed"
	EventInstanceStarted       = "instance.auto_started"
	EventInstanceBlocked       = "instance.restart_blocked"
	EventInstancesPruned       = "instance.pruned"
	EventBotKilled             = "bot.killed"
	EventBotReenabled          = "bot.reenabled"
	EventBreakerOpened         = "circuit.opened"
	EventBreakerReset          = "circuit.reset"
	EventBackendOpened         = "backend.circuit_opened"
	EventWorkerFailing         = "worker.failing"
	EventWorkerRecovered       = "worker.recovered"
	EventLeaderElected         = "leader.elected"
	EventLeaderRevoked         = "leader.revoked"
	EventPromotion             = "promotion.promote"
	EventDemotion              = "promotion.demote"
	EventHold                  = "promotion.hold"
	EventReadyForLive          = "promotion.ready_for_live"
	EventLiveApproved          = "promotion.live_approved"
	EventAutoRevert            = "promotion.auto_revert"
	EventEvolutionSkipped      = "evolution.skipped"
	EventAutonomyScored        = "autonomy.scored"
	EventConcurrency           = "governor.slots_changed"
)
