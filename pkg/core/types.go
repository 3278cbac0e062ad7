package core

// JobType identifies the kind of work a Job performs.
type JobType string

const (
	JobTypeBacktester     JobType = "BACKTESTER"
	JobTypeImproving      JobType = "IMPROVING"
	JobTypeEvolving       JobType = "EVOLVING"
	JobTypeMatrixRun      JobType = "MATRIX_RUN"
	JobTypeHealthCheck    JobType = "HEALTH_CHECK"
	JobTypePromotionCheck JobType = "PROMOTION_CHECK"
	JobTypeDemotionCheck  JobType = "DEMOTION_CHECK"
)

// JobTypes lists every known job type.
var JobTypes = []JobType{
	JobTypeBacktester, JobTypeImproving, JobTypeEvolving, JobTypeMatrixRun,
	JobTypeHealthCheck, JobTypePromotionCheck, JobTypeDemotionCheck,
}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	for _, k := range JobTypes {
		if k == t {
			return true
		}
	}
	return false
}

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobTimeout   JobStatus = "TIMEOUT"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobTimeout
}

// InstanceStatus is the lifecycle state of a BotInstance.
type InstanceStatus string

const (
	InstancePending    InstanceStatus = "PENDING"
	InstanceRunning    InstanceStatus = "RUNNING"
	InstanceStopped    InstanceStatus = "STOPPED"
	InstanceRestarting InstanceStatus = "RESTARTING"
)

// InstanceJobTypeRunner marks an instance as a long-lived trading runner rather
// than one bound to a single job.
const InstanceJobTypeRunner = "RUNNER"

// Activity states reported by runners.
const (
	ActivityIdle    = "IDLE"
	ActivityTrading = "TRADING"
	ActivityStopped = "STOPPED"
)

// Stage is a bot's position in the deployment pipeline.
type Stage string

const (
	StageTrials Stage = "TRIALS"
	StagePaper  Stage = "PAPER"
	StageShadow Stage = "SHADOW"
	StageCanary Stage = "CANARY"
	StageLive   Stage = "LIVE"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageTrials, StagePaper, StageShadow, StageCanary, StageLive}

// Rank returns the position of s in the pipeline, or -1 if unknown.
func (s Stage) Rank() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage after s. ok is false at the end of the pipeline.
func (s Stage) Next() (Stage, bool) {
	r := s.Rank()
	if r < 0 || r+1 >= len(Stages) {
		return "", false
	}
	return Stages[r+1], true
}

// Previous returns the stage before s. ok is false at the start of the pipeline.
func (s Stage) Previous() (Stage, bool) {
	r := s.Rank()
	if r <= 0 {
		return "", false
	}
	return Stages[r-1], true
}

// IsExecutable reports whether bots in this stage run a trading instance.
// TRIALS bots only run backtests.
func (s Stage) IsExecutable() bool {
	return s.Rank() > 0
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Rank() >= 0 }

// PromotionMode controls whether the promotion machine may move a bot.
type PromotionMode string

const (
	PromotionAuto   PromotionMode = "AUTO"
	PromotionManual PromotionMode = "MANUAL"
)

// Tier is the autonomy classification derived from the composite score.
type Tier string

const (
	TierLocked         Tier = "LOCKED"
	TierSupervised     Tier = "SUPERVISED"
	TierSemiAutonomous Tier = "SEMI_AUTONOMOUS"
	TierFullAutonomy   Tier = "FULL_AUTONOMY"
)

// Severity grades activity events.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Reasons recorded on transitions and failed jobs.
const (
	ReasonHeartbeatTimeout       = "HEARTBEAT_TIMEOUT"
	ReasonTerminatedBySupervisor = "TERMINATED_BY_SUPERVISOR"
	ReasonStuckJob               = "STUCK_JOB"
	ReasonStaleHeartbeat         = "STALE_HEARTBEAT"
	ReasonInvariantBreach        = "INVARIANT_BREACH"
	ReasonPruned                 = "PRUNED"
)

// Promotion decisions and audit actions.
const (
	ActionPromote      = "PROMOTE"
	ActionDemote       = "DEMOTE"
	ActionHold         = "HOLD"
	ActionReadyForLive = "READY_FOR_LIVE"
	ActionApproveLive  = "APPROVE_LIVE"
	ActionAutoRevert   = "AUTO_REVERT"
	ActionSkip         = "SKIP"
)

// Evidence sources a promotion decision can rest on.
const (
	SourceLatest   = "latest"
	SourceBestCell = "best_cell"
	SourceManual   = "manual"
)
