package core

import (
	"context"
	"time"
)

// JobFilter selects jobs for GetJobs.
type JobFilter struct {
	Statuses []JobStatus
	Types    []JobType
	BotID    string
	Limit    int

	// Newest orders by creation time descending so Limit keeps the latest jobs.
	Newest bool
}

// JobPatch lists the job fields UpdateJob may change. Nil fields are left alone.
type JobPatch struct {
	Priority        *int
	ErrorMessage    *string
	LastHeartbeatAt *time.Time
}

// BotFilter selects bots for ListBots.
type BotFilter struct {
	Stages          []Stage
	TradingEnabled  *bool
	IncludeKilled   bool
	IncludeArchived bool
}

// BotPatch lists the bot fields UpdateBot may change. Stage is deliberately
// absent: stage changes go through ApplyStageTransition.
type BotPatch struct {
	Name              *string
	PromotionMode     *PromotionMode
	StageLockedUntil  *time.Time
	IsTradingEnabled  *bool
	AccountID         *string
	CurrentGeneration *int
	Config            []byte
	BacktestCompleted *bool
	Metrics           *Metrics
}

// RestartRequest describes an atomic instance restart.
type RestartRequest struct {
	BotID           string
	StaleInstanceID string
	Reason          string
}

// RestartResult reports the effects of a successful restart.
type RestartResult struct {
	Instance   *BotInstance
	FailedJobs int64
}

// KillRequest describes a proactive kill.
type KillRequest struct {
	BotID  string
	Reason string
	Detail string
}

// StageTransition is an atomic stage change plus its audit row.
type StageTransition struct {
	BotID      string
	From       Stage
	To         Stage
	Action     string
	Reason     string
	Score      float64
	Source     string
	Generation int
	Gates      []byte
	Actor      string
	LockFor    time.Duration
}

// JobStore persists jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	CreateJobUnique(ctx context.Context, job *Job, uniqueKey string) error
	GetJob(ctx context.Context, id string) (*Job, error)
	GetJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	UpdateJob(ctx context.Context, id string, patch JobPatch) error
	ClaimJobs(ctx context.Context, types []JobType, workerID string, limit int) ([]*Job, error)
	HeartbeatJob(ctx context.Context, id, workerID string) error
	CompleteJob(ctx context.Context, id, workerID string) error
	FailJob(ctx context.Context, id, workerID, errMsg string) error
	TimeoutJob(ctx context.Context, id, detail string) (bool, error)
	GetStuckJobs(ctx context.Context, thresholdMinutes int) ([]*Job, error)
	FailStuckJob(ctx context.Context, id, reason, message string) (bool, error)
	CountJobsByStatus(ctx context.Context) (map[JobStatus]int64, error)
	LogJobStateTransition(ctx context.Context, t *JobStateTransition) error
}

// InstanceStore persists bot instances.
type InstanceStore interface {
	ListRunningInstances(ctx context.Context) ([]*BotInstance, error)
	GetInstances(ctx context.Context, botID string) ([]*BotInstance, error)
	CreateInstance(ctx context.Context, inst *BotInstance) error
	HeartbeatInstance(ctx context.Context, id string, activityState string) error
	RestartInstance(ctx context.Context, req RestartRequest) (*RestartResult, error)
	ActivateInstance(ctx context.Context, botID, accountID string) (*BotInstance, error)
	StopInstance(ctx context.Context, id, reason string) (bool, error)
	PruneStoppedInstances(ctx context.Context, olderThan time.Duration) (int64, error)
}

// BotStore persists bots, their generations and stage transitions.
type BotStore interface {
	GetBot(ctx context.Context, id string) (*Bot, error)
	CreateBot(ctx context.Context, bot *Bot) error
	ListBots(ctx context.Context, filter BotFilter) ([]*Bot, error)
	UpdateBot(ctx context.Context, id string, patch BotPatch) error
	KillBot(ctx context.Context, req KillRequest) (bool, error)
	ReenableBot(ctx context.Context, id string) (bool, error)
	ListKillEvents(ctx context.Context, botID string) ([]*KillEvent, error)
	ApplyStageTransition(ctx context.Context, t StageTransition) error
	RecordAudit(ctx context.Context, a *PromotionAudit) error
	ListAudits(ctx context.Context, botID string) ([]*PromotionAudit, error)
	RecordGeneration(ctx context.Context, g *Generation) error
	AppendGeneration(ctx context.Context, g *Generation) error
	UpdateGenerationSharpe(ctx context.Context, botID string, number int, sharpe float64) error
	ListGenerations(ctx context.Context, botID string, limit int) ([]*Generation, error)
	RevertToGeneration(ctx context.Context, botID string, number int) error
}

// SessionStore persists backtest sessions.
type SessionStore interface {
	RecordSession(ctx context.Context, s *BacktestSession) error
	RecentSessions(ctx context.Context, botID string, n int) ([]*BacktestSession, error)
	BestMatrixCell(ctx context.Context, botID string) (*BacktestSession, error)
	CountSessions(ctx context.Context, botID string, succeeded bool) (int64, error)
}

// ScoreStore persists autonomy scores.
type ScoreStore interface {
	UpsertAutonomyScore(ctx context.Context, s *AutonomyScore) error
	GetAutonomyScore(ctx context.Context, botID string) (*AutonomyScore, error)
}

// ActivityStore appends activity events.
type ActivityStore interface {
	AppendActivity(ctx context.Context, e *ActivityEvent) error
}

// LockStore backs the distributed lock.
type LockStore interface {
	TryLock(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, lockID string) (bool, error)
}

// LeaseStore backs lease-based leader election.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
	GetLease(ctx context.Context, name string) (*LeaderLease, error)
}

// Storage defines the full persistence layer for the engine.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error
	// Ping checks backend availability.
	Ping(ctx context.Context) error

	JobStore
	InstanceStore
	BotStore
	SessionStore
	ScoreStore
	ActivityStore
	LockStore
	LeaseStore
}
