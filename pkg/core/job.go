package core

import (
	"time"

	"gorm.io/datatypes"
)

// Job represents a unit of work to be processed.
type Job struct {
	ID              string         `gorm:"primaryKey;size:36"`
	Type            JobType        `gorm:"index;size:32;not null"`
	Status          JobStatus      `gorm:"index;size:16;not null;default:'QUEUED'"`
	BotID           string         `gorm:"index;size:64"`
	Payload         datatypes.JSON `gorm:"type:json"`
	Priority        int            `gorm:"index;default:0"`
	Attempts        int            `gorm:"default:0"`
	WorkerID        string         `gorm:"size:64"`
	UniqueKey       string         `gorm:"index;size:255"` // For job deduplication
	StartedAt       *time.Time
	LastHeartbeatAt *time.Time
	CompletedAt     *time.Time
	ErrorMessage    string    `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

// LastActivity returns the timestamp staleness is measured from: the last
// heartbeat if one was recorded, otherwise the start time.
func (j *Job) LastActivity() time.Time {
	if j.LastHeartbeatAt != nil {
		return *j.LastHeartbeatAt
	}
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return j.CreatedAt
}

// BotInstance is a running (or formerly running) execution of a bot.
// At most one instance per bot may be RUNNING or PENDING at any time.
type BotInstance struct {
	ID              string         `gorm:"primaryKey;size:36"`
	BotID           string         `gorm:"index;size:64;not null"`
	Status          InstanceStatus `gorm:"index;size:16;not null"`
	ActivityState   string         `gorm:"size:32"`
	JobType         string         `gorm:"size:32;default:'RUNNER'"`
	IsPrimaryRunner bool
	AccountID       string         `gorm:"size:64"`
	LastHeartbeatAt *time.Time
	StartedAt       *time.Time
	StoppedAt       *time.Time
	StopReason      string    `gorm:"size:255"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

// IsRunner reports whether the instance is a long-lived trading runner.
func (i *BotInstance) IsRunner() bool {
	return i.JobType == "" || i.JobType == InstanceJobTypeRunner
}

// LastActivity returns the last heartbeat, falling back to the start time.
func (i *BotInstance) LastActivity() time.Time {
	if i.LastHeartbeatAt != nil {
		return *i.LastHeartbeatAt
	}
	if i.StartedAt != nil {
		return *i.StartedAt
	}
	return i.CreatedAt
}

// Metrics is a performance snapshot produced by a backtest or a live session.
// Ratios (drawdown, win rate) are fractions: 0.10 means 10%.
type Metrics struct {
	TotalTrades       int
	LosingTrades      int
	NetProfit         float64
	MaxDrawdown       float64
	WinRate           float64
	ProfitFactor      float64
	Expectancy        float64
	Sharpe            float64
	WalkForwardPassed bool
	StressTestPassed  bool
	MarketDataProof   bool
}

// Bot is a trading strategy moving through the deployment pipeline.
type Bot struct {
	ID                string `gorm:"primaryKey;size:64"`
	Name              string `gorm:"size:255"`
	Stage             Stage  `gorm:"index;size:16;not null;default:'TRIALS'"`
	StageLockedUntil  *time.Time
	PromotionMode     PromotionMode  `gorm:"size:16;not null;default:'AUTO'"`
	CurrentGeneration int            `gorm:"default:0"`
	IsTradingEnabled  bool           `gorm:"default:false"`
	AccountID         string         `gorm:"size:64"`
	Config            datatypes.JSON `gorm:"type:json"`
	BacktestCompleted bool           `gorm:"default:false"`
	Metrics           Metrics        `gorm:"embedded;embeddedPrefix:m_"`
	MetricsUpdatedAt  *time.Time
	ArchivedAt        *time.Time `gorm:"index"`
	KilledAt          *time.Time `gorm:"index"`
	KillReason        string     `gorm:"type:text"`
	CreatedAt         time.Time  `gorm:"autoCreateTime"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime"`
}

// IsKilled reports whether the bot has been proactively killed.
func (b *Bot) IsKilled() bool { return b.KilledAt != nil }

// StageLocked reports whether a time-based stage lock is active at now.
func (b *Bot) StageLocked(now time.Time) bool {
	return b.StageLockedUntil != nil && now.Before(*b.StageLockedUntil)
}

// AutonomyScore is the latest fleet-health score for a bot. One row per bot.
type AutonomyScore struct {
	BotID      string         `gorm:"primaryKey;size:64"`
	Score      float64        `gorm:"not null"`
	Tier       Tier           `gorm:"size:24;not null"`
	Breakdown  datatypes.JSON `gorm:"type:json"`
	ComputedAt time.Time
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// JobStateTransition is an audit row written whenever the engine moves a job
// between states on its own initiative.
type JobStateTransition struct {
	ID         string    `gorm:"primaryKey;size:36"`
	JobID      string    `gorm:"index;size:36;not null"`
	FromStatus JobStatus `gorm:"size:16"`
	ToStatus   JobStatus `gorm:"size:16"`
	Reason     string    `gorm:"size:64"`
	Detail     string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

// KillEvent is the immutable record of a proactive kill.
type KillEvent struct {
	ID               string    `gorm:"primaryKey;size:36"`
	BotID            string    `gorm:"index;size:64;not null"`
	Stage            Stage     `gorm:"size:16"`
	Reason           string    `gorm:"size:64"`
	Detail           string    `gorm:"type:text"`
	InstancesStopped int64
	CreatedAt        time.Time `gorm:"autoCreateTime"`
}

// PromotionAudit is the immutable audit row written for every PROMOTE, DEMOTE,
// AUTO_REVERT and manual approval.
type PromotionAudit struct {
	ID           string         `gorm:"primaryKey;size:36"`
	BotID        string         `gorm:"index;size:64;not null"`
	Action       string         `gorm:"size:24;not null"`
	FromStage    Stage          `gorm:"size:16"`
	ToStage      Stage          `gorm:"size:16"`
	Reason       string         `gorm:"type:text"`
	Score        float64
	Source       string         `gorm:"size:24"`
	Generation   int
	GateSnapshot datatypes.JSON `gorm:"type:json"`
	Actor        string         `gorm:"size:64"`
	CreatedAt    time.Time      `gorm:"autoCreateTime"`
}

// BacktestSession stores the outcome of one backtest run. Matrix runs write one
// session per cell, labelled in Cell.
type BacktestSession struct {
	ID          string    `gorm:"primaryKey;size:36"`
	BotID       string    `gorm:"index;size:64;not null"`
	JobID       string    `gorm:"index;size:36"`
	Generation  int
	Cell        string    `gorm:"index;size:64"`
	Succeeded   bool
	Metrics     Metrics   `gorm:"embedded;embeddedPrefix:m_"`
	Error       string    `gorm:"type:text"`
	CompletedAt time.Time `gorm:"index"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

// Generation is one evolved configuration of a bot.
type Generation struct {
	ID        string         `gorm:"primaryKey;size:36"`
	BotID     string         `gorm:"uniqueIndex:idx_generation_bot_number;size:64;not null"`
	Number    int            `gorm:"uniqueIndex:idx_generation_bot_number;not null"`
	Config    datatypes.JSON `gorm:"type:json"`
	Sharpe    float64
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// ActivityEvent is an append-only observability record.
type ActivityEvent struct {
	ID        string         `gorm:"primaryKey;size:36"`
	EventType string         `gorm:"index;size:64;not null"`
	Severity  Severity       `gorm:"index;size:16"`
	Title     string         `gorm:"size:255"`
	Summary   string         `gorm:"type:text"`
	BotID     string         `gorm:"index;size:64"`
	Payload   datatypes.JSON `gorm:"type:json"`
	TraceID   string         `gorm:"size:32"`
	CreatedAt time.Time      `gorm:"index;autoCreateTime"`
}

// LockRow backs the storage-based distributed lock.
type LockRow struct {
	LockKey   string    `gorm:"primaryKey;size:255"`
	LockID    string    `gorm:"size:36;not null"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name.
func (LockRow) TableName() string { return "distributed_locks" }

// LeaderLease backs lease-based leader election.
type LeaderLease struct {
	Name      string    `gorm:"primaryKey;size:128"`
	Holder    string    `gorm:"size:64;not null"`
	ExpiresAt time.Time `gorm:"index"`
	RenewedAt time.Time
}
