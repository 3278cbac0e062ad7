package core

import "context"

// BacktestResult is returned by a BacktestExecutor run.
type BacktestResult struct {
	Success bool
	Metrics Metrics
	Error   string
}

// BaselineOptions tunes a queued baseline backtest.
type BaselineOptions struct {
	Generation int
	Params     map[string]any
}

// BacktestExecutor runs backtests. Simulation content lives outside the engine.
type BacktestExecutor interface {
	Execute(ctx context.Context, sessionID string, params map[string]any) (*BacktestResult, error)
	QueueBaseline(ctx context.Context, botID string, opts BaselineOptions) (string, error)
}

// EvolutionResult is a newly produced generation.
type EvolutionResult struct {
	Generation int
	Config     []byte
	Sharpe     float64
}

// Evolver mutates a bot's strategy into a new generation.
type Evolver interface {
	Evolve(ctx context.Context, bot *Bot, fromGeneration int) (*EvolutionResult, error)
}

// ImprovementResult is a tuned configuration for the current generation.
type ImprovementResult struct {
	Config  []byte
	Summary string
}

// Improver tunes parameters of an existing generation.
type Improver interface {
	Improve(ctx context.Context, bot *Bot, p ImprovePayload) (*ImprovementResult, error)
}

// InstanceRunner starts and stops trading instances (the paper/live runner
// service).
type InstanceRunner interface {
	Start(ctx context.Context, inst *BotInstance) error
	Stop(ctx context.Context, inst *BotInstance) error
}

// ActivityEntry is one observability event.
type ActivityEntry struct {
	EventType string
	Severity  Severity
	Title     string
	Summary   string
	BotID     string
	Payload   map[string]any
	TraceID   string
}

// ActivityLog records state changes for external observability. Implementations
// must not block the caller on delivery failures.
type ActivityLog interface {
	Log(ctx context.Context, e ActivityEntry)
}

// Notification kinds.
const (
	NotifyPromotion    = "promotion"
	NotifyDemotion     = "demotion"
	NotifyKill         = "kill"
	NotifyReadyForLive = "ready_for_live"
	NotifyAutoRevert   = "auto_revert"
)

// Notification is a best-effort external push.
type Notification struct {
	Kind    string         `json:"kind"`
	BotID   string         `json:"bot_id"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// NotificationSink delivers notifications.
type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
}
