// Package fleet orchestrates a fleet of autonomous trading bots: it schedules
// backtests, improvement and evolution, promotes and demotes bots through
// the TRIALS to LIVE ladder, and supervises their running instances.
//
// This is the package most callers should import. It re-exports the public
// types of the pkg/ packages for a compact API surface.
//
// Basic usage:
//
//	cfg, _ := fleet.LoadConfig("fleet.yaml")
//	eng, _ := fleet.New(ctx, cfg,
//	    fleet.WithExecutor(myBacktester),
//	    fleet.WithEvolver(myEvolver),
//	)
//	eng.Run(ctx)
package fleet

import (
	"context"

	"github.com/jdziat/fleet-orchestrator/pkg/config"
	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/engine"
	"github.com/jdziat/fleet-orchestrator/pkg/jobctx"
	"github.com/jdziat/fleet-orchestrator/pkg/promotion"
	"github.com/jdziat/fleet-orchestrator/pkg/queue"
	"github.com/jdziat/fleet-orchestrator/pkg/status"
	"github.com/jdziat/fleet-orchestrator/pkg/storage"
)

type (
	// Engine owns every component of one orchestrator process.
	Engine = engine.Engine

	// Option configures an Engine.
	Option = engine.Option

	// AutonomyReport summarizes one pass of the autonomy loop.
	AutonomyReport = engine.AutonomyReport

	// Config is the process configuration.
	Config = config.Config

	// Bot is one trading strategy tracked by the fleet.
	Bot = core.Bot

	// BotInstance is a running paper or live process of a bot.
	BotInstance = core.BotInstance

	// Job is a durable unit of background work.
	Job = core.Job

	// JobType names the work a job performs.
	JobType = core.JobType

	// JobStatus is the lifecycle state of a job.
	JobStatus = core.JobStatus

	// Stage is a rung of the promotion ladder.
	Stage = core.Stage

	// Metrics are the performance figures of a backtest or instance.
	Metrics = core.Metrics

	// BacktestExecutor runs backtests.
	BacktestExecutor = core.BacktestExecutor

	// BacktestResult is returned by a BacktestExecutor run.
	BacktestResult = core.BacktestResult

	// BaselineOptions tunes a queued baseline backtest.
	BaselineOptions = core.BaselineOptions

	// Improver tunes parameters of an existing generation.
	Improver = core.Improver

	// ImprovementResult is a tuned configuration.
	ImprovementResult = core.ImprovementResult

	// Evolver mutates a bot's strategy into a new generation.
	Evolver = core.Evolver

	// EvolutionResult is a newly produced generation.
	EvolutionResult = core.EvolutionResult

	// InstanceRunner starts and stops trading instances.
	InstanceRunner = core.InstanceRunner

	// NotificationSink receives operator notifications.
	NotificationSink = core.NotificationSink

	// Notification is one operator notification.
	Notification = core.Notification

	// Decision is the outcome of one promotion evaluation.
	Decision = promotion.Decision

	// Producer enqueues jobs.
	Producer = queue.Producer

	// Snapshot is the engine state served by the status API.
	Snapshot = status.Snapshot

	// GormStorage persists fleet state through GORM.
	GormStorage = storage.GormStorage
)

// Stages.
const (
	StageTrials = core.StageTrials
	StagePaper  = core.StagePaper
	StageShadow = core.StageShadow
	StageCanary = core.StageCanary
	StageLive   = core.StageLive
)

// Job types.
const (
	JobTypeBacktester = core.JobTypeBacktester
	JobTypeImproving  = core.JobTypeImproving
	JobTypeEvolving   = core.JobTypeEvolving
	JobTypeMatrixRun  = core.JobTypeMatrixRun
)

// Errors.
var (
	ErrNotFound        = core.ErrNotFound
	ErrDuplicateJob    = core.ErrDuplicateJob
	ErrBotKilled       = core.ErrBotKilled
	ErrNotCanary       = core.ErrNotCanary
	ErrGatesNotPassing = core.ErrGatesNotPassing
)

// New builds an engine from cfg. The engine opens cfg.Database.DSN unless
// WithStorage is given.
func New(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	return engine.New(ctx, cfg, opts...)
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads defaults, the YAML file at path and FLEET_* overrides.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// OpenStorage opens and migrates the database at dsn.
func OpenStorage(ctx context.Context, dsn string) (*GormStorage, error) {
	s, err := storage.Open(dsn, nil)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// JobFailure marks err as a job-level failure that is not retried.
func JobFailure(err error) error { return core.JobFailure(err) }

// Transient marks err as a transient infrastructure failure.
func Transient(err error) error { return core.Transient(err) }

// Job context accessors for collaborator implementations.
var (
	JobFromContext   = jobctx.JobFromContext
	BotIDFromContext = jobctx.BotIDFromContext
	Heartbeat        = jobctx.Heartbeat
)

// Engine options.
var (
	WithStorage     = engine.WithStorage
	WithExecutor    = engine.WithExecutor
	WithBaselines   = engine.WithBaselines
	WithImprover    = engine.WithImprover
	WithEvolver     = engine.WithEvolver
	WithRunner      = engine.WithRunner
	WithNotifier    = engine.WithNotifier
	WithElector     = engine.WithElector
	WithMemoryProbe = engine.WithMemoryProbe
	WithRegistry    = engine.WithRegistry
	WithLogger      = engine.WithLogger
	WithClock       = engine.WithClock
)
