package instances

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/metrics"
)

// Config holds instance supervision thresholds.
type Config struct {
	// RunnerStaleAfter is the heartbeat silence after which a runner instance
	// is stale. Runners heartbeat about every 30s.
	// Default: 3m
	RunnerStaleAfter time.Duration

	// JobStaleAfter is the silence after which a job-bound instance is stale.
	// Default: 30m
	JobStaleAfter time.Duration

	// StuckJobAfter is the heartbeat silence after which any RUNNING job is
	// auto-failed. It backstops the per-type job timeouts.
	// Default: 60m
	StuckJobAfter time.Duration

	// KillStages are the stages in which a stale bot with an open breaker, or
	// a stuck job, is proactively killed.
	// Default: [LIVE]
	KillStages []core.Stage

	// LockTTL bounds how long a restart may hold the per-bot lock.
	// Default: 60s
	LockTTL time.Duration

	// PruneAfter is how long STOPPED instances are kept. Zero disables pruning.
	// Default: 7 days
	PruneAfter time.Duration
}

// DefaultConfig returns the default supervision thresholds.
func DefaultConfig() Config {
	return Config{
		RunnerStaleAfter: 3 * time.Minute,
		JobStaleAfter:    30 * time.Minute,
		StuckJobAfter:    60 * time.Minute,
		KillStages:       []core.Stage{core.StageLive},
		LockTTL:          60 * time.Second,
		PruneAfter:       7 * 24 * time.Hour,
	}
}

// AccountResolver returns the trading account a bot should run on. ok is false
// when no account can be resolved.
type AccountResolver func(ctx context.Context, bot *core.Bot) (account string, ok bool)

// BotAccount resolves the account stored on the bot.
func BotAccount(_ context.Context, bot *core.Bot) (string, bool) {
	return bot.AccountID, bot.AccountID != ""
}

// Option configures a Supervisor.
type Option interface {
	applySupervisor(*Supervisor)
}

type supervisorOptionFunc func(*Supervisor)

func (f supervisorOptionFunc) applySupervisor(s *Supervisor) { f(s) }

// WithConfig sets the thresholds. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return supervisorOptionFunc(func(s *Supervisor) {
		def := s.cfg
		if cfg.RunnerStaleAfter <= 0 {
			cfg.RunnerStaleAfter = def.RunnerStaleAfter
		}
		if cfg.JobStaleAfter <= 0 {
			cfg.JobStaleAfter = def.JobStaleAfter
		}
		if cfg.StuckJobAfter <= 0 {
			cfg.StuckJobAfter = def.StuckJobAfter
		}
		if len(cfg.KillStages) == 0 {
			cfg.KillStages = def.KillStages
		}
		if cfg.LockTTL <= 0 {
			cfg.LockTTL = def.LockTTL
		}
		if cfg.PruneAfter < 0 {
			cfg.PruneAfter = 0
		}
		s.cfg = cfg
	})
}

// WithRunner sets the service that starts and stops trading instances.
func WithRunner(r core.InstanceRunner) Option {
	return supervisorOptionFunc(func(s *Supervisor) { s.runner = r })
}

// WithAccountResolver sets how auto-start finds a bot's account.
func WithAccountResolver(fn AccountResolver) Option {
	return supervisorOptionFunc(func(s *Supervisor) {
		if fn != nil {
			s.resolveAccount = fn
		}
	})
}

// WithNotifier sets the sink for kill notifications.
func WithNotifier(n core.NotificationSink) Option {
	return supervisorOptionFunc(func(s *Supervisor) { s.notifier = n })
}

// WithActivity sets the activity log.
func WithActivity(a core.ActivityLog) Option {
	return supervisorOptionFunc(func(s *Supervisor) { s.activity = a })
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return supervisorOptionFunc(func(s *Supervisor) { s.metrics = m })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return supervisorOptionFunc(func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	})
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return supervisorOptionFunc(func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	})
}
