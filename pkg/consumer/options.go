package consumer

import (
	"log/slog"
	"time"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/metrics"
)

// Config holds consumer settings.
type Config struct {
	// WorkerID identifies this consumer as the owner of claimed jobs.
	// Default: "consumer-" plus a random suffix
	WorkerID string

	// HeartbeatInterval is how often a running job's heartbeat is refreshed.
	// Default: 30s
	HeartbeatInterval time.Duration

	// FinishTimeout bounds the complete/fail write after a handler returns,
	// including during shutdown.
	// Default: 10s
	FinishTimeout time.Duration
}

// DefaultConfig returns the default consumer settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		FinishTimeout:     10 * time.Second,
	}
}

// Option configures a Consumer.
type Option interface {
	applyConsumer(*Consumer)
}

type consumerOptionFunc func(*Consumer)

func (f consumerOptionFunc) applyConsumer(c *Consumer) { f(c) }

// WithConfig sets consumer settings. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return consumerOptionFunc(func(c *Consumer) {
		if cfg.WorkerID != "" {
			c.cfg.WorkerID = cfg.WorkerID
		}
		if cfg.HeartbeatInterval > 0 {
			c.cfg.HeartbeatInterval = cfg.HeartbeatInterval
		}
		if cfg.FinishTimeout > 0 {
			c.cfg.FinishTimeout = cfg.FinishTimeout
		}
	})
}

// WithWorkerID sets the job owner name.
func WithWorkerID(id string) Option {
	return consumerOptionFunc(func(c *Consumer) {
		if id != "" {
			c.cfg.WorkerID = id
		}
	})
}

// WithSlots sets the slot source. Defaults to a governor probing system memory.
func WithSlots(s SlotSource) Option {
	return consumerOptionFunc(func(c *Consumer) {
		if s != nil {
			c.slots = s
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return consumerOptionFunc(func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	})
}

// WithActivity sets the activity log.
func WithActivity(a core.ActivityLog) Option {
	return consumerOptionFunc(func(c *Consumer) { c.activity = a })
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return consumerOptionFunc(func(c *Consumer) { c.metrics = m })
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return consumerOptionFunc(func(c *Consumer) {
		if now != nil {
			c.now = now
		}
	})
}
