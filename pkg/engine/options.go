package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/governor"
	"github.com/jdziat/fleet-orchestrator/pkg/leader"
	"github.com/jdziat/fleet-orchestrator/pkg/storage"
)

// Baselines queues baseline backtests for bots that have never completed one.
type Baselines interface {
	QueueBaseline(ctx context.Context, botID string, opts core.BaselineOptions) (string, error)
}

// Option configures an Engine.
type Option interface {
	applyEngine(*Engine)
}

type engineOptionFunc func(*Engine)

func (f engineOptionFunc) applyEngine(e *Engine) { f(e) }

// WithStorage uses an already opened storage instead of opening the configured
// DSN. The engine does not close it.
func WithStorage(s *storage.GormStorage) Option {
	return engineOptionFunc(func(e *Engine) {
		e.store = s
	})
}

// WithExecutor runs BACKTESTER and MATRIX_RUN jobs through x. Without an
// executor the backtest consumer claims nothing and no baselines are queued.
func WithExecutor(x core.BacktestExecutor) Option {
	return engineOptionFunc(func(e *Engine) {
		e.executor = x
	})
}

// WithBaselines replaces the engine's own job queue as the destination of
// baseline backtests.
func WithBaselines(b Baselines) Option {
	return engineOptionFunc(func(e *Engine) {
		e.baselines = b
	})
}

// WithImprover runs IMPROVING jobs through imp.
func WithImprover(imp core.Improver) Option {
	return engineOptionFunc(func(e *Engine) {
		e.improver = imp
	})
}

// WithEvolver runs EVOLVING jobs through ev and lets the autonomy loop queue
// them.
func WithEvolver(ev core.Evolver) Option {
	return engineOptionFunc(func(e *Engine) {
		e.evolver = ev
	})
}

// WithRunner starts and stops trading instances through r.
func WithRunner(r core.InstanceRunner) Option {
	return engineOptionFunc(func(e *Engine) {
		e.runner = r
	})
}

// WithNotifier replaces the configured webhook sink.
func WithNotifier(n core.NotificationSink) Option {
	return engineOptionFunc(func(e *Engine) {
		e.notifier = n
	})
}

// WithElector replaces the configured leader elector.
func WithElector(el leader.Elector) Option {
	return engineOptionFunc(func(e *Engine) {
		e.elector = el
	})
}

// WithMemoryProbe replaces the gopsutil probe behind the governor.
func WithMemoryProbe(p governor.MemoryProbe) Option {
	return engineOptionFunc(func(e *Engine) {
		e.probe = p
	})
}

// WithRegistry registers metrics on reg and serves it on /metrics. Defaults
// to a fresh registry with the Go and process collectors.
func WithRegistry(reg *prometheus.Registry) Option {
	return engineOptionFunc(func(e *Engine) {
		if reg != nil {
			e.registry = reg
		}
	})
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return engineOptionFunc(func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	})
}

// WithClock sets the time source shared by every component.
func WithClock(now func() time.Time) Option {
	return engineOptionFunc(func(e *Engine) {
		if now != nil {
			e.now = now
		}
	})
}
