package worker

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/metrics"
)

// DefaultEscalateAfter is the consecutive failure count at which a worker
// failure is reported as CRITICAL.
const DefaultEscalateAfter = 5

// SupervisorOption configures a Supervisor.
type SupervisorOption interface {
	applySupervisor(*Supervisor)
}

type supervisorOptionFunc func(*Supervisor)

func (f supervisorOptionFunc) applySupervisor(s *Supervisor) { f(s) }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SupervisorOption {
	return supervisorOptionFunc(func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	})
}

// WithActivity sets the activity log used for escalations and recoveries.
func WithActivity(a core.ActivityLog) SupervisorOption {
	return supervisorOptionFunc(func(s *Supervisor) {
		s.activity = a
	})
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) SupervisorOption {
	return supervisorOptionFunc(func(s *Supervisor) {
		s.metrics = m
	})
}

// WithTracer sets the tracer used for per-run spans.
func WithTracer(t trace.Tracer) SupervisorOption {
	return supervisorOptionFunc(func(s *Supervisor) {
		if t != nil {
			s.tracer = t
		}
	})
}

// WithClock sets the time source.
func WithClock(now func() time.Time) SupervisorOption {
	return supervisorOptionFunc(func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	})
}

// WithEscalateAfter sets the consecutive failure count at which failures are
// reported as CRITICAL. Values below 1 are ignored.
func WithEscalateAfter(n int) SupervisorOption {
	return supervisorOptionFunc(func(s *Supervisor) {
		if n > 0 {
			s.escalateAfter = n
		}
	})
}

// RegisterOption configures a registered worker.
type RegisterOption interface {
	applyRegister(*entry)
}

type registerOptionFunc func(*entry)

func (f registerOptionFunc) applyRegister(e *entry) { f(e) }

// RunOnStart runs the worker immediately when the scheduler starts instead of
// waiting for the first tick.
func RunOnStart() RegisterOption {
	return registerOptionFunc(func(e *entry) {
		e.runOnStart = true
	})
}
