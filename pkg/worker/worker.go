package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jdziat/fleet-orchestrator/pkg/backoff"
	"github.com/jdziat/fleet-orchestrator/pkg/circuit"
	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/metrics"
)

// Func is a periodic unit of work.
type Func func(ctx context.Context) error

// Leadership reports whether this process may run workers.
type Leadership interface {
	IsLeader() bool
}

// Outcome is the result of one supervised run.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	OutcomeSkippedNotLeader
	OutcomeSkippedBackendOpen
	OutcomeSkippedBackoff
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkippedNotLeader:
		return "skipped_not_leader"
	case OutcomeSkippedBackendOpen:
		return "skipped_backend_open"
	case OutcomeSkippedBackoff:
		return "skipped_backoff"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Skipped reports whether the function was not invoked.
func (o Outcome) Skipped() bool {
	return o == OutcomeSkippedNotLeader || o == OutcomeSkippedBackendOpen || o == OutcomeSkippedBackoff
}

// Supervisor wraps every periodic worker with leadership, backend circuit and
// backoff checks. It is the only place a worker failure is translated into
// logging, backoff and escalation; nothing escapes Run.
type Supervisor struct {
	leader  Leadership
	backend *circuit.Backend
	backoff *backoff.Registry

	logger        *slog.Logger
	activity      core.ActivityLog
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	now           func() time.Time
	escalateAfter int
}

// NewSupervisor creates a supervisor. backend and reg may be nil, in which case
// a fresh circuit and registry are created.
func NewSupervisor(l Leadership, backend *circuit.Backend, reg *backoff.Registry, opts ...SupervisorOption) *Supervisor {
	if backend == nil {
		backend = circuit.NewBackend()
	}
	if reg == nil {
		reg = backoff.NewRegistry()
	}
	s := &Supervisor{
		leader:        l,
		backend:       backend,
		backoff:       reg,
		logger:        slog.Default(),
		tracer:        otel.Tracer("github.com/jdziat/fleet-orchestrator/pkg/worker"),
		now:           time.Now,
		escalateAfter: DefaultEscalateAfter,
	}
	for _, opt := range opts {
		opt.applySupervisor(s)
	}
	return s
}

// Backend returns the backend availability circuit.
func (s *Supervisor) Backend() *circuit.Backend { return s.backend }

// Backoff returns the backoff registry.
func (s *Supervisor) Backoff() *backoff.Registry { return s.backoff }

// Run executes fn for the worker called name, unless this process is not the
// leader, the backend circuit is open, or the worker is backing off.
func (s *Supervisor) Run(ctx context.Context, name string, fn Func) Outcome {
	o, _ := s.run(ctx, name, fn)
	return o
}

func (s *Supervisor) run(ctx context.Context, name string, fn Func) (Outcome, error) {
	if s.leader != nil && !s.leader.IsLeader() {
		s.observe(name, OutcomeSkippedNotLeader, 0)
		return OutcomeSkippedNotLeader, nil
	}
	if s.backend.IsCircuitOpen() {
		s.logger.Info("worker skipped, backend circuit open", "worker", name, "reason", s.backend.State().Reason)
		s.observe(name, OutcomeSkippedBackendOpen, 0)
		return OutcomeSkippedBackendOpen, nil
	}
	s.metrics.SetBackendOpen(false)
	if !s.backoff.Ready(name, s.now()) {
		s.observe(name, OutcomeSkippedBackoff, 0)
		return OutcomeSkippedBackoff, nil
	}

	ctx, span := s.tracer.Start(ctx, "worker."+name, trace.WithAttributes(attribute.String("worker", name)))
	defer span.End()

	start := s.now()
	err := s.execute(ctx, name, fn)
	elapsed := s.now().Sub(start).Seconds()

	switch {
	case err == nil:
		s.succeeded(ctx, name)
		s.observe(name, OutcomeSucceeded, elapsed)
		return OutcomeSucceeded, nil

	case core.Categorize(err) == core.CategoryContention:
		s.logger.Debug("worker lost a race", "worker", name, "error", err)
		s.succeeded(ctx, name)
		s.observe(name, OutcomeSucceeded, elapsed)
		return OutcomeSucceeded, nil

	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		s.logger.Debug("worker canceled", "worker", name)
		s.observe(name, OutcomeCanceled, elapsed)
		return OutcomeCanceled, err
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.failed(ctx, name, err)
	s.observe(name, OutcomeFailed, elapsed)
	return OutcomeFailed, err
}

func (s *Supervisor) execute(ctx context.Context, name string, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panicked", "worker", name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (s *Supervisor) succeeded(ctx context.Context, name string) {
	if !s.backoff.RecordSuccess(name) {
		return
	}
	s.logger.Info("worker recovered", "worker", name)
	s.log(ctx, core.ActivityEntry{
		EventType: core.EventWorkerRecovered,
		Severity:  core.SeverityInfo,
		Title:     "Worker recovered",
		Summary:   fmt.Sprintf("%s succeeded after failing", name),
		Payload:   map[string]any{"worker": name},
	})
}

func (s *Supervisor) failed(ctx context.Context, name string, err error) {
	st := s.backoff.RecordFailure(name, s.now())
	s.logger.Error("worker failed",
		"worker", name,
		"error", err,
		"category", core.Categorize(err).String(),
		"failures", st.Failures,
		"next_retry_at", st.NextRetryAt,
	)

	if st.Failures >= s.escalateAfter {
		s.log(ctx, core.ActivityEntry{
			EventType: core.EventWorkerFailing,
			Severity:  core.SeverityCritical,
			Title:     "Worker failing repeatedly",
			Summary:   fmt.Sprintf("%s failed %d times in a row: %v", name, st.Failures, err),
			Payload: map[string]any{
				"worker":        name,
				"failures":      st.Failures,
				"next_retry_at": st.NextRetryAt,
			},
		})
	}

	if backoff.IsConnectivityError(err) && s.backend.OpenCircuit(err.Error()) {
		s.logger.Warn("backend circuit opened", "worker", name, "error", err)
		s.metrics.SetBackendOpen(true)
		s.log(ctx, core.ActivityEntry{
			EventType: core.EventBackendOpened,
			Severity:  core.SeverityError,
			Title:     "Backend unavailable",
			Summary:   err.Error(),
			Payload:   map[string]any{"worker": name},
		})
	}
}

func (s *Supervisor) observe(name string, o Outcome, seconds float64) {
	var failures int
	if st, ok := s.backoff.Get(name); ok {
		failures = st.Failures
	}
	s.metrics.ObserveWorker(name, o.String(), seconds, failures)
}

func (s *Supervisor) log(ctx context.Context, e core.ActivityEntry) {
	if s.activity == nil {
		return
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		e.TraceID = sc.TraceID().String()
	}
	s.activity.Log(ctx, e)
}
