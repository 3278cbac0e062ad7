package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/metrics"
	"github.com/jdziat/fleet-orchestrator/pkg/schedule"
	"github.com/jdziat/fleet-orchestrator/pkg/security"
)

// entry is one registered worker and its runtime state.
type entry struct {
	name       string
	sched      schedule.Schedule
	fn         Func
	runOnStart bool

	active      bool
	running     bool
	runs        int64
	lastRun     time.Time
	nextRun     time.Time
	lastOutcome Outcome
	lastError   string
}

// WorkerStatus is the status view of one registered worker.
type WorkerStatus struct {
	Name        string    `json:"name"`
	Active      bool      `json:"active"`
	Running     bool      `json:"running"`
	Runs        int64     `json:"runs"`
	LastRun     time.Time `json:"last_run,omitempty"`
	NextRun     time.Time `json:"next_run,omitempty"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// SchedulerStatus is the status view of the scheduler.
type SchedulerStatus struct {
	Running bool           `json:"running"`
	Workers []WorkerStatus `json:"workers"`
}

// Scheduler runs every registered worker on its own schedule through a
// Supervisor. Runs of the same worker never overlap; different workers run
// concurrently.
type Scheduler struct {
	sup     *Supervisor
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	workers map[string]*entry
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler that supervises runs with sup.
func NewScheduler(sup *Supervisor) *Scheduler {
	return &Scheduler{
		sup:     sup,
		logger:  sup.logger,
		metrics: sup.metrics,
		now:     sup.now,
		workers: make(map[string]*entry),
	}
}

// Register adds a worker. Workers cannot be added while the scheduler runs.
func (s *Scheduler) Register(name string, sched schedule.Schedule, fn Func, opts ...RegisterOption) error {
	if err := security.ValidateWorkerName(name); err != nil {
		return err
	}
	if sched == nil || fn == nil {
		return fmt.Errorf("worker %q: schedule and function are required", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return core.ErrSchedulerActive
	}
	if _, ok := s.workers[name]; ok {
		return fmt.Errorf("%w: %s", core.ErrWorkerExists, name)
	}
	e := &entry{name: name, sched: sched, fn: fn}
	for _, opt := range opts {
		opt.applyRegister(e)
	}
	s.workers[name] = e
	return nil
}

// Start launches one goroutine per registered worker and returns immediately.
// Workers stop when ctx is done or StopAll is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return core.ErrSchedulerActive
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, e := range s.workers {
		e.active = true
		s.metrics.SetWorkerActive(e.name, true)
		s.wg.Add(1)
		go s.loop(runCtx, e)
	}
	s.logger.Info("scheduler started", "workers", len(s.workers))
	return nil
}

// StopAll cancels every worker and blocks until each worker goroutine, and any
// run it had in flight, has returned.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// Running reports whether the scheduler has been started and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns a snapshot of the scheduler and every worker, sorted by name.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := SchedulerStatus{Running: s.running, Workers: make([]WorkerStatus, 0, len(s.workers))}
	for _, e := range s.workers {
		ws := WorkerStatus{
			Name:      e.name,
			Active:    e.active,
			Running:   e.running,
			Runs:      e.runs,
			LastRun:   e.lastRun,
			NextRun:   e.nextRun,
			LastError: e.lastError,
		}
		if e.runs > 0 {
			ws.LastOutcome = e.lastOutcome.String()
		}
		out.Workers = append(out.Workers, ws)
	}
	sort.Slice(out.Workers, func(i, j int) bool { return out.Workers[i].Name < out.Workers[j].Name })
	return out
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		e.active = false
		e.running = false
		s.mu.Unlock()
		s.metrics.SetWorkerActive(e.name, false)
	}()

	if e.runOnStart {
		s.runOnce(ctx, e)
	}

	for {
		now := s.now()
		next := e.sched.Next(now)
		s.mu.Lock()
		e.nextRun = next
		s.mu.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.runOnce(ctx, e)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, e *entry) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	e.running = true
	s.mu.Unlock()

	outcome, err := s.sup.run(ctx, e.name, e.fn)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.running = false
	if outcome.Skipped() {
		return
	}
	e.runs++
	e.lastRun = s.now()
	e.lastOutcome = outcome
	if outcome == OutcomeFailed && err != nil {
		e.lastError = security.SanitizeErrorMessage(err.Error())
	} else {
		e.lastError = ""
	}
}
