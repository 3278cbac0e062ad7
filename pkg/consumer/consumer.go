package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/fleet-orchestrator/pkg/backoff"
	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/governor"
	intctx "github.com/jdziat/fleet-orchestrator/pkg/internal/context"
	"github.com/jdziat/fleet-orchestrator/pkg/internal/handler"
	"github.com/jdziat/fleet-orchestrator/pkg/metrics"
	"github.com/jdziat/fleet-orchestrator/pkg/security"
)

// Store is the job storage a consumer drains.
type Store interface {
	ClaimJobs(ctx context.Context, types []core.JobType, workerID string, limit int) ([]*core.Job, error)
	HeartbeatJob(ctx context.Context, id, workerID string) error
	CompleteJob(ctx context.Context, id, workerID string) error
	FailJob(ctx context.Context, id, workerID, errMsg string) error
}

// SlotSource reports how many heavy and light jobs may run at once.
// *governor.Governor implements it.
type SlotSource interface {
	Slots(ctx context.Context) (governor.Slots, error)
}

// FixedSlots is a SlotSource with constant limits.
type FixedSlots struct {
	Heavy int
	Light int
}

// Slots returns the fixed limits.
func (f FixedSlots) Slots(context.Context) (governor.Slots, error) {
	return governor.Slots{Heavy: f.Heavy, Light: f.Light}, nil
}

// Job results reported to metrics.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultLost      = "lost"
)

// Report summarizes one Consume call.
type Report struct {
	Class     Class
	Capacity  int
	Claimed   int
	Completed int
	Failed    int
	Lost      int
}

// Consumer claims and executes jobs.
type Consumer struct {
	store    Store
	slots    SlotSource
	registry *handler.Registry
	cfg      Config

	activity core.ActivityLog
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[bool]int // keyed by Class.Heavy()
}

// New creates a consumer. Register handlers before the first Consume.
func New(store Store, opts ...Option) *Consumer {
	c := &Consumer{
		store:    store,
		registry: handler.NewRegistry(),
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		now:      time.Now,
		inflight: make(map[bool]int),
	}
	for _, opt := range opts {
		opt.applyConsumer(c)
	}
	if c.cfg.WorkerID == "" {
		c.cfg.WorkerID = "consumer-" + uuid.NewString()[:8]
	}
	if c.slots == nil {
		c.slots = governor.New(governor.WithLogger(c.logger), governor.WithMetrics(c.metrics))
	}
	return c
}

// WorkerID returns the owner name written on claimed jobs.
func (c *Consumer) WorkerID() string { return c.cfg.WorkerID }

// Register binds fn to job type t on c.
func Register[P core.Payload](c *Consumer, t core.JobType, fn handler.Func[P]) error {
	h, err := handler.New(t, fn)
	if err != nil {
		return err
	}
	return c.registry.Register(h)
}

// Handles reports whether a handler is registered for t.
func (c *Consumer) Handles(t core.JobType) bool {
	_, ok := c.registry.Lookup(t)
	return ok
}

// InFlight returns the number of running heavy and light jobs.
func (c *Consumer) InFlight() (heavy, light int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[true], c.inflight[false]
}

// Consume claims up to the free slots of class and runs the claimed jobs to
// completion. Handler failures fail their job and are not returned; the
// returned error reports claim failures and backend outages while finishing.
func (c *Consumer) Consume(ctx context.Context, class Class) (Report, error) {
	report := Report{Class: class}
	types := c.registry.Handled(class.Types())
	if len(types) == 0 {
		return report, nil
	}

	slots, err := c.slots.Slots(ctx)
	if err != nil {
		c.logger.Warn("concurrency probe failed, using fallback slots", "class", class, "error", err)
	}
	capacity := slots.Light
	if class.Heavy() {
		capacity = slots.Heavy
	}
	report.Capacity = capacity

	limit := c.reserve(class.Heavy(), capacity)
	if limit <= 0 {
		return report, nil
	}

	jobs, err := c.store.ClaimJobs(ctx, types, c.cfg.WorkerID, limit)
	c.release(class.Heavy(), limit-len(jobs))
	if err != nil {
		return report, fmt.Errorf("claim %s jobs: %w", class, err)
	}
	report.Claimed = len(jobs)
	if len(jobs) == 0 {
		return report, nil
	}

	var (
		g       errgroup.Group
		countMu sync.Mutex
	)
	for _, job := range jobs {
		g.Go(func() error {
			defer c.release(class.Heavy(), 1)
			result, err := c.process(ctx, job)
			countMu.Lock()
			switch result {
			case ResultCompleted:
				report.Completed++
			case ResultFailed:
				report.Failed++
			default:
				report.Lost++
			}
			countMu.Unlock()
			return err
		})
	}
	return report, g.Wait()
}

// reserve takes up to capacity minus in-flight slots and returns how many it took.
func (c *Consumer) reserve(heavy bool, capacity int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	free := capacity - c.inflight[heavy]
	if free <= 0 {
		return 0
	}
	c.inflight[heavy] += free
	return free
}

func (c *Consumer) release(heavy bool, n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.inflight[heavy] -= n
	c.mu.Unlock()
}

func (c *Consumer) process(ctx context.Context, job *core.Job) (string, error) {
	start := c.now()

	h, ok := c.registry.Lookup(job.Type)
	if !ok {
		return c.finish(ctx, job, start, fmt.Errorf("no handler registered for %s", job.Type))
	}

	jobCtx, cancelJob := context.WithCancelCause(ctx)
	defer cancelJob(nil)
	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	go c.runHeartbeat(heartbeatCtx, job, cancelJob)

	err := c.executeHandler(jobCtx, job, h)
	cancelHeartbeat()

	if cause := context.Cause(jobCtx); err != nil && ctx.Err() == nil && isOwnershipLoss(cause) {
		err = cause
	}
	return c.finish(ctx, job, start, err)
}

func (c *Consumer) executeHandler(ctx context.Context, job *core.Job, h *handler.Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	jc := &intctx.JobContext{
		Job:      job,
		WorkerID: c.cfg.WorkerID,
		Heartbeat: func(ctx context.Context) error {
			return c.store.HeartbeatJob(ctx, job.ID, c.cfg.WorkerID)
		},
	}
	return h.Execute(intctx.WithJobContext(ctx, jc), job)
}

// runHeartbeat periodically refreshes the job heartbeat during execution.
// When the job is no longer ours (timed out or failed by a monitor) the
// handler's context is cancelled.
func (c *Consumer) runHeartbeat(ctx context.Context, job *core.Job, cancelJob context.CancelCauseFunc) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.store.HeartbeatJob(ctx, job.ID, c.cfg.WorkerID)
			switch {
			case err == nil:
				c.logger.Debug("heartbeat sent", "job_id", job.ID)
			case isOwnershipLoss(err):
				c.logger.Warn("job no longer owned, cancelling handler", "job_id", job.ID, "error", err)
				cancelJob(err)
				return
			case ctx.Err() == nil:
				c.logger.Warn("heartbeat failed", "job_id", job.ID, "error", err)
			}
		}
	}
}

// finish records the handler outcome. The write uses a context detached from
// ctx so jobs that end during shutdown are still recorded.
func (c *Consumer) finish(ctx context.Context, job *core.Job, start time.Time, runErr error) (string, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FinishTimeout)
	defer cancel()

	result := ResultCompleted
	var err error
	if runErr == nil {
		err = c.store.CompleteJob(fctx, job.ID, c.cfg.WorkerID)
	} else {
		result = ResultFailed
		if ctx.Err() != nil && errors.Is(runErr, context.Canceled) {
			runErr = fmt.Errorf("interrupted: consumer stopped: %w", runErr)
		}
		err = c.store.FailJob(fctx, job.ID, c.cfg.WorkerID, runErr.Error())
	}

	elapsed := c.now().Sub(start)
	switch {
	case err == nil:
	case isOwnershipLoss(err):
		c.logger.Warn("job finished after losing ownership", "job_id", job.ID, "job_type", job.Type, "error", err)
		c.metrics.JobProcessed(string(job.Type), ResultLost)
		return ResultLost, nil
	default:
		c.logger.Error("failed to record job outcome", "job_id", job.ID, "result", result, "error", err)
		c.metrics.JobProcessed(string(job.Type), ResultLost)
		if backoff.IsConnectivityError(err) {
			return ResultLost, fmt.Errorf("record %s job %s: %w", job.Type, job.ID, err)
		}
		return ResultLost, nil
	}

	c.metrics.JobProcessed(string(job.Type), result)
	payload := map[string]any{
		"job_id":      job.ID,
		"job_type":    string(job.Type),
		"attempts":    job.Attempts,
		"duration_ms": elapsed.Milliseconds(),
	}
	if runErr == nil {
		c.logger.Info("job completed", "job_id", job.ID, "job_type", job.Type, "bot_id", job.BotID, "duration", elapsed)
		c.log(ctx, core.ActivityEntry{
			EventType: core.EventJobCompleted,
			Severity:  core.SeverityInfo,
			Title:     fmt.Sprintf("%s job completed", job.Type),
			Summary:   fmt.Sprintf("job %s finished in %s", job.ID, elapsed.Round(time.Millisecond)),
			BotID:     job.BotID,
			Payload:   payload,
		})
		return result, nil
	}

	msg := security.SanitizeErrorMessage(runErr.Error())
	c.logger.Warn("job failed", "job_id", job.ID, "job_type", job.Type, "bot_id", job.BotID, "error", msg)
	c.log(ctx, core.ActivityEntry{
		EventType: core.EventJobFailed,
		Severity:  core.SeverityWarning,
		Title:     fmt.Sprintf("%s job failed", job.Type),
		Summary:   msg,
		BotID:     job.BotID,
		Payload:   payload,
	})
	return result, nil
}

func (c *Consumer) log(ctx context.Context, e core.ActivityEntry) {
	if c.activity != nil {
		c.activity.Log(context.WithoutCancel(ctx), e)
	}
}

func isOwnershipLoss(err error) bool {
	return errors.Is(err, core.ErrJobNotRunning) || errors.Is(err, core.ErrJobNotOwned)
}
