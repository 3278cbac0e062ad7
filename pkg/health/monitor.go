package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/metrics"
)

// JobSource is the storage the monitor needs.
type JobSource interface {
	GetJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error)
	TimeoutJob(ctx context.Context, id, detail string) (bool, error)
}

// Escalator decides whether a timed-out job is grave enough to kill its bot.
// It reports whether the bot was killed; a kill also fails the job.
type Escalator interface {
	EscalateTimeout(ctx context.Context, job *core.Job, detail string) (bool, error)
}

// MonitorOption configures a Monitor.
type MonitorOption interface {
	applyMonitor(*Monitor)
}

type monitorOptionFunc func(*Monitor)

func (f monitorOptionFunc) applyMonitor(m *Monitor) { f(m) }

// WithTimeouts sets the per-type timeout table.
func WithTimeouts(t TimeoutTable) MonitorOption {
	return monitorOptionFunc(func(m *Monitor) { m.table = t })
}

// WithEscalator sets who is consulted before a job is timed out.
func WithEscalator(e Escalator) MonitorOption {
	return monitorOptionFunc(func(m *Monitor) { m.escalator = e })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) MonitorOption {
	return monitorOptionFunc(func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	})
}

// WithActivity sets the activity log.
func WithActivity(a core.ActivityLog) MonitorOption {
	return monitorOptionFunc(func(m *Monitor) { m.activity = a })
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) MonitorOption {
	return monitorOptionFunc(func(m *Monitor) { m.metrics = mt })
}

// WithClock sets the time source.
func WithClock(now func() time.Time) MonitorOption {
	return monitorOptionFunc(func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	})
}

// Report summarizes one monitor tick.
type Report struct {
	Scanned  int
	TimedOut []string
	// Escalated lists jobs whose bot was killed instead of the job timing out.
	Escalated []string
	// Raced counts jobs that left RUNNING between the scan and the update.
	Raced int
}

// Monitor moves RUNNING jobs whose heartbeat has gone silent for longer than
// their type's timeout to TIMEOUT.
type Monitor struct {
	jobs      JobSource
	table     TimeoutTable
	escalator Escalator
	logger    *slog.Logger
	activity  core.ActivityLog
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewMonitor creates a job health monitor.
func NewMonitor(jobs JobSource, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		jobs:   jobs,
		table:  DefaultTimeoutTable(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt.applyMonitor(m)
	}
	return m
}

// Timeouts returns the table in use.
func (m *Monitor) Timeouts() TimeoutTable { return m.table }

// Tick scans every RUNNING job once. Each timeout is a conditional transition,
// so a job already terminal is never transitioned again. Errors on individual
// jobs do not stop the scan.
func (m *Monitor) Tick(ctx context.Context) (Report, error) {
	var rep Report
	jobs, err := m.jobs.GetJobs(ctx, core.JobFilter{Statuses: []core.JobStatus{core.JobRunning}})
	if err != nil {
		return rep, fmt.Errorf("list running jobs: %w", err)
	}
	rep.Scanned = len(jobs)

	now := m.now()
	var errs []error
	for _, job := range jobs {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		timeout := m.table.Timeout(job.Type)
		age := now.Sub(job.LastActivity())
		if age <= timeout {
			continue
		}

		detail := fmt.Sprintf("no heartbeat for %s (timeout %s for %s)", age.Truncate(time.Second), timeout, job.Type)
		if m.escalator != nil && job.BotID != "" {
			killed, err := m.escalator.EscalateTimeout(ctx, job, detail)
			if err != nil {
				errs = append(errs, fmt.Errorf("escalate job %s: %w", job.ID, err))
			}
			if killed {
				rep.Escalated = append(rep.Escalated, job.ID)
				m.metrics.JobTimedOut(string(job.Type))
				m.logger.Error("job timed out, bot killed",
					"job_id", job.ID,
					"type", job.Type,
					"bot_id", job.BotID,
					"age", age,
				)
				continue
			}
		}

		changed, err := m.jobs.TimeoutJob(ctx, job.ID, detail)
		if err != nil {
			errs = append(errs, fmt.Errorf("timeout job %s: %w", job.ID, err))
			continue
		}
		if !changed {
			rep.Raced++
			continue
		}

		rep.TimedOut = append(rep.TimedOut, job.ID)
		m.metrics.JobTimedOut(string(job.Type))
		m.logger.Warn("job timed out",
			"job_id", job.ID,
			"type", job.Type,
			"bot_id", job.BotID,
			"age", age,
			"timeout", timeout,
		)
		if m.activity != nil {
			m.activity.Log(ctx, core.ActivityEntry{
				EventType: core.EventJobTimeout,
				Severity:  core.SeverityWarning,
				Title:     "Job timed out",
				Summary:   detail,
				BotID:     job.BotID,
				Payload: map[string]any{
					"job_id":  job.ID,
					"type":    string(job.Type),
					"reason":  core.ReasonHeartbeatTimeout,
					"age_sec": int64(age.Seconds()),
				},
			})
		}
	}
	return rep, errors.Join(errs...)
}
