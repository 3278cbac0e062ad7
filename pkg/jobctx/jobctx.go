// Package jobctx provides public access to job context for handlers.
package jobctx

import (
	"context"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	intctx "github.com/jdziat/fleet-orchestrator/pkg/internal/context"
)

// JobFromContext returns the current Job from context, or nil if not in a job handler.
func JobFromContext(ctx context.Context) *core.Job {
	jc := intctx.GetJobContext(ctx)
	if jc == nil {
		return nil
	}
	return jc.Job
}

// JobIDFromContext returns the current job ID from context, or empty string if not in a job handler.
func JobIDFromContext(ctx context.Context) string {
	job := JobFromContext(ctx)
	if job == nil {
		return ""
	}
	return job.ID
}

// BotIDFromContext returns the bot the current job works on.
func BotIDFromContext(ctx context.Context) string {
	job := JobFromContext(ctx)
	if job == nil {
		return ""
	}
	return job.BotID
}

// WorkerIDFromContext returns the ID of the consumer that claimed the job.
func WorkerIDFromContext(ctx context.Context) string {
	jc := intctx.GetJobContext(ctx)
	if jc == nil {
		return ""
	}
	return jc.WorkerID
}

// Heartbeat records job liveness immediately. Long handler phases call it
// between steps. Returns nil if not running within a job handler.
func Heartbeat(ctx context.Context) error {
	jc := intctx.GetJobContext(ctx)
	if jc == nil || jc.Heartbeat == nil {
		return nil
	}
	return jc.Heartbeat(ctx)
}
