package context

import (
	"context"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

// JobContextKey is the key for storing job context in context.Context.
type JobContextKey struct{}

// JobContext holds the job being executed and its owner.
type JobContext struct {
	Job      *core.Job
	WorkerID string
	// Heartbeat extends the job's liveness outside the periodic heartbeat.
	Heartbeat func(ctx context.Context) error
}

// GetJobContext retrieves the job context from a context.Context.
func GetJobContext(ctx context.Context) *JobContext {
	if jc, ok := ctx.Value(JobContextKey{}).(*JobContext); ok {
		return jc
	}
	return nil
}

// WithJobContext adds job context to a context.Context.
func WithJobContext(ctx context.Context, jc *JobContext) context.Context {
	return context.WithValue(ctx, JobContextKey{}, jc)
}
