package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

func TestWithJobContextAndGetJobContext(t *testing.T) {
	t.Run("stores and retrieves job context", func(t *testing.T) {
		job := &core.Job{ID: "job-123", Type: core.JobTypeBacktester}
		jc := &JobContext{Job: job, WorkerID: "worker-1"}

		ctx := WithJobContext(context.Background(), jc)
		got := GetJobContext(ctx)

		require.NotNil(t, got)
		assert.Same(t, job, got.Job)
		assert.Equal(t, "worker-1", got.WorkerID)
	})

	t.Run("returns nil when absent", func(t *testing.T) {
		assert.Nil(t, GetJobContext(context.Background()))
	})

	t.Run("inner context shadows outer", func(t *testing.T) {
		outer := WithJobContext(context.Background(), &JobContext{WorkerID: "a"})
		inner := WithJobContext(outer, &JobContext{WorkerID: "b"})

		assert.Equal(t, "b", GetJobContext(inner).WorkerID)
		assert.Equal(t, "a", GetJobContext(outer).WorkerID)
	})
}
