package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/fleet-orchestrator/pkg/backoff"
	"github.com/jdziat/fleet-orchestrator/pkg/circuit"
	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/metrics"
)

type fakeLeader struct{ v atomic.Bool }

func newFakeLeader(leader bool) *fakeLeader {
	l := &fakeLeader{}
	l.v.Store(leader)
	return l
}

func (l *fakeLeader) IsLeader() bool { return l.v.Load() }

type recordingActivity struct {
	mu      sync.Mutex
	entries []core.ActivityEntry
}

func (r *recordingActivity) Log(_ context.Context, e core.ActivityEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingActivity) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	sup      *Supervisor
	leader   *fakeLeader
	backend  *circuit.Backend
	backoff  *backoff.Registry
	activity *recordingActivity
	clock    *testClock
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		leader:   newFakeLeader(true),
		backend:  circuit.NewBackend(circuit.WithClock(clock.Now)),
		backoff:  backoff.NewRegistry(backoff.WithRand(func() float64 { return 0 })),
		activity: &recordingActivity{},
		clock:    clock,
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	h.sup = NewSupervisor(h.leader, h.backend, h.backoff,
		WithActivity(h.activity),
		WithMetrics(h.metrics),
		WithClock(clock.Now),
	)
	return h
}

var errBoom = errors.New("boom")

// ──────────────────────────────────────────────────────────────────────────────
// Supervisor gates
// ──────────────────────────────────────────────────────────────────────────────

func TestSupervisor_NotLeaderIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.leader.v.Store(false)

	called := false
	o := h.sup.Run(context.Background(), "job-timeout-monitor", func(context.Context) error {
		called = true
		return nil
	})

	assert.Equal(t, OutcomeSkippedNotLeader, o)
	assert.True(t, o.Skipped())
	assert.False(t, called)
}

func TestSupervisor_BackendOpenSkips(t *testing.T) {
	h := newHarness(t)
	h.backend.OpenCircuit("dial tcp: connection refused")

	called := false
	o := h.sup.Run(context.Background(), "instance-supervisor", func(context.Context) error {
		called = true
		return nil
	})
	assert.Equal(t, OutcomeSkippedBackendOpen, o)
	assert.False(t, called)

	h.clock.Advance(circuit.DefaultBackendCooldown)
	o = h.sup.Run(context.Background(), "instance-supervisor", func(context.Context) error {
		called = true
		return nil
	})
	assert.Equal(t, OutcomeSucceeded, o)
	assert.True(t, called)
}

func TestSupervisor_BackoffAfterFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	calls := 0
	fail := func(context.Context) error {
		calls++
		return errBoom
	}

	assert.Equal(t, OutcomeFailed, h.sup.Run(ctx, "backtest-consumer", fail))
	assert.Equal(t, OutcomeSkippedBackoff, h.sup.Run(ctx, "backtest-consumer", fail))
	assert.Equal(t, 1, calls)

	// Base delay is 5s after the first failure.
	h.clock.Advance(5 * time.Second)
	assert.Equal(t, OutcomeFailed, h.sup.Run(ctx, "backtest-consumer", fail))
	assert.Equal(t, 2, calls)

	st, ok := h.backoff.Get("backtest-consumer")
	require.True(t, ok)
	assert.Equal(t, 2, st.Failures)
	assert.Equal(t, 10*time.Second, st.LastDelay)

	// Another worker is unaffected.
	assert.Equal(t, OutcomeSucceeded, h.sup.Run(ctx, "autonomy-loop", func(context.Context) error { return nil }))
}

func TestSupervisor_SuccessResetsBackoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sup.Run(ctx, "evolve-consumer", func(context.Context) error { return errBoom })
	h.clock.Advance(time.Minute)
	o := h.sup.Run(ctx, "evolve-consumer", func(context.Context) error { return nil })

	assert.Equal(t, OutcomeSucceeded, o)
	_, failing := h.backoff.Get("evolve-consumer")
	assert.False(t, failing)
	assert.Equal(t, 1, h.activity.count(core.EventWorkerRecovered))
}

func TestSupervisor_EscalatesAfterFiveFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		h.sup.Run(ctx, "improve-consumer", func(context.Context) error { return errBoom })
		h.clock.Advance(10 * time.Minute)
	}
	assert.Equal(t, 0, h.activity.count(core.EventWorkerFailing))

	h.sup.Run(ctx, "improve-consumer", func(context.Context) error { return errBoom })
	assert.Equal(t, 1, h.activity.count(core.EventWorkerFailing))

	h.activity.mu.Lock()
	last := h.activity.entries[len(h.activity.entries)-1]
	h.activity.mu.Unlock()
	assert.Equal(t, core.SeverityCritical, last.Severity)
	assert.Equal(t, "improve-consumer", last.Payload["worker"])
}

func TestSupervisor_ConnectivityErrorOpensBackend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.sup.Run(ctx, "job-timeout-monitor", func(context.Context) error {
		return fmt.Errorf("get running jobs: %w", syscall.ECONNREFUSED)
	})

	assert.Equal(t, OutcomeFailed, o)
	assert.True(t, h.backend.IsCircuitOpen())
	assert.Equal(t, 1, h.activity.count(core.EventBackendOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.BackendOpen))

	// Other workers skip while the backend is down.
	assert.Equal(t, OutcomeSkippedBackendOpen,
		h.sup.Run(ctx, "autonomy-loop", func(context.Context) error { return nil }))
}

func TestSupervisor_PlainErrorDoesNotOpenBackend(t *testing.T) {
	h := newHarness(t)
	h.sup.Run(context.Background(), "autonomy-loop", func(context.Context) error { return errBoom })
	assert.False(t, h.backend.IsCircuitOpen())
}

func TestSupervisor_RecoversPanic(t *testing.T) {
	h := newHarness(t)

	var o Outcome
	assert.NotPanics(t, func() {
		o = h.sup.Run(context.Background(), "instance-supervisor", func(context.Context) error {
			panic("nil map write")
		})
	})
	assert.Equal(t, OutcomeFailed, o)

	st, ok := h.backoff.Get("instance-supervisor")
	require.True(t, ok)
	assert.Equal(t, 1, st.Failures)
}

func TestSupervisor_ContentionIsNotAFailure(t *testing.T) {
	h := newHarness(t)
	o := h.sup.Run(context.Background(), "instance-supervisor", func(context.Context) error {
		return fmt.Errorf("restart bot-1: %w", core.ErrRestartConflict)
	})
	assert.Equal(t, OutcomeSucceeded, o)
	_, failing := h.backoff.Get("instance-supervisor")
	assert.False(t, failing)
}

func TestSupervisor_CanceledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := h.sup.Run(ctx, "backtest-consumer", func(ctx context.Context) error { return ctx.Err() })
	assert.Equal(t, OutcomeCanceled, o)
	_, failing := h.backoff.Get("backtest-consumer")
	assert.False(t, failing)
}

func TestSupervisor_Metrics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sup.Run(ctx, "autonomy-loop", func(context.Context) error { return nil })
	h.sup.Run(ctx, "autonomy-loop", func(context.Context) error { return errBoom })
	h.sup.Run(ctx, "autonomy-loop", func(context.Context) error { return nil })

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WorkerRuns.WithLabelValues("autonomy-loop", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WorkerRuns.WithLabelValues("autonomy-loop", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WorkerRuns.WithLabelValues("autonomy-loop", "skipped_backoff")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WorkerFailures.WithLabelValues("autonomy-loop")))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "succeeded", OutcomeSucceeded.String())
	assert.Equal(t, "skipped_backend_open", OutcomeSkippedBackendOpen.String())
	assert.Equal(t, "unknown", Outcome(99).String())
	assert.False(t, OutcomeFailed.Skipped())
}

func TestNewSupervisor_Defaults(t *testing.T) {
	s := NewSupervisor(nil, nil, nil)
	assert.NotNil(t, s.Backend())
	assert.NotNil(t, s.Backoff())
	assert.Equal(t, DefaultEscalateAfter, s.escalateAfter)

	WithEscalateAfter(0).applySupervisor(s)
	assert.Equal(t, DefaultEscalateAfter, s.escalateAfter)
	WithEscalateAfter(2).applySupervisor(s)
	assert.Equal(t, 2, s.escalateAfter)
}
