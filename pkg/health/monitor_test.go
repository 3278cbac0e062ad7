package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/metrics"
	"github.com/jdziat/fleet-orchestrator/pkg/storage"
)

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

type recordingActivity struct {
	mu      sync.Mutex
	entries []core.ActivityEntry
}

func (r *recordingActivity) Log(_ context.Context, e core.ActivityEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func newTestStorage(t *testing.T, clock *testClock) *storage.GormStorage {
	t.Helper()
	s, err := storage.Open(":memory:", nil, storage.WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func startJob(t *testing.T, s *storage.GormStorage, jobType core.JobType) *core.Job {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &core.Job{Type: jobType, BotID: "bot-1"}))
	claimed, err := s.ClaimJobs(ctx, []core.JobType{jobType}, "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

// ──────────────────────────────────────────────────────────────────────────────
// TimeoutTable
// ──────────────────────────────────────────────────────────────────────────────

func TestTimeoutTable_Defaults(t *testing.T) {
	tt := DefaultTimeoutTable()
	assert.Equal(t, 5*time.Minute, tt.Timeout(core.JobTypeHealthCheck))
	assert.Equal(t, 10*time.Minute, tt.Timeout(core.JobTypePromotionCheck))
	assert.Equal(t, 30*time.Minute, tt.Timeout(core.JobTypeBacktester))
	assert.Equal(t, 45*time.Minute, tt.Timeout(core.JobTypeEvolving))
	assert.Equal(t, 60*time.Minute, tt.Timeout(core.JobTypeMatrixRun))
	assert.Equal(t, DefaultJobTimeout, tt.Timeout("SOMETHING_NEW"))
	assert.Equal(t, DefaultJobTimeout, TimeoutTable{}.Timeout(core.JobTypeBacktester))
}

func TestTimeoutTable_Override(t *testing.T) {
	base := DefaultTimeoutTable()
	tt, err := base.Override(map[string]int{"BACKTESTER": 20, "default": 15})
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, tt.Timeout(core.JobTypeBacktester))
	assert.Equal(t, 15*time.Minute, tt.Timeout("SOMETHING_NEW"))
	assert.Equal(t, 30*time.Minute, base.Timeout(core.JobTypeBacktester), "original unchanged")

	_, err = base.Override(map[string]int{"NOPE": 5})
	assert.ErrorIs(t, err, core.ErrUnknownJobType)
	_, err = base.Override(map[string]int{"BACKTESTER": 0})
	assert.Error(t, err)
}

// ──────────────────────────────────────────────────────────────────────────────
// Monitor
// ──────────────────────────────────────────────────────────────────────────────

func TestMonitor_TimesOutPerType(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStorage(t, clock)
	activity := &recordingActivity{}
	m := metrics.New(prometheus.NewRegistry())

	check := startJob(t, s, core.JobTypeHealthCheck)
	backtest := startJob(t, s, core.JobTypeBacktester)
	matrix := startJob(t, s, core.JobTypeMatrixRun)

	mon := NewMonitor(s, WithClock(clock.Now), WithActivity(activity), WithMetrics(m))

	// 6 minutes: only the 5-minute health check is past its timeout.
	clock.Advance(6 * time.Minute)
	rep, err := mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Scanned)
	assert.Equal(t, []string{check.ID}, rep.TimedOut)

	// 31 minutes: the backtest follows, the matrix run is still inside 60.
	clock.Advance(25 * time.Minute)
	rep, err = mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{backtest.ID}, rep.TimedOut)

	got, err := s.GetJob(ctx, matrix.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobRunning, got.Status)

	got, err = s.GetJob(ctx, check.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobTimeout, got.Status)
	assert.Contains(t, got.ErrorMessage, "no heartbeat")

	assert.Len(t, activity.entries, 2)
	assert.Equal(t, core.EventJobTimeout, activity.entries[0].EventType)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTimedOut.WithLabelValues("HEALTH_CHECK")))
}

func TestMonitor_ExactBoundary(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStorage(t, clock)
	job := startJob(t, s, core.JobTypeBacktester)
	mon := NewMonitor(s, WithClock(clock.Now))

	clock.Advance(30 * time.Minute)
	rep, err := mon.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.TimedOut, "age equal to the timeout is not yet stale")

	clock.Advance(time.Second)
	rep, err = mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, rep.TimedOut)
}

func TestMonitor_HeartbeatKeepsJobAlive(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStorage(t, clock)
	job := startJob(t, s, core.JobTypeBacktester)
	mon := NewMonitor(s, WithClock(clock.Now))

	clock.Advance(25 * time.Minute)
	require.NoError(t, s.HeartbeatJob(ctx, job.ID, "worker-1"))
	clock.Advance(25 * time.Minute)

	rep, err := mon.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.TimedOut)
}

func TestMonitor_Idempotent(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStorage(t, clock)
	job := startJob(t, s, core.JobTypeHealthCheck)
	activity := &recordingActivity{}
	mon := NewMonitor(s, WithClock(clock.Now), WithActivity(activity))

	clock.Advance(time.Hour)
	rep, err := mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, rep.TimedOut)

	rep, err = mon.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.TimedOut)
	assert.Equal(t, 0, rep.Scanned)
	assert.Len(t, activity.entries, 1)

	var transitions int64
	require.NoError(t, s.DB().Model(&core.JobStateTransition{}).Where("job_id = ?", job.ID).Count(&transitions).Error)
	assert.Equal(t, int64(1), transitions)
}

// staleSource returns a snapshot taken before the job was completed elsewhere.
type staleSource struct {
	jobs    []*core.Job
	changed bool
	err     error
}

func (s *staleSource) GetJobs(context.Context, core.JobFilter) ([]*core.Job, error) {
	return s.jobs, nil
}

func (s *staleSource) TimeoutJob(context.Context, string, string) (bool, error) {
	return s.changed, s.err
}

func TestMonitor_RaceWithCompletion(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &staleSource{jobs: []*core.Job{{ID: "j1", Type: core.JobTypeBacktester, Status: core.JobRunning, StartedAt: &started}}}
	mon := NewMonitor(src, WithClock(func() time.Time { return started.Add(time.Hour) }))

	rep, err := mon.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.TimedOut)
	assert.Equal(t, 1, rep.Raced)
}

func TestMonitor_ContinuesPastErrors(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &staleSource{
		jobs: []*core.Job{
			{ID: "j1", Type: core.JobTypeBacktester, StartedAt: &started},
			{ID: "j2", Type: core.JobTypeBacktester, StartedAt: &started},
		},
		err: errors.New("database is locked"),
	}
	mon := NewMonitor(src, WithClock(func() time.Time { return started.Add(time.Hour) }))

	_, err := mon.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "j1")
	assert.Contains(t, err.Error(), "j2")
}

// fakeEscalator kills the bots listed in kill.
type fakeEscalator struct {
	kill   map[string]bool
	calls  []string
	detail string
}

func (e *fakeEscalator) EscalateTimeout(_ context.Context, job *core.Job, detail string) (bool, error) {
	e.calls = append(e.calls, job.ID)
	e.detail = detail
	return e.kill[job.BotID], nil
}

func TestMonitor_EscalatesBeforeTimeout(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &staleSource{
		jobs: []*core.Job{
			{ID: "live-job", BotID: "live", Type: core.JobTypeBacktester, StartedAt: &started},
			{ID: "paper-job", BotID: "paper", Type: core.JobTypeBacktester, StartedAt: &started},
			{ID: "fleet-job", Type: core.JobTypeBacktester, StartedAt: &started},
		},
		changed: true,
	}
	esc := &fakeEscalator{kill: map[string]bool{"live": true}}
	mon := NewMonitor(src, WithEscalator(esc), WithClock(func() time.Time { return started.Add(time.Hour) }))

	rep, err := mon.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"live-job"}, rep.Escalated)
	assert.Equal(t, []string{"paper-job", "fleet-job"}, rep.TimedOut)
	assert.Equal(t, []string{"live-job", "paper-job"}, esc.calls, "jobs without a bot are not escalated")
	assert.Contains(t, esc.detail, "no heartbeat")
}
