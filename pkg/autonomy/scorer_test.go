package autonomy

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/fleet-orchestrator/pkg/circuit"
	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/metrics"
	"github.com/jdziat/fleet-orchestrator/pkg/storage"
)

type recordingActivity struct {
	mu      sync.Mutex
	entries []core.ActivityEntry
}

func (a *recordingActivity) Log(_ context.Context, e core.ActivityEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func newTestStorage(t *testing.T, now func() time.Time) *storage.GormStorage {
	t.Helper()
	s, err := storage.Open(":memory:", nil, storage.WithClock(now))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestScoreBot_PersistsScoreAndBreakdown(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newTestStorage(t, clock)

	bot := &core.Bot{ID: "bot-1", Stage: core.StageTrials, Metrics: strongInputs().Metrics}
	require.NoError(t, store.CreateBot(ctx, bot))
	for i := 0; i < 12; i++ {
		require.NoError(t, store.RecordSession(ctx, &core.BacktestSession{BotID: "bot-1", Succeeded: true}))
	}
	require.NoError(t, store.RecordSession(ctx, &core.BacktestSession{BotID: "bot-1", Succeeded: false}))

	act := &recordingActivity{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	scorer := NewScorer(store, WithClock(clock), WithActivity(act), WithMetrics(m))

	res, err := scorer.ScoreBot(ctx, bot)
	require.NoError(t, err)

	// 12 completed of 13: data 9+5+3; everything else at its cap.
	assert.Equal(t, 97.0, res.Score)
	assert.Equal(t, core.TierFullAutonomy, res.Tier)

	stored, err := store.GetAutonomyScore(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, 97.0, stored.Score)
	assert.Equal(t, core.TierFullAutonomy, stored.Tier)
	assert.True(t, stored.ComputedAt.Equal(now))

	var b Breakdown
	require.NoError(t, json.Unmarshal(stored.Breakdown, &b))
	assert.Equal(t, 17.0, b.DataReliability)

	assert.Equal(t, 97.0, testutil.ToFloat64(m.AutonomyScore.WithLabelValues("bot-1")))
	require.Len(t, act.entries, 1)
	assert.Equal(t, core.EventAutonomyScored, act.entries[0].EventType)

	// Same tier again: no new activity, row replaced in place.
	_, err = scorer.ScoreBot(ctx, bot)
	require.NoError(t, err)
	assert.Len(t, act.entries, 1)
}

func TestScoreBot_TierChangeIsRecorded(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t, time.Now)
	bot := &core.Bot{ID: "bot-1", Stage: core.StageTrials, Metrics: strongInputs().Metrics}
	require.NoError(t, store.CreateBot(ctx, bot))

	act := &recordingActivity{}
	breakers := circuit.NewRegistry()
	scorer := NewScorer(store, WithActivity(act), WithBreakers(breakers))

	first, err := scorer.ScoreBot(ctx, bot)
	require.NoError(t, err)

	breakers.RecordFailure("bot-1")
	breakers.RecordFailure("bot-1")
	bot.Metrics.MaxDrawdown = 0
	second, err := scorer.ScoreBot(ctx, bot)
	require.NoError(t, err)

	assert.Less(t, second.Score, first.Score)
	require.NotEqual(t, first.Tier, second.Tier)
	assert.Len(t, act.entries, 2)
}

func TestGather(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newTestStorage(t, clock)

	require.NoError(t, store.CreateBot(ctx, &core.Bot{ID: "bot-1", Stage: core.StagePaper, IsTradingEnabled: true}))
	hb := now.Add(-time.Minute)
	require.NoError(t, store.CreateInstance(ctx, &core.BotInstance{
		BotID: "bot-1", Status: core.InstanceRunning, StartedAt: &hb, LastHeartbeatAt: &hb,
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateJob(ctx, &core.Job{Type: core.JobTypeBacktester, BotID: "bot-1"}))
	}
	claimed, err := store.ClaimJobs(ctx, []core.JobType{core.JobTypeBacktester}, "w1", 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	require.NoError(t, store.CompleteJob(ctx, claimed[0].ID, "w1"))
	require.NoError(t, store.FailJob(ctx, claimed[1].ID, "w1", "no trades"))
	_, err = store.TimeoutJob(ctx, claimed[2].ID, "silent")
	require.NoError(t, err)

	require.NoError(t, store.RecordAudit(ctx, &core.PromotionAudit{BotID: "bot-1", Action: core.ActionDemote}))
	require.NoError(t, store.RecordAudit(ctx, &core.PromotionAudit{BotID: "bot-1", Action: core.ActionPromote}))

	bot, err := store.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	in, err := NewScorer(store, WithClock(clock)).Gather(ctx, bot)
	require.NoError(t, err)

	assert.Equal(t, core.StagePaper, in.Stage)
	assert.True(t, in.RunningInstance)
	assert.Equal(t, time.Minute, in.HeartbeatAge)
	assert.Equal(t, 3, in.RecentJobs)
	assert.Equal(t, 1, in.RecentFailures)
	assert.Equal(t, 1, in.RecentTimeouts)
	assert.Equal(t, 1, in.Demotions)
	assert.Zero(t, in.KillEvents)
}
