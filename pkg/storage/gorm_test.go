package storage

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ──────────────────────────────────────────────────────────────────────────────
// Constructor / detection
// ──────────────────────────────────────────────────────────────────────────────

func TestNewGormStorage_IsSQLite(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), testGormConfig())
	require.NoError(t, err)

	s := NewGormStorage(db)
	assert.True(t, s.IsSQLite(), "should detect SQLite dialect")
	assert.Same(t, db, s.DB(), "DB() should return the same *gorm.DB passed in")
}

func TestNewGormStorage_NilDB(t *testing.T) {
	s := NewGormStorage(nil)
	assert.False(t, s.IsSQLite(), "nil db should not claim SQLite")
}

func TestNewGormStorage_WithClockStoresUTC(t *testing.T) {
	local := time.Date(2026, 3, 1, 14, 0, 0, 0, time.FixedZone("CET", 2*3600))
	s := NewGormStorage(nil, WithClock(func() time.Time { return local }))
	assert.Equal(t, time.UTC, s.clock().Location())
	assert.True(t, s.clock().Equal(local))
}

func TestPing(t *testing.T) {
	s := newTestStorage(t)
	assert.NoError(t, s.Ping(context.Background()))
}

// ──────────────────────────────────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateJob_Defaults(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := &core.Job{Type: core.JobTypeBacktester, BotID: "bot-1"}
	require.NoError(t, s.CreateJob(ctx, job))
	assert.NotEmpty(t, job.ID)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCreateJobUnique_RejectsActiveDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.CreateJobUnique(ctx, &core.Job{Type: core.JobTypeEvolving, BotID: "b"}, "b:EVOLVING"))
	err := s.CreateJobUnique(ctx, &core.Job{Type: core.JobTypeEvolving, BotID: "b"}, "b:EVOLVING")
	assert.ErrorIs(t, err, core.ErrDuplicateJob)
	assert.True(t, core.IsContention(err))
}

func TestCreateJobUnique_AllowsAfterTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.CreateJobUnique(ctx, &core.Job{Type: core.JobTypeEvolving, BotID: "b"}, "b:EVOLVING"))
	claimed, err := s.ClaimJobs(ctx, []core.JobType{core.JobTypeEvolving}, "w", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s.CompleteJob(ctx, claimed[0].ID, "w"))

	assert.NoError(t, s.CreateJobUnique(ctx, &core.Job{Type: core.JobTypeEvolving, BotID: "b"}, "b:EVOLVING"))
}

func TestGetJobs_Filters(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.CreateJob(ctx, &core.Job{Type: core.JobTypeBacktester, BotID: "a"}))
	require.NoError(t, s.CreateJob(ctx, &core.Job{Type: core.JobTypeImproving, BotID: "a"}))
	require.NoError(t, s.CreateJob(ctx, &core.Job{Type: core.JobTypeBacktester, BotID: "b"}))

	jobs, err := s.GetJobs(ctx, core.JobFilter{Types: []core.JobType{core.JobTypeBacktester}})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = s.GetJobs(ctx, core.JobFilter{BotID: "a", Statuses: []core.JobStatus{core.JobQueued}})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = s.GetJobs(ctx, core.JobFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestUpdateJob_AppliesPatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := &core.Job{Type: core.JobTypeBacktester}
	require.NoError(t, s.CreateJob(ctx, job))

	prio := 7
	msg := "note password=secret"
	require.NoError(t, s.UpdateJob(ctx, job.ID, core.JobPatch{Priority: &prio, ErrorMessage: &msg}))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Priority)
	assert.NotContains(t, got.ErrorMessage, "secret")

	assert.ErrorIs(t, s.UpdateJob(ctx, "missing", core.JobPatch{Priority: &prio}), core.ErrNotFound)
}

func TestClaimJobs_PriorityOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	setClock(s, t0)

	low := &core.Job{Type: core.JobTypeBacktester, Priority: 1}
	high := &core.Job{Type: core.JobTypeBacktester, Priority: 10}
	other := &core.Job{Type: core.JobTypeImproving, Priority: 100}
	require.NoError(t, s.CreateJob(ctx, low))
	require.NoError(t, s.CreateJob(ctx, high))
	require.NoError(t, s.CreateJob(ctx, other))

	claimed, err := s.ClaimJobs(ctx, []core.JobType{core.JobTypeBacktester}, "w1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, high.ID, claimed[0].ID)
	assert.Equal(t, core.JobRunning, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)

	stored, err := s.GetJob(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", stored.WorkerID)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.StartedAt)
	assert.True(t, stored.StartedAt.Equal(t0))
}

func TestClaimJobs_NeverClaimsTwice(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.CreateJob(ctx, &core.Job{Type: core.JobTypeBacktester}))

	first, err := s.ClaimJobs(ctx, []core.JobType{core.JobTypeBacktester}, "w1", 5)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := s.ClaimJobs(ctx, []core.JobType{core.JobTypeBacktester}, "w2", 5)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestClaimJobs_ZeroLimit(t *testing.T) {
	s := newTestStorage(t)
	claimed, err := s.ClaimJobs(context.Background(), []core.JobType{core.JobTypeBacktester}, "w", 0)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCompleteJob_OwnershipAndTerminalImmutability(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := newRunningJob(t, s, "bot", core.JobTypeBacktester)

	assert.ErrorIs(t, s.CompleteJob(ctx, job.ID, "someone-else"), core.ErrJobNotOwned)
	require.NoError(t, s.CompleteJob(ctx, job.ID, "worker-1"))

	assert.ErrorIs(t, s.FailJob(ctx, job.ID, "worker-1", "late"), core.ErrJobNotRunning)
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestFailJob_SanitizesMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := newRunningJob(t, s, "bot", core.JobTypeBacktester)

	require.NoError(t, s.FailJob(ctx, job.ID, "worker-1", "no trades\x00 produced token=abc"))
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobFailed, got.Status)
	assert.Equal(t, "no trades produced token=***", got.ErrorMessage)
}

func TestHeartbeatJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	setClock(s, t0)
	job := newRunningJob(t, s, "bot", core.JobTypeBacktester)

	setClock(s, t0.Add(2*time.Minute))
	require.NoError(t, s.HeartbeatJob(ctx, job.ID, "worker-1"))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeatAt)
	assert.True(t, got.LastHeartbeatAt.Equal(t0.Add(2*time.Minute)))

	assert.ErrorIs(t, s.HeartbeatJob(ctx, "missing", "worker-1"), core.ErrNotFound)
}

func TestTimeoutJob_IdempotentWithTransitionRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	job := newRunningJob(t, s, "bot", core.JobTypeBacktester)

	changed, err := s.TimeoutJob(ctx, job.ID, "no heartbeat for 31m")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.TimeoutJob(ctx, job.ID, "no heartbeat for 32m")
	require.NoError(t, err)
	assert.False(t, changed, "a terminal job must not transition again")

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobTimeout, got.Status)

	var transitions []core.JobStateTransition
	require.NoError(t, s.DB().Where("job_id = ?", job.ID).Find(&transitions).Error)
	require.Len(t, transitions, 1)
	assert.Equal(t, core.ReasonHeartbeatTimeout, transitions[0].Reason)
	assert.Equal(t, core.JobRunning, transitions[0].FromStatus)
	assert.Equal(t, core.JobTimeout, transitions[0].ToStatus)
}

func TestGetStuckJobs_UsesHeartbeatThenStart(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	setClock(s, t0)
	stale := newRunningJob(t, s, "a", core.JobTypeBacktester)
	fresh := newRunningJob(t, s, "b", core.JobTypeBacktester)

	setClock(s, t0.Add(35*time.Minute))
	require.NoError(t, s.HeartbeatJob(ctx, fresh.ID, "worker-1"))

	stuck, err := s.GetStuckJobs(ctx, 30)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, stale.ID, stuck[0].ID)

	failed, err := s.FailStuckJob(ctx, stale.ID, core.ReasonStuckJob, "stuck for 35m")
	require.NoError(t, err)
	assert.True(t, failed)

	failed, err = s.FailStuckJob(ctx, stale.ID, core.ReasonStuckJob, "stuck for 35m")
	require.NoError(t, err)
	assert.False(t, failed)
}

func TestCountJobsByStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.CreateJob(ctx, &core.Job{Type: core.JobTypeBacktester}))
	require.NoError(t, s.CreateJob(ctx, &core.Job{Type: core.JobTypeBacktester}))
	newRunningJob(t, s, "bot", core.JobTypeImproving)

	counts, err := s.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[core.JobQueued])
	assert.Equal(t, int64(1), counts[core.JobRunning])
}

// ──────────────────────────────────────────────────────────────────────────────
// Instances
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateInstance_AtMostOneActivePerBot(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	bot := newTestBot(t, s, core.StagePaper)
	newRunningInstance(t, s, bot.ID)

	err := s.CreateInstance(ctx, &core.BotInstance{BotID: bot.ID, Status: core.InstancePending})
	assert.ErrorIs(t, err, core.ErrInstanceConflict)

	// Stopped instances do not count.
	assert.NoError(t, s.CreateInstance(ctx, &core.BotInstance{BotID: bot.ID, Status: core.InstanceStopped}))
}

func TestHeartbeatInstance_PendingBecomesRunning(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	bot := newTestBot(t, s, core.StagePaper)
	inst := &core.BotInstance{BotID: bot.ID}
	require.NoError(t, s.CreateInstance(ctx, inst))
	assert.Equal(t, core.InstancePending, inst.Status)

	require.NoError(t, s.HeartbeatInstance(ctx, inst.ID, core.ActivityTrading))

	instances, err := s.GetInstances(ctx, bot.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, core.InstanceRunning, instances[0].Status)
	assert.Equal(t, core.ActivityTrading, instances[0].ActivityState)
	assert.NotNil(t, instances[0].LastHeartbeatAt)

	_, err = s.StopInstance(ctx, inst.ID, "test")
	require.NoError(t, err)
	assert.ErrorIs(t, s.HeartbeatInstance(ctx, inst.ID, ""), core.ErrInstanceConflict)
}

func TestRestartInstance_AtomicReplacement(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	bot := newTestBot(t, s, core.StagePaper)
	stale := newRunningInstance(t, s, bot.ID)
	job := newRunningJob(t, s, bot.ID, core.JobTypeBacktester)

	res, err := s.RestartInstance(ctx, core.RestartRequest{BotID: bot.ID, StaleInstanceID: stale.ID})
	require.NoError(t, err)
	require.NotNil(t, res.Instance)
	assert.Equal(t, core.InstancePending, res.Instance.Status)
	assert.True(t, res.Instance.IsPrimaryRunner)
	assert.Equal(t, int64(1), res.FailedJobs)

	gotJob, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobFailed, gotJob.Status)
	assert.Equal(t, core.ReasonTerminatedBySupervisor, gotJob.ErrorMessage)

	instances, err := s.GetInstances(ctx, bot.ID)
	require.NoError(t, err)
	require.Len(t, instances, 2)
	active := 0
	for _, inst := range instances {
		if inst.Status == core.InstanceRunning || inst.Status == core.InstancePending {
			active++
		}
		if inst.ID == stale.ID {
			assert.Equal(t, core.InstanceStopped, inst.Status)
			assert.Equal(t, core.ReasonStaleHeartbeat, inst.StopReason)
		}
	}
	assert.Equal(t, 1, active)
}

func TestRestartInstance_SecondAttemptConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	bot := newTestBot(t, s, core.StagePaper)
	stale := newRunningInstance(t, s, bot.ID)
	req := core.RestartRequest{BotID: bot.ID, StaleInstanceID: stale.ID}

	_, err := s.RestartInstance(ctx, req)
	require.NoError(t, err)

	_, err = s.RestartInstance(ctx, req)
	assert.ErrorIs(t, err, core.ErrRestartConflict)

	instances, err := s.GetInstances(ctx, bot.ID)
	require.NoError(t, err)
	assert.Len(t, instances, 2, "a losing restart must not insert another instance")
}

func TestRestartInstance_RollsBackWhenAnotherInstanceIsActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	bot := newTestBot(t, s, core.StagePaper)
	stale := newRunningInstance(t, s, bot.ID)

	// Simulate a concurrent process having already replaced the instance
	// without stopping the stale row yet.
	require.NoError(t, s.DB().Exec("DROP INDEX idx_bot_instances_active").Error)
	require.NoError(t, s.DB().Create(&core.BotInstance{ID: "other", BotID: bot.ID, Status: core.InstancePending, JobType: core.InstanceJobTypeRunner}).Error)
	job := newRunningJob(t, s, bot.ID, core.JobTypeBacktester)

	_, err := s.RestartInstance(ctx, core.RestartRequest{BotID: bot.ID, StaleInstanceID: stale.ID})
	assert.ErrorIs(t, err, core.ErrRestartConflict)

	gotJob, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobRunning, gotJob.Status, "jobs must be untouched when the restart loses")

	instances, err := s.GetInstances(ctx, bot.ID)
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestRestartInstance_UnknownInstance(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.RestartInstance(context.Background(), core.RestartRequest{BotID: "b", StaleInstanceID: "missing"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestActivateInstance(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	bot := newTestBot(t, s, core.StagePaper)

	inst, err := s.ActivateInstance(ctx, bot.ID, "acct-9")
	require.NoError(t, err)
	assert.Equal(t, core.InstanceRunning, inst.Status)
	assert.Equal(t, "acct-9", inst.AccountID)
	assert.Nil(t, inst.LastHeartbeatAt)

	_, err = s.ActivateInstance(ctx, bot.ID, "acct-9")
	assert.ErrorIs(t, err, core.ErrInstanceConflict)
}

func TestActivateInstance_PromotesPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	bot := newTestBot(t, s, core.StagePaper)
	pending := &core.BotInstance{BotID: bot.ID}
	require.NoError(t, s.CreateInstance(ctx, pending))

	inst, err := s.ActivateInstance(ctx, bot.ID, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, pending.ID, inst.ID)
	assert.Equal(t, core.InstanceRunning, inst.Status)
}

func TestListRunningInstances_ExcludesKilledAndArchived(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	live := newTestBot(t, s, core.StageLive)
	killed := newTestBot(t, s, core.StageLive)
	archived := newTestBot(t, s, core.StagePaper)
	keep := newRunningInstance(t, s, live.ID)
	newRunningInstance(t, s, killed.ID)
	newRunningInstance(t, s, archived.ID)

	require.NoError(t, s.DB().Model(&core.Bot{}).Where("id = ?", killed.ID).Update("killed_at", t0).Error)
	require.NoError(t, s.DB().Model(&core.Bot{}).Where("id = ?", archived.ID).Update("archived_at", t0).Error)

	instances, err := s.ListRunningInstances(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, keep.ID, instances[0].ID)
}

func TestPruneStoppedInstances(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	bot := newTestBot(t, s, core.StagePaper)

	setClock(s, t0)
	old := newRunningInstance(t, s, bot.ID)
	stopped, err := s.StopInstance(ctx, old.ID, "test")
	require.NoError(t, err)
	assert.True(t, stopped)

	setClock(s, t0.Add(24*time.Hour))
	recent := newRunningInstance(t, s, bot.ID)
	_, err = s.StopInstance(ctx, recent.ID, "test")
	require.NoError(t, err)

	setClock(s, t0.Add(8*24*time.Hour))
	pruned, err := s.PruneStoppedInstances(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	instances, err := s.GetInstances(ctx, bot.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, recent.ID, instances[0].ID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Bots
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateBot_Defaults(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	bot := &core.Bot{Name: "alpha"}
	require.NoError(t, s.CreateBot(ctx, bot))

	got, err := s.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StageTrials, got.Stage)
	assert.Equal(t, core.PromotionAuto, got.PromotionMode)

	_, err = s.GetBot(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestUpdateBot_Metrics(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	bot := newTestBot(t, s, core.StageTrials)

	m := core.Metrics{TotalTrades: 60, LosingTrades: 20, NetProfit: 1200, MaxDrawdown: 0.1, WinRate: 0.4, ProfitFactor: 1.3, Sharpe: 1.1}
	done := true
	require.NoError(t, s.UpdateBot(ctx, bot.ID, core.BotPatch{Metrics: &m, BacktestCompleted: &done}))

	got, err := s.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, m, got.Metrics)
	assert.True(t, got.BacktestCompleted)
	assert.NotNil(t, got.MetricsUpdatedAt)
}

func TestListBots_Filters(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	paper := newTestBot(t, s, core.StagePaper)
	newTestBot(t, s, core.StageTrials)
	killed := newTestBot(t, s, core.StagePaper)
	_, err := s.KillBot(ctx, core.KillRequest{BotID: killed.ID})
	require.NoError(t, err)

	bots, err := s.ListBots(ctx, core.BotFilter{Stages: []core.Stage{core.StagePaper}})
	require.NoError(t, err)
	require.Len(t, bots, 1)
	assert.Equal(t, paper.ID, bots[0].ID)

	bots, err = s.ListBots(ctx, core.BotFilter{IncludeKilled: true})
	require.NoError(t, err)
	assert.Len(t, bots, 3)

	enabled := true
	bots, err = s.ListBots(ctx, core.BotFilter{TradingEnabled: &enabled})
	require.NoError(t, err)
	assert.Len(t, bots, 2)
}

func TestKillBot_IdempotentSingleKillEvent(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	bot := newTestBot(t, s, core.StageLive)
	newRunningInstance(t, s, bot.ID)
	job := newRunningJob(t, s, bot.ID, core.JobTypeBacktester)

	killed, err := s.KillBot(ctx, core.KillRequest{BotID: bot.ID, Reason: core.ReasonInvariantBreach, Detail: "dead in LIVE"})
	require.NoError(t, err)
	assert.True(t, killed)

	killed, err = s.KillBot(ctx, core.KillRequest{BotID: bot.ID, Reason: core.ReasonInvariantBreach})
	require.NoError(t, err)
	assert.False(t, killed)

	events, err := s.ListKillEvents(ctx, bot.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.StageLive, events[0].Stage)
	assert.Equal(t, int64(1), events[0].InstancesStopped)

	got, err := s.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.True(t, got.IsKilled())
	assert.False(t, got.IsTradingEnabled)

	instances, err := s.GetInstances(ctx, bot.ID)
	require.NoError(t, err)
	for _, inst := range instances {
		assert.Equal(t, core.InstanceStopped, inst.Status)
	}

	gotJob, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobFailed, gotJob.Status)
}

func TestKillBot_UnknownBot(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.KillBot(context.Background(), core.KillRequest{BotID: "missing"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestReenableBot_KeepsTradingDisabled(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	bot := newTestBot(t, s, core.StageLive)

	ok, err := s.ReenableBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a bot that was never killed has nothing to re-enable")

	_, err = s.KillBot(ctx, core.KillRequest{BotID: bot.ID})
	require.NoError(t, err)

	ok, err = s.ReenableBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.False(t, got.IsKilled())
	assert.False(t, got.IsTradingEnabled)

	_, err = s.ReenableBot(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestApplyStageTransition(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	setClock(s, t0)
	bot := newTestBot(t, s, core.StageTrials)

	err := s.ApplyStageTransition(ctx, core.StageTransition{
		BotID:   bot.ID,
		From:    core.StageTrials,
		To:      core.StagePaper,
		Action:  "PROMOTE",
		Reason:  "all gates passed",
		Score:   72,
		Gates:   []byte(`{"min_trades":true}`),
		LockFor: time.Hour,
	})
	require.NoError(t, err)

	got, err := s.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StagePaper, got.Stage)
	assert.True(t, got.StageLocked(t0.Add(30*time.Minute)))
	assert.False(t, got.StageLocked(t0.Add(2*time.Hour)))

	audits, err := s.ListAudits(ctx, bot.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "PROMOTE", audits[0].Action)
	assert.Equal(t, core.StageTrials, audits[0].FromStage)
	assert.JSONEq(t, `{"min_trades":true}`, string(audits[0].GateSnapshot))

	err = s.ApplyStageTransition(ctx, core.StageTransition{BotID: bot.ID, From: core.StageTrials, To: core.StagePaper, Action: "PROMOTE"})
	assert.ErrorIs(t, err, core.ErrStageChanged)

	audits, err = s.ListAudits(ctx, bot.ID)
	require.NoError(t, err)
	assert.Len(t, audits, 1, "a lost transition must not write an audit row")
}

func TestApplyStageTransition_KilledBot(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	bot := newTestBot(t, s, core.StageCanary)
	_, err := s.KillBot(ctx, core.KillRequest{BotID: bot.ID})
	require.NoError(t, err)

	err = s.ApplyStageTransition(ctx, core.StageTransition{BotID: bot.ID, From: core.StageCanary, To: core.StageShadow, Action: "DEMOTE"})
	assert.ErrorIs(t, err, core.ErrBotKilled)
}

func TestGenerations_ListAndRevert(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	bot := newTestBot(t, s, core.StagePaper)

	for i, sharpe := range []float64{1.0, 2.0, 1.5} {
		require.NoError(t, s.RecordGeneration(ctx, &core.Generation{
			BotID:  bot.ID,
			Number: i + 1,
			Config: []byte(fmt.Sprintf(`{"gen":%d}`, i+1)),
			Sharpe: sharpe,
		}))
	}
	err := s.RecordGeneration(ctx, &core.Generation{BotID: bot.ID, Number: 1})
	assert.ErrorIs(t, err, core.ErrDuplicateGen)

	gens, err := s.ListGenerations(ctx, bot.ID, 2)
	require.NoError(t, err)
	require.Len(t, gens, 2)
	assert.Equal(t, 3, gens[0].Number)

	require.NoError(t, s.RevertToGeneration(ctx, bot.ID, 2))
	got, err := s.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentGeneration)
	assert.JSONEq(t, `{"gen":2}`, string(got.Config))
	assert.Equal(t, core.StagePaper, got.Stage)

	assert.ErrorIs(t, s.RevertToGeneration(ctx, bot.ID, 99), core.ErrNotFound)
}

func TestGenerations_AppendAllocatesPastHighest(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	bot := newTestBot(t, s, core.StagePaper)

	for i := 1; i <= 2; i++ {
		require.NoError(t, s.AppendGeneration(ctx, &core.Generation{BotID: bot.ID, Number: i}))
	}
	require.NoError(t, s.RevertToGeneration(ctx, bot.ID, 1))

	// Evolving from generation 1 proposes 2, which is taken.
	g := &core.Generation{BotID: bot.ID, Number: 2, Config: []byte(`{"gen":3}`)}
	require.NoError(t, s.AppendGeneration(ctx, g))
	assert.Equal(t, 3, g.Number)

	// A proposal above the highest is kept as is.
	g = &core.Generation{BotID: bot.ID, Number: 7}
	require.NoError(t, s.AppendGeneration(ctx, g))
	assert.Equal(t, 7, g.Number)

	gens, err := s.ListGenerations(ctx, bot.ID, 0)
	require.NoError(t, err)
	require.Len(t, gens, 4)
	assert.Equal(t, 7, gens[0].Number)
	assert.Equal(t, 3, gens[1].Number)
}

func TestGenerations_UpdateSharpe(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	bot := newTestBot(t, s, core.StagePaper)
	require.NoError(t, s.RecordGeneration(ctx, &core.Generation{BotID: bot.ID, Number: 1, Sharpe: 2.5}))

	require.NoError(t, s.UpdateGenerationSharpe(ctx, bot.ID, 1, 0.8))
	gens, err := s.ListGenerations(ctx, bot.ID, 1)
	require.NoError(t, err)
	require.Len(t, gens, 1)
	assert.InDelta(t, 0.8, gens[0].Sharpe, 1e-9)

	assert.ErrorIs(t, s.UpdateGenerationSharpe(ctx, bot.ID, 5, 1.0), core.ErrNotFound)
}

// ──────────────────────────────────────────────────────────────────────────────
// Sessions, scores, activity
// ──────────────────────────────────────────────────────────────────────────────

func TestSessions_RecentAndBestCell(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	record := func(cell string, ok bool, sharpe float64, at time.Time) {
		require.NoError(t, s.RecordSession(ctx, &core.BacktestSession{
			BotID: "bot", Cell: cell, Succeeded: ok, CompletedAt: at,
			Metrics: core.Metrics{Sharpe: sharpe},
		}))
	}
	record("", true, 0.5, t0)
	record("1hx7d", true, 1.4, t0.Add(time.Minute))
	record("4hx30d", true, 2.1, t0.Add(2*time.Minute))
	record("1dx90d", false, 9.0, t0.Add(3*time.Minute))

	recent, err := s.RecentSessions(ctx, "bot", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "1dx90d", recent[0].Cell)

	best, err := s.BestMatrixCell(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, "4hx30d", best.Cell)

	_, err = s.BestMatrixCell(ctx, "other")
	assert.ErrorIs(t, err, core.ErrNotFound)

	n, err := s.CountSessions(ctx, "bot", true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSessions_BestCellOfCurrentGeneration(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	bot := newTestBot(t, s, core.StageTrials)

	record := func(gen int, cell string, sharpe float64) {
		require.NoError(t, s.RecordSession(ctx, &core.BacktestSession{
			BotID: bot.ID, Generation: gen, Cell: cell, Succeeded: true, CompletedAt: t0,
			Metrics: core.Metrics{Sharpe: sharpe},
		}))
	}
	record(1, "1hx7d", 3.0)
	record(2, "4hx30d", 1.2)

	gen := 2
	require.NoError(t, s.UpdateBot(ctx, bot.ID, core.BotPatch{CurrentGeneration: &gen}))
	best, err := s.BestMatrixCell(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, "4hx30d", best.Cell, "a stronger cell of an older generation does not count")

	// Back on generation 1 its own cells apply again.
	gen = 1
	require.NoError(t, s.UpdateBot(ctx, bot.ID, core.BotPatch{CurrentGeneration: &gen}))
	best, err = s.BestMatrixCell(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, "1hx7d", best.Cell)

	gen = 3
	require.NoError(t, s.UpdateBot(ctx, bot.ID, core.BotPatch{CurrentGeneration: &gen}))
	_, err = s.BestMatrixCell(ctx, bot.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestUpsertAutonomyScore_SingleRowPerBot(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.UpsertAutonomyScore(ctx, &core.AutonomyScore{BotID: "bot", Score: 40, Tier: core.TierLocked}))
	require.NoError(t, s.UpsertAutonomyScore(ctx, &core.AutonomyScore{BotID: "bot", Score: 88, Tier: core.TierFullAutonomy}))

	got, err := s.GetAutonomyScore(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, 88.0, got.Score)
	assert.Equal(t, core.TierFullAutonomy, got.Tier)

	var count int64
	require.NoError(t, s.DB().Model(&core.AutonomyScore{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	_, err = s.GetAutonomyScore(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestAppendActivity(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	e := &core.ActivityEvent{EventType: core.EventJobTimeout, Severity: core.SeverityWarning, Title: "timeout"}
	require.NoError(t, s.AppendActivity(ctx, e))
	assert.NotEmpty(t, e.ID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Locks and leases
// ──────────────────────────────────────────────────────────────────────────────

func TestTryLock_ExclusiveUntilExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	setClock(s, t0)

	ok, err := s.TryLock(ctx, "instance:bot", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryLock(ctx, "instance:bot", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TryLock(ctx, "instance:bot", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "the owner may extend its own lock")

	setClock(s, t0.Add(2*time.Minute))
	ok, err = s.TryLock(ctx, "instance:bot", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lock is taken over")

	released, err := s.Unlock(ctx, "instance:bot", "owner-a")
	require.NoError(t, err)
	assert.False(t, released, "a stale owner cannot release")

	released, err = s.Unlock(ctx, "instance:bot", "owner-b")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestAcquireLease(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	setClock(s, t0)

	ok, err := s.AcquireLease(ctx, "fleet-leader", "p1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "fleet-leader", "p2", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	setClock(s, t0.Add(10*time.Second))
	ok, err = s.AcquireLease(ctx, "fleet-leader", "p1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "renewal by the holder succeeds")

	lease, err := s.GetLease(ctx, "fleet-leader")
	require.NoError(t, err)
	assert.Equal(t, "p1", lease.Holder)
	assert.True(t, lease.ExpiresAt.Equal(t0.Add(40*time.Second)))

	require.NoError(t, s.ReleaseLease(ctx, "fleet-leader", "p1"))
	_, err = s.GetLease(ctx, "fleet-leader")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(nil))
	assert.True(t, isUniqueViolation(gorm.ErrDuplicatedKey))
	assert.True(t, isUniqueViolation(strErr("UNIQUE constraint failed: bot_instances.bot_id")))
	assert.True(t, isUniqueViolation(strErr(`ERROR: duplicate key value violates unique constraint "x"`)))
	assert.False(t, isUniqueViolation(strErr("connection refused")))
}

type strErr string

func (e strErr) Error() string { return strings.TrimSpace(string(e)) }
