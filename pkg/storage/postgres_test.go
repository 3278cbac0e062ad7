package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

// skipIfNotPostgres skips the test when TEST_DATABASE_URL is not set.
func skipIfNotPostgres(t *testing.T) {
	t.Helper()
	if os.Getenv("TEST_DATABASE_URL") == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping PostgreSQL-specific test")
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// ClaimJobs: FOR UPDATE SKIP LOCKED
// ──────────────────────────────────────────────────────────────────────────────

func TestClaimJobs_PostgreSQL_ConcurrentClaimsAreDisjoint(t *testing.T) {
	skipIfNotPostgres(t)

	ctx := context.Background()
	s := newTestStorage(t)

	for range 6 {
		require.NoError(t, s.CreateJob(ctx, &core.Job{Type: core.JobTypeBacktester}))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		errs []error
		wg   sync.WaitGroup
	)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := s.ClaimJobs(ctx, []core.JobType{core.JobTypeBacktester}, "worker-"+string(rune('a'+i)), 2)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			for _, j := range jobs {
				seen[j.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// CreateJobUnique: advisory transaction lock
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateJobUnique_PostgreSQL_Concurrent(t *testing.T) {
	skipIfNotPostgres(t)

	ctx := context.Background()
	s := newTestStorage(t)

	const concurrency = 5
	var (
		mu         sync.Mutex
		successes  int
		duplicates int
		errs       []error
		wg         sync.WaitGroup
	)

	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CreateJobUnique(ctx, &core.Job{Type: core.JobTypeEvolving, BotID: "b"}, "b:EVOLVING")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, core.ErrDuplicateJob):
				duplicates++
			default:
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, successes, "exactly one insert should succeed")
	assert.Equal(t, concurrency-1, duplicates)
}

// ──────────────────────────────────────────────────────────────────────────────
// RestartInstance: concurrent restarts of one stale instance
// ──────────────────────────────────────────────────────────────────────────────

func TestRestartInstance_PostgreSQL_ExactlyOneSurvives(t *testing.T) {
	skipIfNotPostgres(t)

	ctx := context.Background()
	s := newTestStorage(t)
	bot := newTestBot(t, s, core.StageLive)
	stale := newRunningInstance(t, s, bot.ID)

	const concurrency = 4
	var (
		mu        sync.Mutex
		wins      int
		conflicts int
		errs      []error
		wg        sync.WaitGroup
	)
	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RestartInstance(ctx, core.RestartRequest{BotID: bot.ID, StaleInstanceID: stale.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, core.ErrRestartConflict):
				conflicts++
			default:
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, wins)
	assert.Equal(t, concurrency-1, conflicts)

	instances, err := s.GetInstances(ctx, bot.ID)
	require.NoError(t, err)
	active := 0
	for _, inst := range instances {
		if inst.Status != core.InstanceStopped {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

// ──────────────────────────────────────────────────────────────────────────────
// Leases: concurrent acquisition
// ──────────────────────────────────────────────────────────────────────────────

func TestAcquireLease_PostgreSQL_SingleHolder(t *testing.T) {
	skipIfNotPostgres(t)

	ctx := context.Background()
	s := newTestStorage(t)

	var (
		mu      sync.Mutex
		holders []string
		wg      sync.WaitGroup
	)
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			holder := "p" + string(rune('0'+i))
			ok, err := s.AcquireLease(ctx, "fleet-leader", holder, time.Minute)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				holders = append(holders, holder)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, holders, 1)
}

// ──────────────────────────────────────────────────────────────────────────────
// IsSQLite detection
// ──────────────────────────────────────────────────────────────────────────────

func TestNewGormStorage_IsNotSQLite_PostgreSQL(t *testing.T) {
	skipIfNotPostgres(t)

	db := openTestDB(t)
	s := NewGormStorage(db)
	assert.False(t, s.IsSQLite(), "PostgreSQL connection should not be detected as SQLite")
}
