package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

func testGormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
}

// openTestDB opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh in-memory SQLite instance pinned to one connection.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), testGormConfig())
		require.NoError(t, err, "open postgres test db")

		sqlDB, err := db.DB()
		require.NoError(t, err, "get underlying sql.DB")
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(1)

		// Clean before AND after to ensure test isolation.
		cleanupPostgresDB(t, db)
		t.Cleanup(func() {
			cleanupPostgresDB(t, db)
			_ = sqlDB.Close()
		})
		return db
	}
	db, err := gorm.Open(sqlite.Open(":memory:"), testGormConfig())
	require.NoError(t, err, "open in-memory sqlite")
	require.NoError(t, ConfigurePool(db))
	return db
}

// cleanupPostgresDB deletes all rows from tables after each test
// so tests are isolated without requiring a fresh database per test.
func cleanupPostgresDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	tables := []string{
		"job_state_transitions", "jobs", "bot_instances", "kill_events",
		"promotion_audits", "backtest_sessions", "generations",
		"autonomy_scores", "activity_events", "distributed_locks",
		"leader_leases", "bots",
	}
	for _, tbl := range tables {
		db.Exec("DELETE FROM " + tbl)
	}
}

// newTestStorage creates a fresh migrated storage instance for each test.
func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()
	s := NewGormStorage(openTestDB(t))
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

// setClock pins the storage clock to at.
func setClock(s *GormStorage, at time.Time) {
	s.now = func() time.Time { return at }
}

func newTestBot(t *testing.T, s *GormStorage, stage core.Stage) *core.Bot {
	t.Helper()
	bot := &core.Bot{Name: "bot", Stage: stage, IsTradingEnabled: true, AccountID: "acct-1"}
	require.NoError(t, s.CreateBot(context.Background(), bot))
	return bot
}

func newRunningInstance(t *testing.T, s *GormStorage, botID string) *core.BotInstance {
	t.Helper()
	inst := &core.BotInstance{BotID: botID, Status: core.InstanceRunning, AccountID: "acct-1", IsPrimaryRunner: true}
	require.NoError(t, s.CreateInstance(context.Background(), inst))
	return inst
}

func newRunningJob(t *testing.T, s *GormStorage, botID string, jobType core.JobType) *core.Job {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &core.Job{Type: jobType, BotID: botID}))
	claimed, err := s.ClaimJobs(ctx, []core.JobType{jobType}, "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}
