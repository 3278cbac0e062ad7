// Package storage provides the GORM-backed persistence layer for the fleet engine.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

// activeInstanceIndex enforces at most one RUNNING or PENDING instance per bot.
const activeInstanceIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_bot_instances_active
ON bot_instances (bot_id) WHERE status IN ('RUNNING', 'PENDING')`

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db  *gorm.DB
	now func() time.Time
}

var _ core.Storage = (*GormStorage)(nil)

// Option configures a GormStorage.
type Option interface {
	applyStorage(*GormStorage)
}

type storageOptionFunc func(*GormStorage)

func (f storageOptionFunc) applyStorage(s *GormStorage) { f(s) }

// WithClock overrides the time source. Times are always stored in UTC.
func WithClock(now func() time.Time) Option {
	return storageOptionFunc(func(s *GormStorage) {
		s.now = now
	})
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB, opts ...Option) *GormStorage {
	s := &GormStorage{db: db, now: time.Now}
	for _, opt := range opts {
		opt.applyStorage(s)
	}
	return s
}

// DB returns the underlying *gorm.DB.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the storage is backed by SQLite.
func (s *GormStorage) IsSQLite() bool {
	if s.db == nil || s.db.Dialector == nil {
		return false
	}
	return s.db.Dialector.Name() == "sqlite"
}

func (s *GormStorage) clock() time.Time {
	return s.now().UTC()
}

// Migrate creates the necessary tables and indexes.
func (s *GormStorage) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	err := db.AutoMigrate(
		&core.Job{},
		&core.JobStateTransition{},
		&core.BotInstance{},
		&core.Bot{},
		&core.KillEvent{},
		&core.PromotionAudit{},
		&core.BacktestSession{},
		&core.Generation{},
		&core.AutonomyScore{},
		&core.ActivityEvent{},
		&core.LockRow{},
		&core.LeaderLease{},
	)
	if err != nil {
		return err
	}
	return db.Exec(activeInstanceIndex).Error
}

// Ping checks that the database answers a trivial query.
func (s *GormStorage) Ping(ctx context.Context) error {
	var one int
	return s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error
}

// Close closes the underlying connection pool.
func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newID() string {
	return uuid.New().String()
}

// isUniqueViolation reports whether err is a unique constraint failure on
// either supported backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return core.ErrNotFound
	}
	return err
}
