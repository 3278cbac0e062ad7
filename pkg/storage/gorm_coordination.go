package storage

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

// ──────────────────────────────────────────────────────────────────────────────
// Backtest sessions
// ──────────────────────────────────────────────────────────────────────────────

// RecordSession stores the outcome of one backtest run.
func (s *GormStorage) RecordSession(ctx context.Context, sess *core.BacktestSession) error {
	if sess.ID == "" {
		sess.ID = newID()
	}
	if sess.CompletedAt.IsZero() {
		sess.CompletedAt = s.clock()
	}
	return s.db.WithContext(ctx).Create(sess).Error
}

// RecentSessions returns the last n sessions of botID, newest first.
func (s *GormStorage) RecentSessions(ctx context.Context, botID string, n int) ([]*core.BacktestSession, error) {
	q := s.db.WithContext(ctx).Where("bot_id = ?", botID).Order("completed_at DESC")
	if n > 0 {
		q = q.Limit(n)
	}
	var sessions []*core.BacktestSession
	err := q.Find(&sessions).Error
	return sessions, err
}

// BestMatrixCell returns the successful matrix-cell session of botID with the
// highest Sharpe ratio among those run on the bot's current generation.
func (s *GormStorage) BestMatrixCell(ctx context.Context, botID string) (*core.BacktestSession, error) {
	var sess core.BacktestSession
	current := s.db.Model(&core.Bot{}).Select("current_generation").Where("id = ?", botID)
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND succeeded = ? AND cell <> ''", botID, true).
		Where("generation = COALESCE((?), 0)", current).
		Order("m_sharpe DESC, completed_at DESC").
		First(&sess).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

// CountSessions counts sessions of botID with the given outcome.
func (s *GormStorage) CountSessions(ctx context.Context, botID string, succeeded bool) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.BacktestSession{}).
		Where("bot_id = ? AND succeeded = ?", botID, succeeded).
		Count(&count).Error
	return count, err
}

// ──────────────────────────────────────────────────────────────────────────────
// Autonomy scores
// ──────────────────────────────────────────────────────────────────────────────

// UpsertAutonomyScore replaces the score row of the bot.
func (s *GormStorage) UpsertAutonomyScore(ctx context.Context, score *core.AutonomyScore) error {
	if score.ComputedAt.IsZero() {
		score.ComputedAt = s.clock()
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bot_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"score", "tier", "breakdown", "computed_at", "updated_at"}),
		}).
		Create(score).Error
}

// GetAutonomyScore returns the latest score of botID.
func (s *GormStorage) GetAutonomyScore(ctx context.Context, botID string) (*core.AutonomyScore, error) {
	var score core.AutonomyScore
	if err := s.db.WithContext(ctx).First(&score, "bot_id = ?", botID).Error; err != nil {
		return nil, notFound(err)
	}
	return &score, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Activity
// ──────────────────────────────────────────────────────────────────────────────

// AppendActivity appends an activity event.
func (s *GormStorage) AppendActivity(ctx context.Context, e *core.ActivityEvent) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if len(e.Payload) == 0 {
		e.Payload = []byte("{}")
	}
	return s.db.WithContext(ctx).Create(e).Error
}

// ──────────────────────────────────────────────────────────────────────────────
// Locks and leases
// ──────────────────────────────────────────────────────────────────────────────

// TryLock acquires key for lockID. An expired row, or one already owned by
// lockID, is taken over.
func (s *GormStorage) TryLock(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error) {
	now := s.clock()
	db := s.db.WithContext(ctx)

	inserted := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&core.LockRow{
		LockKey:   key,
		LockID:    lockID,
		ExpiresAt: now.Add(ttl),
	})
	if inserted.Error != nil {
		return false, inserted.Error
	}
	if inserted.RowsAffected > 0 {
		return true, nil
	}

	result := db.Model(&core.LockRow{}).
		Where("lock_key = ? AND (expires_at < ? OR lock_id = ?)", key, now, lockID).
		Updates(map[string]any{
			"lock_id":    lockID,
			"expires_at": now.Add(ttl),
		})
	return result.RowsAffected > 0, result.Error
}

// Unlock releases key if it is still owned by lockID.
func (s *GormStorage) Unlock(ctx context.Context, key, lockID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("lock_key = ? AND lock_id = ?", key, lockID).
		Delete(&core.LockRow{})
	return result.RowsAffected > 0, result.Error
}

// AcquireLease acquires or renews the named lease for holder.
func (s *GormStorage) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.clock()
	db := s.db.WithContext(ctx)

	inserted := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&core.LeaderLease{
		Name:      name,
		Holder:    holder,
		ExpiresAt: now.Add(ttl),
		RenewedAt: now,
	})
	if inserted.Error != nil {
		return false, inserted.Error
	}
	if inserted.RowsAffected > 0 {
		return true, nil
	}

	result := db.Model(&core.LeaderLease{}).
		Where("name = ? AND (expires_at < ? OR holder = ?)", name, now, holder).
		Updates(map[string]any{
			"holder":     holder,
			"expires_at": now.Add(ttl),
			"renewed_at": now,
		})
	return result.RowsAffected > 0, result.Error
}

// ReleaseLease gives up the named lease if holder still owns it.
func (s *GormStorage) ReleaseLease(ctx context.Context, name, holder string) error {
	return s.db.WithContext(ctx).
		Where("name = ? AND holder = ?", name, holder).
		Delete(&core.LeaderLease{}).Error
}

// GetLease returns the named lease.
func (s *GormStorage) GetLease(ctx context.Context, name string) (*core.LeaderLease, error) {
	var lease core.LeaderLease
	if err := s.db.WithContext(ctx).First(&lease, "name = ?", name).Error; err != nil {
		return nil, notFound(err)
	}
	return &lease, nil
}
