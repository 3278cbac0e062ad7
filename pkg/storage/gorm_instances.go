package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

var activeInstanceStatuses = []core.InstanceStatus{core.InstancePending, core.InstanceRunning}

// ListRunningInstances returns RUNNING instances of bots that are neither
// archived nor killed.
func (s *GormStorage) ListRunningInstances(ctx context.Context) ([]*core.BotInstance, error) {
	var instances []*core.BotInstance
	err := s.db.WithContext(ctx).
		Model(&core.BotInstance{}).
		Select("bot_instances.*").
		Joins("JOIN bots ON bots.id = bot_instances.bot_id").
		Where("bot_instances.status = ?", core.InstanceRunning).
		Where("bots.archived_at IS NULL AND bots.killed_at IS NULL").
		Order("bot_instances.created_at ASC").
		Find(&instances).Error
	return instances, err
}

// GetInstances returns every instance of botID, newest first.
func (s *GormStorage) GetInstances(ctx context.Context, botID string) ([]*core.BotInstance, error) {
	var instances []*core.BotInstance
	err := s.db.WithContext(ctx).
		Where("bot_id = ?", botID).
		Order("created_at DESC").
		Find(&instances).Error
	return instances, err
}

// CreateInstance inserts an instance. Inserting a second active instance for
// the same bot fails with core.ErrInstanceConflict.
func (s *GormStorage) CreateInstance(ctx context.Context, inst *core.BotInstance) error {
	if inst.ID == "" {
		inst.ID = newID()
	}
	if inst.Status == "" {
		inst.Status = core.InstancePending
	}
	if inst.JobType == "" {
		inst.JobType = core.InstanceJobTypeRunner
	}
	err := s.db.WithContext(ctx).Create(inst).Error
	if isUniqueViolation(err) {
		return core.ErrInstanceConflict
	}
	return err
}

// HeartbeatInstance records liveness. A PENDING instance becomes RUNNING on its
// first heartbeat.
func (s *GormStorage) HeartbeatInstance(ctx context.Context, id string, activityState string) error {
	updates := map[string]any{
		"status":            core.InstanceRunning,
		"last_heartbeat_at": s.clock(),
	}
	if activityState != "" {
		updates["activity_state"] = activityState
	}
	result := s.db.WithContext(ctx).
		Model(&core.BotInstance{}).
		Where("id = ? AND status IN ?", id, activeInstanceStatuses).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrInstanceConflict
	}
	return nil
}

// RestartInstance replaces a stale RUNNING instance in one transaction:
//  1. stop the stale instance, guarded by NOT EXISTS any other active instance
//  2. fail the bot's RUNNING jobs with TERMINATED_BY_SUPERVISOR
//  3. insert exactly one PENDING replacement
//
// Any miss rolls the whole transaction back and returns core.ErrRestartConflict.
func (s *GormStorage) RestartInstance(ctx context.Context, req core.RestartRequest) (*core.RestartResult, error) {
	now := s.clock()
	reason := req.Reason
	if reason == "" {
		reason = core.ReasonStaleHeartbeat
	}
	var res core.RestartResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale core.BotInstance
		if err := tx.First(&stale, "id = ? AND bot_id = ?", req.StaleInstanceID, req.BotID).Error; err != nil {
			return notFound(err)
		}

		result := tx.Model(&core.BotInstance{}).
			Where("id = ? AND status = ?", stale.ID, core.InstanceRunning).
			Where(`NOT EXISTS (SELECT 1 FROM bot_instances other
				WHERE other.bot_id = ? AND other.id <> ? AND other.status IN ?)`,
				req.BotID, stale.ID, activeInstanceStatuses).
			Updates(map[string]any{
				"status":      core.InstanceStopped,
				"stopped_at":  now,
				"stop_reason": reason,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return core.ErrRestartConflict
		}

		failed, err := failRunningJobsTx(tx, req.BotID, core.ReasonTerminatedBySupervisor, now)
		if err != nil {
			return err
		}
		res.FailedJobs = failed

		replacement := &core.BotInstance{
			ID:              newID(),
			BotID:           req.BotID,
			Status:          core.InstancePending,
			ActivityState:   core.ActivityIdle,
			JobType:         stale.JobType,
			IsPrimaryRunner: stale.IsPrimaryRunner,
			AccountID:       stale.AccountID,
			StartedAt:       &now,
		}
		if err := tx.Create(replacement).Error; err != nil {
			if isUniqueViolation(err) {
				return core.ErrRestartConflict
			}
			return err
		}
		res.Instance = replacement
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ActivateInstance starts a bot that should be running but is not. A PENDING
// instance is promoted to RUNNING; otherwise a new RUNNING instance is
// inserted. The heartbeat is left empty so that only a real heartbeat counts
// as confirmation.
func (s *GormStorage) ActivateInstance(ctx context.Context, botID, accountID string) (*core.BotInstance, error) {
	now := s.clock()
	var activated core.BotInstance

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing core.BotInstance
		err := tx.Where("bot_id = ? AND status IN ?", botID, activeInstanceStatuses).
			Order("created_at DESC").
			First(&existing).Error
		switch {
		case err == nil && existing.Status == core.InstanceRunning:
			return core.ErrInstanceConflict
		case err == nil:
			result := tx.Model(&core.BotInstance{}).
				Where("id = ? AND status = ?", existing.ID, core.InstancePending).
				Updates(map[string]any{
					"status":     core.InstanceRunning,
					"account_id": accountID,
					"started_at": now,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return core.ErrInstanceConflict
			}
			existing.Status = core.InstanceRunning
			existing.AccountID = accountID
			existing.StartedAt = &now
			activated = existing
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		activated = core.BotInstance{
			ID:              newID(),
			BotID:           botID,
			Status:          core.InstanceRunning,
			ActivityState:   core.ActivityIdle,
			JobType:         core.InstanceJobTypeRunner,
			IsPrimaryRunner: true,
			AccountID:       accountID,
			StartedAt:       &now,
		}
		if err := tx.Create(&activated).Error; err != nil {
			if isUniqueViolation(err) {
				return core.ErrInstanceConflict
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &activated, nil
}

// StopInstance marks an active instance STOPPED. It reports false when the
// instance was already stopped.
func (s *GormStorage) StopInstance(ctx context.Context, id, reason string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.BotInstance{}).
		Where("id = ? AND status <> ?", id, core.InstanceStopped).
		Updates(map[string]any{
			"status":      core.InstanceStopped,
			"stopped_at":  s.clock(),
			"stop_reason": reason,
		})
	return result.RowsAffected > 0, result.Error
}

// PruneStoppedInstances deletes STOPPED instances stopped before now-olderThan.
func (s *GormStorage) PruneStoppedInstances(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.clock().Add(-olderThan)
	result := s.db.WithContext(ctx).
		Where("status = ? AND stopped_at IS NOT NULL AND stopped_at < ?", core.InstanceStopped, cutoff).
		Delete(&core.BotInstance{})
	return result.RowsAffected, result.Error
}
