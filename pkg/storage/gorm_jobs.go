package storage

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/security"
)

var activeJobStatuses = []core.JobStatus{core.JobQueued, core.JobRunning}

func prepareJob(job *core.Job) {
	if job.ID == "" {
		job.ID = newID()
	}
	if job.Status == "" {
		job.Status = core.JobQueued
	}
	if len(job.Payload) == 0 {
		job.Payload = []byte("{}")
	}
}

// CreateJob inserts a job. ID and status default to a fresh UUID and QUEUED.
func (s *GormStorage) CreateJob(ctx context.Context, job *core.Job) error {
	prepareJob(job)
	return s.db.WithContext(ctx).Create(job).Error
}

// CreateJobUnique inserts a job only if no QUEUED or RUNNING job carries the
// same unique key.
func (s *GormStorage) CreateJobUnique(ctx context.Context, job *core.Job, uniqueKey string) error {
	prepareJob(job)
	job.UniqueKey = uniqueKey

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !s.IsSQLite() {
			// Serializes concurrent inserts for the same key until commit.
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", uniqueKey).Error; err != nil {
				return err
			}
		}
		var count int64
		err := tx.Model(&core.Job{}).
			Where("unique_key = ?", uniqueKey).
			Where("status IN ?", activeJobStatuses).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return core.ErrDuplicateJob
		}
		return tx.Create(job).Error
	})
}

// GetJob retrieves a job by ID.
func (s *GormStorage) GetJob(ctx context.Context, id string) (*core.Job, error) {
	var job core.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// GetJobs returns jobs matching filter, oldest first.
func (s *GormStorage) GetJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	q := s.db.WithContext(ctx).Model(&core.Job{})
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if len(filter.Types) > 0 {
		q = q.Where("type IN ?", filter.Types)
	}
	if filter.BotID != "" {
		q = q.Where("bot_id = ?", filter.BotID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	order := "created_at ASC"
	if filter.Newest {
		order = "created_at DESC"
	}
	var jobs []*core.Job
	err := q.Order(order).Find(&jobs).Error
	return jobs, err
}

// UpdateJob applies the non-nil fields of patch.
func (s *GormStorage) UpdateJob(ctx context.Context, id string, patch core.JobPatch) error {
	updates := map[string]any{}
	if patch.Priority != nil {
		updates["priority"] = *patch.Priority
	}
	if patch.ErrorMessage != nil {
		updates["error_message"] = security.SanitizeErrorMessage(*patch.ErrorMessage)
	}
	if patch.LastHeartbeatAt != nil {
		updates["last_heartbeat_at"] = patch.LastHeartbeatAt.UTC()
	}
	if len(updates) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&core.Job{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// ClaimJobs moves up to limit QUEUED jobs of the given types to RUNNING for
// workerID. Each claim is a conditional update, so a job is claimed by at most
// one caller even when candidates overlap.
func (s *GormStorage) ClaimJobs(ctx context.Context, types []core.JobType, workerID string, limit int) ([]*core.Job, error) {
	if limit <= 0 || len(types) == 0 {
		return nil, nil
	}
	now := s.clock()
	var claimed []*core.Job

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("type IN ?", types).
			Where("status = ?", core.JobQueued).
			Order("priority DESC, created_at ASC").
			Limit(limit)
		if !s.IsSQLite() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidates []*core.Job
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}

		for _, job := range candidates {
			result := tx.Model(&core.Job{}).
				Where("id = ? AND status = ?", job.ID, core.JobQueued).
				Updates(map[string]any{
					"status":            core.JobRunning,
					"worker_id":         workerID,
					"started_at":        now,
					"last_heartbeat_at": now,
					"attempts":          gorm.Expr("attempts + 1"),
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				continue
			}
			job.Status = core.JobRunning
			job.WorkerID = workerID
			job.StartedAt = &now
			job.LastHeartbeatAt = &now
			job.Attempts++
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ownershipError explains why a conditional update on a running job matched
// nothing.
func (s *GormStorage) ownershipError(ctx context.Context, id, workerID string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.WorkerID != workerID {
		return core.ErrJobNotOwned
	}
	return core.ErrJobNotRunning
}

// HeartbeatJob records liveness for a running job owned by workerID.
func (s *GormStorage) HeartbeatJob(ctx context.Context, id, workerID string) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND worker_id = ? AND status = ?", id, workerID, core.JobRunning).
		Update("last_heartbeat_at", s.clock())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.ownershipError(ctx, id, workerID)
	}
	return nil
}

// CompleteJob marks a running job COMPLETED.
func (s *GormStorage) CompleteJob(ctx context.Context, id, workerID string) error {
	return s.finishJob(ctx, id, workerID, core.JobCompleted, "")
}

// FailJob marks a running job FAILED. The message is sanitized before storage.
func (s *GormStorage) FailJob(ctx context.Context, id, workerID, errMsg string) error {
	return s.finishJob(ctx, id, workerID, core.JobFailed, security.SanitizeErrorMessage(errMsg))
}

func (s *GormStorage) finishJob(ctx context.Context, id, workerID string, status core.JobStatus, errMsg string) error {
	updates := map[string]any{
		"status":       status,
		"completed_at": s.clock(),
	}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND worker_id = ? AND status = ?", id, workerID, core.JobRunning).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.ownershipError(ctx, id, workerID)
	}
	return nil
}

// TimeoutJob moves a RUNNING job to TIMEOUT and records the transition in the
// same transaction. It reports false when the job was no longer RUNNING.
func (s *GormStorage) TimeoutJob(ctx context.Context, id, detail string) (bool, error) {
	return s.terminateRunning(ctx, id, core.JobTimeout, core.ReasonHeartbeatTimeout, detail)
}

// FailStuckJob moves a RUNNING job to FAILED with reason and message, recording
// the transition. It reports false when the job was no longer RUNNING.
func (s *GormStorage) FailStuckJob(ctx context.Context, id, reason, message string) (bool, error) {
	return s.terminateRunning(ctx, id, core.JobFailed, reason, message)
}

func (s *GormStorage) terminateRunning(ctx context.Context, id string, to core.JobStatus, reason, detail string) (bool, error) {
	now := s.clock()
	detail = security.SanitizeErrorMessage(detail)
	changed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&core.Job{}).
			Where("id = ? AND status = ?", id, core.JobRunning).
			Updates(map[string]any{
				"status":        to,
				"completed_at":  now,
				"error_message": detail,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		changed = true
		return tx.Create(&core.JobStateTransition{
			ID:         newID(),
			JobID:      id,
			FromStatus: core.JobRunning,
			ToStatus:   to,
			Reason:     reason,
			Detail:     detail,
		}).Error
	})
	return changed, err
}

// GetStuckJobs returns RUNNING jobs whose last activity is older than
// thresholdMinutes.
func (s *GormStorage) GetStuckJobs(ctx context.Context, thresholdMinutes int) ([]*core.Job, error) {
	cutoff := s.clock().Add(-time.Duration(thresholdMinutes) * time.Minute)
	var jobs []*core.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", core.JobRunning).
		Where("COALESCE(last_heartbeat_at, started_at) < ?", cutoff).
		Order("started_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// CountJobsByStatus returns job counts grouped by status.
func (s *GormStorage) CountJobsByStatus(ctx context.Context) (map[core.JobStatus]int64, error) {
	type row struct {
		Status core.JobStatus
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[core.JobStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// LogJobStateTransition appends a transition audit row.
func (s *GormStorage) LogJobStateTransition(ctx context.Context, t *core.JobStateTransition) error {
	if t.ID == "" {
		t.ID = newID()
	}
	return s.db.WithContext(ctx).Create(t).Error
}

// failRunningJobsTx fails every RUNNING job of botID inside tx and writes a
// transition row for each.
func failRunningJobsTx(tx *gorm.DB, botID, reason string, now time.Time) (int64, error) {
	var ids []string
	if err := tx.Model(&core.Job{}).
		Where("bot_id = ? AND status = ?", botID, core.JobRunning).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	var failed int64
	for _, id := range ids {
		result := tx.Model(&core.Job{}).
			Where("id = ? AND status = ?", id, core.JobRunning).
			Updates(map[string]any{
				"status":        core.JobFailed,
				"completed_at":  now,
				"error_message": reason,
			})
		if result.Error != nil {
			return failed, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}
		failed++
		err := tx.Create(&core.JobStateTransition{
			ID:         newID(),
			JobID:      id,
			FromStatus: core.JobRunning,
			ToStatus:   core.JobFailed,
			Reason:     reason,
		}).Error
		if err != nil {
			return failed, err
		}
	}
	return failed, nil
}
