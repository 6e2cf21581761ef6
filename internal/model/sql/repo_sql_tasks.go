package sql

import (
	"artgen/internal/entity"
	"context"
	"fmt"
	"strings"
	"time"
)

// CreateTask inserts a new generation task in pending state.
func (r *GormRepository) CreateTask(ctx context.Context, task *entity.DbGenerationTask) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if task == nil {
		return fmt.Errorf("task is nil")
	}
	if strings.TrimSpace(task.TaskID) == "" {
		return fmt.Errorf("task id is required")
	}
	if task.Status == "" {
		task.Status = entity.TaskStatusPending
	}
	return r.db.WithContext(ctx).Create(task).Error
}

// GetTask loads a task by its public task id.
func (r *GormRepository) GetTask(ctx context.Context, taskID string) (*entity.DbGenerationTask, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	trimmed := strings.TrimSpace(taskID)
	if trimmed == "" {
		return nil, fmt.Errorf("task id is required")
	}

	var task entity.DbGenerationTask
	if err := r.db.WithContext(ctx).Where("task_id = ?", trimmed).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask applies the provided field updates to a task row.
func (r *GormRepository) UpdateTask(ctx context.Context, taskID string, updates entity.TaskUpdates) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	trimmed := strings.TrimSpace(taskID)
	if trimmed == "" {
		return fmt.Errorf("task id is required")
	}
	fields := updates.ToMap()
	if len(fields) == 0 {
		return fmt.Errorf("no updates provided")
	}
	return r.db.WithContext(ctx).
		Model(&entity.DbGenerationTask{}).
		Where("task_id = ?", trimmed).
		Updates(fields).Error
}

// FinalizeTask writes a terminal transition. Like ClaimTask the WHERE clause
// carries the state precondition: a row that already reached a terminal state
// is left untouched, so terminal states stay one-way under concurrent writers
// (an in-flight processor racing the watchdog, a cancel racing a claim).
func (r *GormRepository) FinalizeTask(ctx context.Context, taskID string, updates entity.TaskUpdates) (bool, error) {
	if r == nil || r.db == nil {
		return false, fmt.Errorf("repository not initialised")
	}
	trimmed := strings.TrimSpace(taskID)
	if trimmed == "" {
		return false, fmt.Errorf("task id is required")
	}
	fields := updates.ToMap()
	if len(fields) == 0 {
		return false, fmt.Errorf("no updates provided")
	}

	result := r.db.WithContext(ctx).
		Model(&entity.DbGenerationTask{}).
		Where("task_id = ? AND status IN ?", trimmed,
			[]string{entity.TaskStatusPending, entity.TaskStatusProcessing}).
		Updates(fields)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ClaimTask flips a pending task to processing. The conditional update is the
// cross-instance guard: only one caller observes RowsAffected == 1.
func (r *GormRepository) ClaimTask(ctx context.Context, taskID string, startedAt time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, fmt.Errorf("repository not initialised")
	}
	trimmed := strings.TrimSpace(taskID)
	if trimmed == "" {
		return false, fmt.Errorf("task id is required")
	}

	result := r.db.WithContext(ctx).
		Model(&entity.DbGenerationTask{}).
		Where("task_id = ? AND status = ?", trimmed, entity.TaskStatusPending).
		Updates(map[string]interface{}{
			"status":                entity.TaskStatusProcessing,
			"processing_started_at": startedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// RequestTaskCancel sets the cooperative cancellation flag. Terminal tasks are
// left untouched; the boolean reports whether the flag was newly set.
func (r *GormRepository) RequestTaskCancel(ctx context.Context, taskID string) (bool, error) {
	if r == nil || r.db == nil {
		return false, fmt.Errorf("repository not initialised")
	}
	trimmed := strings.TrimSpace(taskID)
	if trimmed == "" {
		return false, fmt.Errorf("task id is required")
	}

	result := r.db.WithContext(ctx).
		Model(&entity.DbGenerationTask{}).
		Where("task_id = ? AND status IN ? AND cancel_requested = ?",
			trimmed,
			[]string{entity.TaskStatusPending, entity.TaskStatusProcessing},
			false).
		UpdateColumn("cancel_requested", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkTaskRefunded is the idempotence gate for refunds: an atomic
// check-and-set that succeeds exactly once per task. Callers must only credit
// the balance when this returns true.
func (r *GormRepository) MarkTaskRefunded(ctx context.Context, taskID string) (bool, error) {
	if r == nil || r.db == nil {
		return false, fmt.Errorf("repository not initialised")
	}
	trimmed := strings.TrimSpace(taskID)
	if trimmed == "" {
		return false, fmt.Errorf("task id is required")
	}

	result := r.db.WithContext(ctx).
		Model(&entity.DbGenerationTask{}).
		Where("task_id = ? AND credits_deducted = ? AND credits_refunded = ?", trimmed, true, false).
		UpdateColumn("credits_refunded", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListStalledTasks returns processing tasks whose claim is older than the
// watchdog ceiling.
func (r *GormRepository) ListStalledTasks(ctx context.Context, olderThan time.Time) ([]entity.DbGenerationTask, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}

	var tasks []entity.DbGenerationTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND processing_started_at IS NOT NULL AND processing_started_at < ?",
			entity.TaskStatusProcessing, olderThan).
		Order("processing_started_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}
