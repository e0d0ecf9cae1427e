package alert

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/storehealth/internal/apperr"
	"github.com/storehealth/internal/models"
)

type TaskFilter struct {
	StoreID uint
	AlertID uint
	Status  models.TaskStatus
	Role    string
	Limit   int
}

// CreateTask stores a follow-up task. Status defaults to pending.
func (m *Manager) CreateTask(ctx context.Context, task *models.Task) error {
	if task.StoreID == 0 {
		return apperr.Validation("task store_id is required")
	}
	if task.Title == "" {
		return apperr.Validation("task title is required")
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	if err := m.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	m.log.WithFields(logrus.Fields{"task_id": task.ID, "store_id": task.StoreID, "type": task.TaskType}).Info("task created")
	return nil
}

func (m *Manager) GetTask(ctx context.Context, id uint) (*models.Task, error) {
	var task models.Task
	if err := m.db.WithContext(ctx).First(&task, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("task %d not found", id)
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return &task, nil
}

// ListTasks returns tasks by priority, then due date.
func (m *Manager) ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	query := m.db.WithContext(ctx)
	if f.StoreID != 0 {
		query = query.Where("store_id = ?", f.StoreID)
	}
	if f.AlertID != 0 {
		query = query.Where("alert_id = ?", f.AlertID)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.Role != "" {
		query = query.Where("assigned_to_role = ?", f.Role)
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}

	var tasks []models.Task
	if err := query.Order("priority ASC").Order("due_date ASC").Order("id ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// StartTask moves a pending task to in_progress.
func (m *Manager) StartTask(ctx context.Context, id uint) (*models.Task, error) {
	task, err := m.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusPending {
		return nil, apperr.Conflict("task %d is %s, not pending", id, task.Status)
	}

	now := m.now()
	res := m.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ? AND status = ?", id, models.TaskStatusPending).
		Updates(map[string]interface{}{"status": models.TaskStatusInProgress, "started_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to start task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Conflict("task %d is no longer pending", id)
	}

	task.Status = models.TaskStatusInProgress
	task.StartedAt = &now
	return task, nil
}

// CompleteTask closes a pending or in-progress task with an outcome.
func (m *Manager) CompleteTask(ctx context.Context, id uint, by, outcome string) (*models.Task, error) {
	task, err := m.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskStatusCompleted {
		return nil, apperr.Conflict("task %d is already completed", id)
	}

	now := m.now()
	res := m.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ? AND status <> ?", id, models.TaskStatusCompleted).
		Updates(map[string]interface{}{
			"status":       models.TaskStatusCompleted,
			"completed_at": now,
			"completed_by": by,
			"outcome":      outcome,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to complete task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Conflict("task %d was completed concurrently", id)
	}

	task.Status = models.TaskStatusCompleted
	task.CompletedAt = &now
	task.CompletedBy = by
	task.Outcome = outcome
	return task, nil
}
