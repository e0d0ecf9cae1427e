// Package alert opens deduplicated alerts for yellow and red KPI metrics,
// spawns their remediation tasks and drives the acknowledge/resolve
// lifecycle.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/storehealth/internal/apperr"
	"github.com/storehealth/internal/events"
	"github.com/storehealth/internal/lock"
	"github.com/storehealth/internal/metrics"
	"github.com/storehealth/internal/models"
)

// SystemActor stamps transitions the engine makes on its own.
const SystemActor = "system"

type Manager struct {
	db        *gorm.DB
	locker    lock.Locker
	publisher events.Publisher
	log       logrus.FieldLogger
	Now       func() time.Time
}

func NewManager(db *gorm.DB, locker lock.Locker, publisher events.Publisher, log logrus.FieldLogger) *Manager {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Manager{
		db:        db,
		locker:    locker,
		publisher: publisher,
		log:       log,
		Now:       time.Now,
	}
}

type CreateResult struct {
	Alert   *models.Alert `json:"alert"`
	Task    *models.Task  `json:"task,omitempty"`
	Created bool          `json:"created"`
}

type ProcessItem struct {
	KpiCode  string        `json:"kpi_code"`
	Result   *CreateResult `json:"result,omitempty"`
	Resolved *models.Alert `json:"resolved,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type Filter struct {
	StoreID  uint
	Status   models.AlertStatus
	Severity models.AlertSeverity
	Limit    int
}

func (m *Manager) now() time.Time {
	return m.Now().UTC()
}

func lockKey(storeID, kpiID uint) string {
	return fmt.Sprintf("alert:%d:%d", storeID, kpiID)
}

// CreateAlert opens an alert and its initial task for a yellow or red metric.
// A green metric is a no-op and returns nil. When an open alert already exists
// for the store and KPI it is returned unchanged with Created false.
func (m *Manager) CreateAlert(ctx context.Context, storeID uint, metric *models.KpiMetric) (*CreateResult, error) {
	var severity models.AlertSeverity
	var level int
	switch metric.Status {
	case models.StatusRed:
		severity, level = models.SeverityRed, 2
	case models.StatusYellow:
		severity, level = models.SeverityYellow, 1
	default:
		return nil, nil
	}

	db := m.db.WithContext(ctx)

	var store models.Store
	if err := db.First(&store, storeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("store %d not found", storeID)
		}
		return nil, fmt.Errorf("failed to load store: %w", err)
	}
	var def models.KpiDefinition
	if err := db.First(&def, metric.KpiDefinitionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("kpi definition %d not found", metric.KpiDefinitionID)
		}
		return nil, fmt.Errorf("failed to load kpi definition: %w", err)
	}

	unlock, err := m.locker.Lock(ctx, lockKey(storeID, def.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock alert key: %w", err)
	}
	defer unlock()

	now := m.now()
	expires := now.Add(time.Duration(SLAHours(def.Category, severity)) * time.Hour)
	result := &CreateResult{}

	err = db.Transaction(func(tx *gorm.DB) error {
		var existing models.Alert
		err := tx.Where("store_id = ? AND kpi_definition_id = ? AND status IN ?", storeID, def.ID, models.OpenAlertStatuses).
			First(&existing).Error
		if err == nil {
			result.Alert = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check open alerts: %w", err)
		}

		alert := &models.Alert{
			StoreID:                storeID,
			KpiDefinitionID:        def.ID,
			AlertDate:              now,
			Severity:               severity,
			EscalationLevel:        level,
			Status:                 models.AlertStatusActive,
			Title:                  alertTitle(&def, metric, severity),
			Message:                alertMessage(&store, &def, metric, severity),
			RequiresAcknowledgment: severity == models.SeverityRed,
			ExpiresAt:              &expires,
			Metadata: models.AlertMetadata{
				KpiCode:         def.KpiCode,
				VariancePct:     metric.VariancePct,
				ActualValue:     metric.Value,
				ComparisonValue: metric.ComparisonValue,
			},
		}
		if err := tx.Create(alert).Error; err != nil {
			return fmt.Errorf("failed to create alert: %w", err)
		}

		task := initialTask(alert, &store, &def, metric.Status)
		if err := tx.Create(task).Error; err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}

		result.Alert, result.Task, result.Created = alert, task, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := m.log.WithFields(logrus.Fields{"store_id": storeID, "kpi_code": def.KpiCode, "alert_id": result.Alert.ID})
	if !result.Created {
		log.Debug("open alert already exists")
		return result, nil
	}

	metrics.AlertsCreatedTotal.WithLabelValues(string(severity)).Inc()
	m.publisher.Publish(ctx, events.Event{
		Type:     events.AlertCreated,
		StoreID:  storeID,
		EntityID: result.Alert.ID,
		Data:     result.Alert,
	})
	log.WithField("severity", severity).Info("alert created")
	return result, nil
}

func initialTask(alert *models.Alert, store *models.Store, def *models.KpiDefinition, status models.KpiStatus) *models.Task {
	taskType, priority := models.TaskTypeReview, 3
	if alert.Severity == models.SeverityRed {
		taskType, priority = models.TaskTypeAction, 1
	}
	actions := RecommendedActions(def.KpiCode)
	contact := store.ManagerContact()

	return &models.Task{
		AlertID:           &alert.ID,
		StoreID:           store.ID,
		KpiDefinitionID:   &def.ID,
		TaskType:          taskType,
		Priority:          priority,
		Title:             fmt.Sprintf("Review %s - %s", def.Name, strings.ToUpper(string(alert.Severity))),
		Description:       taskDescription(def, status, actions),
		AssignedToRole:    contact.Role,
		AssignedToName:    contact.Name,
		AssignedToContact: contact.Address,
		Status:            models.TaskStatusPending,
		DueDate:           alert.ExpiresAt,
		Metadata:          models.TaskMetadata{RecommendedActions: actions},
	}
}

// ProcessStoreKpis opens alerts for the day's yellow and red metrics and
// resolves open alerts whose KPI came back green. Failures are reported per
// KPI.
func (m *Manager) ProcessStoreKpis(ctx context.Context, storeID uint, date time.Time) ([]ProcessItem, error) {
	if date.IsZero() {
		date = m.Now()
	}
	var kpis []models.KpiMetric
	err := m.db.WithContext(ctx).
		Where("store_id = ? AND metric_date = ?", storeID, models.Day(date)).
		Preload("KpiDefinition").
		Order("kpi_definition_id").
		Find(&kpis).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load kpi metrics: %w", err)
	}

	items := make([]ProcessItem, 0, len(kpis))
	for i := range kpis {
		metric := &kpis[i]
		item := ProcessItem{}
		if metric.KpiDefinition != nil {
			item.KpiCode = metric.KpiDefinition.KpiCode
		}

		if metric.Status == models.StatusGreen {
			resolved, err := m.ResolveForGreenMetric(ctx, metric)
			if err != nil {
				item.Error = err.Error()
			} else if resolved == nil {
				continue
			}
			item.Resolved = resolved
			items = append(items, item)
			continue
		}

		result, err := m.CreateAlert(ctx, storeID, metric)
		if err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{"store_id": storeID, "kpi_code": item.KpiCode}).Error("failed to create alert")
			item.Error = err.Error()
		}
		item.Result = result
		items = append(items, item)
	}
	return items, nil
}

// AcknowledgeAlert moves an active alert to acknowledged.
func (m *Manager) AcknowledgeAlert(ctx context.Context, id uint, by string) (*models.Alert, error) {
	alert, err := m.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status != models.AlertStatusActive {
		return nil, apperr.Conflict("alert %d is %s, not active", id, alert.Status)
	}

	now := m.now()
	res := m.db.WithContext(ctx).Model(&models.Alert{}).
		Where("id = ? AND status = ?", id, models.AlertStatusActive).
		Updates(map[string]interface{}{
			"status":          models.AlertStatusAcknowledged,
			"acknowledged_by": by,
			"acknowledged_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to acknowledge alert: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Conflict("alert %d is no longer active", id)
	}

	alert.Status = models.AlertStatusAcknowledged
	alert.AcknowledgedBy = by
	alert.AcknowledgedAt = &now

	metrics.AlertTransitionsTotal.WithLabelValues(string(models.AlertStatusAcknowledged)).Inc()
	m.publisher.Publish(ctx, events.Event{Type: events.AlertAcknowledged, StoreID: alert.StoreID, EntityID: id, Data: alert})
	m.log.WithFields(logrus.Fields{"alert_id": id, "by": by}).Info("alert acknowledged")
	return alert, nil
}

// ResolveAlert closes an open alert and completes its pending and in-progress
// tasks in the same transaction.
func (m *Manager) ResolveAlert(ctx context.Context, id uint, by, note string) (*models.Alert, error) {
	alert, err := m.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status == models.AlertStatusResolved {
		return nil, apperr.Conflict("alert %d is already resolved", id)
	}

	now := m.now()
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Alert{}).
			Where("id = ? AND status IN ?", id, models.OpenAlertStatuses).
			Updates(map[string]interface{}{
				"status":          models.AlertStatusResolved,
				"resolved_by":     by,
				"resolved_at":     now,
				"resolution_note": note,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to resolve alert: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.Conflict("alert %d was resolved concurrently", id)
		}

		err := tx.Model(&models.Task{}).
			Where("alert_id = ? AND status IN ?", id, []models.TaskStatus{models.TaskStatusPending, models.TaskStatusInProgress}).
			Updates(map[string]interface{}{
				"status":       models.TaskStatusCompleted,
				"completed_at": now,
				"completed_by": by,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to complete alert tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	alert.Status = models.AlertStatusResolved
	alert.ResolvedBy = by
	alert.ResolvedAt = &now
	alert.ResolutionNote = note

	metrics.AlertTransitionsTotal.WithLabelValues(string(models.AlertStatusResolved)).Inc()
	m.publisher.Publish(ctx, events.Event{Type: events.AlertResolved, StoreID: alert.StoreID, EntityID: id, Data: alert})
	m.log.WithFields(logrus.Fields{"alert_id": id, "by": by}).Info("alert resolved")
	return alert, nil
}

// ResolveForGreenMetric resolves the open alert for a metric's store and KPI
// once the KPI is green again. It returns nil when nothing was open.
func (m *Manager) ResolveForGreenMetric(ctx context.Context, metric *models.KpiMetric) (*models.Alert, error) {
	if metric.Status != models.StatusGreen {
		return nil, nil
	}
	var open models.Alert
	err := m.db.WithContext(ctx).
		Where("store_id = ? AND kpi_definition_id = ? AND status IN ?", metric.StoreID, metric.KpiDefinitionID, models.OpenAlertStatuses).
		First(&open).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open alert: %w", err)
	}

	resolved, err := m.ResolveAlert(ctx, open.ID, SystemActor, "KPI returned to green")
	if apperr.IsConflict(err) {
		return nil, nil
	}
	return resolved, err
}

func (m *Manager) GetAlert(ctx context.Context, id uint) (*models.Alert, error) {
	var alert models.Alert
	err := m.db.WithContext(ctx).Preload("Store").Preload("KpiDefinition").First(&alert, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("alert %d not found", id)
		}
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}
	return &alert, nil
}

// ActiveAlerts returns a store's open alerts, most escalated first.
func (m *Manager) ActiveAlerts(ctx context.Context, storeID uint) ([]models.Alert, error) {
	var alerts []models.Alert
	err := m.db.WithContext(ctx).
		Where("store_id = ? AND status IN ?", storeID, models.OpenAlertStatuses).
		Preload("KpiDefinition").
		Order("escalation_level DESC").
		Order("alert_date DESC").
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", err)
	}
	return alerts, nil
}

// OverdueAlerts returns open alerts past their SLA deadline, oldest deadline
// first.
func (m *Manager) OverdueAlerts(ctx context.Context) ([]models.Alert, error) {
	var alerts []models.Alert
	err := m.db.WithContext(ctx).
		Where("status IN ? AND expires_at < ?", models.OpenAlertStatuses, m.now()).
		Preload("Store").
		Preload("KpiDefinition").
		Order("expires_at ASC").
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue alerts: %w", err)
	}
	return alerts, nil
}

func (m *Manager) ListAlerts(ctx context.Context, f Filter) ([]models.Alert, error) {
	query := m.db.WithContext(ctx).Preload("KpiDefinition")
	if f.StoreID != 0 {
		query = query.Where("store_id = ?", f.StoreID)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.Severity != "" {
		query = query.Where("severity = ?", f.Severity)
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}

	var alerts []models.Alert
	if err := query.Order("alert_date DESC").Order("id DESC").Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}
