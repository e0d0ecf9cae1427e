// Package escalation advances open alerts up the escalation ladder according
// to the organization's rules and carries out each rule's action.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/storehealth/internal/apperr"
	"github.com/storehealth/internal/events"
	"github.com/storehealth/internal/lock"
	"github.com/storehealth/internal/metrics"
	"github.com/storehealth/internal/models"
	"github.com/storehealth/internal/notify"
)

const defaultConcurrency = 4

// CallScheduler places the automated voice call of a level 3 escalation.
type CallScheduler interface {
	ScheduleCall(ctx context.Context, esc *models.Escalation, alert *models.Alert, store *models.Store, def *models.KpiDefinition) (*models.AiCall, error)
}

type Engine struct {
	db        *gorm.DB
	locker    lock.Locker
	notifier  notify.Notifier
	calls     CallScheduler
	publisher events.Publisher
	log       logrus.FieldLogger

	// Concurrency bounds how many alerts a sweep evaluates at once.
	Concurrency int
	Now         func() time.Time
}

func NewEngine(db *gorm.DB, locker lock.Locker, notifier notify.Notifier, calls CallScheduler, publisher events.Publisher, log logrus.FieldLogger) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Engine{
		db:          db,
		locker:      locker,
		notifier:    notifier,
		calls:       calls,
		publisher:   publisher,
		log:         log,
		Concurrency: defaultConcurrency,
		Now:         time.Now,
	}
}

type SweepError struct {
	AlertID uint   `json:"alert_id"`
	Error   string `json:"error"`
}

type SweepResult struct {
	Scanned     int                 `json:"scanned"`
	Escalations []models.Escalation `json:"escalations"`
	Errors      []SweepError        `json:"errors,omitempty"`
}

func (e *Engine) now() time.Time {
	return e.Now().UTC()
}

// Sweep evaluates every open alert once. A failure on one alert is recorded
// in the result and does not stop the others.
func (e *Engine) Sweep(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var ids []uint
	err := e.db.WithContext(ctx).Model(&models.Alert{}).
		Where("status IN ?", models.OpenAlertStatuses).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list open alerts: %w", err)
	}

	concurrency := e.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(int64(concurrency))

	result := &SweepResult{Scanned: len(ids), Escalations: []models.Escalation{}}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	var acquireErr error
	for _, id := range ids {
		if acquireErr = sem.Acquire(ctx, 1); acquireErr != nil {
			break
		}
		wg.Add(1)
		go func(alertID uint) {
			defer wg.Done()
			defer sem.Release(1)

			esc, err := e.evaluate(ctx, alertID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.SweepFailuresTotal.Inc()
				e.log.WithError(err).WithField("alert_id", alertID).Error("failed to escalate alert")
				result.Errors = append(result.Errors, SweepError{AlertID: alertID, Error: err.Error()})
				return
			}
			if esc != nil {
				result.Escalations = append(result.Escalations, *esc)
			}
		}(id)
	}
	wg.Wait()
	if acquireErr != nil {
		return nil, acquireErr
	}

	e.log.WithFields(logrus.Fields{
		"scanned":     result.Scanned,
		"escalations": len(result.Escalations),
		"errors":      len(result.Errors),
	}).Info("escalation sweep complete")
	return result, nil
}

func (e *Engine) loadAlert(ctx context.Context, id uint) (*models.Alert, error) {
	var alert models.Alert
	err := e.db.WithContext(ctx).
		Preload("Store.District").
		Preload("Store.Region").
		Preload("KpiDefinition").
		First(&alert, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("alert %d not found", id)
		}
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}
	if alert.Store == nil || alert.KpiDefinition == nil {
		return nil, apperr.NotFound("store or kpi definition for alert %d not found", id)
	}
	return &alert, nil
}

func (e *Engine) applicableRules(ctx context.Context, alert *models.Alert) ([]models.EscalationRule, error) {
	var rules []models.EscalationRule
	err := e.db.WithContext(ctx).
		Where("organization_id = ? AND (kpi_definition_id = ? OR kpi_definition_id IS NULL) AND is_active = ? AND from_level = ?",
			alert.Store.OrganizationID, alert.KpiDefinitionID, true, alert.EscalationLevel).
		Order("id").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load escalation rules: %w", err)
	}
	orderRules(rules)
	return rules, nil
}

// evaluate re-reads one alert under its key lock and applies the first rule
// that fires.
func (e *Engine) evaluate(ctx context.Context, alertID uint) (*models.Escalation, error) {
	var key models.Alert
	if err := e.db.WithContext(ctx).Select("id", "store_id", "kpi_definition_id").First(&key, alertID).Error; err != nil {
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}
	unlock, err := e.locker.Lock(ctx, fmt.Sprintf("alert:%d:%d", key.StoreID, key.KpiDefinitionID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock alert: %w", err)
	}
	defer unlock()

	alert, err := e.loadAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status == models.AlertStatusResolved {
		return nil, nil
	}

	rules, err := e.applicableRules(ctx, alert)
	if err != nil {
		return nil, err
	}

	hours := e.now().Sub(alert.AlertDate).Hours()
	for i := range rules {
		rule := &rules[i]
		if ShouldEscalate(alert, rule, hours) {
			return e.execute(ctx, alert, rule, models.TriggeredBySLABreach, escalationReason(alert, alert.KpiDefinition.Name, int(hours), rule))
		}
	}
	return nil, nil
}

// execute records the transition, bumps the alert level and runs the rule's
// action. The level update only applies while the alert is still open at
// rule.FromLevel; otherwise nothing is written and nil is returned.
func (e *Engine) execute(ctx context.Context, alert *models.Alert, rule *models.EscalationRule, by models.TriggeredBy, reason string) (*models.Escalation, error) {
	if !validAction(rule.Action) {
		return nil, apperr.Configuration("rule %d has unknown action %q", rule.ID, rule.Action)
	}

	now := e.now()
	target := Target(alert.Store, rule.ToLevel)
	esc := &models.Escalation{
		StoreID:            alert.StoreID,
		AlertID:            alert.ID,
		FromLevel:          rule.FromLevel,
		ToLevel:            rule.ToLevel,
		Reason:             reason,
		TriggeredBy:        by,
		EscalatedAt:        now,
		EscalatedToRole:    target.Role,
		EscalatedToName:    target.Name,
		EscalatedToContact: target.Address,
		Status:             models.EscalationPending,
		Metadata: models.EscalationMetadata{
			KpiCode:       alert.KpiDefinition.KpiCode,
			HoursInStatus: int(now.Sub(alert.AlertDate).Hours()),
			RuleID:        rule.ID,
			Action:        string(rule.Action),
		},
	}

	applied := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Alert{}).
			Where("id = ? AND escalation_level = ? AND status IN ?", alert.ID, rule.FromLevel, models.OpenAlertStatuses).
			Update("escalation_level", rule.ToLevel)
		if res.Error != nil {
			return fmt.Errorf("failed to update alert level: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := tx.Create(esc).Error; err != nil {
			return fmt.Errorf("failed to create escalation: %w", err)
		}

		if rule.Action == models.ActionCreateTask || rule.Action == models.ActionRegionalEscalation {
			task := escalationTask(esc, alert, now)
			if err := tx.Create(task).Error; err != nil {
				return fmt.Errorf("failed to create escalation task: %w", err)
			}
			esc.TaskID = &task.ID
			if err := tx.Model(esc).Update("task_id", task.ID).Error; err != nil {
				return fmt.Errorf("failed to link escalation task: %w", err)
			}
		}

		if rule.ID != 0 {
			err := tx.Model(&models.EscalationRule{}).Where("id = ?", rule.ID).Updates(map[string]interface{}{
				"last_triggered": now,
				"trigger_count":  gorm.Expr("trigger_count + 1"),
			}).Error
			if err != nil {
				return fmt.Errorf("failed to update rule statistics: %w", err)
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		e.log.WithField("alert_id", alert.ID).Debug("alert changed since it was read, skipping")
		return nil, nil
	}
	alert.EscalationLevel = rule.ToLevel

	e.runSideEffects(ctx, esc, alert, rule.Action)

	metrics.EscalationsTotal.WithLabelValues(strconv.Itoa(esc.ToLevel), string(rule.Action)).Inc()
	e.publisher.Publish(ctx, events.Event{Type: events.EscalationCreated, StoreID: esc.StoreID, EntityID: esc.ID, Data: esc})
	e.log.WithFields(logrus.Fields{
		"alert_id":      alert.ID,
		"escalation_id": esc.ID,
		"from_level":    esc.FromLevel,
		"to_level":      esc.ToLevel,
		"action":        rule.Action,
	}).Info("alert escalated")
	return esc, nil
}

func validAction(action models.EscalationAction) bool {
	switch action {
	case models.ActionCreateTask, models.ActionSendAlert, models.ActionAiCall, models.ActionRegionalEscalation:
		return true
	default:
		return false
	}
}

// runSideEffects performs the parts of an action that leave the database.
// Their failures are recorded on the escalation, never returned.
func (e *Engine) runSideEffects(ctx context.Context, esc *models.Escalation, alert *models.Alert, action models.EscalationAction) {
	switch action {
	case models.ActionCreateTask:
	case models.ActionSendAlert, models.ActionRegionalEscalation:
		e.sendEscalationAlert(ctx, esc, alert)
	case models.ActionAiCall:
		e.scheduleCall(ctx, esc, alert)
	}
}

func escalationTask(esc *models.Escalation, alert *models.Alert, now time.Time) *models.Task {
	priority, due := 2, now.Add(24*time.Hour)
	if esc.ToLevel >= 3 {
		priority, due = 1, now.Add(6*time.Hour)
	}
	return &models.Task{
		AlertID:           &alert.ID,
		StoreID:           alert.StoreID,
		KpiDefinitionID:   &alert.KpiDefinitionID,
		TaskType:          models.TaskTypeEscalation,
		Priority:          priority,
		Title:             fmt.Sprintf("ESCALATED: %s - Level %d", alert.KpiDefinition.Name, esc.ToLevel),
		Description:       fmt.Sprintf("This issue has been escalated to Level %d.\n\nReason: %s\n\nImmediate action required.", esc.ToLevel, esc.Reason),
		AssignedToRole:    esc.EscalatedToRole,
		AssignedToName:    esc.EscalatedToName,
		AssignedToContact: esc.EscalatedToContact,
		Status:            models.TaskStatusPending,
		DueDate:           &due,
		Metadata: models.TaskMetadata{
			EscalationID:    &esc.ID,
			EscalationLevel: esc.ToLevel,
		},
	}
}

func (e *Engine) sendEscalationAlert(ctx context.Context, esc *models.Escalation, alert *models.Alert) {
	if e.notifier == nil {
		return
	}
	msg := notify.Message{
		Subject:   fmt.Sprintf("Level %d escalation: %s", esc.ToLevel, alert.Store.Name),
		Body:      fmt.Sprintf("%s\n\n%s", alert.Title, esc.Reason),
		Severity:  alert.Severity,
		StoreName: alert.Store.Name,
		Level:     esc.ToLevel,
	}
	if err := e.notifier.Send(ctx, esc.Target(), msg); err != nil {
		e.log.WithError(err).WithField("escalation_id", esc.ID).Warn("escalation notification failed")
		esc.Metadata.NotifyError = err.Error()
		e.saveMetadata(ctx, esc)
	}
}

func (e *Engine) scheduleCall(ctx context.Context, esc *models.Escalation, alert *models.Alert) {
	if e.calls == nil {
		e.log.WithField("escalation_id", esc.ID).Warn("no call scheduler configured")
		return
	}
	call, err := e.calls.ScheduleCall(ctx, esc, alert, alert.Store, alert.KpiDefinition)
	if call != nil {
		esc.Metadata.AiCallID = &call.ID
	}
	if err != nil {
		e.log.WithError(err).WithField("escalation_id", esc.ID).Error("failed to schedule ai call")
		esc.Metadata.NotifyError = err.Error()
	}
	e.saveMetadata(ctx, esc)
}

func (e *Engine) saveMetadata(ctx context.Context, esc *models.Escalation) {
	if err := e.db.WithContext(ctx).Model(esc).Select("metadata").Updates(esc).Error; err != nil {
		e.log.WithError(err).WithField("escalation_id", esc.ID).Warn("failed to save escalation metadata")
	}
}

// defaultAction is what a manual escalation to level does when no rule
// covers the transition.
func defaultAction(level int) models.EscalationAction {
	switch level {
	case 3:
		return models.ActionAiCall
	case 4:
		return models.ActionRegionalEscalation
	default:
		return models.ActionSendAlert
	}
}

// ManualEscalate raises an open alert to toLevel outside the SLA schedule.
// The action comes from the organization's rule for that transition when one
// exists.
func (e *Engine) ManualEscalate(ctx context.Context, alertID uint, toLevel int, reason string) (*models.Escalation, error) {
	var key models.Alert
	if err := e.db.WithContext(ctx).Select("id", "store_id", "kpi_definition_id").First(&key, alertID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("alert %d not found", alertID)
		}
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}
	unlock, err := e.locker.Lock(ctx, fmt.Sprintf("alert:%d:%d", key.StoreID, key.KpiDefinitionID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock alert: %w", err)
	}
	defer unlock()

	alert, err := e.loadAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status == models.AlertStatusResolved {
		return nil, apperr.Conflict("alert %d is resolved", alertID)
	}
	if toLevel <= alert.EscalationLevel || toLevel > models.MaxEscalationLevel {
		return nil, apperr.Validation("to_level must be between %d and %d", alert.EscalationLevel+1, models.MaxEscalationLevel)
	}

	rule := &models.EscalationRule{
		FromLevel: alert.EscalationLevel,
		ToLevel:   toLevel,
		Action:    defaultAction(toLevel),
	}
	var configured models.EscalationRule
	err = e.db.WithContext(ctx).
		Where("organization_id = ? AND is_active = ? AND from_level = ? AND to_level = ?",
			alert.Store.OrganizationID, true, alert.EscalationLevel, toLevel).
		Order("id").
		First(&configured).Error
	if err == nil {
		rule.Action = configured.Action
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load escalation rule: %w", err)
	}

	if reason == "" {
		reason = fmt.Sprintf("Manually escalated from Level %d to Level %d.", rule.FromLevel, toLevel)
	}
	esc, err := e.execute(ctx, alert, rule, models.TriggeredByManual, reason)
	if err != nil {
		return nil, err
	}
	if esc == nil {
		return nil, apperr.Conflict("alert %d changed while escalating", alertID)
	}
	return esc, nil
}

func (e *Engine) GetEscalation(ctx context.Context, id uint) (*models.Escalation, error) {
	var esc models.Escalation
	if err := e.db.WithContext(ctx).Preload("Alert.KpiDefinition").Preload("Store").First(&esc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("escalation %d not found", id)
		}
		return nil, fmt.Errorf("failed to load escalation: %w", err)
	}
	return &esc, nil
}

func (e *Engine) AcknowledgeEscalation(ctx context.Context, id uint, by string) (*models.Escalation, error) {
	esc, err := e.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if esc.Status != models.EscalationPending {
		return nil, apperr.Conflict("escalation %d is %s, not pending", id, esc.Status)
	}

	now := e.now()
	res := e.db.WithContext(ctx).Model(&models.Escalation{}).
		Where("id = ? AND status = ?", id, models.EscalationPending).
		Updates(map[string]interface{}{
			"status":          models.EscalationAcknowledged,
			"acknowledged_by": by,
			"acknowledged_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to acknowledge escalation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Conflict("escalation %d is no longer pending", id)
	}

	esc.Status = models.EscalationAcknowledged
	esc.AcknowledgedBy = by
	esc.AcknowledgedAt = &now
	return esc, nil
}

func (e *Engine) ResolveEscalation(ctx context.Context, id uint, note string) (*models.Escalation, error) {
	esc, err := e.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if esc.Status == models.EscalationResolved {
		return nil, apperr.Conflict("escalation %d is already resolved", id)
	}

	now := e.now()
	res := e.db.WithContext(ctx).Model(&models.Escalation{}).
		Where("id = ? AND status <> ?", id, models.EscalationResolved).
		Updates(map[string]interface{}{
			"status":          models.EscalationResolved,
			"resolved_at":     now,
			"resolution_note": note,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to resolve escalation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Conflict("escalation %d was resolved concurrently", id)
	}

	esc.Status = models.EscalationResolved
	esc.ResolvedAt = &now
	esc.ResolutionNote = note
	return esc, nil
}

// StoreEscalations returns a store's escalations, newest first.
func (e *Engine) StoreEscalations(ctx context.Context, storeID uint) ([]models.Escalation, error) {
	var escs []models.Escalation
	err := e.db.WithContext(ctx).
		Where("store_id = ?", storeID).
		Preload("Alert.KpiDefinition").
		Order("escalated_at DESC").
		Order("id DESC").
		Find(&escs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list store escalations: %w", err)
	}
	return escs, nil
}

// PendingEscalations returns unacknowledged escalations, highest level first.
func (e *Engine) PendingEscalations(ctx context.Context) ([]models.Escalation, error) {
	var escs []models.Escalation
	err := e.db.WithContext(ctx).
		Where("status = ?", models.EscalationPending).
		Preload("Store").
		Preload("Alert.KpiDefinition").
		Order("to_level DESC").
		Order("escalated_at ASC").
		Find(&escs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending escalations: %w", err)
	}
	return escs, nil
}
