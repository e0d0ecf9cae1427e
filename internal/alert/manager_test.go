package alert

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/storehealth/internal/apperr"
	"github.com/storehealth/internal/database"
	"github.com/storehealth/internal/events"
	"github.com/storehealth/internal/lock"
	"github.com/storehealth/internal/logging"
	"github.com/storehealth/internal/models"
	"github.com/storehealth/internal/seed"
)

var t0 = time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func setup(t *testing.T) (*gorm.DB, *seed.Demo, *Manager, *recorder) {
	t.Helper()
	db, err := database.OpenMemory(strings.ReplaceAll(t.Name(), "/", "_"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	demo, err := seed.Create(db, "AL")
	require.NoError(t, err)

	rec := &recorder{}
	m := NewManager(db, lock.NewLocal(), rec, logging.Discard())
	m.Now = func() time.Time { return t0 }
	return db, demo, m, rec
}

func metric(t *testing.T, db *gorm.DB, demo *seed.Demo, code string, status models.KpiStatus, variance float64) *models.KpiMetric {
	t.Helper()
	baseline := 100.0
	m := &models.KpiMetric{
		StoreID:         demo.Store.ID,
		KpiDefinitionID: demo.Kpis[code].ID,
		MetricDate:      models.Day(t0),
		Value:           100 + variance,
		ComparisonValue: &baseline,
		VariancePct:     variance,
		Status:          status,
	}
	require.NoError(t, db.Create(m).Error)
	return m
}

func TestGreenMetricIsNoop(t *testing.T) {
	db, demo, m, _ := setup(t)

	result, err := m.CreateAlert(context.Background(), demo.Store.ID, metric(t, db, demo, "sales", models.StatusGreen, 1))
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestSingleYellowAlert(t *testing.T) {
	db, demo, m, rec := setup(t)

	result, err := m.CreateAlert(context.Background(), demo.Store.ID, metric(t, db, demo, "sales", models.StatusYellow, -12))
	require.NoError(t, err)
	require.True(t, result.Created)

	a := result.Alert
	assert.Equal(t, models.SeverityYellow, a.Severity)
	assert.Equal(t, 1, a.EscalationLevel)
	assert.False(t, a.RequiresAcknowledgment)
	assert.Equal(t, models.AlertStatusActive, a.Status)
	assert.Equal(t, "🟨 Sales Performance 12.0% below target", a.Title)
	assert.True(t, strings.HasPrefix(a.Message, "Downtown AL: Sales Performance is 12.0% below the baseline.\n\nCurrent Value: 88 $\nBaseline: 100 $\nVariance: -12.0%"))
	assert.Contains(t, a.Message, "ATTENTION NEEDED")
	require.NotNil(t, a.ExpiresAt)
	assert.Equal(t, t0.Add(48*time.Hour), a.ExpiresAt.UTC())
	assert.Equal(t, "sales", a.Metadata.KpiCode)

	task := result.Task
	require.NotNil(t, task)
	assert.Equal(t, 3, task.Priority)
	assert.Equal(t, models.TaskTypeReview, task.TaskType)
	assert.Equal(t, "Review Sales Performance - YELLOW", task.Title)
	assert.Equal(t, models.RoleStoreManager, task.AssignedToRole)
	assert.Equal(t, "+15550000300", task.AssignedToContact)
	assert.Equal(t, a.ExpiresAt, task.DueDate)
	assert.True(t, strings.HasPrefix(task.Description, "Sales Performance is tracking YELLOW status.\n\nRecommended Actions:\n1. Review current promotions and pricing"))

	assert.Equal(t, []events.Type{events.AlertCreated}, rec.types())
}

func TestRedAlertUsesCategorySLA(t *testing.T) {
	db, demo, m, _ := setup(t)

	result, err := m.CreateAlert(context.Background(), demo.Store.ID, metric(t, db, demo, "inventory_oos_rate", models.StatusRed, 40))
	require.NoError(t, err)

	a := result.Alert
	assert.Equal(t, models.SeverityRed, a.Severity)
	assert.Equal(t, 2, a.EscalationLevel)
	assert.True(t, a.RequiresAcknowledgment)
	assert.Equal(t, "🔴 Out-of-Stock Rate 40.0% above target", a.Title)
	assert.Contains(t, a.Message, "IMMEDIATE ACTION REQUIRED")
	assert.Equal(t, t0.Add(72*time.Hour), a.ExpiresAt.UTC())
	assert.Equal(t, 1, result.Task.Priority)
	assert.Equal(t, models.TaskTypeAction, result.Task.TaskType)
	assert.Equal(t, RecommendedActions("inventory"), result.Task.Metadata.RecommendedActions)
}

func TestAbsoluteKpiAlertDescribesValueAgainstTarget(t *testing.T) {
	db, demo, m, _ := setup(t)

	target := 95.0
	labor := &models.KpiMetric{
		StoreID:         demo.Store.ID,
		KpiDefinitionID: demo.Kpis["labor_coverage"].ID,
		MetricDate:      models.Day(t0),
		Value:           80,
		ComparisonType:  models.BasisAbsolute,
		Target:          &target,
		Status:          models.StatusRed,
	}
	require.NoError(t, db.Create(labor).Error)

	result, err := m.CreateAlert(context.Background(), demo.Store.ID, labor)
	require.NoError(t, err)

	a := result.Alert
	assert.Equal(t, "🔴 Labor Coverage Ratio at 80% (target ≥ 95%)", a.Title)
	assert.True(t, strings.HasPrefix(a.Message, "Downtown AL: Labor Coverage Ratio at 80% (target ≥ 95%).\n\nCurrent Value: 80 %\nTarget: 95 %"))
	assert.NotContains(t, a.Message, "0.0%")
}

func TestDeduplicatesOpenAlert(t *testing.T) {
	db, demo, m, _ := setup(t)
	ctx := context.Background()
	breach := metric(t, db, demo, "traffic", models.StatusRed, -20)

	first, err := m.CreateAlert(ctx, demo.Store.ID, breach)
	require.NoError(t, err)
	_, err = m.AcknowledgeAlert(ctx, first.Alert.ID, "morgan")
	require.NoError(t, err)

	second, err := m.CreateAlert(ctx, demo.Store.ID, breach)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Nil(t, second.Task)
	assert.Equal(t, first.Alert.ID, second.Alert.ID)

	var open int64
	require.NoError(t, db.Model(&models.Alert{}).Where("status IN ?", models.OpenAlertStatuses).Count(&open).Error)
	assert.Equal(t, int64(1), open)
}

func TestConcurrentCreateKeepsOneOpenAlert(t *testing.T) {
	db, demo, m, _ := setup(t)
	breach := metric(t, db, demo, "sales", models.StatusRed, -30)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CreateAlert(context.Background(), demo.Store.ID, breach)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var count int64
	require.NoError(t, db.Model(&models.Alert{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAcknowledgeRequiresActive(t *testing.T) {
	db, demo, m, _ := setup(t)
	ctx := context.Background()
	result, err := m.CreateAlert(ctx, demo.Store.ID, metric(t, db, demo, "sales", models.StatusRed, -10))
	require.NoError(t, err)

	acked, err := m.AcknowledgeAlert(ctx, result.Alert.ID, "morgan")
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusAcknowledged, acked.Status)
	assert.Equal(t, "morgan", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)

	_, err = m.AcknowledgeAlert(ctx, result.Alert.ID, "morgan")
	assert.True(t, apperr.IsConflict(err))

	_, err = m.AcknowledgeAlert(ctx, 4242, "morgan")
	assert.True(t, apperr.IsNotFound(err))
}

func TestResolveCascadesToOpenTasks(t *testing.T) {
	db, demo, m, rec := setup(t)
	ctx := context.Background()
	result, err := m.CreateAlert(ctx, demo.Store.ID, metric(t, db, demo, "sales", models.StatusRed, -10))
	require.NoError(t, err)
	alertID := result.Alert.ID

	inProgress := &models.Task{AlertID: &alertID, StoreID: demo.Store.ID, Title: "follow up", Status: models.TaskStatusInProgress}
	require.NoError(t, m.CreateTask(ctx, inProgress))
	earlier := t0.Add(-time.Hour)
	done := &models.Task{AlertID: &alertID, StoreID: demo.Store.ID, Title: "done", Status: models.TaskStatusCompleted, CompletedAt: &earlier, CompletedBy: "dan"}
	require.NoError(t, m.CreateTask(ctx, done))

	resolved, err := m.ResolveAlert(ctx, alertID, "morgan", "promo fixed")
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, resolved.Status)
	assert.Equal(t, "promo fixed", resolved.ResolutionNote)

	tasks, err := m.ListTasks(ctx, TaskFilter{AlertID: alertID})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, models.TaskStatusCompleted, task.Status)
		if task.ID == done.ID {
			assert.Equal(t, "dan", task.CompletedBy)
			assert.True(t, earlier.Equal(*task.CompletedAt))
		} else {
			assert.Equal(t, "morgan", task.CompletedBy)
		}
	}

	_, err = m.ResolveAlert(ctx, alertID, "morgan", "")
	assert.True(t, apperr.IsConflict(err))
	assert.Contains(t, rec.types(), events.AlertResolved)
}

func TestProcessStoreKpis(t *testing.T) {
	db, demo, m, _ := setup(t)
	ctx := context.Background()

	sales := metric(t, db, demo, "sales", models.StatusRed, -15)
	metric(t, db, demo, "traffic", models.StatusYellow, -4)
	metric(t, db, demo, "conversion_rate", models.StatusGreen, 0)

	items, err := m.ProcessStoreKpis(ctx, demo.Store.ID, t0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Empty(t, item.Error)
		assert.True(t, item.Result.Created)
	}

	// Next day sales recovers.
	require.NoError(t, db.Model(sales).Update("status", models.StatusGreen).Error)
	items, err = m.ProcessStoreKpis(ctx, demo.Store.ID, t0)
	require.NoError(t, err)

	var resolved *models.Alert
	for _, item := range items {
		if item.KpiCode == "sales" {
			resolved = item.Resolved
		}
	}
	require.NotNil(t, resolved)
	assert.Equal(t, SystemActor, resolved.ResolvedBy)

	active, err := m.ActiveAlerts(ctx, demo.Store.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "traffic", active[0].KpiDefinition.KpiCode)
}

func TestOverdueAlerts(t *testing.T) {
	db, demo, m, _ := setup(t)
	ctx := context.Background()
	_, err := m.CreateAlert(ctx, demo.Store.ID, metric(t, db, demo, "sales", models.StatusRed, -10))
	require.NoError(t, err)
	_, err = m.CreateAlert(ctx, demo.Store.ID, metric(t, db, demo, "inventory_oos_rate", models.StatusRed, 50))
	require.NoError(t, err)

	m.Now = func() time.Time { return t0.Add(25 * time.Hour) }
	overdue, err := m.OverdueAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "sales", overdue[0].KpiDefinition.KpiCode)
	require.NotNil(t, overdue[0].Store)
}

func TestTaskTransitions(t *testing.T) {
	_, demo, m, _ := setup(t)
	ctx := context.Background()

	task := &models.Task{StoreID: demo.Store.ID, Title: "Count backroom", TaskType: models.TaskTypeAction, Priority: 2}
	require.NoError(t, m.CreateTask(ctx, task))
	assert.Equal(t, models.TaskStatusPending, task.Status)

	started, err := m.StartTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, started.Status)

	_, err = m.StartTask(ctx, task.ID)
	assert.True(t, apperr.IsConflict(err))

	done, err := m.CompleteTask(ctx, task.ID, "morgan", "counted")
	require.NoError(t, err)
	assert.Equal(t, "counted", done.Outcome)

	_, err = m.CompleteTask(ctx, task.ID, "morgan", "again")
	assert.True(t, apperr.IsConflict(err))

	assert.True(t, apperr.IsValidation(m.CreateTask(ctx, &models.Task{StoreID: demo.Store.ID})))
}
