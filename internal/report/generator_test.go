package report

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jordan-wright/email"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/storehealth/internal/apperr"
	"github.com/storehealth/internal/database"
	"github.com/storehealth/internal/health"
	"github.com/storehealth/internal/logging"
	"github.com/storehealth/internal/models"
	"github.com/storehealth/internal/seed"
)

var day = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

type staticOverview struct{}

func (staticOverview) DashboardOverview(_ context.Context, date time.Time) (*health.Overview, error) {
	return &health.Overview{
		Date:                  date,
		TotalStores:           3,
		GreenStores:           1,
		YellowStores:          1,
		RedStores:             1,
		StoresRequiringAction: 2,
		AverageHealthScore:    53.3,
		CriticalStores: []health.CriticalStore{
			{StoreID: 1, StoreCode: "RP-001", StoreName: "Downtown RP", OverallStatus: models.StatusRed, HealthScore: 20},
		},
	}, nil
}

type outbox struct {
	sent []*email.Email
	err  error
}

func (o *outbox) Send(e *email.Email) error {
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, e)
	return nil
}

func setup(t *testing.T, sender Sender, recipients ...string) (*gorm.DB, *seed.Demo, *Generator) {
	t.Helper()
	db, err := database.OpenMemory(strings.ReplaceAll(t.Name(), "/", "_"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	demo, err := seed.Create(db, "RP")
	require.NoError(t, err)

	g := NewGenerator(db, staticOverview{}, sender, "reports@example.com", recipients, logging.Discard())
	g.Now = func() time.Time { return day.Add(20 * time.Hour) }
	return db, demo, g
}

func addAlert(t *testing.T, db *gorm.DB, demo *seed.Demo, code string, severity models.AlertSeverity, status models.AlertStatus, created time.Time) {
	t.Helper()
	expires := created.Add(24 * time.Hour)
	require.NoError(t, db.Create(&models.Alert{
		Model:           gorm.Model{CreatedAt: created},
		StoreID:         demo.Store.ID,
		KpiDefinitionID: demo.Kpis[code].ID,
		AlertDate:       models.Day(created),
		Severity:        severity,
		Status:          status,
		Title:           "Alert on " + code,
		ExpiresAt:       &expires,
	}).Error)
}

func TestCollectSummarizesWindow(t *testing.T) {
	db, demo, g := setup(t, nil)

	addAlert(t, db, demo, "sales", models.SeverityRed, models.AlertStatusActive, day.Add(-48*time.Hour))
	addAlert(t, db, demo, "sales", models.SeverityRed, models.AlertStatusActive, day.Add(9*time.Hour))
	addAlert(t, db, demo, "traffic", models.SeverityYellow, models.AlertStatusResolved, day.Add(10*time.Hour))

	data, err := g.Collect(context.Background(), models.ReportTypeDaily, day)
	require.NoError(t, err)

	assert.Equal(t, day, data.StartTime)
	assert.Equal(t, day.Add(24*time.Hour), data.EndTime)
	assert.Equal(t, 2, data.AlertSummary.TotalAlerts)
	assert.Equal(t, 1, data.AlertSummary.RedAlerts)
	assert.Equal(t, 1, data.AlertSummary.Resolved)
	require.Len(t, data.AlertSummary.TopKpis, 2)
	assert.Equal(t, "Sales Performance", data.AlertSummary.TopKpis[0].KpiName)
	assert.Equal(t, []string{"Downtown RP"}, data.AlertSummary.TopKpis[0].TopStores)

	// The two-day-old sales alert expired before the window closed.
	require.Len(t, data.Overdue, 1)
	assert.Equal(t, "Downtown RP", data.Overdue[0].StoreName)

	weekly, err := g.Collect(context.Background(), models.ReportTypeWeekly, day)
	require.NoError(t, err)
	assert.Equal(t, 3, weekly.AlertSummary.TotalAlerts)

	_, err = g.Collect(context.Background(), "monthly", day)
	assert.True(t, apperr.IsValidation(err))
}

func TestRenderIncludesOverviewAndAlerts(t *testing.T) {
	db, demo, g := setup(t, nil)
	addAlert(t, db, demo, "sales", models.SeverityRed, models.AlertStatusActive, day.Add(time.Hour))

	e, err := g.GenerateReport(context.Background(), models.ReportTypeDaily, day)
	require.NoError(t, err)

	assert.Equal(t, "Store Health Daily Report (2024-03-15 - 2024-03-15)", e.Subject)
	assert.Equal(t, "reports@example.com", e.From)
	html := string(e.HTML)
	assert.Contains(t, html, "Downtown RP (RP-001)")
	assert.Contains(t, html, "53.3")
	assert.Contains(t, html, "Sales Performance")
}

func TestSendMergesSubscriptions(t *testing.T) {
	box := &outbox{}
	db, _, g := setup(t, box, "ops@example.com")

	require.NoError(t, db.Create(&models.ReportSubscription{
		Name:       "regional",
		Type:       models.ReportTypeDaily,
		Recipients: []string{"rita@example.com", "ops@example.com"},
		IsEnabled:  true,
	}).Error)
	require.NoError(t, db.Create(&models.ReportSubscription{
		Name:       "weekly-only",
		Type:       models.ReportTypeWeekly,
		Recipients: []string{"exec@example.com"},
		IsEnabled:  true,
	}).Error)

	res, err := g.Send(context.Background(), models.ReportTypeDaily, day)
	require.NoError(t, err)
	assert.Equal(t, []string{"ops@example.com", "rita@example.com"}, res.Recipients)
	require.Len(t, box.sent, 1)
	assert.Equal(t, res.Recipients, box.sent[0].To)

	var sub models.ReportSubscription
	require.NoError(t, db.Where("name = ?", "regional").First(&sub).Error)
	require.NotNil(t, sub.LastSentAt)
}

func TestSendErrors(t *testing.T) {
	t.Run("no sender", func(t *testing.T) {
		_, _, g := setup(t, nil, "ops@example.com")
		_, err := g.Send(context.Background(), models.ReportTypeDaily, day)
		assert.True(t, apperr.IsConfiguration(err))
	})

	t.Run("no recipients", func(t *testing.T) {
		_, _, g := setup(t, &outbox{})
		_, err := g.Send(context.Background(), models.ReportTypeDaily, day)
		assert.True(t, apperr.IsConfiguration(err))
	})

	t.Run("smtp failure", func(t *testing.T) {
		_, _, g := setup(t, &outbox{err: errors.New("connection refused")}, "ops@example.com")
		_, err := g.Send(context.Background(), models.ReportTypeDaily, day)
		assert.True(t, apperr.IsExternal(err))
	})
}
