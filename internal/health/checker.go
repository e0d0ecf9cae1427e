// Package health rolls a store's daily KPI statuses up into a health
// snapshot and builds the cross-store dashboard from those snapshots.
package health

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
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

const (
	weightGreen  = 100
	weightYellow = 60
	weightRed    = 0
)

type Checker struct {
	db        *gorm.DB
	locker    lock.Locker
	publisher events.Publisher
	log       logrus.FieldLogger
	Now       func() time.Time
}

func NewChecker(db *gorm.DB, locker lock.Locker, publisher events.Publisher, log logrus.FieldLogger) *Checker {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Checker{
		db:        db,
		locker:    locker,
		publisher: publisher,
		log:       log,
		Now:       time.Now,
	}
}

// Report is a stored snapshot together with the metrics it was computed from.
type Report struct {
	Snapshot *models.StoreHealthSnapshot `json:"snapshot"`
	Metrics  []models.KpiMetric          `json:"kpi_metrics"`
}

type StoreResult struct {
	StoreID   uint    `json:"store_id"`
	StoreCode string  `json:"store_code"`
	StoreName string  `json:"store_name"`
	Report    *Report `json:"report,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type BatchResult struct {
	Date     time.Time     `json:"date"`
	Stores   []StoreResult `json:"stores"`
	Overview *Overview     `json:"overview"`
}

type CriticalStore struct {
	StoreID         uint             `json:"store_id"`
	StoreCode       string           `json:"store_code"`
	StoreName       string           `json:"store_name"`
	OverallStatus   models.KpiStatus `json:"overall_status"`
	HealthScore     float64          `json:"health_score"`
	EscalationLevel int              `json:"escalation_level"`
}

type Overview struct {
	Date                  time.Time       `json:"date"`
	TotalStores           int             `json:"total_stores"`
	GreenStores           int             `json:"green_stores"`
	YellowStores          int             `json:"yellow_stores"`
	RedStores             int             `json:"red_stores"`
	StoresRequiringAction int             `json:"stores_requiring_action"`
	AverageHealthScore    float64         `json:"average_health_score"`
	CriticalStores        []CriticalStore `json:"critical_stores"`
}

func (c *Checker) day(date time.Time) time.Time {
	if date.IsZero() {
		date = c.Now()
	}
	return models.Day(date)
}

// CheckStoreHealth recomputes the (store, date) snapshot from the stored KPI
// metrics. It returns nil without error when the store has no metrics for
// that date.
func (c *Checker) CheckStoreHealth(ctx context.Context, storeID uint, date time.Time) (*Report, error) {
	date = c.day(date)
	db := c.db.WithContext(ctx)

	var store models.Store
	if err := db.First(&store, storeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("store %d not found", storeID)
		}
		return nil, fmt.Errorf("failed to load store: %w", err)
	}

	var kpis []models.KpiMetric
	err := db.Where("store_id = ? AND metric_date = ?", storeID, date).
		Preload("KpiDefinition").
		Order("kpi_definition_id").
		Find(&kpis).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load kpi metrics: %w", err)
	}
	if len(kpis) == 0 {
		c.log.WithFields(logrus.Fields{"store_id": storeID, "date": date.Format("2006-01-02")}).Debug("no metrics for store")
		return nil, nil
	}

	snapshot := Assess(kpis)
	snapshot.StoreID = storeID
	snapshot.SnapshotDate = date

	unlock, err := c.locker.Lock(ctx, fmt.Sprintf("snapshot:%d:%s", storeID, date.Format("2006-01-02")))
	if err != nil {
		return nil, fmt.Errorf("failed to lock snapshot: %w", err)
	}
	defer unlock()

	if err := c.upsert(ctx, &snapshot); err != nil {
		return nil, err
	}

	metrics.SnapshotsTotal.WithLabelValues(string(snapshot.OverallStatus)).Inc()
	c.publisher.Publish(ctx, events.Event{
		Type:     events.SnapshotUpdated,
		StoreID:  storeID,
		EntityID: snapshot.ID,
		Data:     snapshot,
	})
	c.log.WithFields(logrus.Fields{
		"store_id":     storeID,
		"status":       snapshot.OverallStatus,
		"health_score": snapshot.HealthScore,
	}).Info("store health updated")

	return &Report{Snapshot: &snapshot, Metrics: kpis}, nil
}

func (c *Checker) upsert(ctx context.Context, snapshot *models.StoreHealthSnapshot) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.StoreHealthSnapshot
		err := tx.Where("store_id = ? AND snapshot_date = ?", snapshot.StoreID, snapshot.SnapshotDate).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(snapshot).Error; err != nil {
				return fmt.Errorf("failed to create snapshot: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("failed to load snapshot: %w", err)
		}

		snapshot.ID = existing.ID
		snapshot.CreatedAt = existing.CreatedAt
		if err := tx.Save(snapshot).Error; err != nil {
			return fmt.Errorf("failed to update snapshot: %w", err)
		}
		return nil
	})
}

// Assess derives every snapshot field except the store and date from a day's
// metrics. Each metric must have its KpiDefinition loaded.
func Assess(kpis []models.KpiMetric) models.StoreHealthSnapshot {
	var red, yellow, green int
	for _, m := range kpis {
		switch m.Status {
		case models.StatusRed:
			red++
		case models.StatusYellow:
			yellow++
		case models.StatusGreen:
			green++
		}
	}
	total := red + yellow + green

	overall := models.StatusGreen
	level := 0
	switch {
	// Two yellows compound into a red incident.
	case red > 0 || yellow >= 2:
		overall = models.StatusRed
		level = 2
	case yellow == 1:
		overall = models.StatusYellow
		level = 1
	}

	score := 100.0
	if total > 0 {
		score = math.Round(float64(green*weightGreen+yellow*weightYellow+red*weightRed)/float64(total)*100) / 100
	}

	return models.StoreHealthSnapshot{
		OverallStatus:   overall,
		HealthScore:     score,
		RedKpiCount:     red,
		YellowKpiCount:  yellow,
		GreenKpiCount:   green,
		EscalationLevel: level,
		ActionRequired:  red > 0 || yellow > 1,
		Summary:         summarize(kpis, overall, total),
		Metadata: models.SnapshotMetadata{
			TotalKpisTracked: len(kpis),
			CriticalKpis:     criticalKpis(kpis),
		},
	}
}

func kpiName(m models.KpiMetric) string {
	if m.KpiDefinition == nil {
		return fmt.Sprintf("KPI %d", m.KpiDefinitionID)
	}
	return m.KpiDefinition.Name
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func summarize(kpis []models.KpiMetric, overall models.KpiStatus, total int) string {
	var reds, yellows []models.KpiMetric
	for _, m := range kpis {
		switch m.Status {
		case models.StatusRed:
			reds = append(reds, m)
		case models.StatusYellow:
			yellows = append(yellows, m)
		}
	}

	switch overall {
	case models.StatusGreen:
		return fmt.Sprintf("Store is healthy. All %d KPIs are tracking within normal ranges.", total)
	case models.StatusYellow:
		m := yellows[0]
		if m.ComparisonType == models.BasisAbsolute && m.Target != nil {
			return fmt.Sprintf("Store has one area of concern. %s is at %s against a target of %s. Review recommended.",
				kpiName(m), formatNumber(m.Value), formatNumber(*m.Target))
		}
		direction := "below"
		if m.VariancePct > 0 {
			direction = "above"
		}
		return fmt.Sprintf("Store has one area of concern. %s is %.1f%% %s target. Review recommended.",
			kpiName(m), math.Abs(m.VariancePct), direction)
	}

	issues := make([]string, 0, len(reds)+1)
	for _, m := range reds {
		if m.ComparisonType == models.BasisAbsolute && m.Target != nil {
			issues = append(issues, fmt.Sprintf("%s is critical (%s against a target of %s)", kpiName(m), formatNumber(m.Value), formatNumber(*m.Target)))
			continue
		}
		issues = append(issues, fmt.Sprintf("%s is critical (%.1f%% variance)", kpiName(m), m.VariancePct))
	}
	if len(yellows) > 1 {
		issues = append(issues, fmt.Sprintf("%d KPIs below target", len(yellows)))
	}
	return fmt.Sprintf("Store requires immediate attention. %s. Immediate action required.", strings.Join(issues, ". "))
}

// criticalKpis lists every red KPI plus yellow labor KPIs.
func criticalKpis(kpis []models.KpiMetric) []models.CriticalKpi {
	critical := []models.CriticalKpi{}
	for _, m := range kpis {
		labor := m.KpiDefinition != nil && m.KpiDefinition.Category == models.CategoryLabor
		if m.Status != models.StatusRed && !(m.Status == models.StatusYellow && labor) {
			continue
		}
		c := models.CriticalKpi{KpiName: kpiName(m), Status: m.Status, VariancePct: m.VariancePct}
		if m.KpiDefinition != nil {
			c.KpiCode = m.KpiDefinition.KpiCode
		}
		critical = append(critical, c)
	}
	return critical
}

// CheckAllStores checks every active store and returns the per-store results
// with the resulting dashboard. A failing store is reported in its result.
func (c *Checker) CheckAllStores(ctx context.Context, date time.Time) (*BatchResult, error) {
	date = c.day(date)

	var stores []models.Store
	if err := c.db.WithContext(ctx).Where("status = ?", models.StoreActive).Order("id").Find(&stores).Error; err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}

	result := &BatchResult{Date: date, Stores: make([]StoreResult, 0, len(stores))}
	for _, store := range stores {
		report, err := c.CheckStoreHealth(ctx, store.ID, date)
		if err != nil {
			c.log.WithError(err).WithField("store_id", store.ID).Error("failed to check store health")
			result.Stores = append(result.Stores, StoreResult{
				StoreID:   store.ID,
				StoreCode: store.StoreCode,
				StoreName: store.Name,
				Error:     err.Error(),
			})
			continue
		}
		if report == nil {
			continue
		}
		result.Stores = append(result.Stores, StoreResult{
			StoreID:   store.ID,
			StoreCode: store.StoreCode,
			StoreName: store.Name,
			Report:    report,
		})
	}

	overview, err := c.DashboardOverview(ctx, date)
	if err != nil {
		return nil, err
	}
	result.Overview = overview
	return result, nil
}

// StoresRequiringAction returns the day's snapshots flagged for action, most
// escalated and least healthy first.
func (c *Checker) StoresRequiringAction(ctx context.Context, date time.Time) ([]models.StoreHealthSnapshot, error) {
	var snapshots []models.StoreHealthSnapshot
	err := c.db.WithContext(ctx).
		Where("snapshot_date = ? AND action_required = ?", c.day(date), true).
		Preload("Store").
		Order("escalation_level DESC").
		Order("health_score ASC").
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stores requiring action: %w", err)
	}
	return snapshots, nil
}

// Snapshots returns a store's snapshots for the last days days, newest first.
func (c *Checker) Snapshots(ctx context.Context, storeID uint, days int) ([]models.StoreHealthSnapshot, error) {
	if days <= 0 {
		days = 7
	}
	since := c.day(time.Time{}).AddDate(0, 0, -days+1)

	var snapshots []models.StoreHealthSnapshot
	err := c.db.WithContext(ctx).
		Where("store_id = ? AND snapshot_date >= ?", storeID, since).
		Order("snapshot_date DESC").
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return snapshots, nil
}

func (c *Checker) DashboardOverview(ctx context.Context, date time.Time) (*Overview, error) {
	date = c.day(date)

	var snapshots []models.StoreHealthSnapshot
	err := c.db.WithContext(ctx).
		Where("snapshot_date = ?", date).
		Preload("Store").
		Order("store_id").
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}

	overview := &Overview{
		Date:           date,
		TotalStores:    len(snapshots),
		CriticalStores: []CriticalStore{},
	}
	var scoreSum float64
	for _, s := range snapshots {
		switch s.OverallStatus {
		case models.StatusGreen:
			overview.GreenStores++
		case models.StatusYellow:
			overview.YellowStores++
		case models.StatusRed:
			overview.RedStores++
		}
		if s.ActionRequired {
			overview.StoresRequiringAction++
		}
		scoreSum += s.HealthScore

		if s.EscalationLevel >= 2 {
			cs := CriticalStore{
				StoreID:         s.StoreID,
				OverallStatus:   s.OverallStatus,
				HealthScore:     s.HealthScore,
				EscalationLevel: s.EscalationLevel,
			}
			if s.Store != nil {
				cs.StoreCode = s.Store.StoreCode
				cs.StoreName = s.Store.Name
			}
			overview.CriticalStores = append(overview.CriticalStores, cs)
		}
	}
	if len(snapshots) > 0 {
		overview.AverageHealthScore = math.Round(scoreSum/float64(len(snapshots))*100) / 100
	}
	return overview, nil
}
