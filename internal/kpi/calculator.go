package kpi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/storehealth/internal/apperr"
	"github.com/storehealth/internal/lock"
	"github.com/storehealth/internal/metrics"
	"github.com/storehealth/internal/models"
)

const rollingWindowDays = 28

// Calculator turns a raw observation into a KpiMetric judged against the
// store's threshold and baseline.
type Calculator struct {
	db     *gorm.DB
	locker lock.Locker
	log    logrus.FieldLogger
	Now    func() time.Time
}

func NewCalculator(db *gorm.DB, locker lock.Locker, log logrus.FieldLogger) *Calculator {
	return &Calculator{
		db:     db,
		locker: locker,
		log:    log,
		Now:    time.Now,
	}
}

type Input struct {
	StoreID  uint              `json:"store_id"`
	KpiCode  string            `json:"kpi_code"`
	Date     time.Time         `json:"metric_date"`
	Value    *float64          `json:"value"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type Result struct {
	Metric     *models.KpiMetric     `json:"metric"`
	Definition *models.KpiDefinition `json:"kpi_definition"`
	Threshold  *models.KpiThreshold  `json:"threshold"`
}

type BatchItem struct {
	KpiCode string  `json:"kpi_code"`
	Result  *Result `json:"result,omitempty"`
	Error   string  `json:"error,omitempty"`
}

func (in Input) validate() error {
	if in.StoreID == 0 {
		return apperr.Validation("store_id is required")
	}
	if in.KpiCode == "" {
		return apperr.Validation("kpi_code is required")
	}
	if in.Value == nil {
		return apperr.Validation("value is required")
	}
	if math.IsNaN(*in.Value) || math.IsInf(*in.Value, 0) {
		return apperr.Validation("value must be a finite number")
	}
	return nil
}

// Calculate stores the metric for (store, kpi, date), replacing an earlier
// calculation for the same key.
func (c *Calculator) Calculate(ctx context.Context, in Input) (*Result, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	date := in.Date
	if date.IsZero() {
		date = c.Now()
	}
	date = models.Day(date)

	db := c.db.WithContext(ctx)

	var store models.Store
	if err := db.First(&store, in.StoreID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("store %d not found", in.StoreID)
		}
		return nil, fmt.Errorf("failed to load store: %w", err)
	}

	var def models.KpiDefinition
	err := db.Where("organization_id = ? AND kpi_code = ?", store.OrganizationID, in.KpiCode).First(&def).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !def.IsActive) {
		return nil, apperr.NotFound("kpi definition %q not found", in.KpiCode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kpi definition: %w", err)
	}

	threshold, err := c.resolveThreshold(ctx, &def, &store)
	if err != nil {
		return nil, err
	}

	comparison, err := c.comparisonBaseline(ctx, store.ID, def.ID, date, threshold.ComparisonBasis)
	if err != nil {
		return nil, err
	}

	variance := variancePct(*in.Value, comparison)
	// Absolute KPIs have no baseline; their thresholds are in the value's own unit.
	judged := variance
	var target *float64
	if threshold.ComparisonBasis == models.BasisAbsolute {
		judged = *in.Value
		green := threshold.GreenMin
		target = &green
	}
	metric := &models.KpiMetric{
		StoreID:         store.ID,
		KpiDefinitionID: def.ID,
		MetricDate:      date,
		Value:           *in.Value,
		ComparisonValue: comparison,
		ComparisonType:  threshold.ComparisonBasis,
		VariancePct:     variance,
		Target:          target,
		Status:          DetermineStatus(judged, threshold),
		Metadata:        in.Metadata,
	}

	unlock, err := c.locker.Lock(ctx, fmt.Sprintf("kpi:%d:%d:%s", store.ID, def.ID, date.Format("2006-01-02")))
	if err != nil {
		return nil, fmt.Errorf("failed to lock kpi metric: %w", err)
	}
	defer unlock()

	if err := c.upsert(ctx, metric); err != nil {
		return nil, err
	}

	metrics.KpiMetricsTotal.WithLabelValues(def.KpiCode, string(metric.Status)).Inc()
	c.log.WithFields(logrus.Fields{
		"store_id": store.ID,
		"kpi_code": def.KpiCode,
		"status":   metric.Status,
		"variance": variance,
	}).Debug("kpi calculated")

	metric.KpiDefinition = &def
	return &Result{Metric: metric, Definition: &def, Threshold: threshold}, nil
}

// CalculateBatch calculates each value independently. A failing KPI is
// reported in its item and does not undo the others.
func (c *Calculator) CalculateBatch(ctx context.Context, storeID uint, date time.Time, values map[string]float64) []BatchItem {
	codes := make([]string, 0, len(values))
	for code := range values {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	items := make([]BatchItem, 0, len(codes))
	for _, code := range codes {
		value := values[code]
		result, err := c.Calculate(ctx, Input{StoreID: storeID, KpiCode: code, Date: date, Value: &value})
		item := BatchItem{KpiCode: code, Result: result}
		if err != nil {
			item.Error = err.Error()
			c.log.WithError(err).WithFields(logrus.Fields{"store_id": storeID, "kpi_code": code}).Warn("kpi calculation failed")
		}
		items = append(items, item)
	}
	return items
}

// resolveThreshold prefers a store-specific threshold over the organization
// default.
func (c *Calculator) resolveThreshold(ctx context.Context, def *models.KpiDefinition, store *models.Store) (*models.KpiThreshold, error) {
	db := c.db.WithContext(ctx)

	var thresholds []models.KpiThreshold
	err := db.Where("kpi_definition_id = ? AND (store_id = ? OR store_id IS NULL)", def.ID, store.ID).
		Order("id").Find(&thresholds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load thresholds: %w", err)
	}

	var orgDefault *models.KpiThreshold
	for i := range thresholds {
		t := &thresholds[i]
		if t.StoreID != nil {
			return t, nil
		}
		if orgDefault == nil {
			orgDefault = t
		}
	}
	if orgDefault == nil {
		return nil, apperr.Configuration("no threshold configured for kpi %q at store %d", def.KpiCode, store.ID)
	}
	return orgDefault, nil
}

func (c *Calculator) comparisonBaseline(ctx context.Context, storeID, kpiID uint, date time.Time, basis models.ComparisonBasis) (*float64, error) {
	db := c.db.WithContext(ctx).Model(&models.KpiMetric{}).
		Where("store_id = ? AND kpi_definition_id = ?", storeID, kpiID)

	switch basis {
	case models.BasisRolling4W:
		var values []float64
		start := date.AddDate(0, 0, -rollingWindowDays)
		if err := db.Where("metric_date >= ? AND metric_date < ?", start, date).Pluck("value", &values).Error; err != nil {
			return nil, fmt.Errorf("failed to load rolling baseline: %w", err)
		}
		if len(values) == 0 {
			return nil, nil
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		mean := sum / float64(len(values))
		return &mean, nil

	case models.BasisSamePeriodLY:
		var values []float64
		if err := db.Where("metric_date = ?", date.AddDate(0, 0, -365)).Limit(1).Pluck("value", &values).Error; err != nil {
			return nil, fmt.Errorf("failed to load last year baseline: %w", err)
		}
		if len(values) == 0 {
			return nil, nil
		}
		return &values[0], nil

	case models.BasisAbsolute:
		zero := 0.0
		return &zero, nil

	case models.BasisBudget:
		// No budget source is wired yet.
		return nil, nil

	default:
		return nil, apperr.Configuration("unknown comparison basis %q", basis)
	}
}

func (c *Calculator) upsert(ctx context.Context, metric *models.KpiMetric) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.KpiMetric
		err := tx.Where("store_id = ? AND kpi_definition_id = ? AND metric_date = ?",
			metric.StoreID, metric.KpiDefinitionID, metric.MetricDate).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(metric).Error; err != nil {
				return fmt.Errorf("failed to create kpi metric: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("failed to load kpi metric: %w", err)
		}

		metric.ID = existing.ID
		metric.CreatedAt = existing.CreatedAt
		if err := tx.Save(metric).Error; err != nil {
			return fmt.Errorf("failed to update kpi metric: %w", err)
		}
		return nil
	})
}

// variancePct is the percentage difference from the baseline, rounded to two
// decimals. It is 0 when there is no usable baseline.
func variancePct(value float64, comparison *float64) float64 {
	if comparison == nil || *comparison == 0 {
		return 0
	}
	return round2((value - *comparison) / *comparison * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// DetermineStatus classifies a variance against a threshold.
//
// Thresholds come in two shapes. When green_min > red_threshold the KPI is
// higher-is-better (labor coverage); otherwise it is lower- or neutral-is-better.
// Both shapes apply the same three-way cutoff to the variance. Existing
// threshold rows are configured against exactly this rule, so the branches
// stay separate.
func DetermineStatus(variance float64, t *models.KpiThreshold) models.KpiStatus {
	if t.GreenMin > t.RedThreshold {
		if variance >= t.GreenMin {
			return models.StatusGreen
		}
		if variance >= t.YellowMin {
			return models.StatusYellow
		}
		return models.StatusRed
	}

	if variance >= t.GreenMin {
		return models.StatusGreen
	}
	if variance >= t.YellowMin {
		return models.StatusYellow
	}
	return models.StatusRed
}

// LatestKpiStatus returns the newest metric of every KPI recorded for a store.
func (c *Calculator) LatestKpiStatus(ctx context.Context, storeID uint) ([]models.KpiMetric, error) {
	db := c.db.WithContext(ctx)

	latest := db.Model(&models.KpiMetric{}).
		Select("kpi_definition_id, MAX(metric_date) AS max_date").
		Where("store_id = ?", storeID).
		Group("kpi_definition_id")

	var result []models.KpiMetric
	err := db.Joins("JOIN (?) AS latest ON latest.kpi_definition_id = kpi_metrics.kpi_definition_id AND latest.max_date = kpi_metrics.metric_date", latest).
		Where("kpi_metrics.store_id = ?", storeID).
		Preload("KpiDefinition").
		Order("kpi_metrics.kpi_definition_id").
		Find(&result).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load latest kpi status: %w", err)
	}
	return result, nil
}

// ListDefinitions returns the active KPIs of an organization, optionally
// narrowed to one category.
func (c *Calculator) ListDefinitions(ctx context.Context, orgID uint, category string) ([]models.KpiDefinition, error) {
	query := c.db.WithContext(ctx).Where("organization_id = ? AND is_active = ?", orgID, true)
	if category != "" {
		query = query.Where("category = ?", category)
	}
	var defs []models.KpiDefinition
	if err := query.Order("kpi_code").Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("failed to list kpi definitions: %w", err)
	}
	return defs, nil
}
