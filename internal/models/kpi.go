package models

import (
	"time"

	"gorm.io/gorm"
)

type KpiDefinition struct {
	gorm.Model
	OrganizationID uint        `json:"organization_id" gorm:"uniqueIndex:idx_kpi_org_code;not null"`
	KpiCode        string      `json:"kpi_code" gorm:"uniqueIndex:idx_kpi_org_code;not null"`
	Name           string      `json:"name" gorm:"not null"`
	Description    string      `json:"description"`
	Unit           string      `json:"unit"`
	Category       KpiCategory `json:"category" gorm:"not null"`
	IsActive       bool        `json:"is_active"`
}

// KpiThreshold applies to every store of an organization unless StoreID is set.
type KpiThreshold struct {
	gorm.Model
	KpiDefinitionID uint            `json:"kpi_definition_id" gorm:"index;not null"`
	OrganizationID  uint            `json:"organization_id" gorm:"index"`
	StoreID         *uint           `json:"store_id" gorm:"index"`
	GreenMin        float64         `json:"green_min"`
	YellowMin       float64         `json:"yellow_min"`
	RedThreshold    float64         `json:"red_threshold"`
	ComparisonBasis ComparisonBasis `json:"comparison_basis" gorm:"not null"`
}

type KpiMetric struct {
	gorm.Model
	StoreID         uint              `json:"store_id" gorm:"uniqueIndex:idx_metric_key;not null"`
	KpiDefinitionID uint              `json:"kpi_definition_id" gorm:"uniqueIndex:idx_metric_key;not null"`
	MetricDate      time.Time         `json:"metric_date" gorm:"uniqueIndex:idx_metric_key;not null"`
	Value           float64           `json:"value"`
	ComparisonValue *float64          `json:"comparison_value"`
	ComparisonType  ComparisonBasis   `json:"comparison_type"`
	VariancePct     float64           `json:"variance_pct"`
	Target          *float64          `json:"target,omitempty"`
	Status          KpiStatus         `json:"status" gorm:"index;not null"`
	Metadata        map[string]string `json:"metadata,omitempty" gorm:"serializer:json;type:text"`
	KpiDefinition   *KpiDefinition    `json:"kpi_definition,omitempty"`
}
