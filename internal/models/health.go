package models

import (
	"time"

	"gorm.io/gorm"
)

type CriticalKpi struct {
	KpiCode     string    `json:"kpi_code"`
	KpiName     string    `json:"kpi_name"`
	Status      KpiStatus `json:"status"`
	VariancePct float64   `json:"variance_pct"`
}

type SnapshotMetadata struct {
	TotalKpisTracked int           `json:"total_kpis_tracked"`
	CriticalKpis     []CriticalKpi `json:"critical_kpis"`
}

type StoreHealthSnapshot struct {
	gorm.Model
	StoreID         uint             `json:"store_id" gorm:"uniqueIndex:idx_snapshot_key;not null"`
	SnapshotDate    time.Time        `json:"snapshot_date" gorm:"uniqueIndex:idx_snapshot_key;not null"`
	OverallStatus   KpiStatus        `json:"overall_status" gorm:"not null"`
	HealthScore     float64          `json:"health_score"`
	RedKpiCount     int              `json:"red_kpi_count"`
	YellowKpiCount  int              `json:"yellow_kpi_count"`
	GreenKpiCount   int              `json:"green_kpi_count"`
	EscalationLevel int              `json:"escalation_level"`
	ActionRequired  bool             `json:"action_required" gorm:"index"`
	Summary         string           `json:"summary"`
	Metadata        SnapshotMetadata `json:"metadata" gorm:"serializer:json;type:text"`
	Store           *Store           `json:"store,omitempty"`
}
