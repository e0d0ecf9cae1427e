package models

import "time"

type KpiCategory string

const (
	CategorySales      KpiCategory = "sales"
	CategoryLabor      KpiCategory = "labor"
	CategoryInventory  KpiCategory = "inventory"
	CategoryTraffic    KpiCategory = "traffic"
	CategoryHR         KpiCategory = "hr"
	CategoryOperations KpiCategory = "operations"
)

type KpiStatus string

const (
	StatusGreen  KpiStatus = "green"
	StatusYellow KpiStatus = "yellow"
	StatusRed    KpiStatus = "red"
)

type ComparisonBasis string

const (
	BasisRolling4W    ComparisonBasis = "rolling_4w"
	BasisSamePeriodLY ComparisonBasis = "same_period_ly"
	BasisBudget       ComparisonBasis = "budget"
	BasisAbsolute     ComparisonBasis = "absolute"
)

// Day truncates t to midnight UTC. Every metric and snapshot date is stored
// in this form so (store, kpi, date) keys compare exactly.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Contact is a resolved person to notify or call.
type Contact struct {
	Role    string `json:"role"`
	Name    string `json:"name"`
	Address string `json:"contact,omitempty"`
}

const (
	RoleStoreManager    = "store_manager"
	RoleDistrictManager = "district_manager"
	RoleRegionalManager = "regional_manager"
	RoleRegionalOps     = "regional_ops"
)
