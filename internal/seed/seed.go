// Package seed holds the reference data a fresh installation starts with:
// KPI definitions and thresholds, the default escalation ladder and call
// scripts. Demo also creates a sample organization for local runs and tests.
package seed

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/storehealth/internal/models"
)

type KpiSpec struct {
	Code         string
	Name         string
	Unit         string
	Category     models.KpiCategory
	GreenMin     float64
	YellowMin    float64
	RedThreshold float64
	Basis        models.ComparisonBasis
}

var DefaultKpis = []KpiSpec{
	{"sales", "Sales Performance", "$", models.CategorySales, -2, -6, -6, models.BasisRolling4W},
	{"traffic", "Store Traffic", "count", models.CategoryTraffic, -3, -8, -8, models.BasisRolling4W},
	{"conversion_rate", "Conversion Rate", "%", models.CategorySales, -1.5, -3, -3, models.BasisRolling4W},
	{"labor_coverage", "Labor Coverage Ratio", "%", models.CategoryLabor, 95, 90, 90, models.BasisAbsolute},
	{"inventory_oos_rate", "Out-of-Stock Rate", "%", models.CategoryInventory, 3, 6, 6, models.BasisRolling4W},
}

// DefaultRules is the escalation ladder every organization starts with.
func DefaultRules(orgID uint) []models.EscalationRule {
	return []models.EscalationRule{
		{
			OrganizationID:   orgID,
			Name:             "Persistent yellow",
			Description:      "Yellow alert open for 48 hours is raised to level 2",
			TriggerCondition: models.TriggerStatusYellow,
			DurationHours:    48,
			FromLevel:        1,
			ToLevel:          2,
			Action:           models.ActionSendAlert,
			IsActive:         true,
		},
		{
			OrganizationID:   orgID,
			Name:             "Persistent red: AI call",
			Description:      "Red alert unresolved for 24 hours triggers an automated call to the store manager",
			TriggerCondition: models.TriggerStatusRed,
			DurationHours:    24,
			FromLevel:        2,
			ToLevel:          3,
			Action:           models.ActionAiCall,
			IsActive:         true,
		},
		{
			OrganizationID:   orgID,
			Name:             "Regional escalation",
			Description:      "Red alert unresolved for 48 hours goes to district or regional management",
			TriggerCondition: models.TriggerStatusRed,
			DurationHours:    48,
			FromLevel:        3,
			ToLevel:          4,
			Action:           models.ActionRegionalEscalation,
			IsActive:         true,
		},
	}
}

var DefaultScripts = []models.CallScript{
	{
		ScriptType: models.SeverityRed,
		Name:       "Red escalation",
		Template: "Hello {manager_name}, this is the store health monitor calling about {store_name}. " +
			"{kpi_name} is {variance} percent off target and has been red for over a day. " +
			"Say yes to acknowledge, or say later to schedule a callback.",
		IsActive: true,
	},
	{
		ScriptType: models.SeverityYellow,
		Name:       "Yellow reminder",
		Template: "Hello {manager_name}, a quick note about {store_name}. " +
			"{kpi_name} is {variance} percent off target. Say yes to acknowledge, or later for a callback.",
		IsActive: true,
	},
}

// Demo is the sample hierarchy created by Create.
type Demo struct {
	Organization models.Organization
	Region       models.Region
	District     models.District
	Store        models.Store
	Kpis         map[string]models.KpiDefinition
}

// Create inserts an organization with one region, district and store, the
// default KPIs with organization-level thresholds, rules and scripts.
func Create(db *gorm.DB, code string) (*Demo, error) {
	d := &Demo{Kpis: make(map[string]models.KpiDefinition)}

	err := db.Transaction(func(tx *gorm.DB) error {
		d.Organization = models.Organization{Name: "Demo Retail " + code, Code: code}
		if err := tx.Create(&d.Organization).Error; err != nil {
			return fmt.Errorf("failed to create organization: %w", err)
		}

		d.Region = models.Region{
			OrganizationID: d.Organization.ID,
			Name:           "West",
			ManagerName:    "Rita Regional",
			ManagerPhone:   "+15550000100",
			ManagerEmail:   "rita@example.com",
		}
		if err := tx.Create(&d.Region).Error; err != nil {
			return fmt.Errorf("failed to create region: %w", err)
		}

		d.District = models.District{
			RegionID:     d.Region.ID,
			Name:         "Bay Area",
			ManagerName:  "Dan District",
			ManagerPhone: "+15550000200",
			ManagerEmail: "dan@example.com",
		}
		if err := tx.Create(&d.District).Error; err != nil {
			return fmt.Errorf("failed to create district: %w", err)
		}

		d.Store = models.Store{
			OrganizationID: d.Organization.ID,
			RegionID:       &d.Region.ID,
			DistrictID:     &d.District.ID,
			StoreCode:      code + "-001",
			Name:           "Downtown " + code,
			Status:         models.StoreActive,
			ManagerName:    "Morgan Manager",
			ManagerPhone:   "+15550000300",
			ManagerEmail:   "morgan@example.com",
		}
		if err := tx.Create(&d.Store).Error; err != nil {
			return fmt.Errorf("failed to create store: %w", err)
		}

		for _, k := range DefaultKpis {
			def := models.KpiDefinition{
				OrganizationID: d.Organization.ID,
				KpiCode:        k.Code,
				Name:           k.Name,
				Unit:           k.Unit,
				Category:       k.Category,
				IsActive:       true,
			}
			if err := tx.Create(&def).Error; err != nil {
				return fmt.Errorf("failed to create kpi %s: %w", k.Code, err)
			}
			threshold := models.KpiThreshold{
				KpiDefinitionID: def.ID,
				OrganizationID:  d.Organization.ID,
				GreenMin:        k.GreenMin,
				YellowMin:       k.YellowMin,
				RedThreshold:    k.RedThreshold,
				ComparisonBasis: k.Basis,
			}
			if err := tx.Create(&threshold).Error; err != nil {
				return fmt.Errorf("failed to create threshold for %s: %w", k.Code, err)
			}
			d.Kpis[k.Code] = def
		}

		rules := DefaultRules(d.Organization.ID)
		if err := tx.Create(&rules).Error; err != nil {
			return fmt.Errorf("failed to create default rules: %w", err)
		}

		var scripts int64
		if err := tx.Model(&models.CallScript{}).Count(&scripts).Error; err != nil {
			return err
		}
		if scripts == 0 {
			defaults := append([]models.CallScript(nil), DefaultScripts...)
			if err := tx.Create(&defaults).Error; err != nil {
				return fmt.Errorf("failed to create call scripts: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}
