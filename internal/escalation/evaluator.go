package escalation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/storehealth/internal/models"
)

// ShouldEscalate reports whether rule fires for an alert that has been open
// for hours. Severity triggers additionally require the alert's severity to
// match; sla_breach fires on time alone.
func ShouldEscalate(alert *models.Alert, rule *models.EscalationRule, hours float64) bool {
	if !rule.IsActive || rule.FromLevel != alert.EscalationLevel {
		return false
	}

	switch rule.TriggerCondition {
	case models.TriggerStatusRed:
		if alert.Severity != models.SeverityRed {
			return false
		}
	case models.TriggerStatusYellow:
		if alert.Severity != models.SeverityYellow {
			return false
		}
	case models.TriggerSLABreach:
	default:
		return false
	}
	return hours >= float64(rule.DurationHours)
}

// orderRules puts KPI-specific rules ahead of organization-wide ones, keeping
// id order within each group.
func orderRules(rules []models.EscalationRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].KpiDefinitionID != nil && rules[j].KpiDefinitionID == nil
	})
}

// Target resolves who an escalation to level is addressed to. Store must have
// its District and Region loaded.
func Target(store *models.Store, level int) models.Contact {
	switch level {
	case 1, 2:
		return store.ManagerContact()
	case 3:
		return models.Contact{Role: models.RoleStoreManager, Name: store.ManagerName, Address: store.ManagerPhone}
	case 4:
		if d := store.District; d != nil {
			return models.Contact{Role: models.RoleDistrictManager, Name: d.ManagerName, Address: firstNonEmpty(d.ManagerPhone, d.ManagerEmail)}
		}
		if r := store.Region; r != nil {
			return models.Contact{Role: models.RoleRegionalManager, Name: r.ManagerName, Address: firstNonEmpty(r.ManagerPhone, r.ManagerEmail)}
		}
		return models.Contact{Role: models.RoleRegionalOps, Name: "Regional Operations"}
	default:
		return models.Contact{Role: models.RoleStoreManager, Name: store.ManagerName, Address: store.ManagerPhone}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func escalationReason(alert *models.Alert, kpiName string, hours int, rule *models.EscalationRule) string {
	return fmt.Sprintf("%s has remained in %s status for %d hours. SLA threshold of %d hours has been exceeded. Escalating from Level %d to Level %d per policy.",
		kpiName, strings.ToUpper(string(alert.Severity)), hours, rule.DurationHours, rule.FromLevel, rule.ToLevel)
}
