package alert

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/storehealth/internal/models"
)

type slaHours struct {
	red    int
	yellow int
}

var slaTable = map[models.KpiCategory]slaHours{
	models.CategorySales:      {red: 24, yellow: 48},
	models.CategoryLabor:      {red: 24, yellow: 48},
	models.CategoryInventory:  {red: 72, yellow: 96},
	models.CategoryTraffic:    {red: 24, yellow: 48},
	models.CategoryHR:         {red: 48, yellow: 72},
	models.CategoryOperations: {red: 24, yellow: 48},
}

const defaultSLAHours = 24

// SLAHours is how long an alert of the given category and severity may stay
// open before it is overdue.
func SLAHours(category models.KpiCategory, severity models.AlertSeverity) int {
	sla, ok := slaTable[category]
	if !ok {
		return defaultSLAHours
	}
	if severity == models.SeverityRed {
		return sla.red
	}
	return sla.yellow
}

var inventoryActions = []string{
	"Review out-of-stock items",
	"Expedite replenishment for top SKUs",
	"Check pending deliveries and orders",
	"Contact distribution center if delays",
}

var recommendedActions = map[string][]string{
	"sales": {
		"Review current promotions and pricing",
		"Check inventory availability for top SKUs",
		"Analyze traffic patterns and conversion rates",
		"Consider targeted marketing campaigns",
	},
	"traffic": {
		"Review store hours and scheduling",
		"Check local events and competition",
		"Assess storefront visibility and signage",
		"Consider promotional activities to drive traffic",
	},
	"conversion_rate": {
		"Review sales associate training and coverage",
		"Check product availability and merchandising",
		"Analyze basket abandonment reasons",
		"Assess checkout process efficiency",
	},
	"labor_coverage": {
		"Fill open shifts immediately",
		"Contact backup staff for coverage",
		"Review schedule for next 48 hours",
		"Escalate to district if unable to cover",
	},
	"inventory":          inventoryActions,
	"inventory_oos_rate": inventoryActions,
}

var genericActions = []string{
	"Review current performance trends",
	"Identify root cause of variance",
	"Implement corrective actions",
	"Monitor closely over next 24 hours",
}

// RecommendedActions returns the remediation checklist for a KPI code.
func RecommendedActions(kpiCode string) []string {
	if actions, ok := recommendedActions[kpiCode]; ok {
		return actions
	}
	return genericActions
}

func direction(variance float64) string {
	if variance < 0 {
		return "below"
	}
	return "above"
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// againstTarget describes an absolute KPI by its value and green cutoff.
func againstTarget(def *models.KpiDefinition, metric *models.KpiMetric) string {
	return fmt.Sprintf("%s at %s%s (target ≥ %s%s)",
		def.Name, formatValue(metric.Value), def.Unit, formatValue(*metric.Target), def.Unit)
}

func isAbsolute(metric *models.KpiMetric) bool {
	return metric.ComparisonType == models.BasisAbsolute && metric.Target != nil
}

func alertTitle(def *models.KpiDefinition, metric *models.KpiMetric, severity models.AlertSeverity) string {
	emoji := "🟨"
	if severity == models.SeverityRed {
		emoji = "🔴"
	}
	if isAbsolute(metric) {
		return fmt.Sprintf("%s %s", emoji, againstTarget(def, metric))
	}
	return fmt.Sprintf("%s %s %.1f%% %s target", emoji, def.Name, math.Abs(metric.VariancePct), direction(metric.VariancePct))
}

func alertMessage(store *models.Store, def *models.KpiDefinition, metric *models.KpiMetric, severity models.AlertSeverity) string {
	var b strings.Builder
	if isAbsolute(metric) {
		fmt.Fprintf(&b, "%s: %s.\n\n", store.Name, againstTarget(def, metric))
		fmt.Fprintf(&b, "Current Value: %s %s\n", formatValue(metric.Value), def.Unit)
		fmt.Fprintf(&b, "Target: %s %s\n\n", formatValue(*metric.Target), def.Unit)
	} else {
		fmt.Fprintf(&b, "%s: %s is %.1f%% %s the baseline.\n\n",
			store.Name, def.Name, math.Abs(metric.VariancePct), direction(metric.VariancePct))
		fmt.Fprintf(&b, "Current Value: %s %s\n", formatValue(metric.Value), def.Unit)
		if metric.ComparisonValue != nil && *metric.ComparisonValue != 0 {
			fmt.Fprintf(&b, "Baseline: %s %s\n", formatValue(*metric.ComparisonValue), def.Unit)
		}
		fmt.Fprintf(&b, "Variance: %.1f%%\n\n", metric.VariancePct)
	}

	if severity == models.SeverityRed {
		b.WriteString("⚠️ IMMEDIATE ACTION REQUIRED\n")
		b.WriteString("This KPI has fallen into the red zone. Please review and take corrective action immediately.")
	} else {
		b.WriteString("⚡ ATTENTION NEEDED\n")
		b.WriteString("This KPI requires monitoring. Consider taking preventive action to avoid further decline.")
	}
	return b.String()
}

func taskDescription(def *models.KpiDefinition, status models.KpiStatus, actions []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is tracking %s status.\n\nRecommended Actions:", def.Name, strings.ToUpper(string(status)))
	for i, action := range actions {
		fmt.Fprintf(&b, "\n%d. %s", i+1, action)
	}
	return b.String()
}
