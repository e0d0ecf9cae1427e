package report

import (
	"fmt"
	"html/template"
	"time"
)

var funcs = template.FuncMap{
	"date": func(t time.Time) string { return t.Format("Jan 2, 2006") },
	"datetime": func(t time.Time) string {
		return t.Format("Jan 2, 2006 15:04 MST")
	},
	"score": func(v float64) string { return fmt.Sprintf("%.1f", v) },
}

const digestTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Store Health Report</title></head>
<body style="font-family: Arial, sans-serif; color: #222;">
<h2>Store Health Report: {{date .StartTime}} to {{date .EndTime}}</h2>

{{with .Overview}}
<h3>Overview</h3>
<table cellpadding="4">
<tr><td>Total stores</td><td>{{.TotalStores}}</td></tr>
<tr><td style="color:#2e7d32">Green</td><td>{{.GreenStores}}</td></tr>
<tr><td style="color:#f9a825">Yellow</td><td>{{.YellowStores}}</td></tr>
<tr><td style="color:#c62828">Red</td><td>{{.RedStores}}</td></tr>
<tr><td>Requiring action</td><td>{{.StoresRequiringAction}}</td></tr>
<tr><td>Average health score</td><td>{{score .AverageHealthScore}}</td></tr>
</table>
{{if .CriticalStores}}
<h3>Critical stores</h3>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Store</th><th>Status</th><th>Score</th><th>Escalation level</th></tr>
{{range .CriticalStores}}<tr><td>{{.StoreName}} ({{.StoreCode}})</td><td>{{.OverallStatus}}</td><td>{{score .HealthScore}}</td><td>{{.EscalationLevel}}</td></tr>
{{end}}</table>
{{end}}
{{end}}

{{with .AlertSummary}}
<h3>Alerts</h3>
<p>{{.TotalAlerts}} alerts raised ({{.RedAlerts}} red, {{.YellowAlerts}} yellow), {{.Resolved}} resolved.</p>
{{if .TopKpis}}
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>KPI</th><th>Alerts</th><th>Red</th><th>Stores</th></tr>
{{range .TopKpis}}<tr><td>{{.KpiName}}</td><td>{{.AlertCount}}</td><td>{{.RedCount}}</td><td>{{range $i, $s := .TopStores}}{{if $i}}, {{end}}{{$s}}{{end}}</td></tr>
{{end}}</table>
{{end}}
{{end}}

{{if .Overdue}}
<h3>Overdue alerts</h3>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Store</th><th>Alert</th><th>Severity</th><th>Level</th><th>Due</th></tr>
{{range .Overdue}}<tr><td>{{.StoreName}}</td><td>{{.Title}}</td><td>{{.Severity}}</td><td>{{.EscalationLevel}}</td><td>{{datetime .ExpiresAt}}</td></tr>
{{end}}</table>
{{end}}
</body>
</html>
`
