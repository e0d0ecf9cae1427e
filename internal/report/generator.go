// Package report builds the daily and weekly store health digests and mails
// them to subscribers.
package report

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"sort"
	"strconv"
	"time"

	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/storehealth/internal/apperr"
	"github.com/storehealth/internal/health"
	"github.com/storehealth/internal/models"
)

const (
	maxTopKpis   = 10
	maxTopStores = 5
)

type OverviewSource interface {
	DashboardOverview(ctx context.Context, date time.Time) (*health.Overview, error)
}

type Sender interface {
	Send(e *email.Email) error
}

// SMTPSender delivers reports through a plain-auth SMTP relay.
type SMTPSender struct {
	addr string
	auth smtp.Auth
}

func NewSMTPSender(host string, port int, username, password string) *SMTPSender {
	return &SMTPSender{
		addr: host + ":" + strconv.Itoa(port),
		auth: smtp.PlainAuth("", username, password, host),
	}
}

func (s *SMTPSender) Send(e *email.Email) error {
	return e.Send(s.addr, s.auth)
}

type Generator struct {
	db         *gorm.DB
	overview   OverviewSource
	sender     Sender
	from       string
	recipients []string
	templates  map[models.ReportType]*template.Template
	log        logrus.FieldLogger
	Now        func() time.Time
}

type ReportData struct {
	Type         models.ReportType
	StartTime    time.Time
	EndTime      time.Time
	Overview     *health.Overview
	AlertSummary AlertSummary
	Overdue      []OverdueAlert
}

type AlertSummary struct {
	TotalAlerts  int
	RedAlerts    int
	YellowAlerts int
	Resolved     int
	TopKpis      []KpiSummary
}

type KpiSummary struct {
	KpiName    string
	AlertCount int
	RedCount   int
	TopStores  []string
}

type OverdueAlert struct {
	StoreName       string
	Title           string
	Severity        models.AlertSeverity
	EscalationLevel int
	ExpiresAt       time.Time
}

// SendResult reports who a digest went to.
type SendResult struct {
	Type       models.ReportType `json:"type"`
	Subject    string            `json:"subject"`
	Recipients []string          `json:"recipients"`
	SentAt     time.Time         `json:"sent_at"`
}

func NewGenerator(db *gorm.DB, overview OverviewSource, sender Sender, from string, recipients []string, log logrus.FieldLogger) *Generator {
	return &Generator{
		db:         db,
		overview:   overview,
		sender:     sender,
		from:       from,
		recipients: recipients,
		templates: map[models.ReportType]*template.Template{
			models.ReportTypeDaily:  template.Must(template.New("daily").Funcs(funcs).Parse(digestTemplate)),
			models.ReportTypeWeekly: template.Must(template.New("weekly").Funcs(funcs).Parse(digestTemplate)),
		},
		log: log,
		Now: time.Now,
	}
}

func (g *Generator) window(reportType models.ReportType, date time.Time) (time.Time, time.Time, error) {
	end := models.Day(date).Add(24 * time.Hour)
	switch reportType {
	case models.ReportTypeDaily:
		return end.Add(-24 * time.Hour), end, nil
	case models.ReportTypeWeekly:
		return end.Add(-7 * 24 * time.Hour), end, nil
	default:
		return time.Time{}, time.Time{}, apperr.Validation("unknown report type: %s", reportType)
	}
}

// Collect gathers the digest contents for the period ending on date.
func (g *Generator) Collect(ctx context.Context, reportType models.ReportType, date time.Time) (*ReportData, error) {
	if date.IsZero() {
		date = g.Now().UTC()
	}
	start, end, err := g.window(reportType, date)
	if err != nil {
		return nil, err
	}

	overview, err := g.overview.DashboardOverview(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to build overview: %w", err)
	}

	db := g.db.WithContext(ctx)

	var alerts []models.Alert
	if err := db.Where("created_at >= ? AND created_at < ?", start, end).
		Preload("Store").
		Preload("KpiDefinition").
		Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to load alerts: %w", err)
	}

	var overdue []models.Alert
	if err := db.Where("status IN ? AND expires_at < ?", models.OpenAlertStatuses, end).
		Preload("Store").
		Order("expires_at ASC").
		Find(&overdue).Error; err != nil {
		return nil, fmt.Errorf("failed to load overdue alerts: %w", err)
	}

	data := &ReportData{
		Type:         reportType,
		StartTime:    start,
		EndTime:      end,
		Overview:     overview,
		AlertSummary: summarizeAlerts(alerts),
	}
	for _, a := range overdue {
		item := OverdueAlert{
			Title:           a.Title,
			Severity:        a.Severity,
			EscalationLevel: a.EscalationLevel,
		}
		if a.Store != nil {
			item.StoreName = a.Store.Name
		}
		if a.ExpiresAt != nil {
			item.ExpiresAt = *a.ExpiresAt
		}
		data.Overdue = append(data.Overdue, item)
	}
	return data, nil
}

func summarizeAlerts(alerts []models.Alert) AlertSummary {
	summary := AlertSummary{}
	byKpi := make(map[string]*KpiSummary)

	for _, a := range alerts {
		summary.TotalAlerts++
		switch a.Severity {
		case models.SeverityRed:
			summary.RedAlerts++
		case models.SeverityYellow:
			summary.YellowAlerts++
		}
		if a.Status == models.AlertStatusResolved {
			summary.Resolved++
		}

		name := "Unknown KPI"
		if a.KpiDefinition != nil {
			name = a.KpiDefinition.Name
		}
		ks, ok := byKpi[name]
		if !ok {
			ks = &KpiSummary{KpiName: name}
			byKpi[name] = ks
		}
		ks.AlertCount++
		if a.Severity == models.SeverityRed {
			ks.RedCount++
		}
		if a.Store != nil && len(ks.TopStores) < maxTopStores && !contains(ks.TopStores, a.Store.Name) {
			ks.TopStores = append(ks.TopStores, a.Store.Name)
		}
	}

	for _, ks := range byKpi {
		summary.TopKpis = append(summary.TopKpis, *ks)
	}
	sort.Slice(summary.TopKpis, func(i, j int) bool {
		if summary.TopKpis[i].AlertCount != summary.TopKpis[j].AlertCount {
			return summary.TopKpis[i].AlertCount > summary.TopKpis[j].AlertCount
		}
		return summary.TopKpis[i].KpiName < summary.TopKpis[j].KpiName
	})
	if len(summary.TopKpis) > maxTopKpis {
		summary.TopKpis = summary.TopKpis[:maxTopKpis]
	}
	return summary
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func (g *Generator) Render(data *ReportData) ([]byte, error) {
	tmpl, ok := g.templates[data.Type]
	if !ok {
		return nil, apperr.Validation("unknown report type: %s", data.Type)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.Bytes(), nil
}

func subject(data *ReportData) string {
	title := "Daily"
	if data.Type == models.ReportTypeWeekly {
		title = "Weekly"
	}
	return fmt.Sprintf("Store Health %s Report (%s - %s)",
		title,
		data.StartTime.Format("2006-01-02"),
		data.EndTime.Add(-time.Second).Format("2006-01-02"))
}

// GenerateReport renders the digest into an email without recipients.
func (g *Generator) GenerateReport(ctx context.Context, reportType models.ReportType, date time.Time) (*email.Email, error) {
	data, err := g.Collect(ctx, reportType, date)
	if err != nil {
		return nil, err
	}
	html, err := g.Render(data)
	if err != nil {
		return nil, err
	}

	e := email.NewEmail()
	e.From = g.from
	e.Subject = subject(data)
	e.HTML = html
	return e, nil
}

// recipientsFor merges the configured recipients with the enabled
// subscriptions of the given type.
func (g *Generator) recipientsFor(ctx context.Context, reportType models.ReportType) ([]string, []models.ReportSubscription, error) {
	var subs []models.ReportSubscription
	if err := g.db.WithContext(ctx).
		Where("type = ? AND is_enabled = ?", reportType, true).
		Order("id").
		Find(&subs).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to load report subscriptions: %w", err)
	}

	seen := make(map[string]bool)
	var to []string
	add := func(addrs []string) {
		for _, addr := range addrs {
			if addr != "" && !seen[addr] {
				seen[addr] = true
				to = append(to, addr)
			}
		}
	}
	add(g.recipients)
	for _, sub := range subs {
		add(sub.Recipients)
	}
	return to, subs, nil
}

// Send builds the digest and mails it to every recipient.
func (g *Generator) Send(ctx context.Context, reportType models.ReportType, date time.Time) (*SendResult, error) {
	if g.sender == nil {
		return nil, apperr.Configuration("report email is not configured")
	}
	to, subs, err := g.recipientsFor(ctx, reportType)
	if err != nil {
		return nil, err
	}
	if len(to) == 0 {
		return nil, apperr.Configuration("no recipients for %s report", reportType)
	}

	e, err := g.GenerateReport(ctx, reportType, date)
	if err != nil {
		return nil, err
	}
	e.To = to

	if err := g.sender.Send(e); err != nil {
		return nil, apperr.ExternalProvider("smtp", err)
	}

	now := g.Now().UTC()
	for _, sub := range subs {
		if err := g.db.WithContext(ctx).Model(&models.ReportSubscription{}).
			Where("id = ?", sub.ID).
			Update("last_sent_at", now).Error; err != nil {
			g.log.WithError(err).WithField("subscription", sub.Name).Warn("failed to record report delivery")
		}
	}

	g.log.WithFields(logrus.Fields{
		"type":       reportType,
		"recipients": len(to),
	}).Info("health report sent")

	return &SendResult{Type: reportType, Subject: e.Subject, Recipients: to, SentAt: now}, nil
}
