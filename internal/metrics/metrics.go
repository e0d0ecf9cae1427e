// Package metrics provides Prometheus metrics for the store health monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// KpiMetricsTotal tracks calculated KPI metrics by resulting status
	KpiMetricsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storehealth",
			Subsystem: "kpi",
			Name:      "metrics_total",
			Help:      "Total number of KPI metrics calculated by status",
		},
		[]string{"kpi_code", "status"},
	)

	// SnapshotsTotal tracks health snapshots written by overall status
	SnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storehealth",
			Subsystem: "health",
			Name:      "snapshots_total",
			Help:      "Total number of store health snapshots written by overall status",
		},
		[]string{"status"},
	)

	// AlertsCreatedTotal tracks alerts opened by severity
	AlertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storehealth",
			Subsystem: "alert",
			Name:      "created_total",
			Help:      "Total number of alerts opened by severity",
		},
		[]string{"severity"},
	)

	// AlertTransitionsTotal tracks acknowledge and resolve transitions
	AlertTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storehealth",
			Subsystem: "alert",
			Name:      "transitions_total",
			Help:      "Total number of alert status transitions",
		},
		[]string{"to_status"},
	)

	// EscalationsTotal tracks escalations by target level and action
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storehealth",
			Subsystem: "escalation",
			Name:      "created_total",
			Help:      "Total number of escalations created",
		},
		[]string{"to_level", "action"},
	)

	// SweepDuration tracks escalation sweep duration in seconds
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "storehealth",
			Subsystem: "escalation",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of escalation sweeps in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// SweepFailuresTotal tracks alerts that failed to escalate during a sweep
	SweepFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "storehealth",
			Subsystem: "escalation",
			Name:      "sweep_failures_total",
			Help:      "Total number of per-alert failures during escalation sweeps",
		},
	)

	// CallsTotal tracks AI call status changes
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storehealth",
			Subsystem: "voice",
			Name:      "calls_total",
			Help:      "Total number of AI call status changes",
		},
		[]string{"status"},
	)

	// NotificationsTotal tracks notifier deliveries by channel and result
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storehealth",
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Total number of notifications attempted by channel and result",
		},
		[]string{"channel", "result"},
	)

	// HTTPRequestsTotal tracks API requests by route and status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storehealth",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of API requests by route and status code",
		},
		[]string{"method", "route", "code"},
	)
)
