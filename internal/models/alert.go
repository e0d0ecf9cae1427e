package models

import (
	"time"

	"gorm.io/gorm"
)

type AlertSeverity string

const (
	SeverityYellow AlertSeverity = "yellow"
	SeverityRed    AlertSeverity = "red"
)

type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// OpenAlertStatuses are the statuses that count toward the one-open-alert-per
// (store, kpi) rule.
var OpenAlertStatuses = []AlertStatus{AlertStatusActive, AlertStatusAcknowledged}

type AlertMetadata struct {
	KpiCode         string   `json:"kpi_code"`
	VariancePct     float64  `json:"variance_pct"`
	ActualValue     float64  `json:"actual_value"`
	ComparisonValue *float64 `json:"comparison_value,omitempty"`
}

type Alert struct {
	gorm.Model
	StoreID                uint           `json:"store_id" gorm:"index:idx_alert_open;not null"`
	KpiDefinitionID        uint           `json:"kpi_definition_id" gorm:"index:idx_alert_open;not null"`
	AlertDate              time.Time      `json:"alert_date" gorm:"not null"`
	Severity               AlertSeverity  `json:"severity" gorm:"not null"`
	EscalationLevel        int            `json:"escalation_level"`
	Status                 AlertStatus    `json:"status" gorm:"index:idx_alert_open;not null"`
	Title                  string         `json:"title"`
	Message                string         `json:"message"`
	RequiresAcknowledgment bool           `json:"requires_acknowledgment"`
	ExpiresAt              *time.Time     `json:"expires_at"`
	AcknowledgedBy         string         `json:"acknowledged_by,omitempty"`
	AcknowledgedAt         *time.Time     `json:"acknowledged_at,omitempty"`
	ResolvedBy             string         `json:"resolved_by,omitempty"`
	ResolvedAt             *time.Time     `json:"resolved_at,omitempty"`
	ResolutionNote         string         `json:"resolution_note,omitempty"`
	Metadata               AlertMetadata  `json:"metadata" gorm:"serializer:json;type:text"`
	Store                  *Store         `json:"store,omitempty"`
	KpiDefinition          *KpiDefinition `json:"kpi_definition,omitempty"`
}

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
)

type TaskType string

const (
	TaskTypeAction     TaskType = "action"
	TaskTypeReview     TaskType = "review"
	TaskTypeEscalation TaskType = "escalation"
	TaskTypeFollowUp   TaskType = "follow_up"
	TaskTypeCallback   TaskType = "callback"
)

type TaskMetadata struct {
	RecommendedActions []string   `json:"recommended_actions,omitempty"`
	EscalationID       *uint      `json:"escalation_id,omitempty"`
	EscalationLevel    int        `json:"escalation_level,omitempty"`
	AiCallID           *uint      `json:"ai_call_id,omitempty"`
	CallbackTime       *time.Time `json:"callback_time,omitempty"`
}

type Task struct {
	gorm.Model
	AlertID           *uint        `json:"alert_id" gorm:"index"`
	StoreID           uint         `json:"store_id" gorm:"index;not null"`
	KpiDefinitionID   *uint        `json:"kpi_definition_id"`
	TaskType          TaskType     `json:"task_type"`
	Priority          int          `json:"priority"`
	Title             string       `json:"title"`
	Description       string       `json:"description"`
	AssignedToRole    string       `json:"assigned_to_role"`
	AssignedToName    string       `json:"assigned_to_name"`
	AssignedToContact string       `json:"assigned_to_contact"`
	Status            TaskStatus   `json:"status" gorm:"index;not null"`
	DueDate           *time.Time   `json:"due_date"`
	StartedAt         *time.Time   `json:"started_at,omitempty"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
	CompletedBy       string       `json:"completed_by,omitempty"`
	Outcome           string       `json:"outcome,omitempty"`
	Metadata          TaskMetadata `json:"metadata" gorm:"serializer:json;type:text"`
}
