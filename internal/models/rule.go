package models

import (
	"time"

	"gorm.io/gorm"
)

type TriggerCondition string

const (
	TriggerStatusRed    TriggerCondition = "status_red"
	TriggerStatusYellow TriggerCondition = "status_yellow"
	TriggerSLABreach    TriggerCondition = "sla_breach"
)

type EscalationAction string

const (
	ActionCreateTask         EscalationAction = "create_task"
	ActionSendAlert          EscalationAction = "send_alert"
	ActionAiCall             EscalationAction = "ai_call"
	ActionRegionalEscalation EscalationAction = "regional_escalation"
)

const MaxEscalationLevel = 4

// EscalationRule moves an alert from FromLevel to ToLevel once it has spent
// DurationHours in its current state. A nil KpiDefinitionID applies the rule
// to every KPI of the organization.
type EscalationRule struct {
	gorm.Model
	OrganizationID   uint             `json:"organization_id" gorm:"index;not null"`
	KpiDefinitionID  *uint            `json:"kpi_definition_id"`
	Name             string           `json:"name" gorm:"not null"`
	Description      string           `json:"description"`
	TriggerCondition TriggerCondition `json:"trigger_condition" gorm:"not null"`
	DurationHours    int              `json:"duration_hours"`
	FromLevel        int              `json:"from_level" gorm:"index"`
	ToLevel          int              `json:"to_level"`
	Action           EscalationAction `json:"action" gorm:"not null"`
	IsActive         bool             `json:"is_active"`
	LastTriggered    *time.Time       `json:"last_triggered"`
	TriggerCount     int              `json:"trigger_count"`
}

type EscalationStatus string

const (
	EscalationPending      EscalationStatus = "pending"
	EscalationAcknowledged EscalationStatus = "acknowledged"
	EscalationResolved     EscalationStatus = "resolved"
)

type TriggeredBy string

const (
	TriggeredBySLABreach TriggeredBy = "sla_breach"
	TriggeredByManual    TriggeredBy = "manual"
)

type EscalationMetadata struct {
	KpiCode       string `json:"kpi_code"`
	HoursInStatus int    `json:"hours_in_status"`
	RuleID        uint   `json:"rule_id,omitempty"`
	Action        string `json:"action,omitempty"`
	NotifyError   string `json:"notify_error,omitempty"`
	AiCallID      *uint  `json:"ai_call_id,omitempty"`
}

type Escalation struct {
	gorm.Model
	StoreID            uint               `json:"store_id" gorm:"index;not null"`
	AlertID            uint               `json:"alert_id" gorm:"index;not null"`
	TaskID             *uint              `json:"task_id"`
	FromLevel          int                `json:"from_level"`
	ToLevel            int                `json:"to_level"`
	Reason             string             `json:"escalation_reason"`
	TriggeredBy        TriggeredBy        `json:"triggered_by"`
	EscalatedAt        time.Time          `json:"escalated_at"`
	EscalatedToRole    string             `json:"escalated_to_role"`
	EscalatedToName    string             `json:"escalated_to_name"`
	EscalatedToContact string             `json:"escalated_to_contact"`
	Status             EscalationStatus   `json:"status" gorm:"index;not null"`
	AcknowledgedBy     string             `json:"acknowledged_by,omitempty"`
	AcknowledgedAt     *time.Time         `json:"acknowledged_at,omitempty"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty"`
	ResolutionNote     string             `json:"resolution_notes,omitempty"`
	Metadata           EscalationMetadata `json:"metadata" gorm:"serializer:json;type:text"`
	Alert              *Alert             `json:"alert,omitempty"`
	Store              *Store             `json:"store,omitempty"`
}

// Target returns the contact this escalation was addressed to.
func (e *Escalation) Target() Contact {
	return Contact{Role: e.EscalatedToRole, Name: e.EscalatedToName, Address: e.EscalatedToContact}
}
