package models

import (
	"time"

	"gorm.io/gorm"
)

type CallStatus string

const (
	CallScheduled  CallStatus = "scheduled"
	CallInitiated  CallStatus = "initiated"
	CallInProgress CallStatus = "in_progress"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
	CallNoAnswer   CallStatus = "no_answer"
)

// Terminal reports whether no further provider status is expected.
func (s CallStatus) Terminal() bool {
	return s == CallCompleted || s == CallFailed || s == CallNoAnswer
}

type CallOutcome string

const (
	OutcomeNone              CallOutcome = "none"
	OutcomeAcknowledged      CallOutcome = "acknowledged"
	OutcomeCallbackRequested CallOutcome = "callback_requested"
	OutcomeOther             CallOutcome = "other"
)

type CallMetadata struct {
	Severity            AlertSeverity `json:"severity,omitempty"`
	KpiCode             string        `json:"kpi_code,omitempty"`
	EscalationLevel     int           `json:"escalation_level,omitempty"`
	ProviderStatus      string        `json:"provider_status,omitempty"`
	AcknowledgmentNotes string        `json:"acknowledgment_notes,omitempty"`
	CallbackTime        *time.Time    `json:"callback_time,omitempty"`
	SpeechResponse      string        `json:"speech_response,omitempty"`
}

type AiCall struct {
	gorm.Model
	StoreID         uint         `json:"store_id" gorm:"index;not null"`
	AlertID         *uint        `json:"alert_id" gorm:"index"`
	EscalationID    *uint        `json:"escalation_id" gorm:"index"`
	CallType        string       `json:"call_type"`
	Provider        string       `json:"call_provider"`
	ProviderCallID  string       `json:"provider_call_id" gorm:"index"`
	CorrelationID   string       `json:"correlation_id" gorm:"uniqueIndex;not null"`
	CallStatus      CallStatus   `json:"call_status" gorm:"index;not null"`
	RecipientName   string       `json:"recipient_name"`
	ToPhone         string       `json:"to_phone"`
	Script          string       `json:"script"`
	ScheduledAt     time.Time    `json:"scheduled_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	EndedAt         *time.Time   `json:"ended_at,omitempty"`
	DurationSeconds int          `json:"duration_seconds"`
	Outcome         CallOutcome  `json:"outcome" gorm:"not null"`
	RecordingURL    string       `json:"recording_url,omitempty"`
	Transcript      string       `json:"transcript,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	Metadata        CallMetadata `json:"metadata" gorm:"serializer:json;type:text"`
	Store           *Store       `json:"store,omitempty"`
	Alert           *Alert       `json:"alert,omitempty"`
	Escalation      *Escalation  `json:"escalation,omitempty"`
}

// CallScript is the spoken message template for one alert severity.
// Placeholders: {store_name}, {manager_name}, {kpi_name}, {variance}.
type CallScript struct {
	gorm.Model
	ScriptType AlertSeverity `json:"script_type" gorm:"index;not null"`
	Name       string        `json:"name"`
	Template   string        `json:"template" gorm:"type:text;not null"`
	IsActive   bool          `json:"is_active"`
}
