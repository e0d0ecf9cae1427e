package models

import (
	"time"

	"gorm.io/gorm"
)

type ReportType string

const (
	ReportTypeDaily  ReportType = "daily"
	ReportTypeWeekly ReportType = "weekly"
)

// ReportSubscription lists who receives a health digest.
type ReportSubscription struct {
	gorm.Model
	Name        string     `json:"name" gorm:"uniqueIndex;not null"`
	Type        ReportType `json:"type" gorm:"not null"`
	Recipients  []string   `json:"recipients" gorm:"serializer:json;type:text"`
	IsEnabled   bool       `json:"is_enabled"`
	LastSentAt  *time.Time `json:"last_sent_at"`
	Description string     `json:"description"`
}
