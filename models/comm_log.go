package models

import "gorm.io/gorm"

// LogType classifies communication log entries.
type LogType string

const (
	LogTypeEnrollment   LogType = "enrollment"
	LogTypeSend         LogType = "send"
	LogTypeStatusChange LogType = "status_change"
	LogTypeRejection    LogType = "rejection"
	LogTypeNote         LogType = "note"
)

// LogMetadata is the structured context attached to a log entry.
type LogMetadata struct {
	Trigger       string        `json:"trigger,omitempty"`
	StepOrder     int           `json:"step_order,omitempty"`
	SendStatus    string        `json:"send_status,omitempty"` // sent, failed, skipped
	ProviderError string        `json:"provider_error,omitempty"`
	FailureCount  int           `json:"failure_count,omitempty"`
	OldStatus     CreatorStatus `json:"old_status,omitempty"`
	NewStatus     CreatorStatus `json:"new_status,omitempty"`
	Reasoning     string        `json:"reasoning,omitempty"`
}

// CommunicationLog is the append-only ledger of every action the engine takes.
// Entries are created once and never updated or deleted; there is deliberately
// no update or delete path anywhere in the codebase.
type CommunicationLog struct {
	gorm.Model
	CreatorID uint `gorm:"not null;index" json:"creator_id"`
	BrandID   uint `gorm:"not null;index" json:"brand_id"`

	LogType LogType `gorm:"not null;index" json:"log_type"`
	Source  string  `json:"source"`

	Subject string `json:"subject"`
	Content string `gorm:"type:text" json:"content"`

	Metadata LogMetadata `gorm:"type:jsonb;serializer:json" json:"metadata"`

	// Optional references to what produced the entry.
	EnrollmentID *uint  `gorm:"index" json:"enrollment_id,omitempty"`
	StepID       *uint  `json:"step_id,omitempty"`
	MessageID    string `json:"message_id,omitempty"`

	// Relations
	Creator Creator `json:"-"`
}
