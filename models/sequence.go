package models

import "gorm.io/gorm"

// Sequence represents an automated communication sequence owned by one brand.
// Definitions are read-only to the runtime engine; administrative edits go
// through the sequence controller and replace steps wholesale.
type Sequence struct {
	gorm.Model
	BrandID uint `gorm:"not null;index" json:"brand_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	// TriggerEvent is the symbolic key the trigger evaluator matches on,
	// e.g. "status_added" or "no_response_followup".
	TriggerEvent      string            `gorm:"not null;index" json:"trigger_event"`
	TriggerConditions TriggerConditions `gorm:"type:jsonb;serializer:json" json:"trigger_conditions"`

	IsActive bool `gorm:"default:true" json:"is_active"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// TriggerConditions narrows when a sequence's trigger event applies.
type TriggerConditions struct {
	// RequirePriorSend gates the sequence on at least one previous send to
	// the creator.
	RequirePriorSend bool `json:"require_prior_send,omitempty"`

	// MinDaysSinceContact is the minimum age in days of the newest log entry
	// before the sequence becomes eligible (0 = no requirement).
	MinDaysSinceContact int `json:"min_days_since_contact,omitempty"`
}

// SequenceStep represents one message in a sequence. StepOrder is 1-based and
// unique within the sequence. The delay is relative to the previous step's
// actual send time, or to enrollment time for step 1.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;uniqueIndex:idx_sequence_step_order" json:"sequence_id"`

	StepOrder  int `gorm:"not null;uniqueIndex:idx_sequence_step_order" json:"step_order"`
	DelayDays  int `gorm:"not null;default:0" json:"delay_days"`
	DelayHours int `gorm:"not null;default:0" json:"delay_hours"`

	Subject     string `gorm:"not null" json:"subject"`
	HTMLContent string `gorm:"type:text" json:"html_content"`
	TextContent string `gorm:"type:text" json:"text_content"`

	// StatusChangeAction, when set, is applied to the creator after this
	// step is sent.
	StatusChangeAction CreatorStatus `json:"status_change_action"`

	// Relations
	Sequence Sequence `json:"-"`
}
