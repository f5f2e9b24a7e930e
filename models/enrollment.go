package models

import (
	"time"

	"gorm.io/gorm"
)

// EnrollmentStatus is the lifecycle of one creator's run through one sequence.
type EnrollmentStatus string

const (
	EnrollmentActive      EnrollmentStatus = "active"
	EnrollmentDispatching EnrollmentStatus = "dispatching"
	EnrollmentCompleted   EnrollmentStatus = "completed"
	EnrollmentCancelled   EnrollmentStatus = "cancelled"
	EnrollmentFailed      EnrollmentStatus = "failed"
)

// IsTerminal reports whether the status owes no further sends.
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentCancelled || s == EnrollmentFailed
}

// EnrollmentMetadata is the context captured when an enrollment is created.
type EnrollmentMetadata struct {
	// StatusAtEnrollment is the creator status that produced the enrollment.
	StatusAtEnrollment CreatorStatus `json:"status_at_enrollment,omitempty"`

	// Priority and Reasoning come from the trigger evaluator's recommendation.
	Priority  int    `json:"priority,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`

	// Source identifies the caller (e.g. "status_change", "manual", "api").
	Source string `json:"source,omitempty"`
}

// SequenceEnrollment joins one creator to one sequence and tracks progress.
//
// At most one non-terminal enrollment may exist per (creator, sequence) pair;
// a partial unique index created in MigrateDB enforces this, and the
// enrollment manager reports index conflicts as AlreadyEnrolled.
//
// NextSendAt is non-null exactly while the enrollment is non-terminal. The
// enrollment row is the unit of mutual exclusion for dispatch: a worker claims
// it by flipping active -> dispatching with a conditional update, so two
// concurrent schedulers can never send the same step twice.
type SequenceEnrollment struct {
	gorm.Model
	CreatorID  uint `gorm:"not null;index" json:"creator_id"`
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`
	BrandID    uint `gorm:"not null;index" json:"brand_id"`

	EnrollmentTrigger string           `gorm:"not null" json:"enrollment_trigger"`
	Status            EnrollmentStatus `gorm:"not null;default:'active';index" json:"status"`

	// CurrentStep is the last step sent (0 = before step 1).
	CurrentStep int        `gorm:"not null;default:0" json:"current_step"`
	NextSendAt  *time.Time `gorm:"index" json:"next_send_at"`

	// ClaimExpiresAt bounds how long a dispatching claim may be held. A
	// worker that finds an expired claim may reclaim the enrollment.
	ClaimExpiresAt *time.Time `json:"claim_expires_at"`

	// CancelRequested is set by administrative cancellation and re-checked
	// by the dispatcher after claiming, so cancellation races safely against
	// an in-flight claim.
	CancelRequested bool `gorm:"default:false" json:"cancel_requested"`

	FailureCount  int    `gorm:"default:0" json:"failure_count"`
	FailureReason string `json:"failure_reason"`

	Metadata EnrollmentMetadata `gorm:"type:jsonb;serializer:json" json:"metadata"`

	CompletedAt *time.Time `json:"completed_at"`

	// Relations
	Creator  Creator  `json:"-"`
	Sequence Sequence `json:"-"`
}
