package models

import (
	"time"

	"gorm.io/gorm"
)

// Brand represents a tenant that owns creators and a sequence catalog
type Brand struct {
	gorm.Model
	Name string `gorm:"not null" json:"name"`

	// CatalogSeededAt is the claim column for the starter catalog seeder.
	// Non-null means some caller already won the right to clone the starter
	// catalog for this brand.
	CatalogSeededAt *time.Time `json:"catalog_seeded_at"`

	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`

	// Relations
	Creators  []Creator  `gorm:"foreignKey:BrandID" json:"creators,omitempty"`
	Sequences []Sequence `gorm:"foreignKey:BrandID" json:"sequences,omitempty"`
}

// CreatorStatus is the closed set of lifecycle states a creator moves through.
// External workflow actions mutate it; the engine only reads it, except when a
// sequence step declares a status change action.
type CreatorStatus string

const (
	StatusAdded           CreatorStatus = "ADDED"
	StatusScheduleCall    CreatorStatus = "SCHEDULE CALL"
	StatusCallCompleted   CreatorStatus = "CALL COMPLETED"
	StatusNegotiating     CreatorStatus = "NEGOTIATING"
	StatusContractSent    CreatorStatus = "CONTRACT SENT"
	StatusShippingProduct CreatorStatus = "SHIPPING PRODUCT"
	StatusContentDue      CreatorStatus = "CONTENT DUE"
	StatusScriptApproved  CreatorStatus = "SCRIPT APPROVED"
	StatusScriptRejected  CreatorStatus = "SCRIPT REJECTED"
	StatusPublished       CreatorStatus = "PUBLISHED"
	StatusInactive        CreatorStatus = "INACTIVE"
)

// KnownStatuses lists every status the engine accepts from the outside.
var KnownStatuses = []CreatorStatus{
	StatusAdded,
	StatusScheduleCall,
	StatusCallCompleted,
	StatusNegotiating,
	StatusContractSent,
	StatusShippingProduct,
	StatusContentDue,
	StatusScriptApproved,
	StatusScriptRejected,
	StatusPublished,
	StatusInactive,
}

// IsKnownStatus reports whether s is part of the closed lifecycle set.
func IsKnownStatus(s CreatorStatus) bool {
	for _, known := range KnownStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Creator represents an external collaborator tracked through the lifecycle
type Creator struct {
	gorm.Model
	BrandID uint `gorm:"not null;index" json:"brand_id"`

	Name   string        `json:"name"`
	Email  string        `gorm:"not null;index" json:"email"`
	Handle string        `json:"handle"`
	Status CreatorStatus `gorm:"not null;default:'ADDED'" json:"status"`

	LastContactAt *time.Time `json:"last_contact_at"`

	// Relations
	Brand       Brand                `json:"-"`
	Enrollments []SequenceEnrollment `gorm:"foreignKey:CreatorID" json:"enrollments,omitempty"`
	LogEntries  []CommunicationLog   `gorm:"foreignKey:CreatorID" json:"log_entries,omitempty"`
}
