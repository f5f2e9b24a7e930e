package utils

import (
	"fmt"

	"creatorflow/models"

	"gorm.io/gorm"
)

// StatusMutator applies a step's status change action to a creator. The
// engine does not interpret status semantics; it only invokes this
// collaborator when a step declares one.
type StatusMutator interface {
	SetStatus(tx *gorm.DB, creatorID uint, newStatus models.CreatorStatus) error
}

// DBStatusMutator writes the status straight to the creators table.
type DBStatusMutator struct{}

func (DBStatusMutator) SetStatus(tx *gorm.DB, creatorID uint, newStatus models.CreatorStatus) error {
	res := tx.Model(&models.Creator{}).
		Where("id = ?", creatorID).
		Update("status", newStatus)
	if res.Error != nil {
		return fmt.Errorf("failed to update creator %d status: %w", creatorID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("creator %d not found", creatorID)
	}
	return nil
}
