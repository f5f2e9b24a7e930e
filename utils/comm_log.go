package utils

import (
	"fmt"

	"creatorflow/models"

	"gorm.io/gorm"
)

// CommLog is the append-only communication ledger. There is no update or
// delete operation on it by design: a send without a matching log entry is an
// auditability violation, so append failures must fail the caller's enclosing
// transaction.
type CommLog struct {
	DB *gorm.DB
}

func NewCommLog(db *gorm.DB) *CommLog {
	return &CommLog{DB: db}
}

// Append writes one entry using tx so it commits or rolls back with the
// caller's transaction. Pass cl.DB when no transaction is in flight.
func (cl *CommLog) Append(tx *gorm.DB, entry *models.CommunicationLog) error {
	if entry.CreatorID == 0 {
		return fmt.Errorf("comm log entry requires a creator id")
	}
	if entry.LogType == "" {
		return fmt.Errorf("comm log entry requires a log type")
	}
	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append communication log: %w", err)
	}
	return nil
}

// RecentFor returns the creator's newest entries, newest first. The trigger
// evaluator uses this for its time-since-last-contact heuristic.
func (cl *CommLog) RecentFor(creatorID uint, limit int) ([]models.CommunicationLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var entries []models.CommunicationLog
	err := cl.DB.Where("creator_id = ?", creatorID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load communication log: %w", err)
	}
	return entries, nil
}
