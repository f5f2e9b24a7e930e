package utils

import (
	"fmt"
	"log"
	"time"

	"creatorflow/models"

	"gorm.io/gorm"
)

// CatalogSeeder clones the shared starter catalog into a brand the first time
// that brand is used. Copy-on-first-use: the clone gets new IDs and the
// brand's scope, so later edits never leak between brands or back into the
// starter templates.
type CatalogSeeder struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewCatalogSeeder(db *gorm.DB, logger *log.Logger) *CatalogSeeder {
	return &CatalogSeeder{DB: db, Logger: logger}
}

// EnsureCatalog is idempotent and safe under concurrent first use. The
// conditional update on brands.catalog_seeded_at is the claim: of two
// simultaneous first requests only one flips the column inside its
// transaction, the other sees zero rows affected and returns without cloning.
func (cs *CatalogSeeder) EnsureCatalog(brandID uint) error {
	return cs.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Brand{}).
			Where("id = ? AND catalog_seeded_at IS NULL", brandID).
			Update("catalog_seeded_at", time.Now())
		if res.Error != nil {
			return fmt.Errorf("failed to claim catalog seed for brand %d: %w", brandID, res.Error)
		}
		if res.RowsAffected == 0 {
			// Already seeded, or another caller holds the claim.
			return nil
		}

		// A brand that authored its own sequences keeps them; the claim is
		// still recorded so we never check again.
		var owned int64
		if err := tx.Model(&models.Sequence{}).Where("brand_id = ?", brandID).Count(&owned).Error; err != nil {
			return err
		}
		if owned > 0 {
			return nil
		}

		var starters []models.Sequence
		err := tx.Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC")
		}).Where("brand_id = ?", models.StarterBrandID).Find(&starters).Error
		if err != nil {
			return fmt.Errorf("failed to load starter catalog: %w", err)
		}

		for _, starter := range starters {
			clone := models.Sequence{
				BrandID:           brandID,
				Name:              starter.Name,
				Description:       starter.Description,
				TriggerEvent:      starter.TriggerEvent,
				TriggerConditions: starter.TriggerConditions,
				IsActive:          starter.IsActive,
			}
			for _, step := range starter.Steps {
				clone.Steps = append(clone.Steps, models.SequenceStep{
					StepOrder:          step.StepOrder,
					DelayDays:          step.DelayDays,
					DelayHours:         step.DelayHours,
					Subject:            step.Subject,
					HTMLContent:        step.HTMLContent,
					TextContent:        step.TextContent,
					StatusChangeAction: step.StatusChangeAction,
				})
			}
			if err := tx.Create(&clone).Error; err != nil {
				return fmt.Errorf("failed to clone starter sequence %q: %w", starter.Name, err)
			}
		}

		cs.Logger.Printf("Seeded %d starter sequences for brand %d", len(starters), brandID)
		return nil
	})
}
