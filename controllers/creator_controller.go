package controller

import (
	"errors"
	"log"
	"time"

	"creatorflow/config"
	"creatorflow/models"
	"creatorflow/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type CreatorController struct {
	DB        *gorm.DB
	Logger    *log.Logger
	Manager   *utils.EnrollmentManager
	Seeder    *utils.CatalogSeeder
	Evaluator *utils.TriggerEvaluator
	CommLog   *utils.CommLog
}

func NewCreatorController(db *gorm.DB, logger *log.Logger) *CreatorController {
	commLog := utils.NewCommLog(db)
	evaluator := utils.NewTriggerEvaluator()
	if days := config.AppConfig.InactivityThresholdDays; days > 0 {
		evaluator.InactivityThreshold = time.Duration(days) * 24 * time.Hour
	}
	return &CreatorController{
		DB:        db,
		Logger:    logger,
		Manager:   utils.NewEnrollmentManager(db, commLog, logger),
		Seeder:    utils.NewCatalogSeeder(db, logger),
		Evaluator: evaluator,
		CommLog:   commLog,
	}
}

type statusChangeRequest struct {
	Status string `json:"status" validate:"required"`
	Source string `json:"source"`
}

// UpdateCreatorStatus handles an external lifecycle event: it records the new
// status, runs trigger evaluation and enrolls the creator into whatever the
// evaluator recommends.
func (cc *CreatorController) UpdateCreatorStatus(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid creator id",
		})
	}

	var req statusChangeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	newStatus := models.CreatorStatus(req.Status)
	if !models.IsKnownStatus(newStatus) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown creator status: " + req.Status,
		})
	}

	var creator models.Creator
	if err := cc.DB.First(&creator, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Creator not found",
		})
	}

	// First use of a brand clones the starter catalog for it.
	if err := cc.Seeder.EnsureCatalog(creator.BrandID); err != nil {
		cc.Logger.Printf("Catalog seeding failed for brand %d: %v", creator.BrandID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to prepare brand catalog",
		})
	}

	source := req.Source
	if source == "" {
		source = "status_change"
	}

	oldStatus := creator.Status
	err = cc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Creator{}).Where("id = ?", creator.ID).
			Update("status", newStatus).Error; err != nil {
			return err
		}
		return cc.CommLog.Append(tx, &models.CommunicationLog{
			CreatorID: creator.ID,
			BrandID:   creator.BrandID,
			LogType:   models.LogTypeStatusChange,
			Source:    source,
			Subject:   "Status changed to " + req.Status,
			Metadata: models.LogMetadata{
				OldStatus: oldStatus,
				NewStatus: newStatus,
			},
		})
	})
	if err != nil {
		cc.Logger.Printf("Status update failed for creator %d: %v", creator.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update creator status",
		})
	}
	creator.Status = newStatus

	enrollments, err := cc.runTriggerEvaluation(&creator, source)
	if err != nil {
		cc.Logger.Printf("Trigger evaluation failed for creator %d: %v", creator.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Status updated but trigger evaluation failed",
		})
	}

	return c.JSON(fiber.Map{
		"creator":     creator,
		"enrollments": enrollments,
	})
}

// runTriggerEvaluation feeds the evaluator and acts on its recommendations.
// Duplicate enrollments are rejected by the manager and logged, never
// treated as failures.
func (cc *CreatorController) runTriggerEvaluation(creator *models.Creator, source string) ([]models.SequenceEnrollment, error) {
	recentLog, err := cc.CommLog.RecentFor(creator.ID, 20)
	if err != nil {
		return nil, err
	}

	var sequences []models.Sequence
	err = cc.DB.Where("brand_id = ? AND is_active = ?", creator.BrandID, true).Find(&sequences).Error
	if err != nil {
		return nil, err
	}

	actions := cc.Evaluator.Evaluate(creator, recentLog, sequences, time.Now())

	var created []models.SequenceEnrollment
	for _, action := range actions {
		enrollment, err := cc.Manager.Enroll(creator.ID, action.SequenceID, action.TriggerEvent, models.EnrollmentMetadata{
			StatusAtEnrollment: creator.Status,
			Priority:           action.Priority,
			Reasoning:          action.Reasoning,
			Source:             source,
		})
		if err != nil {
			if errors.Is(err, utils.ErrAlreadyEnrolled) {
				cc.Manager.RecordRejection(creator.ID, creator.BrandID, action.SequenceID, action.TriggerEvent, "already enrolled")
				continue
			}
			cc.Logger.Printf("Enrollment from trigger %q failed for creator %d: %v", action.TriggerEvent, creator.ID, err)
			continue
		}
		created = append(created, *enrollment)
	}
	return created, nil
}

// GetCreatorLog returns the creator's recent communication log, newest first
func (cc *CreatorController) GetCreatorLog(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid creator id",
		})
	}

	limit := c.QueryInt("limit", 20)
	entries, err := cc.CommLog.RecentFor(uint(id), limit)
	if err != nil {
		cc.Logger.Printf("Failed to load log for creator %d: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load communication log",
		})
	}

	return c.JSON(fiber.Map{
		"entries": entries,
	})
}
