package controller

import (
	"errors"
	"log"

	"creatorflow/models"
	"creatorflow/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type SequenceController struct {
	DB      *gorm.DB
	Logger  *log.Logger
	Manager *utils.EnrollmentManager
}

func NewSequenceController(db *gorm.DB, logger *log.Logger) *SequenceController {
	return &SequenceController{
		DB:      db,
		Logger:  logger,
		Manager: utils.NewEnrollmentManager(db, utils.NewCommLog(db), logger),
	}
}

// GetSequences lists a brand's sequences
func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	brandID := c.QueryInt("brand_id")
	if brandID < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "brand_id query parameter is required",
		})
	}

	query := sc.DB.Where("brand_id = ?", brandID)
	if c.QueryBool("include_steps") {
		query = query.Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC")
		})
	}

	var sequences []models.Sequence
	if err := query.Order("id ASC").Find(&sequences).Error; err != nil {
		sc.Logger.Printf("Failed to list sequences: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list sequences",
		})
	}

	return c.JSON(fiber.Map{
		"sequences": sequences,
	})
}

type stepRequest struct {
	StepOrder          int    `json:"step_order" validate:"required,min=1"`
	DelayDays          int    `json:"delay_days" validate:"min=0"`
	DelayHours         int    `json:"delay_hours" validate:"min=0,max=23"`
	Subject            string `json:"subject" validate:"required,max=500"`
	HTMLContent        string `json:"html_content"`
	TextContent        string `json:"text_content"`
	StatusChangeAction string `json:"status_change_action"`
}

type updateSequenceRequest struct {
	Name         *string        `json:"name" validate:"omitempty,max=200"`
	Description  *string        `json:"description"`
	TriggerEvent *string        `json:"trigger_event" validate:"omitempty,max=100"`
	IsActive     *bool          `json:"is_active"`
	Steps        *[]stepRequest `json:"steps"`
}

// UpdateSequence modifies sequence metadata and optionally replaces the full
// step list. Step replacement is rejected while live enrollments exist.
func (sc *SequenceController) UpdateSequence(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid sequence id",
		})
	}

	var req updateSequenceRequest
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

	update := utils.SequenceUpdate{
		Name:         req.Name,
		Description:  req.Description,
		TriggerEvent: req.TriggerEvent,
		IsActive:     req.IsActive,
	}
	if req.Steps != nil {
		steps := make([]models.SequenceStep, 0, len(*req.Steps))
		for _, s := range *req.Steps {
			action := models.CreatorStatus(s.StatusChangeAction)
			if action != "" && !models.IsKnownStatus(action) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Unknown status_change_action: " + s.StatusChangeAction,
				})
			}
			steps = append(steps, models.SequenceStep{
				StepOrder:          s.StepOrder,
				DelayDays:          s.DelayDays,
				DelayHours:         s.DelayHours,
				Subject:            s.Subject,
				HTMLContent:        s.HTMLContent,
				TextContent:        s.TextContent,
				StatusChangeAction: action,
			})
		}
		update.Steps = &steps
	}

	if err := sc.Manager.ModifySequence(uint(id), update); err != nil {
		var integrity *utils.CatalogIntegrityError
		switch {
		case errors.Is(err, utils.ErrSequenceLocked):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Sequence has active enrollments; step replacement is frozen",
			})
		case errors.As(err, &integrity):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": integrity.Error(),
			})
		case errors.Is(err, gorm.ErrRecordNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Sequence not found",
			})
		default:
			sc.Logger.Printf("Sequence update failed: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to update sequence",
			})
		}
	}

	return c.JSON(fiber.Map{
		"success": true,
	})
}
