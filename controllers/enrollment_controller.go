package controller

import (
	"errors"
	"log"

	"creatorflow/models"
	"creatorflow/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type EnrollmentController struct {
	DB      *gorm.DB
	Logger  *log.Logger
	Manager *utils.EnrollmentManager
}

func NewEnrollmentController(db *gorm.DB, logger *log.Logger) *EnrollmentController {
	commLog := utils.NewCommLog(db)
	return &EnrollmentController{
		DB:      db,
		Logger:  logger,
		Manager: utils.NewEnrollmentManager(db, commLog, logger),
	}
}

type enrollRequest struct {
	CreatorID  uint   `json:"creator_id" validate:"required"`
	SequenceID uint   `json:"sequence_id" validate:"required"`
	Trigger    string `json:"trigger" validate:"required,max=100"`
	Reasoning  string `json:"reasoning"`
	Source     string `json:"source"`
}

// CreateEnrollment enrolls a creator into a sequence
func (ec *EnrollmentController) CreateEnrollment(c *fiber.Ctx) error {
	var req enrollRequest
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

	source := req.Source
	if source == "" {
		source = "api"
	}

	enrollment, err := ec.Manager.Enroll(req.CreatorID, req.SequenceID, req.Trigger, models.EnrollmentMetadata{
		Reasoning: req.Reasoning,
		Source:    source,
	})
	if err != nil {
		return ec.renderEnrollError(c, &req, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"enrollment": enrollment,
	})
}

func (ec *EnrollmentController) renderEnrollError(c *fiber.Ctx, req *enrollRequest, err error) error {
	var integrity *utils.CatalogIntegrityError

	switch {
	case errors.Is(err, utils.ErrAlreadyEnrolled):
		var creator models.Creator
		if lookupErr := ec.DB.First(&creator, req.CreatorID).Error; lookupErr == nil {
			ec.Manager.RecordRejection(creator.ID, creator.BrandID, req.SequenceID, req.Trigger, "already enrolled")
		}
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Creator is already enrolled in this sequence",
		})
	case errors.As(err, &integrity):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": integrity.Error(),
		})
	case errors.Is(err, utils.ErrSequenceInactive):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "Sequence is not active",
		})
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Creator or sequence not found",
		})
	default:
		ec.Logger.Printf("Enrollment failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create enrollment",
		})
	}
}

// CancelEnrollment requests administrative cancellation of an enrollment
func (ec *EnrollmentController) CancelEnrollment(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid enrollment id",
		})
	}

	reason := c.Query("reason", "cancelled by administrator")

	if err := ec.Manager.Cancel(uint(id), reason); err != nil {
		switch {
		case errors.Is(err, utils.ErrEnrollmentTerminal):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Enrollment is already terminal",
			})
		case errors.Is(err, gorm.ErrRecordNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Enrollment not found",
			})
		default:
			ec.Logger.Printf("Cancellation failed: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to cancel enrollment",
			})
		}
	}

	return c.JSON(fiber.Map{
		"message": "Enrollment cancellation requested",
	})
}

// GetEnrollment returns one enrollment
func (ec *EnrollmentController) GetEnrollment(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid enrollment id",
		})
	}

	var enrollment models.SequenceEnrollment
	if err := ec.DB.First(&enrollment, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Enrollment not found",
		})
	}

	return c.JSON(fiber.Map{
		"enrollment": enrollment,
	})
}
