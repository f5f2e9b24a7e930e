package routes

import (
	"log"
	"os"

	controller "creatorflow/controllers"
	"creatorflow/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"
)

func SetupAPIRoutes(app *fiber.App, db *gorm.DB) {
	// Initialize controllers with their respective loggers
	enrollmentController := controller.NewEnrollmentController(db, log.New(os.Stdout, "ENROLL: ", log.LstdFlags))
	sequenceController := controller.NewSequenceController(db, log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags))
	creatorController := controller.NewCreatorController(db, log.New(os.Stdout, "CREATOR: ", log.LstdFlags))

	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Enrollment routes
	enrollment := api.Group("/enrollments", middleware.EnrollRateLimiter())
	enrollment.Post("/", enrollmentController.CreateEnrollment)
	enrollment.Get("/:id", enrollmentController.GetEnrollment)
	enrollment.Delete("/:id", enrollmentController.CancelEnrollment)

	// Sequence catalog routes
	sequence := api.Group("/sequences")
	sequence.Get("/", sequenceController.GetSequences)
	sequence.Put("/:id", sequenceController.UpdateSequence)

	// Creator lifecycle routes
	creator := api.Group("/creators")
	creator.Post("/:id/status", middleware.EnrollRateLimiter(), creatorController.UpdateCreatorStatus)
	creator.Get("/:id/log", creatorController.GetCreatorLog)

	log.Println("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, db *gorm.DB) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupAPIRoutes(app, db)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
