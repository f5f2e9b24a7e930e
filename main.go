package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"creatorflow/config"
	"creatorflow/middleware"
	"creatorflow/routes"
	"creatorflow/utils"
	"creatorflow/worker"
)

func main() {
	// Initialize logger
	logger := log.New(os.Stdout, "DISPATCH: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize Sentry for integrity and dispatch alerting
	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Create Fiber app
	app := fiber.New()

	// Add CORS middleware
	app.Use(middleware.CORS())

	// Initialize mailer from SMTP config
	mailer := utils.NewSMTPMailer(
		config.AppConfig.SMTPHost,
		config.AppConfig.SMTPPort,
		config.AppConfig.SMTPUsername,
		config.AppConfig.SMTPPassword,
		30*time.Second,
	)

	// Initialize and start dispatch worker
	dispatchWorker := worker.NewDispatchWorker(config.DB, mailer, logger)
	dispatchWorker.Interval = time.Duration(config.AppConfig.DispatchIntervalSeconds) * time.Second
	dispatchWorker.RetryDelay = time.Duration(config.AppConfig.DispatchRetryMinutes) * time.Minute
	dispatchWorker.MaxSendAttempts = config.AppConfig.DispatchMaxAttempts
	dispatchWorker.DefaultFromEmail = config.AppConfig.FromEmail
	dispatchWorker.DefaultFromName = config.AppConfig.FromName

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatchWorker.Start(ctx)

	// Setup routes
	routes.SetupRoutes(app, config.DB)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
