// Package main provides the Variance API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/dukex/variance/pkg/eventbus"
	"github.com/dukex/variance/pkg/experiment"
	"github.com/dukex/variance/pkg/export"
	"github.com/dukex/variance/pkg/persistence"
	"github.com/dukex/variance/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	manager     *experiment.Manager
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	eventBus eventbus.EventBus,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		eventBus:    eventBus,
		manager:     experiment.NewManager(persistence, eventBus, logger),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	exporter := export.NewExporter(a.persistence.EventRepository())
	handlers := web.NewAPIHandlers(a.manager, exporter, a.persistence, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Variance API")
	})

	e := app.Group("/experiments")
	e.Get("/", handlers.GetExperiments)
	e.Post("/", handlers.CreateExperiment)
	e.Get("/:id", handlers.GetExperiment)
	e.Post("/:id/approve", handlers.ApproveExperiment)
	e.Post("/:id/start", handlers.StartExperiment)
	e.Post("/:id/pause", handlers.PauseExperiment)
	e.Post("/:id/resume", handlers.ResumeExperiment)
	e.Post("/:id/stop", handlers.StopExperiment)
	e.Post("/:id/complete", handlers.CompleteExperiment)
	e.Post("/:id/cancel", handlers.CancelExperiment)
	e.Post("/:id/archive", handlers.ArchiveExperiment)
	e.Get("/:id/results", handlers.GetResults)
	e.Get("/:id/export", handlers.ExportExperiment)

	app.Post("/assignments", handlers.CreateAssignment)
	app.Post("/events", handlers.RecordEvent)

	al := app.Group("/alerts")
	al.Get("/", handlers.GetAlerts)
	al.Post("/:id/acknowledge", handlers.AcknowledgeAlert)
	al.Post("/:id/resolve", handlers.ResolveAlert)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(ctx context.Context, port int) error {
	if err := a.manager.Restore(ctx); err != nil {
		return err
	}

	a.manager.RunCompletionLoop(time.Minute)

	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}

func (a *API) Shutdown() {
	a.manager.Shutdown()
}
