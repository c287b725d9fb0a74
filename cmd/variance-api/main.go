package main

import (
	"context"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/variance/pkg/cmd"
	"github.com/dukex/variance/pkg/eventbus"
	"github.com/dukex/variance/pkg/log"
	"github.com/dukex/variance/pkg/otelhelper"
	"github.com/dukex/variance/pkg/retention"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "variance-api",
		Usage:                 "Create and manage controlled experiments",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL for persistence (redis:// or memory://)",
				Value:   "memory://",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.IntFlag{
				Name:    "event-retention-days",
				Usage:   "Days to retain raw outcome events (0 disables the purge)",
				Value:   90,
				Sources: cli.EnvVars("EVENT_RETENTION_DAYS"),
			},
			&cli.IntFlag{
				Name:    "assignment-retention-days",
				Usage:   "Days to retain assignments not seen since (0 disables the purge)",
				Value:   180,
				Sources: cli.EnvVars("ASSIGNMENT_RETENTION_DAYS"),
			},
			&cli.IntFlag{
				Name:    "archive-after-days",
				Usage:   "Days after which finished experiments are archived (0 disables)",
				Value:   30,
				Sources: cli.EnvVars("ARCHIVE_AFTER_DAYS"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry tracing for event consumption",
				Sources: cli.EnvVars("OTEL_TRACING"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("api")
			logger.InfoContext(ctx, "Initializing Variance API")

			persistence := cmd.NewPersistence(command.String("database-url"))

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			if command.Bool("tracing") {
				tracer, err := otelhelper.NewTracer(ctx, "variance-api")
				if err != nil {
					return err
				}

				if bus, ok := eventBus.(*eventbus.WatermillEventBus); ok {
					bus.SetTracer(tracer)
				}
			}

			sweeper := retention.NewSweeper(persistence, retention.Config{
				EventRetention:      day(command.Int("event-retention-days")),
				AssignmentRetention: day(command.Int("assignment-retention-days")),
				ArchiveAfter:        day(command.Int("archive-after-days")),
			}, logger)

			if err := sweeper.Start(); err != nil {
				return err
			}
			defer sweeper.Stop()

			api := NewAPI(logger, persistence, eventBus)
			defer api.Shutdown()

			if err := api.Start(ctx, command.Int("port")); err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)

				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func day(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
