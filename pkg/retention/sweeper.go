// Package retention enforces data retention: periodic purges of aged outcome
// events and assignment records, and archival of finished experiments.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dukex/variance/pkg/models"
	"github.com/dukex/variance/pkg/persistence"
)

// Config holds the retention horizons. Zero durations disable the
// corresponding sweep.
type Config struct {
	Schedule            string        // Cron expression; defaults to hourly
	EventRetention      time.Duration // Outcome events older than this are purged
	AssignmentRetention time.Duration // Assignments not seen within this window are purged
	ArchiveAfter        time.Duration // Finished experiments idle this long are archived
}

const defaultSchedule = "@hourly"

type Sweeper struct {
	persistence persistence.Persistence
	config      Config
	logger      *slog.Logger
	cron        *cron.Cron
	now         func() time.Time
}

func NewSweeper(p persistence.Persistence, config Config, logger *slog.Logger) *Sweeper {
	if config.Schedule == "" {
		config.Schedule = defaultSchedule
	}

	return &Sweeper{
		persistence: p,
		config:      config,
		logger:      logger.With("module", "retention"),
		cron:        cron.New(),
		now:         time.Now,
	}
}

// Start schedules the sweep and returns immediately.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.config.Schedule, func() {
		if err := s.Sweep(context.Background()); err != nil {
			s.logger.Error("Retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("Retention sweeper started", "schedule", s.config.Schedule)

	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one retention pass. Each stage is independent; a failure in one
// does not prevent the others from running.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.now()

	var firstErr error

	if s.config.EventRetention > 0 {
		cutoff := now.Add(-s.config.EventRetention)

		purged, err := s.persistence.EventRepository().DeleteOlderThan(ctx, cutoff)
		if err != nil {
			s.logger.Error("Failed to purge outcome events", "error", err)
			firstErr = err
		} else if purged > 0 {
			s.logger.Info("Purged outcome events", "count", purged, "cutoff", cutoff)
		}
	}

	if s.config.AssignmentRetention > 0 {
		cutoff := now.Add(-s.config.AssignmentRetention)

		purged, err := s.persistence.AssignmentRepository().DeleteOlderThan(ctx, cutoff)
		if err != nil {
			s.logger.Error("Failed to purge assignments", "error", err)

			if firstErr == nil {
				firstErr = err
			}
		} else if purged > 0 {
			s.logger.Info("Purged assignments", "count", purged, "cutoff", cutoff)
		}
	}

	if s.config.ArchiveAfter > 0 {
		if err := s.archiveFinished(ctx, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// archiveFinished moves experiments that have been in a terminal state for
// longer than ArchiveAfter into the archived state.
func (s *Sweeper) archiveFinished(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.config.ArchiveAfter)
	repository := s.persistence.ExperimentRepository()

	var firstErr error

	for _, status := range []models.ExperimentStatus{
		models.ExperimentStatusStopped,
		models.ExperimentStatusCompleted,
		models.ExperimentStatusCancelled,
	} {
		experiments, err := repository.ByStatus(ctx, status)
		if err != nil {
			s.logger.Error("Failed to list experiments for archival", "status", status, "error", err)

			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		for _, experiment := range experiments {
			if experiment.UpdatedAt.After(cutoff) {
				continue
			}

			experiment.Status = models.ExperimentStatusArchived
			experiment.UpdatedAt = now
			experiment.Decisions = append(experiment.Decisions, models.Decision{
				At:        now,
				Actor:     "retention",
				Action:    "archive",
				Reason:    "retention policy",
				Automatic: true,
			})

			if err := repository.Save(ctx, experiment); err != nil {
				s.logger.Error("Failed to archive experiment", "experiment_id", experiment.ID, "error", err)

				if firstErr == nil {
					firstErr = err
				}

				continue
			}

			s.logger.Info("Archived experiment", "experiment_id", experiment.ID)
		}
	}

	return firstErr
}
