// Package persistence provides the data storage abstraction for experiments,
// assignments, outcome events, and alerts.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/variance/pkg/models"
)

type Persistence interface {
	ExperimentRepository() ExperimentRepository
	AssignmentRepository() AssignmentRepository
	EventRepository() EventRepository
	AlertRepository() AlertRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type ExperimentRepository interface {
	All(ctx context.Context) ([]*models.Experiment, error)
	ByID(ctx context.Context, id string) (*models.Experiment, error)
	ByStatus(ctx context.Context, status models.ExperimentStatus) ([]*models.Experiment, error)
	Save(ctx context.Context, experiment *models.Experiment) error
	Delete(ctx context.Context, id string) error
}

type AssignmentRepository interface {
	Get(ctx context.Context, experimentID, subjectID string) (*models.Assignment, error)
	Save(ctx context.Context, assignment *models.Assignment) error
	ByExperiment(ctx context.Context, experimentID string) ([]*models.Assignment, error)
	// CountByVariant returns how many subjects hold each variant. User
	// counts derive from stored assignments, so concurrent writers never
	// race on a shared counter.
	CountByVariant(ctx context.Context, experimentID string) (map[string]int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type EventRepository interface {
	Append(ctx context.Context, event *models.OutcomeEvent) error
	ByExperiment(ctx context.Context, experimentID string, since time.Time) ([]*models.OutcomeEvent, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type AlertRepository interface {
	Save(ctx context.Context, alert *models.Alert) error
	ByID(ctx context.Context, id string) (*models.Alert, error)
	// Active returns unresolved alerts, optionally filtered by experiment
	// (empty id means all experiments).
	Active(ctx context.Context, experimentID string) ([]*models.Alert, error)
}
