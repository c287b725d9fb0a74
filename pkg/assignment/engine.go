// Package assignment resolves the sticky variant for a subject in a running
// experiment.
package assignment

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/variance/pkg/bucket"
	"github.com/dukex/variance/pkg/eventbus"
	"github.com/dukex/variance/pkg/events"
	"github.com/dukex/variance/pkg/models"
	"github.com/dukex/variance/pkg/persistence"
	"github.com/dukex/variance/pkg/targeting"
)

type Engine struct {
	experiments persistence.ExperimentRepository
	assignments persistence.AssignmentRepository
	evaluator   *targeting.Evaluator
	publisher   eventbus.EventPublisher // Optional; nil disables notifications
	logger      *slog.Logger
	now         func() time.Time
}

func NewEngine(
	experiments persistence.ExperimentRepository,
	assignments persistence.AssignmentRepository,
	evaluator *targeting.Evaluator,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		experiments: experiments,
		assignments: assignments,
		evaluator:   evaluator,
		publisher:   publisher,
		logger:      logger.With("module", "assignment"),
		now:         time.Now,
	}
}

// GetAssignment returns the subject's sticky assignment for the experiment,
// creating one when the subject is seen for the first time. A nil assignment
// with a nil error is the documented "not part of the experiment" signal: it
// covers unknown and non-running experiments and ineligible subjects alike.
//
// Two concurrent first touches for the same subject converge on the same
// variant because selection is a pure function of (subject, experiment); the
// racing writes are therefore idempotent.
func (e *Engine) GetAssignment(ctx context.Context, subjectID, experimentID string, requestContext map[string]any) (*models.Assignment, error) {
	experiment, err := e.experiments.ByID(ctx, experimentID)
	if err != nil {
		if persistence.IsExperimentNotFound(err) {
			return nil, nil
		}

		return nil, err
	}

	if experiment.Status != models.ExperimentStatusRunning {
		return nil, nil
	}

	if !e.evaluator.IsEligible(subjectID, experiment, requestContext) {
		return nil, nil
	}

	now := e.now()

	existing, err := e.assignments.Get(ctx, experimentID, subjectID)
	if err == nil {
		existing.Touch(now, requestContext)

		if err := e.assignments.Save(ctx, existing); err != nil {
			e.logger.Warn("Failed to refresh assignment",
				"experiment_id", experimentID, "subject_id", subjectID, "error", err)
		}

		return existing, nil
	}

	if !persistence.IsAssignmentNotFound(err) {
		return nil, err
	}

	variant := SelectVariant(experiment, subjectID)
	if variant == nil {
		return nil, nil
	}

	created := &models.Assignment{
		SubjectID:    subjectID,
		ExperimentID: experimentID,
		VariantID:    variant.ID,
		AssignedAt:   now,
		LastSeen:     now,
	}
	created.Touch(now, requestContext)

	if err := e.assignments.Save(ctx, created); err != nil {
		return nil, err
	}

	e.publishCreated(ctx, created)

	return created, nil
}

// SelectVariant maps the subject onto a variant by walking the variants in
// definition order and accumulating traffic shares until the subject's
// bucket value is covered. The last variant absorbs any floating-point
// shortfall at the 100% boundary.
func SelectVariant(experiment *models.Experiment, subjectID string) *models.Variant {
	if len(experiment.Variants) == 0 {
		return nil
	}

	h := bucket.Bucket(subjectID, experiment.ID)

	cumulative := 0.0

	for _, variant := range experiment.Variants {
		cumulative += variant.TrafficPercent / 100

		if h < cumulative {
			return variant
		}
	}

	return experiment.Variants[len(experiment.Variants)-1]
}

func (e *Engine) publishCreated(ctx context.Context, assignment *models.Assignment) {
	if e.publisher == nil {
		return
	}

	event := events.AssignmentCreated{
		BaseEvent: events.BaseEvent{
			ID:           uuid.New().String(),
			Type:         events.AssignmentCreatedEvent,
			Timestamp:    assignment.AssignedAt,
			ExperimentID: assignment.ExperimentID,
		},
		SubjectID: assignment.SubjectID,
		VariantID: assignment.VariantID,
	}

	if err := e.publisher.Publish(ctx, assignment.ExperimentID, event); err != nil {
		e.logger.Warn("Failed to publish assignment notification",
			"experiment_id", assignment.ExperimentID, "subject_id", assignment.SubjectID, "error", err)
	}
}
