// Package web provides HTTP request and response types for the experiment API.
package web

import (
	"time"

	"github.com/dukex/variance/pkg/models"
)

// CreateExperimentRequest is the request body for creating an experiment.
// Cross-field rules (traffic sum, single control, unique variant ids) are
// enforced by the experiment manager; the tags here cover shape only.
type CreateExperimentRequest struct {
	Name              string                    `json:"name"       validate:"required,min=3"`
	Hypothesis        string                    `json:"hypothesis" validate:"required"`
	Owner             string                    `json:"owner"      validate:"required"`
	Team              string                    `json:"team,omitempty"`
	Variants          []*models.Variant         `json:"variants"   validate:"required,min=2"`
	Allocation        models.TrafficAllocation  `json:"allocation"`
	Targeting         models.TargetingCriteria  `json:"targeting"`
	Exclusions        models.ExclusionCriteria  `json:"exclusions"`
	PrimaryMetric     *models.Metric            `json:"primary_metric" validate:"required"`
	SecondaryMetrics  []*models.Metric          `json:"secondary_metrics,omitempty"`
	GuardrailMetrics  []*models.GuardrailMetric `json:"guardrail_metrics,omitempty"`
	StatisticalConfig models.StatisticalConfig  `json:"statistical_config"`
	DurationHours     int64                     `json:"duration_hours,omitempty" validate:"gte=0"`
}

// ToModel builds the domain experiment from the request.
func (r *CreateExperimentRequest) ToModel() *models.Experiment {
	return &models.Experiment{
		Name:              r.Name,
		Hypothesis:        r.Hypothesis,
		Owner:             r.Owner,
		Team:              r.Team,
		Variants:          r.Variants,
		Allocation:        r.Allocation,
		Targeting:         r.Targeting,
		Exclusions:        r.Exclusions,
		PrimaryMetric:     r.PrimaryMetric,
		SecondaryMetrics:  r.SecondaryMetrics,
		GuardrailMetrics:  r.GuardrailMetrics,
		StatisticalConfig: r.StatisticalConfig,
		Duration:          time.Duration(r.DurationHours) * time.Hour,
	}
}

// LifecycleRequest is the shared body for lifecycle transitions. Reason is
// only meaningful for stop and cancel.
type LifecycleRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// AssignmentRequest asks for a subject's variant in an experiment.
type AssignmentRequest struct {
	SubjectID    string         `json:"subject_id"    validate:"required"`
	ExperimentID string         `json:"experiment_id" validate:"required"`
	Context      map[string]any `json:"context,omitempty"`
}

// AssignmentResponse wraps the sticky assignment. Assigned false with a nil
// assignment means the subject is not part of the experiment; callers serve
// their default behavior.
type AssignmentResponse struct {
	Assigned   bool               `json:"assigned"`
	Assignment *models.Assignment `json:"assignment,omitempty"`
}

// RecordEventRequest is the request body for reporting an outcome event.
type RecordEventRequest struct {
	ExperimentID string         `json:"experiment_id" validate:"required"`
	SubjectID    string         `json:"subject_id"    validate:"required"`
	VariantID    string         `json:"variant_id"    validate:"required"`
	MetricID     string         `json:"metric_id"     validate:"required"`
	Value        float64        `json:"value"`
	Payload      map[string]any `json:"payload,omitempty"`
	Timestamp    time.Time      `json:"timestamp,omitempty"`
}

func (r *RecordEventRequest) ToModel() *models.OutcomeEvent {
	return &models.OutcomeEvent{
		ExperimentID: r.ExperimentID,
		SubjectID:    r.SubjectID,
		VariantID:    r.VariantID,
		MetricID:     r.MetricID,
		Value:        r.Value,
		Payload:      r.Payload,
		Timestamp:    r.Timestamp,
	}
}

// ResolveAlertRequest carries the resolution note.
type ResolveAlertRequest struct {
	Note string `json:"note,omitempty"`
}
