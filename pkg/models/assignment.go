package models

import "time"

// ContextHistoryLimit bounds how many request contexts are retained per
// assignment.
const ContextHistoryLimit = 10

// Assignment records the sticky variant for a (subject, experiment) pair.
// Once created the variant never changes for the life of the experiment,
// unless traffic has been explicitly rebalanced.
type Assignment struct {
	SubjectID      string           `json:"subject_id"`
	ExperimentID   string           `json:"experiment_id"`
	VariantID      string           `json:"variant_id"`
	AssignedAt     time.Time        `json:"assigned_at"`
	LastSeen       time.Time        `json:"last_seen"`
	ContextHistory []map[string]any `json:"context_history,omitempty"`
}

// Touch updates LastSeen and appends the request context to the bounded
// history.
func (a *Assignment) Touch(now time.Time, requestContext map[string]any) {
	a.LastSeen = now

	if requestContext == nil {
		return
	}

	a.ContextHistory = append(a.ContextHistory, requestContext)
	if len(a.ContextHistory) > ContextHistoryLimit {
		a.ContextHistory = a.ContextHistory[len(a.ContextHistory)-ContextHistoryLimit:]
	}
}

// OutcomeEvent is a single observed outcome reported by a caller. Events are
// append-only and never mutated after recording.
type OutcomeEvent struct {
	ID           string         `json:"id"`
	ExperimentID string         `json:"experiment_id" validate:"required"`
	SubjectID    string         `json:"subject_id"    validate:"required"`
	VariantID    string         `json:"variant_id"    validate:"required"`
	MetricID     string         `json:"metric_id"     validate:"required"`
	Value        float64        `json:"value"`
	Payload      map[string]any `json:"payload,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}
