// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrExperimentNotFound indicates an experiment was not found by the given identifier.
	ErrExperimentNotFound = errors.New("experiment not found")

	// ErrExperimentAlreadyExists indicates an experiment with the same identifier already exists.
	ErrExperimentAlreadyExists = errors.New("experiment already exists")

	// ErrAssignmentNotFound indicates no assignment exists for the given subject and experiment.
	ErrAssignmentNotFound = errors.New("assignment not found")

	// ErrAlertNotFound indicates an alert was not found by the given identifier.
	ErrAlertNotFound = errors.New("alert not found")
)

// ExperimentError wraps experiment-related errors with additional context.
type ExperimentError struct {
	Op           string // Operation being performed (e.g., "ByID", "Save", "Delete")
	ExperimentID string // Experiment ID if applicable
	Err          error  // Underlying error
	Message      string // Additional context message
}

func (e *ExperimentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s operation failed for experiment %s: %s (%v)", e.Op, e.ExperimentID, e.Message, e.Err)
	}

	return fmt.Sprintf("%s operation failed for experiment %s: %v", e.Op, e.ExperimentID, e.Err)
}

func (e *ExperimentError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for experiment errors.
func (e *ExperimentError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExperimentError creates a new experiment error with context.
func NewExperimentError(op, experimentID string, err error) *ExperimentError {
	return &ExperimentError{
		Op:           op,
		ExperimentID: experimentID,
		Err:          err,
	}
}

// AssignmentError wraps assignment-related errors with additional context.
type AssignmentError struct {
	Op           string // Operation being performed
	ExperimentID string // Experiment ID
	SubjectID    string // Subject ID
	Err          error  // Underlying error
}

func (e *AssignmentError) Error() string {
	return fmt.Sprintf("%s operation failed for subject %s in experiment %s: %v", e.Op, e.SubjectID, e.ExperimentID, e.Err)
}

func (e *AssignmentError) Unwrap() error {
	return e.Err
}

func (e *AssignmentError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsExperimentNotFound checks if an error indicates an experiment was not found.
func IsExperimentNotFound(err error) bool {
	return errors.Is(err, ErrExperimentNotFound)
}

// IsExperimentAlreadyExists checks if an error indicates an experiment id collision.
func IsExperimentAlreadyExists(err error) bool {
	return errors.Is(err, ErrExperimentAlreadyExists)
}

// IsAssignmentNotFound checks if an error indicates an assignment was not found.
func IsAssignmentNotFound(err error) bool {
	return errors.Is(err, ErrAssignmentNotFound)
}

// IsAlertNotFound checks if an error indicates an alert was not found.
func IsAlertNotFound(err error) bool {
	return errors.Is(err, ErrAlertNotFound)
}
