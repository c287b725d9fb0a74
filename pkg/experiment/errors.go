// Package experiment provides standardized error types for manager operations.
package experiment

import (
	"errors"
	"fmt"

	"github.com/dukex/variance/pkg/models"
	"github.com/dukex/variance/pkg/persistence"
)

var (
	// ErrExperimentNotFound is returned when an experiment is not found.
	ErrExperimentNotFound = persistence.ErrExperimentNotFound

	// ErrInvalidTransition indicates a lifecycle operation was attempted
	// from a state that does not admit it. Distinct from validation errors
	// so callers can branch (retry vs. abort).
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidDefinition indicates a malformed experiment definition was
	// rejected at create or approve time.
	ErrInvalidDefinition = errors.New("invalid experiment definition")

	// ErrMaintenanceWindow indicates a start was attempted inside an active
	// maintenance window.
	ErrMaintenanceWindow = errors.New("cannot start during an active maintenance window")
)

// TransitionError carries the states involved in a rejected transition.
type TransitionError struct {
	ExperimentID string
	From         models.ExperimentStatus
	Action       string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s experiment %s in status %q", e.Action, e.ExperimentID, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IsValidationError checks for definition errors that should map to HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidDefinition) ||
		errors.Is(err, models.ErrTrafficSum) ||
		errors.Is(err, models.ErrControlCount) ||
		errors.Is(err, models.ErrNoPrimaryMetric) ||
		errors.Is(err, models.ErrTooFewVariants) ||
		errors.Is(err, models.ErrDuplicateVariantID)
}

// IsStateError checks for lifecycle errors that should map to HTTP 409.
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrMaintenanceWindow) ||
		errors.Is(err, persistence.ErrExperimentAlreadyExists)
}

// IsNotFound checks for unknown-entity errors that should map to HTTP 404.
func IsNotFound(err error) bool {
	return persistence.IsExperimentNotFound(err) ||
		persistence.IsAssignmentNotFound(err) ||
		persistence.IsAlertNotFound(err)
}
