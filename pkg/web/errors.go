package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/dukex/variance/pkg/experiment"
	"github.com/dukex/variance/pkg/persistence"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("invalid_state").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleManagerError maps the manager's error taxonomy onto HTTP statuses:
// validation failures are 400, state machine rejections 409, unknown
// entities 404, everything else 500.
func handleManagerError(c fiber.Ctx, err error) error {
	switch {
	case experiment.IsValidationError(err):
		return badRequest(c, err.Error())

	case experiment.IsStateError(err):
		return conflict(c, err.Error())

	case persistence.IsExperimentNotFound(err):
		return notFound(c, "experiment not found")

	case persistence.IsAssignmentNotFound(err):
		return notFound(c, "assignment not found")

	case persistence.IsAlertNotFound(err):
		return notFound(c, "alert not found")

	default:
		return internalError(c, err)
	}
}
