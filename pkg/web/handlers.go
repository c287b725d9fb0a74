// Package web provides HTTP handlers and REST API endpoints for experiment
// management.
package web

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/dukex/variance/pkg/experiment"
	"github.com/dukex/variance/pkg/export"
	"github.com/dukex/variance/pkg/persistence"
)

type APIHandlers struct {
	manager     *experiment.Manager
	exporter    *export.Exporter
	persistence persistence.Persistence
	validator   *validator.Validate
}

func NewAPIHandlers(
	manager *experiment.Manager,
	exporter *export.Exporter,
	p persistence.Persistence,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		manager:     manager,
		exporter:    exporter,
		persistence: p,
		validator:   validator,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "Variance API is healthy"
	httpStatus := http.StatusOK

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "Variance API is unhealthy: " + err.Error()
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) CreateExperiment(c fiber.Ctx) error {
	var req CreateExperimentRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.manager.Create(c.Context(), req.ToModel())
	if err != nil {
		return handleManagerError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetExperiments(c fiber.Ctx) error {
	experiments, err := h.manager.List(c.Context())
	if err != nil {
		return handleManagerError(c, err)
	}

	return c.JSON(fiber.Map{
		"experiments": experiments,
		"total_count": len(experiments),
	})
}

func (h *APIHandlers) GetExperiment(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Experiment ID is required")
	}

	found, err := h.manager.Get(c.Context(), id)
	if err != nil {
		return handleManagerError(c, err)
	}

	return c.JSON(found)
}

// transition factors the shared shape of the lifecycle endpoints: bind the
// optional actor/reason body, invoke the manager, return the updated
// experiment.
func (h *APIHandlers) transition(c fiber.Ctx, action string) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Experiment ID is required")
	}

	var req LifecycleRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	var (
		updated any
		err     error
	)

	switch action {
	case "approve":
		updated, err = h.manager.Approve(c.Context(), id, req.Actor)
	case "start":
		updated, err = h.manager.Start(c.Context(), id, req.Actor)
	case "pause":
		updated, err = h.manager.Pause(c.Context(), id, req.Actor)
	case "resume":
		updated, err = h.manager.Resume(c.Context(), id, req.Actor)
	case "stop":
		updated, err = h.manager.Stop(c.Context(), id, req.Reason, req.Actor)
	case "complete":
		updated, err = h.manager.Complete(c.Context(), id, req.Actor)
	case "cancel":
		updated, err = h.manager.Cancel(c.Context(), id, req.Reason, req.Actor)
	case "archive":
		updated, err = h.manager.Archive(c.Context(), id, req.Actor)
	default:
		return badRequest(c, "Unknown action: "+action)
	}

	if err != nil {
		return handleManagerError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) ApproveExperiment(c fiber.Ctx) error  { return h.transition(c, "approve") }
func (h *APIHandlers) StartExperiment(c fiber.Ctx) error    { return h.transition(c, "start") }
func (h *APIHandlers) PauseExperiment(c fiber.Ctx) error    { return h.transition(c, "pause") }
func (h *APIHandlers) ResumeExperiment(c fiber.Ctx) error   { return h.transition(c, "resume") }
func (h *APIHandlers) StopExperiment(c fiber.Ctx) error     { return h.transition(c, "stop") }
func (h *APIHandlers) CompleteExperiment(c fiber.Ctx) error { return h.transition(c, "complete") }
func (h *APIHandlers) CancelExperiment(c fiber.Ctx) error   { return h.transition(c, "cancel") }
func (h *APIHandlers) ArchiveExperiment(c fiber.Ctx) error  { return h.transition(c, "archive") }

// CreateAssignment resolves the subject's sticky variant. "Not part of the
// experiment" is a successful response, not an error.
func (h *APIHandlers) CreateAssignment(c fiber.Ctx) error {
	var req AssignmentRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	assignment, err := h.manager.GetAssignment(c.Context(), req.SubjectID, req.ExperimentID, req.Context)
	if err != nil {
		return handleManagerError(c, err)
	}

	return c.JSON(AssignmentResponse{
		Assigned:   assignment != nil,
		Assignment: assignment,
	})
}

// RecordEvent accepts an outcome event. Well-formed events are always
// acknowledged with 202; whether the event survives ingestion is the
// collector's business and never the reporting caller's problem.
func (h *APIHandlers) RecordEvent(c fiber.Ctx) error {
	var req RecordEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	h.manager.RecordEvent(c.Context(), req.ToModel())

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) GetResults(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Experiment ID is required")
	}

	results, err := h.manager.Results(c.Context(), id)
	if err != nil {
		return handleManagerError(c, err)
	}

	return c.JSON(results)
}

func (h *APIHandlers) ExportExperiment(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Experiment ID is required")
	}

	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		return badRequest(c, err.Error())
	}

	timeRangeHours := 0

	if rangeStr := c.Query("time_range_hours"); rangeStr != "" {
		timeRangeHours, err = strconv.Atoi(rangeStr)
		if err != nil || timeRangeHours < 0 {
			return badRequest(c, "time_range_hours must be a non-negative integer")
		}
	}

	found, err := h.manager.Get(c.Context(), id)
	if err != nil {
		return handleManagerError(c, err)
	}

	results, err := h.manager.Results(c.Context(), id)
	if err != nil {
		return handleManagerError(c, err)
	}

	var buf bytes.Buffer
	if err := h.exporter.Export(c.Context(), &buf, format, found, results, timeRangeHours); err != nil {
		return internalError(c, err)
	}

	c.Set(fiber.HeaderContentType, format.ContentType())

	return c.Send(buf.Bytes())
}

func (h *APIHandlers) GetAlerts(c fiber.Ctx) error {
	alerts, err := h.manager.ActiveAlerts(c.Context(), c.Query("experiment_id"))
	if err != nil {
		return handleManagerError(c, err)
	}

	return c.JSON(fiber.Map{
		"alerts":      alerts,
		"total_count": len(alerts),
	})
}

func (h *APIHandlers) AcknowledgeAlert(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Alert ID is required")
	}

	alert, err := h.manager.AcknowledgeAlert(c.Context(), id)
	if err != nil {
		return handleManagerError(c, err)
	}

	return c.JSON(alert)
}

func (h *APIHandlers) ResolveAlert(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Alert ID is required")
	}

	var req ResolveAlertRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	alert, err := h.manager.ResolveAlert(c.Context(), id, req.Note)
	if err != nil {
		return handleManagerError(c, err)
	}

	return c.JSON(alert)
}
