// Package events defines the typed notifications published on the event bus
// so consumers (dashboards, loggers) stay decoupled from the manager's
// internals.
package events

import (
	"time"

	"github.com/dukex/variance/pkg/models"
)

type EventType string

// Kafka topic.
const Topic = "variance.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Experiment lifecycle events.
	ExperimentCreatedEvent   EventType = "experiment.created"
	ExperimentStartedEvent   EventType = "experiment.started"
	ExperimentPausedEvent    EventType = "experiment.paused"
	ExperimentResumedEvent   EventType = "experiment.resumed"
	ExperimentStoppedEvent   EventType = "experiment.stopped"
	ExperimentCompletedEvent EventType = "experiment.completed"

	// Assignment and safety events.
	AssignmentCreatedEvent EventType = "assignment.created"
	AlertRaisedEvent       EventType = "alert.raised"
	AlertResolvedEvent     EventType = "alert.resolved"
)

type BaseEvent struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	ExperimentID string    `json:"experiment_id"`
}

type ExperimentCreated struct {
	BaseEvent

	Name                 string `json:"name"`
	VariantCount         int    `json:"variant_count"`
	SampleSizePerVariant int64  `json:"sample_size_per_variant"`
}

func (e ExperimentCreated) GetType() EventType {
	return ExperimentCreatedEvent
}

type ExperimentStarted struct {
	BaseEvent

	StartedAt time.Time `json:"started_at"`
}

func (e ExperimentStarted) GetType() EventType {
	return ExperimentStartedEvent
}

type ExperimentPaused struct {
	BaseEvent
}

func (e ExperimentPaused) GetType() EventType {
	return ExperimentPausedEvent
}

type ExperimentResumed struct {
	BaseEvent
}

func (e ExperimentResumed) GetType() EventType {
	return ExperimentResumedEvent
}

type ExperimentStopped struct {
	BaseEvent

	Reason    string `json:"reason"`
	Automatic bool   `json:"automatic"` // True when the safety monitor forced the stop
}

func (e ExperimentStopped) GetType() EventType {
	return ExperimentStoppedEvent
}

type ExperimentCompleted struct {
	BaseEvent

	SampleSizeReached bool `json:"sample_size_reached"`
}

func (e ExperimentCompleted) GetType() EventType {
	return ExperimentCompletedEvent
}

type AssignmentCreated struct {
	BaseEvent

	SubjectID string `json:"subject_id"`
	VariantID string `json:"variant_id"`
}

func (e AssignmentCreated) GetType() EventType {
	return AssignmentCreatedEvent
}

type AlertRaised struct {
	BaseEvent

	AlertID   string               `json:"alert_id"`
	MetricID  string               `json:"metric_id"`
	Severity  models.AlertSeverity `json:"severity"`
	Value     float64              `json:"value"`
	Threshold float64              `json:"threshold"`
}

func (e AlertRaised) GetType() EventType {
	return AlertRaisedEvent
}

type AlertResolved struct {
	BaseEvent

	AlertID string `json:"alert_id"`
	Note    string `json:"note,omitempty"`
}

func (e AlertResolved) GetType() EventType {
	return AlertResolvedEvent
}
