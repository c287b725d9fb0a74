package models

import "time"

// AlertType classifies what raised the alert.
type AlertType string

const (
	AlertTypeGuardrail AlertType = "guardrail_breach"
)

// AlertSeverity scales with how far past the threshold the metric moved.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is raised by the safety monitor when a guardrail threshold is
// crossed. Lifecycle: created, then acknowledged, then resolved; resolution
// is always an explicit action, never automatic.
type Alert struct {
	ID           string        `json:"id"`
	ExperimentID string        `json:"experiment_id"`
	MetricID     string        `json:"metric_id"`
	Type         AlertType     `json:"type"`
	Severity     AlertSeverity `json:"severity"`
	Message      string        `json:"message"`
	Value        float64       `json:"value"`     // Metric value at breach time
	Threshold    float64       `json:"threshold"` // Threshold that was crossed
	CreatedAt    time.Time     `json:"created_at"`

	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	Resolved       bool       `json:"resolved"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
}
