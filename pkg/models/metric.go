package models

import "time"

// MetricDistribution declares how a metric's observations are distributed,
// which determines the statistical test applied to it.
type MetricDistribution string

const (
	DistributionBinomial   MetricDistribution = "binomial"   // Conversion-style 0/1 outcomes
	DistributionContinuous MetricDistribution = "continuous" // Real-valued outcomes (latency, revenue)
)

// GuardrailDirection says which side of the threshold is the bad one.
type GuardrailDirection string

const (
	GuardrailAbove GuardrailDirection = "above" // Breached when value rises past the threshold
	GuardrailBelow GuardrailDirection = "below" // Breached when value falls past the threshold
)

// Metric identifies an outcome measured per variant.
type Metric struct {
	ID           string             `json:"id"           validate:"required"`
	Name         string             `json:"name"         validate:"required"`
	Distribution MetricDistribution `json:"distribution" validate:"omitempty,oneof=binomial continuous"`

	// PayloadSchema is an optional JSON schema applied to the event payload
	// for this metric. Events with non-conforming payloads are dropped.
	PayloadSchema map[string]any `json:"payload_schema,omitempty"`
}

// GuardrailMetric extends a metric with safety thresholds. Crossing
// AlertThreshold raises an alert; crossing StopThreshold with auto-stop
// enabled halts the experiment.
type GuardrailMetric struct {
	Metric

	Direction       GuardrailDirection `json:"direction"         validate:"omitempty,oneof=above below"`
	AlertThreshold  float64            `json:"alert_threshold"`
	StopThreshold   float64            `json:"stop_threshold"`
	CheckFrequency  time.Duration      `json:"check_frequency"`
	AutoStopEnabled bool               `json:"auto_stop_enabled"`
}

// Breaches reports whether value is past the given threshold in the
// guardrail's bad direction.
func (g *GuardrailMetric) Breaches(value, threshold float64) bool {
	if g.Direction == GuardrailBelow {
		return value < threshold
	}

	return value > threshold
}

// MetricValue is a running aggregate for one metric within one variant.
type MetricValue struct {
	Value         float64   `json:"value"` // Running mean
	Count         int64     `json:"count"`
	Variance      float64   `json:"variance"`
	CILower       float64   `json:"ci_lower"`
	CIUpper       float64   `json:"ci_upper"`
	Conversions   int64     `json:"conversions,omitempty"` // Binomial metrics only
	LastUpdatedAt time.Time `json:"last_updated_at"`
}
