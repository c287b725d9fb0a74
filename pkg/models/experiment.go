// Package models defines the core domain models for controlled experiments.
package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ExperimentStatus represents the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentStatusDraft     ExperimentStatus = "draft"     // Editable, not serving traffic
	ExperimentStatusApproved  ExperimentStatus = "approved"  // Power analysis done, core config frozen
	ExperimentStatusRunning   ExperimentStatus = "running"   // Accepting assignments and events
	ExperimentStatusPaused    ExperimentStatus = "paused"    // Temporarily not serving, resumable
	ExperimentStatusStopped   ExperimentStatus = "stopped"   // Terminated early (manual or guardrail)
	ExperimentStatusCompleted ExperimentStatus = "completed" // Reached planned end or sample size
	ExperimentStatusCancelled ExperimentStatus = "cancelled" // Abandoned before any traffic
	ExperimentStatusArchived  ExperimentStatus = "archived"  // Read-only, retained for audit
)

// TrafficSumTolerance is the allowed deviation of the variant traffic sum
// from 100 percent points.
const TrafficSumTolerance = 0.001

// AllocationMethod describes how traffic is split between variants.
type AllocationMethod string

const (
	AllocationDeterministic AllocationMethod = "deterministic" // Stable hash bucketing
)

// StatisticalMethod selects how significance is computed.
type StatisticalMethod string

const (
	MethodFrequentist StatisticalMethod = "frequentist"
	MethodBayesian    StatisticalMethod = "bayesian"
	MethodSequential  StatisticalMethod = "sequential"
)

// CorrectionPolicy selects the multiple-comparison correction.
type CorrectionPolicy string

const (
	CorrectionBonferroni        CorrectionPolicy = "bonferroni"
	CorrectionBenjaminiHochberg CorrectionPolicy = "benjamini_hochberg"
)

// Experiment represents a controlled comparison between variants over a
// targeted population.
type Experiment struct {
	ID                   string             `json:"id"`
	Name                 string             `json:"name"       validate:"required,min=3"`
	Hypothesis           string             `json:"hypothesis" validate:"required"`
	Owner                string             `json:"owner"`
	Team                 string             `json:"team,omitempty"`
	Status               ExperimentStatus   `json:"status"`
	Variants             []*Variant         `json:"variants"   validate:"required,min=2,dive"`
	Allocation           TrafficAllocation  `json:"allocation"`
	Targeting            TargetingCriteria  `json:"targeting"`
	Exclusions           ExclusionCriteria  `json:"exclusions"`
	PrimaryMetric        *Metric            `json:"primary_metric" validate:"required"`
	SecondaryMetrics     []*Metric          `json:"secondary_metrics,omitempty"`
	GuardrailMetrics     []*GuardrailMetric `json:"guardrail_metrics,omitempty"`
	StatisticalConfig    StatisticalConfig  `json:"statistical_config"`
	SampleSizePerVariant int64              `json:"sample_size_per_variant"`
	PowerAnalysis        *PowerAnalysis     `json:"power_analysis,omitempty"`
	StartDate            *time.Time         `json:"start_date,omitempty"`
	EndDate              *time.Time         `json:"end_date,omitempty"`
	Duration             time.Duration      `json:"duration,omitempty"`
	Decisions            []Decision         `json:"decisions,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// Variant is one arm of an experiment, including the control. Configuration
// is an opaque payload interpreted only by the caller that executes the
// variant's behavior.
type Variant struct {
	ID             string         `json:"id"              validate:"required"`
	Name           string         `json:"name"            validate:"required"`
	IsControl      bool           `json:"is_control"`
	TrafficPercent float64        `json:"traffic_percent" validate:"gte=0,lte=100"`
	Configuration  map[string]any `json:"configuration,omitempty"`

	UserCount        int64                   `json:"user_count"`
	SampleSize       int64                   `json:"sample_size"`
	ConversionEvents int64                   `json:"conversion_events"`
	Metrics          map[string]*MetricValue `json:"metrics,omitempty"`
}

// TrafficAllocation is the policy used to split traffic between variants.
type TrafficAllocation struct {
	Method AllocationMethod `json:"method"`
}

// MaintenanceWindow is a time range during which no subjects are enrolled.
type MaintenanceWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// TargetingCriteria are conjunctive positive predicates a subject must
// satisfy to be enrolled. Zero values mean "no restriction".
type TargetingCriteria struct {
	Segments          []string       `json:"segments,omitempty"`
	Attributes        map[string]any `json:"attributes,omitempty"`
	Platforms         []string       `json:"platforms,omitempty"`
	Regions           []string       `json:"regions,omitempty"`
	MinAccountAgeDays int            `json:"min_account_age_days,omitempty"`
	MinActivityEvents int            `json:"min_activity_events,omitempty"`
}

// ExclusionCriteria are hard exclusions checked before targeting. Any match
// keeps the subject out of the experiment.
type ExclusionCriteria struct {
	SubjectIDs         []string            `json:"subject_ids,omitempty"`
	Workspaces         []string            `json:"workspaces,omitempty"`
	Features           []string            `json:"features,omitempty"`
	ExcludeBots        bool                `json:"exclude_bots"`
	ExcludeInternal    bool                `json:"exclude_internal"`
	ExcludeTestUsers   bool                `json:"exclude_test_users"`
	MaintenanceWindows []MaintenanceWindow `json:"maintenance_windows,omitempty"`
}

// StatisticalConfig controls how the experiment is sized and how results
// are computed. BaselineRate and DailyTraffic feed the power analysis run at
// creation time.
type StatisticalConfig struct {
	Method              StatisticalMethod `json:"method"                validate:"omitempty,oneof=frequentist bayesian sequential"`
	Correction          CorrectionPolicy  `json:"correction"            validate:"omitempty,oneof=bonferroni benjamini_hochberg"`
	SignificanceLevel   float64           `json:"significance_level"    validate:"gt=0,lt=1"`
	PowerLevel          float64           `json:"power_level"           validate:"gt=0,lt=1"`
	MinDetectableEffect float64           `json:"min_detectable_effect" validate:"gt=0"`
	BaselineRate        float64           `json:"baseline_rate"         validate:"gt=0,lt=1"`
	DailyTraffic        int64             `json:"daily_traffic"         validate:"gte=0"`
}

// Decision is an append-only entry in an experiment's audit log.
type Decision struct {
	At        time.Time `json:"at"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	Automatic bool      `json:"automatic"`
}

// Validation errors for experiment definitions.
var (
	ErrTrafficSum         = errors.New("variant traffic percentages must sum to 100")
	ErrControlCount       = errors.New("exactly one variant must be marked as control")
	ErrNoPrimaryMetric    = errors.New("primary metric is required")
	ErrTooFewVariants     = errors.New("experiment needs at least two variants")
	ErrDuplicateVariantID = errors.New("variant ids must be unique")
)

// Validate enforces the domain invariants that struct tags cannot express:
// traffic sums to 100 within tolerance, exactly one control variant, unique
// variant ids, and a primary metric.
func (e *Experiment) Validate() error {
	if len(e.Variants) < 2 {
		return ErrTooFewVariants
	}

	if e.PrimaryMetric == nil {
		return ErrNoPrimaryMetric
	}

	var (
		sum      float64
		controls int
	)

	seen := make(map[string]struct{}, len(e.Variants))

	for _, v := range e.Variants {
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateVariantID, v.ID)
		}

		seen[v.ID] = struct{}{}
		sum += v.TrafficPercent

		if v.IsControl {
			controls++
		}
	}

	if math.Abs(sum-100) > TrafficSumTolerance {
		return fmt.Errorf("%w: got %.3f", ErrTrafficSum, sum)
	}

	if controls != 1 {
		return fmt.Errorf("%w: got %d", ErrControlCount, controls)
	}

	return nil
}

// Control returns the control variant, or nil if the definition is invalid.
func (e *Experiment) Control() *Variant {
	for _, v := range e.Variants {
		if v.IsControl {
			return v
		}
	}

	return nil
}

// VariantByID returns the variant with the given id, or nil.
func (e *Experiment) VariantByID(id string) *Variant {
	for _, v := range e.Variants {
		if v.ID == id {
			return v
		}
	}

	return nil
}

// IsTerminal reports whether the status admits no further lifecycle
// transitions except archiving.
func (s ExperimentStatus) IsTerminal() bool {
	switch s {
	case ExperimentStatusStopped, ExperimentStatusCompleted, ExperimentStatusCancelled, ExperimentStatusArchived:
		return true
	default:
		return false
	}
}

// MetricIDs returns the primary and secondary metric ids in a stable order.
func (e *Experiment) MetricIDs() []string {
	ids := make([]string, 0, 1+len(e.SecondaryMetrics))
	ids = append(ids, e.PrimaryMetric.ID)

	for _, m := range e.SecondaryMetrics {
		ids = append(ids, m.ID)
	}

	return ids
}
