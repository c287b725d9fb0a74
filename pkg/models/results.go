package models

import "time"

// AnalysisStage distinguishes a mid-flight read from a final one.
type AnalysisStage string

const (
	AnalysisInterim AnalysisStage = "interim"
	AnalysisFinal   AnalysisStage = "final"
)

// PowerAnalysis is the pre-experiment sizing computed at creation time.
type PowerAnalysis struct {
	BaselineRate        float64       `json:"baseline_rate"`
	SignificanceLevel   float64       `json:"significance_level"`
	PowerLevel          float64       `json:"power_level"`
	MinDetectableEffect float64       `json:"min_detectable_effect"`
	DailyTraffic        int64         `json:"daily_traffic"`
	RequiredSampleSize  int64         `json:"required_sample_size"` // Per variant
	EstimatedDuration   time.Duration `json:"estimated_duration"`
	Assumptions         []string      `json:"assumptions"`
}

// StatisticalTest is one variant-vs-control comparison for one metric.
type StatisticalTest struct {
	MetricID        string            `json:"metric_id"`
	VariantID       string            `json:"variant_id"`
	ControlID       string            `json:"control_id"`
	Method          StatisticalMethod `json:"method"`
	Effect          float64           `json:"effect"`          // Estimated treatment effect (variant minus control)
	RelativeEffect  float64           `json:"relative_effect"` // Effect relative to the control mean
	StandardError   float64           `json:"standard_error"`
	CILower         float64           `json:"ci_lower"`
	CIUpper         float64           `json:"ci_upper"`
	PValue          float64           `json:"p_value"`
	CorrectedPValue float64           `json:"corrected_p_value"`
	Significant     bool              `json:"significant"` // After correction, at the configured level

	// Sequential method only: whether the spending boundary permits an
	// early stop.
	EarlyStopAllowed bool `json:"early_stop_allowed,omitempty"`
}

// VariantSummary is the flattened per-variant aggregate included in results.
type VariantSummary struct {
	VariantID  string                  `json:"variant_id"`
	IsControl  bool                    `json:"is_control"`
	UserCount  int64                   `json:"user_count"`
	SampleSize int64                   `json:"sample_size"`
	Metrics    map[string]*MetricValue `json:"metrics"`
}

// TestResults is the on-demand analysis of an experiment's current
// aggregates. Both significance flags are always reported: statistical
// significance without practical significance is a valid outcome.
type TestResults struct {
	ExperimentID            string            `json:"experiment_id"`
	Status                  ExperimentStatus  `json:"status"`
	Stage                   AnalysisStage     `json:"stage"`
	GeneratedAt             time.Time         `json:"generated_at"`
	Variants                []VariantSummary  `json:"variants"`
	Tests                   []StatisticalTest `json:"tests"`
	StatisticalSignificance bool              `json:"statistical_significance"`
	PracticalSignificance   bool              `json:"practical_significance"`
	SampleSizeReached       bool              `json:"sample_size_reached"`
}
