// Package stats computes significance tests and treatment effects over the
// metric aggregates collected for an experiment.
package stats

import (
	"math"
	"sort"

	"github.com/dukex/variance/pkg/models"
	"github.com/dukex/variance/pkg/power"
)

// Snapshot is a point-in-time read of every variant's per-metric aggregates,
// keyed variant id then metric id.
type Snapshot map[string]map[string]*models.MetricValue

// minSamplesPerArm is the floor below which no test is attempted for a
// metric; variance estimates are meaningless on one observation.
const minSamplesPerArm = 2

type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// PerformTests compares every non-control variant against the control on the
// primary and secondary metrics, then applies the configured
// multiple-comparison correction across the whole family before declaring
// significance.
func (e *Engine) PerformTests(experiment *models.Experiment, snapshot Snapshot) []models.StatisticalTest {
	control := experiment.Control()
	if control == nil {
		return nil
	}

	config := experiment.StatisticalConfig

	method := config.Method
	if method == "" {
		method = models.MethodFrequentist
	}

	metrics := make([]*models.Metric, 0, 1+len(experiment.SecondaryMetrics))
	metrics = append(metrics, experiment.PrimaryMetric)
	metrics = append(metrics, experiment.SecondaryMetrics...)

	tests := make([]models.StatisticalTest, 0)

	for _, variant := range experiment.Variants {
		if variant.IsControl {
			continue
		}

		for _, metric := range metrics {
			test, ok := e.compare(experiment, control, variant, metric, method, snapshot)
			if !ok {
				continue
			}

			tests = append(tests, test)
		}
	}

	applyCorrection(tests, config.Correction)

	for i := range tests {
		tests[i].Significant = tests[i].CorrectedPValue < config.SignificanceLevel
	}

	return tests
}

func (e *Engine) compare(experiment *models.Experiment, control, variant *models.Variant, metric *models.Metric, method models.StatisticalMethod, snapshot Snapshot) (models.StatisticalTest, bool) {
	controlValue := snapshot[control.ID][metric.ID]
	variantValue := snapshot[variant.ID][metric.ID]

	if controlValue == nil || variantValue == nil {
		return models.StatisticalTest{}, false
	}

	if controlValue.Count < minSamplesPerArm || variantValue.Count < minSamplesPerArm {
		return models.StatisticalTest{}, false
	}

	effect := variantValue.Value - controlValue.Value

	var standardError float64

	if metric.Distribution == models.DistributionBinomial {
		// Two-proportion z-test: the running mean of a 0/1 metric is the
		// conversion rate.
		standardError = math.Sqrt(
			controlValue.Value*(1-controlValue.Value)/float64(controlValue.Count) +
				variantValue.Value*(1-variantValue.Value)/float64(variantValue.Count))
	} else {
		// Welch's statistic for continuous metrics; with the sample sizes
		// experiments run at, the normal approximation to the t
		// distribution is used for the p-value.
		standardError = math.Sqrt(
			controlValue.Variance/float64(controlValue.Count) +
				variantValue.Variance/float64(variantValue.Count))
	}

	if standardError == 0 {
		return models.StatisticalTest{}, false
	}

	z := effect / standardError

	config := experiment.StatisticalConfig
	zAlpha := power.Quantile(1 - config.SignificanceLevel/2)

	test := models.StatisticalTest{
		MetricID:      metric.ID,
		VariantID:     variant.ID,
		ControlID:     control.ID,
		Method:        method,
		Effect:        effect,
		StandardError: standardError,
		CILower:       effect - zAlpha*standardError,
		CIUpper:       effect + zAlpha*standardError,
	}

	if controlValue.Value != 0 {
		test.RelativeEffect = effect / controlValue.Value
	}

	switch method {
	case models.MethodBayesian:
		// Normal-approximation posterior on the effect. Reported as the
		// posterior probability that the treatment is NOT better, so it
		// composes with the same significance threshold as a p-value.
		test.PValue = 1 - power.CDF(z)
	case models.MethodSequential:
		test.PValue = 2 * (1 - power.CDF(math.Abs(z)))

		// O'Brien-Fleming style spending: the boundary starts wide and
		// narrows to z_alpha as the information fraction approaches 1.
		if experiment.SampleSizePerVariant > 0 {
			smaller := min(controlValue.Count, variantValue.Count)
			fraction := math.Min(1, float64(smaller)/float64(experiment.SampleSizePerVariant))

			if fraction > 0 {
				boundary := zAlpha / math.Sqrt(fraction)
				test.EarlyStopAllowed = math.Abs(z) >= boundary
			}
		}
	default:
		test.PValue = 2 * (1 - power.CDF(math.Abs(z)))
	}

	return test, true
}

// applyCorrection rewrites CorrectedPValue in place across the family of
// comparisons.
func applyCorrection(tests []models.StatisticalTest, policy models.CorrectionPolicy) {
	m := len(tests)
	if m == 0 {
		return
	}

	switch policy {
	case models.CorrectionBenjaminiHochberg:
		order := make([]int, m)
		for i := range order {
			order[i] = i
		}

		sort.Slice(order, func(a, b int) bool {
			return tests[order[a]].PValue < tests[order[b]].PValue
		})

		// Step-up: corrected p_(i) = min over j>=i of p_(j) * m / j.
		running := 1.0

		for rank := m; rank >= 1; rank-- {
			idx := order[rank-1]
			adjusted := tests[idx].PValue * float64(m) / float64(rank)
			running = math.Min(running, adjusted)
			tests[idx].CorrectedPValue = running
		}
	default: // bonferroni
		for i := range tests {
			tests[i].CorrectedPValue = math.Min(1, tests[i].PValue*float64(m))
		}
	}
}

// Summarize derives the experiment-level significance flags from a family of
// corrected tests. Practical significance requires the estimated relative
// effect to exceed the configured minimum detectable effect on a comparison
// that is also statistically significant.
func Summarize(config models.StatisticalConfig, tests []models.StatisticalTest) (statistical, practical bool) {
	for _, test := range tests {
		if !test.Significant {
			continue
		}

		statistical = true

		if math.Abs(test.RelativeEffect) >= config.MinDetectableEffect {
			practical = true
		}
	}

	return statistical, practical
}
