package power_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/variance/pkg/power"
)

func baseInput() power.Input {
	return power.Input{
		BaselineRate:        0.10,
		SignificanceLevel:   0.05,
		PowerLevel:          0.8,
		MinDetectableEffect: 0.10,
	}
}

func TestAnalyze_KnownCase(t *testing.T) {
	t.Parallel()

	// 10% baseline, 10% relative lift (0.10 vs 0.11), alpha 0.05, power
	// 0.8. The textbook two-proportion formula gives roughly 14750 per arm.
	analysis, err := power.Analyze(baseInput())
	require.NoError(t, err)

	assert.InDelta(t, 14750, analysis.RequiredSampleSize, 150)
}

func TestAnalyze_Monotonicity(t *testing.T) {
	t.Parallel()

	base, err := power.Analyze(baseInput())
	require.NoError(t, err)

	smallerEffect := baseInput()
	smallerEffect.MinDetectableEffect = 0.05

	smaller, err := power.Analyze(smallerEffect)
	require.NoError(t, err)
	assert.Greater(t, smaller.RequiredSampleSize, base.RequiredSampleSize,
		"smaller detectable effects need more samples")

	stricterAlpha := baseInput()
	stricterAlpha.SignificanceLevel = 0.01

	stricter, err := power.Analyze(stricterAlpha)
	require.NoError(t, err)
	assert.Greater(t, stricter.RequiredSampleSize, base.RequiredSampleSize,
		"stricter significance needs more samples")

	higherPower := baseInput()
	higherPower.PowerLevel = 0.9

	powered, err := power.Analyze(higherPower)
	require.NoError(t, err)
	assert.Greater(t, powered.RequiredSampleSize, base.RequiredSampleSize,
		"higher power needs more samples")
}

func TestAnalyze_EstimatedDuration(t *testing.T) {
	t.Parallel()

	in := baseInput()
	in.DailyTraffic = 1000

	analysis, err := power.Analyze(in)
	require.NoError(t, err)

	expectedDays := (2*analysis.RequiredSampleSize + in.DailyTraffic - 1) / in.DailyTraffic
	assert.Equal(t, time.Duration(expectedDays)*24*time.Hour, analysis.EstimatedDuration)

	// Three arms need 3n subjects, so the estimate grows accordingly.
	threeArms := in
	threeArms.Variants = 3

	wider, err := power.Analyze(threeArms)
	require.NoError(t, err)

	expectedDays = (3*wider.RequiredSampleSize + in.DailyTraffic - 1) / in.DailyTraffic
	assert.Equal(t, time.Duration(expectedDays)*24*time.Hour, wider.EstimatedDuration)
	assert.Greater(t, wider.EstimatedDuration, analysis.EstimatedDuration)

	noTraffic := baseInput()

	analysis, err = power.Analyze(noTraffic)
	require.NoError(t, err)
	assert.Zero(t, analysis.EstimatedDuration)
}

func TestAnalyze_InvalidInputs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*power.Input)
		wantErr error
	}{
		{"zero baseline", func(in *power.Input) { in.BaselineRate = 0 }, power.ErrBaselineRate},
		{"baseline at one", func(in *power.Input) { in.BaselineRate = 1 }, power.ErrBaselineRate},
		{"zero significance", func(in *power.Input) { in.SignificanceLevel = 0 }, power.ErrSignificance},
		{"zero power", func(in *power.Input) { in.PowerLevel = 0 }, power.ErrPower},
		{"zero effect", func(in *power.Input) { in.MinDetectableEffect = 0 }, power.ErrEffect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			in := baseInput()
			tt.mutate(&in)

			_, err := power.Analyze(in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestQuantileAndCDF(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.96, power.Quantile(0.975), 0.001)
	assert.InDelta(t, 0.8416, power.Quantile(0.8), 0.001)
	assert.InDelta(t, 0.975, power.CDF(1.96), 0.001)
	assert.InDelta(t, 0.5, power.CDF(0), 1e-9)
}
