package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dukex/variance/pkg/models"
)

func validExperiment() *models.Experiment {
	return &models.Experiment{
		ID:   "exp-1",
		Name: "Checkout CTA",
		Variants: []*models.Variant{
			{ID: "control", Name: "Control", IsControl: true, TrafficPercent: 50},
			{ID: "treatment", Name: "Treatment", TrafficPercent: 50},
		},
		PrimaryMetric: &models.Metric{ID: "conversion", Name: "Conversion"},
	}
}

func TestExperimentValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*models.Experiment)
		wantErr error
	}{
		{"valid", func(e *models.Experiment) {}, nil},
		{"uneven thirds are within tolerance", func(e *models.Experiment) {
			e.Variants = []*models.Variant{
				{ID: "a", Name: "A", IsControl: true, TrafficPercent: 33.3333},
				{ID: "b", Name: "B", TrafficPercent: 33.3333},
				{ID: "c", Name: "C", TrafficPercent: 33.3334},
			}
		}, nil},
		{"traffic sum off", func(e *models.Experiment) {
			e.Variants[0].TrafficPercent = 60
		}, models.ErrTrafficSum},
		{"no control", func(e *models.Experiment) {
			e.Variants[0].IsControl = false
		}, models.ErrControlCount},
		{"two controls", func(e *models.Experiment) {
			e.Variants[1].IsControl = true
		}, models.ErrControlCount},
		{"duplicate ids", func(e *models.Experiment) {
			e.Variants[1].ID = "control"
		}, models.ErrDuplicateVariantID},
		{"one variant", func(e *models.Experiment) {
			e.Variants = e.Variants[:1]
			e.Variants[0].TrafficPercent = 100
		}, models.ErrTooFewVariants},
		{"no primary metric", func(e *models.Experiment) {
			e.PrimaryMetric = nil
		}, models.ErrNoPrimaryMetric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			experiment := validExperiment()
			tt.mutate(experiment)

			err := experiment.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestExperimentHelpers(t *testing.T) {
	t.Parallel()

	experiment := validExperiment()

	control := experiment.Control()
	assert.NotNil(t, control)
	assert.Equal(t, "control", control.ID)

	assert.NotNil(t, experiment.VariantByID("treatment"))
	assert.Nil(t, experiment.VariantByID("missing"))
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	terminal := []models.ExperimentStatus{
		models.ExperimentStatusStopped,
		models.ExperimentStatusCompleted,
		models.ExperimentStatusCancelled,
		models.ExperimentStatusArchived,
	}
	for _, status := range terminal {
		assert.True(t, status.IsTerminal(), status)
	}

	active := []models.ExperimentStatus{
		models.ExperimentStatusDraft,
		models.ExperimentStatusApproved,
		models.ExperimentStatusRunning,
		models.ExperimentStatusPaused,
	}
	for _, status := range active {
		assert.False(t, status.IsTerminal(), status)
	}
}

func TestGuardrailBreaches(t *testing.T) {
	t.Parallel()

	above := &models.GuardrailMetric{Direction: models.GuardrailAbove}
	assert.True(t, above.Breaches(0.21, 0.20))
	assert.False(t, above.Breaches(0.20, 0.20))
	assert.False(t, above.Breaches(0.19, 0.20))

	below := &models.GuardrailMetric{Direction: models.GuardrailBelow}
	assert.True(t, below.Breaches(0.49, 0.50))
	assert.False(t, below.Breaches(0.50, 0.50))
	assert.False(t, below.Breaches(0.51, 0.50))
}
