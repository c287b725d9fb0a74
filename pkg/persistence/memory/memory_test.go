package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/variance/pkg/models"
	"github.com/dukex/variance/pkg/persistence"
	"github.com/dukex/variance/pkg/persistence/memory"
)

func sampleExperiment(id string, status models.ExperimentStatus) *models.Experiment {
	return &models.Experiment{
		ID:     id,
		Name:   "Sample",
		Status: status,
		Variants: []*models.Variant{
			{ID: "control", Name: "Control", IsControl: true, TrafficPercent: 50},
			{ID: "treatment", Name: "Treatment", TrafficPercent: 50},
		},
		PrimaryMetric: &models.Metric{ID: "conversion", Name: "Conversion"},
	}
}

func TestExperimentRepository_CRUD(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	repo := p.ExperimentRepository()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleExperiment("exp-1", models.ExperimentStatusDraft)))

	loaded, err := repo.ByID(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, "exp-1", loaded.ID)
	assert.Len(t, loaded.Variants, 2)

	// Mutating the loaded copy must not leak back into the store.
	loaded.Status = models.ExperimentStatusRunning

	unchanged, err := repo.ByID(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusDraft, unchanged.Status)

	all, err := repo.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, repo.Delete(ctx, "exp-1"))

	_, err = repo.ByID(ctx, "exp-1")
	assert.True(t, persistence.IsExperimentNotFound(err))
}

func TestExperimentRepository_ByStatus(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	repo := p.ExperimentRepository()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleExperiment("exp-1", models.ExperimentStatusRunning)))
	require.NoError(t, repo.Save(ctx, sampleExperiment("exp-2", models.ExperimentStatusDraft)))
	require.NoError(t, repo.Save(ctx, sampleExperiment("exp-3", models.ExperimentStatusRunning)))

	running, err := repo.ByStatus(ctx, models.ExperimentStatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 2)
}

func TestAssignmentRepository(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	repo := p.AssignmentRepository()
	ctx := context.Background()

	_, err := repo.Get(ctx, "exp-1", "user-1")
	assert.True(t, persistence.IsAssignmentNotFound(err))

	now := time.Now()
	require.NoError(t, repo.Save(ctx, &models.Assignment{
		SubjectID: "user-1", ExperimentID: "exp-1", VariantID: "control",
		AssignedAt: now, LastSeen: now,
	}))

	// First write wins on the variant; later saves only refresh activity.
	require.NoError(t, repo.Save(ctx, &models.Assignment{
		SubjectID: "user-1", ExperimentID: "exp-1", VariantID: "treatment",
		AssignedAt: now.Add(time.Minute), LastSeen: now.Add(time.Minute),
	}))

	got, err := repo.Get(ctx, "exp-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "control", got.VariantID)
	assert.Equal(t, now.Add(time.Minute).Unix(), got.LastSeen.Unix())

	require.NoError(t, repo.Save(ctx, &models.Assignment{
		SubjectID: "user-2", ExperimentID: "exp-1", VariantID: "treatment",
		AssignedAt: now, LastSeen: now,
	}))

	counts, err := repo.CountByVariant(ctx, "exp-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts["control"])
	assert.EqualValues(t, 1, counts["treatment"])

	byExperiment, err := repo.ByExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Len(t, byExperiment, 2)
}

func TestAssignmentRepository_DeleteOlderThan(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	repo := p.AssignmentRepository()
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()

	require.NoError(t, repo.Save(ctx, &models.Assignment{
		SubjectID: "stale", ExperimentID: "exp-1", VariantID: "control",
		AssignedAt: old, LastSeen: old,
	}))
	require.NoError(t, repo.Save(ctx, &models.Assignment{
		SubjectID: "active", ExperimentID: "exp-1", VariantID: "control",
		AssignedAt: old, LastSeen: fresh,
	}))

	deleted, err := repo.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = repo.Get(ctx, "exp-1", "stale")
	assert.True(t, persistence.IsAssignmentNotFound(err))

	_, err = repo.Get(ctx, "exp-1", "active")
	assert.NoError(t, err, "recently seen assignments survive the sweep")
}

func TestEventRepository(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	repo := p.EventRepository()
	ctx := context.Background()

	now := time.Now()

	for i, offset := range []time.Duration{-3 * time.Hour, -2 * time.Hour, -time.Minute} {
		require.NoError(t, repo.Append(ctx, &models.OutcomeEvent{
			ID:           string(rune('a' + i)),
			ExperimentID: "exp-1",
			SubjectID:    "user-1",
			VariantID:    "control",
			MetricID:     "conversion",
			Value:        1,
			Timestamp:    now.Add(offset),
		}))
	}

	all, err := repo.ByExperiment(ctx, "exp-1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	recent, err := repo.ByExperiment(ctx, "exp-1", now.Add(-90*time.Minute))
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	purged, err := repo.DeleteOlderThan(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, purged)

	remaining, err := repo.ByExperiment(ctx, "exp-1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestAlertRepository(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	repo := p.AlertRepository()
	ctx := context.Background()

	_, err := repo.ByID(ctx, "missing")
	assert.True(t, persistence.IsAlertNotFound(err))

	require.NoError(t, repo.Save(ctx, &models.Alert{
		ID: "alert-1", ExperimentID: "exp-1", MetricID: "error_rate",
		Type: models.AlertTypeGuardrail, Severity: models.SeverityWarning,
	}))
	require.NoError(t, repo.Save(ctx, &models.Alert{
		ID: "alert-2", ExperimentID: "exp-2", MetricID: "error_rate",
		Type: models.AlertTypeGuardrail, Severity: models.SeverityCritical,
	}))
	require.NoError(t, repo.Save(ctx, &models.Alert{
		ID: "alert-3", ExperimentID: "exp-1", MetricID: "latency",
		Type: models.AlertTypeGuardrail, Severity: models.SeverityHigh, Resolved: true,
	}))

	all, err := repo.Active(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2, "resolved alerts are not active")

	scoped, err := repo.Active(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "alert-1", scoped[0].ID)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	assert.NoError(t, p.HealthCheck(context.Background()))
	assert.NoError(t, p.Close(context.Background()))
}
