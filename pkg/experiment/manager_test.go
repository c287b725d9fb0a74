package experiment_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/variance/pkg/experiment"
	"github.com/dukex/variance/pkg/models"
	"github.com/dukex/variance/pkg/persistence"
	"github.com/dukex/variance/pkg/persistence/memory"
)

func validDefinition() *models.Experiment {
	return &models.Experiment{
		Name:       "Checkout CTA color",
		Hypothesis: "A green CTA increases checkout conversion",
		Owner:      "growth-team",
		Variants: []*models.Variant{
			{ID: "control", Name: "Blue CTA", IsControl: true, TrafficPercent: 50},
			{ID: "treatment", Name: "Green CTA", TrafficPercent: 50},
		},
		PrimaryMetric: &models.Metric{ID: "conversion", Name: "Checkout conversion", Distribution: models.DistributionBinomial},
		StatisticalConfig: models.StatisticalConfig{
			SignificanceLevel:   0.05,
			PowerLevel:          0.8,
			MinDetectableEffect: 0.10,
			BaselineRate:        0.10,
			DailyTraffic:        5000,
		},
	}
}

func setupManager(t *testing.T) (*experiment.Manager, persistence.Persistence) {
	t.Helper()

	p := memory.NewPersistence()
	manager := experiment.NewManager(p, nil, slog.Default())
	t.Cleanup(manager.Shutdown)

	return manager, p
}

func mustCreate(t *testing.T, manager *experiment.Manager) *models.Experiment {
	t.Helper()

	created, err := manager.Create(context.Background(), validDefinition())
	require.NoError(t, err)

	return created
}

func mustStart(t *testing.T, manager *experiment.Manager) *models.Experiment {
	t.Helper()

	ctx := context.Background()
	created := mustCreate(t, manager)

	_, err := manager.Approve(ctx, created.ID, "reviewer")
	require.NoError(t, err)

	started, err := manager.Start(ctx, created.ID, "owner")
	require.NoError(t, err)

	return started
}

func TestCreate(t *testing.T) {
	t.Parallel()

	manager, _ := setupManager(t)
	created := mustCreate(t, manager)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.ExperimentStatusDraft, created.Status)
	require.NotNil(t, created.PowerAnalysis)
	assert.Greater(t, created.SampleSizePerVariant, int64(0))
	assert.Greater(t, created.PowerAnalysis.EstimatedDuration, time.Duration(0))

	require.Len(t, created.Decisions, 1)
	assert.Equal(t, "create", created.Decisions[0].Action)
	assert.Equal(t, "growth-team", created.Decisions[0].Actor)

	// Defaults were filled in.
	assert.Equal(t, models.MethodFrequentist, created.StatisticalConfig.Method)
	assert.Equal(t, models.CorrectionBonferroni, created.StatisticalConfig.Correction)
	assert.Equal(t, models.AllocationDeterministic, created.Allocation.Method)
}

func TestCreate_RejectsInvalidDefinitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*models.Experiment)
	}{
		{"traffic does not sum to 100", func(e *models.Experiment) {
			e.Variants[0].TrafficPercent = 80
			e.Variants[1].TrafficPercent = 50
		}},
		{"no control variant", func(e *models.Experiment) {
			e.Variants[0].IsControl = false
		}},
		{"two control variants", func(e *models.Experiment) {
			e.Variants[1].IsControl = true
		}},
		{"duplicate variant ids", func(e *models.Experiment) {
			e.Variants[1].ID = "control"
		}},
		{"single variant", func(e *models.Experiment) {
			e.Variants = e.Variants[:1]
			e.Variants[0].TrafficPercent = 100
		}},
		{"missing primary metric", func(e *models.Experiment) {
			e.PrimaryMetric = nil
		}},
		{"missing hypothesis", func(e *models.Experiment) {
			e.Hypothesis = ""
		}},
		{"baseline rate out of range", func(e *models.Experiment) {
			e.StatisticalConfig.BaselineRate = 1.5
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			manager, _ := setupManager(t)

			definition := validDefinition()
			tt.mutate(definition)

			_, err := manager.Create(context.Background(), definition)
			require.Error(t, err)
			assert.True(t, experiment.IsValidationError(err), "expected a validation error, got %v", err)
		})
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	t.Parallel()

	manager, _ := setupManager(t)
	ctx := context.Background()

	created := mustCreate(t, manager)

	approved, err := manager.Approve(ctx, created.ID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusApproved, approved.Status)

	started, err := manager.Start(ctx, created.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusRunning, started.Status)
	require.NotNil(t, started.StartDate)

	paused, err := manager.Pause(ctx, created.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusPaused, paused.Status)

	resumed, err := manager.Resume(ctx, created.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusRunning, resumed.Status)

	stopped, err := manager.Stop(ctx, created.ID, "inconclusive", "owner")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusStopped, stopped.Status)

	archived, err := manager.Archive(ctx, created.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusArchived, archived.Status)

	// Every transition left a decision entry.
	actions := make([]string, 0, len(archived.Decisions))
	for _, decision := range archived.Decisions {
		actions = append(actions, decision.Action)
	}

	assert.Equal(t, []string{"create", "approve", "start", "pause", "resume", "stop", "archive"}, actions)
}

func TestLifecycle_InvalidTransitions(t *testing.T) {
	t.Parallel()

	manager, _ := setupManager(t)
	ctx := context.Background()

	created := mustCreate(t, manager)

	// Draft cannot start, pause, or complete.
	_, err := manager.Start(ctx, created.ID, "owner")
	assert.True(t, experiment.IsStateError(err))

	_, err = manager.Pause(ctx, created.ID, "owner")
	assert.True(t, experiment.IsStateError(err))

	_, err = manager.Complete(ctx, created.ID, "owner")
	assert.True(t, experiment.IsStateError(err))

	// Stop twice: the second is a state error, not idempotent success.
	_, err = manager.Approve(ctx, created.ID, "reviewer")
	require.NoError(t, err)
	_, err = manager.Start(ctx, created.ID, "owner")
	require.NoError(t, err)
	_, err = manager.Stop(ctx, created.ID, "done", "owner")
	require.NoError(t, err)

	_, err = manager.Stop(ctx, created.ID, "again", "owner")
	require.Error(t, err)
	assert.True(t, experiment.IsStateError(err))

	// Cancel only applies before traffic was served.
	_, err = manager.Cancel(ctx, created.ID, "changed our minds", "owner")
	assert.True(t, experiment.IsStateError(err))
}

func TestLifecycle_CancelFromDraftAndApproved(t *testing.T) {
	t.Parallel()

	manager, _ := setupManager(t)
	ctx := context.Background()

	draft := mustCreate(t, manager)

	cancelled, err := manager.Cancel(ctx, draft.ID, "superseded", "owner")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusCancelled, cancelled.Status)

	second := mustCreate(t, manager)
	_, err = manager.Approve(ctx, second.ID, "reviewer")
	require.NoError(t, err)

	cancelled, err = manager.Cancel(ctx, second.ID, "superseded", "owner")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusCancelled, cancelled.Status)
}

func TestLifecycle_NotFound(t *testing.T) {
	t.Parallel()

	manager, _ := setupManager(t)

	_, err := manager.Get(context.Background(), "missing")
	assert.True(t, experiment.IsNotFound(err))

	_, err = manager.Start(context.Background(), "missing", "owner")
	assert.True(t, experiment.IsNotFound(err))
}

func TestStart_RejectedDuringMaintenanceWindow(t *testing.T) {
	t.Parallel()

	manager, _ := setupManager(t)
	ctx := context.Background()

	definition := validDefinition()
	definition.Exclusions.MaintenanceWindows = []models.MaintenanceWindow{
		{Start: time.Now().Add(-time.Hour), End: time.Now().Add(time.Hour)},
	}

	created, err := manager.Create(ctx, definition)
	require.NoError(t, err)

	_, err = manager.Approve(ctx, created.ID, "reviewer")
	require.NoError(t, err)

	_, err = manager.Start(ctx, created.ID, "owner")
	require.ErrorIs(t, err, experiment.ErrMaintenanceWindow)
	assert.True(t, experiment.IsStateError(err))
}

func TestAssignmentsOnlyWhileRunning(t *testing.T) {
	t.Parallel()

	manager, _ := setupManager(t)
	ctx := context.Background()

	created := mustCreate(t, manager)

	got, err := manager.GetAssignment(ctx, "user-1", created.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, got, "draft experiments serve no assignments")

	_, err = manager.Approve(ctx, created.ID, "reviewer")
	require.NoError(t, err)
	_, err = manager.Start(ctx, created.ID, "owner")
	require.NoError(t, err)

	got, err = manager.GetAssignment(ctx, "user-1", created.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Contains(t, []string{"control", "treatment"}, got.VariantID)
}

func TestResults_InterimAndFinal(t *testing.T) {
	t.Parallel()

	manager, _ := setupManager(t)
	ctx := context.Background()

	started := mustStart(t, manager)

	for _, variantID := range []string{"control", "treatment"} {
		for i := range 100 {
			value := 0.0
			if i%10 == 0 {
				value = 1
			}

			manager.RecordEvent(ctx, &models.OutcomeEvent{
				ExperimentID: started.ID,
				SubjectID:    "user",
				VariantID:    variantID,
				MetricID:     "conversion",
				Value:        value,
			})
		}
	}

	results, err := manager.Results(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisInterim, results.Stage)
	assert.False(t, results.SampleSizeReached)
	require.Len(t, results.Variants, 2)

	for _, summary := range results.Variants {
		assert.EqualValues(t, 100, summary.SampleSize)
		require.Contains(t, summary.Metrics, "conversion")
		assert.InDelta(t, 0.10, summary.Metrics["conversion"].Value, 1e-9)
	}

	require.Len(t, results.Tests, 1)
	assert.False(t, results.Tests[0].Significant, "identical arms must not be significant")
	assert.False(t, results.StatisticalSignificance)
	assert.False(t, results.PracticalSignificance)

	// Aggregates survive the stop: final results use the frozen snapshot.
	_, err = manager.Stop(ctx, started.ID, "done", "owner")
	require.NoError(t, err)

	final, err := manager.Results(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisFinal, final.Stage)
	require.Len(t, final.Variants, 2)

	for _, summary := range final.Variants {
		assert.EqualValues(t, 100, summary.SampleSize)
	}
}

func TestStop_FreezesAggregates(t *testing.T) {
	t.Parallel()

	manager, p := setupManager(t)
	ctx := context.Background()

	started := mustStart(t, manager)

	_, err := manager.GetAssignment(ctx, "user-1", started.ID, nil)
	require.NoError(t, err)
	_, err = manager.GetAssignment(ctx, "user-2", started.ID, nil)
	require.NoError(t, err)

	manager.RecordEvent(ctx, &models.OutcomeEvent{
		ExperimentID: started.ID,
		SubjectID:    "user-1",
		VariantID:    "control",
		MetricID:     "conversion",
		Value:        1,
	})

	stopped, err := manager.Stop(ctx, started.ID, "enough", "owner")
	require.NoError(t, err)

	total := int64(0)
	for _, variant := range stopped.Variants {
		total += variant.UserCount
	}

	assert.EqualValues(t, 2, total, "user counts derive from stored assignments")

	control := stopped.VariantByID("control")
	require.NotNil(t, control)
	assert.EqualValues(t, 1, control.SampleSize)
	require.Contains(t, control.Metrics, "conversion")

	// Events reported after the stop are dropped.
	manager.RecordEvent(ctx, &models.OutcomeEvent{
		ExperimentID: started.ID,
		SubjectID:    "user-1",
		VariantID:    "control",
		MetricID:     "conversion",
		Value:        1,
	})

	reloaded, err := p.ExperimentRepository().ByID(ctx, started.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reloaded.VariantByID("control").SampleSize)
}

func TestAutoStop_IdempotentDecision(t *testing.T) {
	t.Parallel()

	manager, _ := setupManager(t)
	ctx := context.Background()

	started := mustStart(t, manager)

	require.NoError(t, manager.AutoStop(ctx, started.ID, "guardrail breach: error_rate crossed stop threshold"))
	require.NoError(t, manager.AutoStop(ctx, started.ID, "guardrail breach: error_rate crossed stop threshold"),
		"a racing second auto-stop is quietly absorbed")

	final, err := manager.Get(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusStopped, final.Status)

	stops := 0

	for _, decision := range final.Decisions {
		if decision.Action == "stop" {
			stops++

			assert.True(t, decision.Automatic)
			assert.Equal(t, "safety-monitor", decision.Actor)
			assert.Contains(t, decision.Reason, "guardrail breach")
		}
	}

	assert.Equal(t, 1, stops, "exactly one stop decision is recorded")
}

func TestComplete(t *testing.T) {
	t.Parallel()

	manager, _ := setupManager(t)
	ctx := context.Background()

	started := mustStart(t, manager)

	completed, err := manager.Complete(ctx, started.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusCompleted, completed.Status)
	require.NotNil(t, completed.EndDate)
}

func TestRestore_ReattachesRunningExperiments(t *testing.T) {
	t.Parallel()

	p := memory.NewPersistence()
	ctx := context.Background()

	first := experiment.NewManager(p, nil, slog.Default())
	created, err := first.Create(ctx, validDefinition())
	require.NoError(t, err)
	_, err = first.Approve(ctx, created.ID, "reviewer")
	require.NoError(t, err)
	_, err = first.Start(ctx, created.ID, "owner")
	require.NoError(t, err)

	first.RecordEvent(ctx, &models.OutcomeEvent{
		ExperimentID: created.ID,
		SubjectID:    "user-1",
		VariantID:    "control",
		MetricID:     "conversion",
		Value:        1,
	})
	first.Shutdown()

	// New process over the same store.
	second := experiment.NewManager(p, nil, slog.Default())
	t.Cleanup(second.Shutdown)
	require.NoError(t, second.Restore(ctx))

	// The replayed aggregate is visible and ingestion works again.
	results, err := second.Results(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisInterim, results.Stage)

	var control *models.VariantSummary

	for i := range results.Variants {
		if results.Variants[i].VariantID == "control" {
			control = &results.Variants[i]
		}
	}

	require.NotNil(t, control)
	assert.EqualValues(t, 1, control.SampleSize)
}

func TestAlertLifecycle(t *testing.T) {
	t.Parallel()

	manager, p := setupManager(t)
	ctx := context.Background()

	started := mustStart(t, manager)

	alert := &models.Alert{
		ID:           "alert-1",
		ExperimentID: started.ID,
		MetricID:     "error_rate",
		Type:         models.AlertTypeGuardrail,
		Severity:     models.SeverityWarning,
		Value:        0.07,
		Threshold:    0.05,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, p.AlertRepository().Save(ctx, alert))

	active, err := manager.ActiveAlerts(ctx, started.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)

	acknowledged, err := manager.AcknowledgeAlert(ctx, "alert-1")
	require.NoError(t, err)
	assert.True(t, acknowledged.Acknowledged)
	require.NotNil(t, acknowledged.AcknowledgedAt)

	// Acknowledged alerts stay active until resolved.
	active, err = manager.ActiveAlerts(ctx, started.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	resolved, err := manager.ResolveAlert(ctx, "alert-1", "false positive, checkout deploy")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "false positive, checkout deploy", resolved.ResolutionNote)

	active, err = manager.ActiveAlerts(ctx, started.ID)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = manager.AcknowledgeAlert(ctx, "missing")
	assert.True(t, experiment.IsNotFound(err))
}

func TestCheckDue_CompletesElapsedExperiments(t *testing.T) {
	t.Parallel()

	manager, p := setupManager(t)
	ctx := context.Background()
	started := mustStart(t, manager)

	// Push the planned end date into the past.
	stored, err := p.ExperimentRepository().ByID(ctx, started.ID)
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	stored.EndDate = &past
	require.NoError(t, p.ExperimentRepository().Save(ctx, stored))

	require.NoError(t, manager.CheckDue(ctx))

	completed, err := manager.Get(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusCompleted, completed.Status)

	last := completed.Decisions[len(completed.Decisions)-1]
	assert.Equal(t, "complete", last.Action)
	assert.Equal(t, "scheduler", last.Actor)
	assert.True(t, last.Automatic)
}

func TestCheckDue_CompletesOnTargetSampleSize(t *testing.T) {
	t.Parallel()

	manager, p := setupManager(t)
	ctx := context.Background()
	started := mustStart(t, manager)

	stored, err := p.ExperimentRepository().ByID(ctx, started.ID)
	require.NoError(t, err)
	stored.SampleSizePerVariant = 1
	require.NoError(t, p.ExperimentRepository().Save(ctx, stored))

	// Not due yet: no variant has any samples.
	require.NoError(t, manager.CheckDue(ctx))
	current, err := manager.Get(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusRunning, current.Status)

	for _, variantID := range []string{"control", "treatment"} {
		manager.RecordEvent(ctx, &models.OutcomeEvent{
			ExperimentID: started.ID,
			SubjectID:    "subject-" + variantID,
			VariantID:    variantID,
			MetricID:     "conversion",
			Value:        1,
		})
	}

	require.NoError(t, manager.CheckDue(ctx))

	completed, err := manager.Get(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusCompleted, completed.Status)

	last := completed.Decisions[len(completed.Decisions)-1]
	assert.Equal(t, "target sample size reached", last.Reason)
	assert.True(t, last.Automatic)
}

func TestCreate_RejectsDuplicateID(t *testing.T) {
	t.Parallel()

	manager, _ := setupManager(t)
	ctx := context.Background()

	first := validDefinition()
	first.ID = "exp-fixed"
	_, err := manager.Create(ctx, first)
	require.NoError(t, err)

	second := validDefinition()
	second.ID = "exp-fixed"
	_, err = manager.Create(ctx, second)
	require.Error(t, err)
	assert.True(t, persistence.IsExperimentAlreadyExists(err))
	assert.True(t, experiment.IsStateError(err))

	// The stored experiment was not overwritten.
	stored, err := manager.Get(ctx, "exp-fixed")
	require.NoError(t, err)
	assert.Len(t, stored.Decisions, 1)
}
