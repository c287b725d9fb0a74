package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dukex/variance/pkg/assignment"
	"github.com/dukex/variance/pkg/eventbus"
	"github.com/dukex/variance/pkg/events"
	"github.com/dukex/variance/pkg/metrics"
	"github.com/dukex/variance/pkg/models"
	"github.com/dukex/variance/pkg/persistence"
	"github.com/dukex/variance/pkg/power"
	"github.com/dukex/variance/pkg/safety"
	"github.com/dukex/variance/pkg/stats"
	"github.com/dukex/variance/pkg/targeting"
)

// Defaults applied to omitted statistical configuration.
const (
	DefaultSignificanceLevel = 0.05
	DefaultPowerLevel        = 0.8
)

// Manager owns the experiment lifecycle and is the single entry point for
// external callers. It composes the assignment engine, metrics collector,
// statistical engine, and safety monitor.
type Manager struct {
	persistence persistence.Persistence
	collector   *metrics.Collector
	engine      *stats.Engine
	assigner    *assignment.Engine
	monitor     *safety.Monitor
	publisher   eventbus.EventPublisher // Optional; nil disables notifications
	validate    *validator.Validate
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

func NewManager(p persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	manager := &Manager{
		persistence: p,
		collector:   metrics.NewCollector(logger, p.EventRepository()),
		engine:      stats.NewEngine(),
		publisher:   publisher,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("module", "experiment_manager"),
		ctx:         ctx,
		cancel:      cancel,
		now:         time.Now,
	}

	manager.assigner = assignment.NewEngine(
		p.ExperimentRepository(),
		p.AssignmentRepository(),
		targeting.NewEvaluator(),
		publisher,
		logger,
	)

	manager.monitor = safety.NewMonitor(
		p.ExperimentRepository(),
		p.AlertRepository(),
		manager.collector,
		publisher,
		manager,
		logger,
	)

	return manager
}

// Restore re-attaches the collector and safety monitor to experiments that
// were running when the process last exited, replaying the event log into
// fresh aggregates.
func (m *Manager) Restore(ctx context.Context) error {
	running, err := m.persistence.ExperimentRepository().ByStatus(ctx, models.ExperimentStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to list running experiments: %w", err)
	}

	for _, experiment := range running {
		m.collector.Register(experiment)

		if err := m.collector.Replay(ctx, experiment.ID); err != nil {
			m.logger.Warn("Failed to replay event log", "experiment_id", experiment.ID, "error", err)
		}

		m.monitor.Watch(m.ctx, experiment)
		m.logger.Info("Restored running experiment", "experiment_id", experiment.ID)
	}

	return nil
}

// CheckDue completes running experiments whose planned end date has elapsed
// or whose every variant reached the target sample size.
func (m *Manager) CheckDue(ctx context.Context) error {
	running, err := m.persistence.ExperimentRepository().ByStatus(ctx, models.ExperimentStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to list running experiments: %w", err)
	}

	now := m.now()

	for _, experiment := range running {
		due := experiment.EndDate != nil && !now.Before(*experiment.EndDate)
		reason := "planned end date reached"

		if !due && experiment.SampleSizePerVariant > 0 {
			due = sampleSizeReached(experiment, m.collector.SampleSizes(experiment.ID))
			reason = "target sample size reached"
		}

		if !due {
			continue
		}

		if _, err := m.finalize(ctx, experiment.ID, models.ExperimentStatusCompleted, "complete", reason, "scheduler", true); err != nil {
			m.logger.Warn("Failed to complete due experiment", "experiment_id", experiment.ID, "error", err)
		}
	}

	return nil
}

// RunCompletionLoop calls CheckDue on the given interval until the manager
// shuts down. Tick failures are logged and the next tick still runs.
func (m *Manager) RunCompletionLoop(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				if err := m.CheckDue(m.ctx); err != nil {
					m.logger.Warn("Completion check failed", "error", err)
				}
			}
		}
	}()
}

// Shutdown cancels all background monitoring.
func (m *Manager) Shutdown() {
	m.cancel()
	m.monitor.Stop()
}

// Create validates a definition, runs the power analysis, and stores the
// experiment as a draft. Malformed definitions are rejected, never silently
// corrected.
func (m *Manager) Create(ctx context.Context, experiment *models.Experiment) (*models.Experiment, error) {
	applyDefaults(experiment)

	if err := m.validate.Struct(experiment); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	if err := experiment.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	analysis, err := power.Analyze(power.Input{
		BaselineRate:        experiment.StatisticalConfig.BaselineRate,
		SignificanceLevel:   experiment.StatisticalConfig.SignificanceLevel,
		PowerLevel:          experiment.StatisticalConfig.PowerLevel,
		MinDetectableEffect: experiment.StatisticalConfig.MinDetectableEffect,
		DailyTraffic:        experiment.StatisticalConfig.DailyTraffic,
		Variants:            len(experiment.Variants),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	now := m.now()

	if experiment.ID == "" {
		experiment.ID = uuid.New().String()
	} else if _, err := m.load(ctx, experiment.ID); err == nil {
		return nil, persistence.NewExperimentError("Create", experiment.ID, persistence.ErrExperimentAlreadyExists)
	} else if !persistence.IsExperimentNotFound(err) {
		return nil, err
	}

	experiment.Status = models.ExperimentStatusDraft
	experiment.PowerAnalysis = analysis
	experiment.SampleSizePerVariant = analysis.RequiredSampleSize
	experiment.CreatedAt = now
	experiment.UpdatedAt = now

	appendDecision(experiment, now, experiment.Owner, "create", "", false)

	if err := m.persistence.ExperimentRepository().Save(ctx, experiment); err != nil {
		return nil, err
	}

	m.logger.Info("Experiment created",
		"experiment_id", experiment.ID,
		"variants", len(experiment.Variants),
		"required_sample_size", analysis.RequiredSampleSize)

	m.publish(ctx, experiment.ID, events.ExperimentCreated{
		BaseEvent:            m.baseEvent(events.ExperimentCreatedEvent, experiment.ID),
		Name:                 experiment.Name,
		VariantCount:         len(experiment.Variants),
		SampleSizePerVariant: analysis.RequiredSampleSize,
	})

	return experiment, nil
}

// Approve freezes a draft's core configuration.
func (m *Manager) Approve(ctx context.Context, id, actor string) (*models.Experiment, error) {
	experiment, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if experiment.Status != models.ExperimentStatusDraft {
		return nil, &TransitionError{ExperimentID: id, From: experiment.Status, Action: "approve"}
	}

	experiment.Status = models.ExperimentStatusApproved
	appendDecision(experiment, m.now(), actor, "approve", "", false)

	return experiment, m.save(ctx, experiment)
}

// Start transitions an approved experiment to running, starts guardrail
// monitoring, and initializes metric collection.
func (m *Manager) Start(ctx context.Context, id, actor string) (*models.Experiment, error) {
	experiment, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if experiment.Status != models.ExperimentStatusApproved {
		return nil, &TransitionError{ExperimentID: id, From: experiment.Status, Action: "start"}
	}

	// Pre-start validation: the definition may have been edited in draft.
	if err := experiment.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	now := m.now()

	for _, window := range experiment.Exclusions.MaintenanceWindows {
		if !now.Before(window.Start) && now.Before(window.End) {
			return nil, ErrMaintenanceWindow
		}
	}

	experiment.Status = models.ExperimentStatusRunning
	experiment.StartDate = &now

	if experiment.EndDate == nil && experiment.Duration > 0 {
		end := now.Add(experiment.Duration)
		experiment.EndDate = &end
	}

	appendDecision(experiment, now, actor, "start", "", false)

	if err := m.save(ctx, experiment); err != nil {
		return nil, err
	}

	m.collector.Register(experiment)
	m.monitor.Watch(m.ctx, experiment)

	m.logger.Info("Experiment started", "experiment_id", id)

	m.publish(ctx, id, events.ExperimentStarted{
		BaseEvent: m.baseEvent(events.ExperimentStartedEvent, id),
		StartedAt: now,
	})

	return experiment, nil
}

// Pause suspends assignments and event ingestion without discarding
// aggregates.
func (m *Manager) Pause(ctx context.Context, id, actor string) (*models.Experiment, error) {
	experiment, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if experiment.Status != models.ExperimentStatusRunning {
		return nil, &TransitionError{ExperimentID: id, From: experiment.Status, Action: "pause"}
	}

	experiment.Status = models.ExperimentStatusPaused
	appendDecision(experiment, m.now(), actor, "pause", "", false)

	if err := m.save(ctx, experiment); err != nil {
		return nil, err
	}

	m.collector.SetActive(id, false)
	m.monitor.Unwatch(id)

	m.publish(ctx, id, events.ExperimentPaused{BaseEvent: m.baseEvent(events.ExperimentPausedEvent, id)})

	return experiment, nil
}

// Resume returns a paused experiment to running.
func (m *Manager) Resume(ctx context.Context, id, actor string) (*models.Experiment, error) {
	experiment, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if experiment.Status != models.ExperimentStatusPaused {
		return nil, &TransitionError{ExperimentID: id, From: experiment.Status, Action: "resume"}
	}

	experiment.Status = models.ExperimentStatusRunning
	appendDecision(experiment, m.now(), actor, "resume", "", false)

	if err := m.save(ctx, experiment); err != nil {
		return nil, err
	}

	m.collector.SetActive(id, true)
	m.monitor.Watch(m.ctx, experiment)

	m.publish(ctx, id, events.ExperimentResumed{BaseEvent: m.baseEvent(events.ExperimentResumedEvent, id)})

	return experiment, nil
}

// Stop terminates a running or paused experiment, freezing a final snapshot
// of its aggregates into the stored document.
func (m *Manager) Stop(ctx context.Context, id, reason, actor string) (*models.Experiment, error) {
	return m.finalize(ctx, id, models.ExperimentStatusStopped, "stop", reason, actor, false)
}

// AutoStop implements safety.Stopper. Unlike Stop it is idempotent: the
// monitor may observe a breach on the tick that races the stop itself.
func (m *Manager) AutoStop(ctx context.Context, id, reason string) error {
	experiment, err := m.load(ctx, id)
	if err != nil {
		return err
	}

	if experiment.Status != models.ExperimentStatusRunning && experiment.Status != models.ExperimentStatusPaused {
		return nil
	}

	_, err = m.finalize(ctx, id, models.ExperimentStatusStopped, "stop", reason, "safety-monitor", true)

	return err
}

// Complete records the natural end of an experiment: the planned end date
// elapsed or every variant reached the target sample size.
func (m *Manager) Complete(ctx context.Context, id, actor string) (*models.Experiment, error) {
	return m.finalize(ctx, id, models.ExperimentStatusCompleted, "complete", "", actor, false)
}

// Cancel abandons an experiment that never served traffic.
func (m *Manager) Cancel(ctx context.Context, id, reason, actor string) (*models.Experiment, error) {
	experiment, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if experiment.Status != models.ExperimentStatusDraft && experiment.Status != models.ExperimentStatusApproved {
		return nil, &TransitionError{ExperimentID: id, From: experiment.Status, Action: "cancel"}
	}

	experiment.Status = models.ExperimentStatusCancelled
	appendDecision(experiment, m.now(), actor, "cancel", reason, false)

	return experiment, m.save(ctx, experiment)
}

// Archive moves a finished experiment into the read-only audit state.
func (m *Manager) Archive(ctx context.Context, id, actor string) (*models.Experiment, error) {
	experiment, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	switch experiment.Status {
	case models.ExperimentStatusStopped, models.ExperimentStatusCompleted, models.ExperimentStatusCancelled:
	default:
		return nil, &TransitionError{ExperimentID: id, From: experiment.Status, Action: "archive"}
	}

	experiment.Status = models.ExperimentStatusArchived
	appendDecision(experiment, m.now(), actor, "archive", "", false)

	return experiment, m.save(ctx, experiment)
}

// Get returns an experiment by id.
func (m *Manager) Get(ctx context.Context, id string) (*models.Experiment, error) {
	return m.load(ctx, id)
}

// List returns all experiments.
func (m *Manager) List(ctx context.Context) ([]*models.Experiment, error) {
	return m.persistence.ExperimentRepository().All(ctx)
}

// GetAssignment resolves the subject's sticky variant. Nil without error
// means the subject is not part of the experiment.
func (m *Manager) GetAssignment(ctx context.Context, subjectID, experimentID string, requestContext map[string]any) (*models.Assignment, error) {
	return m.assigner.GetAssignment(ctx, subjectID, experimentID, requestContext)
}

// RecordEvent ingests an outcome event with fire-and-forget semantics.
func (m *Manager) RecordEvent(ctx context.Context, event *models.OutcomeEvent) {
	m.collector.RecordEvent(ctx, event)
}

// Results computes the analysis over current aggregates. Safe at any
// lifecycle stage: mid-flight reads are interim, terminal ones final.
func (m *Manager) Results(ctx context.Context, id string) (*models.TestResults, error) {
	experiment, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	snapshot, live := m.collector.Snapshot(id)
	if !live {
		// Post-finalization reads use the snapshot frozen into the
		// document at stop/complete time.
		snapshot = make(map[string]map[string]*models.MetricValue, len(experiment.Variants))
		for _, variant := range experiment.Variants {
			snapshot[variant.ID] = variant.Metrics
		}
	}

	counts, err := m.persistence.AssignmentRepository().CountByVariant(ctx, id)
	if err != nil {
		m.logger.Warn("Failed to count assignments", "experiment_id", id, "error", err)

		counts = map[string]int64{}

		for _, variant := range experiment.Variants {
			counts[variant.ID] = variant.UserCount
		}
	}

	stage := models.AnalysisInterim
	if experiment.Status.IsTerminal() {
		stage = models.AnalysisFinal
	}

	results := &models.TestResults{
		ExperimentID: id,
		Status:       experiment.Status,
		Stage:        stage,
		GeneratedAt:  m.now(),
	}

	primaryID := experiment.PrimaryMetric.ID
	sampleReached := len(experiment.Variants) > 0 && experiment.SampleSizePerVariant > 0

	for _, variant := range experiment.Variants {
		summary := models.VariantSummary{
			VariantID: variant.ID,
			IsControl: variant.IsControl,
			UserCount: counts[variant.ID],
			Metrics:   snapshot[variant.ID],
		}

		if primary, ok := snapshot[variant.ID][primaryID]; ok {
			summary.SampleSize = primary.Count
		}

		if summary.SampleSize < experiment.SampleSizePerVariant {
			sampleReached = false
		}

		results.Variants = append(results.Variants, summary)
	}

	results.SampleSizeReached = sampleReached
	results.Tests = m.engine.PerformTests(experiment, snapshot)
	results.StatisticalSignificance, results.PracticalSignificance = stats.Summarize(experiment.StatisticalConfig, results.Tests)

	return results, nil
}

// ActiveAlerts lists unresolved alerts, optionally for one experiment.
func (m *Manager) ActiveAlerts(ctx context.Context, experimentID string) ([]*models.Alert, error) {
	return m.persistence.AlertRepository().Active(ctx, experimentID)
}

// AcknowledgeAlert marks an alert as seen by a human.
func (m *Manager) AcknowledgeAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	alert, err := m.persistence.AlertRepository().ByID(ctx, alertID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	alert.Acknowledged = true
	alert.AcknowledgedAt = &now

	return alert, m.persistence.AlertRepository().Save(ctx, alert)
}

// ResolveAlert closes an alert with an explanatory note.
func (m *Manager) ResolveAlert(ctx context.Context, alertID, note string) (*models.Alert, error) {
	alert, err := m.persistence.AlertRepository().ByID(ctx, alertID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	alert.ResolutionNote = note

	if err := m.persistence.AlertRepository().Save(ctx, alert); err != nil {
		return nil, err
	}

	m.publish(ctx, alert.ExperimentID, events.AlertResolved{
		BaseEvent: m.baseEvent(events.AlertResolvedEvent, alert.ExperimentID),
		AlertID:   alert.ID,
		Note:      note,
	})

	return alert, nil
}

// finalize freezes the current aggregates into the stored document, records
// the decision, and detaches the collector and monitor.
func (m *Manager) finalize(ctx context.Context, id string, to models.ExperimentStatus, action, reason, actor string, automatic bool) (*models.Experiment, error) {
	experiment, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if experiment.Status != models.ExperimentStatusRunning && experiment.Status != models.ExperimentStatusPaused {
		return nil, &TransitionError{ExperimentID: id, From: experiment.Status, Action: action}
	}

	snapshot, _ := m.collector.Snapshot(id)

	counts, countErr := m.persistence.AssignmentRepository().CountByVariant(ctx, id)
	if countErr != nil {
		m.logger.Warn("Failed to count assignments during finalize", "experiment_id", id, "error", countErr)
	}

	sampleReached := experiment.SampleSizePerVariant > 0

	for _, variant := range experiment.Variants {
		if snapshot != nil {
			variant.Metrics = snapshot[variant.ID]
		}

		if counts != nil {
			variant.UserCount = counts[variant.ID]
		}

		if primary, ok := variant.Metrics[experiment.PrimaryMetric.ID]; ok {
			variant.SampleSize = primary.Count

			if conversions := primary.Conversions; conversions > 0 {
				variant.ConversionEvents = conversions
			}
		}

		if variant.SampleSize < experiment.SampleSizePerVariant {
			sampleReached = false
		}
	}

	now := m.now()
	experiment.Status = to

	if experiment.EndDate == nil || experiment.EndDate.After(now) {
		experiment.EndDate = &now
	}

	appendDecision(experiment, now, actor, action, reason, automatic)

	if err := m.save(ctx, experiment); err != nil {
		return nil, err
	}

	m.collector.Unregister(id)
	m.monitor.Unwatch(id)

	m.logger.Info("Experiment finalized", "experiment_id", id, "status", to, "reason", reason, "automatic", automatic)

	if to == models.ExperimentStatusCompleted {
		m.publish(ctx, id, events.ExperimentCompleted{
			BaseEvent:         m.baseEvent(events.ExperimentCompletedEvent, id),
			SampleSizeReached: sampleReached,
		})
	} else {
		m.publish(ctx, id, events.ExperimentStopped{
			BaseEvent: m.baseEvent(events.ExperimentStoppedEvent, id),
			Reason:    reason,
			Automatic: automatic,
		})
	}

	return experiment, nil
}

func (m *Manager) load(ctx context.Context, id string) (*models.Experiment, error) {
	return m.persistence.ExperimentRepository().ByID(ctx, id)
}

func (m *Manager) save(ctx context.Context, experiment *models.Experiment) error {
	experiment.UpdatedAt = m.now()

	return m.persistence.ExperimentRepository().Save(ctx, experiment)
}

func (m *Manager) baseEvent(eventType events.EventType, experimentID string) events.BaseEvent {
	return events.BaseEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Timestamp:    m.now(),
		ExperimentID: experimentID,
	}
}

func (m *Manager) publish(ctx context.Context, key string, event eventbus.Event) {
	if m.publisher == nil {
		return
	}

	if err := m.publisher.Publish(ctx, key, event); err != nil {
		m.logger.Warn("Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

func applyDefaults(experiment *models.Experiment) {
	config := &experiment.StatisticalConfig

	if config.Method == "" {
		config.Method = models.MethodFrequentist
	}

	if config.Correction == "" {
		config.Correction = models.CorrectionBonferroni
	}

	if config.SignificanceLevel == 0 {
		config.SignificanceLevel = DefaultSignificanceLevel
	}

	if config.PowerLevel == 0 {
		config.PowerLevel = DefaultPowerLevel
	}

	if experiment.Allocation.Method == "" {
		experiment.Allocation.Method = models.AllocationDeterministic
	}

	for _, metric := range collectMetrics(experiment) {
		if metric.Distribution == "" {
			metric.Distribution = models.DistributionBinomial
		}
	}
}

func collectMetrics(experiment *models.Experiment) []*models.Metric {
	metrics := make([]*models.Metric, 0, 1+len(experiment.SecondaryMetrics)+len(experiment.GuardrailMetrics))

	if experiment.PrimaryMetric != nil {
		metrics = append(metrics, experiment.PrimaryMetric)
	}

	metrics = append(metrics, experiment.SecondaryMetrics...)

	for _, guardrail := range experiment.GuardrailMetrics {
		metrics = append(metrics, &guardrail.Metric)
	}

	return metrics
}

func sampleSizeReached(experiment *models.Experiment, sizes map[string]int64) bool {
	if sizes == nil {
		return false
	}

	for _, variant := range experiment.Variants {
		if sizes[variant.ID] < experiment.SampleSizePerVariant {
			return false
		}
	}

	return len(experiment.Variants) > 0
}

func appendDecision(experiment *models.Experiment, at time.Time, actor, action, reason string, automatic bool) {
	experiment.Decisions = append(experiment.Decisions, models.Decision{
		At:        at,
		Actor:     actor,
		Action:    action,
		Reason:    reason,
		Automatic: automatic,
	})
}
