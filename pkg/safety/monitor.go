// Package safety watches guardrail metrics on running experiments and can
// force-stop an experiment that is doing harm.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/variance/pkg/eventbus"
	"github.com/dukex/variance/pkg/events"
	"github.com/dukex/variance/pkg/metrics"
	"github.com/dukex/variance/pkg/models"
	"github.com/dukex/variance/pkg/persistence"
)

// DefaultCheckFrequency applies to guardrails that do not declare their own.
const DefaultCheckFrequency = 30 * time.Second

type breachTier int

const (
	tierAlert breachTier = iota + 1
	tierStop
)

// Stopper force-stops a running experiment. Implemented by the experiment
// manager; the indirection keeps this package from depending on it.
type Stopper interface {
	AutoStop(ctx context.Context, experimentID, reason string) error
}

type Monitor struct {
	experiments persistence.ExperimentRepository
	alerts      persistence.AlertRepository
	collector   *metrics.Collector
	publisher   eventbus.EventPublisher // Optional
	stopper     Stopper
	logger      *slog.Logger

	mu      sync.Mutex
	watches map[string]context.CancelFunc

	// breaching tracks the highest threshold tier reached in each open
	// breach episode, keyed experiment:metric. A guardrail that stays
	// breached does not re-alert every tick, but an episode escalating from
	// the alert threshold to the stop threshold alerts once more.
	breachMu  sync.Mutex
	breaching map[string]breachTier

	now func() time.Time
}

func NewMonitor(
	experiments persistence.ExperimentRepository,
	alerts persistence.AlertRepository,
	collector *metrics.Collector,
	publisher eventbus.EventPublisher,
	stopper Stopper,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		experiments: experiments,
		alerts:      alerts,
		collector:   collector,
		publisher:   publisher,
		stopper:     stopper,
		logger:      logger.With("module", "safety"),
		watches:     make(map[string]context.CancelFunc),
		breaching:   make(map[string]breachTier),
		now:         time.Now,
	}
}

// Watch starts the periodic guardrail checks for a running experiment. The
// loop exits when the context is cancelled or the experiment leaves the
// running state.
func (m *Monitor) Watch(ctx context.Context, experiment *models.Experiment) {
	if len(experiment.GuardrailMetrics) == 0 {
		return
	}

	watchCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if _, exists := m.watches[experiment.ID]; exists {
		m.mu.Unlock()
		cancel()

		return
	}
	m.watches[experiment.ID] = cancel
	m.mu.Unlock()

	go m.loop(watchCtx, experiment)
}

// Unwatch cancels the check loop for an experiment.
func (m *Monitor) Unwatch(experimentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cancel, ok := m.watches[experimentID]; ok {
		cancel()
		delete(m.watches, experimentID)
	}
}

// Stop cancels every check loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for experimentID, cancel := range m.watches {
		cancel()
		delete(m.watches, experimentID)
	}
}

func (m *Monitor) loop(ctx context.Context, experiment *models.Experiment) {
	logger := m.logger.With("experiment_id", experiment.ID)

	tick := minFrequency(experiment.GuardrailMetrics)
	ticker := time.NewTicker(tick)

	defer ticker.Stop()
	defer m.Unwatch(experiment.ID)

	lastChecked := make(map[string]time.Time, len(experiment.GuardrailMetrics))

	logger.Info("Guardrail monitoring started", "guardrails", len(experiment.GuardrailMetrics), "tick", tick)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Guardrail monitoring stopped")

			return
		case <-ticker.C:
			current, err := m.experiments.ByID(ctx, experiment.ID)
			if err != nil || current.Status != models.ExperimentStatusRunning {
				logger.Info("Experiment no longer running, exiting monitor loop")

				return
			}

			now := m.now()

			for _, guardrail := range current.GuardrailMetrics {
				frequency := guardrail.CheckFrequency
				if frequency <= 0 {
					frequency = DefaultCheckFrequency
				}

				if last, ok := lastChecked[guardrail.ID]; ok && now.Sub(last) < frequency {
					continue
				}

				lastChecked[guardrail.ID] = now

				// A tick failure must not kill the loop; the next tick
				// still runs.
				m.check(ctx, current, guardrail, logger)
			}
		}
	}
}

// check evaluates one guardrail against the worst value observed across
// variants.
func (m *Monitor) check(ctx context.Context, experiment *models.Experiment, guardrail *models.GuardrailMetric, logger *slog.Logger) {
	snapshot, ok := m.collector.Snapshot(experiment.ID)
	if !ok {
		return
	}

	value, observed := worstValue(snapshot, guardrail)
	if !observed {
		return
	}

	episodeKey := experiment.ID + ":" + guardrail.ID

	breachingAlert := guardrail.Breaches(value, guardrail.AlertThreshold)
	breachingStop := guardrail.Breaches(value, guardrail.StopThreshold)

	if !breachingAlert && !breachingStop {
		// Episode over; a later breach alerts again. The alert record
		// itself stays open until explicitly resolved.
		m.breachMu.Lock()
		delete(m.breaching, episodeKey)
		m.breachMu.Unlock()

		return
	}

	tier := tierAlert
	if breachingStop {
		tier = tierStop
	}

	m.breachMu.Lock()
	previous := m.breaching[episodeKey]
	if tier > previous {
		m.breaching[episodeKey] = tier
	}
	m.breachMu.Unlock()

	escalated := tier > previous

	if breachingStop && guardrail.AutoStopEnabled {
		if escalated {
			m.raiseAlert(ctx, experiment, guardrail, value, guardrail.StopThreshold, models.SeverityCritical, logger)
		}

		reason := fmt.Sprintf("guardrail breach: %s at %.4f crossed stop threshold %.4f",
			guardrail.ID, value, guardrail.StopThreshold)

		if err := m.stopper.AutoStop(ctx, experiment.ID, reason); err != nil {
			logger.Error("Failed to auto-stop experiment", "metric_id", guardrail.ID, "error", err)
		}

		return
	}

	if !escalated {
		return
	}

	severity := models.SeverityWarning
	threshold := guardrail.AlertThreshold

	if breachingStop {
		// Past the stop threshold but auto-stop is disabled: loudest
		// severity, human decides.
		severity = models.SeverityCritical
		threshold = guardrail.StopThreshold
	} else if past := progressToStop(guardrail, value); past >= 0.5 {
		severity = models.SeverityHigh
	}

	m.raiseAlert(ctx, experiment, guardrail, value, threshold, severity, logger)
}

func (m *Monitor) raiseAlert(ctx context.Context, experiment *models.Experiment, guardrail *models.GuardrailMetric, value, threshold float64, severity models.AlertSeverity, logger *slog.Logger) {
	alert := &models.Alert{
		ID:           uuid.New().String(),
		ExperimentID: experiment.ID,
		MetricID:     guardrail.ID,
		Type:         models.AlertTypeGuardrail,
		Severity:     severity,
		Message:      fmt.Sprintf("guardrail %s at %.4f crossed threshold %.4f", guardrail.ID, value, threshold),
		Value:        value,
		Threshold:    threshold,
		CreatedAt:    m.now(),
	}

	if err := m.alerts.Save(ctx, alert); err != nil {
		logger.Error("Failed to persist alert", "metric_id", guardrail.ID, "error", err)

		return
	}

	logger.Warn("Guardrail alert raised", "metric_id", guardrail.ID, "severity", severity, "value", value, "threshold", threshold)

	if m.publisher == nil {
		return
	}

	event := events.AlertRaised{
		BaseEvent: events.BaseEvent{
			ID:           uuid.New().String(),
			Type:         events.AlertRaisedEvent,
			Timestamp:    alert.CreatedAt,
			ExperimentID: experiment.ID,
		},
		AlertID:   alert.ID,
		MetricID:  guardrail.ID,
		Severity:  severity,
		Value:     value,
		Threshold: threshold,
	}

	if err := m.publisher.Publish(ctx, experiment.ID, event); err != nil {
		logger.Warn("Failed to publish alert notification", "alert_id", alert.ID, "error", err)
	}
}

// worstValue picks the most harmful observed value for the guardrail metric
// across all variants.
func worstValue(snapshot map[string]map[string]*models.MetricValue, guardrail *models.GuardrailMetric) (float64, bool) {
	var (
		worst    float64
		observed bool
	)

	for _, variantMetrics := range snapshot {
		metricValue, ok := variantMetrics[guardrail.ID]
		if !ok || metricValue.Count == 0 {
			continue
		}

		if !observed {
			worst = metricValue.Value
			observed = true

			continue
		}

		if guardrail.Direction == models.GuardrailBelow {
			if metricValue.Value < worst {
				worst = metricValue.Value
			}
		} else if metricValue.Value > worst {
			worst = metricValue.Value
		}
	}

	return worst, observed
}

// progressToStop reports how far past the alert threshold the value has
// moved toward the stop threshold, in [0,1].
func progressToStop(guardrail *models.GuardrailMetric, value float64) float64 {
	span := guardrail.StopThreshold - guardrail.AlertThreshold
	if span == 0 {
		return 1
	}

	progress := (value - guardrail.AlertThreshold) / span
	if progress < 0 {
		return 0
	}

	if progress > 1 {
		return 1
	}

	return progress
}

func minFrequency(guardrails []*models.GuardrailMetric) time.Duration {
	minimum := DefaultCheckFrequency

	for _, guardrail := range guardrails {
		if guardrail.CheckFrequency > 0 && guardrail.CheckFrequency < minimum {
			minimum = guardrail.CheckFrequency
		}
	}

	return minimum
}
