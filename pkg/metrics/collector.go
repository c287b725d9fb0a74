// Package metrics ingests outcome events and maintains streaming aggregates
// per experiment, variant, and metric. Recording is strictly best-effort:
// invalid events are dropped and logged, never surfaced to the caller whose
// business flow produced them.
package metrics

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/dukex/variance/pkg/models"
	"github.com/dukex/variance/pkg/persistence"
	"github.com/dukex/variance/pkg/power"
)

type Collector struct {
	mu          sync.RWMutex
	experiments map[string]*experimentAggregates

	events persistence.EventRepository
	logger *slog.Logger
	now    func() time.Time
}

// experimentAggregates holds one experiment's running state. Each experiment
// has its own lock so ingestion on unrelated experiments never contends.
type experimentAggregates struct {
	mu         sync.Mutex
	experiment *models.Experiment
	active     bool
	schemas    map[string]*gojsonschema.Schema       // metric id -> compiled payload schema
	metrics    map[string]*models.Metric             // metric id -> definition
	byVariant  map[string]map[string]*accumulator    // variant id -> metric id -> running aggregate
}

// accumulator is a Welford-style streaming mean/variance.
type accumulator struct {
	count       int64
	mean        float64
	m2          float64
	conversions int64
	updatedAt   time.Time
}

func (a *accumulator) observe(value float64, binomial bool, now time.Time) {
	a.count++

	delta := value - a.mean
	a.mean += delta / float64(a.count)
	a.m2 += delta * (value - a.mean)

	if binomial && value != 0 {
		a.conversions++
	}

	a.updatedAt = now
}

func (a *accumulator) variance() float64 {
	if a.count < 2 {
		return 0
	}

	return a.m2 / float64(a.count-1)
}

func NewCollector(logger *slog.Logger, events persistence.EventRepository) *Collector {
	return &Collector{
		experiments: make(map[string]*experimentAggregates),
		events:      events,
		logger:      logger.With("module", "metrics"),
		now:         time.Now,
	}
}

// Register starts collecting for an experiment. Payload schemas declared on
// metrics are compiled once here; a metric with a broken schema falls back
// to accepting any payload.
func (c *Collector) Register(experiment *models.Experiment) {
	agg := &experimentAggregates{
		experiment: experiment,
		active:     true,
		schemas:    make(map[string]*gojsonschema.Schema),
		metrics:    make(map[string]*models.Metric),
		byVariant:  make(map[string]map[string]*accumulator),
	}

	definitions := make([]*models.Metric, 0, 1+len(experiment.SecondaryMetrics)+len(experiment.GuardrailMetrics))
	definitions = append(definitions, experiment.PrimaryMetric)
	definitions = append(definitions, experiment.SecondaryMetrics...)

	for _, guardrail := range experiment.GuardrailMetrics {
		definition := guardrail.Metric
		definitions = append(definitions, &definition)
	}

	for _, metric := range definitions {
		agg.metrics[metric.ID] = metric

		if metric.PayloadSchema == nil {
			continue
		}

		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(metric.PayloadSchema))
		if err != nil {
			c.logger.Warn("Invalid payload schema, accepting any payload",
				"experiment_id", experiment.ID, "metric_id", metric.ID, "error", err)

			continue
		}

		agg.schemas[metric.ID] = schema
	}

	for _, variant := range experiment.Variants {
		agg.byVariant[variant.ID] = make(map[string]*accumulator)
	}

	c.mu.Lock()
	c.experiments[experiment.ID] = agg
	c.mu.Unlock()
}

// Unregister stops collecting for an experiment and discards its aggregates.
func (c *Collector) Unregister(experimentID string) {
	c.mu.Lock()
	delete(c.experiments, experimentID)
	c.mu.Unlock()
}

// SetActive toggles ingestion without discarding aggregates; used for
// pause/resume.
func (c *Collector) SetActive(experimentID string, active bool) {
	c.mu.RLock()
	agg := c.experiments[experimentID]
	c.mu.RUnlock()

	if agg == nil {
		return
	}

	agg.mu.Lock()
	agg.active = active
	agg.mu.Unlock()
}

// RecordEvent ingests one outcome event. It never returns an error: any
// validation or persistence failure is logged and the event is dropped.
func (c *Collector) RecordEvent(ctx context.Context, event *models.OutcomeEvent) {
	if event == nil {
		return
	}

	c.mu.RLock()
	agg := c.experiments[event.ExperimentID]
	c.mu.RUnlock()

	if agg == nil {
		c.logger.Debug("Dropping event for unknown or inactive experiment",
			"experiment_id", event.ExperimentID, "metric_id", event.MetricID)

		return
	}

	now := c.now()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}

	agg.mu.Lock()

	if !agg.active {
		agg.mu.Unlock()
		c.logger.Debug("Dropping event for paused experiment", "experiment_id", event.ExperimentID)

		return
	}

	variantMetrics, ok := agg.byVariant[event.VariantID]
	if !ok {
		agg.mu.Unlock()
		c.logger.Warn("Dropping event for unknown variant",
			"experiment_id", event.ExperimentID, "variant_id", event.VariantID)

		return
	}

	metric, ok := agg.metrics[event.MetricID]
	if !ok {
		agg.mu.Unlock()
		c.logger.Warn("Dropping event for unknown metric",
			"experiment_id", event.ExperimentID, "metric_id", event.MetricID)

		return
	}

	if schema := agg.schemas[event.MetricID]; schema != nil {
		result, err := schema.Validate(gojsonschema.NewGoLoader(event.Payload))
		if err != nil || !result.Valid() {
			agg.mu.Unlock()
			c.logger.Warn("Dropping event with non-conforming payload",
				"experiment_id", event.ExperimentID, "metric_id", event.MetricID)

			return
		}
	}

	acc, ok := variantMetrics[event.MetricID]
	if !ok {
		acc = &accumulator{}
		variantMetrics[event.MetricID] = acc
	}

	acc.observe(event.Value, metric.Distribution == models.DistributionBinomial, now)

	agg.mu.Unlock()

	// The append-only log is best effort relative to the aggregates.
	if c.events != nil {
		if err := c.events.Append(ctx, event); err != nil {
			c.logger.Error("Failed to append outcome event",
				"experiment_id", event.ExperimentID, "event_id", event.ID, "error", err)
		}
	}
}

// Replay rebuilds an experiment's aggregates from the persisted event log.
// Used at startup to recover the in-memory state of experiments that were
// running when the process last exited. Events already passed validation
// when first ingested, so replay skips schema checks.
func (c *Collector) Replay(ctx context.Context, experimentID string) error {
	if c.events == nil {
		return nil
	}

	c.mu.RLock()
	agg := c.experiments[experimentID]
	c.mu.RUnlock()

	if agg == nil {
		return nil
	}

	log, err := c.events.ByExperiment(ctx, experimentID, time.Time{})
	if err != nil {
		return err
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	replayed := 0

	for _, event := range log {
		variantMetrics, ok := agg.byVariant[event.VariantID]
		if !ok {
			continue
		}

		metric, ok := agg.metrics[event.MetricID]
		if !ok {
			continue
		}

		acc, ok := variantMetrics[event.MetricID]
		if !ok {
			acc = &accumulator{}
			variantMetrics[event.MetricID] = acc
		}

		acc.observe(event.Value, metric.Distribution == models.DistributionBinomial, event.Timestamp)
		replayed++
	}

	c.logger.Info("Replayed event log", "experiment_id", experimentID, "events", replayed)

	return nil
}

// Snapshot returns a consistent point-in-time copy of an experiment's
// aggregates, keyed variant id then metric id. The second return is false if
// the experiment is not registered.
func (c *Collector) Snapshot(experimentID string) (map[string]map[string]*models.MetricValue, bool) {
	c.mu.RLock()
	agg := c.experiments[experimentID]
	c.mu.RUnlock()

	if agg == nil {
		return nil, false
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	zAlpha := power.Quantile(1 - agg.experiment.StatisticalConfig.SignificanceLevel/2)

	snapshot := make(map[string]map[string]*models.MetricValue, len(agg.byVariant))

	for variantID, variantMetrics := range agg.byVariant {
		values := make(map[string]*models.MetricValue, len(variantMetrics))

		for metricID, acc := range variantMetrics {
			variance := acc.variance()
			halfWidth := 0.0

			if acc.count > 0 {
				halfWidth = zAlpha * math.Sqrt(variance/float64(acc.count))
			}

			values[metricID] = &models.MetricValue{
				Value:         acc.mean,
				Count:         acc.count,
				Variance:      variance,
				CILower:       acc.mean - halfWidth,
				CIUpper:       acc.mean + halfWidth,
				Conversions:   acc.conversions,
				LastUpdatedAt: acc.updatedAt,
			}
		}

		snapshot[variantID] = values
	}

	return snapshot, true
}

// SampleSizes returns the number of primary-metric observations per variant.
func (c *Collector) SampleSizes(experimentID string) map[string]int64 {
	c.mu.RLock()
	agg := c.experiments[experimentID]
	c.mu.RUnlock()

	if agg == nil {
		return nil
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	primary := agg.experiment.PrimaryMetric.ID
	sizes := make(map[string]int64, len(agg.byVariant))

	for variantID, variantMetrics := range agg.byVariant {
		if acc, ok := variantMetrics[primary]; ok {
			sizes[variantID] = acc.count
		} else {
			sizes[variantID] = 0
		}
	}

	return sizes
}
