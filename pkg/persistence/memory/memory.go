// Package memory provides the in-memory persistence implementation. It is
// the default backend for a single-process deployment and the one used by
// tests. Locking is per repository and, for assignments and events, per
// experiment, so traffic on unrelated experiments never contends.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/dukex/variance/pkg/models"
	"github.com/dukex/variance/pkg/persistence"
)

type Persistence struct {
	experiments *experimentRepository
	assignments *assignmentRepository
	events      *eventRepository
	alerts      *alertRepository
}

func NewPersistence() *Persistence {
	return &Persistence{
		experiments: &experimentRepository{byID: make(map[string]*models.Experiment)},
		assignments: &assignmentRepository{byExperiment: make(map[string]*assignmentBucket)},
		events:      &eventRepository{byExperiment: make(map[string]*eventBucket)},
		alerts:      &alertRepository{byID: make(map[string]*models.Alert)},
	}
}

func (p *Persistence) ExperimentRepository() persistence.ExperimentRepository {
	return p.experiments
}

func (p *Persistence) AssignmentRepository() persistence.AssignmentRepository {
	return p.assignments
}

func (p *Persistence) EventRepository() persistence.EventRepository {
	return p.events
}

func (p *Persistence) AlertRepository() persistence.AlertRepository {
	return p.alerts
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// cloneExperiment returns an independent copy so callers never share mutable
// state with the store. Experiments are documents, not hot-path records, so
// a JSON round-trip is acceptable here.
func cloneExperiment(experiment *models.Experiment) *models.Experiment {
	raw, err := json.Marshal(experiment)
	if err != nil {
		return experiment
	}

	clone := &models.Experiment{}
	if err := json.Unmarshal(raw, clone); err != nil {
		return experiment
	}

	return clone
}

type experimentRepository struct {
	mu   sync.RWMutex
	byID map[string]*models.Experiment
}

func (r *experimentRepository) All(_ context.Context) ([]*models.Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	experiments := make([]*models.Experiment, 0, len(r.byID))
	for _, experiment := range r.byID {
		experiments = append(experiments, cloneExperiment(experiment))
	}

	sort.Slice(experiments, func(i, j int) bool {
		return experiments[i].CreatedAt.Before(experiments[j].CreatedAt)
	})

	return experiments, nil
}

func (r *experimentRepository) ByID(_ context.Context, id string) (*models.Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	experiment, ok := r.byID[id]
	if !ok {
		return nil, persistence.NewExperimentError("ByID", id, persistence.ErrExperimentNotFound)
	}

	return cloneExperiment(experiment), nil
}

func (r *experimentRepository) ByStatus(ctx context.Context, status models.ExperimentStatus) ([]*models.Experiment, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}

	matched := make([]*models.Experiment, 0)

	for _, experiment := range all {
		if experiment.Status == status {
			matched = append(matched, experiment)
		}
	}

	return matched, nil
}

func (r *experimentRepository) Save(_ context.Context, experiment *models.Experiment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[experiment.ID] = cloneExperiment(experiment)

	return nil
}

func (r *experimentRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return persistence.NewExperimentError("Delete", id, persistence.ErrExperimentNotFound)
	}

	delete(r.byID, id)

	return nil
}

type assignmentBucket struct {
	mu        sync.RWMutex
	bySubject map[string]*models.Assignment
}

type assignmentRepository struct {
	mu           sync.RWMutex
	byExperiment map[string]*assignmentBucket
}

func (r *assignmentRepository) bucket(experimentID string, create bool) *assignmentBucket {
	r.mu.RLock()
	bucket, ok := r.byExperiment[experimentID]
	r.mu.RUnlock()

	if ok || !create {
		return bucket
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if bucket, ok = r.byExperiment[experimentID]; ok {
		return bucket
	}

	bucket = &assignmentBucket{bySubject: make(map[string]*models.Assignment)}
	r.byExperiment[experimentID] = bucket

	return bucket
}

func (r *assignmentRepository) Get(_ context.Context, experimentID, subjectID string) (*models.Assignment, error) {
	bucket := r.bucket(experimentID, false)
	if bucket == nil {
		return nil, &persistence.AssignmentError{Op: "Get", ExperimentID: experimentID, SubjectID: subjectID, Err: persistence.ErrAssignmentNotFound}
	}

	bucket.mu.RLock()
	defer bucket.mu.RUnlock()

	assignment, ok := bucket.bySubject[subjectID]
	if !ok {
		return nil, &persistence.AssignmentError{Op: "Get", ExperimentID: experimentID, SubjectID: subjectID, Err: persistence.ErrAssignmentNotFound}
	}

	clone := *assignment

	return &clone, nil
}

func (r *assignmentRepository) Save(_ context.Context, assignment *models.Assignment) error {
	bucket := r.bucket(assignment.ExperimentID, true)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	// First write wins on a racing first touch. Both racers computed the
	// same variant from the deterministic hash, so dropping the second
	// write only preserves the earlier timestamps.
	if existing, ok := bucket.bySubject[assignment.SubjectID]; ok {
		existing.LastSeen = assignment.LastSeen
		existing.ContextHistory = assignment.ContextHistory

		return nil
	}

	clone := *assignment
	bucket.bySubject[assignment.SubjectID] = &clone

	return nil
}

func (r *assignmentRepository) ByExperiment(_ context.Context, experimentID string) ([]*models.Assignment, error) {
	bucket := r.bucket(experimentID, false)
	if bucket == nil {
		return []*models.Assignment{}, nil
	}

	bucket.mu.RLock()
	defer bucket.mu.RUnlock()

	assignments := make([]*models.Assignment, 0, len(bucket.bySubject))

	for _, assignment := range bucket.bySubject {
		clone := *assignment
		assignments = append(assignments, &clone)
	}

	return assignments, nil
}

func (r *assignmentRepository) CountByVariant(_ context.Context, experimentID string) (map[string]int64, error) {
	counts := make(map[string]int64)

	bucket := r.bucket(experimentID, false)
	if bucket == nil {
		return counts, nil
	}

	bucket.mu.RLock()
	defer bucket.mu.RUnlock()

	for _, assignment := range bucket.bySubject {
		counts[assignment.VariantID]++
	}

	return counts, nil
}

func (r *assignmentRepository) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.RLock()
	buckets := make([]*assignmentBucket, 0, len(r.byExperiment))

	for _, bucket := range r.byExperiment {
		buckets = append(buckets, bucket)
	}
	r.mu.RUnlock()

	var removed int64

	for _, bucket := range buckets {
		bucket.mu.Lock()

		for subjectID, assignment := range bucket.bySubject {
			if assignment.LastSeen.Before(cutoff) {
				delete(bucket.bySubject, subjectID)

				removed++
			}
		}

		bucket.mu.Unlock()
	}

	return removed, nil
}

type eventBucket struct {
	mu     sync.RWMutex
	events []*models.OutcomeEvent
}

type eventRepository struct {
	mu           sync.RWMutex
	byExperiment map[string]*eventBucket
}

func (r *eventRepository) bucket(experimentID string, create bool) *eventBucket {
	r.mu.RLock()
	bucket, ok := r.byExperiment[experimentID]
	r.mu.RUnlock()

	if ok || !create {
		return bucket
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if bucket, ok = r.byExperiment[experimentID]; ok {
		return bucket
	}

	bucket = &eventBucket{}
	r.byExperiment[experimentID] = bucket

	return bucket
}

func (r *eventRepository) Append(_ context.Context, event *models.OutcomeEvent) error {
	bucket := r.bucket(event.ExperimentID, true)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	clone := *event
	bucket.events = append(bucket.events, &clone)

	return nil
}

func (r *eventRepository) ByExperiment(_ context.Context, experimentID string, since time.Time) ([]*models.OutcomeEvent, error) {
	bucket := r.bucket(experimentID, false)
	if bucket == nil {
		return []*models.OutcomeEvent{}, nil
	}

	bucket.mu.RLock()
	defer bucket.mu.RUnlock()

	events := make([]*models.OutcomeEvent, 0, len(bucket.events))

	for _, event := range bucket.events {
		if event.Timestamp.Before(since) {
			continue
		}

		clone := *event
		events = append(events, &clone)
	}

	return events, nil
}

func (r *eventRepository) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.RLock()
	buckets := make([]*eventBucket, 0, len(r.byExperiment))

	for _, bucket := range r.byExperiment {
		buckets = append(buckets, bucket)
	}
	r.mu.RUnlock()

	var removed int64

	for _, bucket := range buckets {
		bucket.mu.Lock()

		kept := bucket.events[:0]

		for _, event := range bucket.events {
			if event.Timestamp.Before(cutoff) {
				removed++

				continue
			}

			kept = append(kept, event)
		}

		bucket.events = kept

		bucket.mu.Unlock()
	}

	return removed, nil
}

type alertRepository struct {
	mu   sync.RWMutex
	byID map[string]*models.Alert
}

func (r *alertRepository) Save(_ context.Context, alert *models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *alert
	r.byID[alert.ID] = &clone

	return nil
}

func (r *alertRepository) ByID(_ context.Context, id string) (*models.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	alert, ok := r.byID[id]
	if !ok {
		return nil, persistence.ErrAlertNotFound
	}

	clone := *alert

	return &clone, nil
}

func (r *alertRepository) Active(_ context.Context, experimentID string) ([]*models.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	alerts := make([]*models.Alert, 0)

	for _, alert := range r.byID {
		if alert.Resolved {
			continue
		}

		if experimentID != "" && alert.ExperimentID != experimentID {
			continue
		}

		clone := *alert
		alerts = append(alerts, &clone)
	}

	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})

	return alerts, nil
}
