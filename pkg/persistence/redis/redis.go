// Package redis provides a Redis-backed persistence implementation.
// Assignment determinism keeps horizontally scaled instances consistent, so
// the backend only needs plain key/value durability, no coordination.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dukex/variance/pkg/models"
	"github.com/dukex/variance/pkg/persistence"
)

const (
	experimentKeyPrefix = "variance:experiment:"
	experimentIndexKey  = "variance:experiments"
	assignmentKeyPrefix = "variance:assignments:"
	eventKeyPrefix      = "variance:events:"
	eventIndexKey       = "variance:events"
	alertKey            = "variance:alerts"
)

type Persistence struct {
	client *goredis.Client

	experiments *experimentRepository
	assignments *assignmentRepository
	events      *eventRepository
	alerts      *alertRepository
}

func NewPersistence(databaseURL string) (*Persistence, error) {
	opts, err := goredis.ParseURL(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	return &Persistence{
		client:      client,
		experiments: &experimentRepository{client: client},
		assignments: &assignmentRepository{client: client},
		events:      &eventRepository{client: client},
		alerts:      &alertRepository{client: client},
	}, nil
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

func (p *Persistence) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Persistence) Close(_ context.Context) error {
	return p.client.Close()
}

type experimentRepository struct {
	client *goredis.Client
}

func (r *experimentRepository) All(ctx context.Context) ([]*models.Experiment, error) {
	ids, err := r.client.SMembers(ctx, experimentIndexKey).Result()
	if err != nil {
		return nil, err
	}

	experiments := make([]*models.Experiment, 0, len(ids))

	for _, id := range ids {
		experiment, err := r.ByID(ctx, id)
		if err != nil {
			if persistence.IsExperimentNotFound(err) {
				continue
			}

			return nil, err
		}

		experiments = append(experiments, experiment)
	}

	return experiments, nil
}

func (r *experimentRepository) ByID(ctx context.Context, id string) (*models.Experiment, error) {
	raw, err := r.client.Get(ctx, experimentKeyPrefix+id).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, persistence.NewExperimentError("ByID", id, persistence.ErrExperimentNotFound)
		}

		return nil, persistence.NewExperimentError("ByID", id, err)
	}

	experiment := &models.Experiment{}
	if err := json.Unmarshal(raw, experiment); err != nil {
		return nil, persistence.NewExperimentError("ByID", id, err)
	}

	return experiment, nil
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

func (r *experimentRepository) Save(ctx context.Context, experiment *models.Experiment) error {
	raw, err := json.Marshal(experiment)
	if err != nil {
		return persistence.NewExperimentError("Save", experiment.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, experimentKeyPrefix+experiment.ID, raw, 0)
	pipe.SAdd(ctx, experimentIndexKey, experiment.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.NewExperimentError("Save", experiment.ID, err)
	}

	return nil
}

func (r *experimentRepository) Delete(ctx context.Context, id string) error {
	removed, err := r.client.Del(ctx, experimentKeyPrefix+id).Result()
	if err != nil {
		return persistence.NewExperimentError("Delete", id, err)
	}

	if removed == 0 {
		return persistence.NewExperimentError("Delete", id, persistence.ErrExperimentNotFound)
	}

	return r.client.SRem(ctx, experimentIndexKey, id).Err()
}

type assignmentRepository struct {
	client *goredis.Client
}

func (r *assignmentRepository) Get(ctx context.Context, experimentID, subjectID string) (*models.Assignment, error) {
	raw, err := r.client.HGet(ctx, assignmentKeyPrefix+experimentID, subjectID).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, &persistence.AssignmentError{Op: "Get", ExperimentID: experimentID, SubjectID: subjectID, Err: persistence.ErrAssignmentNotFound}
		}

		return nil, &persistence.AssignmentError{Op: "Get", ExperimentID: experimentID, SubjectID: subjectID, Err: err}
	}

	assignment := &models.Assignment{}
	if err := json.Unmarshal(raw, assignment); err != nil {
		return nil, &persistence.AssignmentError{Op: "Get", ExperimentID: experimentID, SubjectID: subjectID, Err: err}
	}

	return assignment, nil
}

func (r *assignmentRepository) Save(ctx context.Context, assignment *models.Assignment) error {
	raw, err := json.Marshal(assignment)
	if err != nil {
		return &persistence.AssignmentError{Op: "Save", ExperimentID: assignment.ExperimentID, SubjectID: assignment.SubjectID, Err: err}
	}

	// Last write wins. Racing first touches computed the same variant from
	// the deterministic hash, so the overwrite is harmless.
	err = r.client.HSet(ctx, assignmentKeyPrefix+assignment.ExperimentID, assignment.SubjectID, raw).Err()
	if err != nil {
		return &persistence.AssignmentError{Op: "Save", ExperimentID: assignment.ExperimentID, SubjectID: assignment.SubjectID, Err: err}
	}

	return nil
}

func (r *assignmentRepository) ByExperiment(ctx context.Context, experimentID string) ([]*models.Assignment, error) {
	raw, err := r.client.HGetAll(ctx, assignmentKeyPrefix+experimentID).Result()
	if err != nil {
		return nil, err
	}

	assignments := make([]*models.Assignment, 0, len(raw))

	for _, value := range raw {
		assignment := &models.Assignment{}
		if err := json.Unmarshal([]byte(value), assignment); err != nil {
			continue
		}

		assignments = append(assignments, assignment)
	}

	return assignments, nil
}

func (r *assignmentRepository) CountByVariant(ctx context.Context, experimentID string) (map[string]int64, error) {
	assignments, err := r.ByExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64)

	for _, assignment := range assignments {
		counts[assignment.VariantID]++
	}

	return counts, nil
}

func (r *assignmentRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64

	iter := r.client.Scan(ctx, 0, assignmentKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		entries, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return removed, err
		}

		stale := make([]string, 0)

		for subjectID, value := range entries {
			assignment := &models.Assignment{}
			if err := json.Unmarshal([]byte(value), assignment); err != nil {
				continue
			}

			if assignment.LastSeen.Before(cutoff) {
				stale = append(stale, subjectID)
			}
		}

		if len(stale) > 0 {
			count, err := r.client.HDel(ctx, key, stale...).Result()
			if err != nil {
				return removed, err
			}

			removed += count
		}
	}

	return removed, iter.Err()
}

type eventRepository struct {
	client *goredis.Client
}

func (r *eventRepository) Append(ctx context.Context, event *models.OutcomeEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, eventKeyPrefix+event.ExperimentID, raw)
	pipe.SAdd(ctx, eventIndexKey, event.ExperimentID)

	_, err = pipe.Exec(ctx)

	return err
}

func (r *eventRepository) ByExperiment(ctx context.Context, experimentID string, since time.Time) ([]*models.OutcomeEvent, error) {
	raw, err := r.client.LRange(ctx, eventKeyPrefix+experimentID, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	events := make([]*models.OutcomeEvent, 0, len(raw))

	for _, value := range raw {
		event := &models.OutcomeEvent{}
		if err := json.Unmarshal([]byte(value), event); err != nil {
			continue
		}

		if event.Timestamp.Before(since) {
			continue
		}

		events = append(events, event)
	}

	return events, nil
}

func (r *eventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	experimentIDs, err := r.client.SMembers(ctx, eventIndexKey).Result()
	if err != nil {
		return 0, err
	}

	var removed int64

	for _, experimentID := range experimentIDs {
		key := eventKeyPrefix + experimentID

		raw, err := r.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return removed, err
		}

		kept := make([]any, 0, len(raw))

		for _, value := range raw {
			event := &models.OutcomeEvent{}
			if err := json.Unmarshal([]byte(value), event); err != nil {
				continue
			}

			if event.Timestamp.Before(cutoff) {
				removed++

				continue
			}

			kept = append(kept, value)
		}

		pipe := r.client.TxPipeline()
		pipe.Del(ctx, key)

		if len(kept) > 0 {
			pipe.RPush(ctx, key, kept...)
		}

		if _, err := pipe.Exec(ctx); err != nil {
			return removed, err
		}
	}

	return removed, nil
}

type alertRepository struct {
	client *goredis.Client
}

func (r *alertRepository) Save(ctx context.Context, alert *models.Alert) error {
	raw, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	return r.client.HSet(ctx, alertKey, alert.ID, raw).Err()
}

func (r *alertRepository) ByID(ctx context.Context, id string) (*models.Alert, error) {
	raw, err := r.client.HGet(ctx, alertKey, id).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, persistence.ErrAlertNotFound
		}

		return nil, err
	}

	alert := &models.Alert{}
	if err := json.Unmarshal(raw, alert); err != nil {
		return nil, err
	}

	return alert, nil
}

func (r *alertRepository) Active(ctx context.Context, experimentID string) ([]*models.Alert, error) {
	entries, err := r.client.HGetAll(ctx, alertKey).Result()
	if err != nil {
		return nil, err
	}

	alerts := make([]*models.Alert, 0)

	for _, value := range entries {
		alert := &models.Alert{}
		if err := json.Unmarshal([]byte(value), alert); err != nil {
			continue
		}

		if alert.Resolved {
			continue
		}

		if experimentID != "" && alert.ExperimentID != experimentID {
			continue
		}

		alerts = append(alerts, alert)
	}

	return alerts, nil
}
