// Package targeting decides whether a subject may be enrolled in an
// experiment. The evaluator only reads the experiment definition and the
// caller-supplied request context; it has no side effects.
package targeting

import (
	"slices"
	"time"

	"github.com/dukex/variance/pkg/models"
)

// Well-known request context keys. Anything else in the context bag is
// matched only through TargetingCriteria.Attributes.
const (
	KeyBot            = "is_bot"
	KeyInternal       = "is_internal"
	KeyTestUser       = "is_test_user"
	KeyWorkspace      = "workspace"
	KeyFeatures       = "features"
	KeySegments       = "segments"
	KeyPlatform       = "platform"
	KeyRegion         = "region"
	KeyAccountAgeDays = "account_age_days"
	KeyActivityEvents = "activity_events"
)

type Evaluator struct {
	now func() time.Time
}

func NewEvaluator() *Evaluator {
	return &Evaluator{now: time.Now}
}

// IsEligible evaluates hard exclusions first (any match disqualifies), then
// the positive targeting predicates (all configured ones must hold).
func (e *Evaluator) IsEligible(subjectID string, experiment *models.Experiment, requestContext map[string]any) bool {
	if e.excluded(subjectID, &experiment.Exclusions, requestContext) {
		return false
	}

	return e.targeted(&experiment.Targeting, requestContext)
}

func (e *Evaluator) excluded(subjectID string, exclusions *models.ExclusionCriteria, requestContext map[string]any) bool {
	if exclusions.ExcludeBots && boolValue(requestContext, KeyBot) {
		return true
	}

	if exclusions.ExcludeInternal && boolValue(requestContext, KeyInternal) {
		return true
	}

	if exclusions.ExcludeTestUsers && boolValue(requestContext, KeyTestUser) {
		return true
	}

	if slices.Contains(exclusions.SubjectIDs, subjectID) {
		return true
	}

	if len(exclusions.Workspaces) > 0 && slices.Contains(exclusions.Workspaces, stringValue(requestContext, KeyWorkspace)) {
		return true
	}

	if len(exclusions.Features) > 0 {
		for _, feature := range stringsValue(requestContext, KeyFeatures) {
			if slices.Contains(exclusions.Features, feature) {
				return true
			}
		}
	}

	now := e.now()
	for _, window := range exclusions.MaintenanceWindows {
		if !now.Before(window.Start) && now.Before(window.End) {
			return true
		}
	}

	return false
}

func (e *Evaluator) targeted(criteria *models.TargetingCriteria, requestContext map[string]any) bool {
	if len(criteria.Segments) > 0 {
		subjectSegments := stringsValue(requestContext, KeySegments)

		member := false

		for _, segment := range criteria.Segments {
			if slices.Contains(subjectSegments, segment) {
				member = true

				break
			}
		}

		if !member {
			return false
		}
	}

	for key, expected := range criteria.Attributes {
		actual, ok := requestContext[key]
		if !ok || !looselyEqual(actual, expected) {
			return false
		}
	}

	if len(criteria.Platforms) > 0 && !slices.Contains(criteria.Platforms, stringValue(requestContext, KeyPlatform)) {
		return false
	}

	if len(criteria.Regions) > 0 && !slices.Contains(criteria.Regions, stringValue(requestContext, KeyRegion)) {
		return false
	}

	if criteria.MinAccountAgeDays > 0 && intValue(requestContext, KeyAccountAgeDays) < criteria.MinAccountAgeDays {
		return false
	}

	if criteria.MinActivityEvents > 0 && intValue(requestContext, KeyActivityEvents) < criteria.MinActivityEvents {
		return false
	}

	return true
}

func boolValue(requestContext map[string]any, key string) bool {
	value, _ := requestContext[key].(bool)

	return value
}

func stringValue(requestContext map[string]any, key string) string {
	value, _ := requestContext[key].(string)

	return value
}

// stringsValue accepts both []string and the []any produced by JSON
// decoding.
func stringsValue(requestContext map[string]any, key string) []string {
	switch value := requestContext[key].(type) {
	case []string:
		return value
	case []any:
		strings := make([]string, 0, len(value))

		for _, item := range value {
			if s, ok := item.(string); ok {
				strings = append(strings, s)
			}
		}

		return strings
	default:
		return nil
	}
}

// intValue accepts int, int64, and the float64 produced by JSON decoding.
func intValue(requestContext map[string]any, key string) int {
	switch value := requestContext[key].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	default:
		return 0
	}
}

// looselyEqual compares attribute values across the numeric types JSON
// decoding produces.
func looselyEqual(actual, expected any) bool {
	if actual == expected {
		return true
	}

	actualNum, actualOK := asFloat(actual)
	expectedNum, expectedOK := asFloat(expected)

	return actualOK && expectedOK && actualNum == expectedNum
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
