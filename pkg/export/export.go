// Package export serializes an experiment's definition, analysis, and raw
// outcome events for offline processing.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dukex/variance/pkg/models"
	"github.com/dukex/variance/pkg/persistence"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

// ParseFormat normalizes a user-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// ContentType returns the MIME type for HTTP responses.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}

	return "application/json"
}

// Document is the JSON export envelope.
type Document struct {
	GeneratedAt    time.Time              `json:"generated_at"`
	TimeRangeHours int                    `json:"time_range_hours"` // 0 means the full history
	Experiment     *models.Experiment     `json:"experiment"`
	Results        *models.TestResults    `json:"results,omitempty"`
	Events         []*models.OutcomeEvent `json:"events"`
}

type Exporter struct {
	events persistence.EventRepository
	now    func() time.Time
}

func NewExporter(events persistence.EventRepository) *Exporter {
	return &Exporter{
		events: events,
		now:    time.Now,
	}
}

// Export writes the experiment's data to w. timeRangeHours limits the event
// window; zero exports everything.
func (e *Exporter) Export(ctx context.Context, w io.Writer, format Format, experiment *models.Experiment, results *models.TestResults, timeRangeHours int) error {
	since := time.Time{}
	if timeRangeHours > 0 {
		since = e.now().Add(-time.Duration(timeRangeHours) * time.Hour)
	}

	events, err := e.events.ByExperiment(ctx, experiment.ID, since)
	if err != nil {
		return fmt.Errorf("failed to load outcome events: %w", err)
	}

	switch format {
	case FormatJSON:
		return e.writeJSON(w, experiment, results, events, timeRangeHours)
	case FormatCSV:
		return writeCSV(w, events)
	}

	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

func (e *Exporter) writeJSON(w io.Writer, experiment *models.Experiment, results *models.TestResults, events []*models.OutcomeEvent, timeRangeHours int) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	return encoder.Encode(Document{
		GeneratedAt:    e.now(),
		TimeRangeHours: timeRangeHours,
		Experiment:     experiment,
		Results:        results,
		Events:         events,
	})
}

// writeCSV emits one row per outcome event. The analysis itself is only
// carried by the JSON format; CSV is the raw-event feed for spreadsheets and
// warehouse loads.
func writeCSV(w io.Writer, events []*models.OutcomeEvent) error {
	writer := csv.NewWriter(w)

	header := []string{"event_id", "experiment_id", "subject_id", "variant_id", "metric_id", "value", "timestamp"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, event := range events {
		row := []string{
			event.ID,
			event.ExperimentID,
			event.SubjectID,
			event.VariantID,
			event.MetricID,
			strconv.FormatFloat(event.Value, 'f', -1, 64),
			event.Timestamp.UTC().Format(time.RFC3339Nano),
		}

		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()

	return writer.Error()
}
