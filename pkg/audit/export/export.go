// Package export writes audit events as JSON or CSV.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"mercator-hq/warden/pkg/audit"
)

// Exporter writes events to w.
type Exporter interface {
	Export(ctx context.Context, events []*audit.Event, w io.Writer) error
}

// New returns the exporter for format ("json" or "csv").
func New(format string) (Exporter, error) {
	switch format {
	case "json":
		return &JSONExporter{Pretty: true}, nil
	case "csv":
		return &CSVExporter{IncludeHeader: true}, nil
	default:
		return nil, fmt.Errorf("unsupported export format: %s (must be 'json' or 'csv')", format)
	}
}

// JSONExporter exports events as a JSON array.
type JSONExporter struct {
	// Pretty enables pretty-printing with indentation.
	Pretty bool
}

// Export writes events as a JSON array. An empty slice writes "[]".
func (e *JSONExporter) Export(_ context.Context, events []*audit.Event, w io.Writer) error {
	if events == nil {
		events = []*audit.Event{}
	}

	enc := json.NewEncoder(w)
	if e.Pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(events); err != nil {
		return fmt.Errorf("export %d events as json: %w", len(events), err)
	}
	return nil
}

// CSVExporter exports events as CSV rows. Metadata is written as a JSON
// object in the last column.
type CSVExporter struct {
	// IncludeHeader includes a header row with column names.
	IncludeHeader bool
}

var header = []string{
	"id", "request_id", "timestamp",
	"source_ip", "device", "user",
	"provider", "host", "method", "path",
	"status_code", "policy_name", "policy_decision", "policy_mode",
	"enforcement_action", "reason", "latency_ms", "error", "metadata",
}

// Export writes events as CSV.
func (e *CSVExporter) Export(ctx context.Context, events []*audit.Event, w io.Writer) error {
	writer := csv.NewWriter(w)

	if e.IncludeHeader {
		if err := writer.Write(header); err != nil {
			return fmt.Errorf("export csv header: %w", err)
		}
	}

	for i, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writer.Write(row(event)); err != nil {
			return fmt.Errorf("export csv row %d: %w", i, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

func row(e *audit.Event) []string {
	ts := ""
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	metadata := ""
	if len(e.Metadata) > 0 {
		data, _ := json.Marshal(e.Metadata)
		metadata = string(data)
	}

	return []string{
		e.ID, e.RequestID, ts,
		e.SourceIP, e.Device, e.User,
		e.Provider, e.Host, e.Method, e.Path,
		strconv.Itoa(e.StatusCode), e.PolicyName, e.PolicyDecision, e.PolicyMode,
		e.EnforcementAction, e.Reason, strconv.FormatInt(e.LatencyMS, 10), e.Error, metadata,
	}
}
