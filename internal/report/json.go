package report

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/nimiglory/cyra/internal/findings"
)

// JSONReporter outputs structured JSON.
type JSONReporter struct {
	// Compact outputs single-line JSON when true (no indentation).
	Compact bool
}

// Format returns "json".
func (r *JSONReporter) Format() string {
	return "json"
}

// jsonOutput is the top-level JSON structure.
type jsonOutput struct {
	SchemaVersion string               `json:"schema_version"`
	Tool          string               `json:"tool"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Scan          *jsonScan            `json:"scan,omitempty"`
	Timeframe     string               `json:"timeframe"`
	FromCache     bool                 `json:"from_cache"`
	FetchError    string               `json:"fetch_error,omitempty"`
	Findings      []findings.Finding   `json:"findings"`
	Summary       findings.RiskSummary `json:"summary"`
	Total         int                  `json:"total"`
}

// jsonScan represents scan metadata in JSON.
type jsonScan struct {
	ID              string  `json:"id"`
	Target          string  `json:"target"`
	Status          string  `json:"status"`
	TimedOut        bool    `json:"timed_out"`
	Polls           int     `json:"polls"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Generate writes the result as JSON to w.
func (r *JSONReporter) Generate(ctx context.Context, result *Result, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sum := findings.Summarize(result.Findings)
	output := jsonOutput{
		SchemaVersion: "1.0",
		Tool:          "cyra",
		GeneratedAt:   result.GeneratedAt,
		Timeframe:     string(result.Timeframe),
		FromCache:     result.FromCache,
		FetchError:    result.FetchError,
		Findings:      make([]findings.Finding, 0, len(result.Findings)),
		Summary:       sum,
		Total:         sum.Total(),
	}
	output.Findings = append(output.Findings, result.Findings...)

	if s := result.Scan; s != nil {
		output.Scan = &jsonScan{
			ID:              s.ID,
			Target:          s.Target,
			Status:          s.Status,
			TimedOut:        s.TimedOut,
			Polls:           s.Polls,
			DurationSeconds: s.Duration.Seconds(),
		}
	}

	enc := json.NewEncoder(w)
	if !r.Compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(output)
}
