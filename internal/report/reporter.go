// Package report provides formatters for findings output.
package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nimiglory/cyra/internal/findings"
)

// Reporter generates output in a specific format.
type Reporter interface {
	// Format returns the format name (e.g., "text", "json").
	Format() string

	// Generate writes the formatted result to w.
	Generate(ctx context.Context, result *Result, w io.Writer) error
}

// Result is what a report describes: the findings shown for a timeframe
// and, when the command ran one, the scan that preceded them.
type Result struct {
	Timeframe findings.Timeframe
	Findings  []findings.Finding
	// FromCache marks findings served from the local cache because the
	// fetch failed; FetchError says why.
	FromCache   bool
	FetchError  string
	Scan        *ScanInfo
	GeneratedAt time.Time
}

// ScanInfo summarises a finished scan job.
type ScanInfo struct {
	ID       string
	Target   string
	Status   string
	Polls    int
	Duration time.Duration
	// TimedOut is set when the client gave up polling; findings may then
	// predate the scan.
	TimedOut bool
}

// New creates a reporter by format name ("text" or "json").
// The format name is case-insensitive.
func New(format string) (Reporter, error) {
	switch strings.ToLower(format) {
	case "text":
		return &TextReporter{}, nil
	case "json":
		return &JSONReporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported report format: %q", format)
	}
}
