package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nimiglory/cyra/internal/findings"
)

const (
	doubleLine = "\u2550" // ═
	singleLine = "\u2500" // ─
	lineWidth  = 50
)

// TextReporter outputs plain terminal text.
type TextReporter struct {
	// Verbose controls detail level: 0=findings only, 1=+scan info, 2=+ids and dates.
	Verbose int

	// now is stubbed in tests.
	now func() time.Time
}

// Format returns "text".
func (r *TextReporter) Format() string {
	return "text"
}

// Generate writes formatted findings to w.
func (r *TextReporter) Generate(ctx context.Context, result *Result, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now
	if r.now != nil {
		now = r.now
	}

	b := &strings.Builder{}

	doubleBar := strings.Repeat(doubleLine, lineWidth)
	singleBar := strings.Repeat(singleLine, lineWidth)

	fmt.Fprintln(b, doubleBar)
	fmt.Fprintln(b, "cyra - Vulnerability Findings")
	fmt.Fprintln(b, doubleBar)

	if s := result.Scan; s != nil {
		fmt.Fprintf(b, "Target:   %s\n", s.Target)
		fmt.Fprintf(b, "Status:   %s\n", s.Status)
		if s.TimedOut {
			fmt.Fprintln(b, "Warning:  gave up waiting for the scan; findings may be incomplete")
		}
		if r.Verbose >= 1 {
			fmt.Fprintf(b, "Scan ID:  %s\n", s.ID)
			fmt.Fprintf(b, "Duration: %.1fs (%d polls)\n", s.Duration.Seconds(), s.Polls)
		}
	}
	fmt.Fprintf(b, "Timeframe: %s\n", result.Timeframe.Label())
	if result.FromCache {
		fmt.Fprintf(b, "Showing cached findings: %s\n", result.FetchError)
	}

	if len(result.Findings) == 0 {
		fmt.Fprintln(b, singleBar)
		fmt.Fprintln(b, "No vulnerabilities found.")
	} else {
		for _, f := range result.Findings {
			fmt.Fprintln(b, singleBar)
			fmt.Fprintf(b, "[%s] %s\n", strings.ToUpper(string(f.Severity)), f.Vulnerability)
			fmt.Fprintf(b, "  Site:           %s\n", f.Site)
			fmt.Fprintf(b, "  Recommendation: %s\n", f.Recommendation)
			if r.Verbose >= 2 {
				if f.ID != "" {
					fmt.Fprintf(b, "  ID:             %s\n", f.ID)
				}
				if f.CreatedAt != nil {
					fmt.Fprintf(b, "  Reported:       %s\n", humanize.RelTime(*f.CreatedAt, now(), "ago", "from now"))
				}
			}
		}
	}

	sum := findings.Summarize(result.Findings)
	fmt.Fprintln(b, doubleBar)
	fmt.Fprintf(b, "Summary: %s (%d high, %d medium, %d low)\n",
		plural(sum.Total(), "finding"), sum.High, sum.Medium, sum.Low)
	fmt.Fprintln(b, doubleBar)

	_, err := io.WriteString(w, b.String())
	return err
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return humanize.Comma(int64(n)) + " " + noun + "s"
}
