// Package findings holds the normalized vulnerability records shown to the
// user and the per-timeframe cache that backs them.
package findings

import (
	"strings"
	"time"
)

// Severity is the normalized risk level of a Finding.
type Severity string

const (
	SeverityHigh   Severity = "High"
	SeverityMedium Severity = "Medium"
	SeverityLow    Severity = "Low"
)

// ParseSeverity maps a remote severity label onto the three levels the
// client knows. It never fails: unrecognised labels become Low.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical":
		return SeverityHigh
	case "medium", "moderate":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Defaults applied by Normalize when the source field is absent.
const (
	DefaultSite           = "Unknown Site"
	DefaultVulnerability  = "Unknown"
	DefaultRecommendation = "N/A"
	DefaultSeverity       = SeverityLow
)

// Finding is a normalized vulnerability record.
type Finding struct {
	ID             string     `json:"id,omitempty"`
	Site           string     `json:"site"`
	Vulnerability  string     `json:"vulnerability"`
	Severity       Severity   `json:"severity"`
	Recommendation string     `json:"recommendation"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
}

// RiskSummary counts findings per severity.
type RiskSummary struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Total returns the number of findings counted.
func (s RiskSummary) Total() int {
	return s.High + s.Medium + s.Low
}

// Summarize counts items by severity.
func Summarize(items []Finding) RiskSummary {
	var s RiskSummary
	for _, f := range items {
		switch f.Severity {
		case SeverityHigh:
			s.High++
		case SeverityMedium:
			s.Medium++
		default:
			s.Low++
		}
	}
	return s
}
