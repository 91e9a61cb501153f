package findings

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func assertDefaults(t *testing.T, f Finding, skip ...string) {
	t.Helper()
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}
	if !skipped["site"] && f.Site != DefaultSite {
		t.Errorf("Site = %q, want %q", f.Site, DefaultSite)
	}
	if !skipped["vulnerability"] && f.Vulnerability != DefaultVulnerability {
		t.Errorf("Vulnerability = %q, want %q", f.Vulnerability, DefaultVulnerability)
	}
	if !skipped["severity"] && f.Severity != DefaultSeverity {
		t.Errorf("Severity = %q, want %q", f.Severity, DefaultSeverity)
	}
	if !skipped["recommendation"] && f.Recommendation != DefaultRecommendation {
		t.Errorf("Recommendation = %q, want %q", f.Recommendation, DefaultRecommendation)
	}
}

func TestNormalize_MalformedInputsYieldDefaults(t *testing.T) {
	inputs := []string{
		``,
		`null`,
		`{}`,
		`[]`,
		`"a string"`,
		`42`,
		`true`,
		`{"site": null, "vulnerability": null, "severity": null}`,
		`{"site": "", "vulnerability": "   ", "recommendation": ""}`,
		`{"site": {"nested": 1}, "vulnerability": [1,2], "severity": false}`,
		`{not json`,
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			f := Normalize(json.RawMessage(in))
			assertDefaults(t, f)
			if f.CreatedAt != nil {
				t.Errorf("CreatedAt = %v, want nil", f.CreatedAt)
			}
		})
	}
}

func TestNormalize_PartialRecords(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		present []string
		check   func(t *testing.T, f Finding)
	}{
		{
			name:    "only site",
			raw:     `{"site":"example.com"}`,
			present: []string{"site"},
			check: func(t *testing.T, f Finding) {
				if f.Site != "example.com" {
					t.Errorf("Site = %q", f.Site)
				}
			},
		},
		{
			name:    "only severity",
			raw:     `{"severity":"HIGH"}`,
			present: []string{"severity"},
			check: func(t *testing.T, f Finding) {
				if f.Severity != SeverityHigh {
					t.Errorf("Severity = %q", f.Severity)
				}
			},
		},
		{
			name:    "dashboard aliases",
			raw:     `{"id":3,"vuln":"Missing Headers","severity":"Medium","rec":"Add security headers","date":"2025-09-03"}`,
			present: []string{"vulnerability", "severity", "recommendation"},
			check: func(t *testing.T, f Finding) {
				if f.ID != "3" {
					t.Errorf("ID = %q, want %q", f.ID, "3")
				}
				if f.Vulnerability != "Missing Headers" || f.Recommendation != "Add security headers" {
					t.Errorf("aliases not applied: %+v", f)
				}
				if f.Severity != SeverityMedium {
					t.Errorf("Severity = %q", f.Severity)
				}
				want := time.Date(2025, 9, 3, 0, 0, 0, 0, time.UTC)
				if f.CreatedAt == nil || !f.CreatedAt.Equal(want) {
					t.Errorf("CreatedAt = %v, want %v", f.CreatedAt, want)
				}
			},
		},
		{
			name:    "full record",
			raw:     `{"id":"f-1","site":"https://shop.test","vulnerability":"SQL Injection","severity":"critical","recommendation":"Use prepared statements","created_at":"2025-09-01T10:00:00Z"}`,
			present: []string{"site", "vulnerability", "severity", "recommendation"},
			check: func(t *testing.T, f Finding) {
				if f.ID != "f-1" || f.Site != "https://shop.test" {
					t.Errorf("got %+v", f)
				}
				if f.Severity != SeverityHigh {
					t.Errorf("critical should fold to High, got %q", f.Severity)
				}
				if f.CreatedAt == nil || f.CreatedAt.Hour() != 10 {
					t.Errorf("CreatedAt = %v", f.CreatedAt)
				}
			},
		},
		{
			name:    "unparseable date is dropped",
			raw:     `{"vulnerability":"XSS","created_at":"yesterday"}`,
			present: []string{"vulnerability"},
			check: func(t *testing.T, f Finding) {
				if f.CreatedAt != nil {
					t.Errorf("CreatedAt = %v, want nil", f.CreatedAt)
				}
			},
		},
		{
			name:    "epoch seconds",
			raw:     `{"created_at":1735689600}`,
			present: nil,
			check: func(t *testing.T, f Finding) {
				want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
				if f.CreatedAt == nil || !f.CreatedAt.Equal(want) {
					t.Errorf("CreatedAt = %v, want %v", f.CreatedAt, want)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Normalize(json.RawMessage(tt.raw))
			assertDefaults(t, f, tt.present...)
			tt.check(t, f)
		})
	}
}

func TestParseSeverity(t *testing.T) {
	tests := map[string]Severity{
		"High":          SeverityHigh,
		" critical ":    SeverityHigh,
		"medium":        SeverityMedium,
		"Moderate":      SeverityMedium,
		"low":           SeverityLow,
		"info":          SeverityLow,
		"informational": SeverityLow,
		"":              SeverityLow,
		"???":           SeverityLow,
	}
	for in, want := range tests {
		if got := ParseSeverity(in); got != want {
			t.Errorf("ParseSeverity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDecodeList(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bare array", `[{"site":"a"},{"site":"b"}]`, 2},
		{"empty array", `[]`, 0},
		{"findings envelope", `{"findings":[{"site":"a"}]}`, 1},
		{"results envelope", `{"results":[{}, null, 7]}`, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeList([]byte(tt.body))
			if err != nil {
				t.Fatalf("DecodeList: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestDecodeList_PreservesOrder(t *testing.T) {
	got, err := DecodeList([]byte(`[{"vulnerability":"a"},{"vulnerability":"b"},{"vulnerability":"c"}]`))
	if err != nil {
		t.Fatalf("DecodeList: %v", err)
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].Vulnerability != want {
			t.Errorf("[%d] = %q, want %q", i, got[i].Vulnerability, want)
		}
	}
}

func TestDecodeList_MalformedEnvelope(t *testing.T) {
	for _, body := range []string{`<html>oops</html>`, `{"detail":"nope"}`, `{"findings":"x"}`, ``} {
		if _, err := DecodeList([]byte(body)); !errors.Is(err, ErrMalformedList) {
			t.Errorf("DecodeList(%q) error = %v, want ErrMalformedList", body, err)
		}
	}
}

func TestSummarize(t *testing.T) {
	items := []Finding{
		{Severity: SeverityHigh},
		{Severity: SeverityHigh},
		{Severity: SeverityMedium},
		{Severity: SeverityLow},
	}
	s := Summarize(items)
	if s.High != 2 || s.Medium != 1 || s.Low != 1 {
		t.Errorf("Summarize = %+v", s)
	}
	if s.Total() != 4 {
		t.Errorf("Total = %d, want 4", s.Total())
	}
}
