package report

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func generateJSON(t *testing.T, r *JSONReporter, result *Result) (map[string]any, string) {
	t.Helper()
	var buf bytes.Buffer
	if err := r.Generate(context.Background(), result, &buf); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not valid JSON: %v\noutput:\n%s", err, buf.String())
	}
	return doc, buf.String()
}

func TestJSONReporter_Generate(t *testing.T) {
	doc, _ := generateJSON(t, &JSONReporter{}, newTestResult())

	if doc["schema_version"] != "1.0" || doc["tool"] != "cyra" {
		t.Errorf("header = %v / %v", doc["schema_version"], doc["tool"])
	}
	if doc["timeframe"] != "1w" {
		t.Errorf("timeframe = %v", doc["timeframe"])
	}
	if doc["total"] != float64(2) {
		t.Errorf("total = %v, want 2", doc["total"])
	}

	summary, _ := doc["summary"].(map[string]any)
	if summary["high"] != float64(1) || summary["low"] != float64(1) || summary["medium"] != float64(0) {
		t.Errorf("summary = %v", summary)
	}

	items, _ := doc["findings"].([]any)
	if len(items) != 2 {
		t.Fatalf("findings = %v", doc["findings"])
	}
	first, _ := items[0].(map[string]any)
	if first["severity"] != "High" || first["vulnerability"] != "SQL Injection" || first["id"] != "f-1" {
		t.Errorf("first finding = %v", first)
	}
	second, _ := items[1].(map[string]any)
	if _, ok := second["id"]; ok {
		t.Errorf("empty id serialized: %v", second)
	}

	scan, _ := doc["scan"].(map[string]any)
	if scan["id"] != "scan-1" || scan["polls"] != float64(3) || scan["duration_seconds"] != float64(6) {
		t.Errorf("scan = %v", scan)
	}
}

func TestJSONReporter_EmptyFindingsIsArray(t *testing.T) {
	doc, raw := generateJSON(t, &JSONReporter{Compact: true}, &Result{Timeframe: "30d"})

	if _, ok := doc["findings"].([]any); !ok {
		t.Errorf("findings = %v, want []", doc["findings"])
	}
	if _, ok := doc["scan"]; ok {
		t.Error("scan present without a scan")
	}
	if strings.Count(strings.TrimSpace(raw), "\n") != 0 {
		t.Error("compact output spans several lines")
	}
}

func TestJSONReporter_Cached(t *testing.T) {
	result := newTestResult()
	result.FromCache = true
	result.FetchError = "connection refused"
	doc, _ := generateJSON(t, &JSONReporter{}, result)

	if doc["from_cache"] != true || doc["fetch_error"] != "connection refused" {
		t.Errorf("cache fields = %v / %v", doc["from_cache"], doc["fetch_error"])
	}
}
