package findings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Source field aliases, in order of preference.
var (
	idFields             = []string{"id", "finding_id", "uuid"}
	siteFields           = []string{"site", "url", "target"}
	vulnerabilityFields  = []string{"vulnerability", "vuln", "name", "title"}
	severityFields       = []string{"severity", "risk", "level"}
	recommendationFields = []string{"recommendation", "rec", "remediation"}
	createdAtFields      = []string{"created_at", "createdAt", "date"}
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalize turns one raw record from the remote service into a Finding.
// It is total: missing, null, mistyped or entirely malformed input yields
// a Finding populated with the package defaults.
func Normalize(raw json.RawMessage) Finding {
	f := Finding{
		Site:           DefaultSite,
		Vulnerability:  DefaultVulnerability,
		Severity:       DefaultSeverity,
		Recommendation: DefaultRecommendation,
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return f
	}

	if v, ok := firstString(fields, idFields); ok {
		f.ID = v
	}
	if v, ok := firstString(fields, siteFields); ok {
		f.Site = v
	}
	if v, ok := firstString(fields, vulnerabilityFields); ok {
		f.Vulnerability = v
	}
	if v, ok := firstString(fields, severityFields); ok {
		f.Severity = ParseSeverity(v)
	}
	if v, ok := firstString(fields, recommendationFields); ok {
		f.Recommendation = v
	}
	for _, name := range createdAtFields {
		if t, ok := parseTime(fields[name]); ok {
			f.CreatedAt = &t
			break
		}
	}
	return f
}

// NormalizeAll normalizes every record, preserving order.
func NormalizeAll(raws []json.RawMessage) []Finding {
	out := make([]Finding, 0, len(raws))
	for _, raw := range raws {
		out = append(out, Normalize(raw))
	}
	return out
}

// ErrMalformedList is returned by DecodeList when the body is not a list
// of records in any accepted envelope.
var ErrMalformedList = errors.New("findings: malformed list")

// DecodeList parses a findings response body. It accepts a bare JSON array
// or an object wrapping one under "findings" or "results". Individual
// records never fail; only an unusable envelope does.
func DecodeList(body []byte) ([]Finding, error) {
	body = bytes.TrimSpace(body)

	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err == nil {
		return NormalizeAll(raws), nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedList, err)
	}
	for _, key := range []string{"findings", "results"} {
		inner, ok := envelope[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(inner, &raws); err == nil {
			return NormalizeAll(raws), nil
		}
	}
	return nil, fmt.Errorf("%w: no findings array", ErrMalformedList)
}

// firstString returns the first alias holding a usable scalar.
func firstString(fields map[string]json.RawMessage, names []string) (string, bool) {
	for _, name := range names {
		if v, ok := scalarString(fields[name]); ok {
			return v, true
		}
	}
	return "", false
}

// scalarString renders a JSON string or number as text. Empty strings,
// null, objects and arrays are treated as absent.
func scalarString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

func parseTime(raw json.RawMessage) (time.Time, bool) {
	v, ok := scalarString(raw)
	if !ok {
		return time.Time{}, false
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}

	// Epoch seconds, or milliseconds when implausibly large for seconds.
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}
	return time.Time{}, false
}
