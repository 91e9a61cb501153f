package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from the remote API.
type APIError struct {
	StatusCode int
	// Message is suitable for showing to the user.
	Message string
	Body    []byte
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsUnauthorized reports whether err is a 401 APIError.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// UserMessage returns the text to show for err.
func UserMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if errors.Is(err, ErrSessionExpired) {
		return "Your session has expired. Please sign in again."
	}
	return err.Error()
}

// extractMessage pulls the first human-readable message out of an error
// body, trying fields in order. Values may be strings or lists of strings.
func extractMessage(body []byte, fields []string, fallback string) string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return fallback
	}
	for _, field := range fields {
		if msg := firstMessage(doc[field]); msg != "" {
			return msg
		}
	}
	return fallback
}

func firstMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, item := range list {
			if item = strings.TrimSpace(item); item != "" {
				return item
			}
		}
	}
	return ""
}

func newAPIError(status int, body []byte, fields []string, fallback string) *APIError {
	if fallback == "" {
		fallback = http.StatusText(status)
	}
	return &APIError{
		StatusCode: status,
		Message:    extractMessage(body, fields, fallback),
		Body:       body,
	}
}

// genericFields are tried for every non-2xx response.
var genericFields = []string{"detail", "message", "error", "non_field_errors"}
