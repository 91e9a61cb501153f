// Package scanjob drives remote scan jobs from submission to completion.
//
// A Controller submits a target, polls the job on a fixed interval and,
// once the job settles, refreshes the findings cache for the timeframe
// currently on display.
package scanjob

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Status is the client-side state of a scan job.
type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusRunning
	StatusCompleted
	StatusErrored
	StatusTimedOut
)

// String returns the status name.
func (s Status) String() string {
	names := [...]string{"idle", "pending", "running", "completed", "errored", "timed out"}
	if int(s) >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// Terminal reports whether no further polling happens in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored || s == StatusTimedOut
}

var (
	// ErrValidation is returned for input rejected before any request.
	ErrValidation = errors.New("validation failed")
	// ErrJobFailed is returned when the remote job or its polling fails.
	ErrJobFailed = errors.New("scan failed")
	// ErrNoActiveJob is returned by Wait before any scan was started.
	ErrNoActiveJob = errors.New("no scan job")
	// ErrCanceled is returned by Wait for a loop stopped by a newer scan,
	// Logout or Close.
	ErrCanceled = errors.New("scan polling canceled")
)

// Job is one submitted scan.
type Job struct {
	ID        string
	TargetURL string
	Status    Status

	// EstimatedProgress is synthetic: it advances by a random step on
	// every non-terminal poll and stays at or below 95 until a terminal
	// status is seen. The server reports no progress.
	EstimatedProgress int

	Polls        int
	RemoteStatus string
	CreatedAt    time.Time
	FinishedAt   time.Time
}

// Elapsed is the time between submission and settlement (or now).
func (j Job) Elapsed() time.Duration {
	if j.FinishedAt.IsZero() {
		return time.Since(j.CreatedAt)
	}
	return j.FinishedAt.Sub(j.CreatedAt)
}

// NormalizeTarget trims raw and defaults its scheme to https.
func NormalizeTarget(raw string) (string, error) {
	target := strings.TrimSpace(raw)
	if target == "" {
		return "", fmt.Errorf("%w: please enter a URL to scan", ErrValidation)
	}
	lower := strings.ToLower(target)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		target = "https://" + target
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not a valid URL", ErrValidation, raw)
	}
	return target, nil
}

// EventKind identifies an Event.
type EventKind int

const (
	EventSubmitted EventKind = iota
	EventProgress
	EventCompleted
	EventTimedOut
	EventFailed
	EventFindings
)

func (k EventKind) String() string {
	names := [...]string{"submitted", "progress", "completed", "timed-out", "failed", "findings"}
	if int(k) >= 0 && int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// Event is delivered to the controller's listener.
type Event struct {
	Kind EventKind
	Job  Job
	// Snapshot is set for EventFindings.
	Snapshot *Snapshot
	// Message is a user-facing notice for EventFailed.
	Message string
}

// Outcome is what a finished poll loop produced.
type Outcome struct {
	Job Job
	// Findings is the post-scan refresh; nil unless the job completed or
	// timed out.
	Findings *Snapshot
	Err      error
}
