package scanjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nimiglory/cyra/internal/auth"
	"github.com/nimiglory/cyra/internal/findings"
	"github.com/nimiglory/cyra/internal/transport"
)

// API is the authenticated remote API. *auth.Client implements it.
type API interface {
	Do(ctx context.Context, method, path string, body any) (*transport.Response, error)
	UserID() string
	Logout(ctx context.Context) error
}

// Paths are the scan endpoints, relative to the API base.
type Paths struct {
	Scan     string
	Results  string // job id is appended
	Findings string
}

// Config holds polling parameters.
type Config struct {
	Interval  time.Duration      // time between polls (default 2s)
	MaxPolls  int                // polls before giving up (default 60)
	Timeframe findings.Timeframe // initial display timeframe
	Paths     Paths
}

// DefaultConfig returns the standard cadence and endpoints.
func DefaultConfig() *Config {
	return &Config{
		Interval:  2 * time.Second,
		MaxPolls:  60,
		Timeframe: findings.DefaultTimeframe,
		Paths: Paths{
			Scan:     "/scan",
			Results:  "/results/",
			Findings: "/findings",
		},
	}
}

const (
	progressCap     = 95
	progressMinStep = 5
	progressMaxStep = 19
)

// Controller drives at most one scan job at a time.
//
// The listener runs on the goroutine that produced the event. It must not
// call Submit, Logout or Close.
type Controller struct {
	api    API
	cache  *findings.Cache
	cfg    Config
	logger *slog.Logger
	notify func(Event)
	step   func() int

	base     context.Context
	shutdown context.CancelFunc

	// submitMu serialises operations that start or stop poll loops. It is
	// not held across network calls.
	submitMu sync.Mutex
	gen      uint64 // bumped by Submit, Logout and Close; guarded by submitMu

	mu        sync.Mutex
	timeframe findings.Timeframe
	input     string
	current   *loop // active job, nil when idle
	latest    *loop // most recently started loop, for Wait
}

// loop is one poll loop. Its job is only touched under Controller.mu and
// only while the loop is current.
type loop struct {
	job     *Job
	cancel  context.CancelFunc
	done    chan struct{}
	outcome Outcome
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithListener registers fn to receive job and findings events.
func WithListener(fn func(Event)) Option {
	return func(c *Controller) {
		c.notify = fn
	}
}

// WithProgressStep replaces the random progress increment.
func WithProgressStep(fn func() int) Option {
	return func(c *Controller) {
		c.step = fn
	}
}

// New creates a Controller. A nil cfg uses DefaultConfig; zero fields are
// filled from it.
func New(api API, cache *findings.Cache, cfg *Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	conf := *cfg
	if conf.Interval <= 0 {
		conf.Interval = def.Interval
	}
	if conf.MaxPolls <= 0 {
		conf.MaxPolls = def.MaxPolls
	}
	if conf.Timeframe == "" {
		conf.Timeframe = def.Timeframe
	}
	if conf.Paths.Scan == "" {
		conf.Paths.Scan = def.Paths.Scan
	}
	if conf.Paths.Results == "" {
		conf.Paths.Results = def.Paths.Results
	}
	if conf.Paths.Findings == "" {
		conf.Paths.Findings = def.Paths.Findings
	}

	c := &Controller{
		api:       api,
		cache:     cache,
		cfg:       conf,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		step:      func() int { return progressMinStep + rand.IntN(progressMaxStep-progressMinStep+1) },
		timeframe: conf.Timeframe,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = findings.NewCache(nil, c.logger)
	}
	c.base, c.shutdown = context.WithCancel(context.Background())
	return c
}

// Active returns the job being polled.
func (c *Controller) Active() (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Job{}, false
	}
	return *c.current.job, true
}

// Input returns the target of the scan in progress; it is cleared once a
// scan completes or times out.
func (c *Controller) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// Timeframe returns the display timeframe.
func (c *Controller) Timeframe() findings.Timeframe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeframe
}

// Submit starts a scan of rawURL. Any loop still polling an earlier job is
// cancelled and awaited first. The poll loop runs in the background; use
// Wait to block until it settles. If Logout, Close or another Submit runs
// while the job is being created, no loop is started and the error wraps
// ErrCanceled.
func (c *Controller) Submit(ctx context.Context, rawURL string) (Job, error) {
	target, err := NormalizeTarget(rawURL)
	if err != nil {
		return Job{}, err
	}

	c.submitMu.Lock()
	if err := c.base.Err(); err != nil {
		c.submitMu.Unlock()
		return Job{}, fmt.Errorf("controller closed: %w", err)
	}
	c.stopLoop()
	c.gen++
	gen := c.gen
	c.submitMu.Unlock()

	pending := Job{
		TargetURL: target,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	c.mu.Lock()
	c.input = target
	c.mu.Unlock()
	c.emit(Event{Kind: EventSubmitted, Job: pending})

	id, err := c.submit(ctx, target)
	if err != nil {
		pending.Status = StatusIdle
		msg := "Failed to start scan: " + auth.UserMessage(err)
		c.logger.Warn("scan submission failed", "target", target, "error", err)
		c.emit(Event{Kind: EventFailed, Job: pending, Message: msg})
		return pending, fmt.Errorf("submit scan: %w", err)
	}
	pending.ID = id

	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	if c.gen != gen || c.base.Err() != nil {
		c.logger.Info("scan submitted but superseded before polling", "id", id, "target", target)
		return pending, fmt.Errorf("submit scan %s: %w", id, ErrCanceled)
	}

	// The loop owns its own copy; pending stays with the caller.
	job := pending
	lctx, cancel := context.WithCancel(c.base)
	l := &loop{
		job:    &job,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.current = l
	c.latest = l
	c.mu.Unlock()

	c.logger.Info("scan submitted", "id", id, "target", target)
	go c.run(lctx, l)
	return pending, nil
}

func (c *Controller) submit(ctx context.Context, target string) (string, error) {
	resp, err := c.api.Do(ctx, http.MethodPost, c.cfg.Paths.Scan, map[string]string{"url": target})
	if err != nil {
		return "", err
	}
	var body struct {
		ScanID json.RawMessage `json:"scan_id"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return "", fmt.Errorf("scan response: %w", err)
	}
	id := opaqueID(body.ScanID)
	if id == "" {
		return "", errors.New("scan response: missing scan_id")
	}
	return id, nil
}

// opaqueID accepts the job id as a JSON string or number.
func opaqueID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// Wait blocks until the most recent poll loop ends and returns its outcome.
// The returned error is the outcome's error, or ctx's.
func (c *Controller) Wait(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	l := c.latest
	c.mu.Unlock()
	if l == nil {
		return Outcome{}, ErrNoActiveJob
	}

	select {
	case <-l.done:
		return l.outcome, l.outcome.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Logout stops any poll loop, drops the user's cached findings and clears
// the session.
func (c *Controller) Logout(ctx context.Context) error {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.gen++
	c.stopLoop()
	c.cache.Purge(ctx, c.api.UserID())

	c.mu.Lock()
	c.input = ""
	c.mu.Unlock()

	return c.api.Logout(ctx)
}

// Close stops any poll loop. The controller rejects new scans afterwards.
func (c *Controller) Close() error {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.gen++
	c.shutdown()
	c.stopLoop()
	return nil
}

// stopLoop detaches the active loop, cancels it and waits for its
// goroutine to exit. A loop that already settled is still awaited, so no
// event from it can follow.
func (c *Controller) stopLoop() {
	c.mu.Lock()
	l := c.latest
	active := c.current != nil
	c.current = nil
	c.mu.Unlock()

	if l == nil {
		return
	}
	l.cancel()
	<-l.done
	if active {
		c.logger.Debug("poll loop stopped", "id", l.job.ID)
	}
}

// --------------------------------------------------------------------------
// Poll loop
// --------------------------------------------------------------------------

type verdict struct {
	status Status
	remote string
	msg    string
	err    error
}

func (c *Controller) run(ctx context.Context, l *loop) {
	defer close(l.done)
	defer l.cancel()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			c.abandon(l)
			return
		case <-ticker.C:
		}

		polls++
		v, terminal := c.poll(ctx, l, polls)
		if ctx.Err() != nil {
			c.abandon(l)
			return
		}
		if !terminal {
			continue
		}

		ticker.Stop()
		switch v.status {
		case StatusCompleted, StatusTimedOut:
			c.settle(ctx, l, v)
		default:
			c.fail(l, v)
		}
		return
	}
}

// poll fetches the job status once. The fetch runs inline, so a slow
// response holds back the next tick instead of overlapping it.
func (c *Controller) poll(ctx context.Context, l *loop, n int) (verdict, bool) {
	path := c.cfg.Paths.Results + url.PathEscape(l.job.ID)
	resp, err := c.api.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		var apiErr *auth.APIError
		switch {
		case errors.As(err, &apiErr), errors.Is(err, auth.ErrSessionExpired):
			return verdict{status: StatusErrored, msg: auth.UserMessage(err), err: err}, true
		default:
			return verdict{status: StatusErrored, msg: "connection error", err: err}, true
		}
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return verdict{status: StatusErrored, msg: "unreadable job status", err: err}, true
	}
	remote := strings.ToLower(strings.TrimSpace(body.Status))

	switch {
	case remote == "completed":
		c.update(l, func(j *Job) {
			j.Polls = n
			j.RemoteStatus = remote
		})
		return verdict{status: StatusCompleted, remote: remote}, true
	case strings.HasPrefix(remote, "error"):
		c.update(l, func(j *Job) {
			j.Polls = n
			j.RemoteStatus = remote
		})
		return verdict{status: StatusErrored, remote: remote, msg: "scan failed: " + body.Status}, true
	case n >= c.cfg.MaxPolls:
		c.update(l, func(j *Job) {
			j.Polls = n
			j.RemoteStatus = remote
		})
		c.logger.Warn("scan did not finish within the poll budget",
			"id", l.job.ID, "polls", n, "remote_status", remote)
		return verdict{status: StatusTimedOut, remote: remote}, true
	}

	step := c.step()
	job, ok := c.update(l, func(j *Job) {
		j.Status = StatusRunning
		j.Polls = n
		j.RemoteStatus = remote
		j.EstimatedProgress = min(j.EstimatedProgress+max(step, 0), progressCap)
	})
	if ok {
		c.logger.Debug("scan in progress", "id", job.ID, "poll", n, "remote_status", remote)
		c.emit(Event{Kind: EventProgress, Job: job})
	}
	return verdict{}, false
}

// settle handles Completed and TimedOut alike: progress 100, findings for
// the display timeframe fetched and replaced, active job and input
// cleared. The two stay distinguishable through the job status.
func (c *Controller) settle(ctx context.Context, l *loop, v verdict) {
	job, ok := c.update(l, func(j *Job) {
		j.Status = v.status
		j.EstimatedProgress = 100
		j.FinishedAt = time.Now()
	})
	if !ok {
		c.abandon(l)
		return
	}
	kind := EventCompleted
	if v.status == StatusTimedOut {
		kind = EventTimedOut
	}
	c.emit(Event{Kind: kind, Job: job})

	snap, ok := c.loadFindings(ctx, c.Timeframe(), l)
	if !ok {
		c.abandon(l)
		return
	}

	c.mu.Lock()
	if c.current == l {
		c.current = nil
		c.input = ""
	}
	c.mu.Unlock()

	c.logger.Info("scan finished", "id", job.ID, "status", job.Status,
		"polls", job.Polls, "findings", len(snap.Findings))
	l.outcome = Outcome{Job: job, Findings: &snap}
}

// fail handles Errored and transport failures: the cache is left alone.
func (c *Controller) fail(l *loop, v verdict) {
	job, ok := c.update(l, func(j *Job) {
		j.Status = StatusErrored
		j.EstimatedProgress = 0
		j.FinishedAt = time.Now()
	})
	if !ok {
		c.abandon(l)
		return
	}

	c.mu.Lock()
	if c.current == l {
		c.current = nil
	}
	c.mu.Unlock()

	c.logger.Warn("scan failed", "id", job.ID, "reason", v.msg, "error", v.err)
	c.emit(Event{Kind: EventFailed, Job: job, Message: v.msg})

	err := fmt.Errorf("%w: %s", ErrJobFailed, v.msg)
	if v.err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrJobFailed, v.msg, v.err)
	}
	l.outcome = Outcome{Job: job, Err: err}
}

// abandon records the outcome of a loop that was cancelled. It touches
// nothing but the loop itself.
func (c *Controller) abandon(l *loop) {
	c.mu.Lock()
	job := *l.job
	c.mu.Unlock()
	l.outcome = Outcome{Job: job, Err: ErrCanceled}
}

// update applies fn to l's job if l is still the active loop and returns
// a copy of the result.
func (c *Controller) update(l *loop, fn func(*Job)) (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != l {
		return Job{}, false
	}
	fn(l.job)
	return *l.job, true
}

func (c *Controller) emit(ev Event) {
	if c.notify != nil {
		c.notify(ev)
	}
}
