package scanjob

import (
	"context"
	"net/http"
	"net/url"

	"github.com/nimiglory/cyra/internal/findings"
)

// Snapshot is the findings list shown for a timeframe.
type Snapshot struct {
	Timeframe findings.Timeframe
	Findings  []findings.Finding
	// FromCache is set when the fetch failed and the last cached entry
	// (or an empty list) is served instead; Err holds the fetch error.
	FromCache bool
	Err       error
}

// ChangeTimeframe switches the display timeframe and fetches findings for
// it. A scan in progress keeps running.
func (c *Controller) ChangeTimeframe(ctx context.Context, tf findings.Timeframe) Snapshot {
	if tf == "" {
		tf = findings.DefaultTimeframe
	}
	c.mu.Lock()
	c.timeframe = tf
	c.mu.Unlock()

	snap, _ := c.loadFindings(ctx, tf, nil)
	return snap
}

// Refresh fetches findings for the display timeframe.
func (c *Controller) Refresh(ctx context.Context) Snapshot {
	snap, _ := c.loadFindings(ctx, c.Timeframe(), nil)
	return snap
}

// loadFindings fetches tf and replaces its cache entry, or serves the
// cached entry when the fetch fails. When owner is set the cache is only
// written while owner is the active loop; ok is false if it was not.
func (c *Controller) loadFindings(ctx context.Context, tf findings.Timeframe, owner *loop) (Snapshot, bool) {
	user := c.api.UserID()
	items, err := c.fetchFindings(ctx, tf)
	if err == nil {
		if owner != nil {
			c.mu.Lock()
			current := c.current == owner
			if current {
				c.cache.Replace(ctx, user, tf, items)
			}
			c.mu.Unlock()
			if !current {
				return Snapshot{}, false
			}
		} else {
			c.cache.Replace(ctx, user, tf, items)
		}
		snap := Snapshot{Timeframe: tf, Findings: items}
		c.emit(Event{Kind: EventFindings, Snapshot: &snap})
		return snap, true
	}

	if owner != nil && ctx.Err() != nil {
		return Snapshot{}, false
	}
	c.logger.Warn("fetching findings failed, serving cache", "timeframe", tf, "error", err)
	cached, ok := c.cache.Lookup(ctx, user, tf)
	if !ok {
		cached = []findings.Finding{}
	}
	snap := Snapshot{Timeframe: tf, Findings: cached, FromCache: true, Err: err}
	c.emit(Event{Kind: EventFindings, Snapshot: &snap})
	return snap, true
}

func (c *Controller) fetchFindings(ctx context.Context, tf findings.Timeframe) ([]findings.Finding, error) {
	q := url.Values{"timeframe": {string(tf)}}
	resp, err := c.api.Do(ctx, http.MethodGet, c.cfg.Paths.Findings+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return findings.DecodeList(resp.Body)
}
