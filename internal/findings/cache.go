package findings

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nimiglory/cyra/internal/store"
)

// keyPrefix namespaces findings blobs in the store.
const keyPrefix = "findings:"

// Key returns the store key for (userID, tf).
func Key(userID string, tf Timeframe) string {
	return userPrefix(userID) + string(tf)
}

func userPrefix(userID string) string {
	return keyPrefix + userID + ":"
}

// entry is the persisted blob.
type entry struct {
	SavedAt  time.Time `json:"saved_at"`
	Findings []Finding `json:"findings"`
}

// Cache maps (user, timeframe) to the findings last fetched for it, and
// mirrors every entry to a store. Entries are replaced wholesale.
//
// Store failures are logged and absorbed; the in-memory copy stays
// authoritative for the life of the process.
type Cache struct {
	store  store.Store
	logger *slog.Logger

	mu  sync.Mutex
	mem map[string]entry
}

// NewCache creates a cache mirrored to st. st may be nil, in which case
// entries live in memory only.
func NewCache(st store.Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cache{
		store:  st,
		logger: logger,
		mem:    make(map[string]entry),
	}
}

// Replace overwrites the entry for (userID, tf) with items.
func (c *Cache) Replace(ctx context.Context, userID string, tf Timeframe, items []Finding) {
	key := Key(userID, tf)
	e := entry{
		SavedAt:  time.Now().UTC(),
		Findings: append([]Finding(nil), items...),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem[key] = e

	if c.store == nil {
		return
	}
	blob, err := json.Marshal(e)
	if err != nil {
		c.logger.Debug("findings cache: marshal failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, string(blob)); err != nil {
		c.logger.Debug("findings cache: persist failed", "key", key, "error", err)
	}
}

// Lookup returns the cached findings for (userID, tf), falling back to the
// store when the process has not seen the key yet.
func (c *Cache) Lookup(ctx context.Context, userID string, tf Timeframe) ([]Finding, bool) {
	key := Key(userID, tf)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.mem[key]; ok {
		return append([]Finding(nil), e.Findings...), true
	}
	if c.store == nil {
		return nil, false
	}

	blob, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Debug("findings cache: read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var e entry
	if err := json.Unmarshal([]byte(blob), &e); err != nil {
		c.logger.Debug("findings cache: corrupt entry", "key", key, "error", err)
		return nil, false
	}
	c.mem[key] = e
	return append([]Finding(nil), e.Findings...), true
}

// Purge drops every entry belonging to userID, in memory and in the store.
func (c *Cache) Purge(ctx context.Context, userID string) {
	prefix := userPrefix(userID)

	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.mem {
		if strings.HasPrefix(key, prefix) {
			delete(c.mem, key)
		}
	}
	if c.store == nil {
		return
	}
	n, err := c.store.DeletePrefix(ctx, prefix)
	if err != nil {
		c.logger.Debug("findings cache: purge failed", "user", userID, "error", err)
		return
	}
	c.logger.Debug("findings cache: purged", "user", userID, "entries", n)
}
