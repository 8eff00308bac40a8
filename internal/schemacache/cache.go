// Package schemacache stores tool schemas with TTL expiry, LRU eviction,
// request coalescing, and stale-on-error fallback.
package schemacache

import (
	"container/list"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one cached tool schema.
type Entry struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	FetchedAt    time.Time       `json:"fetched_at"`
	TTL          time.Duration   `json:"ttl"`
}

// expired reports whether the entry's TTL has elapsed.
func (e *Entry) expired(now time.Time) bool {
	return now.After(e.FetchedAt.Add(e.TTL))
}

// Fetcher produces a fresh schema for a tool name.
type Fetcher func(ctx context.Context) (*Entry, error)

// Config configures the schema cache.
type Config struct {
	// MaxEntries bounds the LRU. Default 1000.
	MaxEntries int
	// TTL is the default entry lifetime. Default 24h.
	TTL time.Duration
	// PersistPath, if set, is the JSON file the cache is persisted to on change.
	PersistPath string
}

// flight is a single in-flight fetch that concurrent callers join.
type flight struct {
	done  chan struct{}
	entry *Entry
	err   error
}

// Cache is a process-wide TTL+LRU schema store. At most one fetch per key is
// in flight at any instant; concurrent GetOrFetch callers for the same key
// await the same result.
type Cache struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*list.Element // name -> element holding *Entry
	order   *list.List               // front = most recently used
	flights map[string]*flight

	saveMu sync.Mutex
}

// New creates a schema cache. If cfg.PersistPath names an existing file, the
// cache is primed from it; a corrupt file is discarded with a warning.
func New(cfg Config, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	c := &Cache{
		config:  cfg,
		logger:  logger.With("component", "schemacache"),
		entries: make(map[string]*list.Element),
		order:   list.New(),
		flights: make(map[string]*flight),
	}

	if cfg.PersistPath != "" {
		c.load()
	}

	return c
}

// Get returns the cached schema for name, or nil on miss or TTL expiry.
func (c *Cache) Get(name string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[name]
	if !ok {
		return nil
	}
	entry := el.Value.(*Entry)
	if entry.expired(time.Now()) {
		return nil
	}
	c.order.MoveToFront(el)
	return entry
}

// GetOrFetch returns the cached schema or fetches it. Concurrent fetches for
// the same key are coalesced into one fetcher invocation. If the fetcher
// fails and an expired entry still exists, the stale entry is returned and a
// warning logged; without a stale entry the fetch error propagates.
func (c *Cache) GetOrFetch(ctx context.Context, name string, fetcher Fetcher) (*Entry, error) {
	c.mu.Lock()

	if el, ok := c.entries[name]; ok {
		entry := el.Value.(*Entry)
		if !entry.expired(time.Now()) {
			c.order.MoveToFront(el)
			c.mu.Unlock()
			return entry, nil
		}
	}

	if fl, ok := c.flights[name]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.entry, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	fl := &flight{done: make(chan struct{})}
	c.flights[name] = fl
	c.mu.Unlock()

	entry, err := fetcher(ctx)

	c.mu.Lock()
	delete(c.flights, name)
	if err != nil {
		if el, ok := c.entries[name]; ok {
			stale := el.Value.(*Entry)
			c.mu.Unlock()
			c.logger.Warn("schema fetch failed, serving stale entry",
				"tool", name,
				"fetched_at", stale.FetchedAt,
				"error", err)
			fl.entry = stale
			close(fl.done)
			return stale, nil
		}
		c.mu.Unlock()
		fl.err = err
		close(fl.done)
		return nil, err
	}

	if entry.TTL <= 0 {
		entry.TTL = c.config.TTL
	}
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = time.Now()
	}
	c.putLocked(name, entry)
	c.mu.Unlock()

	fl.entry = entry
	close(fl.done)
	c.persist()
	return entry, nil
}

// Put stores a schema directly, replacing any existing entry.
func (c *Cache) Put(name string, entry *Entry) {
	if entry.TTL <= 0 {
		entry.TTL = c.config.TTL
	}
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = time.Now()
	}

	c.mu.Lock()
	c.putLocked(name, entry)
	c.mu.Unlock()
	c.persist()
}

// putLocked inserts or replaces an entry and evicts past capacity.
// Must be called with the lock held.
func (c *Cache) putLocked(name string, entry *Entry) {
	if el, ok := c.entries[name]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return
	}

	c.entries[name] = c.order.PushFront(entry)
	for len(c.entries) > c.config.MaxEntries {
		back := c.order.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(*Entry)
		c.order.Remove(back)
		delete(c.entries, evicted.Name)
	}
}

// Invalidate removes one entry.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	if el, ok := c.entries[name]; ok {
		c.order.Remove(el)
		delete(c.entries, name)
	}
	c.mu.Unlock()
	c.persist()
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()
	c.persist()
}

// Len returns the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Snapshot returns a copy of all live (non-expired) entries.
func (c *Cache) Snapshot() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	out := make([]*Entry, 0, len(c.entries))
	for el := c.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*Entry)
		if !entry.expired(now) {
			out = append(out, entry)
		}
	}
	return out
}

// persistFile is the on-disk layout.
type persistFile struct {
	SavedAt time.Time `json:"saved_at"`
	Entries []*Entry  `json:"entries"`
}

// persist writes the cache to disk in the background. Writers are serialized
// by saveMu; the write goes to a temp file first and is renamed into place so
// a crash never leaves partial data.
func (c *Cache) persist() {
	if c.config.PersistPath == "" {
		return
	}

	entries := c.Snapshot()
	go func() {
		c.saveMu.Lock()
		defer c.saveMu.Unlock()

		data, err := json.MarshalIndent(persistFile{SavedAt: time.Now(), Entries: entries}, "", "  ")
		if err != nil {
			c.logger.Warn("failed to encode schema cache", "error", err)
			return
		}

		dir := filepath.Dir(c.config.PersistPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			c.logger.Warn("failed to create cache directory", "error", err)
			return
		}

		tmp, err := os.CreateTemp(dir, ".schemacache-*")
		if err != nil {
			c.logger.Warn("failed to create cache temp file", "error", err)
			return
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			c.logger.Warn("failed to write schema cache", "error", err)
			return
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			c.logger.Warn("failed to close cache temp file", "error", err)
			return
		}
		if err := os.Rename(tmpName, c.config.PersistPath); err != nil {
			os.Remove(tmpName)
			c.logger.Warn("failed to rename schema cache", "error", err)
		}
	}()
}

// load primes the cache from the persisted file.
func (c *Cache) load() {
	data, err := os.ReadFile(c.config.PersistPath)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("failed to read schema cache", "error", err)
		}
		return
	}

	var file persistFile
	if err := json.Unmarshal(data, &file); err != nil {
		c.logger.Warn("discarding corrupt schema cache file",
			"path", c.config.PersistPath, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	// Iterate back to front so MRU order is preserved after PushFront.
	for i := len(file.Entries) - 1; i >= 0; i-- {
		entry := file.Entries[i]
		if entry == nil || entry.Name == "" || entry.expired(now) {
			continue
		}
		c.putLocked(entry.Name, entry)
	}
	c.logger.Debug("loaded schema entries from disk", "count", len(c.entries))
}
