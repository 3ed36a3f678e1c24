package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/whalesync/scratch-cli-sub001/internal/records"
)

// DefaultMaxEntries bounds the number of cached pages.
const DefaultMaxEntries = 256

// Key addresses one cached page of a table.
type Key struct {
	WorkbookID string
	TableID    string
	Cursor     string
	Take       int
}

// String returns a stable textual form of the key.
func (k Key) String() string {
	return k.WorkbookID + "/" + k.TableID + "?cursor=" + k.Cursor + "&take=" + strconv.Itoa(k.Take)
}

// Matcher selects cache keys.
type Matcher func(Key) bool

// TableMatcher matches every page key of one table.
func TableMatcher(workbookID, tableID string) Matcher {
	return func(k Key) bool {
		return k.WorkbookID == workbookID && k.TableID == tableID
	}
}

// Source fetches authoritative record pages.
type Source interface {
	ListRecords(ctx context.Context, workbookID, tableID, cursor string, take int) (*records.Page, error)
}

// Cache is a bounded, read-through page cache.
//
// Thread-safe: mu serializes read-modify-write sequences across keys.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[Key, *records.Page]
	gens    map[Key]uint64
	source  Source
	flight  singleflight.Group
	metrics *Metrics
	logger  *zap.Logger
}

// New creates a cache backed by source.
func New(source Source, maxEntries int, logger *zap.Logger) (*Cache, error) {
	if source == nil {
		return nil, fmt.Errorf("cache: source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	c := &Cache{
		gens:   make(map[Key]uint64),
		source: source,
		logger: logger,
	}
	entries, err := lru.NewWithEvict[Key, *records.Page](maxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	c.entries = entries
	return c, nil
}

// SetMetrics enables Prometheus metrics for this cache.
func (c *Cache) SetMetrics(m *Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// onEvict runs under the lru lock, which is only taken while c.mu is held.
func (c *Cache) onEvict(key Key, _ *records.Page) {
	delete(c.gens, key)
}

// Peek returns the cached page for key without fetching.
func (c *Cache) Peek(key Key) (*records.Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Peek(key)
}

// Get returns the cached page for key, fetching it from the source on a miss.
func (c *Cache) Get(ctx context.Context, key Key) (*records.Page, error) {
	c.mu.Lock()
	page, ok := c.entries.Get(key)
	gen := c.gens[key]
	metrics := c.metrics
	c.mu.Unlock()

	if ok {
		if metrics != nil {
			metrics.RecordHit()
		}
		return page, nil
	}
	if metrics != nil {
		metrics.RecordMiss()
	}

	v, err, _ := c.flight.Do(key.String(), func() (interface{}, error) {
		fetched, err := c.source.ListRecords(ctx, key.WorkbookID, key.TableID, key.Cursor, key.Take)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gens[key] != gen {
			// A revalidation ran meanwhile; keep its result.
			if current, ok := c.entries.Peek(key); ok {
				return current, nil
			}
		}
		c.store(key, fetched)
		return fetched, nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache: fetch %s: %w", key, err)
	}
	return v.(*records.Page), nil
}

// Set stores page under key.
func (c *Cache) Set(key Key, page *records.Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(key, page)
}

// Mutate replaces every matching entry with fn(entry) without refetching.
// A nil result leaves the entry unchanged. It returns the number of entries replaced.
func (c *Cache) Mutate(match Matcher, fn func(*records.Page) *records.Page) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, key := range c.entries.Keys() {
		if !match(key) {
			continue
		}
		current, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		next := fn(current)
		if next == nil {
			continue
		}
		c.entries.Add(key, next)
		n++
	}
	return n
}

// Keys returns the cached keys selected by match.
func (c *Cache) Keys(match Matcher) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []Key
	for _, key := range c.entries.Keys() {
		if match == nil || match(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Len returns the number of cached pages.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Remove drops every matching entry.
func (c *Cache) Remove(match Matcher) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, key := range c.entries.Keys() {
		if match(key) && c.entries.Remove(key) {
			n++
		}
	}
	c.updateSize()
	return n
}

// Revalidate discards the cached page for key and refetches it from the source.
// On error the previous value is kept.
func (c *Cache) Revalidate(ctx context.Context, key Key) error {
	c.mu.Lock()
	c.gens[key]++
	gen := c.gens[key]
	metrics := c.metrics
	c.mu.Unlock()

	fetched, err := c.source.ListRecords(ctx, key.WorkbookID, key.TableID, key.Cursor, key.Take)
	if err != nil {
		if metrics != nil {
			metrics.RecordRevalidation(false)
		}
		c.logger.Warn("cache: revalidation failed",
			zap.String("key", key.String()),
			zap.Error(err))
		return fmt.Errorf("cache: revalidate %s: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[key] != gen {
		// A newer revalidation owns the entry.
		return nil
	}
	c.store(key, fetched)
	if metrics != nil {
		metrics.RecordRevalidation(true)
	}
	return nil
}

// RevalidateMatching revalidates every cached key selected by match concurrently.
// All revalidations run to completion; the first error is returned.
func (c *Cache) RevalidateMatching(ctx context.Context, match Matcher) (int, error) {
	keys := c.Keys(match)

	var g errgroup.Group
	for _, key := range keys {
		g.Go(func() error {
			return c.Revalidate(ctx, key)
		})
	}
	return len(keys), g.Wait()
}

// store adds page under key. Caller must hold mu.
func (c *Cache) store(key Key, page *records.Page) {
	if _, ok := c.gens[key]; !ok {
		c.gens[key] = 0
	}
	c.entries.Add(key, page)
	c.updateSize()
}

// updateSize publishes the size gauge. Caller must hold mu.
func (c *Cache) updateSize() {
	if c.metrics != nil {
		c.metrics.SetSize(c.entries.Len())
	}
}
