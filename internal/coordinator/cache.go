package coordinator

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dreamware/conveyor/internal/task"
)

// Result cache defaults, matching the configuration surface.
const (
	DefaultCacheSize          = 10000
	DefaultCacheTTL           = 3600 * time.Second
	DefaultCacheSweepInterval = 60 * time.Second
)

type cacheEntry struct {
	rec          *task.Record
	cachedAt     time.Time
	lastAccessed time.Time
}

// ResultCache holds terminal execution records with two independent bounds:
// an LRU size limit (backed by hashicorp/golang-lru) and a TTL measured
// from insertion.
//
// Size: inserting into a full cache evicts the least-recently-accessed
// entry regardless of that entry's own age. TTL: entries expire ttl after
// insertion; a periodic sweep removes them in bulk, and Get lazily expires
// anything the sweep has not reached yet, so an expired entry is never
// returned.
type ResultCache struct {
	mu       sync.Mutex
	entries  *lru.Cache[string, *cacheEntry]
	ttl      time.Duration
	capacity int
}

// NewResultCache builds a cache with the given bounds; non-positive
// arguments select the defaults.
func NewResultCache(size int, ttl time.Duration) (*ResultCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	entries, err := lru.New[string, *cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &ResultCache{entries: entries, ttl: ttl, capacity: size}, nil
}

// Put inserts a terminal record, evicting the least-recently-accessed entry
// first when the cache is full. The record is copied so later reads cannot
// observe coordinator-side mutation.
func (c *ResultCache) Put(rec *task.Record) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(rec.TaskID, &cacheEntry{
		rec:          rec.Clone(),
		cachedAt:     now,
		lastAccessed: now,
	})
}

// Get returns the cached record for taskID, refreshing its recency. An
// entry past its TTL is removed and reported as a miss even if the sweep
// has not run yet.
func (c *ResultCache) Get(taskID string) (*task.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(taskID)
	if !ok {
		return nil, false
	}
	if time.Since(entry.cachedAt) > c.ttl {
		c.entries.Remove(taskID)
		return nil, false
	}
	entry.lastAccessed = time.Now()
	return entry.rec.Clone(), true
}

// Sweep removes every expired entry and returns how many were dropped. It
// peeks rather than gets so a sweep never disturbs LRU recency.
func (c *ResultCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(entry.cachedAt) > c.ttl {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Capacity returns the configured maximum size.
func (c *ResultCache) Capacity() int {
	return c.capacity
}
