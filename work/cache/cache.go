package cache

import (
	"sync"
	"time"

	"aio-proxy/work/format"
)

// Cache provides a thread-safe in-memory cache for discovery results with
// time-based expiration. Discovery is the expensive extractor round trip, so
// repeat requests for the same page inside the TTL are served from memory;
// download-time re-resolution deliberately bypasses this cache because direct
// URLs go stale.
type Cache struct {
	results   map[string]resultEntry // Discovery results keyed by normalized page URL
	mu        sync.RWMutex           // Read-write mutex for concurrent safe access
	duration  time.Duration          // Expiration duration for each entry
	lastClear time.Time              // Timestamp when the cache was last fully cleared
}

// resultEntry is a single cached discovery outcome with its insert time.
type resultEntry struct {
	result    *format.Result // The normalized extraction result
	timestamp time.Time      // When this entry was inserted
}

// New creates a Cache with the given entry lifetime, ready for use.
func New(duration time.Duration) *Cache {
	return &Cache{
		results:   make(map[string]resultEntry),
		duration:  duration,
		lastClear: time.Now(),
	}
}

// Get retrieves the cached discovery result for a page URL. Returns the
// result and true only when the entry exists and has not expired.
func (c *Cache) Get(key string) (*format.Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.results[key]
	if !exists || time.Since(entry.timestamp) > c.duration {
		return nil, false
	}
	return entry.result, true
}

// Set stores a discovery result, stamped now for expiration tracking.
func (c *Cache) Set(key string, result *format.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = resultEntry{
		result:    result,
		timestamp: time.Now(),
	}
}

// ClearIfNeeded drops the whole store once per lifetime interval so expired
// entries do not accumulate. Safe to call from any goroutine on any cadence.
func (c *Cache) ClearIfNeeded() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastClear) > c.duration {
		c.results = make(map[string]resultEntry)
		c.lastClear = time.Now()
	}
}
