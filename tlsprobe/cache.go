package tlsprobe

import (
	"os"
	"strconv"
	"sync"
	"time"
)

// DefaultCacheTTL is how long certificate metadata is reused before the
// server is probed again.
const DefaultCacheTTL = time.Hour

const cacheTTLEnv = "DBPULSE_TLS_CERT_CACHE_TTL"

// CacheTTLFromEnv reads DBPULSE_TLS_CERT_CACHE_TTL (seconds). Unset or
// unparseable values fall back to the default; 0 is honored and disables
// caching.
func CacheTTLFromEnv() time.Duration {
	v := os.Getenv(cacheTTLEnv)
	if v == "" {
		return DefaultCacheTTL
	}
	secs, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return DefaultCacheTTL
	}
	return time.Duration(secs) * time.Second
}

type cacheEntry struct {
	meta Metadata
	at   time.Time
}

// Cache is a TTL cache for certificate metadata, keyed by "host:port".
// A zero TTL makes every Get a miss.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

// Get returns the cached metadata for key if it is still fresh.
func (c *Cache) Get(key string) (Metadata, bool) {
	if c.ttl == 0 {
		return Metadata{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.at) >= c.ttl {
		return Metadata{}, false
	}
	return e.meta, true
}

// Put stores metadata for key, stamping it with the current time.
func (c *Cache) Put(key string, meta Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{meta: meta, at: time.Now()}
}

// Cleanup evicts expired entries. Safe to call at any time.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if c.ttl == 0 || time.Since(e.at) >= c.ttl {
			delete(c.entries, k)
		}
	}
}
