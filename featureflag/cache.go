package featureflag

import (
	"sync"
	"time"
)

type cacheKey struct {
	flag    string
	subject string
}

type cacheEntry struct {
	value     FlagValue
	expiresAt time.Time
}

// FlagCache is a TTL cache of evaluated flags. A zero TTL disables it.
type FlagCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewFlagCache creates a cache with the given TTL.
func NewFlagCache(ttl time.Duration) *FlagCache {
	return &FlagCache{entries: make(map[cacheKey]cacheEntry), ttl: ttl, now: time.Now}
}

// Get returns a cached, unexpired value.
func (c *FlagCache) Get(flag, subject string) (FlagValue, bool) {
	if c.ttl == 0 {
		return FlagValue{}, false
	}
	c.mu.RLock()
	entry, ok := c.entries[cacheKey{flag, subject}]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return FlagValue{}, false
	}
	return entry.value, true
}

// Set caches v.
func (c *FlagCache) Set(flag, subject string, v FlagValue) {
	if c.ttl == 0 {
		return
	}
	c.mu.Lock()
	c.entries[cacheKey{flag, subject}] = cacheEntry{value: v, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// InvalidateFlag drops every cached value of flag.
func (c *FlagCache) InvalidateFlag(flag string) {
	c.mu.Lock()
	for k := range c.entries {
		if k.flag == flag {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Len returns the number of entries, expired ones included.
func (c *FlagCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
