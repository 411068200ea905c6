package store

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	val     string
	expires time.Time
}

// MemCache is the in-memory Cache used by tests and single-process runs.
type MemCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemCache() *MemCache {
	return &MemCache{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// SetNow swaps the clock so tests can expire entries deterministically.
func (c *MemCache) SetNow(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *MemCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.entries, key)
		return "", false
	}
	return e.val, true
}

func (c *MemCache) GetMulti(ctx context.Context, keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := c.Get(ctx, k); ok {
			out[k] = v
		}
	}
	return out
}

func (c *MemCache) Set(_ context.Context, key, val string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memEntry{val: val}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.entries[key] = e
}

func (c *MemCache) Delete(_ context.Context, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}
