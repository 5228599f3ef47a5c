package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultGenerateTimeout bounds a shared generation.
const DefaultGenerateTimeout = 15 * time.Minute

// MediaCache holds generated media bytes for the lifetime of the process.
// Nothing is evicted. Concurrent requests for the same key share one generation.
type MediaCache struct {
	mu      sync.RWMutex
	items   map[string][]byte
	group   singleflight.Group
	timeout time.Duration
}

// MediaCacheOption configures a MediaCache.
type MediaCacheOption func(*MediaCache)

// WithGenerateTimeout overrides DefaultGenerateTimeout.
func WithGenerateTimeout(d time.Duration) MediaCacheOption {
	return func(c *MediaCache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewMediaCache creates an empty MediaCache.
func NewMediaCache(opts ...MediaCacheOption) *MediaCache {
	c := &MediaCache{items: make(map[string][]byte), timeout: DefaultGenerateTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key derives the cache key for a styled prompt.
func Key(style, prompt string) string {
	return style + ":" + prompt
}

// Get returns cached bytes for key.
func (c *MediaCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.items[key]
	return data, ok
}

// Put stores bytes under key.
func (c *MediaCache) Put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = data
}

// Len reports the number of cached entries.
func (c *MediaCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// GetOrGenerate returns the cached bytes for key, or runs generate once for all concurrent
// callers and caches a successful result. hit reports whether the bytes came from the cache.
// The shared generation is detached from any single caller's cancellation; a caller whose
// ctx ends stops waiting while the others keep theirs.
func (c *MediaCache) GetOrGenerate(ctx context.Context, key string, generate func(context.Context) ([]byte, error)) (data []byte, hit bool, err error) {
	if data, ok := c.Get(key); ok {
		slog.Debug("MediaCache.GetOrGenerate: hit", "key", key)
		return data, true, nil
	}
	ch := c.group.DoChan(key, func() (any, error) {
		if data, ok := c.Get(key); ok {
			return data, nil
		}
		gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		data, err := generate(gctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, data)
		return data, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		if res.Shared {
			slog.Debug("MediaCache.GetOrGenerate: coalesced with in-flight generation", "key", key)
		}
		return res.Val.([]byte), false, nil
	case <-ctx.Done():
		slog.Debug("MediaCache.GetOrGenerate: caller gave up waiting", "key", key, "error", ctx.Err())
		return nil, false, ctx.Err()
	}
}
