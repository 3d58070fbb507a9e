package loader

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// CachedSource wraps a Source so each file is fetched once. Concurrent
// reads of the same file share a single fetch.
type CachedSource struct {
	source Source

	cache   map[string][]byte
	cacheMu sync.RWMutex
	group   singleflight.Group
}

// NewCachedSource wraps source.
func NewCachedSource(source Source) *CachedSource {
	return &CachedSource{source: source, cache: make(map[string][]byte)}
}

func (c *CachedSource) Read(ctx context.Context, file File) ([]byte, error) {
	key := CacheKey(file)

	c.cacheMu.RLock()
	if cached, ok := c.cache[key]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	result, err, _ := c.group.Do(key, func() (any, error) {
		c.cacheMu.RLock()
		if cached, ok := c.cache[key]; ok {
			c.cacheMu.RUnlock()
			return cached, nil
		}
		c.cacheMu.RUnlock()

		content, err := c.source.Read(ctx, file)
		if err != nil {
			return nil, err
		}

		c.cacheMu.Lock()
		c.cache[key] = content
		c.cacheMu.Unlock()

		return content, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Forget drops a cached file.
func (c *CachedSource) Forget(file File) {
	c.cacheMu.Lock()
	delete(c.cache, CacheKey(file))
	c.cacheMu.Unlock()
}
