package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

// Cache is a front for the record store. Stored records never change, so an
// entry can only be missing, never stale. A ttl of zero means no expiry.
type Cache interface {
	Get(ctx context.Context, location string) (models.WeatherRecord, bool, error)
	Set(ctx context.Context, location string, rec models.WeatherRecord, ttl time.Duration) error
}

// Pinger is implemented by caches backed by a remote server.
type Pinger interface {
	Ping() error
}

// InMemoryCache implements Cache with a mutex-guarded map.
// Expired entries are removed on access.
type InMemoryCache struct {
	mu   sync.RWMutex
	data map[string]cacheEntry
	now  func() time.Time
}

type cacheEntry struct {
	value     models.WeatherRecord
	expiresAt time.Time // zero means never
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

// Get returns (record, true, nil) on hit and (zero, false, nil) on miss or expiry.
func (c *InMemoryCache) Get(ctx context.Context, location string) (models.WeatherRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.WeatherRecord{}, false, err
	}
	c.mu.RLock()
	entry, ok := c.data[location]
	c.mu.RUnlock()
	if !ok {
		return models.WeatherRecord{}, false, nil
	}

	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.data[location]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(c.data, location)
		}
		c.mu.Unlock()
		return models.WeatherRecord{}, false, nil
	}

	return entry.value, true, nil
}

func (c *InMemoryCache) Set(ctx context.Context, location string, rec models.WeatherRecord, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := cacheEntry{value: rec}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.data[location] = entry
	c.mu.Unlock()
	return nil
}

// Len reports the number of entries, including expired ones not yet evicted.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
