package verificationcache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is the in-memory verification cache variant, backed by
// patrickmn/go-cache for TTL eviction (lazy on read, periodic sweep),
// the same library the library-service reference uses for its book cache.
type Memory struct {
	cache *gocache.Cache
}

// NewMemory creates an in-memory verification cache. cleanupInterval
// controls the periodic sweep of expired entries.
func NewMemory(cleanupInterval time.Duration) *Memory {
	return &Memory{cache: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	v, found := m.cache.Get(key)
	if !found {
		return Entry{}, false, nil
	}
	return v.(Entry), true, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, entry Entry, ttlMs int64) error {
	m.cache.Set(key, entry, time.Duration(ttlMs)*time.Millisecond)
	return nil
}
