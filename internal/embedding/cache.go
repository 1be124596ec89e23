package embedding

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// DefaultCacheTTL bounds how long a cached vector stays valid.
const DefaultCacheTTL = time.Hour

// CacheStats is a point-in-time snapshot of cache effectiveness counters.
//
// Size is an approximation derived from ristretto's add/evict counters:
// entries that expired but have not yet been swept by the internal cleanup
// ticker still count, and re-adding a key whose entry expired counts again
// until the sweep evicts the stale one.
type CacheStats struct {
	Size        int64
	HitRate     float64
	TotalHits   uint64
	TotalMisses uint64
}

// Cache is a TTL-bound, capacity-bound map from text fingerprint to
// embedding vector, backed by ristretto. Expired entries miss on access and
// are swept by ristretto's internal cleanup ticker; under capacity pressure
// the admission policy evicts cold entries.
//
// Cache never fails: a miss simply reports "not present". Safe for
// concurrent use.
type Cache struct {
	inner *ristretto.Cache
	ttl   time.Duration
}

// NewCache creates a cache holding up to capacity vectors. ttl <= 0 selects
// DefaultCacheTTL.
func NewCache(capacity int64, ttl time.Duration) (*Cache, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("cache capacity must be at least 1, got %d", capacity)
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	inner, err := ristretto.NewCache(&ristretto.Config{
		// 10x counters relative to capacity, per ristretto's guidance.
		NumCounters: capacity * 10,
		MaxCost:     capacity,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating ristretto cache: %w", err)
	}

	return &Cache{inner: inner, ttl: ttl}, nil
}

// Get returns the cached vector for text, or ok=false on a miss (absent or
// expired entry).
func (c *Cache) Get(text string) ([]float32, bool) {
	v, ok := c.inner.Get(Fingerprint(text))
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

// Put stores a vector under the text's fingerprint. ttl <= 0 uses the
// cache's default. The write is synchronous: Put waits for the internal set
// buffer to drain, so a subsequent Get observes the entry.
func (c *Cache) Put(text string, vec []float32, ttl time.Duration) {
	if len(vec) == 0 {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.inner.SetWithTTL(Fingerprint(text), vec, 1, ttl)
	c.inner.Wait()
}

// Stats returns a snapshot of the cache counters. See CacheStats for the
// precision caveat on Size.
func (c *Cache) Stats() CacheStats {
	m := c.inner.Metrics
	size := int64(m.KeysAdded()) - int64(m.KeysEvicted())
	if size < 0 {
		size = 0
	}
	return CacheStats{
		Size:        size,
		HitRate:     m.Ratio(),
		TotalHits:   m.Hits(),
		TotalMisses: m.Misses(),
	}
}

// Close releases the cache's background resources.
func (c *Cache) Close() {
	c.inner.Close()
}
