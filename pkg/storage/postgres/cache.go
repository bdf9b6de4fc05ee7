package postgres

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/freemium/pkg/billing"
)

// PlanCache holds recently read plans by ID and by key. Every subscription
// load resolves its plan, so a billing run hits the same few rows
// thousands of times.
type PlanCache struct {
	byID  *lru.LRU[int64, billing.Plan]
	byKey *lru.LRU[string, billing.Plan]

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats reports plan cache effectiveness
type CacheStats struct {
	Hits      int64
	Misses    int64
	ItemCount int
	HitRate   float64
}

// NewPlanCache creates a cache of at most size plans per index, each kept
// for ttl
func NewPlanCache(size int, ttl time.Duration) *PlanCache {
	if size < 1 {
		size = 1
	}
	return &PlanCache{
		byID:  lru.NewLRU[int64, billing.Plan](size, nil, ttl),
		byKey: lru.NewLRU[string, billing.Plan](size, nil, ttl),
	}
}

// Get returns a copy of the cached plan with the given ID
func (c *PlanCache) Get(id int64) (*billing.Plan, bool) {
	return c.record(c.byID.Get(id))
}

// GetByKey returns a copy of the cached plan with the given key
func (c *PlanCache) GetByKey(key string) (*billing.Plan, bool) {
	return c.record(c.byKey.Get(key))
}

func (c *PlanCache) record(plan billing.Plan, ok bool) (*billing.Plan, bool) {
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return &plan, true
}

// Add caches plan under both its ID and key
func (c *PlanCache) Add(plan *billing.Plan) {
	c.byID.Add(plan.ID, *plan)
	c.byKey.Add(plan.Key, *plan)
}

// Purge empties the cache, e.g. after the plan catalog is reloaded
func (c *PlanCache) Purge() {
	c.byID.Purge()
	c.byKey.Purge()
}

// Stats returns hit and miss counts since the cache was created
func (c *PlanCache) Stats() CacheStats {
	stats := CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		ItemCount: c.byID.Len(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}
