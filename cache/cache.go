package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"github.com/IvanBrykalov/fdscache/internal/util"
	"github.com/IvanBrykalov/fdscache/policy/lru"
)

// MapCache is a keyed deduplicating cache: an independent Cached-style slot
// per key, held in a sharded map. Loads for different keys never block or
// coalesce with each other; loads for the same key run at most once at a
// time. All methods are safe for concurrent use.
//
// Entries exist only while they hold a value or a load is running: a failed
// load, Clear and eviction remove the key from the map, so the map does not
// grow with keys that were asked for once and failed.
type MapCache[K comparable, V any] struct {
	shards []*shard[K, V]
	closed atomic.Bool

	// totals across shards, kept atomically so metrics never take more
	// than one shard lock.
	entries    atomic.Int64
	cost       atomic.Int64
	lastAccess atomic.Int64

	opt Options[K, V]
	log log.Interface
}

// NewMap constructs a MapCache; see Options for defaults.
func NewMap[K comparable, V any](opt Options[K, V]) *MapCache[K, V] {
	opt.applyDefaults()
	if opt.Policy == nil {
		opt.Policy = lru.New[K]()
	}

	n := util.ShardCount(opt.Shards)
	c := &MapCache[K, V]{opt: opt, log: opt.Logger}

	// split limits evenly (ceil)
	perShardCap := 0
	if opt.Capacity > 0 {
		perShardCap = (opt.Capacity + n - 1) / n
	}
	var perShardCost int64
	if opt.MaxCost > 0 {
		perShardCost = (opt.MaxCost + int64(n) - 1) / int64(n)
	}

	c.shards = make([]*shard[K, V], n)
	for i := range c.shards {
		c.shards[i] = newShard(c, perShardCap, perShardCost)
	}
	return c
}

// GetCached returns the fresh value for k, joins the load in flight for k,
// or starts loader(ctx, k). A nil loader falls back to Options.Loader.
// Cancelling ctx abandons only this caller's wait.
func (c *MapCache[K, V]) GetCached(ctx context.Context, k K, loader Loader[K, V]) (V, error) {
	if c.closed.Load() {
		var zero V
		return zero, ErrClosed
	}
	if loader == nil {
		loader = c.opt.Loader
	}
	if loader == nil {
		var zero V
		return zero, ErrNoLoader
	}
	return c.getShard(k).getCached(ctx, k, loader)
}

// Get never blocks: it returns the fresh value, the load in flight, or false.
func (c *MapCache[K, V]) Get(k K) (Outcome[V], bool) {
	return c.getShard(k).outcome(k)
}

// Peek returns a fresh value without promoting it or touching access times.
func (c *MapCache[K, V]) Peek(k K) (V, bool) {
	return c.getShard(k).peek(k)
}

// Clear evicts the stored value for k and returns it. A load in flight for
// k is not cancelled.
func (c *MapCache[K, V]) Clear(k K) (V, bool) {
	v, ok := c.getShard(k).clear(k)
	if ok {
		c.opt.Metrics.Size(c.Len(), c.Cost())
	}
	return v, ok
}

// ClearFunc evicts every stored value whose key matches and returns how
// many were removed.
func (c *MapCache[K, V]) ClearFunc(match func(K) bool) int {
	n := 0
	for _, s := range c.shards {
		n += s.clearFunc(match)
	}
	if n > 0 {
		c.opt.Metrics.Size(c.Len(), c.Cost())
	}
	return n
}

// Purge evicts every stored value.
func (c *MapCache[K, V]) Purge() int {
	return c.ClearFunc(func(K) bool { return true })
}

// Range calls fn for each stored value (stale ones included), shard by
// shard, until fn returns false. fn runs under a shard lock and must not
// call back into the cache.
func (c *MapCache[K, V]) Range(fn func(k K, v V) bool) {
	for _, s := range c.shards {
		if !s.rangeValues(fn) {
			return
		}
	}
}

// Len returns the number of stored values across all shards.
func (c *MapCache[K, V]) Len() int { return int(c.entries.Load()) }

// Cost returns the total cost of stored values.
func (c *MapCache[K, V]) Cost() int64 { return c.cost.Load() }

// Stats sums the per-shard counters.
func (c *MapCache[K, V]) Stats() Stats {
	var st Stats
	for _, s := range c.shards {
		st.Hits += s.hits.Load()
		st.Misses += s.misses.Load()
		st.Joins += s.joins.Load()
		st.Evictions += s.evicts.Load()
	}
	st.Entries = c.Len()
	st.Cost = c.Cost()
	return st
}

// Stats is a point-in-time summary of a MapCache.
type Stats struct {
	Hits, Misses, Joins int64
	Evictions           uint64
	Entries             int
	Cost                int64
}

// Close makes further GetCached calls fail with ErrClosed. Loads already
// running still commit.
func (c *MapCache[K, V]) Close() error {
	c.closed.Store(true)
	return nil
}

// ---- Registry Entry: a MapCache can be enrolled as a whole ----

// Size reports the total cost; unknown when no Cost function is set.
func (c *MapCache[K, V]) Size() (int, bool) {
	if c.opt.Cost == nil {
		return 0, false
	}
	return int(c.Cost()), true
}

// RefCount sums RefCounter values; unknown when the cache is empty.
func (c *MapCache[K, V]) RefCount() (int, bool) {
	total, known := 0, false
	c.Range(func(_ K, v V) bool {
		if r, ok := any(v).(RefCounter); ok {
			total += r.RefCount()
			known = true
		}
		return true
	})
	return total, known
}

// LastAccessed reports the most recent access to any key.
func (c *MapCache[K, V]) LastAccessed() (time.Time, bool) {
	ns := c.lastAccess.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Free purges every stored value.
func (c *MapCache[K, V]) Free() { c.Purge() }

// Name returns Options.Name.
func (c *MapCache[K, V]) Name() string { return c.opt.Name }

var _ Entry = (*MapCache[string, int])(nil)

// ---- helpers ----

func (c *MapCache[K, V]) getShard(k K) *shard[K, V] {
	return c.shards[util.ShardIndex(c.opt.Hash(k), len(c.shards))]
}

// touch records now as the latest access if it is newer.
func (c *MapCache[K, V]) touch(now int64) {
	for {
		cur := c.lastAccess.Load()
		if now <= cur || c.lastAccess.CompareAndSwap(cur, now) {
			return
		}
	}
}
