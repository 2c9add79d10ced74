// Package cache provides deduplicating, concurrency-safe caches for values
// that are expensive to produce (parsed simulation output, decompressed
// files) and requested by many goroutines at once.
//
// Design
//
//   - Single flight: each cache cell (slot) is empty, has a load in flight,
//     or holds a value. The first caller to find no fresh value installs a
//     Flight and launches the loader on its own goroutine; everyone else
//     arriving before the commit subscribes to that Flight. The commit is a
//     single point under the owner's lock, so every subscriber sees the same
//     value or error.
//
//   - Fire and forget: loaders run with a context detached from the caller.
//     A caller whose ctx is cancelled stops waiting, but the load completes
//     and fills the cache for the next caller.
//
//   - No negative caching: a failed load is delivered (as *LoadError) to its
//     waiters and nothing is stored; the next call loads again. A panicking
//     loader yields ErrComputationLost.
//
//   - Freshness: a refresh interval bounds the age of a stored value. A stale
//     value is not returned but stays in memory until a new load commits.
//
//   - Cached[T] is one slot. MapCache[K,V] is a sharded map of slots; each
//     shard's mutex guards its slots, so distinct keys in different shards
//     never contend and no lock is held while a loader runs.
//
//   - Bounded MapCache: Capacity limits stored entries and MaxCost limits
//     the sum of Options.Cost. When a commit pushes a shard over budget, the
//     policy (package policy; LRU by default, 2Q available) names victims.
//     Options.Weigher ranks candidates near the LRU end: heavier values go
//     first and weight 0 pins a value in place.
//
//   - Registry: a constructor-injected set of type-erased Entry handles
//     (Cached and MapCache both implement Entry) used to report size,
//     references and last access across caches, and to free the least
//     recently accessed ones with EvictOldest.
//
//   - Observability: Metrics receives Hit/Miss/Join/LoadError/Evict/Size;
//     NoopMetrics is the default and metrics/prom exports to Prometheus.
//     Load failures and evictions are logged with apex/log.
//
// Single slot
//
//	c := cache.Empty[*Config](time.Minute)
//	cfg, err := c.GetCached(ctx, func(ctx context.Context) (*Config, error) {
//	    return parseConfig(ctx, path)
//	})
//
// Keyed
//
//	m := cache.NewMap[string, []byte](cache.Options[string, []byte]{
//	    MaxCost: 256 << 20,
//	    Cost:    func(b []byte) int { return len(b) },
//	})
//	b, err := m.GetCached(ctx, "chid_devc.csv", func(ctx context.Context, name string) ([]byte, error) {
//	    return os.ReadFile(name)
//	})
//
// Non-blocking peek
//
//	if out, ok := m.Get("chid_devc.csv"); ok && out.Cached() {
//	    use(out.Value)
//	}
package cache
