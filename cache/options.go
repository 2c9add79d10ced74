package cache

import (
	"time"

	"github.com/apex/log"

	"github.com/IvanBrykalov/fdscache/internal/util"
	"github.com/IvanBrykalov/fdscache/policy"
)

// EvictReason explains why a stored value was dropped.
type EvictReason int

const (
	// EvictPolicy: proposed by the active policy or over the entry-count limit.
	EvictPolicy EvictReason = iota
	// EvictCapacity: removed to bring total cost back under MaxCost.
	EvictCapacity
	// EvictExplicit: removed by Clear/ClearFunc/Purge.
	EvictExplicit
)

func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictExplicit:
		return "explicit"
	default:
		return "policy"
	}
}

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	// Hit: a fresh value was returned without loading.
	Hit()
	// Miss: this call started a load.
	Miss()
	// Join: this call subscribed to a load already in flight.
	Join()
	// LoadError: a load finished with an error (nothing was stored).
	LoadError()
	Evict(reason EvictReason)
	Size(entries int, cost int64)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// SystemClock is the wall-clock Clock used when none is configured.
var SystemClock Clock = systemClock{}

// Options configures a MapCache. Zero values are safe; defaults are applied
// in NewMap:
//   - Shards <= 0   => auto (≈ 2*GOMAXPROCS, power of two)
//   - nil Policy    => lru.New
//   - nil Hash      => util.Fnv64a
//   - nil Weigher   => log2 of Cost (or 1 when Cost is nil)
//   - nil Metrics   => NoopMetrics
//   - nil Clock     => SystemClock
//   - nil Logger    => apex/log default logger tagged with Name
type Options[K comparable, V any] struct {
	// Name tags log lines and metrics; purely informational.
	Name string

	// Shards defines the number of shards, rounded up to a power of two.
	Shards int

	// Capacity is the resident entry limit (0 = unbounded).
	Capacity int

	// Cost reports a value's size (e.g. bytes). MaxCost bounds the sum of
	// costs across the cache; 0 disables cost limiting. Shards split the
	// budget evenly.
	Cost    func(v V) int
	MaxCost int64

	// Weigher ranks values for eviction: higher goes first, 0 pins the value
	// so capacity pressure never removes it.
	Weigher func(v V) uint64

	// Policy orders resident entries and picks victims; nil => LRU.
	Policy policy.Policy[K]

	// Refresh is the maximum age of a stored value before the next
	// GetCached reloads it (0 = values never go stale).
	Refresh time.Duration

	// Loader is used by GetCached when the call passes a nil loader.
	Loader Loader[K, V]

	// Hash maps keys to shards. Needed for struct keys that do not
	// implement util.Hasher.
	Hash func(K) uint64

	// OnEvict is called under the shard lock; keep it lightweight.
	OnEvict func(k K, v V, reason EvictReason)

	Metrics Metrics
	Clock   Clock
	Logger  log.Interface
}

func (o *Options[K, V]) applyDefaults() {
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Clock == nil {
		o.Clock = SystemClock
	}
	if o.Hash == nil {
		o.Hash = util.Fnv64a[K]
	}
	if o.Logger == nil {
		o.Logger = log.Log
	}
	if o.Name != "" {
		o.Logger = o.Logger.WithField("cache", o.Name)
	}
	if o.Weigher == nil {
		cost := o.Cost
		o.Weigher = func(v V) uint64 {
			if cost == nil {
				return 1
			}
			return LogWeight(cost(v))
		}
	}
}

// LogWeight is the default eviction weight for a value of the given size:
// floor(log2(size))+1, so every unpinned value weighs at least 1 and values
// within the same power-of-two band tie (ties fall back to recency).
func LogWeight(size int) uint64 {
	if size < 1 {
		return 1
	}
	return util.Log2(uint64(size)) + 1
}

// CachedOption configures a single-slot Cached.
type CachedOption func(*cachedConfig)

type cachedConfig struct {
	name    string
	clock   Clock
	metrics Metrics
	logger  log.Interface
}

// WithClock overrides the time source (tests).
func WithClock(c Clock) CachedOption { return func(cfg *cachedConfig) { cfg.clock = c } }

// WithMetrics attaches observability hooks.
func WithMetrics(m Metrics) CachedOption { return func(cfg *cachedConfig) { cfg.metrics = m } }

// WithName tags log lines and registry snapshots.
func WithName(name string) CachedOption { return func(cfg *cachedConfig) { cfg.name = name } }

// WithLogger replaces the apex/log default logger.
func WithLogger(l log.Interface) CachedOption { return func(cfg *cachedConfig) { cfg.logger = l } }
