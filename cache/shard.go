package cache

import (
	"context"
	"sync"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"

	"github.com/IvanBrykalov/fdscache/internal/util"
	"github.com/IvanBrykalov/fdscache/policy"
)

// shard is an independent partition of a MapCache: its own lock, its own
// key->entry map and an intrusive list (head=MRU, tail=LRU) of entries that
// hold a value. The shard mutex also guards every slot in the shard.
type shard[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu      sync.Mutex
	m       map[K]*entry[K, V]
	head    *entry[K, V]
	tail    *entry[K, V]
	len     int   // linked entries
	cost    int64 // cost of linked entries
	cap     int   // per-shard entry limit (0 = unbounded)
	maxCost int64 // per-shard cost limit (0 = disabled)

	pol policy.ShardPolicy[K]
	c   *MapCache[K, V]

	// ---- hot counters ----
	_      util.CacheLinePad
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
	joins  util.PaddedAtomicInt64
	evicts util.PaddedAtomicUint64
}

func newShard[K comparable, V any](c *MapCache[K, V], capacity int, maxCost int64) *shard[K, V] {
	s := &shard[K, V]{
		m:       make(map[K]*entry[K, V]),
		cap:     capacity,
		maxCost: maxCost,
		c:       c,
	}
	s.pol = c.opt.Policy.New(shardHooks[K, V]{s: s})
	return s
}

// getCached applies the slot protocol to the entry for k, creating the
// entry on first use.
func (s *shard[K, V]) getCached(ctx context.Context, k K, loader Loader[K, V]) (V, error) {
	opt := &s.c.opt
	now := opt.Clock.NowUnixNano()

	s.mu.Lock()
	e, ok := s.m[k]
	if !ok {
		e = &entry[K, V]{key: k, weigh: opt.Weigher}
		s.m[k] = e
	}
	e.slot.accessed = now
	s.c.touch(now)
	if e.slot.freshLocked(now, opt.Refresh) {
		v := e.slot.val
		s.pol.OnGet(e)
		// A shard left over budget by pinned entries shrinks once they
		// are released and the shard is used again.
		_, over := s.overLocked()
		if over {
			s.enforceLimitsLocked(e)
		}
		s.mu.Unlock()
		s.hits.Add(1)
		opt.Metrics.Hit()
		if over {
			opt.Metrics.Size(s.c.Len(), s.c.Cost())
		}
		return v, nil
	}
	f, leader := e.slot.beginLocked()
	s.mu.Unlock()

	if leader {
		s.misses.Add(1)
		opt.Metrics.Miss()
		lg := s.c.log.WithField("key", k)
		launch(ctx, lg, func(ctx context.Context) (V, error) { return loader(ctx, k) },
			func(v V, err error) { s.commit(e, f, v, err, lg) })
	} else {
		s.joins.Add(1)
		opt.Metrics.Join()
	}
	return f.Wait(ctx)
}

// commit publishes a finished load and accounts for the stored value.
func (s *shard[K, V]) commit(e *entry[K, V], f *Flight[V], v V, err error, lg log.Interface) {
	opt := &s.c.opt
	now := opt.Clock.NowUnixNano()

	s.mu.Lock()
	if e.slot.commitLocked(f, v, err, now) {
		cost := s.c.costOf(v)
		if e.linked {
			s.adjustCost(cost - e.cost)
			e.cost = cost
			s.pol.OnUpdate(e)
		} else {
			e.cost = cost
			if ev := s.pol.OnAdd(e); ev != nil && ev != policy.Node[K](e) && ev.Weight() > 0 {
				s.evictLocked(ev.(*entry[K, V]), EvictPolicy)
			}
		}
		s.enforceLimitsLocked(e)
	} else if !e.linked && e.slot.inflight == nil {
		// No value to keep: failed keys do not linger in the map.
		s.dropLocked(e)
	}
	f.publish(v, err)
	s.mu.Unlock()

	if err != nil {
		opt.Metrics.LoadError()
		lg.WithError(err).Warn("load failed")
	}
	opt.Metrics.Size(s.c.Len(), s.c.Cost())
}

// outcome is the non-blocking view used by MapCache.Get.
func (s *shard[K, V]) outcome(k K) (Outcome[V], bool) {
	opt := &s.c.opt
	now := opt.Clock.NowUnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[k]
	if !ok {
		return Outcome[V]{}, false
	}
	if e.slot.freshLocked(now, opt.Refresh) {
		e.slot.accessed = now
		s.c.touch(now)
		s.pol.OnGet(e)
		return Outcome[V]{Value: e.slot.val}, true
	}
	if f := e.slot.inflight; f != nil {
		return Outcome[V]{InFlight: f}, true
	}
	return Outcome[V]{}, false
}

// peek returns a fresh value without promoting it.
func (s *shard[K, V]) peek(k K) (V, bool) {
	now := s.c.opt.Clock.NowUnixNano()
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.m[k]; ok && e.slot.freshLocked(now, s.c.opt.Refresh) {
		return e.slot.val, true
	}
	var zero V
	return zero, false
}

func (s *shard[K, V]) clear(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[k]
	if !ok || !e.linked {
		var zero V
		return zero, false
	}
	return s.evictLocked(e, EvictExplicit), true
}

// clearFunc evicts every stored entry whose key matches.
func (s *shard[K, V]) clearFunc(match func(K) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for e := s.head; e != nil; {
		next := e.next
		if match(e.key) {
			s.evictLocked(e, EvictExplicit)
			n++
		}
		e = next
	}
	return n
}

// rangeValues visits stored values MRU first until fn returns false.
func (s *shard[K, V]) rangeValues(fn func(K, V) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := s.head; e != nil; e = e.next {
		if !fn(e.key, e.slot.val) {
			return false
		}
	}
	return true
}

// -------------------- internals (mu held) --------------------

// evictLocked clears e's value, unlinks it and drops it from the map unless
// a load is still running for it. Returns the evicted value.
func (s *shard[K, V]) evictLocked(e *entry[K, V], reason EvictReason) V {
	cost := e.cost
	s.pol.OnRemove(e)
	s.removeNode(e)
	v, _ := e.slot.clearLocked()
	if e.slot.inflight == nil {
		s.dropLocked(e)
	}
	s.evicts.Add(1)
	s.c.opt.Metrics.Evict(reason)
	if cb := s.c.opt.OnEvict; cb != nil {
		cb(e.key, v, reason)
	}
	if reason != EvictExplicit {
		s.c.log.WithFields(log.Fields{
			"key":    e.key,
			"reason": reason.String(),
			"cost":   humanize.Bytes(uint64(cost)),
		}).Debug("evicted")
	}
	return v
}

func (s *shard[K, V]) dropLocked(e *entry[K, V]) {
	if cur, ok := s.m[e.key]; ok && cur == e {
		delete(s.m, e.key)
	}
}

// overLocked reports whether a limit is exceeded and which reason an
// eviction restoring it carries.
func (s *shard[K, V]) overLocked() (EvictReason, bool) {
	switch {
	case s.cap > 0 && s.len > s.cap:
		return EvictPolicy, true
	case s.maxCost > 0 && s.cost > s.maxCost:
		return EvictCapacity, true
	default:
		return 0, false
	}
}

// enforceLimitsLocked evicts policy victims until the count and cost limits
// hold. keep (the entry just committed or read) is never chosen; the loop
// stops early when every other entry is pinned.
func (s *shard[K, V]) enforceLimitsLocked(keep *entry[K, V]) {
	for {
		reason, over := s.overLocked()
		if !over {
			return
		}
		var exclude policy.Node[K]
		if keep != nil {
			exclude = keep
		}
		v := s.pol.Victim(exclude)
		if v == nil {
			return
		}
		s.evictLocked(v.(*entry[K, V]), reason)
	}
}

func (s *shard[K, V]) adjustCost(delta int64) {
	s.cost += delta
	s.c.cost.Add(delta)
}

// insertFront links e at MRU in O(1).
func (s *shard[K, V]) insertFront(e *entry[K, V]) {
	if e.linked {
		s.moveToFront(e)
		return
	}
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
	e.linked = true
	s.len++
	s.c.entries.Add(1)
	s.adjustCost(e.cost)
}

// moveToFront promotes e to MRU in O(1).
func (s *shard[K, V]) moveToFront(e *entry[K, V]) {
	if !e.linked || e == s.head {
		return
	}
	e.prev.next = e.next
	if e.next != nil {
		e.next.prev = e.prev
	}
	if s.tail == e {
		s.tail = e.prev
	}
	e.prev = nil
	e.next = s.head
	s.head.prev = e
	s.head = e
}

// removeNode unlinks e and releases its cost in O(1).
func (s *shard[K, V]) removeNode(e *entry[K, V]) {
	if !e.linked {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	if s.head == e {
		s.head = e.next
	}
	if s.tail == e {
		s.tail = e.prev
	}
	e.prev, e.next, e.linked = nil, nil, false
	s.len--
	s.c.entries.Add(-1)
	s.adjustCost(-e.cost)
	e.cost = 0
}

// -------------------- policy hooks --------------------

// shardHooks adapts the shard's list operations to policy.Hooks.
// Empty results are returned as untyped nil so policies can compare to nil.
type shardHooks[K comparable, V any] struct{ s *shard[K, V] }

func (h shardHooks[K, V]) MoveToFront(x policy.Node[K]) { h.s.moveToFront(x.(*entry[K, V])) }
func (h shardHooks[K, V]) PushFront(x policy.Node[K])   { h.s.insertFront(x.(*entry[K, V])) }
func (h shardHooks[K, V]) Remove(x policy.Node[K])      { h.s.removeNode(x.(*entry[K, V])) }
func (h shardHooks[K, V]) Len() int                     { return h.s.len }

func (h shardHooks[K, V]) Back() policy.Node[K] {
	if h.s.tail == nil {
		return nil
	}
	return h.s.tail
}

func (h shardHooks[K, V]) Prev(x policy.Node[K]) policy.Node[K] {
	if p := x.(*entry[K, V]).prev; p != nil {
		return p
	}
	return nil
}

// costOf is Options.Cost with negative costs treated as 0.
func (c *MapCache[K, V]) costOf(v V) int64 {
	if c.opt.Cost == nil {
		return 0
	}
	return max(int64(c.opt.Cost(v)), 0)
}
