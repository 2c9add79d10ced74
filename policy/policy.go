// Package policy defines how a bounded MapCache shard orders its resident
// entries and which entry it gives up when a capacity limit is exceeded.
package policy

// Node is the view of a resident cache entry that a policy may inspect.
//
// Weight is the eviction priority of the entry's current value: higher
// weights are given up first, and a weight of 0 marks the entry as pinned
// (never chosen by capacity pressure). Weight is evaluated on demand because
// pinning changes while the value sits in the cache.
type Node[K comparable] interface {
	Key() K
	Weight() uint64
}

// Hooks expose O(1) list operations over the shard's intrusive MRU↔LRU
// list. Implementations are provided by the shard.
//
// Concurrency: all hook calls happen under the shard lock.
// Hooks manage only the list; the shard owns the key->entry map.
type Hooks[K comparable] interface {
	// MoveToFront promotes the node to MRU.
	MoveToFront(Node[K])
	// PushFront inserts the node at MRU (used on admission).
	PushFront(Node[K])
	// Remove detaches the node from the list.
	Remove(Node[K])
	// Back returns the current LRU node (or nil if empty).
	Back() Node[K]
	// Prev returns the neighbour of n one step closer to MRU (or nil).
	Prev(n Node[K]) Node[K]
	// Len returns the number of resident nodes in the shard.
	Len() int
}

// ShardPolicy is a per-shard policy instance bound to shard hooks.
// All methods are invoked under the shard lock.
//
// Semantics:
//   - OnAdd admits a node and may propose an eviction candidate. The shard
//     ignores candidates that are pinned.
//   - OnGet/OnUpdate record use.
//   - OnRemove notifies the policy that the shard dropped the node.
//   - Victim names the next node to give up under capacity pressure, never
//     exclude (the entry just stored), or nil when every other resident node
//     is pinned.
type ShardPolicy[K comparable] interface {
	OnAdd(Node[K]) (evict Node[K])
	OnGet(Node[K])
	OnUpdate(Node[K])
	OnRemove(Node[K])
	Victim(exclude Node[K]) Node[K]
}

// Policy is a factory that creates shard-local policy instances.
type Policy[K comparable] interface {
	New(Hooks[K]) ShardPolicy[K]
}

// DefaultWindow is how many unpinned nodes Heaviest inspects from the tail.
const DefaultWindow = 4

// Heaviest walks from start towards MRU and returns the heaviest of the
// first window unpinned nodes other than exclude (which may be nil). Ties go
// to the node nearer the tail, so with uniform weights the result is plain
// LRU. Returns nil if every other node from start onwards is pinned.
func Heaviest[K comparable](h Hooks[K], start Node[K], window int, exclude Node[K]) Node[K] {
	if window < 1 {
		window = 1
	}
	var best Node[K]
	var bestW uint64
	seen := 0
	for n := start; n != nil && seen < window; n = h.Prev(n) {
		if exclude != nil && n == exclude {
			continue
		}
		w := n.Weight()
		if w == 0 {
			continue
		}
		seen++
		if best == nil || w > bestW {
			best, bestW = n, w
		}
	}
	return best
}
