package cache

// entry is one key of a MapCache: its slot plus intrusive list links used
// by the eviction policy. An entry sits in the shard list exactly while its
// slot holds a value (linked == true).
type entry[K comparable, V any] struct {
	key  K
	slot slot[V]

	// Intrusive list links: head is MRU, tail is LRU.
	prev   *entry[K, V]
	next   *entry[K, V]
	linked bool

	// Cost of the stored value, charged to the shard while linked.
	cost int64

	weigh func(V) uint64
}

// Key returns the entry key (policy.Node).
func (e *entry[K, V]) Key() K { return e.key }

// Weight returns the eviction weight of the stored value (policy.Node).
// Only called under the shard lock on linked entries.
func (e *entry[K, V]) Weight() uint64 {
	if !e.slot.has {
		return 0
	}
	return e.weigh(e.slot.val)
}
