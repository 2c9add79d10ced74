// Package twoq implements a 2Q admission policy for MapCache shards.
package twoq

import (
	"container/list"

	"github.com/IvanBrykalov/fdscache/policy"
)

// twoQ keeps first-time entries in a probation queue (A1in) and promotes
// them to the main queue (Am) on their second use. Keys recently dropped
// from A1in are remembered as ghosts (A1out) and skip probation when they
// come back. Victims are taken from A1in before Am, so a scan over many
// artifacts that are each read once does not flush the working set.
//
// Concurrency: all methods are called under the shard lock.
type twoQ[K comparable] struct {
	h policy.Hooks[K]

	capIn    int
	capGhost int

	inList *list.List // MRU at Front
	inIdx  map[policy.Node[K]]*list.Element

	ghostList *list.List // keys only, MRU at Front
	ghostIdx  map[K]*list.Element
}

// New constructs a 2Q policy factory. Sizes are per shard: capIn ≈ 25% and
// capGhost ≈ 50% of the shard's entry capacity are reasonable defaults.
func New[K comparable](capIn, capGhost int) policy.Policy[K] {
	if capIn < 1 {
		capIn = 1
	}
	if capGhost < 1 {
		capGhost = 1
	}
	return twoQPolicy[K]{capIn: capIn, capGhost: capGhost}
}

type twoQPolicy[K comparable] struct {
	capIn    int
	capGhost int
}

func (p twoQPolicy[K]) New(h policy.Hooks[K]) policy.ShardPolicy[K] {
	return &twoQ[K]{
		h:         h,
		capIn:     p.capIn,
		capGhost:  p.capGhost,
		inList:    list.New(),
		inIdx:     make(map[policy.Node[K]]*list.Element),
		ghostList: list.New(),
		ghostIdx:  make(map[K]*list.Element),
	}
}

// OnAdd admits ghosts straight into Am; everything else enters A1in. When
// A1in overflows, its oldest unpinned node is proposed for eviction.
func (q *twoQ[K]) OnAdd(n policy.Node[K]) (evict policy.Node[K]) {
	k := n.Key()
	q.h.PushFront(n)
	if ge, ok := q.ghostIdx[k]; ok {
		q.ghostList.Remove(ge)
		delete(q.ghostIdx, k)
		return nil
	}

	q.inIdx[n] = q.inList.PushFront(n)
	if q.inList.Len() > q.capIn {
		return q.probationVictim(n)
	}
	return nil
}

// OnGet promotes A1in nodes to Am.
func (q *twoQ[K]) OnGet(n policy.Node[K]) {
	if el, ok := q.inIdx[n]; ok {
		q.inList.Remove(el)
		delete(q.inIdx, n)
	}
	q.h.MoveToFront(n)
}

// OnUpdate only refreshes recency: a reload of the same key is not a
// second independent use, so it does not promote out of probation.
func (q *twoQ[K]) OnUpdate(n policy.Node[K]) { q.h.MoveToFront(n) }

// OnRemove turns A1in departures into ghosts, bounded by capGhost.
func (q *twoQ[K]) OnRemove(n policy.Node[K]) {
	el, ok := q.inIdx[n]
	if !ok {
		return
	}
	q.inList.Remove(el)
	delete(q.inIdx, n)

	k := n.Key()
	if old := q.ghostIdx[k]; old != nil {
		q.ghostList.Remove(old)
	}
	q.ghostIdx[k] = q.ghostList.PushFront(k)
	for q.ghostList.Len() > q.capGhost {
		tail := q.ghostList.Back()
		delete(q.ghostIdx, tail.Value.(K))
		q.ghostList.Remove(tail)
	}
}

// Victim prefers the oldest unpinned probation node, then falls back to
// the shard list tail.
func (q *twoQ[K]) Victim(exclude policy.Node[K]) policy.Node[K] {
	if v := q.probationVictim(exclude); v != nil {
		return v
	}
	back := q.h.Back()
	if back == nil {
		return nil
	}
	return policy.Heaviest(q.h, back, 1, exclude)
}

// probationVictim is the oldest unpinned A1in node other than exclude.
func (q *twoQ[K]) probationVictim(exclude policy.Node[K]) policy.Node[K] {
	for el := q.inList.Back(); el != nil; el = el.Prev() {
		n := el.Value.(policy.Node[K])
		if n != exclude && n.Weight() > 0 {
			return n
		}
	}
	return nil
}
