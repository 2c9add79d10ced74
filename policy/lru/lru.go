// Package lru implements the default MapCache policy: recency ordering with
// weight-aware victim selection near the LRU end.
package lru

import "github.com/IvanBrykalov/fdscache/policy"

type lru[K comparable] struct {
	h      policy.Hooks[K]
	window int
}

type lruPolicy[K comparable] struct{ window int }

// New returns a Policy factory. Victims are the heaviest of the
// policy.DefaultWindow least recently used unpinned entries.
func New[K comparable]() policy.Policy[K] { return lruPolicy[K]{window: policy.DefaultWindow} }

// NewWindow is New with an explicit candidate window; 1 gives strict LRU
// (pinned entries are still skipped).
func NewWindow[K comparable](window int) policy.Policy[K] {
	if window < 1 {
		window = 1
	}
	return lruPolicy[K]{window: window}
}

func (p lruPolicy[K]) New(h policy.Hooks[K]) policy.ShardPolicy[K] {
	return &lru[K]{h: h, window: p.window}
}

// OnAdd places the new entry at MRU and never proposes an eviction itself.
func (p *lru[K]) OnAdd(n policy.Node[K]) (evict policy.Node[K]) {
	p.h.PushFront(n)
	return nil
}

func (p *lru[K]) OnGet(n policy.Node[K])    { p.h.MoveToFront(n) }
func (p *lru[K]) OnUpdate(n policy.Node[K]) { p.h.MoveToFront(n) }
func (p *lru[K]) OnRemove(policy.Node[K])   {}

// Victim returns the heaviest unpinned entry among the tail window,
// skipping exclude.
func (p *lru[K]) Victim(exclude policy.Node[K]) policy.Node[K] {
	back := p.h.Back()
	if back == nil {
		return nil
	}
	return policy.Heaviest(p.h, back, p.window, exclude)
}
