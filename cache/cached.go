package cache

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
)

// Sizer is implemented by values that can report their approximate
// in-memory size in bytes.
type Sizer interface{ Size() int }

// RefCounter is implemented by values that track outstanding external
// references (see store.Artifact).
type RefCounter interface{ RefCount() int }

// Cached is a single-slot deduplicating cache for one logical value.
// Share it by pointer: every holder sees the same slot.
//
// At most one loader runs at a time. Callers arriving while it runs wait
// for its result; callers arriving later get the stored value until it is
// older than the refresh interval. Failures are delivered to the waiters
// of that load and never stored.
type Cached[T any] struct {
	mu   sync.Mutex
	slot slot[T]

	refresh time.Duration
	name    string
	clock   Clock
	metrics Metrics
	log     log.Interface
}

// Empty creates an empty Cached that is not enrolled in any Registry.
// refresh is the maximum age of a stored value; 0 disables staleness.
func Empty[T any](refresh time.Duration, opts ...CachedOption) *Cached[T] {
	cfg := cachedConfig{clock: SystemClock, metrics: NoopMetrics{}, logger: log.Log}
	for _, o := range opts {
		o(&cfg)
	}
	lg := cfg.logger
	if cfg.name != "" {
		lg = lg.WithField("cache", cfg.name)
	}
	return &Cached[T]{
		refresh: refresh,
		name:    cfg.name,
		clock:   cfg.clock,
		metrics: cfg.metrics,
		log:     lg,
	}
}

// Name returns the name given with WithName.
func (c *Cached[T]) Name() string { return c.name }

// Get never blocks. It reports false when there is neither a fresh value
// nor a load in flight. A stale value is not returned but stays in memory
// until a new load commits.
func (c *Cached[T]) Get() (Outcome[T], bool) {
	now := c.clock.NowUnixNano()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slot.freshLocked(now, c.refresh) {
		c.slot.accessed = now
		return Outcome[T]{Value: c.slot.val}, true
	}
	if f := c.slot.inflight; f != nil {
		return Outcome[T]{InFlight: f}, true
	}
	return Outcome[T]{}, false
}

// GetCached returns the fresh stored value, joins the load in flight, or
// starts a new load with loader. The loader runs on its own goroutine:
// cancelling ctx returns ctx.Err() to this caller only, and the load still
// commits for later callers.
func (c *Cached[T]) GetCached(ctx context.Context, loader func(context.Context) (T, error)) (T, error) {
	if loader == nil {
		var zero T
		return zero, ErrNoLoader
	}
	now := c.clock.NowUnixNano()

	c.mu.Lock()
	c.slot.accessed = now
	if c.slot.freshLocked(now, c.refresh) {
		v := c.slot.val
		c.mu.Unlock()
		c.metrics.Hit()
		return v, nil
	}
	f, leader := c.slot.beginLocked()
	c.mu.Unlock()

	if leader {
		c.metrics.Miss()
		launch(ctx, c.log, loader, func(v T, err error) { c.commit(f, v, err) })
	} else {
		c.metrics.Join()
	}
	return f.Wait(ctx)
}

func (c *Cached[T]) commit(f *Flight[T], v T, err error) {
	now := c.clock.NowUnixNano()
	c.mu.Lock()
	c.slot.commitLocked(f, v, err, now)
	f.publish(v, err)
	c.mu.Unlock()

	if err != nil {
		c.metrics.LoadError()
		c.log.WithError(err).Warn("load failed")
	}
}

// Clear evicts the stored value and returns it. A load in flight is not
// cancelled and will store its result when it finishes.
func (c *Cached[T]) Clear() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot.clearLocked()
}

// ---- Registry Entry ----

// Size reports the stored value's size when it implements Sizer.
func (c *Cached[T]) Size() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.slot.has {
		return 0, false
	}
	if s, ok := any(c.slot.val).(Sizer); ok {
		return s.Size(), true
	}
	return 0, false
}

// RefCount reports the stored value's external references when it
// implements RefCounter.
func (c *Cached[T]) RefCount() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.slot.has {
		return 0, false
	}
	if r, ok := any(c.slot.val).(RefCounter); ok {
		return r.RefCount(), true
	}
	return 0, false
}

// LastAccessed reports when Get or GetCached last touched the slot.
func (c *Cached[T]) LastAccessed() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slot.accessed == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, c.slot.accessed), true
}

// Free clears the stored value; it is the Registry's eviction hook.
func (c *Cached[T]) Free() { c.Clear() }

// Enroll registers c with r. Enrolling twice is a no-op.
func (c *Cached[T]) Enroll(r *Registry) *Cached[T] {
	r.Enroll(c)
	return c
}

var _ Entry = (*Cached[int])(nil)
