package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// mapLen counts map entries (with or without a value) across shards.
func mapLen[K comparable, V any](c *MapCache[K, V]) int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

func load[K comparable, V any](t *testing.T, c *MapCache[K, V], k K, v V) {
	t.Helper()
	got, err := c.GetCached(context.Background(), k, func(context.Context, K) (V, error) { return v, nil })
	if err != nil {
		t.Fatalf("load %v: %v", k, err)
	}
	_ = got
}

// Concurrent GetCached calls for one key coalesce into one loader call.
func TestMapCache_Singleflight(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	c := NewMap[string, string](Options[string, string]{
		Loader: func(_ context.Context, k string) (string, error) {
			calls.Add(1)
			time.Sleep(5 * time.Millisecond) // simulate parsing
			return "v:" + k, nil
		},
	})
	t.Cleanup(func() { _ = c.Close() })

	const N = 64
	var g errgroup.Group
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < N; i++ {
		g.Go(func() error {
			v, err := c.GetCached(ctx, "chid.smv", nil)
			if err != nil {
				return err
			}
			if v != "v:chid.smv" {
				return fmt.Errorf("got %q", v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("loader must run exactly once, got %d", got)
	}
}

// Two keys load at the same time: neither waits for the other.
func TestMapCache_IndependentKeys(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	gate := make(chan struct{})
	c := NewMap[string, string](Options[string, string]{Shards: 1})
	loader := func(_ context.Context, k string) (string, error) {
		calls.Add(1)
		<-gate
		return k + "!", nil
	}

	var g errgroup.Group
	for _, k := range []string{"devc", "hrr"} {
		g.Go(func() error {
			v, err := c.GetCached(context.Background(), k, loader)
			if err == nil && v != k+"!" {
				err = fmt.Errorf("key %s got %q", k, v)
			}
			return err
		})
	}
	waitFor(t, "both loaders to run concurrently", func() bool { return calls.Load() == 2 })
	close(gate)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("one load per key expected, got %d", calls.Load())
	}
}

func TestMapCache_FailedKeyDoesNotLinger(t *testing.T) {
	t.Parallel()

	c := NewMap[string, int](Options[string, int]{})
	boom := errors.New("no such file")
	_, err := c.GetCached(context.Background(), "missing", func(context.Context, string) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if n := mapLen(c); n != 0 {
		t.Fatalf("failed key must be dropped from the map, %d entries remain", n)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("failed key must not be reported")
	}
}

func TestMapCache_LoaderFallbackAndErrors(t *testing.T) {
	t.Parallel()

	bare := NewMap[int, int](Options[int, int]{})
	if _, err := bare.GetCached(context.Background(), 1, nil); !errors.Is(err, ErrNoLoader) {
		t.Fatalf("want ErrNoLoader, got %v", err)
	}

	c := NewMap[int, int](Options[int, int]{
		Loader: func(_ context.Context, k int) (int, error) { return k * k, nil },
	})
	if v, err := c.GetCached(context.Background(), 9, nil); err != nil || v != 81 {
		t.Fatalf("Options.Loader fallback: v=%d err=%v", v, err)
	}
	_ = c.Close()
	if _, err := c.GetCached(context.Background(), 9, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

// Deterministic LRU eviction: single shard, entry-count limit.
func TestMapCache_CapacityEvictsLRU(t *testing.T) {
	t.Parallel()

	var evicted []string
	c := NewMap[string, int](Options[string, int]{
		Capacity: 2,
		Shards:   1,
		OnEvict:  func(k string, _ int, r EvictReason) { evicted = append(evicted, k+"/"+r.String()) },
	})

	load(t, c, "a", 1)
	load(t, c, "b", 2)
	if out, ok := c.Get("a"); !ok || !out.Cached() { // promote a
		t.Fatal("expect hit for a")
	}
	load(t, c, "c", 3)

	if _, ok := c.Peek("b"); ok {
		t.Fatal("b must be evicted")
	}
	if _, ok := c.Peek("a"); !ok {
		t.Fatal("a must survive (promoted)")
	}
	if len(evicted) != 1 || evicted[0] != "b/policy" {
		t.Fatalf("OnEvict calls: %v", evicted)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d", c.Len())
	}
}

// Over MaxCost, the heaviest idle value near the tail goes first.
func TestMapCache_CostEvictsHeaviest(t *testing.T) {
	t.Parallel()

	c := NewMap[string, *blob](Options[string, *blob]{
		Shards:  1,
		MaxCost: 100,
		Cost:    func(b *blob) int { return b.size },
	})

	load(t, c, "small", &blob{size: 10}) // weight 4
	load(t, c, "big", &blob{size: 64})   // weight 7
	load(t, c, "new", &blob{size: 30})   // weight 5, total 104

	if _, ok := c.Peek("big"); ok {
		t.Fatal("big must be evicted first")
	}
	if _, ok := c.Peek("small"); !ok {
		t.Fatal("small must survive")
	}
	if got := c.Cost(); got != 40 {
		t.Fatalf("Cost = %d, want 40", got)
	}
}

// The value just stored may be the heaviest in the tail window; the limit
// is still restored by evicting the older idle values around it.
func TestMapCache_FreshHeaviestStillEnforcesLimits(t *testing.T) {
	t.Parallel()

	byCost := NewMap[string, *blob](Options[string, *blob]{
		Shards:  1,
		MaxCost: 100,
		Cost:    func(b *blob) int { return b.size },
	})
	load(t, byCost, "small", &blob{size: 10})
	load(t, byCost, "big", &blob{size: 95})

	if got := byCost.Cost(); got > 100 {
		t.Fatalf("Cost = %d, over MaxCost 100", got)
	}
	if _, ok := byCost.Peek("small"); ok {
		t.Fatal("idle small must make room for big")
	}
	if _, ok := byCost.Peek("big"); !ok {
		t.Fatal("the value just stored must stay")
	}

	byCount := NewMap[string, *blob](Options[string, *blob]{
		Shards:   1,
		Capacity: 2,
		Cost:     func(b *blob) int { return b.size },
	})
	load(t, byCount, "a", &blob{size: 2})
	load(t, byCount, "b", &blob{size: 2})
	load(t, byCount, "heavy", &blob{size: 4096})

	if byCount.Len() != 2 {
		t.Fatalf("Len = %d, want 2", byCount.Len())
	}
	if _, ok := byCount.Peek("a"); ok {
		t.Fatal("a is the oldest idle value and must go")
	}
}

// A shard held over budget by pinned values shrinks on its next use once
// they are released.
func TestMapCache_ReleasedValuesEvictedOnNextAccess(t *testing.T) {
	t.Parallel()

	c := NewMap[string, *blob](Options[string, *blob]{
		Shards:  1,
		MaxCost: 10,
		Cost:    func(b *blob) int { return b.size },
		Weigher: func(b *blob) uint64 {
			if b.refs > 0 {
				return 0
			}
			return LogWeight(b.size)
		},
	})
	held := &blob{size: 8, refs: 1}
	other := &blob{size: 8, refs: 1}
	load(t, c, "held", held)
	load(t, c, "other", other)
	if got := c.Cost(); got != 16 {
		t.Fatalf("pinned values must stay: Cost = %d", got)
	}

	held.refs, other.refs = 0, 0
	load(t, c, "other", other) // hit

	if got := c.Cost(); got != 8 {
		t.Fatalf("Cost = %d, want 8 after release", got)
	}
	if _, ok := c.Peek("held"); ok {
		t.Fatal("released value must be evicted")
	}
}

// Costs are accounted at full width.
func TestMapCache_LargeCost(t *testing.T) {
	t.Parallel()
	if strconv.IntSize == 32 {
		t.Skip("needs 64-bit int")
	}

	size := math.MaxInt32
	size += 1 << 30
	c := NewMap[string, *blob](Options[string, *blob]{
		Cost: func(b *blob) int { return b.size },
	})
	load(t, c, "plot3d", &blob{size: size})

	if got := c.Cost(); got != int64(size) {
		t.Fatalf("Cost = %d, want %d", got, size)
	}
	if n, ok := c.Size(); !ok || n != size {
		t.Fatalf("Size = %d, %v", n, ok)
	}
}

// Weight 0 pins: nothing is evicted when every candidate is pinned.
func TestMapCache_PinnedSurvivePressure(t *testing.T) {
	t.Parallel()

	c := NewMap[string, *blob](Options[string, *blob]{
		Shards:  1,
		MaxCost: 10,
		Cost:    func(b *blob) int { return b.size },
		Weigher: func(b *blob) uint64 {
			if b.refs > 0 {
				return 0
			}
			return LogWeight(b.size)
		},
	})

	load(t, c, "held1", &blob{size: 8, refs: 1})
	load(t, c, "held2", &blob{size: 8, refs: 1})
	load(t, c, "idle", &blob{size: 2})
	load(t, c, "idle2", &blob{size: 2})

	for _, k := range []string{"held1", "held2", "idle2"} {
		if _, ok := c.Peek(k); !ok {
			t.Fatalf("%s must be resident", k)
		}
	}
	if _, ok := c.Peek("idle"); ok {
		t.Fatal("idle is the only unpinned victim and must go")
	}
}

func TestMapCache_ClearAndReload(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	c := NewMap[string, string](Options[string, string]{
		Loader: func(_ context.Context, k string) (string, error) {
			return fmt.Sprintf("%s#%d", k, calls.Add(1)), nil
		},
	})
	ctx := context.Background()

	v, _ := c.GetCached(ctx, "slice", nil)
	if got, ok := c.Clear("slice"); !ok || got != v {
		t.Fatalf("Clear = %q,%v want %q", got, ok, v)
	}
	if mapLen(c) != 0 || c.Len() != 0 {
		t.Fatal("cleared key must leave the map")
	}
	v2, _ := c.GetCached(ctx, "slice", nil)
	if v2 != "slice#2" {
		t.Fatalf("reload after Clear: %q", v2)
	}
}

func TestMapCache_ClearFunc(t *testing.T) {
	t.Parallel()

	c := NewMap[string, int](Options[string, int]{})
	for i, k := range []string{"sim1/root", "sim1/devc", "sim2/root"} {
		load(t, c, k, i)
	}
	n := c.ClearFunc(func(k string) bool { return k[:4] == "sim1" })
	if n != 2 {
		t.Fatalf("ClearFunc removed %d, want 2", n)
	}
	if _, ok := c.Peek("sim2/root"); !ok {
		t.Fatal("sim2 must be untouched")
	}

	seen := 0
	c.Range(func(string, int) bool { seen++; return true })
	if seen != 1 {
		t.Fatalf("Range saw %d values, want 1", seen)
	}
}

func TestMapCache_Refresh(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	var calls atomic.Int64
	c := NewMap[string, int64](Options[string, int64]{
		Refresh: time.Second,
		Clock:   clk,
		Loader:  func(context.Context, string) (int64, error) { return calls.Add(1), nil },
	})
	ctx := context.Background()

	v, _ := c.GetCached(ctx, "cpu", nil)
	clk.add(500 * time.Millisecond)
	v2, _ := c.GetCached(ctx, "cpu", nil)
	if v != 1 || v2 != 1 {
		t.Fatalf("within refresh window: %d %d", v, v2)
	}
	clk.add(time.Second)
	if _, ok := c.Peek("cpu"); ok {
		t.Fatal("Peek must not return a stale value")
	}
	if v3, _ := c.GetCached(ctx, "cpu", nil); v3 != 2 {
		t.Fatalf("stale value must reload, got %d", v3)
	}
	if c.Len() != 1 {
		t.Fatalf("reload must replace in place, Len = %d", c.Len())
	}
}

func TestMapCache_StatsAndEntry(t *testing.T) {
	t.Parallel()

	m := &countingMetrics{}
	c := NewMap[string, *blob](Options[string, *blob]{
		Name:    "artifacts",
		Metrics: m,
		Cost:    func(b *blob) int { return b.size },
	})
	load(t, c, "a", &blob{size: 100, refs: 1})
	load(t, c, "a", &blob{size: 100})
	load(t, c, "b", &blob{size: 50})

	st := c.Stats()
	if st.Misses != 2 || st.Hits != 1 || st.Entries != 2 || st.Cost != 150 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if m.misses.Load() != 2 || m.hits.Load() != 1 {
		t.Fatalf("metrics hooks not called: %d/%d", m.misses.Load(), m.hits.Load())
	}
	if n, ok := c.Size(); !ok || n != 150 {
		t.Fatalf("Size = %d,%v", n, ok)
	}
	if n, ok := c.RefCount(); !ok || n != 1 {
		t.Fatalf("RefCount = %d,%v", n, ok)
	}
	if _, ok := c.LastAccessed(); !ok {
		t.Fatal("LastAccessed must be known after a load")
	}
	c.Free()
	if c.Len() != 0 || c.Cost() != 0 {
		t.Fatalf("Free must purge: len=%d cost=%d", c.Len(), c.Cost())
	}
}
