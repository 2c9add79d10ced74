package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// Every caller that arrives before the load commits shares the one result.
func TestCached_Singleflight(t *testing.T) {
	t.Parallel()

	m := &countingMetrics{}
	c := Empty[string](0, WithMetrics(m))

	var calls atomic.Int64
	gate := make(chan struct{})
	loader := func(context.Context) (string, error) {
		calls.Add(1)
		<-gate
		return "root", nil
	}

	const N = 64
	var g errgroup.Group
	results := make([]string, N)
	for i := 0; i < N; i++ {
		g.Go(func() error {
			v, err := c.GetCached(context.Background(), loader)
			results[i] = v
			return err
		})
	}
	waitFor(t, "all callers to subscribe", func() bool { return m.misses.Load()+m.joins.Load() == N })
	close(gate)

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("loader must run exactly once, got %d", got)
	}
	for i, v := range results {
		if v != "root" {
			t.Fatalf("caller %d got %q", i, v)
		}
	}
	if m.misses.Load() != 1 || m.joins.Load() != N-1 {
		t.Fatalf("want 1 miss and %d joins, got %d/%d", N-1, m.misses.Load(), m.joins.Load())
	}
}

var errParse = errors.New("parse devc: truncated header")

// A failure is returned once and never stored; the next call loads again.
func TestCached_NoNegativeCaching(t *testing.T) {
	t.Parallel()

	c := Empty[string](0)
	var calls atomic.Int64
	loader := func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", errParse
		}
		return "ok", nil
	}

	_, err := c.GetCached(context.Background(), loader)
	if !errors.Is(err, errParse) {
		t.Fatalf("want errParse, got %v", err)
	}
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("loader errors must surface as *LoadError, got %T", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	if _, ok := c.Get(); ok {
		t.Fatal("a failed load must leave the slot empty")
	}

	v, err := c.GetCached(context.Background(), loader)
	if err != nil || v != "ok" {
		t.Fatalf("second call: v=%q err=%v", v, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}

	v, err = c.GetCached(context.Background(), loader)
	if err != nil || v != "ok" {
		t.Fatalf("third call: v=%q err=%v", v, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("third call must hit the cache, calls = %d", calls.Load())
	}
}

func TestCached_Freshness(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := Empty[string](10*time.Millisecond, WithClock(clk))

	var calls atomic.Int64
	loader := func(context.Context) (string, error) {
		return []string{"a", "b", "c"}[calls.Add(1)-1], nil
	}
	get := func() string {
		t.Helper()
		v, err := c.GetCached(context.Background(), loader)
		if err != nil {
			t.Fatal(err)
		}
		return v
	}

	if v := get(); v != "a" || calls.Load() != 1 {
		t.Fatalf("t=0: v=%q calls=%d", v, calls.Load())
	}

	clk.add(5 * time.Millisecond)
	if v := get(); v != "a" || calls.Load() != 1 {
		t.Fatalf("t=5ms: v=%q calls=%d", v, calls.Load())
	}

	clk.add(15 * time.Millisecond)
	if _, ok := c.Get(); ok {
		t.Fatal("Get must not report a stale value")
	}
	if v := get(); v != "b" || calls.Load() != 2 {
		t.Fatalf("t=20ms: v=%q calls=%d", v, calls.Load())
	}
}

// Abandoning the wait does not abandon the load.
func TestCached_FireAndForget(t *testing.T) {
	t.Parallel()

	c := Empty[string](0)
	var calls atomic.Int64
	gate := make(chan struct{})
	var loaderCtxErr atomic.Value

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetCached(ctx, func(lctx context.Context) (string, error) {
		calls.Add(1)
		<-gate
		loaderCtxErr.Store(fmt.Sprint(lctx.Err()))
		return "hrr", nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("abandoned caller must see context.Canceled, got %v", err)
	}

	close(gate)
	waitFor(t, "background load to commit", func() bool {
		out, ok := c.Get()
		return ok && out.Cached()
	})

	v, err := c.GetCached(context.Background(), func(context.Context) (string, error) {
		t.Error("loader must not run again")
		return "", nil
	})
	if err != nil || v != "hrr" {
		t.Fatalf("v=%q err=%v", v, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	if got := loaderCtxErr.Load(); got != "<nil>" {
		t.Fatalf("loader context must be detached from the caller, got err %v", got)
	}
}

func TestCached_PanicIsComputationLost(t *testing.T) {
	t.Parallel()

	c := Empty[int](0)
	_, err := c.GetCached(context.Background(), func(context.Context) (int, error) {
		panic("corrupt slice header")
	})
	if !errors.Is(err, ErrComputationLost) {
		t.Fatalf("want ErrComputationLost, got %v", err)
	}
	if _, ok := c.Get(); ok {
		t.Fatal("nothing may be stored after a lost computation")
	}

	v, err := c.GetCached(context.Background(), func(context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("next caller must start a fresh load: v=%d err=%v", v, err)
	}
}

func TestCached_GetOutcomes(t *testing.T) {
	t.Parallel()

	c := Empty[string](0)
	if _, ok := c.Get(); ok {
		t.Fatal("empty cache must report nothing")
	}

	gate := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = c.GetCached(context.Background(), func(context.Context) (string, error) {
			<-gate
			return "slice", nil
		})
	}()

	var out Outcome[string]
	waitFor(t, "load to start", func() bool {
		var ok bool
		out, ok = c.Get()
		return ok
	})
	if out.Cached() {
		t.Fatal("outcome must be in flight while the loader is blocked")
	}
	close(gate)
	if v, err := out.Wait(context.Background()); err != nil || v != "slice" {
		t.Fatalf("subscriber got v=%q err=%v", v, err)
	}
	wg.Wait()

	out, ok := c.Get()
	if !ok || !out.Cached() || out.Value != "slice" {
		t.Fatalf("want cached slice, got %+v ok=%v", out, ok)
	}
}

func TestCached_ClearLeavesInflightAlone(t *testing.T) {
	t.Parallel()

	c := Empty[string](0)
	if _, err := c.GetCached(context.Background(), func(context.Context) (string, error) { return "v1", nil }); err != nil {
		t.Fatal(err)
	}
	if v, ok := c.Clear(); !ok || v != "v1" {
		t.Fatalf("Clear must return the stored value, got %q ok=%v", v, ok)
	}
	if _, ok := c.Clear(); ok {
		t.Fatal("second Clear must find nothing")
	}

	gate := make(chan struct{})
	done := make(chan string)
	go func() {
		v, _ := c.GetCached(context.Background(), func(context.Context) (string, error) {
			<-gate
			return "v2", nil
		})
		done <- v
	}()
	waitFor(t, "load to start", func() bool { _, ok := c.Get(); return ok })
	c.Clear()
	close(gate)
	if v := <-done; v != "v2" {
		t.Fatalf("in-flight load must survive Clear, got %q", v)
	}
	if out, ok := c.Get(); !ok || out.Value != "v2" {
		t.Fatal("in-flight result must be stored after Clear")
	}
}

func TestCached_NilLoader(t *testing.T) {
	t.Parallel()

	if _, err := Empty[int](0).GetCached(context.Background(), nil); !errors.Is(err, ErrNoLoader) {
		t.Fatalf("want ErrNoLoader, got %v", err)
	}
}

func TestCached_EntryProbes(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := Empty[*blob](0, WithClock(clk), WithName("devc"))
	if _, ok := c.Size(); ok {
		t.Fatal("empty slot has unknown size")
	}
	if _, ok := c.LastAccessed(); ok {
		t.Fatal("untouched slot has no access time")
	}

	b := &blob{size: 4096, refs: 2}
	if _, err := c.GetCached(context.Background(), func(context.Context) (*blob, error) { return b, nil }); err != nil {
		t.Fatal(err)
	}
	if n, ok := c.Size(); !ok || n != 4096 {
		t.Fatalf("Size = %d,%v", n, ok)
	}
	if n, ok := c.RefCount(); !ok || n != 2 {
		t.Fatalf("RefCount = %d,%v", n, ok)
	}
	if at, ok := c.LastAccessed(); !ok || at.UnixNano() != clk.NowUnixNano() {
		t.Fatalf("LastAccessed = %v,%v", at, ok)
	}
	c.Free()
	if _, ok := c.Size(); ok {
		t.Fatal("Free must clear the value")
	}
}
