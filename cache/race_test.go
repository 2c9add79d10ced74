package cache

import (
	"context"
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// A mixed workload of GetCached/Get/Peek/Clear on random keys with a tight
// cost budget. Should pass under `-race` without detector reports.
func TestRace_Mixed(t *testing.T) {
	c := NewMap[string, []byte](Options[string, []byte]{
		Shards:  8,
		MaxCost: 64 << 10,
		Cost:    func(b []byte) int { return len(b) },
		Loader: func(_ context.Context, k string) ([]byte, error) {
			if len(k)%7 == 0 {
				return nil, context.DeadlineExceeded
			}
			return make([]byte, 256+len(k)), nil
		},
	})
	t.Cleanup(func() { _ = c.Close() })

	workers := 4 * runtime.GOMAXPROCS(0)
	keyspace := 5_000
	deadline := time.Now().Add(time.Second)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)*9973))
			for time.Now().Before(deadline) {
				k := "k:" + strconv.Itoa(r.Intn(keyspace))
				switch r.Intn(100) {
				case 0, 1, 2, 3, 4:
					c.Clear(k)
				case 5, 6, 7, 8, 9:
					if out, ok := c.Get(k); ok && !out.Cached() {
						ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
						_, _ = out.Wait(ctx)
						cancel()
					}
				case 10, 11, 12, 13, 14:
					c.Peek(k)
				default:
					_, _ = c.GetCached(context.Background(), k, nil)
				}
			}
		}(w)
	}
	wg.Wait()

	if c.Cost() < 0 || c.Len() < 0 {
		t.Fatalf("accounting went negative: len=%d cost=%d", c.Len(), c.Cost())
	}
}

// One hundred goroutines released together: the loader runs at most once.
func TestRace_Stampede(t *testing.T) {
	var calls atomic.Int64
	c := Empty[string](0)

	const goroutines = 100
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			<-start
			v, err := c.GetCached(context.Background(), func(context.Context) (string, error) {
				calls.Add(1)
				time.Sleep(2 * time.Millisecond)
				return "smv", nil
			})
			if err != nil || v != "smv" {
				t.Errorf("v=%q err=%v", v, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("loader should run once, got %d", got)
	}
}
