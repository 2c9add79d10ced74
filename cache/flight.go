package cache

import (
	"context"
	"fmt"

	"github.com/apex/log"
)

// Loader fetches the value for a key on a miss. It runs on its own
// goroutine with a context that is detached from the caller's cancellation.
type Loader[K comparable, V any] func(ctx context.Context, k K) (V, error)

// Flight is one in-progress load. Every subscriber observes the same
// (value, error) pair: the result is written once, before done is closed.
type Flight[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFlight[T any]() *Flight[T] { return &Flight[T]{done: make(chan struct{})} }

// Done is closed once the result is published.
func (f *Flight[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the load finishes or ctx is done. Cancelling ctx only
// stops this wait; the load itself keeps running and still fills the cache.
func (f *Flight[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// publish must be called exactly once, under the owner's lock.
// A failed load publishes the zero value alongside its error.
func (f *Flight[T]) publish(v T, err error) {
	if err != nil {
		var zero T
		v = zero
	}
	f.val, f.err = v, err
	close(f.done)
}

// Outcome is the non-blocking view of a slot returned by Get: either a
// fresh value (InFlight == nil) or a load to subscribe to.
type Outcome[T any] struct {
	Value    T
	InFlight *Flight[T]
}

// Cached reports whether the outcome carries a ready value.
func (o Outcome[T]) Cached() bool { return o.InFlight == nil }

// Wait returns the ready value or subscribes to the flight.
func (o Outcome[T]) Wait(ctx context.Context) (T, error) {
	if o.InFlight == nil {
		return o.Value, nil
	}
	return o.InFlight.Wait(ctx)
}

// launch runs fn on a fresh goroutine and hands its outcome to commit.
// The goroutine is not tied to the caller: fn gets a context without the
// caller's cancellation, and a panic or Goexit inside fn is reported to
// commit as ErrComputationLost instead of tearing the process down.
func launch[T any](ctx context.Context, lg log.Interface, fn func(context.Context) (T, error), commit func(T, error)) {
	detached := context.WithoutCancel(ctx)
	go func() {
		var (
			v   T
			err = ErrComputationLost
		)
		defer func() {
			if r := recover(); r != nil {
				lg.WithField("panic", fmt.Sprint(r)).Error("loader panicked")
				var zero T
				v, err = zero, fmt.Errorf("%w: %v", ErrComputationLost, r)
			}
			commit(v, err)
		}()
		v, err = fn(detached)
		err = asLoadError(err)
	}()
}
