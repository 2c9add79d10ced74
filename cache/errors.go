package cache

import (
	"errors"
)

var (
	// ErrNoLoader is returned when neither the call nor Options supply a loader.
	ErrNoLoader = errors.New("cache: no loader provided")

	// ErrComputationLost is delivered to every waiter of a load whose
	// goroutine panicked or exited before publishing a result.
	ErrComputationLost = errors.New("cache: computation lost before a result was published")

	// ErrClosed is returned by GetCached after Close.
	ErrClosed = errors.New("cache: closed")
)

// LoadError is a loader failure as observed by every waiter of one load.
// The message is rendered once at the cache boundary; the original error is
// still reachable through errors.Is/As.
type LoadError struct {
	msg string
	err error
}

func (e *LoadError) Error() string { return e.msg }
func (e *LoadError) Unwrap() error { return e.err }

// asLoadError wraps err unless it already carries cache semantics (nested
// caches, lost computations).
func asLoadError(err error) error {
	if err == nil {
		return nil
	}
	var le *LoadError
	if errors.As(err, &le) || errors.Is(err, ErrComputationLost) {
		return err
	}
	return &LoadError{msg: "cache: load failed: " + err.Error(), err: err}
}
