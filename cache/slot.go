package cache

import "time"

// slot is one cache cell. It has no lock of its own: a Cached guards its
// slot with its own mutex and a MapCache guards all slots of a shard with
// the shard mutex. The lock is only held for the state transitions below,
// never while a loader runs or a waiter blocks.
//
// States seen under the lock:
//   - empty:     !has && inflight == nil
//   - in flight: inflight != nil (a stale value may still be held)
//   - has value: has && inflight == nil
//
// inflight is cleared by the commit that publishes the flight's result, so
// a slot never points at a finished load.
type slot[T any] struct {
	val      T
	has      bool
	storedAt int64 // UnixNano of the commit that stored val
	accessed int64 // UnixNano of the last Get/GetCached; 0 = never

	inflight *Flight[T]
}

// freshLocked reports whether val may be returned without loading.
func (s *slot[T]) freshLocked(now int64, refresh time.Duration) bool {
	if !s.has {
		return false
	}
	return refresh <= 0 || now-s.storedAt < int64(refresh)
}

// beginLocked joins the running load or installs a new one. leader is true
// when the caller installed the flight and must launch the loader.
func (s *slot[T]) beginLocked() (f *Flight[T], leader bool) {
	if s.inflight != nil {
		return s.inflight, false
	}
	s.inflight = newFlight[T]()
	return s.inflight, true
}

// commitLocked clears the in-flight marker and stores v only on success.
// Reports whether v was stored. The owner publishes f before releasing the
// lock, after its own bookkeeping, so the commit stays a single point.
func (s *slot[T]) commitLocked(f *Flight[T], v T, err error, now int64) bool {
	if s.inflight == f {
		s.inflight = nil
	}
	if err != nil {
		return false
	}
	s.val, s.has, s.storedAt = v, true, now
	return true
}

// clearLocked drops the stored value, leaving any running load alone.
func (s *slot[T]) clearLocked() (T, bool) {
	var zero T
	if !s.has {
		return zero, false
	}
	v := s.val
	s.val, s.has, s.storedAt = zero, false, 0
	return v, true
}
