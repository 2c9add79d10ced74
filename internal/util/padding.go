package util

import (
	"sync/atomic"
	"unsafe"
)

// CacheLineSize is the assumed CPU cache line width. runtime keeps the
// real value unexported; 64 holds for amd64 and most arm64 parts.
const CacheLineSize = 64

// CacheLinePad separates groups of hot fields so that writers on
// different cores do not bounce the same line.
type CacheLinePad struct{ _ [CacheLineSize]byte }

// PaddedAtomicInt64 is an atomic.Int64 occupying a full cache line.
// Shards use it for hit/miss/join counters bumped outside the shard lock.
type PaddedAtomicInt64 struct {
	atomic.Int64
	_ [CacheLineSize - 8]byte
}

// PaddedAtomicUint64 is the unsigned counterpart, used for eviction counts.
type PaddedAtomicUint64 struct {
	atomic.Uint64
	_ [CacheLineSize - 8]byte
}

// compile-time size checks
var (
	_ [CacheLineSize - int(unsafe.Sizeof(PaddedAtomicInt64{}))]byte
	_ [CacheLineSize - int(unsafe.Sizeof(PaddedAtomicUint64{}))]byte
)
