// Package util contains internal helpers (hashing, sharding, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"fmt"
)

// Hasher is implemented by composite keys that know how to hash themselves.
// Struct keys (e.g. a simulation plus an artifact kind) cannot be fed to
// FNV directly, so they implement Hash64 and Fnv64a defers to it.
type Hasher interface {
	Hash64() uint64
}

// Fnv64a hashes common key types using 64-bit FNV-1a.
// Supported: Hasher, string, []byte, fixed byte arrays, all int/uint widths,
// uintptr and fmt.Stringer. Unsupported key types panic; pass Options.Hash
// instead of relying on a silently poor fallback.
func Fnv64a[K comparable](k K) uint64 {
	switch v := any(k).(type) {
	case Hasher:
		return v.Hash64()
	case string:
		return fnv64aString(v)
	case []byte:
		return fnv64aBytes(fnvOffset64, v)
	case [16]byte:
		return fnv64aBytes(fnvOffset64, v[:])
	case [32]byte:
		return fnv64aBytes(fnvOffset64, v[:])

	case uint8:
		return Mix64(fnvOffset64, uint64(v))
	case uint16:
		return Mix64(fnvOffset64, uint64(v))
	case uint32:
		return Mix64(fnvOffset64, uint64(v))
	case uint64:
		return Mix64(fnvOffset64, v)
	case uint:
		return Mix64(fnvOffset64, uint64(v))
	case uintptr:
		return Mix64(fnvOffset64, uint64(v))
	case int8:
		return Mix64(fnvOffset64, uint64(uint8(v)))
	case int16:
		return Mix64(fnvOffset64, uint64(uint16(v)))
	case int32:
		return Mix64(fnvOffset64, uint64(uint32(v)))
	case int64:
		return Mix64(fnvOffset64, uint64(v))
	case int:
		return Mix64(fnvOffset64, uint64(v))

	case fmt.Stringer:
		return fnv64aString(v.String())
	default:
		panic(fmt.Sprintf("util.Fnv64a: unsupported key type %T; implement util.Hasher or set Options.Hash", k))
	}
}

// Seed is the FNV-1a offset basis, exported so composite hashers can start
// a chain with Mix64(Seed, ...).
const Seed = fnvOffset64

const (
	fnvOffset64 = 1469598103934665603
	fnvPrime64  = 1099511628211
)

// Mix64 folds the 8 little-endian bytes of u into the running FNV-1a hash h.
func Mix64(h, u uint64) uint64 {
	for i := 0; i < 8; i++ {
		h ^= uint64(byte(u))
		h *= fnvPrime64
		u >>= 8
	}
	return h
}

func fnv64aBytes(h uint64, b []byte) uint64 {
	for _, c := range b {
		h ^= uint64(c)
		h *= fnvPrime64
	}
	return h
}

// fnv64aString avoids the []byte conversion for string keys.
func fnv64aString(s string) uint64 {
	h := uint64(fnvOffset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime64
	}
	return h
}
