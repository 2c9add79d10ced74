package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
)

// Entry is the type-erased capability the Registry needs from a cache.
// Probes report false when the answer is unknown (empty slot, value without
// Sizer/RefCounter). Implementations must be pointer types: the Registry
// keys entries by identity.
type Entry interface {
	Size() (int, bool)
	RefCount() (int, bool)
	LastAccessed() (time.Time, bool)
	Free()
}

// EntryStats is one row of a Registry snapshot.
type EntryStats struct {
	Entry Entry
	Name  string

	Size      int
	SizeKnown bool

	RefCount      int
	RefCountKnown bool

	LastAccessed      time.Time
	LastAccessedKnown bool
}

// Pinned reports whether the entry has outstanding external references.
func (s EntryStats) Pinned() bool { return s.RefCountKnown && s.RefCount > 0 }

// Registry tracks caches of any value type for memory accounting and
// cross-cache eviction. It is an ordinary value: construct one per scope
// (process, test) and pass it to whatever enrolls caches.
type Registry struct {
	mu      sync.Mutex
	entries map[Entry]struct{}
	log     log.Interface
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger replaces the apex/log default logger.
func WithRegistryLogger(l log.Interface) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{entries: make(map[Entry]struct{}), log: log.Log}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Enroll adds e; it reports false if e was already enrolled.
func (r *Registry) Enroll(e Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e]; ok {
		return false
	}
	r.entries[e] = struct{}{}
	return true
}

// Remove drops e from the registry without freeing it.
func (r *Registry) Remove(e Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e]; !ok {
		return false
	}
	delete(r.entries, e)
	return true
}

// Len returns the number of enrolled entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot probes every entry and returns the rows ordered by last access,
// oldest first (never-accessed entries lead). Probing happens outside the
// registry lock because each probe takes the entry's own lock.
func (r *Registry) Snapshot() []EntryStats {
	r.mu.Lock()
	list := make([]Entry, 0, len(r.entries))
	for e := range r.entries {
		list = append(list, e)
	}
	r.mu.Unlock()

	out := make([]EntryStats, 0, len(list))
	for _, e := range list {
		st := EntryStats{Entry: e}
		if n, ok := e.(interface{ Name() string }); ok {
			st.Name = n.Name()
		}
		st.Size, st.SizeKnown = e.Size()
		st.RefCount, st.RefCountKnown = e.RefCount()
		st.LastAccessed, st.LastAccessedKnown = e.LastAccessed()
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.LastAccessedKnown != b.LastAccessedKnown {
			return !a.LastAccessedKnown
		}
		return a.LastAccessed.Before(b.LastAccessed)
	})
	return out
}

// TotalSize sums the known sizes of all entries.
func (r *Registry) TotalSize() int {
	total := 0
	for _, st := range r.Snapshot() {
		if st.SizeKnown {
			total += st.Size
		}
	}
	return total
}

// EvictOldest frees entries in least-recently-accessed order until the
// accounted size is at or below target. Entries of unknown size free
// nothing measurable and are skipped, as are pinned entries. Returns the
// number of entries freed.
func (r *Registry) EvictOldest(target int) int {
	rows := r.Snapshot()
	total := 0
	for _, st := range rows {
		if st.SizeKnown {
			total += st.Size
		}
	}
	before := total

	freed := 0
	for _, st := range rows {
		if total <= target {
			break
		}
		if !st.SizeKnown || st.Size == 0 || st.Pinned() {
			continue
		}
		st.Entry.Free()
		total -= st.Size
		freed++
	}

	if freed > 0 {
		r.log.WithFields(log.Fields{
			"freed":  freed,
			"before": humanize.Bytes(uint64(before)),
			"after":  humanize.Bytes(uint64(max(total, 0))),
			"target": humanize.Bytes(uint64(max(target, 0))),
		}).Debug("registry sweep")
	}
	return freed
}
