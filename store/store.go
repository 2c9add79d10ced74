// Package store caches parsed simulation artifacts under composite
// (simulation, kind) keys.
//
// Every artifact depends on its simulation's root metadata: accessors load
// (or reuse) the root first and hand it to the parser for the artifact
// itself. Loads are deduplicated per key by cache.MapCache and bounded by a
// byte budget; referenced artifacts are pinned against eviction.
package store

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/fdscache/cache"
	"github.com/IvanBrykalov/fdscache/policy"
)

// Parser materializes artifacts. ParseArtifact is only ever called with a
// root that the store has already cached for the same simulation.
type Parser interface {
	ParseRoot(ctx context.Context, id SimulationID) (*Simulation, error)
	ParseArtifact(ctx context.Context, root *Simulation, kind Kind) (Artifact, error)
}

// Options configures a Store. Zero values are safe.
type Options struct {
	// MaxBytes bounds the summed Artifact.Size of cached artifacts
	// (0 = unbounded).
	MaxBytes int64

	// Shards for the underlying cache; 0 = auto. The byte budget is split
	// evenly across shards.
	Shards int

	// PrefetchConcurrency bounds parallel loads in Prefetch
	// (<= 0 => GOMAXPROCS).
	PrefetchConcurrency int

	// Refresh bounds the age of cached artifacts (0 = never stale).
	Refresh time.Duration

	// Policy orders artifacts for eviction; nil => LRU.
	Policy policy.Policy[Key]

	// Registry, when set, gets the store's cache enrolled for accounting.
	Registry *cache.Registry

	OnEvict func(k Key, a Artifact, reason cache.EvictReason)
	Metrics cache.Metrics
	Clock   cache.Clock
	Logger  log.Interface
}

// Store is the composite artifact cache.
type Store struct {
	parser   Parser
	m        *cache.MapCache[Key, Artifact]
	prefetch int
	log      log.Interface
}

// New builds a Store over parser.
func New(parser Parser, opt Options) *Store {
	if opt.Logger == nil {
		opt.Logger = log.Log
	}
	if opt.PrefetchConcurrency <= 0 {
		opt.PrefetchConcurrency = runtime.GOMAXPROCS(0)
	}
	s := &Store{
		parser:   parser,
		prefetch: opt.PrefetchConcurrency,
		log:      opt.Logger.WithField("component", "store"),
	}
	s.m = cache.NewMap[Key, Artifact](cache.Options[Key, Artifact]{
		Name:    "artifacts",
		Shards:  opt.Shards,
		MaxCost: opt.MaxBytes,
		Cost:    func(a Artifact) int { return a.Size() },
		Weigher: Weigh,
		Policy:  opt.Policy,
		Refresh: opt.Refresh,
		OnEvict: opt.OnEvict,
		Metrics: opt.Metrics,
		Clock:   opt.Clock,
		Logger:  opt.Logger,
	})
	if opt.Registry != nil {
		opt.Registry.Enroll(s.m)
	}
	return s
}

// Weigh ranks an artifact for eviction: artifacts with outstanding
// references weigh 0 and are never chosen; idle ones weigh by the order of
// magnitude of their size, so large idle artifacts go first.
func Weigh(a Artifact) uint64 {
	if a.RefCount() > 0 {
		return 0
	}
	return cache.LogWeight(a.Size())
}

// Root returns the simulation's root metadata, loading it once. Like the
// other accessors it does not Retain the result.
func (s *Store) Root(ctx context.Context, id SimulationID) (*Simulation, error) {
	a, err := s.m.GetCached(ctx, Key{Sim: id, Kind: RootKind}, s.loadRoot)
	if err != nil {
		return nil, err
	}
	return as[*Simulation](Key{Sim: id, Kind: RootKind}, a)
}

// The typed accessors below load the root first, then the artifact, and
// return the artifact without taking a reference: call Retain to pin it
// against eviction while it is in use, and Release when done.

// DeviceSeries returns the i-th device (DEVC) table.
func (s *Store) DeviceSeries(ctx context.Context, id SimulationID, i DeviceIdx) (*DeviceList, error) {
	return fetch[*DeviceList](ctx, s, id, i.Kind())
}

// CPUStats returns the i-th CPU timing table.
func (s *Store) CPUStats(ctx context.Context, id SimulationID, i CPUIdx) (*CPUData, error) {
	return fetch[*CPUData](ctx, s, id, i.Kind())
}

// HeatRelease returns the i-th heat release rate table.
func (s *Store) HeatRelease(ctx context.Context, id SimulationID, i HRRIdx) (*HRRSteps, error) {
	return fetch[*HRRSteps](ctx, s, id, i.Kind())
}

// Slice returns the i-th slice file.
func (s *Store) Slice(ctx context.Context, id SimulationID, i SliceIdx) (*Slice, error) {
	return fetch[*Slice](ctx, s, id, i.Kind())
}

// Smoke3D returns the i-th 3D smoke file.
func (s *Store) Smoke3D(ctx context.Context, id SimulationID, i Smoke3DIdx) (*Smoke3D, error) {
	return fetch[*Smoke3D](ctx, s, id, i.Kind())
}

// Plot3D returns the i-th Plot3D file.
func (s *Store) Plot3D(ctx context.Context, id SimulationID, i Plot3DIdx) (*Plot3D, error) {
	return fetch[*Plot3D](ctx, s, id, i.Kind())
}

// Artifact returns any artifact by kind, root included.
func (s *Store) Artifact(ctx context.Context, id SimulationID, kind Kind) (Artifact, error) {
	if kind.Tag == TagRoot {
		return s.Root(ctx, id)
	}
	root, err := s.Root(ctx, id)
	if err != nil {
		return nil, err
	}
	k := Key{Sim: id, Kind: kind}
	a, err := s.m.GetCached(ctx, k, func(ctx context.Context, k Key) (Artifact, error) {
		a, err := s.parser.ParseArtifact(ctx, root, k.Kind)
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, fmt.Errorf("store: parser returned no artifact for %s", k)
		}
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	if a.Tag() != kind.Tag {
		return nil, &VariantError{Key: k, Want: kind.Tag, Got: a.Tag()}
	}
	return a, nil
}

// Lookup returns a cached artifact without loading anything.
func (s *Store) Lookup(id SimulationID, kind Kind) (Artifact, bool) {
	return s.m.Peek(Key{Sim: id, Kind: kind})
}

// Prefetch loads the given kinds of one simulation concurrently, or every
// artifact the root lists when kinds is empty. It returns the first error.
func (s *Store) Prefetch(ctx context.Context, id SimulationID, kinds ...Kind) error {
	root, err := s.Root(ctx, id)
	if err != nil {
		return err
	}
	if len(kinds) == 0 {
		kinds = root.Kinds()
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.prefetch)
	for _, k := range kinds {
		g.Go(func() error {
			_, err := s.Artifact(ctx, id, k)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		s.log.WithError(err).WithField("sim", id.String()).Warn("prefetch failed")
		return err
	}
	return nil
}

// Invalidate drops the root and every artifact of one simulation and
// returns how many were cached. Loads in flight are not cancelled.
func (s *Store) Invalidate(id SimulationID) int {
	n := s.m.ClearFunc(func(k Key) bool { return k.Sim == id })
	if n > 0 {
		s.log.WithFields(log.Fields{"sim": id.String(), "artifacts": n}).Debug("invalidated")
	}
	return n
}

// Len is the number of cached artifacts.
func (s *Store) Len() int { return s.m.Len() }

// Bytes is the summed size of cached artifacts.
func (s *Store) Bytes() int64 { return s.m.Cost() }

// Stats returns the underlying cache counters.
func (s *Store) Stats() cache.Stats { return s.m.Stats() }

// Entry exposes the store to a cache.Registry.
func (s *Store) Entry() cache.Entry { return s.m }

// Close releases the store; later loads fail with cache.ErrClosed.
func (s *Store) Close() error { return s.m.Close() }

func (s *Store) loadRoot(ctx context.Context, k Key) (Artifact, error) {
	root, err := s.parser.ParseRoot(ctx, k.Sim)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("store: parser returned no root for %s", k.Sim)
	}
	return root, nil
}

func fetch[A Artifact](ctx context.Context, s *Store, id SimulationID, kind Kind) (A, error) {
	a, err := s.Artifact(ctx, id, kind)
	if err != nil {
		var zero A
		return zero, err
	}
	return as[A](Key{Sim: id, Kind: kind}, a)
}

// as narrows a cached artifact to the variant its key promises.
func as[A Artifact](k Key, a Artifact) (A, error) {
	v, ok := a.(A)
	if !ok {
		return v, &VariantError{Key: k, Want: k.Kind.Tag, Got: a.Tag()}
	}
	return v, nil
}
