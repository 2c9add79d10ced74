package store

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/IvanBrykalov/fdscache/internal/util"
)

// SimulationID identifies one simulation by the canonical absolute path of
// its .smv file. Two IDs built from paths that resolve to the same file
// compare equal and hash identically, so they share cache entries.
type SimulationID struct {
	path string
	sum  [32]byte
}

// NewSimulationID canonicalizes path (absolute, cleaned, symlinks resolved
// when the file exists) and fingerprints it.
func NewSimulationID(path string) (SimulationID, error) {
	if path == "" {
		return SimulationID{}, errors.New("store: empty simulation path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return SimulationID{}, fmt.Errorf("store: resolve %q: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	} else if !errors.Is(err, fs.ErrNotExist) {
		return SimulationID{}, fmt.Errorf("store: resolve %q: %w", path, err)
	}
	abs = filepath.Clean(abs)
	return SimulationID{path: abs, sum: blake3.Sum256([]byte(abs))}, nil
}

// MustSimulationID is NewSimulationID that panics on error; for tests and
// examples.
func MustSimulationID(path string) SimulationID {
	id, err := NewSimulationID(path)
	if err != nil {
		panic(err)
	}
	return id
}

// Path is the canonical path of the .smv file.
func (id SimulationID) Path() string { return id.path }

// Dir is the directory holding the simulation's output files.
func (id SimulationID) Dir() string { return filepath.Dir(id.path) }

// IsZero reports whether id was never initialized.
func (id SimulationID) IsZero() bool { return id.path == "" }

// Fingerprint returns a short hex digest of the canonical path.
func (id SimulationID) Fingerprint() string { return hex.EncodeToString(id.sum[:8]) }

func (id SimulationID) String() string { return id.path }

// Hash64 implements util.Hasher.
func (id SimulationID) Hash64() uint64 { return binary.LittleEndian.Uint64(id.sum[:8]) }

// KindTag names an artifact variant.
type KindTag uint8

const (
	TagRoot KindTag = iota
	TagDeviceSeries
	TagCPUStats
	TagHeatRelease
	TagSlice
	TagSmoke3D
	TagPlot3D
)

// Tags lists every non-root tag in a stable order.
var Tags = []KindTag{TagDeviceSeries, TagCPUStats, TagHeatRelease, TagSlice, TagSmoke3D, TagPlot3D}

func (t KindTag) String() string {
	switch t {
	case TagRoot:
		return "root"
	case TagDeviceSeries:
		return "devc"
	case TagCPUStats:
		return "cpu"
	case TagHeatRelease:
		return "hrr"
	case TagSlice:
		return "slice"
	case TagSmoke3D:
		return "smoke3d"
	case TagPlot3D:
		return "plot3d"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Kind is one artifact of a simulation: a tag plus a dense index among the
// simulation's files of that tag. Indices are process-local handles handed
// out by the root; they are not stable across runs.
type Kind struct {
	Tag   KindTag
	Index int
}

// RootKind is the simulation's root metadata.
var RootKind = Kind{Tag: TagRoot}

func (k Kind) String() string {
	if k.Tag == TagRoot {
		return "root"
	}
	return fmt.Sprintf("%s[%d]", k.Tag, k.Index)
}

type (
	DeviceIdx  int
	CPUIdx     int
	HRRIdx     int
	SliceIdx   int
	Smoke3DIdx int
	Plot3DIdx  int
)

func (i DeviceIdx) Kind() Kind  { return Kind{TagDeviceSeries, int(i)} }
func (i CPUIdx) Kind() Kind     { return Kind{TagCPUStats, int(i)} }
func (i HRRIdx) Kind() Kind     { return Kind{TagHeatRelease, int(i)} }
func (i SliceIdx) Kind() Kind   { return Kind{TagSlice, int(i)} }
func (i Smoke3DIdx) Kind() Kind { return Kind{TagSmoke3D, int(i)} }
func (i Plot3DIdx) Kind() Kind  { return Kind{TagPlot3D, int(i)} }

// Key addresses one cached artifact.
type Key struct {
	Sim  SimulationID
	Kind Kind
}

// Hash64 implements util.Hasher so keys spread across cache shards.
func (k Key) Hash64() uint64 {
	return util.Mix64(k.Sim.Hash64(), uint64(k.Kind.Tag)<<56|uint64(uint32(k.Kind.Index)))
}

func (k Key) String() string { return k.Sim.path + "#" + k.Kind.String() }
