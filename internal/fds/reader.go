// Package fds reads Fire Dynamics Simulator output directories into store
// artifacts. It is deliberately thin: it locates files, undoes compression
// and splits CSV columns or Fortran records, leaving interpretation of the
// numbers to callers.
package fds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"

	"github.com/IvanBrykalov/fdscache/store"
)

// DefaultMaxRecord bounds a single Fortran record.
const DefaultMaxRecord = 1 << 30

// Reader implements store.Parser over a filesystem.
type Reader struct {
	open      func(dir string) fs.FS
	log       log.Interface
	maxRecord int
}

// Option configures a Reader.
type Option func(*Reader)

// WithFS replaces the filesystem collaborator; open maps a simulation
// directory to the fs.FS rooted there.
func WithFS(open func(dir string) fs.FS) Option { return func(r *Reader) { r.open = open } }

// WithLogger sets the logger used for discovery and parse diagnostics.
func WithLogger(l log.Interface) Option { return func(r *Reader) { r.log = l } }

// WithMaxRecord bounds the size of one binary record.
func WithMaxRecord(n int) Option { return func(r *Reader) { r.maxRecord = n } }

// NewReader returns a Reader over the local filesystem.
func NewReader(opts ...Option) *Reader {
	r := &Reader{
		open:      os.DirFS,
		log:       log.Log,
		maxRecord: DefaultMaxRecord,
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.WithField("component", "fds")
	return r
}

// suffixes maps an artifact file suffix (after the CHID) to its tag.
var suffixes = []struct {
	suffix string
	tag    store.KindTag
}{
	{"_devc.csv", store.TagDeviceSeries},
	{"_cpu.csv", store.TagCPUStats},
	{"_hrr.csv", store.TagHeatRelease},
	{".sf", store.TagSlice},
	{".s3d", store.TagSmoke3D},
	{".q", store.TagPlot3D},
}

// classify reports the tag of an output file of the given CHID.
func classify(chid, name string) (store.KindTag, bool) {
	base := stripCompression(name)
	if !strings.HasPrefix(base, chid) {
		return 0, false
	}
	rest := base[len(chid):]
	for _, s := range suffixes {
		if strings.HasSuffix(rest, s.suffix) && (rest == s.suffix || rest[0] == '_') {
			return s.tag, true
		}
	}
	return 0, false
}

// ParseRoot checks that the .smv file exists and indexes the artifact
// files next to it. Indices follow lexical file order within each tag.
func (r *Reader) ParseRoot(ctx context.Context, id store.SimulationID) (*store.Simulation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	smv := filepath.Base(id.Path())
	chid := strings.TrimSuffix(smv, ".smv")
	if chid == smv || chid == "" {
		return nil, fmt.Errorf("fds: %s is not an .smv file", id)
	}
	fsys := r.open(id.Dir())
	if _, err := fs.Stat(fsys, smv); err != nil {
		return nil, fmt.Errorf("fds: %w", err)
	}
	ents, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("fds: list %s: %w", id.Dir(), err)
	}

	sim := &store.Simulation{
		ID:    id,
		CHID:  chid,
		Dir:   id.Dir(),
		Files: make(map[store.KindTag][]store.FileRef),
	}
	var total int64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		tag, ok := classify(chid, e.Name())
		if !ok {
			continue
		}
		var size int64
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		total += size
		sim.Files[tag] = append(sim.Files[tag], store.FileRef{Name: e.Name(), Size: size})
	}
	r.log.WithFields(log.Fields{
		"chid":      chid,
		"artifacts": len(sim.Kinds()),
		"on_disk":   humanize.Bytes(uint64(total)),
	}).Debug("indexed simulation")
	return sim, nil
}

// ParseArtifact reads one artifact listed by root.
func (r *Reader) ParseArtifact(ctx context.Context, root *store.Simulation, kind store.Kind) (store.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref, ok := root.File(kind)
	if !ok {
		return nil, fmt.Errorf("fds: %s has no %s: %w", root.CHID, kind, store.ErrUnknownArtifact)
	}
	rc, err := r.openFile(root.Dir, ref.Name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	switch kind.Tag {
	case store.TagDeviceSeries, store.TagCPUStats, store.TagHeatRelease:
		tbl, err := ReadTable(rc)
		if err != nil {
			return nil, fmt.Errorf("fds: %s: %w", ref.Name, err)
		}
		switch kind.Tag {
		case store.TagDeviceSeries:
			return &store.DeviceList{Table: tbl}, nil
		case store.TagCPUStats:
			return &store.CPUData{Table: tbl}, nil
		default:
			return &store.HRRSteps{Table: tbl}, nil
		}
	default:
		recs, err := ReadRecords(rc, r.maxRecord)
		if err != nil {
			return nil, fmt.Errorf("fds: %s: %w", ref.Name, err)
		}
		switch kind.Tag {
		case store.TagSlice:
			return &store.Slice{Records: recs}, nil
		case store.TagSmoke3D:
			return &store.Smoke3D{Records: recs}, nil
		default:
			return &store.Plot3D{Records: recs}, nil
		}
	}
}

// Find lists the simulations (.smv files) below dir.
func (r *Reader) Find(dir string) ([]store.SimulationID, error) {
	fsys := r.open(dir)
	var out []store.SimulationID
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".smv" {
			return nil
		}
		id, err := store.NewSimulationID(filepath.Join(dir, filepath.FromSlash(p)))
		if err != nil {
			return err
		}
		out = append(out, id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fds: find in %s: %w", dir, err)
	}
	return out, nil
}

func (r *Reader) openFile(dir, name string) (io.ReadCloser, error) {
	f, err := r.open(dir).Open(name)
	if err != nil {
		return nil, fmt.Errorf("fds: %w", err)
	}
	rc, err := decompress(name, f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("fds: %s: %w", name, err)
	}
	return &chainCloser{ReadCloser: rc, under: f}, nil
}

// chainCloser closes the decompressor and then the file beneath it.
type chainCloser struct {
	io.ReadCloser
	under io.Closer
}

func (c *chainCloser) Close() error {
	return errors.Join(c.ReadCloser.Close(), c.under.Close())
}

var _ store.Parser = (*Reader)(nil)
