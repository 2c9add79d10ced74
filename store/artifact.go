package store

import "sync/atomic"

// Artifact is a parsed, cached simulation output. Every variant reports its
// approximate in-memory size and how many holders currently reference it.
// A referenced artifact is never evicted by capacity pressure.
type Artifact interface {
	Tag() KindTag
	Size() int
	RefCount() int
	Retain()
	Release()
}

// refs is the external reference count embedded by every artifact.
type refs struct{ n atomic.Int32 }

// Retain pins the artifact in the store until the matching Release.
func (r *refs) Retain() { r.n.Add(1) }

// Release drops a reference taken by Retain.
func (r *refs) Release() {
	if r.n.Add(-1) < 0 {
		panic("store: Release without matching Retain")
	}
}

func (r *refs) RefCount() int { return int(r.n.Load()) }

// header is a rough per-object overhead used in size estimates.
const header = 64

// FileRef names one artifact file relative to the simulation directory.
type FileRef struct {
	Name string
	Size int64
}

// Simulation is the root artifact: where the simulation lives and which
// artifact files it produced. The position of a file in Files[tag] is its
// dense Kind index.
type Simulation struct {
	refs
	ID    SimulationID
	CHID  string
	Dir   string
	Files map[KindTag][]FileRef
}

func (*Simulation) Tag() KindTag { return TagRoot }

func (s *Simulation) Size() int {
	n := header + len(s.CHID) + len(s.Dir)
	for _, fs := range s.Files {
		for _, f := range fs {
			n += header + len(f.Name)
		}
	}
	return n
}

// File resolves k to the file that holds it.
func (s *Simulation) File(k Kind) (FileRef, bool) {
	fs := s.Files[k.Tag]
	if k.Tag == TagRoot || k.Index < 0 || k.Index >= len(fs) {
		return FileRef{}, false
	}
	return fs[k.Index], true
}

// Count returns how many artifacts of tag the simulation has.
func (s *Simulation) Count(tag KindTag) int { return len(s.Files[tag]) }

// Kinds lists every non-root artifact, tag by tag in index order.
func (s *Simulation) Kinds() []Kind {
	var out []Kind
	for _, tag := range Tags {
		for i := range s.Files[tag] {
			out = append(out, Kind{Tag: tag, Index: i})
		}
	}
	return out
}

// Table is a column-oriented CSV artifact: names and units from the two
// header rows and one float column per name.
type Table struct {
	Names   []string
	Units   []string
	Columns [][]float64
}

// Column returns the values of the named column.
func (t *Table) Column(name string) ([]float64, bool) {
	for j, n := range t.Names {
		if n == name {
			return t.Columns[j], true
		}
	}
	return nil, false
}

// Rows is the number of data rows.
func (t *Table) Rows() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return len(t.Columns[0])
}

func (t *Table) size() int {
	n := header
	for i := range t.Names {
		n += len(t.Names[i]) + 8*len(t.Columns[i])
	}
	for _, u := range t.Units {
		n += len(u)
	}
	return n
}

// DeviceList holds the device (DEVC) time series.
type DeviceList struct {
	refs
	Table
}

func (*DeviceList) Tag() KindTag { return TagDeviceSeries }
func (d *DeviceList) Size() int  { return d.size() }

// CPUData holds per-rank timing statistics.
type CPUData struct {
	refs
	Table
}

func (*CPUData) Tag() KindTag { return TagCPUStats }
func (c *CPUData) Size() int  { return c.size() }

// HRRSteps holds the heat release rate series.
type HRRSteps struct {
	refs
	Table
}

func (*HRRSteps) Tag() KindTag { return TagHeatRelease }
func (h *HRRSteps) Size() int  { return h.size() }

// Records are the payloads of a Fortran unformatted file, one per record.
type Records [][]byte

func (r Records) size() int {
	n := header
	for _, b := range r {
		n += len(b)
	}
	return n
}

// Slice is a slice-file (.sf) artifact.
type Slice struct {
	refs
	Records
}

func (*Slice) Tag() KindTag { return TagSlice }
func (s *Slice) Size() int  { return s.size() }

// Smoke3D is a 3D smoke (.s3d) artifact.
type Smoke3D struct {
	refs
	Records
}

func (*Smoke3D) Tag() KindTag { return TagSmoke3D }
func (s *Smoke3D) Size() int  { return s.size() }

// Plot3D is a Plot3D (.q) artifact.
type Plot3D struct {
	refs
	Records
}

func (*Plot3D) Tag() KindTag { return TagPlot3D }
func (p *Plot3D) Size() int  { return p.size() }

var (
	_ Artifact = (*Simulation)(nil)
	_ Artifact = (*DeviceList)(nil)
	_ Artifact = (*CPUData)(nil)
	_ Artifact = (*HRRSteps)(nil)
	_ Artifact = (*Slice)(nil)
	_ Artifact = (*Smoke3D)(nil)
	_ Artifact = (*Plot3D)(nil)
)
