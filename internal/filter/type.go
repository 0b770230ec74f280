package filter

import (
	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/filetype"
)

// TypeFilter drops entries whose kind or marker sub-type is configured for
// removal, and amends FILETYPE accordingly.
type TypeFilter struct {
	RemoveTraceTypes  map[entry.Kind]bool
	RemoveMarkerTypes map[entry.MarkerType]bool
	// Partial mirrors the shard's stop_timestamp configuration (shared
	// across every shard in a run): a partial filter never clears the
	// ENCODINGS flag, per §4.3.2.
	Partial bool

	removesEncoding  bool
	removesInstr     bool
	removesReadWrite bool
}

// NewTypeFilter builds a type filter from the sets of kinds/marker types
// to drop. partial comes from the run's stop_timestamp configuration.
func NewTypeFilter(removeTraceTypes []entry.Kind, removeMarkerTypes []entry.MarkerType, partial bool) *TypeFilter {
	f := &TypeFilter{
		RemoveTraceTypes:  make(map[entry.Kind]bool, len(removeTraceTypes)),
		RemoveMarkerTypes: make(map[entry.MarkerType]bool, len(removeMarkerTypes)),
		Partial:           partial,
	}
	for _, k := range removeTraceTypes {
		f.RemoveTraceTypes[k] = true
		if k == entry.KindEncoding {
			f.removesEncoding = true
		}
		if entry.IsInstr(k) {
			f.removesInstr = true
		}
		if k == entry.KindRead || k == entry.KindWrite {
			f.removesReadWrite = true
		}
	}
	for _, m := range removeMarkerTypes {
		f.RemoveMarkerTypes[m] = true
	}
	return f
}

func (f *TypeFilter) Init(stream entry.Stream, partial bool) (State, error) {
	return nil, nil
}

func (f *TypeFilter) Filter(e *entry.Entry, state State, info *Info) (bool, error) {
	if e.Kind == entry.KindMarker && e.Marker() == entry.MarkerFiletype {
		bits := filetype.Bits(e.Addr())
		bits = f.updateFiletypeLocked(bits)
		e.SetAddr(uint64(bits))
		return true, nil
	}
	if f.RemoveTraceTypes[e.Kind] {
		return false, nil
	}
	if e.Kind == entry.KindMarker && f.RemoveMarkerTypes[e.Marker()] {
		return false, nil
	}
	return true, nil
}

func (f *TypeFilter) Exit(state State) error { return nil }

func (f *TypeFilter) updateFiletypeLocked(b filetype.Bits) filetype.Bits {
	if f.removesEncoding && !f.Partial {
		b = b.Without(filetype.Encodings)
	}
	if f.removesInstr {
		b = b.With(filetype.IFiltered)
	}
	if f.removesReadWrite {
		b = b.With(filetype.DFiltered)
	}
	return b
}

// UpdateFiletype is the driver hook used when the FILETYPE marker is
// synthesized rather than observed directly (e.g. a core-sharded idle
// shard's header).
func (f *TypeFilter) UpdateFiletype(b filetype.Bits) filetype.Bits {
	return f.updateFiletypeLocked(b)
}
