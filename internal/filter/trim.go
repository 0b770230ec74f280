package filter

import (
	"fmt"

	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/filetype"
)

// TrimFilter keeps only a contiguous window of a shard, either by
// timestamp range or by instruction-ordinal range. Exactly one mode may be
// configured.
type TrimFilter struct {
	byTimestamp           bool
	beforeTimestamp       uint64
	afterTimestamp        uint64
	byInstrOrdinal        bool
	beforeInstr           uint64
	afterInstr            uint64
}

// NewTrimFilterByTimestamp builds a timestamp-range trim filter.
func NewTrimFilterByTimestamp(before, after uint64) (*TrimFilter, error) {
	if after <= before {
		return nil, fmt.Errorf("trim filter: invalid parameters: end must be > start")
	}
	return &TrimFilter{byTimestamp: true, beforeTimestamp: before, afterTimestamp: after}, nil
}

// NewTrimFilterByInstrOrdinal builds an instruction-ordinal-range trim
// filter.
func NewTrimFilterByInstrOrdinal(before, after uint64) (*TrimFilter, error) {
	if after <= before {
		return nil, fmt.Errorf("trim filter: invalid parameters: end must be > start")
	}
	return &TrimFilter{byInstrOrdinal: true, beforeInstr: before, afterInstr: after}, nil
}

type trimState struct {
	inRemovedRegion bool
	sawWindowID     bool
	windowID        uint64
	instrOrdinal    uint64
}

func (f *TrimFilter) Init(stream entry.Stream, partial bool) (State, error) {
	return &trimState{inRemovedRegion: f.byTimestamp}, nil
}

func (f *TrimFilter) Filter(e *entry.Entry, state State, info *Info) (bool, error) {
	st := state.(*trimState)

	if e.Kind == entry.KindThreadExit || e.Kind == entry.KindFooter {
		return true, nil
	}

	if f.byTimestamp {
		if e.Kind == entry.KindMarker && e.Marker() == entry.MarkerTimestamp {
			ts := e.Addr()
			st.inRemovedRegion = ts < f.beforeTimestamp || ts > f.afterTimestamp
		}
		if e.Kind == entry.KindMarker && e.Marker() == entry.MarkerWindowID {
			if !st.sawWindowID {
				st.sawWindowID = true
				st.windowID = e.Addr()
				return true, nil // first window_id always kept
			}
			if e.Addr() != st.windowID {
				return false, fmt.Errorf(
					"Trimming a trace with multiple windows is not supported. Previous window_id = %d, current window_id = %d",
					st.windowID, e.Addr())
			}
			return !st.inRemovedRegion, nil
		}
		return !st.inRemovedRegion, nil
	}

	// Mode B: instruction-ordinal range. st.instrOrdinal is the ordinal
	// of the next instruction the producer will emit.
	ordinal := st.instrOrdinal
	if entry.IsInstr(e.Kind) {
		st.instrOrdinal++
	}
	keep := !(ordinal < f.beforeInstr || ordinal >= f.afterInstr)
	return keep, nil
}

func (f *TrimFilter) Exit(state State) error { return nil }

func (f *TrimFilter) UpdateFiletype(b filetype.Bits) filetype.Bits { return b }
