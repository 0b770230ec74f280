package filter

import (
	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/filetype"
)

// FuncMarkerFilter is a keep-set filter over FUNC_ID markers like
// FuncIDFilter, but with different bracketing rules: it clears
// output_func_markers as soon as a FUNC_RETVAL/FUNC_RETADDR passes,
// rather than waiting for a matching closing FUNC_ID, and it never
// re-emits a FUNC_ARG after that point. A convenience preset for
// producers whose call markers are not fully bracketed.
type FuncMarkerFilter struct {
	Keep map[uint64]bool
}

func NewFuncMarkerFilter(keep []uint64) *FuncMarkerFilter {
	m := make(map[uint64]bool, len(keep))
	for _, id := range keep {
		m[id] = true
	}
	return &FuncMarkerFilter{Keep: m}
}

type funcMarkerState struct {
	output bool
}

func (f *FuncMarkerFilter) Init(stream entry.Stream, partial bool) (State, error) {
	return &funcMarkerState{}, nil
}

func (f *FuncMarkerFilter) Filter(e *entry.Entry, state State, info *Info) (bool, error) {
	st := state.(*funcMarkerState)
	if e.Kind != entry.KindMarker {
		return true, nil
	}
	switch e.Marker() {
	case entry.MarkerFuncID:
		if f.Keep[e.Addr()] {
			st.output = true
			return true, nil
		}
		st.output = false
		return false, nil
	case entry.MarkerFuncArg:
		return st.output, nil
	case entry.MarkerFuncRetval, entry.MarkerFuncRetaddr:
		if st.output {
			st.output = false
			return true, nil
		}
		return false, nil
	default:
		return true, nil
	}
}

func (f *FuncMarkerFilter) Exit(state State) error { return nil }

func (f *FuncMarkerFilter) UpdateFiletype(b filetype.Bits) filetype.Bits { return b }
