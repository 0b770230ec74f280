package filter

import (
	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/filetype"
)

// FuncIDFilter keeps only the function-call marker groups whose opening
// FUNC_ID value is in the configured keep set.
type FuncIDFilter struct {
	Keep map[uint64]bool
}

func NewFuncIDFilter(keep []uint64) *FuncIDFilter {
	m := make(map[uint64]bool, len(keep))
	for _, id := range keep {
		m[id] = true
	}
	return &FuncIDFilter{Keep: m}
}

type funcIDState struct {
	output bool
}

func (f *FuncIDFilter) Init(stream entry.Stream, partial bool) (State, error) {
	return &funcIDState{}, nil
}

func (f *FuncIDFilter) Filter(e *entry.Entry, state State, info *Info) (bool, error) {
	st := state.(*funcIDState)
	if e.Kind != entry.KindMarker {
		return true, nil
	}
	switch e.Marker() {
	case entry.MarkerFuncID:
		st.output = f.Keep[e.Addr()]
		return st.output, nil
	case entry.MarkerFuncArg, entry.MarkerFuncRetval, entry.MarkerFuncRetaddr:
		return st.output, nil
	default:
		return true, nil
	}
}

func (f *FuncIDFilter) Exit(state State) error { return nil }

func (f *FuncIDFilter) UpdateFiletype(b filetype.Bits) filetype.Bits { return b }
