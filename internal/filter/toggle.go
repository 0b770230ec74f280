package filter

import (
	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/filetype"
)

// ToggleFilter starts in a configured enabled state and flips it exactly
// once, the instant the shard's instruction count reaches a threshold —
// a one-shot toggle, unlike TrimFilter's range. Useful for truncating or
// splitting a trace at an exact instruction count.
type ToggleFilter struct {
	InstrCountToggle uint64
	EnableAtStart    bool
}

func NewToggleFilter(instrCountToggle uint64, enableAtStart bool) *ToggleFilter {
	return &ToggleFilter{InstrCountToggle: instrCountToggle, EnableAtStart: enableAtStart}
}

type toggleState struct {
	instrCount uint64
	enabled    bool
}

func (f *ToggleFilter) Init(stream entry.Stream, partial bool) (State, error) {
	return &toggleState{enabled: f.EnableAtStart}, nil
}

func (f *ToggleFilter) Filter(e *entry.Entry, state State, info *Info) (bool, error) {
	st := state.(*toggleState)
	if entry.IsInstr(e.Kind) {
		st.instrCount++
		if st.instrCount == f.InstrCountToggle {
			st.enabled = !st.enabled
		}
	}
	return st.enabled, nil
}

func (f *ToggleFilter) Exit(state State) error { return nil }

func (f *ToggleFilter) UpdateFiletype(b filetype.Bits) filetype.Bits { return b }
