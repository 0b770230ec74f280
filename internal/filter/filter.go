// Package filter implements the pluggable per-entry filter contract (C2)
// and the concrete filters built on top of it (C3): cache, type, trim,
// encodings-to-regdeps, func-id, modify-marker-value, plus three
// supplementary filters (toggle, invalidate-cpu, func-marker) carried over
// from the original tool but not named in the distilled spec.
package filter

import (
	"github.com/DynamoRIO/drrecordfilter/internal/decode"
	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/filetype"
)

// Info bundles the collaborator handles a filter needs at entry time: the
// driver's last-seen-encoding buffer (shared, mutable — a filter that
// rewrites cached encodings, like encodings-to-regdeps, does so through
// this handle so later pipeline stages and the driver's own chunk-encoding
// bookkeeping see the update) and the decoder context.
type Info struct {
	LastEncoding *[]entry.Entry
	Decoder      decode.Context
}

// State is the opaque per-shard state a Filter's Init returns and its
// later calls receive back; each Filter implementation defines its own
// concrete type and type-asserts it.
type State interface{}

// Filter is the contract every concrete filter implements. Composition
// across a pipeline is strict AND: an entry survives iff every filter
// returns keep=true, and a mutation made by one filter is visible to
// filters later in the pipeline, and to the driver.
type Filter interface {
	// Init is called once per shard before any entry is processed.
	// partial is true iff a stop_timestamp is configured, which filters
	// may use to tag FILETYPE as bimodal-aware (TypeFilter ignores it here
	// and takes the same flag from its constructor instead).
	Init(stream entry.Stream, partial bool) (State, error)
	// Filter inspects/mutates e in place and reports whether it should
	// be kept.
	Filter(e *entry.Entry, state State, info *Info) (keep bool, err error)
	// Exit is called once at end of shard input.
	Exit(state State) error
	// UpdateFiletype is called by the driver whenever it rewrites the
	// FILETYPE marker, so filters that add file-type flags take effect
	// even on shards where they never observe the marker directly (e.g.
	// a synthesized header).
	UpdateFiletype(bits filetype.Bits) filetype.Bits
}

// Pipeline runs a fixed, ordered list of filters as one composite Filter.
type Pipeline struct {
	filters []Filter
}

// NewPipeline builds a pipeline from filters in application order.
func NewPipeline(filters ...Filter) *Pipeline {
	return &Pipeline{filters: filters}
}

type pipelineState struct {
	states []State
}

func (p *Pipeline) Init(stream entry.Stream, partial bool) (State, error) {
	st := &pipelineState{states: make([]State, len(p.filters))}
	for i, f := range p.filters {
		s, err := f.Init(stream, partial)
		if err != nil {
			return nil, err
		}
		st.states[i] = s
	}
	return st, nil
}

func (p *Pipeline) Filter(e *entry.Entry, state State, info *Info) (bool, error) {
	st := state.(*pipelineState)
	keep := true
	for i, f := range p.filters {
		k, err := f.Filter(e, st.states[i], info)
		if err != nil {
			return false, err
		}
		if !k {
			keep = false
			// Later filters still run (and may still mutate e) per
			// "mutations by one filter are observable to later filters
			// in the pipeline" — only the final keep/drop verdict is
			// strict AND.
		}
	}
	return keep, nil
}

func (p *Pipeline) Exit(state State) error {
	st := state.(*pipelineState)
	for i, f := range p.filters {
		if err := f.Exit(st.states[i]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) UpdateFiletype(bits filetype.Bits) filetype.Bits {
	for _, f := range p.filters {
		bits = f.UpdateFiletype(bits)
	}
	return bits
}

// Hooks returns the pipeline's UpdateFiletype calls as a slice suitable
// for filetype.AddToFiletype.
func (p *Pipeline) Hooks() []filetype.UpdateFunc {
	hooks := make([]filetype.UpdateFunc, len(p.filters))
	for i, f := range p.filters {
		f := f
		hooks[i] = f.UpdateFiletype
	}
	return hooks
}
