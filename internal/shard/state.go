// Package shard implements the per-shard input→pipeline→output driver
// (C4): the per-entry processing loop, encoding delay across chunk
// boundaries, synthetic header emission for shards that never see a real
// HEADER, missing-footer synthesis, and empty-shard detection.
package shard

import (
	"github.com/DynamoRIO/drrecordfilter/internal/chunk"
	"github.com/DynamoRIO/drrecordfilter/internal/coordinator"
	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/filetype"
)

// State is a shard's full lifecycle-scoped bookkeeping, allocated fresh
// for each shard and discarded at shard exit.
type State struct {
	TID uint64

	// LastEncoding buffers ENCODING entries seen since the last
	// instruction, shared with the filter pipeline via *filter.Info so a
	// filter like encodings-to-regdeps can rewrite it in place.
	LastEncoding []entry.Entry
	// DelayedEncodings holds, per PC, an encoding not yet written: one
	// buffered for a dropped instance of that PC (and, on archive sinks,
	// the last encoding seen for it), removed once it is emitted ahead of
	// a kept instance. A later chunk restates encodings from InputInfo.
	DelayedEncodings map[uint64][]entry.Entry

	Chunk *chunk.State

	CurRefs          uint64
	LastTimestamp    uint64
	LastCPUID        uint64
	Filetype         filetype.Bits
	InputEntryCount  uint64
	OutputEntryCount uint64

	// Enabled is cleared once a configured stop_timestamp has been
	// reached; once false, the shard stops running entries through the
	// filter pipeline for the rest of its input, but every entry
	// (including the real FOOTER) still passes through to output — only
	// filtering stops, not output.
	Enabled bool

	// InputCountAtOrdinal is InputEntryCount as of the most recently seen
	// RECORD_ORDINAL marker, used to recognize the TIMESTAMP/CPU_ID pair
	// that immediately follows it in archive mode by position rather than
	// by value.
	InputCountAtOrdinal uint64

	PrevInputID    int
	PrevWorkloadID int
	InputInfo      *coordinator.InputInfo

	LastWrittenKind entry.Kind

	NowEmpty bool

	// negotiated records whether this shard has already resolved
	// (version, filetype) via the coordinator, either because it owns
	// the real preamble or because it synthesized one.
	negotiated bool
}

// NewState returns a fresh per-shard State.
func NewState(tid uint64) *State {
	return &State{
		TID:              tid,
		Enabled:          true,
		DelayedEncodings: make(map[uint64][]entry.Entry),
		Chunk:            chunk.NewState(),
		PrevInputID:      -1,
		PrevWorkloadID:   -1,
	}
}
