// Package chunk implements archive re-chunking (C5): closing the current
// chunk with a CHUNK_FOOTER, opening a new named archive component, and
// re-establishing RECORD_ORDINAL/TIMESTAMP/CPU_ID at the new chunk's
// start.
package chunk

import (
	"fmt"

	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/sink"
)

// DefaultPrefix and DefaultWidth match the component naming convention
// from §6: "<TRACE_CHUNK_PREFIX><nnnn>" with a fixed zero-padded width.
const (
	DefaultPrefix = "chunk."
	DefaultWidth  = 4
)

// State is the chunk-manager-owned portion of a shard's bookkeeping: the
// current chunk's declared instruction budget, how many it has seen so
// far, which ordinal it is, and which PCs already carry an emitted
// encoding this chunk.
type State struct {
	ChunkOrdinal   int
	ChunkSize      uint64
	CurChunkInstrs uint64
	CurChunkPCs    map[uint64]bool
}

// NewState returns a fresh State for a shard about to begin output.
func NewState() *State {
	return &State{CurChunkPCs: make(map[uint64]bool)}
}

// Manager opens new chunks on a sink, following the naming convention
// configured at construction.
type Manager struct {
	Prefix string
	Width  int
}

// NewManager returns a Manager using the default naming convention.
func NewManager() *Manager {
	return &Manager{Prefix: DefaultPrefix, Width: DefaultWidth}
}

// OpenNewChunk implements §4.5's four steps. w is the shard's sink; st is
// the shard's chunk state; curRefs/lastTimestamp/lastCPUID are read from
// the caller's (the shard driver's) current bookkeeping at the moment of
// the call. emit writes one entry to the sink and must be supplied by the
// caller so that ref-count accounting stays centralized in the shard
// driver, which owns cur_refs.
func (m *Manager) OpenNewChunk(w sink.Writer, st *State, curRefs, lastTimestamp, lastCPUID uint64, emit func(entry.Entry) error) error {
	if st.ChunkOrdinal > 0 {
		footer := entry.NewMarker(entry.MarkerChunkFooter, uint64(st.ChunkOrdinal-1))
		if err := emit(footer); err != nil {
			return fmt.Errorf("chunk manager: emit chunk footer: %w", err)
		}
	}

	name := fmt.Sprintf("%s%0*d", m.Prefix, m.Width, st.ChunkOrdinal)
	if err := w.OpenComponent(name); err != nil {
		return fmt.Errorf("chunk manager: open component %q: %w", name, err)
	}

	if st.ChunkOrdinal > 0 {
		if err := emit(entry.NewMarker(entry.MarkerRecordOrdinal, curRefs)); err != nil {
			return fmt.Errorf("chunk manager: emit record ordinal: %w", err)
		}
		if err := emit(entry.NewMarker(entry.MarkerTimestamp, lastTimestamp)); err != nil {
			return fmt.Errorf("chunk manager: emit chunk timestamp: %w", err)
		}
		if err := emit(entry.NewMarker(entry.MarkerCPUID, lastCPUID)); err != nil {
			return fmt.Errorf("chunk manager: emit chunk cpu id: %w", err)
		}
		st.CurChunkPCs = make(map[uint64]bool)
	}

	st.ChunkOrdinal++
	st.CurChunkInstrs = 0
	return nil
}

// InstrOrdinalAt computes the absolute instruction ordinal to record
// alongside a kept CPU_ID marker, per the original's chunk-relative
// arithmetic: in archive mode the chunk ordinal is pre-incremented by the
// time a CPU_ID is processed, hence the -1.
func InstrOrdinalAt(curChunkInstrs uint64, chunkOrdinal int, chunkSize uint64, isArchive bool) uint64 {
	n := chunkOrdinal
	if isArchive {
		n--
	}
	if n < 0 {
		n = 0
	}
	return curChunkInstrs + uint64(n)*chunkSize
}
