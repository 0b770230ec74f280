package shard

import (
	"errors"
	"fmt"
	"io"

	"github.com/DynamoRIO/drrecordfilter/internal/chunk"
	"github.com/DynamoRIO/drrecordfilter/internal/config"
	"github.com/DynamoRIO/drrecordfilter/internal/coordinator"
	"github.com/DynamoRIO/drrecordfilter/internal/decode"
	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/filetype"
	"github.com/DynamoRIO/drrecordfilter/internal/filter"
	"github.com/DynamoRIO/drrecordfilter/internal/sink"
)

// Config carries run-wide settings the driver needs but that do not
// belong to any one shard's state: every shard of a run is constructed
// with the same Config.
type Config struct {
	// StopTimestamp, if non-zero, stops filtering once an input TIMESTAMP
	// marker reaches this value (checked before the pipeline sees that
	// marker): the driver emits a FILTER_ENDPOINT
	// marker and runs no further entries through the pipeline, but every
	// remaining entry is still written through to output unmodified.
	StopTimestamp uint64
	// CoreSharded marks shards that take turns serving more than one
	// input, enabling the input-switch bookkeeping and the shared
	// per-input encoding maps on Coordinator.
	CoreSharded bool
	// ChunkSize is the instruction budget per archive chunk; 0 takes the
	// value of the input's first CHUNK_INSTR_COUNT marker, and if the input
	// has none, re-chunking stays off even for an archive sink (the whole
	// shard is one component).
	ChunkSize uint64
	// OutputExtension is resolved up front from configuration (the
	// output path the runner already opened a sink for), not negotiated
	// dynamically from the first shard's input filename the way the
	// original tool does: a Go runner must pick a sink before any shard
	// starts processing entries, so extension negotiation has nothing
	// left to decide. The Coordinator is retained for (version,
	// filetype), which genuinely needs cross-shard agreement for
	// synthesized headers on shards with no input of their own.
	OutputExtension string
}

// Driver runs one shard's entries through a filter pipeline and a sink.
// A Driver is stateless across shards; RunShard allocates a fresh State
// per call and is safe to call concurrently from multiple goroutines
// sharing one Driver, provided Coordinator/Schedule are themselves
// safe for concurrent use (they are).
type Driver struct {
	Pipeline     *filter.Pipeline
	Decoder      decode.Context
	Coordinator  *coordinator.Coordinator
	ChunkManager *chunk.Manager
	Schedule     *sink.ScheduleRecorder
	Cfg          Config
}

// NewDriver returns a Driver ready to run shards.
func NewDriver(cfg Config, pipeline *filter.Pipeline, decoder decode.Context, coord *coordinator.Coordinator, schedule *sink.ScheduleRecorder) *Driver {
	return &Driver{
		Pipeline:     pipeline,
		Decoder:      decoder,
		Coordinator:  coord,
		ChunkManager: chunk.NewManager(),
		Schedule:     schedule,
		Cfg:          cfg,
	}
}

// run bundles the per-call collaborators so the processing methods below
// don't have to thread them through every call individually.
type run struct {
	d         *Driver
	state     *State
	stream    entry.Stream
	w         sink.Writer
	info      *filter.Info
	pst       filter.State
	isArchive bool
}

// RunShard drives stream through the pipeline and writes surviving
// entries to w, returning the shard's finished bookkeeping (notably
// NowEmpty) for the caller to act on.
func (d *Driver) RunShard(stream entry.Stream, w sink.Writer, tid uint64) (*State, error) {
	state := NewState(tid)
	state.Chunk.ChunkSize = d.Cfg.ChunkSize
	if !d.Cfg.CoreSharded {
		// A thread-sharded shard serves one input for its whole lifetime,
		// so its PC→encoding record is private to the shard.
		state.InputInfo = coordinator.New().Input(0)
	}

	pst, err := d.Pipeline.Init(stream, d.Cfg.StopTimestamp != 0)
	if err != nil {
		return nil, fmt.Errorf("shard %d: pipeline init: %w", tid, err)
	}

	r := &run{
		d:         d,
		state:     state,
		stream:    stream,
		w:         w,
		info:      &filter.Info{LastEncoding: &state.LastEncoding, Decoder: d.Decoder},
		pst:       pst,
		isArchive: w.IsArchive(),
	}

	if r.isArchive {
		if err := d.ChunkManager.OpenNewChunk(w, state.Chunk, 0, 0, 0, func(e entry.Entry) error {
			return r.writeRaw(e)
		}); err != nil {
			return nil, fmt.Errorf("shard %d: %w", tid, err)
		}
	}

	for {
		e, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("shard %d: reading entry %d: %w", tid, state.InputEntryCount, err)
		}
		if err := r.processEntry(e); err != nil {
			return nil, fmt.Errorf("shard %d entry %d: %w", tid, state.InputEntryCount, err)
		}
	}

	if !state.negotiated {
		if err := r.negotiate(false, "", 0, 0); err != nil {
			return nil, fmt.Errorf("shard %d: %w", tid, err)
		}
	}

	if err := d.Pipeline.Exit(pst); err != nil {
		return nil, fmt.Errorf("shard %d: pipeline exit: %w", tid, err)
	}

	if state.LastWrittenKind != entry.KindFooter {
		if err := r.emit(entry.Entry{Kind: entry.KindFooter}); err != nil {
			return nil, fmt.Errorf("shard %d: synthesizing missing footer: %w", tid, err)
		}
	}

	if !d.Cfg.CoreSharded &&
		!state.Filetype.Has(filetype.Filtered) &&
		!state.Filetype.Has(filetype.IFiltered) &&
		state.Chunk.ChunkOrdinal <= 1 &&
		state.Chunk.CurChunkInstrs == 0 {
		state.NowEmpty = true
	}

	return state, nil
}

// processEntry is the per-entry pipeline: input-switch bookkeeping,
// stop_timestamp cutover, filtering, chunk-boundary and encoding
// bookkeeping, and the final conditional write.
func (r *run) processEntry(e entry.Entry) error {
	r.state.InputEntryCount++

	if r.d.Cfg.CoreSharded {
		if err := r.trackInputSwitch(); err != nil {
			return err
		}
	}

	if r.state.Enabled && r.d.Cfg.StopTimestamp != 0 && e.Kind == entry.KindMarker &&
		e.Marker() == entry.MarkerTimestamp && e.Addr() >= r.d.Cfg.StopTimestamp {
		if err := r.emit(entry.NewMarker(entry.MarkerFilterEndpoint, 0)); err != nil {
			return err
		}
		r.state.Enabled = false
	}

	// Once disabled, filtering stops but output does not: every filter
	// call is skipped and every remaining entry defaults to kept, while
	// chunk/marker bookkeeping and the final write below still run, so
	// the rest of the shard (including its real FOOTER) passes through
	// unmodified.
	keep := true
	var err error
	if r.state.Enabled {
		keep, err = r.d.Pipeline.Filter(&e, r.pst, r.info)
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
	}

	if err := r.openChunkIfBoundary(e); err != nil {
		return err
	}

	keep, err = r.processMarkers(&e, keep)
	if err != nil {
		return err
	}

	if err := r.processChunkEncodings(&e, keep); err != nil {
		return err
	}

	if keep && entry.IsInstr(e.Kind) && e.Size > 0 {
		r.state.Chunk.CurChunkInstrs++
	}

	if err := r.processDelayedEncodings(&e, keep); err != nil {
		return err
	}

	if e.Kind == entry.KindEncoding {
		// An ENCODING entry is never written on its own; it is buffered
		// here and re-emitted, inline, by processChunkEncodings or
		// processDelayedEncodings alongside the instruction it describes.
		r.state.LastEncoding = append(r.state.LastEncoding, e)
		keep = false
	} else if entry.IsInstr(e.Kind) {
		r.state.LastEncoding = nil
	}

	if !keep {
		return nil
	}
	return r.emit(e)
}

// trackInputSwitch implements the core-sharded bookkeeping: a shard that
// takes turns serving more than one input must not switch inputs midway
// through an instruction's buffered encoding, and this tool does not
// support multiple workloads sharing one shard.
func (r *run) trackInputSwitch() error {
	inputID := r.stream.InputID()
	workloadID := r.stream.WorkloadID()

	if r.state.PrevWorkloadID >= 0 && workloadID >= 0 && workloadID != r.state.PrevWorkloadID {
		return config.Wrap(config.Configuration, fmt.Errorf(
			"core-sharded output does not support multiple workloads per shard: previous workload_id = %d, current workload_id = %d",
			r.state.PrevWorkloadID, workloadID))
	}
	if r.state.PrevInputID >= 0 && inputID >= 0 && inputID != r.state.PrevInputID && len(r.state.LastEncoding) > 0 {
		return config.Wrap(config.Grammar, fmt.Errorf(
			"input switched mid-encoding: previous input_id = %d, current input_id = %d", r.state.PrevInputID, inputID))
	}
	if inputID != r.state.PrevInputID {
		r.state.InputInfo = r.d.Coordinator.Input(inputID)
	}
	r.state.PrevInputID = inputID
	r.state.PrevWorkloadID = workloadID
	return nil
}

// processMarkers applies the driver-level side effects of specific
// marker sub-types and returns the entry's adjusted keep flag: a handful
// of markers are always dropped by the driver (CHUNK_FOOTER and
// RECORD_ORDINAL, which the chunk manager writes itself on archive sinks,
// and CORE_WAIT, which is not re-emitted at all), and the
// TIMESTAMP/CPU_ID pair immediately following a RECORD_ORDINAL is dropped
// in archive mode since the chunk manager re-emits its own.
func (r *run) processMarkers(e *entry.Entry, keep bool) (bool, error) {
	if e.Kind != entry.KindMarker {
		return keep, nil
	}
	switch e.Marker() {
	case entry.MarkerChunkInstrCount:
		if r.state.Chunk.ChunkSize == 0 {
			r.state.Chunk.ChunkSize = e.Addr()
		}
	case entry.MarkerChunkFooter:
		keep = false
	case entry.MarkerRecordOrdinal:
		keep = false
		r.state.InputCountAtOrdinal = r.state.InputEntryCount
	case entry.MarkerTimestamp:
		if keep {
			r.state.LastTimestamp = e.Addr()
		}
		if r.isArchive && r.state.InputEntryCount-r.state.InputCountAtOrdinal == 1 {
			keep = false
		}
	case entry.MarkerCPUID:
		if keep {
			r.state.LastCPUID = e.Addr()
			if r.d.Schedule != nil {
				ordinal := chunk.InstrOrdinalAt(r.state.Chunk.CurChunkInstrs, r.state.Chunk.ChunkOrdinal, r.state.Chunk.ChunkSize, r.isArchive)
				r.d.Schedule.Record(sink.ScheduleTuple{
					TID:          r.state.TID,
					CPU:          e.Addr(),
					Timestamp:    r.state.LastTimestamp,
					InstrOrdinal: ordinal,
				})
			}
		}
		if r.isArchive && r.state.InputEntryCount-r.state.InputCountAtOrdinal == 2 {
			keep = false
		}
	case entry.MarkerPhysicalAddress, entry.MarkerPhysicalAddressNotAvailable:
		if !keep && r.isArchive {
			return false, config.Wrap(config.Configuration, fmt.Errorf(
				"dropping a physical-address marker in archive mode is not supported"))
		}
	case entry.MarkerFiletype:
		bits := filetype.AddToFiletype(filetype.Bits(e.Addr()), r.d.Cfg.StopTimestamp != 0, r.d.Cfg.CoreSharded, r.d.Pipeline.Hooks())
		if !r.state.negotiated {
			if err := r.negotiate(true, r.d.Cfg.OutputExtension, 1, bits); err != nil {
				return false, err
			}
			bits = r.state.Filetype
		}
		e.SetAddr(uint64(bits))
		r.state.Filetype = bits
	case entry.MarkerCoreWait:
		keep = false
		r.state.InputEntryCount--
	}
	return keep, nil
}

// negotiate resolves (version, filetype) once per shard via the
// coordinator. processMarkers passes the constant version 1, not the value
// of the input's VERSION marker (which is not captured), so the
// coordinator's version-0 rejection never fires for a shard with real
// input. The negotiated version is not used afterwards: the synthetic
// header always writes VERSION 1.
func (r *run) negotiate(hasInput bool, ext string, version uint64, bits filetype.Bits) error {
	_, negotiatedVersion, negotiatedBits, err := r.d.Coordinator.Negotiate(hasInput, ext, version, bits)
	if err != nil {
		return err
	}
	r.state.Filetype = negotiatedBits
	r.state.negotiated = true
	_ = negotiatedVersion
	return nil
}

// openChunkIfBoundary opens a new archive component once the current
// chunk's instruction budget is exhausted and e is one of the kinds that
// may legally start a new chunk: an instruction, or the TIMESTAMP/
// THREAD_EXIT/FOOTER records that only ever follow the last instruction
// of a burst.
func (r *run) openChunkIfBoundary(e entry.Entry) error {
	if !r.isArchive || r.state.Chunk.ChunkSize == 0 {
		return nil
	}
	if r.state.Chunk.CurChunkInstrs < r.state.Chunk.ChunkSize {
		return nil
	}
	boundary := entry.IsInstr(e.Kind) || e.Kind == entry.KindThreadExit || e.Kind == entry.KindFooter ||
		(e.Kind == entry.KindMarker && e.Marker() == entry.MarkerTimestamp)
	if !boundary {
		return nil
	}
	return r.d.ChunkManager.OpenNewChunk(r.w, r.state.Chunk, r.state.CurRefs, r.state.LastTimestamp, r.state.LastCPUID, func(e entry.Entry) error {
		return r.writeRaw(e)
	})
}

// processChunkEncodings is the archive-mode, instruction-only half of
// encoding bookkeeping: a non-empty LastEncoding is always remembered
// against its PC (so a later chunk boundary that needs it again can
// restate it); otherwise, if this chunk has not yet declared the PC and
// the stream carries ENCODINGS, the instruction's encoding must already be
// on record from an earlier chunk — a trace missing it is malformed.
func (r *run) processChunkEncodings(e *entry.Entry, keep bool) error {
	if !r.isArchive || !entry.IsInstr(e.Kind) {
		return nil
	}
	pc := e.Addr()
	switch {
	case len(r.state.LastEncoding) > 0:
		r.storeEncoding(pc, r.state.LastEncoding)
		if r.state.Chunk.CurChunkPCs[pc] {
			r.state.LastEncoding = nil
		}
	case !r.state.Chunk.CurChunkPCs[pc] && r.state.Filetype.Has(filetype.Encodings):
		enc, ok := r.lookupEncoding(pc)
		if !ok {
			return config.Wrap(config.Grammar, fmt.Errorf(
				"missing stored encoding for pc %#x at a new chunk boundary", pc))
		}
		if !r.state.Filetype.Has(filetype.ArchRegdeps) {
			var total int
			for _, enc1 := range enc {
				total += int(enc1.Size)
			}
			if uint16(total) != e.Size {
				return config.Wrap(config.Grammar, fmt.Errorf(
					"encoding size %d does not match instruction size %d at pc %#x", total, e.Size, pc))
			}
		}
		for _, enc1 := range enc {
			if err := r.emit(enc1); err != nil {
				return err
			}
		}
		delete(r.state.DelayedEncodings, pc)
	}
	if keep {
		r.state.Chunk.CurChunkPCs[pc] = true
	}
	return nil
}

// processDelayedEncodings is the half of encoding bookkeeping that runs on
// every sink, archive or not: a dropped instruction's buffered encoding is
// stashed for later, and when the stream carries ENCODINGS a kept
// instruction has its encoding emitted inline, immediately ahead of the
// instruction itself: the encoding buffered for this instruction if there
// is one, otherwise one stashed from an earlier dropped instance of the
// same PC.
func (r *run) processDelayedEncodings(e *entry.Entry, keep bool) error {
	if !entry.IsInstr(e.Kind) {
		return nil
	}
	pc := e.Addr()
	if !keep {
		if len(r.state.LastEncoding) > 0 {
			cp := make([]entry.Entry, len(r.state.LastEncoding))
			copy(cp, r.state.LastEncoding)
			r.state.DelayedEncodings[pc] = cp
		}
		return nil
	}
	if !r.state.Filetype.Has(filetype.Encodings) {
		return nil
	}
	if len(r.state.LastEncoding) > 0 {
		for _, enc := range r.state.LastEncoding {
			if err := r.emit(enc); err != nil {
				return err
			}
		}
		delete(r.state.DelayedEncodings, pc)
		return nil
	}
	if enc, ok := r.state.DelayedEncodings[pc]; ok && len(enc) > 0 {
		for _, e2 := range enc {
			if err := r.emit(e2); err != nil {
				return err
			}
		}
		delete(r.state.DelayedEncodings, pc)
	}
	return nil
}

func (r *run) storeEncoding(pc uint64, enc []entry.Entry) {
	cp := make([]entry.Entry, len(enc))
	copy(cp, enc)
	r.state.DelayedEncodings[pc] = cp
	if r.state.InputInfo != nil {
		r.state.InputInfo.Store(pc, enc)
	}
}

func (r *run) lookupEncoding(pc uint64) ([]entry.Entry, bool) {
	if r.state.InputInfo != nil {
		if enc, ok := r.state.InputInfo.Lookup(pc); ok {
			return enc, true
		}
	}
	enc, ok := r.state.DelayedEncodings[pc]
	return enc, ok
}

// emit writes e through the shard's output, synthesizing the header
// preamble first if e is the shard's first output entry and is not
// itself a HEADER (a shard with no real input, or whose real input
// starts mid-stream, never produces one on its own).
func (r *run) emit(e entry.Entry) error {
	if r.state.OutputEntryCount == 0 && e.Kind != entry.KindHeader {
		if !r.state.negotiated {
			if err := r.negotiate(false, "", 0, 0); err != nil {
				return err
			}
		}
		if err := r.emitSyntheticHeader(); err != nil {
			return err
		}
	}
	return r.writeRaw(e)
}

// emitSyntheticHeader writes the minimal preamble a real producer always
// starts with, using sentinels for the thread/pid/timestamp/cpu fields a
// shard with no input cannot know.
func (r *run) emitSyntheticHeader() error {
	synthetic := []entry.Entry{
		{Kind: entry.KindHeader},
		entry.NewMarker(entry.MarkerVersion, 1),
		entry.NewMarker(entry.MarkerFiletype, uint64(r.state.Filetype)),
		{Kind: entry.KindThread, Raw: entry.IdleThreadID},
		{Kind: entry.KindPid, Raw: entry.InvalidPID},
		entry.NewMarker(entry.MarkerTimestamp, entry.NoTimestamp),
		entry.NewMarker(entry.MarkerCPUID, entry.InvalidCPUID),
	}
	for _, e := range synthetic {
		if err := r.writeRaw(e); err != nil {
			return err
		}
	}
	return nil
}

// writeRaw writes e to the sink unconditionally, updating the bookkeeping
// every written entry affects: the output entry count, ref counting, and
// the last-written kind.
func (r *run) writeRaw(e entry.Entry) error {
	if err := entry.WriteEntry(r.w, e); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	r.state.OutputEntryCount++
	r.state.CurRefs += uint64(entry.RefCount(e))
	r.state.LastWrittenKind = e.Kind
	return nil
}
