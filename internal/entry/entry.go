// Package entry implements the fixed-layout trace record used throughout
// the filter pipeline: the type, kind, and marker taxonomy, the entry/byte
// stream contract, and the pure per-entry accounting rules the rest of the
// tool is built on (C1 in the design).
package entry

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Kind tags the payload carried by an Entry. It mirrors drmemtrace's
// trace_type_t: a handful of instruction subkinds collapse into the same
// is-instruction predicate, the way real producers emit different INSTR_*
// kinds for direct/indirect branches and calls but treat them alike for
// most purposes.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindHeader
	KindFooter
	KindThread
	KindPid
	KindThreadExit

	// Instruction-like kinds. Collectively is_instr(kind) below.
	KindInstr
	KindInstrDirectJump
	KindInstrIndirectJump
	KindInstrDirectCall
	KindInstrIndirectCall
	KindInstrReturn
	KindInstrSyscall
	KindInstrBundle

	KindRead
	KindWrite
	KindPrefetch

	KindEncoding
	KindMarker
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "HEADER"
	case KindFooter:
		return "FOOTER"
	case KindThread:
		return "THREAD"
	case KindPid:
		return "PID"
	case KindThreadExit:
		return "THREAD_EXIT"
	case KindInstr, KindInstrDirectJump, KindInstrIndirectJump, KindInstrDirectCall,
		KindInstrIndirectCall, KindInstrReturn, KindInstrSyscall, KindInstrBundle:
		return "INSTR"
	case KindRead:
		return "READ"
	case KindWrite:
		return "WRITE"
	case KindPrefetch:
		return "PREFETCH"
	case KindEncoding:
		return "ENCODING"
	case KindMarker:
		return "MARKER"
	default:
		return fmt.Sprintf("KIND(%d)", uint16(k))
	}
}

// IsInstr reports whether kind is one of the instruction-fetch subkinds.
func IsInstr(k Kind) bool {
	switch k {
	case KindInstr, KindInstrDirectJump, KindInstrIndirectJump, KindInstrDirectCall,
		KindInstrIndirectCall, KindInstrReturn, KindInstrSyscall, KindInstrBundle:
		return true
	}
	return false
}

// IsMemoryAccess reports whether kind records a data access.
func IsMemoryAccess(k Kind) bool {
	switch k {
	case KindRead, KindWrite, KindPrefetch:
		return true
	}
	return false
}

// MarkerType is the sub-type of a MARKER entry, carried in the entry's
// Size field.
type MarkerType uint16

const (
	MarkerInvalid MarkerType = iota
	MarkerTimestamp
	MarkerCPUID
	MarkerVersion
	MarkerFiletype
	MarkerFuncID
	MarkerFuncArg
	MarkerFuncRetval
	MarkerFuncRetaddr
	MarkerChunkInstrCount
	MarkerChunkFooter
	MarkerRecordOrdinal
	MarkerPageSize
	MarkerCacheLineSize
	MarkerWindowID
	MarkerCoreWait
	MarkerCoreIdle
	MarkerPhysicalAddress
	MarkerPhysicalAddressNotAvailable
	MarkerFilterEndpoint
	MarkerBranchTarget
)

func (m MarkerType) String() string {
	names := [...]string{
		"INVALID", "TIMESTAMP", "CPU_ID", "VERSION", "FILETYPE", "FUNC_ID",
		"FUNC_ARG", "FUNC_RETVAL", "FUNC_RETADDR", "CHUNK_INSTR_COUNT",
		"CHUNK_FOOTER", "RECORD_ORDINAL", "PAGE_SIZE", "CACHE_LINE_SIZE",
		"WINDOW_ID", "CORE_WAIT", "CORE_IDLE", "PHYSICAL_ADDRESS",
		"PHYSICAL_ADDRESS_NOT_AVAILABLE", "FILTER_ENDPOINT", "BRANCH_TARGET",
	}
	if int(m) < len(names) {
		return names[m]
	}
	return fmt.Sprintf("MARKER(%d)", uint16(m))
}

// Sentinel marker values used when synthesizing headers and invalidating
// fields; mirrors the original's IDLE_THREAD_ID/INVALID_PID/-1 sentinels.
const (
	IdleThreadID   uint64 = 0xffffffff00000000
	InvalidPID     uint64 = ^uint64(0)
	InvalidCPUID   uint64 = ^uint64(0)
	UnknownCPUID   uint64 = ^uint64(0)
	NoTimestamp    uint64 = ^uint64(0)
	RegdepsMaxSize        = 16
	RegdepsAlign          = 4
)

// Stride is the on-the-wire size of one Entry: a 16-bit kind, a 16-bit
// size, and a pointer-width addr/encoding union. encoding/binary reads and
// writes the fields back to back with no inserted padding, so Stride must
// match exactly what ReadEntry/WriteEntry transfer.
const Stride = 2 + 2 + 8

// Entry is one fixed-size record of the trace stream. Raw carries either
// the marker value / program counter / effective address (most kinds) or,
// for KindEncoding, up to 8 raw instruction bytes packed little-endian —
// the "encoding buffer overlapping addr" from the format's union layout.
type Entry struct {
	Kind Kind
	Size uint16
	Raw  uint64
}

// Addr returns the pointer-width field interpreted as an address or marker
// value.
func (e Entry) Addr() uint64 { return e.Raw }

// SetAddr overwrites the address/marker-value field.
func (e *Entry) SetAddr(v uint64) { e.Raw = v }

// EncodingBytes returns the valid instruction bytes carried by a
// KindEncoding entry, per Size (capped to the 8-byte union width).
func (e Entry) EncodingBytes() []byte {
	n := int(e.Size)
	if n > 8 {
		n = 8
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, e.Raw)
	return buf[:n]
}

// NewEncodingEntry builds a KindEncoding entry from up to 8 raw bytes.
func NewEncodingEntry(b []byte) Entry {
	if len(b) > 8 {
		b = b[:8]
	}
	var buf [8]byte
	copy(buf[:], b)
	return Entry{Kind: KindEncoding, Size: uint16(len(b)), Raw: binary.LittleEndian.Uint64(buf[:])}
}

// Marker returns the marker sub-type carried in Size; only meaningful when
// Kind == KindMarker.
func (e Entry) Marker() MarkerType { return MarkerType(e.Size) }

// NewMarker builds a MARKER entry of the given sub-type and value.
func NewMarker(t MarkerType, value uint64) Entry {
	return Entry{Kind: KindMarker, Size: uint16(t), Raw: value}
}

// RefCount returns the entry's contribution to the visible-record count
// ("refs"), per §3: most entries contribute 1; a handful of
// bookkeeping-only markers contribute 0 because they exist purely to carry
// metadata the filter re-synthesizes on its own terms (CPU_ID, RECORD_ORDINAL,
// ...) or, in the case of BRANCH_TARGET/CHUNK_INSTR_COUNT/CHUNK_FOOTER/CORE_WAIT,
// never correspond to a distinct record in the producer's accounting.
func RefCount(e Entry) int {
	if e.Kind != KindMarker {
		return 1
	}
	switch e.Marker() {
	case MarkerCPUID, MarkerBranchTarget, MarkerWindowID, MarkerChunkInstrCount,
		MarkerChunkFooter, MarkerRecordOrdinal, MarkerCoreWait:
		return 0
	default:
		return 1
	}
}

// ReadEntry reads one Entry from r. It returns io.EOF only when zero bytes
// were read at a record boundary; a short read mid-record is reported as
// an error on a stream that is not a multiple of Stride, per §4.1.
func ReadEntry(r io.Reader) (Entry, error) {
	var e Entry
	if err := binary.Read(r, binary.LittleEndian, &e.Kind); err != nil {
		return Entry{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.Size); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Entry{}, fmt.Errorf("entry: short read, stream is not a multiple of the %d-byte record stride: %w", Stride, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &e.Raw); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Entry{}, fmt.Errorf("entry: short read, stream is not a multiple of the %d-byte record stride: %w", Stride, err)
	}
	return e, nil
}

// WriteEntry writes one Entry to w.
func WriteEntry(w io.Writer, e Entry) error {
	if err := binary.Write(w, binary.LittleEndian, e.Kind); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, e.Size); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, e.Raw)
}

// Stream is the input contract the shard driver and filters pull entries
// from. Implementations additionally know which input and workload they
// are currently serving, used by the cross-shard coordinator to detect
// input switches in core-sharded mode.
type Stream interface {
	// Next returns the next entry, or io.EOF when the shard's input is
	// exhausted.
	Next() (Entry, error)
	// Name is the underlying input's file name; a thread-sharded output
	// file takes the same name. The output extension is not derived from
	// it: it comes from configuration.
	Name() string
	// InputID identifies the current input within a core-sharded stream;
	// -1 when not applicable (thread-sharded mode has exactly one input
	// per shard, fixed for the shard's lifetime).
	InputID() int
	// WorkloadID identifies the current workload; -1 when not applicable.
	WorkloadID() int
}
