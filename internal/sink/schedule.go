package sink

import (
	"archive/zip"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ScheduleTuple is one (tid, cpu, timestamp, instr_ordinal) record emitted
// by the shard driver whenever it keeps a CPU_ID marker.
type ScheduleTuple struct {
	TID         uint64
	CPU         uint64
	Timestamp   uint64
	InstrOrdinal uint64
}

// ScheduleRecorder accumulates tuples across every shard of a run under a
// single lock, consulted only at finalize time (§5's fourth suspension
// point).
type ScheduleRecorder struct {
	mu     sync.Mutex
	tuples []ScheduleTuple
}

func NewScheduleRecorder() *ScheduleRecorder { return &ScheduleRecorder{} }

// Record appends one tuple. Safe for concurrent use by shard workers.
func (r *ScheduleRecorder) Record(t ScheduleTuple) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tuples = append(r.tuples, t)
}

// WriteSerial writes every tuple, ordered by timestamp, as fixed-width
// binary records — gzip-compressed if w is wrapped accordingly by the
// caller's file suffix.
func (r *ScheduleRecorder) WriteSerial(w io.Writer) error {
	r.mu.Lock()
	tuples := append([]ScheduleTuple(nil), r.tuples...)
	r.mu.Unlock()
	sort.Slice(tuples, func(i, j int) bool { return tuples[i].Timestamp < tuples[j].Timestamp })
	for _, t := range tuples {
		if err := writeTuple(w, t); err != nil {
			return err
		}
	}
	return nil
}

// WriteSerialGz writes the serial schedule file gzip-compressed to w,
// per §4.7's "<SERIAL_FILENAME>.gz".
func (r *ScheduleRecorder) WriteSerialGz(w io.Writer) error {
	gz := gzip.NewWriter(w)
	if err := r.WriteSerial(gz); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

// WriteCPU writes one zip component per CPU, each holding that CPU's
// tuples ordered by timestamp — the per-CPU schedule file, which requires
// zip support per §4.7.
func (r *ScheduleRecorder) WriteCPU(w io.Writer) error {
	r.mu.Lock()
	tuples := append([]ScheduleTuple(nil), r.tuples...)
	r.mu.Unlock()

	byCPU := make(map[uint64][]ScheduleTuple)
	for _, t := range tuples {
		byCPU[t.CPU] = append(byCPU[t.CPU], t)
	}
	zw := zip.NewWriter(w)
	cpus := make([]uint64, 0, len(byCPU))
	for cpu := range byCPU {
		cpus = append(cpus, cpu)
	}
	sort.Slice(cpus, func(i, j int) bool { return cpus[i] < cpus[j] })
	for _, cpu := range cpus {
		ts := byCPU[cpu]
		sort.Slice(ts, func(i, j int) bool { return ts[i].Timestamp < ts[j].Timestamp })
		cw, err := zw.Create(fmt.Sprintf("cpu_%d", cpu))
		if err != nil {
			return err
		}
		for _, t := range ts {
			if err := writeTuple(cw, t); err != nil {
				return err
			}
		}
	}
	return zw.Close()
}

func writeTuple(w io.Writer, t ScheduleTuple) error {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:8], t.TID)
	binary.LittleEndian.PutUint64(buf[8:16], t.CPU)
	binary.LittleEndian.PutUint64(buf[16:24], t.Timestamp)
	binary.LittleEndian.PutUint64(buf[24:32], t.InstrOrdinal)
	_, err := w.Write(buf[:])
	return err
}
