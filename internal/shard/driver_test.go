package shard

import (
	"bytes"
	"io"
	"testing"

	"github.com/DynamoRIO/drrecordfilter/internal/coordinator"
	"github.com/DynamoRIO/drrecordfilter/internal/decode"
	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/filetype"
	"github.com/DynamoRIO/drrecordfilter/internal/filter"
	"github.com/DynamoRIO/drrecordfilter/internal/sink"
)

// sliceStream is a fixed sequence of entries for one (input, workload)
// pair, used by tests in place of a real file-backed entry.Stream.
type sliceStream struct {
	entries    []entry.Entry
	i          int
	inputID    int
	workloadID int
}

func (s *sliceStream) Next() (entry.Entry, error) {
	if s.i >= len(s.entries) {
		return entry.Entry{}, io.EOF
	}
	e := s.entries[s.i]
	s.i++
	return e, nil
}

func (s *sliceStream) Name() string       { return "test.trace" }
func (s *sliceStream) InputID() int       { return s.inputID }
func (s *sliceStream) WorkloadID() int    { return s.workloadID }

// plainSink is an in-memory sink.Writer that is never an archive.
type plainSink struct{ bytes.Buffer }

func (p *plainSink) OpenComponent(name string) error { return nil }
func (p *plainSink) IsArchive() bool                 { return false }
func (p *plainSink) Close() error                    { return nil }

// archiveSink is an in-memory sink.Writer standing in for a zip archive:
// every OpenComponent call resets a component boundary but all writes
// still land in the same underlying buffer, which is all the chunk
// boundary tests need to see.
type archiveSink struct{ bytes.Buffer }

func (a *archiveSink) OpenComponent(name string) error { return nil }
func (a *archiveSink) IsArchive() bool                 { return true }
func (a *archiveSink) Close() error                    { return nil }

func readAll(t *testing.T, b []byte) []entry.Entry {
	t.Helper()
	r := bytes.NewReader(b)
	var out []entry.Entry
	for {
		e, err := entry.ReadEntry(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading back entries: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func header(version uint64, bits filetype.Bits) []entry.Entry {
	return []entry.Entry{
		{Kind: entry.KindHeader},
		entry.NewMarker(entry.MarkerVersion, version),
		entry.NewMarker(entry.MarkerFiletype, uint64(bits)),
		{Kind: entry.KindThread, Raw: 42},
		{Kind: entry.KindPid, Raw: 7},
	}
}

func TestRunShardPassesThroughRealHeaderUnmodified(t *testing.T) {
	entries := append(header(1, filetype.ArchX86_64), []entry.Entry{
		entry.NewMarker(entry.MarkerTimestamp, 100),
		entry.NewMarker(entry.MarkerCPUID, 3),
		{Kind: entry.KindInstr, Raw: 0x1000, Size: 4},
		{Kind: entry.KindFooter},
	}...)
	stream := &sliceStream{entries: entries}
	w := &plainSink{}

	d := NewDriver(Config{}, filter.NewPipeline(), decode.NewReference(), coordinator.New(), sink.NewScheduleRecorder())
	st, err := d.RunShard(stream, w, 1)
	if err != nil {
		t.Fatal(err)
	}
	if st.NowEmpty {
		t.Error("shard with a real instruction should not be NowEmpty")
	}

	got := readAll(t, w.Bytes())
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	if got[0].Kind != entry.KindHeader {
		t.Errorf("first entry = %v, want HEADER", got[0].Kind)
	}
	if got[len(got)-1].Kind != entry.KindFooter {
		t.Errorf("last entry = %v, want FOOTER", got[len(got)-1].Kind)
	}
}

func TestRunShardSynthesizesHeaderWhenNoInput(t *testing.T) {
	stream := &sliceStream{}
	w := &plainSink{}

	coord := coordinator.New()
	// A sibling shard supplies the real preamble first so this shard's
	// wait resolves immediately instead of blocking forever.
	if _, _, _, err := coord.Negotiate(true, "", 1, filetype.ArchAArch64); err != nil {
		t.Fatal(err)
	}

	d := NewDriver(Config{}, filter.NewPipeline(), decode.NewReference(), coord, sink.NewScheduleRecorder())
	st, err := d.RunShard(stream, w, 99)
	if err != nil {
		t.Fatal(err)
	}
	if !st.NowEmpty {
		t.Error("shard with no input at all should be NowEmpty")
	}

	got := readAll(t, w.Bytes())
	if len(got) == 0 || got[0].Kind != entry.KindHeader {
		t.Fatalf("expected a synthesized HEADER first, got %+v", got)
	}
	foundThread := false
	for _, e := range got {
		if e.Kind == entry.KindThread && e.Raw == entry.IdleThreadID {
			foundThread = true
		}
	}
	if !foundThread {
		t.Error("expected a synthesized THREAD entry carrying the idle thread sentinel")
	}
	if got[len(got)-1].Kind != entry.KindFooter {
		t.Errorf("last entry = %v, want synthesized FOOTER", got[len(got)-1].Kind)
	}
}

func TestRunShardReopensChunksOnInstrBudget(t *testing.T) {
	entries := append(header(1, filetype.ArchX86_64), []entry.Entry{
		entry.NewMarker(entry.MarkerTimestamp, 10),
		entry.NewMarker(entry.MarkerCPUID, 0),
		{Kind: entry.KindInstr, Raw: 0x1000, Size: 4},
		{Kind: entry.KindInstr, Raw: 0x1004, Size: 4},
		{Kind: entry.KindInstr, Raw: 0x1008, Size: 4},
		{Kind: entry.KindFooter},
	}...)
	stream := &sliceStream{entries: entries}
	w := &archiveSink{}

	d := NewDriver(Config{ChunkSize: 2}, filter.NewPipeline(), decode.NewReference(), coordinator.New(), sink.NewScheduleRecorder())
	if _, err := d.RunShard(stream, w, 1); err != nil {
		t.Fatal(err)
	}

	got := readAll(t, w.Bytes())
	var sawFooterMarker bool
	for _, e := range got {
		if e.Kind == entry.KindMarker && e.Marker() == entry.MarkerChunkFooter {
			sawFooterMarker = true
		}
	}
	if !sawFooterMarker {
		t.Error("expected a CHUNK_FOOTER marker once the chunk instruction budget was exceeded")
	}
}

func TestRunShardPassesThroughEntriesAfterStopTimestamp(t *testing.T) {
	entries := append(header(1, filetype.ArchX86_64), []entry.Entry{
		entry.NewMarker(entry.MarkerTimestamp, 100),
		entry.NewMarker(entry.MarkerCPUID, 0),
		{Kind: entry.KindInstr, Raw: 0x1000, Size: 4},
		entry.NewMarker(entry.MarkerTimestamp, 200),
		entry.NewMarker(entry.MarkerCPUID, 1),
		{Kind: entry.KindInstr, Raw: 0x2000, Size: 4},
		{Kind: entry.KindFooter},
	}...)
	stream := &sliceStream{entries: entries}
	w := &plainSink{}

	d := NewDriver(Config{StopTimestamp: 200}, filter.NewPipeline(), decode.NewReference(), coordinator.New(), sink.NewScheduleRecorder())
	if _, err := d.RunShard(stream, w, 1); err != nil {
		t.Fatal(err)
	}

	got := readAll(t, w.Bytes())

	var endpoints, footers int
	for _, e := range got {
		if e.Kind == entry.KindMarker && e.Marker() == entry.MarkerFilterEndpoint {
			endpoints++
		}
		if e.Kind == entry.KindFooter {
			footers++
		}
	}
	if endpoints != 1 {
		t.Errorf("got %d FILTER_ENDPOINT markers, want exactly 1", endpoints)
	}
	if footers != 1 {
		t.Errorf("got %d FOOTER entries, want exactly 1 (the real one, not a synthesized replacement)", footers)
	}
	if len(got) != len(entries)+1 {
		t.Fatalf("got %d entries, want %d (input plus one FILTER_ENDPOINT marker)", len(got), len(entries)+1)
	}
	if got[len(got)-1].Kind != entry.KindFooter {
		t.Errorf("last entry = %v, want the real trailing FOOTER", got[len(got)-1].Kind)
	}

	// Everything at or after the stop_timestamp threshold must still be
	// written through, unfiltered: the second TIMESTAMP/CPU_ID/INSTR
	// triple and the FOOTER all survive past the FILTER_ENDPOINT marker.
	wantAfterEndpoint := []entry.Entry{
		entry.NewMarker(entry.MarkerTimestamp, 200),
		entry.NewMarker(entry.MarkerCPUID, 1),
		{Kind: entry.KindInstr, Raw: 0x2000, Size: 4},
		{Kind: entry.KindFooter},
	}
	got = got[len(got)-len(wantAfterEndpoint):]
	for i, e := range got {
		if e.Kind != wantAfterEndpoint[i].Kind || e.Raw != wantAfterEndpoint[i].Raw {
			t.Errorf("entry %d after FILTER_ENDPOINT = %+v, want %+v", i, e, wantAfterEndpoint[i])
		}
	}
}

func TestRunShardRejectsWorkloadSwitchOnCoreShardedInput(t *testing.T) {
	entries := append(header(1, filetype.ArchX86_64), entry.Entry{Kind: entry.KindInstr, Raw: 0x2000, Size: 4})
	stream := &sliceStream{entries: entries, workloadID: 0}
	w := &plainSink{}

	d := NewDriver(Config{CoreSharded: true}, filter.NewPipeline(), decode.NewReference(), coordinator.New(), sink.NewScheduleRecorder())

	// Drive the first entry normally, then flip the stream's reported
	// workload mid-shard to simulate the failure condition.
	st := NewState(1)
	pst, err := d.Pipeline.Init(stream, false)
	if err != nil {
		t.Fatal(err)
	}
	r := &run{d: d, state: st, stream: stream, w: w, info: &filter.Info{LastEncoding: &st.LastEncoding, Decoder: d.Decoder}, pst: pst}
	for i := 0; i < len(entries)-1; i++ {
		e, _ := stream.Next()
		if err := r.processEntry(e); err != nil {
			t.Fatalf("unexpected error on entry %d: %v", i, err)
		}
	}
	stream.workloadID = 1
	last, _ := stream.Next()
	if err := r.processEntry(last); err == nil {
		t.Error("expected an error switching workload mid-shard")
	}
}
