package runner

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/DynamoRIO/drrecordfilter/internal/coordinator"
	"github.com/DynamoRIO/drrecordfilter/internal/decode"
	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/filetype"
	"github.com/DynamoRIO/drrecordfilter/internal/filter"
	"github.com/DynamoRIO/drrecordfilter/internal/shard"
	"github.com/DynamoRIO/drrecordfilter/internal/sink"
)

type sliceStream struct {
	entries []entry.Entry
	i       int
}

func (s *sliceStream) Next() (entry.Entry, error) {
	if s.i >= len(s.entries) {
		return entry.Entry{}, io.EOF
	}
	e := s.entries[s.i]
	s.i++
	return e, nil
}
func (s *sliceStream) Name() string    { return "test.trace" }
func (s *sliceStream) InputID() int    { return -1 }
func (s *sliceStream) WorkloadID() int { return -1 }

type memSink struct{ bytes.Buffer }

func (m *memSink) OpenComponent(name string) error { return nil }
func (m *memSink) IsArchive() bool                 { return false }
func (m *memSink) Close() error                     { return nil }

func traceEntries(version uint64, bits filetype.Bits) []entry.Entry {
	return []entry.Entry{
		{Kind: entry.KindHeader},
		entry.NewMarker(entry.MarkerVersion, version),
		entry.NewMarker(entry.MarkerFiletype, uint64(bits)),
		{Kind: entry.KindInstr, Raw: 0x400000, Size: 4},
		{Kind: entry.KindFooter},
	}
}

func TestRunDrivesAllShardsConcurrently(t *testing.T) {
	coord := coordinator.New()
	d := shard.NewDriver(shard.Config{}, filter.NewPipeline(), decode.NewReference(), coord, sink.NewScheduleRecorder())

	const n = 6
	jobs := make([]Job, n)
	for i := 0; i < n; i++ {
		jobs[i] = Job{
			TID:    uint64(i + 1),
			Stream: &sliceStream{entries: traceEntries(1, filetype.ArchX86_64)},
			Writer: &memSink{},
		}
	}

	r := &Runner{Driver: d, Jobs: 3}
	results, err := r.Run(context.Background(), jobs)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != n {
		t.Fatalf("got %d results, want %d", len(results), n)
	}
	for i, res := range results {
		if res.Err != nil {
			t.Errorf("shard %d: unexpected error: %v", i, res.Err)
		}
		if res.State == nil {
			t.Errorf("shard %d: nil state", i)
			continue
		}
		if res.State.NowEmpty {
			t.Errorf("shard %d: unexpectedly reported NowEmpty", i)
		}
	}
}

func TestRunSurvivesOneShardFailing(t *testing.T) {
	coord := coordinator.New()
	d := shard.NewDriver(shard.Config{CoreSharded: true}, filter.NewPipeline(), decode.NewReference(), coord, sink.NewScheduleRecorder())

	good := Job{TID: 1, Stream: &sliceStream{entries: traceEntries(1, filetype.ArchX86_64)}, Writer: &memSink{}}
	bad := Job{TID: 2, Stream: &failingStream{}, Writer: &memSink{}}

	r := &Runner{Driver: d, Jobs: 2}
	results, err := r.Run(context.Background(), []Job{good, bad})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Err != nil {
		t.Errorf("shard 1: unexpected error: %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Error("shard 2: expected an error from a stream that always fails")
	}
}

type failingStream struct{}

func (failingStream) Next() (entry.Entry, error) { return entry.Entry{}, errAlwaysFails }
func (failingStream) Name() string               { return "bad.trace" }
func (failingStream) InputID() int               { return 0 }
func (failingStream) WorkloadID() int            { return 0 }

var errAlwaysFails = errReader("stream always fails")

type errReader string

func (e errReader) Error() string { return string(e) }
