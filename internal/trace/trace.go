// Package trace implements a Chrome-trace-format event sink for the
// shard runner: per-shard begin/end events plus periodic CPU/memory
// counter events, so a run can be opened directly in
// chrome://tracing or Perfetto for a visual timeline of shard work.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/edit

var start = time.Now()

var (
	sinkMu sync.Mutex
	sink   io.Writer = ioutil.Discard
)

// Sink writes all following Event()s as a Chrome trace event file into w.
func Sink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sink = w
	// Start the JSON Array Format; the closing ] is optional, so it is
	// never written.
	w.Write([]byte{'['})
}

// Enable is a convenience function for creating a trace file in
// $TMPDIR/drrecordfilter.traces/prefix.$PID. The filename assumes the OS
// does not frequently re-use the same pid.
func Enable(prefix string) error {
	fn := filepath.Join(os.TempDir(), "drrecordfilter.traces", fmt.Sprintf("%s.%d", prefix, os.Getpid()))
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return err
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	Sink(f)
	return nil
}

func cpuEvents() error {
	percents, err := cpu.Percent(0, true)
	if err != nil {
		return err
	}
	for i, pct := range percents {
		ev := Event(fmt.Sprintf("cpu%d", i), 0)
		ev.Pid = 2
		ev.Type = "C" // counter
		ev.Args = map[string]float64{"percent": pct}
		ev.Done()
	}
	return nil
}

// CPUEvents periodically samples per-CPU utilization via gopsutil until
// ctx is canceled.
func CPUEvents(ctx context.Context, frequency time.Duration) error {
	tick := time.NewTicker(frequency)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := cpuEvents(); err != nil {
				return fmt.Errorf("cpuEvents: %w", err)
			}
		}
	}
}

func memEvents() error {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return err
	}
	ev := Event("MemAvailable", 0)
	ev.Pid = 1
	ev.Type = "C" // counter
	ev.Args = map[string]uint64{"available": vm.Available}
	ev.Done()
	return nil
}

// MemEvents periodically samples available memory via gopsutil until ctx
// is canceled.
func MemEvents(ctx context.Context, frequency time.Duration) error {
	tick := time.NewTicker(frequency)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := memEvents(); err != nil {
				return fmt.Errorf("memEvents: %w", err)
			}
		}
	}
}

// PendingEvent is one in-flight "X" (complete) or "C" (counter) event;
// Done() stamps its duration and writes it to the sink.
type PendingEvent struct {
	Name           string      `json:"name"` // name of the event, as displayed in Trace Viewer
	Categories     string      `json:"cat"`  // event categories (comma-separated)
	Type           string      `json:"ph"`   // event type (single character)
	ClockTimestamp uint64      `json:"ts"`   // tracing clock timestamp (microsecond granularity)
	Duration       uint64      `json:"dur"`
	Pid            uint64      `json:"pid"` // process ID for the process that output this event
	Tid            uint64      `json:"tid"` // thread ID for the thread that output this event
	Args           interface{} `json:"args"`

	start time.Time
}

func (pe *PendingEvent) Done() {
	pe.Duration = uint64(time.Since(pe.start) / time.Microsecond)
	b, err := json.Marshal(pe)
	if err != nil {
		panic(err)
	}
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if _, err := sink.Write(append(b, ',')); err != nil {
		log.Printf("[trace] %v", err)
	}
}

// Event starts a new pending event for the given shard/worker slot tid.
func Event(name string, tid int) *PendingEvent {
	return &PendingEvent{
		Name:           name,
		Type:           "X",
		ClockTimestamp: uint64(time.Since(start) / time.Microsecond),
		Tid:            uint64(tid),
		start:          time.Now(),
	}
}
