// Package coordinator implements the cross-shard agreement (C6): a
// one-shot negotiation of the output file extension, trace version, and
// file-type bits, and the per-input PC→encoding maps shared by
// core-sharded shards that take turns serving the same input.
package coordinator

import (
	"fmt"
	"sync"

	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/filetype"
)

// Coordinator holds the state shared across all shards of one run.
type Coordinator struct {
	mu    sync.Mutex
	cond  *sync.Cond
	ready bool

	ext      string
	version  uint64
	filetype filetype.Bits

	inputsMu sync.Mutex
	inputs   map[int]*InputInfo
}

// New returns a Coordinator ready for one run's shards.
func New() *Coordinator {
	c := &Coordinator{inputs: make(map[int]*InputInfo)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Negotiate implements §4.6: the first shard with an actual input stream
// captures (ext, version, filetype) and wakes every shard waiting on a
// no-input idle start; later callers, whether or not they have an input,
// simply receive the agreed values. hasInput shards still race to be
// first; only the first capture wins, consistent with "the first shard
// with an input stream".
func (c *Coordinator) Negotiate(hasInput bool, ext string, version uint64, bits filetype.Bits) (string, uint64, filetype.Bits, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hasInput && !c.ready {
		if version == 0 {
			return "", 0, 0, fmt.Errorf("coordinator: trace version 0 is not supported")
		}
		c.ext, c.version, c.filetype = ext, version, bits
		c.ready = true
		c.cond.Broadcast()
		return c.ext, c.version, c.filetype, nil
	}
	for !c.ready {
		c.cond.Wait()
	}
	return c.ext, c.version, c.filetype, nil
}

// InputInfo is the per-input state shared by shards that take turns
// serving the same core-sharded input: a PC→encoding map guarded by its
// own lock, so shards on different inputs never contend with each other.
type InputInfo struct {
	mu          sync.Mutex
	pc2encoding map[uint64][]entry.Entry
}

// Input lazily creates and returns the InputInfo for id, under the
// coordinator's shared lookup lock. Subsequent lookups for the same id
// return the same record.
func (c *Coordinator) Input(id int) *InputInfo {
	c.inputsMu.Lock()
	defer c.inputsMu.Unlock()
	info, ok := c.inputs[id]
	if !ok {
		info = &InputInfo{pc2encoding: make(map[uint64][]entry.Entry)}
		c.inputs[id] = info
	}
	return info
}

// Store saves the encoding sequence last seen for pc on this input.
func (i *InputInfo) Store(pc uint64, enc []entry.Entry) {
	i.mu.Lock()
	defer i.mu.Unlock()
	cp := make([]entry.Entry, len(enc))
	copy(cp, enc)
	i.pc2encoding[pc] = cp
}

// Lookup returns the previously stored encoding sequence for pc, if any.
func (i *InputInfo) Lookup(pc uint64) ([]entry.Entry, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	enc, ok := i.pc2encoding[pc]
	return enc, ok
}
