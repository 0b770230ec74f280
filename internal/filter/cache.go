package filter

import (
	"fmt"
	"math/bits"

	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/filetype"
)

// CacheFilter models an M-way set-associative cache and drops any
// memory-access or instruction-fetch entry that hits in it, the way a
// real cache-warming pass discards traffic already accounted for.
type CacheFilter struct {
	Associativity int
	LineSize      int
	TotalSize     int
	FilterData    bool
	FilterInstrs  bool

	lineBits uint
	sets     int
}

type cacheSet struct {
	// tags in MRU..LRU order; tags[0] is most recently used.
	tags []uint64
}

type cacheState struct {
	sets []cacheSet
}

// NewCacheFilter validates the geometry and returns a ready filter.
func NewCacheFilter(associativity, lineSize, totalSize int, filterData, filterInstrs bool) (*CacheFilter, error) {
	if associativity <= 0 || lineSize <= 0 || totalSize <= 0 {
		return nil, fmt.Errorf("cache filter: associativity, line size and total size must be positive")
	}
	if lineSize&(lineSize-1) != 0 {
		return nil, fmt.Errorf("cache filter: line size %d is not a power of two", lineSize)
	}
	numLines := totalSize / lineSize
	if numLines < associativity || numLines%associativity != 0 {
		return nil, fmt.Errorf("cache filter: total size %d is not a multiple of %d-way lines of %d bytes", totalSize, associativity, lineSize)
	}
	return &CacheFilter{
		Associativity: associativity,
		LineSize:      lineSize,
		TotalSize:     totalSize,
		FilterData:    filterData,
		FilterInstrs:  filterInstrs,
		lineBits:      uint(bits.TrailingZeros(uint(lineSize))),
		sets:          numLines / associativity,
	}, nil
}

func (c *CacheFilter) Init(stream entry.Stream, partial bool) (State, error) {
	st := &cacheState{sets: make([]cacheSet, c.sets)}
	for i := range st.sets {
		st.sets[i].tags = make([]uint64, 0, c.Associativity)
	}
	return st, nil
}

// probe returns true on a hit, installing/promoting the tag as MRU either
// way.
func (c *CacheFilter) probe(st *cacheState, addr uint64) bool {
	tag := addr >> c.lineBits
	idx := int(tag % uint64(c.sets))
	set := &st.sets[idx]
	for i, t := range set.tags {
		if t == tag {
			// Promote to MRU.
			copy(set.tags[1:i+1], set.tags[:i])
			set.tags[0] = tag
			return true
		}
	}
	// Miss: install as MRU, evicting LRU if full.
	if len(set.tags) == c.Associativity {
		set.tags = set.tags[:len(set.tags)-1]
	}
	set.tags = append([]uint64{tag}, set.tags...)
	return false
}

func (c *CacheFilter) Filter(e *entry.Entry, state State, info *Info) (bool, error) {
	st := state.(*cacheState)
	isMem := entry.IsMemoryAccess(e.Kind)
	isFetch := entry.IsInstr(e.Kind) && e.Size > 0
	if !(isMem && c.FilterData) && !(isFetch && c.FilterInstrs) {
		return true, nil
	}
	hit := c.probe(st, e.Addr())
	return !hit, nil
}

func (c *CacheFilter) Exit(state State) error { return nil }

func (c *CacheFilter) UpdateFiletype(b filetype.Bits) filetype.Bits {
	if c.FilterData {
		b = b.With(filetype.DFiltered)
	}
	if c.FilterInstrs {
		b = b.With(filetype.IFiltered)
	}
	return b
}
