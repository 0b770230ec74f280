package filter

import (
	"fmt"

	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/filetype"
)

// ModifyMarkerValueFilter overwrites the addr of every marker whose
// sub-type appears in a configured (type, value) map.
type ModifyMarkerValueFilter struct {
	values map[entry.MarkerType]uint64
}

// NewModifyMarkerValueFilter builds the filter from a flat, even-length
// list of (marker type, new value) pairs. Duplicate keys: last one wins.
func NewModifyMarkerValueFilter(pairs []uint64) (*ModifyMarkerValueFilter, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("modify-marker-value filter: pairs list must not be empty")
	}
	if len(pairs)%2 != 0 {
		return nil, fmt.Errorf("modify-marker-value filter: pairs list must have an even number of elements")
	}
	values := make(map[entry.MarkerType]uint64, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		values[entry.MarkerType(pairs[i])] = pairs[i+1]
	}
	return &ModifyMarkerValueFilter{values: values}, nil
}

func (f *ModifyMarkerValueFilter) Init(stream entry.Stream, partial bool) (State, error) {
	return nil, nil
}

func (f *ModifyMarkerValueFilter) Filter(e *entry.Entry, state State, info *Info) (bool, error) {
	if e.Kind != entry.KindMarker {
		return true, nil
	}
	if v, ok := f.values[e.Marker()]; ok {
		e.SetAddr(v)
	}
	return true, nil
}

func (f *ModifyMarkerValueFilter) Exit(state State) error { return nil }

func (f *ModifyMarkerValueFilter) UpdateFiletype(b filetype.Bits) filetype.Bits { return b }
