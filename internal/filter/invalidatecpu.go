package filter

import (
	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/filetype"
)

// InvalidateCPUFilter rewrites every CPU_ID marker's value to the
// "unknown" sentinel without removing any entries, for anonymizing which
// core ran what.
type InvalidateCPUFilter struct{}

func NewInvalidateCPUFilter() *InvalidateCPUFilter { return &InvalidateCPUFilter{} }

func (f *InvalidateCPUFilter) Init(stream entry.Stream, partial bool) (State, error) {
	return nil, nil
}

func (f *InvalidateCPUFilter) Filter(e *entry.Entry, state State, info *Info) (bool, error) {
	if e.Kind == entry.KindMarker && e.Marker() == entry.MarkerCPUID {
		e.SetAddr(entry.InvalidCPUID)
	}
	return true, nil
}

func (f *InvalidateCPUFilter) Exit(state State) error { return nil }

func (f *InvalidateCPUFilter) UpdateFiletype(b filetype.Bits) filetype.Bits { return b }
