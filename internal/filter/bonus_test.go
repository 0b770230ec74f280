package filter

import (
	"testing"

	"github.com/DynamoRIO/drrecordfilter/internal/entry"
)

func TestToggleFilterFlipsOnceAtThreshold(t *testing.T) {
	f := NewToggleFilter(2, true)
	st, _ := f.Init(nil, false)
	var keeps []bool
	for i := 0; i < 4; i++ {
		e := entry.Entry{Kind: entry.KindInstr, Size: 1}
		keep, err := f.Filter(&e, st, &Info{})
		if err != nil {
			t.Fatal(err)
		}
		keeps = append(keeps, keep)
	}
	want := []bool{true, false, false, false}
	for i := range want {
		if keeps[i] != want[i] {
			t.Errorf("instr %d: keep=%v, want %v", i, keeps[i], want[i])
		}
	}
}

func TestInvalidateCPUFilterRewritesValueOnly(t *testing.T) {
	f := NewInvalidateCPUFilter()
	st, _ := f.Init(nil, false)
	cpu := entry.NewMarker(entry.MarkerCPUID, 3)
	if keep, err := f.Filter(&cpu, st, &Info{}); err != nil || !keep {
		t.Fatalf("keep=%v err=%v", keep, err)
	}
	if cpu.Addr() != entry.InvalidCPUID {
		t.Errorf("addr = %#x, want sentinel", cpu.Addr())
	}
	ts := entry.NewMarker(entry.MarkerTimestamp, 99)
	if keep, _ := f.Filter(&ts, st, &Info{}); !keep || ts.Addr() != 99 {
		t.Errorf("non-CPU_ID marker was mutated or dropped")
	}
}

func TestFuncMarkerFilterClearsOnFirstRetval(t *testing.T) {
	f := NewFuncMarkerFilter([]uint64{7})
	st, _ := f.Init(nil, false)

	seq := []entry.Entry{
		entry.NewMarker(entry.MarkerFuncID, 7),
		entry.NewMarker(entry.MarkerFuncArg, 1),
		entry.NewMarker(entry.MarkerFuncRetval, 0),
		entry.NewMarker(entry.MarkerFuncArg, 2), // after retval: must not re-emit
	}
	want := []bool{true, true, true, false}
	for i := range seq {
		keep, err := f.Filter(&seq[i], st, &Info{})
		if err != nil {
			t.Fatal(err)
		}
		if keep != want[i] {
			t.Errorf("entry %d: keep=%v, want %v", i, keep, want[i])
		}
	}
}
