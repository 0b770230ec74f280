package filter

import (
	"testing"

	"github.com/DynamoRIO/drrecordfilter/internal/entry"
)

// TestModifyMarkerValueFilter mirrors seed scenario S3: CPU_ID becomes -1,
// PAGE_SIZE becomes 0x800, nothing else changes.
func TestModifyMarkerValueFilter(t *testing.T) {
	f, err := NewModifyMarkerValueFilter([]uint64{
		uint64(entry.MarkerCPUID), ^uint64(0),
		uint64(entry.MarkerPageSize), 0x800,
	})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		in   entry.Entry
		want uint64
	}{
		{entry.NewMarker(entry.MarkerCPUID, 3), ^uint64(0)},
		{entry.NewMarker(entry.MarkerPageSize, 0x1000), 0x800},
		{entry.NewMarker(entry.MarkerTimestamp, 42), 42},
	}
	for i, tc := range cases {
		e := tc.in
		keep, err := f.Filter(&e, nil, &Info{})
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if !keep {
			t.Fatalf("case %d: expected keep", i)
		}
		if e.Addr() != tc.want {
			t.Errorf("case %d: addr = %#x, want %#x", i, e.Addr(), tc.want)
		}
	}
}

func TestNewModifyMarkerValueFilterRejectsBadLists(t *testing.T) {
	if _, err := NewModifyMarkerValueFilter(nil); err == nil {
		t.Error("empty list: expected error")
	}
	if _, err := NewModifyMarkerValueFilter([]uint64{1, 2, 3}); err == nil {
		t.Error("odd-length list: expected error")
	}
}
