package filter

import (
	"testing"

	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/filetype"
)

func TestCacheFilterDropsRepeatedAccessesToSameLine(t *testing.T) {
	f, err := NewCacheFilter(1, 64, 64, true, false)
	if err != nil {
		t.Fatal(err)
	}
	st, err := f.Init(nil, false)
	if err != nil {
		t.Fatal(err)
	}

	first := entry.Entry{Kind: entry.KindRead, Size: 8, Raw: 0x1000}
	keep, err := f.Filter(&first, st, &Info{})
	if err != nil || !keep {
		t.Fatalf("first access: keep=%v err=%v, want true", keep, err)
	}
	second := entry.Entry{Kind: entry.KindRead, Size: 8, Raw: 0x1004} // same line
	keep, err = f.Filter(&second, st, &Info{})
	if err != nil || keep {
		t.Fatalf("same-line access: keep=%v err=%v, want false", keep, err)
	}

	if got := f.UpdateFiletype(0); got&filetype.DFiltered == 0 {
		t.Errorf("expected DFiltered bit set, got %v", got)
	}
}

func TestNewCacheFilterValidatesGeometry(t *testing.T) {
	if _, err := NewCacheFilter(2, 64, 100, true, false); err == nil {
		t.Error("expected error: size not a multiple of associativity*lineSize")
	}
	if _, err := NewCacheFilter(1, 63, 64, true, false); err == nil {
		t.Error("expected error: line size not a power of two")
	}
}
