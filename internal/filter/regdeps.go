package filter

import (
	"fmt"

	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/filetype"
)

// EncodingsToRegdepsFilter replaces each instruction's real-ISA encoding
// with its register-dependency form, via the decoder collaborator. The
// instruction's own Size field — its real-ISA byte length — is left
// untouched; see spec's open question on this in the design notes.
type EncodingsToRegdepsFilter struct{}

func NewEncodingsToRegdepsFilter() *EncodingsToRegdepsFilter {
	return &EncodingsToRegdepsFilter{}
}

func (f *EncodingsToRegdepsFilter) Init(stream entry.Stream, partial bool) (State, error) {
	return nil, nil
}

func (f *EncodingsToRegdepsFilter) Filter(e *entry.Entry, state State, info *Info) (bool, error) {
	if e.Kind == entry.KindMarker && e.Marker() == entry.MarkerFiletype {
		e.SetAddr(uint64(f.UpdateFiletype(filetype.Bits(e.Addr()))))
		return true, nil
	}
	if !entry.IsInstr(e.Kind) || info.Decoder == nil || info.LastEncoding == nil || len(*info.LastEncoding) == 0 {
		return true, nil
	}

	var raw []byte
	for _, enc := range *info.LastEncoding {
		raw = append(raw, enc.EncodingBytes()...)
	}

	decoded, err := info.Decoder.Decode(raw, e.Addr())
	if err != nil {
		return false, fmt.Errorf("encodings-to-regdeps: decode at pc %#x: %w", e.Addr(), err)
	}
	regdeps, err := info.Decoder.ConvertToRegdeps(decoded)
	if err != nil {
		return false, fmt.Errorf("encodings-to-regdeps: convert at pc %#x: %w", e.Addr(), err)
	}
	var buf [entry.RegdepsMaxSize]byte
	n, err := info.Decoder.Encode(regdeps, buf[:])
	if err != nil {
		return false, fmt.Errorf("encodings-to-regdeps: encode at pc %#x: %w", e.Addr(), err)
	}

	// Re-pack into ENCODING records of up to 8 bytes each (the union
	// width), with the encoding zero-padded up to the 4-byte regdeps
	// alignment.
	aligned := (n + entry.RegdepsAlign - 1) &^ (entry.RegdepsAlign - 1)
	if aligned == 0 {
		aligned = entry.RegdepsAlign
	}
	packed := make([]byte, aligned)
	copy(packed, buf[:n])
	newEncodings := make([]entry.Entry, 0, (aligned+7)/8)
	for off := 0; off < aligned; off += 8 {
		chunkLen := aligned - off
		if chunkLen > 8 {
			chunkLen = 8
		}
		newEncodings = append(newEncodings, entry.NewEncodingEntry(packed[off:off+chunkLen]))
	}
	*info.LastEncoding = newEncodings
	return true, nil
}

func (f *EncodingsToRegdepsFilter) Exit(state State) error { return nil }

func (f *EncodingsToRegdepsFilter) UpdateFiletype(b filetype.Bits) filetype.Bits {
	return b.Without(filetype.ArchAll).With(filetype.ArchRegdeps)
}
