// Package decode defines the out-of-scope decoder-context collaborator
// used by the encodings-to-regdeps filter (§6 of the design: "the
// instruction decoder/encoder ... is bulky but mechanical; the present
// design only states what the core requires from it").
//
// The reference implementation below is not a real x86/ARM/RISC-V decoder:
// architecture-specific decode tables are explicitly out of scope. It is a
// small, illustrative fixed-width ISA sufficient to exercise the
// encodings-to-regdeps filter's byte-packing and re-chunking logic in
// tests.
package decode

import (
	"fmt"
)

// Instr is an opaque decoded-instruction handle.
type Instr struct {
	opcode   byte
	operands []byte
	regdeps  bool
}

// Context is the decoder/encoder collaborator. Implementations are shared
// across all shards processed by one run; encodings-to-regdeps treats the
// pointer as opaque and does not assume it is safe for concurrent use.
type Context interface {
	// Decode parses the instruction at pc from raw bytes, returning a
	// handle and consuming exactly the bytes belonging to one
	// instruction.
	Decode(raw []byte, pc uint64) (Instr, error)
	// ConvertToRegdeps turns a decoded real-ISA instruction into its
	// register-dependency form.
	ConvertToRegdeps(in Instr) (Instr, error)
	// Encode serializes instr into out, returning the number of bytes
	// written. It fails if out is too small.
	Encode(in Instr, out []byte) (int, error)
}

// reference is an illustrative fixed-width decoder: byte 0 is an opcode,
// bytes 1..4 are up to four single-byte operands (fewer if the raw slice
// is shorter). It exists only to give the regdeps filter something
// concrete to call; it does not model any real instruction set.
type reference struct{}

// NewReference returns a Context sufficient for tests and for driving the
// encodings-to-regdeps filter end to end without a real architecture
// backend.
func NewReference() Context { return reference{} }

func (reference) Decode(raw []byte, pc uint64) (Instr, error) {
	if len(raw) == 0 {
		return Instr{}, fmt.Errorf("decode: empty encoding at pc %#x", pc)
	}
	n := len(raw) - 1
	if n > 4 {
		n = 4
	}
	ops := make([]byte, n)
	copy(ops, raw[1:1+n])
	return Instr{opcode: raw[0], operands: ops}, nil
}

func (reference) ConvertToRegdeps(in Instr) (Instr, error) {
	in.regdeps = true
	return in, nil
}

func (reference) Encode(in Instr, out []byte) (int, error) {
	need := 1 + len(in.operands)
	if !in.regdeps {
		return 0, fmt.Errorf("encode: instruction was not converted to regdeps form")
	}
	if need > len(out) {
		return 0, fmt.Errorf("encode: output buffer too small: need %d, have %d", need, len(out))
	}
	out[0] = in.opcode | 0x80 // high bit flags a regdeps opcode in this toy ISA
	copy(out[1:], in.operands)
	return need, nil
}
