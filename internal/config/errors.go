package config

import "errors"

// Kind is one of the disjoint error categories a caller needs to
// distinguish: a bad configuration is actionable by the user differently
// than a malformed input stream or an internal decoder failure.
type Kind int

const (
	// Configuration covers invalid flag/parameter combinations: bad trim
	// ranges, an empty or odd-length modify-marker-value list, an
	// unsupported physical-address removal in archive mode, a
	// multi-workload input, a version-0 trace, or an unrecognized output
	// extension.
	Configuration Kind = iota
	// Stream covers I/O failures opening or writing a shard's input or
	// output.
	Stream
	// Grammar covers a trace whose record layout violates the format's
	// invariants: a missing encoding for a PC needed at a chunk
	// boundary, an encoding/instruction size mismatch, or an ENCODINGS
	// filetype bit with no ENCODING records to back it.
	Grammar
	// FilterInternal covers a filter's own collaborator failing, such as
	// the decoder rejecting an instruction in encodings-to-regdeps.
	FilterInternal
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Stream:
		return "stream"
	case Grammar:
		return "grammar"
	case FilterInternal:
		return "filter-internal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with the Kind a caller needs to decide
// how to report or recover from it.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Wrap returns an *Error of the given kind wrapping err, or nil if err is
// nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// As reports whether err (or an error in its chain) is a *Error of kind.
func As(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
