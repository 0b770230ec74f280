// Package source implements the read side of the suffix-driven sink
// selection in internal/sink: opening one shard's input file, transparently
// decompressing a .gz trace and reassembling a .zip archive's chunk
// components back into one ordered entry stream.
package source

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/pgzip"

	"github.com/DynamoRIO/drrecordfilter/internal/entry"
)

// FileStream is a file-backed entry.Stream.
type FileStream struct {
	r       io.Reader
	closers []io.Closer

	name       string
	inputID    int
	workloadID int
}

// Open opens path as an entry.Stream, per the suffix convention in
// internal/sink.Ext. inputID and workloadID identify this stream to the
// cross-shard coordinator in core-sharded mode; pass -1 for both in
// thread-sharded mode, where every stream is its own complete input.
func Open(path string, inputID, workloadID int) (*FileStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	s := &FileStream{name: filepath.Base(path), inputID: inputID, workloadID: workloadID}
	switch {
	case strings.HasSuffix(path, ".gz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("source: %w", err)
		}
		s.r = gz
		s.closers = []io.Closer{gz, f}
	case strings.HasSuffix(path, ".zip"):
		zr, info, err := openZip(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		_ = info
		files := append([]*zip.File(nil), zr.File...)
		sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
		readers := make([]io.Reader, 0, len(files))
		for _, zf := range files {
			rc, err := zf.Open()
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("source: open component %q: %w", zf.Name, err)
			}
			readers = append(readers, rc)
			s.closers = append(s.closers, rc)
		}
		s.r = io.MultiReader(readers...)
		s.closers = append(s.closers, f)
	default:
		s.r = f
		s.closers = []io.Closer{f}
	}
	return s, nil
}

func openZip(f *os.File) (*zip.Reader, os.FileInfo, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("source: %w", err)
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, nil, fmt.Errorf("source: %w", err)
	}
	return zr, info, nil
}

// Next implements entry.Stream.
func (s *FileStream) Next() (entry.Entry, error) { return entry.ReadEntry(s.r) }

// Name implements entry.Stream.
func (s *FileStream) Name() string { return s.name }

// InputID implements entry.Stream.
func (s *FileStream) InputID() int { return s.inputID }

// WorkloadID implements entry.Stream.
func (s *FileStream) WorkloadID() int { return s.workloadID }

// Close releases every underlying reader/file this stream opened, in
// reverse acquisition order.
func (s *FileStream) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
