// Package sink implements output-path-driven writer selection (C7): plain
// file, gzip stream, or chunked zip archive, plus the schedule-file
// collaborator and an optional S3 upload path for run outputs.
package sink

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
)

// Writer is the sink contract the shard driver and chunk manager write
// through. Writes go to the currently open component; for non-archive
// sinks there is always exactly one implicit component and OpenComponent
// is a no-op. The shard driver re-chunks output only on archive sinks.
type Writer interface {
	io.Writer
	// OpenComponent starts a new named component. For archive sinks this
	// opens a new zip entry; for plain/gzip sinks it is a no-op (the
	// shard driver never re-chunks them, so no chunk markers are written
	// to them either).
	OpenComponent(name string) error
	// IsArchive reports whether this sink supports real named
	// components (only zip does); the shard driver uses it to decide
	// whether to re-chunk output and which instruction-ordinal
	// arithmetic applies.
	IsArchive() bool
	Close() error
}

// Ext returns the negotiated extension (without the dot) implied by path's
// suffix: "gz", "zip", or "" for a plain file.
func Ext(path string) string {
	switch {
	case strings.HasSuffix(path, ".gz"):
		return "gz"
	case strings.HasSuffix(path, ".zip"):
		return "zip"
	default:
		return ""
	}
}

// Open selects and opens a sink for path based on its suffix, per §4.7.
func Open(path string) (Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	switch Ext(path) {
	case "gz":
		return &gzipWriter{f: f, gz: pgzip.NewWriter(f)}, nil
	case "zip":
		return &archiveWriter{f: f, zw: zip.NewWriter(f)}, nil
	default:
		return &plainWriter{f: f}, nil
	}
}

type plainWriter struct{ f *os.File }

func (w *plainWriter) Write(p []byte) (int, error)      { return w.f.Write(p) }
func (w *plainWriter) OpenComponent(name string) error  { return nil }
func (w *plainWriter) IsArchive() bool                  { return false }
func (w *plainWriter) Close() error                     { return w.f.Close() }

type gzipWriter struct {
	f  *os.File
	gz *pgzip.Writer
}

func (w *gzipWriter) Write(p []byte) (int, error)     { return w.gz.Write(p) }
func (w *gzipWriter) OpenComponent(name string) error { return nil }
func (w *gzipWriter) IsArchive() bool                 { return false }
func (w *gzipWriter) Close() error {
	if err := w.gz.Close(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

type archiveWriter struct {
	f   *os.File
	zw  *zip.Writer
	cur io.Writer
}

func (w *archiveWriter) OpenComponent(name string) error {
	cw, err := w.zw.Create(name)
	if err != nil {
		return fmt.Errorf("sink: open component %q: %w", name, err)
	}
	w.cur = cw
	return nil
}

func (w *archiveWriter) Write(p []byte) (int, error) {
	if w.cur == nil {
		return 0, fmt.Errorf("sink: write before any component was opened")
	}
	return w.cur.Write(p)
}

func (w *archiveWriter) IsArchive() bool { return true }

func (w *archiveWriter) Close() error {
	if err := w.zw.Close(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
