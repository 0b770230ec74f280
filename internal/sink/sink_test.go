package sink

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenSelectsSinkBySuffix(t *testing.T) {
	dir := t.TempDir()

	plain, err := Open(filepath.Join(dir, "out.trace"))
	if err != nil {
		t.Fatal(err)
	}
	if plain.IsArchive() {
		t.Error("plain sink reported IsArchive")
	}
	if _, err := plain.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := plain.Close(); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "out.trace"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("plain sink content = %q", got)
	}

	gz, err := Open(filepath.Join(dir, "out.trace.gz"))
	if err != nil {
		t.Fatal(err)
	}
	if gz.IsArchive() {
		t.Error("gzip sink reported IsArchive")
	}
	if _, err := gz.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(filepath.Join(dir, "out.trace.gz"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "hello" {
		t.Errorf("gzip sink content = %q", buf.String())
	}
}

func TestOpenZipSupportsComponents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.zip")
	w, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if !w.IsArchive() {
		t.Fatal("zip sink should report IsArchive")
	}
	if _, err := w.Write(nil); err == nil {
		t.Error("expected error writing before any component is open")
	}
	if err := w.OpenComponent("chunk.0000"); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := w.OpenComponent("chunk.0001"); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("second")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	if len(zr.File) != 2 {
		t.Fatalf("got %d components, want 2", len(zr.File))
	}
	if zr.File[0].Name != "chunk.0000" || zr.File[1].Name != "chunk.0001" {
		t.Errorf("unexpected component names: %v", []string{zr.File[0].Name, zr.File[1].Name})
	}
}
