package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func parseArgs(t *testing.T, args []string) (Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	return Parse(fs, args)
}

func TestParseRejectsMissingOutputDir(t *testing.T) {
	if _, err := parseArgs(t, nil); err == nil {
		t.Fatal("expected an error for a missing output_dir")
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := parseArgs(t, []string{"-output_dir", "/tmp/out"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ShardBy != ShardByThread {
		t.Errorf("default shard_by = %q, want %q", cfg.ShardBy, ShardByThread)
	}
	if cfg.Jobs != 1 {
		t.Errorf("default jobs = %d, want 1", cfg.Jobs)
	}
	if cfg.StopTimestamp != 0 {
		t.Errorf("default stop_timestamp = %d, want 0", cfg.StopTimestamp)
	}
}

func TestParseAcceptsHexNumbers(t *testing.T) {
	cfg, err := parseArgs(t, []string{"-output_dir", "/tmp/out", "-stop_timestamp", "0x100"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StopTimestamp != 0x100 {
		t.Errorf("stop_timestamp = %d, want %d", cfg.StopTimestamp, 0x100)
	}
}

func TestParseRejectsMixedTrimModes(t *testing.T) {
	_, err := parseArgs(t, []string{
		"-output_dir", "/tmp/out",
		"-trim_after_timestamp", "100",
		"-trim_after_instr", "50",
	})
	if err == nil {
		t.Fatal("expected an error mixing timestamp and instruction-ordinal trim bounds")
	}
}

func TestParseRejectsInvertedTrimRange(t *testing.T) {
	_, err := parseArgs(t, []string{
		"-output_dir", "/tmp/out",
		"-trim_before_timestamp", "200",
		"-trim_after_timestamp", "100",
	})
	if err == nil {
		t.Fatal("expected an error for trim_before_timestamp > trim_after_timestamp")
	}
}

func TestParseRejectsOddLengthModifyMarkerValue(t *testing.T) {
	_, err := parseArgs(t, []string{
		"-output_dir", "/tmp/out",
		"-modify_marker_value", "1,2,3",
	})
	if err == nil {
		t.Fatal("expected an error for an odd-length modify_marker_value list")
	}
}

func TestParseRejectsUnknownShardBy(t *testing.T) {
	_, err := parseArgs(t, []string{"-output_dir", "/tmp/out", "-shard_by", "socket"})
	if err == nil {
		t.Fatal("expected an error for an unrecognized shard_by value")
	}
}

func TestParseCommaSeparatedLists(t *testing.T) {
	cfg, err := parseArgs(t, []string{
		"-output_dir", "/tmp/out",
		"-keep_func_ids", "1, 2,0x10",
		"-modify_marker_value", "5,100,6,200",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{1, 2, 0x10}
	if len(cfg.KeepFuncIDs) != len(want) {
		t.Fatalf("keep_func_ids = %v, want %v", cfg.KeepFuncIDs, want)
	}
	for i, v := range want {
		if cfg.KeepFuncIDs[i] != v {
			t.Errorf("keep_func_ids[%d] = %d, want %d", i, cfg.KeepFuncIDs[i], v)
		}
	}
	if len(cfg.ModifyMarkerValue) != 4 {
		t.Fatalf("modify_marker_value = %v, want 4 entries", cfg.ModifyMarkerValue)
	}
}

func TestApplyYAMLOverridesFlags(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("output_dir: "+dir+"\nshard_by: core\njobs: 4\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := parseArgs(t, []string{"-config", yamlPath, "-output_dir", "/ignored"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OutputDir != dir {
		t.Errorf("output_dir = %q, want %q (YAML should win)", cfg.OutputDir, dir)
	}
	if cfg.ShardBy != ShardByCore {
		t.Errorf("shard_by = %q, want %q", cfg.ShardBy, ShardByCore)
	}
	if cfg.Jobs != 4 {
		t.Errorf("jobs = %d, want 4", cfg.Jobs)
	}
}

func TestBuildPipelineWiresConfiguredFilters(t *testing.T) {
	cfg, err := parseArgs(t, []string{
		"-output_dir", "/tmp/out",
		"-cache_filter_size", "4096",
		"-encodings2regdeps",
		"-invalidate_cpu",
	})
	if err != nil {
		t.Fatal(err)
	}
	p, err := cfg.BuildPipeline()
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("expected a non-nil pipeline")
	}
}

func TestOutputPathThreadSharded(t *testing.T) {
	cfg := Config{OutputDir: "/out", ShardBy: ShardByThread}
	got := cfg.OutputPath("drmemtrace.1234.0000.trace.gz", 3)
	want := filepath.Join("/out", "drmemtrace.1234.0000.trace.gz")
	if got != want {
		t.Errorf("OutputPath() = %q, want %q", got, want)
	}
}

func TestOutputPathCoreSharded(t *testing.T) {
	cfg := Config{OutputDir: "/out", ShardBy: ShardByCore, OutputExt: "zip"}
	got := cfg.OutputPath("irrelevant", 7)
	want := filepath.Join("/out", "drmemtrace.core.000007.trace.zip")
	if got != want {
		t.Errorf("OutputPath() = %q, want %q", got, want)
	}
}
