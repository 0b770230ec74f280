// Package config implements the flag-and-optional-YAML-sidecar
// configuration surface (§6): parsing, validation against the
// Configuration-kind error taxonomy in errors.go, and building the filter
// pipeline and shard driver the resulting values describe.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/filter"
	"github.com/DynamoRIO/drrecordfilter/internal/shard"
)

// ShardBy selects how input files are assigned to shards.
type ShardBy string

const (
	ShardByThread ShardBy = "thread"
	ShardByCore   ShardBy = "core"
)

// Config is the fully parsed, validated configuration for one run,
// mirroring the flat flag surface in §6 one field per flag.
type Config struct {
	OutputDir string

	StopTimestamp uint64

	CacheFilterSize int

	RemoveTraceTypes  []entry.Kind
	RemoveMarkerTypes []entry.MarkerType

	TrimBeforeTimestamp, TrimAfterTimestamp uint64
	TrimBeforeInstr, TrimAfterInstr         uint64

	Encodings2Regdeps bool

	KeepFuncIDs []uint64

	ModifyMarkerValue []uint64

	ShardBy ShardBy

	// OutputExt is the negotiated output extension ("", "gz", or "zip")
	// used to name core-sharded outputs and to pick chunk/gzip/plain
	// sinks for them; in thread-sharded mode each output instead keeps
	// its own input stream's name and suffix, per §4.7.
	OutputExt string

	// ToggleInstrCount and ToggleEnableAtStart configure the
	// supplementary toggle filter; ToggleInstrCount == 0 disables it.
	ToggleInstrCount     uint64
	ToggleEnableAtStart  bool
	InvalidateCPU        bool
	KeepFuncMarkers      []uint64

	Jobs int
}

// Flags holds the raw flag.Value destinations; Parse fills these from the
// command line (and an optional -config sidecar) and then Validate
// converts them into a Config.
type Flags struct {
	fs *flag.FlagSet

	configPath string

	outputDir string

	stopTimestamp string

	cacheFilterSize int

	removeTraceTypes  string
	removeMarkerTypes string

	trimBeforeTimestamp, trimAfterTimestamp string
	trimBeforeInstr, trimAfterInstr         string

	encodings2Regdeps bool

	keepFuncIDs string

	modifyMarkerValue string

	shardBy string
	outputExt string

	toggleInstrCount    string
	toggleEnableAtStart bool
	invalidateCPU       bool
	keepFuncMarkers     string

	jobs int
}

// yamlDoc mirrors Flags for the optional -config sidecar; any field the
// YAML document omits leaves the corresponding command-line flag (or its
// default) in effect, since applyYAML only overwrites fields the document
// actually sets (a field set to zero does overwrite).
type yamlDoc struct {
	OutputDir           *string `yaml:"output_dir"`
	StopTimestamp       *string `yaml:"stop_timestamp"`
	CacheFilterSize     *int    `yaml:"cache_filter_size"`
	RemoveTraceTypes    *string `yaml:"remove_trace_types"`
	RemoveMarkerTypes   *string `yaml:"remove_marker_types"`
	TrimBeforeTimestamp *string `yaml:"trim_before_timestamp"`
	TrimAfterTimestamp  *string `yaml:"trim_after_timestamp"`
	TrimBeforeInstr     *string `yaml:"trim_before_instr"`
	TrimAfterInstr      *string `yaml:"trim_after_instr"`
	Encodings2Regdeps   *bool   `yaml:"encodings2regdeps"`
	KeepFuncIDs         *string `yaml:"keep_func_ids"`
	ModifyMarkerValue   *string `yaml:"modify_marker_value"`
	ShardBy             *string `yaml:"shard_by"`
	OutputExt           *string `yaml:"output_ext"`
	ToggleInstrCount    *string `yaml:"toggle_instr_count"`
	ToggleEnableAtStart *bool   `yaml:"toggle_enable_at_start"`
	InvalidateCPU       *bool   `yaml:"invalidate_cpu"`
	KeepFuncMarkers     *string `yaml:"keep_func_markers"`
	Jobs                *int    `yaml:"jobs"`
}

// NewFlags registers every flag in §6 (plus the three supplementary
// filters' flags, so ToggleFilter/InvalidateCPUFilter/FuncMarkerFilter are
// reachable from the command line even though the distilled configuration
// surface never named them) onto fs.
func NewFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.configPath, "config", "", "optional YAML file overriding/supplementing the flags below")
	fs.StringVar(&f.outputDir, "output_dir", "", "directory to write filtered shard outputs into (required)")
	fs.StringVar(&f.stopTimestamp, "stop_timestamp", "0", "stop filtering at the first TIMESTAMP marker at or after this value: a FILTER_ENDPOINT marker is written and every later record passes through unfiltered (0 disables)")
	fs.IntVar(&f.cacheFilterSize, "cache_filter_size", 0, "total bytes of a direct-mapped, 64-byte-line cache filter (0 disables)")
	fs.StringVar(&f.removeTraceTypes, "remove_trace_types", "", "comma-separated list of numeric trace record kinds to drop")
	fs.StringVar(&f.removeMarkerTypes, "remove_marker_types", "", "comma-separated list of numeric marker types to drop")
	fs.StringVar(&f.trimBeforeTimestamp, "trim_before_timestamp", "0", "drop records before this TIMESTAMP value (mutually exclusive with the _instr trim flags)")
	fs.StringVar(&f.trimAfterTimestamp, "trim_after_timestamp", "0", "drop records after this TIMESTAMP value (0 disables)")
	fs.StringVar(&f.trimBeforeInstr, "trim_before_instr", "0", "drop records before this instruction ordinal (mutually exclusive with the _timestamp trim flags)")
	fs.StringVar(&f.trimAfterInstr, "trim_after_instr", "0", "drop records after this instruction ordinal (0 disables)")
	fs.BoolVar(&f.encodings2Regdeps, "encodings2regdeps", false, "rewrite ENCODING records to fixed-width register-dependency encodings")
	fs.StringVar(&f.keepFuncIDs, "keep_func_ids", "", "comma-separated list of FUNC_ID values to keep records for; empty keeps all")
	fs.StringVar(&f.modifyMarkerValue, "modify_marker_value", "", "comma-separated, even-length list of (marker_type, new_value) pairs")
	fs.StringVar(&f.shardBy, "shard_by", string(ShardByThread), `"thread" or "core"`)
	fs.StringVar(&f.outputExt, "output_ext", "", `output compression for core-sharded outputs: "", "gz", or "zip"`)
	fs.StringVar(&f.toggleInstrCount, "toggle_instr_count", "0", "flip the toggle filter's keep/drop state once, when the shard's instruction count reaches N (0 disables)")
	fs.BoolVar(&f.toggleEnableAtStart, "toggle_enable_at_start", true, "whether the toggle filter starts enabled")
	fs.BoolVar(&f.invalidateCPU, "invalidate_cpu", false, "rewrite every CPU_ID marker's value to the invalid-CPU sentinel")
	fs.StringVar(&f.keepFuncMarkers, "keep_func_markers", "", "comma-separated list of FUNC_ID values to keep FUNC_ARG/FUNC_RETVAL/FUNC_RETADDR markers for; empty keeps all")
	fs.IntVar(&f.jobs, "jobs", 1, "number of shards to process concurrently")
	return f
}

// Parse parses args onto fs and, if -config was given, merges the YAML
// sidecar over the flag values before returning a validated Config.
func Parse(fs *flag.FlagSet, args []string) (Config, error) {
	f := NewFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, Wrap(Configuration, xerrors.Errorf("parsing flags: %w", err))
	}
	if f.configPath != "" {
		if err := f.applyYAML(f.configPath); err != nil {
			return Config{}, err
		}
	}
	return f.Validate()
}

func (f *Flags) applyYAML(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return Wrap(Configuration, xerrors.Errorf("reading %s: %w", path, err))
	}
	var doc yamlDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return Wrap(Configuration, xerrors.Errorf("parsing %s: %w", path, err))
	}
	apply := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	apply(&f.outputDir, doc.OutputDir)
	apply(&f.stopTimestamp, doc.StopTimestamp)
	apply(&f.removeTraceTypes, doc.RemoveTraceTypes)
	apply(&f.removeMarkerTypes, doc.RemoveMarkerTypes)
	apply(&f.trimBeforeTimestamp, doc.TrimBeforeTimestamp)
	apply(&f.trimAfterTimestamp, doc.TrimAfterTimestamp)
	apply(&f.trimBeforeInstr, doc.TrimBeforeInstr)
	apply(&f.trimAfterInstr, doc.TrimAfterInstr)
	apply(&f.keepFuncIDs, doc.KeepFuncIDs)
	apply(&f.modifyMarkerValue, doc.ModifyMarkerValue)
	apply(&f.shardBy, doc.ShardBy)
	apply(&f.outputExt, doc.OutputExt)
	apply(&f.toggleInstrCount, doc.ToggleInstrCount)
	apply(&f.keepFuncMarkers, doc.KeepFuncMarkers)
	if doc.CacheFilterSize != nil {
		f.cacheFilterSize = *doc.CacheFilterSize
	}
	if doc.Encodings2Regdeps != nil {
		f.encodings2Regdeps = *doc.Encodings2Regdeps
	}
	if doc.ToggleEnableAtStart != nil {
		f.toggleEnableAtStart = *doc.ToggleEnableAtStart
	}
	if doc.InvalidateCPU != nil {
		f.invalidateCPU = *doc.InvalidateCPU
	}
	if doc.Jobs != nil {
		f.jobs = *doc.Jobs
	}
	return nil
}

// Validate converts the raw flag strings into a Config, rejecting
// combinations §6 and §4 rule out: an empty output_dir, an inverted trim
// range, a mix of timestamp- and instruction-ordinal trim bounds, an
// odd-length modify_marker_value list, or an unrecognized shard_by value.
func (f *Flags) Validate() (Config, error) {
	var c Config
	c.OutputDir = f.outputDir
	if c.OutputDir == "" {
		return Config{}, Wrap(Configuration, xerrors.New("output_dir is required"))
	}

	var err error
	if c.StopTimestamp, err = parseUint(f.stopTimestamp); err != nil {
		return Config{}, Wrap(Configuration, xerrors.Errorf("stop_timestamp: %w", err))
	}
	c.CacheFilterSize = f.cacheFilterSize
	if c.CacheFilterSize < 0 {
		return Config{}, Wrap(Configuration, xerrors.New("cache_filter_size must not be negative"))
	}

	if c.RemoveTraceTypes, err = parseKinds(f.removeTraceTypes); err != nil {
		return Config{}, Wrap(Configuration, xerrors.Errorf("remove_trace_types: %w", err))
	}
	if c.RemoveMarkerTypes, err = parseMarkerTypes(f.removeMarkerTypes); err != nil {
		return Config{}, Wrap(Configuration, xerrors.Errorf("remove_marker_types: %w", err))
	}

	if c.TrimBeforeTimestamp, err = parseUint(f.trimBeforeTimestamp); err != nil {
		return Config{}, Wrap(Configuration, xerrors.Errorf("trim_before_timestamp: %w", err))
	}
	if c.TrimAfterTimestamp, err = parseUint(f.trimAfterTimestamp); err != nil {
		return Config{}, Wrap(Configuration, xerrors.Errorf("trim_after_timestamp: %w", err))
	}
	if c.TrimBeforeInstr, err = parseUint(f.trimBeforeInstr); err != nil {
		return Config{}, Wrap(Configuration, xerrors.Errorf("trim_before_instr: %w", err))
	}
	if c.TrimAfterInstr, err = parseUint(f.trimAfterInstr); err != nil {
		return Config{}, Wrap(Configuration, xerrors.Errorf("trim_after_instr: %w", err))
	}
	timestampTrim := c.TrimBeforeTimestamp != 0 || c.TrimAfterTimestamp != 0
	instrTrim := c.TrimBeforeInstr != 0 || c.TrimAfterInstr != 0
	if timestampTrim && instrTrim {
		return Config{}, Wrap(Configuration, xerrors.New("trim_*_timestamp and trim_*_instr are mutually exclusive"))
	}
	if c.TrimAfterTimestamp != 0 && c.TrimBeforeTimestamp > c.TrimAfterTimestamp {
		return Config{}, Wrap(Configuration, xerrors.New("trim_before_timestamp must not exceed trim_after_timestamp"))
	}
	if c.TrimAfterInstr != 0 && c.TrimBeforeInstr > c.TrimAfterInstr {
		return Config{}, Wrap(Configuration, xerrors.New("trim_before_instr must not exceed trim_after_instr"))
	}

	c.Encodings2Regdeps = f.encodings2Regdeps

	if c.KeepFuncIDs, err = parseUint64List(f.keepFuncIDs); err != nil {
		return Config{}, Wrap(Configuration, xerrors.Errorf("keep_func_ids: %w", err))
	}
	if c.ModifyMarkerValue, err = parseUint64List(f.modifyMarkerValue); err != nil {
		return Config{}, Wrap(Configuration, xerrors.Errorf("modify_marker_value: %w", err))
	}
	if len(c.ModifyMarkerValue)%2 != 0 {
		return Config{}, Wrap(Configuration, xerrors.New("modify_marker_value must list an even number of (marker_type, new_value) entries"))
	}

	switch ShardBy(f.shardBy) {
	case ShardByThread, ShardByCore:
		c.ShardBy = ShardBy(f.shardBy)
	default:
		return Config{}, Wrap(Configuration, xerrors.Errorf("shard_by: unrecognized value %q, want %q or %q", f.shardBy, ShardByThread, ShardByCore))
	}

	if c.ToggleInstrCount, err = parseUint(f.toggleInstrCount); err != nil {
		return Config{}, Wrap(Configuration, xerrors.Errorf("toggle_instr_count: %w", err))
	}
	c.ToggleEnableAtStart = f.toggleEnableAtStart
	c.InvalidateCPU = f.invalidateCPU
	if c.KeepFuncMarkers, err = parseUint64List(f.keepFuncMarkers); err != nil {
		return Config{}, Wrap(Configuration, xerrors.Errorf("keep_func_markers: %w", err))
	}

	switch f.outputExt {
	case "", "gz", "zip":
		c.OutputExt = f.outputExt
	default:
		return Config{}, Wrap(Configuration, xerrors.Errorf("output_ext: unrecognized value %q, want \"\", \"gz\", or \"zip\"", f.outputExt))
	}

	c.Jobs = f.jobs
	if c.Jobs <= 0 {
		c.Jobs = 1
	}

	return c, nil
}

// parseUint accepts decimal or 0x-prefixed hexadecimal, matching the
// numeric-flag convention used elsewhere for /proc-style values.
func parseUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 0, 64)
}

func parseUint64List(s string) ([]uint64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	out := make([]uint64, 0, len(fields))
	for _, field := range fields {
		v, err := parseUint(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("%q: %w", field, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseKinds(s string) ([]entry.Kind, error) {
	vs, err := parseUint64List(s)
	if err != nil {
		return nil, err
	}
	out := make([]entry.Kind, len(vs))
	for i, v := range vs {
		out[i] = entry.Kind(v)
	}
	return out, nil
}

func parseMarkerTypes(s string) ([]entry.MarkerType, error) {
	vs, err := parseUint64List(s)
	if err != nil {
		return nil, err
	}
	out := make([]entry.MarkerType, len(vs))
	for i, v := range vs {
		out[i] = entry.MarkerType(v)
	}
	return out, nil
}

// BuildPipeline wires every configured filter into one ordered Pipeline.
// Filter order follows §4.3: type removal first (so later filters never
// see a record the user asked to drop outright), then trimming, then the
// cache filter, then the encoding/function/marker transforms, in the
// order a shard's single pass applies them.
func (c Config) BuildPipeline() (*filter.Pipeline, error) {
	var filters []filter.Filter

	partial := c.StopTimestamp != 0

	if len(c.RemoveTraceTypes) > 0 || len(c.RemoveMarkerTypes) > 0 {
		filters = append(filters, filter.NewTypeFilter(c.RemoveTraceTypes, c.RemoveMarkerTypes, partial))
	}

	if c.TrimBeforeTimestamp != 0 || c.TrimAfterTimestamp != 0 {
		after := c.TrimAfterTimestamp
		if after == 0 {
			after = ^uint64(0)
		}
		f, err := filter.NewTrimFilterByTimestamp(c.TrimBeforeTimestamp, after)
		if err != nil {
			return nil, Wrap(Configuration, xerrors.Errorf("building timestamp trim filter: %w", err))
		}
		filters = append(filters, f)
	}
	if c.TrimBeforeInstr != 0 || c.TrimAfterInstr != 0 {
		after := c.TrimAfterInstr
		if after == 0 {
			after = ^uint64(0)
		}
		f, err := filter.NewTrimFilterByInstrOrdinal(c.TrimBeforeInstr, after)
		if err != nil {
			return nil, Wrap(Configuration, xerrors.Errorf("building instruction trim filter: %w", err))
		}
		filters = append(filters, f)
	}

	if c.CacheFilterSize > 0 {
		f, err := filter.NewCacheFilter(1, 64, c.CacheFilterSize, true, true)
		if err != nil {
			return nil, Wrap(Configuration, xerrors.Errorf("building cache filter: %w", err))
		}
		filters = append(filters, f)
	}

	if c.Encodings2Regdeps {
		filters = append(filters, filter.NewEncodingsToRegdepsFilter())
	}

	if len(c.KeepFuncIDs) > 0 {
		filters = append(filters, filter.NewFuncIDFilter(c.KeepFuncIDs))
	}
	if len(c.KeepFuncMarkers) > 0 {
		filters = append(filters, filter.NewFuncMarkerFilter(c.KeepFuncMarkers))
	}

	if len(c.ModifyMarkerValue) > 0 {
		f, err := filter.NewModifyMarkerValueFilter(c.ModifyMarkerValue)
		if err != nil {
			return nil, Wrap(Configuration, xerrors.Errorf("building modify-marker-value filter: %w", err))
		}
		filters = append(filters, f)
	}

	if c.ToggleInstrCount != 0 {
		filters = append(filters, filter.NewToggleFilter(c.ToggleInstrCount, c.ToggleEnableAtStart))
	}
	if c.InvalidateCPU {
		filters = append(filters, filter.NewInvalidateCPUFilter())
	}

	return filter.NewPipeline(filters...), nil
}

// OutputPath implements §4.7's filename rule: the input stream's own name
// in thread-sharded mode, or a zero-padded core index plus the negotiated
// extension in core-sharded mode.
func (c Config) OutputPath(streamName string, shardIndex int) string {
	if c.ShardBy == ShardByCore {
		ext := ""
		if c.OutputExt != "" {
			ext = "." + c.OutputExt
		}
		return filepath.Join(c.OutputDir, fmt.Sprintf("drmemtrace.core.%06d.trace%s", shardIndex, ext))
	}
	return filepath.Join(c.OutputDir, streamName)
}

// DriverConfig returns the shard.Config this Config implies, given
// coreSharded (derived from ShardBy) and the archive chunk size the
// caller negotiated for this run's output extension.
func (c Config) DriverConfig(coreSharded bool, chunkSize uint64, outputExtension string) shard.Config {
	return shard.Config{
		StopTimestamp:   c.StopTimestamp,
		CoreSharded:     coreSharded,
		ChunkSize:       chunkSize,
		OutputExtension: outputExtension,
	}
}
