// Command drrecordfilter reads one or more drmemtrace raw trace shards,
// runs each through a configured filter pipeline in parallel, and writes
// the filtered shards plus a merged schedule file to an output directory.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"

	"golang.org/x/xerrors"

	"github.com/DynamoRIO/drrecordfilter/internal/config"
	"github.com/DynamoRIO/drrecordfilter/internal/coordinator"
	"github.com/DynamoRIO/drrecordfilter/internal/decode"
	"github.com/DynamoRIO/drrecordfilter/internal/oninterrupt"
	"github.com/DynamoRIO/drrecordfilter/internal/runner"
	"github.com/DynamoRIO/drrecordfilter/internal/shard"
	"github.com/DynamoRIO/drrecordfilter/internal/sink"
	"github.com/DynamoRIO/drrecordfilter/internal/source"
	"github.com/DynamoRIO/drrecordfilter/internal/trace"
)

var (
	debug      = flag.Bool("debug", false, "print full error stacks instead of a one-line message")
	cpuprofile = flag.String("cpuprofile", "", "write a CPU profile to this file")
	tracefile  = flag.Bool("trace", false, "record a chrome://tracing-format timeline of shard work to $TMPDIR")
)

// outputJob pairs a runner.Job with the path its writer was opened on, so
// the finalize pass can close, delete (if empty), or report on it without
// re-deriving the path from the job's stream.
type outputJob struct {
	runner.Job
	path string
}

func funcmain() error {
	fs := flag.CommandLine
	cfg, err := config.Parse(fs, os.Args[1:])
	if err != nil {
		return err
	}
	inputs := fs.Args()
	if len(inputs) == 0 {
		return xerrors.New("no input trace files given; pass one or more paths after the flags")
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return xerrors.Errorf("creating cpu profile: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			return xerrors.Errorf("starting cpu profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}
	if *tracefile {
		if err := trace.Enable("drrecordfilter"); err != nil {
			return xerrors.Errorf("enabling trace: %w", err)
		}
	}

	ctx, canc := oninterrupt.Context()
	defer canc()

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return xerrors.Errorf("creating output_dir: %w", err)
	}

	pipeline, err := cfg.BuildPipeline()
	if err != nil {
		return err
	}
	coord := coordinator.New()
	decoder := decode.NewReference()
	schedule := sink.NewScheduleRecorder()
	coreSharded := cfg.ShardBy == config.ShardByCore

	driver := shard.NewDriver(cfg.DriverConfig(coreSharded, 0, cfg.OutputExt), pipeline, decoder, coord, schedule)

	jobs, err := openJobs(cfg, inputs)
	if err != nil {
		return err
	}
	defer closeStreams(jobs)

	plain := make([]runner.Job, len(jobs))
	for i, j := range jobs {
		plain[i] = j.Job
	}

	r := &runner.Runner{Driver: driver, Jobs: cfg.Jobs}
	results, err := r.Run(ctx, plain)
	if err != nil {
		return xerrors.Errorf("running shards: %w", err)
	}

	if err := finalizeOutputs(jobs, results); err != nil {
		return err
	}
	if err := finalizeSchedule(cfg, schedule); err != nil {
		return err
	}
	return oninterrupt.RunAtExit()
}

// openJobs opens one source.FileStream and one sink.Writer per input,
// per §4.7's naming rule. Every input is its own shard: the raw traces
// drrecordfilter reads are already split into per-thread or per-core
// files upstream, so shard_by only changes how this tool names and
// validates its own outputs.
func openJobs(cfg config.Config, inputs []string) ([]outputJob, error) {
	jobs := make([]outputJob, 0, len(inputs))
	for i, path := range inputs {
		inputID, workloadID := i, 0
		if cfg.ShardBy != config.ShardByCore {
			inputID, workloadID = -1, -1
		}
		st, err := source.Open(path, inputID, workloadID)
		if err != nil {
			return nil, xerrors.Errorf("opening %s: %w", path, err)
		}
		outPath := cfg.OutputPath(st.Name(), i)
		w, err := sink.Open(outPath)
		if err != nil {
			st.Close()
			return nil, xerrors.Errorf("opening output for %s: %w", path, err)
		}
		jobs = append(jobs, outputJob{
			Job:  runner.Job{TID: uint64(i), Stream: st, Writer: w},
			path: outPath,
		})
	}
	return jobs, nil
}

func closeStreams(jobs []outputJob) {
	for _, j := range jobs {
		if s, ok := j.Stream.(*source.FileStream); ok {
			s.Close()
		}
	}
}

// finalizeOutputs closes every shard's writer and deletes the outputs of
// shards the driver marked empty, per §4.4's empty-shard deletion rule.
// It keeps going after a per-shard failure so a single bad shard does not
// leave every other shard's output unflushed.
func finalizeOutputs(jobs []outputJob, results []runner.Result) error {
	var firstErr error
	report := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}
	for i, res := range results {
		if err := jobs[i].Writer.Close(); err != nil {
			report(xerrors.Errorf("closing %s: %w", jobs[i].path, err))
		}
		if res.Err != nil {
			report(xerrors.Errorf("shard %d (%s): %w", res.Job.TID, jobs[i].path, res.Err))
			continue
		}
		if res.State.NowEmpty {
			if err := os.Remove(jobs[i].path); err != nil && !os.IsNotExist(err) {
				report(xerrors.Errorf("removing empty shard output %s: %w", jobs[i].path, err))
			}
		}
	}
	return firstErr
}

// finalizeSchedule writes the merged serial and per-CPU schedule files,
// per §4.7. The per-CPU file always needs zip support, which sink always
// provides via archive/zip, so it is never skipped here.
func finalizeSchedule(cfg config.Config, schedule *sink.ScheduleRecorder) error {
	serialPath := filepath.Join(cfg.OutputDir, "drmemtrace.schedule.serial")
	if cfg.OutputExt == "gz" {
		serialPath += ".gz"
	}
	sf, err := os.Create(serialPath)
	if err != nil {
		return xerrors.Errorf("creating serial schedule file: %w", err)
	}
	defer sf.Close()
	if cfg.OutputExt == "gz" {
		err = schedule.WriteSerialGz(sf)
	} else {
		err = schedule.WriteSerial(sf)
	}
	if err != nil {
		return xerrors.Errorf("writing serial schedule file: %w", err)
	}

	cpuPath := filepath.Join(cfg.OutputDir, "drmemtrace.schedule.cpu.zip")
	cf, err := os.Create(cpuPath)
	if err != nil {
		return xerrors.Errorf("creating per-CPU schedule file: %w", err)
	}
	defer cf.Close()
	if err := schedule.WriteCPU(cf); err != nil {
		return xerrors.Errorf("writing per-CPU schedule file: %w", err)
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		if *debug {
			fmt.Fprintf(os.Stderr, "%+v\n", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
