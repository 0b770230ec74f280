// Package runner implements the parallel shard worker pool: an
// errgroup-bounded pool of goroutines, each pulling the next shard off a
// work queue and driving it to completion, with an isatty-gated status
// line. It is adapted from the teacher's package-build scheduler; unlike
// a package build, shards here are mutually independent, so the
// teacher's dependency graph, topological sort, and cycle-breaking are
// dropped entirely — there is nothing to order.
package runner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/DynamoRIO/drrecordfilter/internal/entry"
	"github.com/DynamoRIO/drrecordfilter/internal/shard"
	"github.com/DynamoRIO/drrecordfilter/internal/sink"
	"github.com/DynamoRIO/drrecordfilter/internal/trace"
)

// Job is one shard's unit of work.
type Job struct {
	TID    uint64
	Stream entry.Stream
	Writer sink.Writer
}

// Result is one completed shard's outcome. Err is the shard's own
// failure, if any; a Job whose shard failed does not prevent the other
// shards in the same Run from completing.
type Result struct {
	Job   Job
	State *shard.State
	Err   error
}

// Runner fans Jobs out across a bounded pool of goroutines, each driving
// one shard to completion via Driver.
type Runner struct {
	Driver *shard.Driver
	// Jobs is the worker pool size; values <= 0 are treated as 1.
	Jobs int

	statusMu   sync.Mutex
	status     []string
	lastStatus time.Time
}

var isTerminal = isatty.IsTerminal(os.Stdout.Fd())

// Run drives every job to completion using up to r.Jobs goroutines and
// returns one Result per job, in job order. The returned error is
// non-nil only when ctx itself is canceled; per-shard failures surface
// in each Result.Err instead of aborting the run.
func (r *Runner) Run(ctx context.Context, jobs []Job) ([]Result, error) {
	workers := r.Jobs
	if workers <= 0 {
		workers = 1
	}
	r.status = make([]string, workers+1)

	results := make([]Result, len(jobs))
	work := make(chan int, len(jobs))
	for i := range jobs {
		work <- i
	}
	close(work)

	var done int32
	total := len(jobs)

	eg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		eg.Go(func() error {
			for idx := range work {
				if err := ctx.Err(); err != nil {
					return err
				}
				r.runOne(ctx, w, jobs[idx], &results[idx])
				n := atomic.AddInt32(&done, 1)
				r.updateStatus(0, fmt.Sprintf("%d of %d shards done", n, total))
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return results, err
	}
	r.refreshStatus()
	return results, nil
}

func (r *Runner) runOne(ctx context.Context, worker int, job Job, result *Result) {
	label := fmt.Sprintf("shard %d", job.TID)
	r.updateStatus(worker+1, "running "+label)

	ev := trace.Event(label, worker)
	st, err := r.Driver.RunShard(job.Stream, job.Writer, job.TID)
	ev.Done()

	*result = Result{Job: job, State: st, Err: err}
	if err != nil {
		r.updateStatus(worker+1, fmt.Sprintf("%s: failed: %v", label, err))
	} else {
		r.updateStatus(worker+1, "idle")
	}
}

func (r *Runner) refreshStatus() {
	if !isTerminal {
		return
	}
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.printLocked()
}

func (r *Runner) updateStatus(idx int, newStatus string) {
	if !isTerminal {
		return
	}
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if diff := len(r.status[idx]) - len(newStatus); diff > 0 {
		newStatus += strings.Repeat(" ", diff) // overwrite stale characters with whitespace
	}
	r.status[idx] = newStatus
	if time.Since(r.lastStatus) < 100*time.Millisecond {
		return // printing status too frequently slows the terminal down
	}
	r.lastStatus = time.Now()
	r.printLocked()
}

// printLocked renders the status block and rewinds the cursor to
// overwrite it on the next update; callers must hold statusMu.
func (r *Runner) printLocked() {
	var maxLen int
	for _, line := range r.status {
		if len(line) > maxLen {
			maxLen = len(line)
		}
	}
	for _, line := range r.status {
		if len(line) < maxLen {
			line += strings.Repeat(" ", maxLen-len(line))
		}
		fmt.Println(line)
	}
	fmt.Printf("\033[%dA", len(r.status))
}
