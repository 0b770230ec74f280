package oninterrupt

import (
	"context"
	"sync/atomic"
)

// Context returns a context canceled the moment the process receives
// SIGINT, on top of the plain callback-based Register above: a run loop
// selecting on ctx.Done() can stop handing new shards to the pool instead
// of running every one of them to completion after the terminal signal.
func Context() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	Register(canc)
	return ctx, canc
}

var atExit struct {
	fns    []func() error
	closed uint32
}

// RegisterAtExit queues fn to run once RunAtExit is called on a normal
// (non-interrupted) return from main, in the order registered. Unlike
// Register above, these run only on a clean exit: closing the schedule
// file and deleting now-empty shard outputs should not race an
// in-progress write triggered by the SIGINT handler's os.Exit.
func RegisterAtExit(fn func() error) {
	if atomic.LoadUint32(&atExit.closed) != 0 {
		panic("BUG: RegisterAtExit must not be called from within an at-exit function")
	}
	atExit.fns = append(atExit.fns, fn)
}

// RunAtExit runs every function registered via RegisterAtExit, stopping
// at (and returning) the first error.
func RunAtExit() error {
	atomic.StoreUint32(&atExit.closed, 1)
	for _, fn := range atExit.fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
