package rafsimage

import (
	"sync"
	"sync/atomic"
)

// atExit collects process-wide cleanup callbacks registered by in-progress
// builds, so a build interrupted by SIGINT/SIGTERM (see InterruptibleContext)
// still gets its in-progress blob/bootstrap temp files removed even when the
// caller's own deferred cleanup never runs because the process is exiting.
var atExit struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

// RegisterAtExit adds fn to the set run by RunAtExit. Build and DiffBuild
// call this with their cleanup scope's Release so an interrupted build is
// still cleaned up.
func RegisterAtExit(fn func() error) {
	if atomic.LoadUint32(&atExit.closed) != 0 {
		panic("BUG: RegisterAtExit must not be called from an atExit func")
	}
	atExit.Lock()
	defer atExit.Unlock()
	atExit.fns = append(atExit.fns, fn)
}

// RunAtExit runs every registered callback, continuing past individual
// failures and returning the first error encountered. The caller's signal
// handler (or main, on normal completion) invokes this once before process
// exit.
func RunAtExit() error {
	atomic.StoreUint32(&atExit.closed, 1)
	var first error
	for _, fn := range atExit.fns {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
