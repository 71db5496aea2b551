// Package cleanup provides a scoped guard that removes temporary blob and
// bootstrap files on every build-abort path.
package cleanup

import (
	"sync"
	"sync/atomic"
)

// Scope collects cleanup callbacks registered during one build and runs
// them, in reverse registration order, when the build aborts. Unlike a
// single process-wide registry, a Scope is created fresh per build so
// concurrent builds (and tests) never share state.
type Scope struct {
	mu     sync.Mutex
	fns    []func() error
	closed uint32
}

// New returns an empty Scope.
func New() *Scope {
	return &Scope{}
}

// Defer registers fn to run when the Scope is released. It panics if called
// after Release, since that indicates a cleanup func tried to register more
// work after the scope already started unwinding.
func (s *Scope) Defer(fn func() error) {
	if atomic.LoadUint32(&s.closed) != 0 {
		panic("BUG: Defer called after the cleanup scope was released")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
}

// Release runs every registered callback in reverse order, continuing past
// individual failures and returning the first error encountered, if any.
func (s *Scope) Release() error {
	atomic.StoreUint32(&s.closed, 1)
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()

	var first error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Forget discards every registered callback without running them, used once
// a build step that owned temporary resources hands them off successfully
// (e.g. a blob was finalized and no longer needs abort-time removal).
func (s *Scope) Forget() {
	s.mu.Lock()
	s.fns = nil
	s.mu.Unlock()
}
