package idbstore

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// sequence serializes every operation on a Store. Public entry points enter
// it and internal helpers assert that it is held, so a helper reached without
// going through an entry point fails loudly instead of racing.
//
// The sequence is not tied to a goroutine: blob handles may be released on
// any goroutine, and CommitPhaseOne re-enters it from the one that waited for
// the blob writes. Consequently it is not reentrant. Entering it again while
// holding it deadlocks, and assertHeld only checks that some caller holds it.
type sequence struct {
	mu    sync.Mutex
	held  atomic.Bool
	owner atomic.Value // string, for diagnostics
}

// enter blocks until the sequence is free and returns the matching exit.
func (s *sequence) enter(op string) func() {
	s.mu.Lock()
	s.held.Store(true)
	s.owner.Store(op)
	return s.exit
}

func (s *sequence) exit() {
	if !s.held.Load() {
		panic("idbstore: exiting sequence that is not held")
	}
	s.owner.Store("")
	s.held.Store(false)
	s.mu.Unlock()
}

// assertHeld panics unless the sequence is held.
func (s *sequence) assertHeld(op string) {
	if !s.held.Load() {
		panic(fmt.Sprintf("idbstore: %s called outside the store sequence", op))
	}
}

// currentOp reports the operation holding the sequence, if any.
func (s *sequence) currentOp() string {
	if !s.held.Load() {
		return ""
	}
	op, _ := s.owner.Load().(string)
	return op
}
