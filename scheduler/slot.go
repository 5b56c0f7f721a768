package scheduler

import (
	"context"
	"sync"
)

// slot is one counted value. A new run takes ownership by bumping gen;
// units of older runs notice the mismatch and stop.
type slot struct {
	id SlotID

	mu     sync.Mutex
	value  int
	state  State
	gen    uint64
	cancel context.CancelCauseFunc
}

// begin resets the slot for a new run and supersedes any unit still
// counting it.
func (s *slot) begin(parent context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancelCause(parent)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel(ErrSuperseded)
	}
	s.gen++
	s.value = 0
	s.state = Idle
	s.cancel = cancel
	return ctx, s.gen
}

// advance increments the value on behalf of run gen. It reports false if a
// newer run owns the slot.
func (s *slot) advance(gen uint64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return 0, false
	}
	s.value++
	s.state = Counting
	return s.value, true
}

// current reports whether run gen still owns the slot.
func (s *slot) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

// finish marks the slot done if run gen still owns it.
func (s *slot) finish(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}
	s.state = Done
	if s.cancel != nil {
		s.cancel(nil)
		s.cancel = nil
	}
}

func (s *slot) snapshot() (int, State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.state
}
