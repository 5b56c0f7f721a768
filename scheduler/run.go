package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run is the handle of one strategy invocation. Start* return it before any
// slot has stepped.
type Run struct {
	ID       uuid.UUID
	Strategy Strategy
	Started  time.Time

	mu         sync.Mutex
	pending    int
	errs       map[SlotID]error
	goroutines map[SlotID]int64
	done       chan struct{}
}

func newRun(strategy Strategy) *Run {
	return &Run{
		ID:         uuid.New(),
		Strategy:   strategy,
		Started:    time.Now(),
		pending:    len(Slots),
		errs:       make(map[SlotID]error),
		goroutines: make(map[SlotID]int64),
		done:       make(chan struct{}),
	}
}

// finish records the outcome of one slot. The run is done once every slot
// has finished.
func (r *Run) finish(slot SlotID, goroutine int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seen := r.goroutines[slot]; seen {
		return
	}
	r.goroutines[slot] = goroutine
	if err != nil {
		r.errs[slot] = &SlotError{Slot: slot, Err: err}
	}
	r.pending--
	if r.pending == 0 {
		close(r.done)
	}
}

// Done is closed when every slot of the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run is done or ctx ends, and returns Err.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err joins the errors of every slot that stopped early, in slot order.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, id := range Slots {
		if err := r.errs[id]; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SlotErr returns the error that stopped slot, or nil.
func (r *Run) SlotErr(slot SlotID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[slot]
}

// Goroutine returns the id of the goroutine that finished slot's unit, or 0
// while the slot is still running. For information only.
func (r *Run) Goroutine(slot SlotID) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.goroutines[slot]
}
