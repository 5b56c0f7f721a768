package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// SlotID identifies one of the three counted values.
type SlotID int

const (
	Slot1 SlotID = iota + 1
	Slot2
	Slot3
)

// Slots lists every slot in publishing order.
var Slots = [...]SlotID{Slot1, Slot2, Slot3}

func (s SlotID) String() string { return fmt.Sprintf("slot%d", int(s)) }

func (s SlotID) valid() bool { return s >= Slot1 && s <= Slot3 }

func (s SlotID) index() int { return int(s) - 1 }

// State is the lifecycle of a slot within one run.
type State int32

const (
	Idle     State = iota // reset, its unit has not stepped yet
	Counting              // between the first and the last step
	Done                  // its unit finished, successfully or not
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Counting:
		return "counting"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Strategy selects where each slot's unit of work runs.
type Strategy int

const (
	// Sequential runs slot1, slot2 and slot3 one after another as a single
	// cooperative task on the main looper.
	Sequential Strategy = iota
	// Mixed runs slot1 and slot3 as two cooperative tasks on the background
	// looper and slot2 on the main looper. Every publish goes through main.
	Mixed
	// Parallel runs each slot on its own OS thread and marshals every
	// publish onto the main looper.
	Parallel
)

func (s Strategy) String() string {
	switch s {
	case Sequential:
		return "sequential"
	case Mixed:
		return "mixed"
	case Parallel:
		return "parallel"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy is the inverse of Strategy.String.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "sequential":
		return Sequential, nil
	case "mixed":
		return Mixed, nil
	case "parallel":
		return Parallel, nil
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

// Sink receives slot updates. It is always called on the main looper, so
// implementations never see two concurrent calls. A non-nil error stops the
// slot that produced the update.
type Sink interface {
	OnSlotUpdated(slot SlotID, value int) error
}

// SinkFunc adapts a func to Sink.
type SinkFunc func(slot SlotID, value int) error

func (f SinkFunc) OnSlotUpdated(slot SlotID, value int) error { return f(slot, value) }

// SlotError reports why a slot stopped before reaching the target.
type SlotError struct {
	Slot SlotID
	Err  error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("%s: %v", e.Slot, e.Err)
}

func (e *SlotError) Unwrap() error { return e.Err }

// Sentinel errors returned by the scheduler.
var (
	ErrClosed             = errors.New("scheduler is closed")
	ErrSuperseded         = errors.New("slot restarted by a newer run")
	ErrNilSink            = errors.New("sink cannot be nil")
	ErrSubscriberNotFound = errors.New("subscriber id not found")
	ErrSinkPanicked       = errors.New("sink panicked")
)
