// Package scheduler drives three independent counters (slots) from 0 to a
// target under three concurrency topologies and publishes every step to
// subscribed sinks.
//
// Two loopers exist for the lifetime of a Scheduler:
//
//	main        the delivery context: every Sink call runs here
//	background  a second cooperative context used by the Mixed strategy
//
// Units of work on a looper are chains of messages. A step increments the
// slot, publishes through main, and posts the next step back to the unit's
// looper as a delayed message. The looper is free to run other units in the
// meantime, so units on the same looper interleave only between steps.
//
// Parallel units are goroutines locked to their own OS thread. They sleep
// between steps and block on main for each publish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marcodamonte/concurrency/countdemo/goid"
	"github.com/marcodamonte/concurrency/countdemo/looper"
)

// Reference defaults.
const (
	DefaultTarget = 10
	DefaultPause  = 100 * time.Millisecond
)

// Config holds scheduler construction parameters.
type Config struct {
	// Target is the value every slot counts up to. Defaults to 10.
	Target int

	// Pause separates two steps of the same slot. Defaults to 100 ms.
	Pause time.Duration

	// ShutdownTimeout bounds how long Close waits for each looper to drain.
	ShutdownTimeout time.Duration

	// Logger is used for structured output. If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Target <= 0 {
		out.Target = DefaultTarget
	}
	if out.Pause <= 0 {
		out.Pause = DefaultPause
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

type subscription struct {
	id   string
	sink Sink
}

// Scheduler owns the three slots and the loopers that drive them.
type Scheduler struct {
	cfg Config

	main       *looper.Looper
	background *looper.Looper

	slots [len(Slots)]*slot

	subMu sync.RWMutex
	subs  []subscription

	closed atomic.Bool
}

// New creates a Scheduler and starts its loopers.
func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()

	s := &Scheduler{
		cfg: cfg,
		main: looper.New(looper.Config{
			Name:            "main",
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          cfg.Logger,
		}),
		background: looper.New(looper.Config{
			Name:            "background",
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          cfg.Logger,
		}),
	}
	for _, id := range Slots {
		s.slots[id.index()] = &slot{id: id}
	}

	s.cfg.Logger.Info("scheduler: started",
		"target", cfg.Target,
		"pause", cfg.Pause)
	return s
}

// Subscribe registers sink for every slot update and returns its id.
func (s *Scheduler) Subscribe(sink Sink) (string, error) {
	if sink == nil {
		return "", ErrNilSink
	}
	if s.closed.Load() {
		return "", ErrClosed
	}

	id := uuid.NewString()
	s.subMu.Lock()
	s.subs = append(s.subs, subscription{id: id, sink: sink})
	s.subMu.Unlock()
	return id, nil
}

// Unsubscribe removes a sink by id.
func (s *Scheduler) Unsubscribe(id string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return nil
		}
	}
	return ErrSubscriberNotFound
}

// Value returns slot's current value.
func (s *Scheduler) Value(slot SlotID) int {
	if !slot.valid() {
		return 0
	}
	v, _ := s.slots[slot.index()].snapshot()
	return v
}

// State returns slot's lifecycle state.
func (s *Scheduler) State(slot SlotID) State {
	if !slot.valid() {
		return Idle
	}
	_, st := s.slots[slot.index()].snapshot()
	return st
}

// OnDeliveryContext reports whether the caller runs on the main looper.
func (s *Scheduler) OnDeliveryContext() bool {
	return s.main.OnLoop()
}

// Start launches strategy and returns immediately.
func (s *Scheduler) Start(ctx context.Context, strategy Strategy) (*Run, error) {
	switch strategy {
	case Sequential:
		return s.StartSequential(ctx), nil
	case Mixed:
		return s.StartMixed(ctx), nil
	case Parallel:
		return s.StartParallel(ctx), nil
	}
	return nil, fmt.Errorf("scheduler: unsupported strategy %v", strategy)
}

// StartSequential counts slot1, then slot2, then slot3 on the main looper.
// A slot stopped by an error does not prevent the next one from running.
func (s *Scheduler) StartSequential(ctx context.Context) *Run {
	run, units, ok := s.begin(ctx, Sequential)
	if !ok {
		return run
	}

	var from func(i int)
	from = func(i int) {
		if i == len(units) {
			return
		}
		s.countOn(s.main, units[i], func(err error) {
			s.finish(units[i], err)
			from(i + 1)
		})
	}
	from(0)
	return run
}

// StartMixed counts slot1 and slot3 on the background looper and slot2 on
// the main looper. All three units run concurrently.
func (s *Scheduler) StartMixed(ctx context.Context) *Run {
	run, units, ok := s.begin(ctx, Mixed)
	if !ok {
		return run
	}

	for _, u := range units {
		u := u
		home := s.background
		if u.slot.id == Slot2 {
			home = s.main
		}
		s.countOn(home, u, func(err error) { s.finish(u, err) })
	}
	return run
}

// StartParallel counts every slot on a dedicated OS thread.
func (s *Scheduler) StartParallel(ctx context.Context) *Run {
	run, units, ok := s.begin(ctx, Parallel)
	if !ok {
		return run
	}

	for _, u := range units {
		u := u
		go func() {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			s.finish(u, s.countOnThread(u))
		}()
	}
	return run
}

// Close stops both loopers. Runs still in progress end with ErrClosed,
// ErrLooperClosed or ErrShutdownTimeout on their remaining slots.
func (s *Scheduler) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cfg.Logger.Info("scheduler: closing")

	// background first: its units still post to main.
	return errors.Join(s.background.Quit(), s.main.Quit())
}

// unit is one slot's share of a run.
type unit struct {
	ctx  context.Context
	run  *Run
	slot *slot
	gen  uint64
}

func (u *unit) err() error {
	if u.ctx.Err() != nil {
		return context.Cause(u.ctx)
	}
	return nil
}

// begin creates the run and takes ownership of every slot, resetting them
// to 0.
func (s *Scheduler) begin(ctx context.Context, strategy Strategy) (*Run, []*unit, bool) {
	run := newRun(strategy)

	if s.closed.Load() {
		for _, id := range Slots {
			run.finish(id, 0, ErrClosed)
		}
		return run, nil, false
	}

	units := make([]*unit, 0, len(Slots))
	for _, id := range Slots {
		sl := s.slots[id.index()]
		uctx, gen := sl.begin(ctx)
		units = append(units, &unit{ctx: uctx, run: run, slot: sl, gen: gen})
	}

	s.cfg.Logger.Info("scheduler: run started",
		"run", run.ID.String(),
		"strategy", strategy.String())
	return run, units, true
}

// finish records a unit's outcome along with the goroutine that ended it.
func (s *Scheduler) finish(u *unit, err error) {
	gid := goid.Get()
	u.slot.finish(u.gen)
	u.run.finish(u.slot.id, gid, err)

	value, _ := u.slot.snapshot()
	if err != nil {
		s.cfg.Logger.Warn("scheduler: slot stopped",
			"run", u.run.ID.String(),
			"strategy", u.run.Strategy.String(),
			"slot", u.slot.id.String(),
			"goroutine", gid,
			"error", err)
		return
	}
	s.cfg.Logger.Info("scheduler: slot finished",
		"run", u.run.ID.String(),
		"strategy", u.run.Strategy.String(),
		"slot", u.slot.id.String(),
		"value", value,
		"goroutine", gid)
}

// countOn drives u to the target as a chain of messages on home and calls
// done exactly once.
func (s *Scheduler) countOn(home *looper.Looper, u *unit, done func(error)) {
	var step func()
	step = func() {
		if err := u.err(); err != nil {
			done(err)
			return
		}
		v, ok := u.slot.advance(u.gen)
		if !ok {
			done(superseded(u))
			return
		}

		s.publishFrom(home, u, v, func(err error) {
			if err != nil {
				done(err)
				return
			}
			post(home, s.cfg.Pause, func() {
				if v >= s.cfg.Target {
					done(nil)
					return
				}
				step()
			}, done)
		})
	}

	post(home, 0, step, done)
}

// post queues fn on home after delay. fail receives the error when home
// refuses fn or discards it on shutdown; exactly one of fn and fail runs.
func post(home *looper.Looper, delay time.Duration, fn func(), fail func(error)) {
	if err := home.PostDelayed(fn, delay, fail); err != nil {
		fail(err)
	}
}

// publishFrom delivers v on main and resumes k on home with the result.
func (s *Scheduler) publishFrom(home *looper.Looper, u *unit, v int, k func(error)) {
	if home == s.main {
		k(s.deliver(u, v))
		return
	}

	post(s.main, 0, func() {
		result := s.deliver(u, v)
		post(home, 0, func() { k(result) }, k)
	}, k)
}

// countOnThread is the Parallel unit body. It blocks its own thread during
// pauses and waits for each publish to be delivered.
func (s *Scheduler) countOnThread(u *unit) error {
	for {
		if err := u.err(); err != nil {
			return err
		}
		v, ok := u.slot.advance(u.gen)
		if !ok {
			return superseded(u)
		}

		if err := s.main.Call(u.ctx, func() error { return s.deliver(u, v) }); err != nil {
			if cause := u.err(); cause != nil {
				return cause
			}
			return err
		}

		t := time.NewTimer(s.cfg.Pause)
		select {
		case <-t.C:
		case <-u.ctx.Done():
			t.Stop()
			return context.Cause(u.ctx)
		}

		if v >= s.cfg.Target {
			return nil
		}
	}
}

// deliver runs on main. Updates from a superseded run are dropped.
func (s *Scheduler) deliver(u *unit, v int) error {
	if !u.slot.current(u.gen) {
		return superseded(u)
	}

	s.subMu.RLock()
	subs := append([]subscription(nil), s.subs...)
	s.subMu.RUnlock()

	var errs []error
	for _, sub := range subs {
		if err := notify(sub.sink, u.slot.id, v); err != nil {
			errs = append(errs, fmt.Errorf("subscriber %s: %w", sub.id, err))
		}
	}
	return errors.Join(errs...)
}

// notify calls one sink, turning a panic into ErrSinkPanicked so the unit
// that published still completes.
func notify(sink Sink, slot SlotID, v int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSinkPanicked, r)
		}
	}()
	return sink.OnSlotUpdated(slot, v)
}

func superseded(u *unit) error {
	if err := u.err(); err != nil {
		return err
	}
	return ErrSuperseded
}
