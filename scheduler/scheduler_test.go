package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcodamonte/concurrency/countdemo/scheduler"
)

const (
	target = 10
	pause  = 2 * time.Millisecond
)

// quietLogger returns a logger that discards output during tests unless -v is set.
func quietLogger() *slog.Logger {
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newScheduler(t *testing.T, p time.Duration) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(scheduler.Config{
		Target:          target,
		Pause:           p,
		ShutdownTimeout: 2 * time.Second,
		Logger:          quietLogger(),
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type event struct {
	slot  scheduler.SlotID
	value int
}

// recorder is a Sink that records events and flags any call that overlaps
// another or arrives off the delivery context.
type recorder struct {
	sched *scheduler.Scheduler

	// failAt makes the sink reject this event with failErr, or panic with
	// failPanic when that is set.
	failAt    event
	failErr   error
	failPanic any

	inFlight atomic.Int32
	overlaps atomic.Int32
	offMain  atomic.Int32

	mu     sync.Mutex
	events []event
}

func subscribe(t *testing.T, s *scheduler.Scheduler) *recorder {
	t.Helper()
	r := &recorder{sched: s}
	if _, err := s.Subscribe(r); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return r
}

func (r *recorder) OnSlotUpdated(slot scheduler.SlotID, value int) error {
	if r.inFlight.Add(1) > 1 {
		r.overlaps.Add(1)
	}
	defer r.inFlight.Add(-1)

	if !r.sched.OnDeliveryContext() {
		r.offMain.Add(1)
	}
	time.Sleep(20 * time.Microsecond) // widen the overlap window

	r.mu.Lock()
	r.events = append(r.events, event{slot, value})
	r.mu.Unlock()

	if r.failAt == (event{slot, value}) {
		if r.failPanic != nil {
			panic(r.failPanic)
		}
		return r.failErr
	}
	return nil
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func (r *recorder) perSlot() map[scheduler.SlotID][]int {
	out := make(map[scheduler.SlotID][]int)
	for _, e := range r.snapshot() {
		out[e.slot] = append(out[e.slot], e.value)
	}
	return out
}

func wait(t *testing.T, run *scheduler.Run) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := run.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("%s run did not finish in time", run.Strategy)
	}
	return err
}

// checkSerialized fails the test if the sink ever ran concurrently or off
// the main looper.
func checkSerialized(t *testing.T, r *recorder) {
	t.Helper()
	if n := r.overlaps.Load(); n != 0 {
		t.Errorf("sink received %d overlapping calls", n)
	}
	if n := r.offMain.Load(); n != 0 {
		t.Errorf("sink called %d times off the delivery context", n)
	}
}

// checkCounts verifies each slot published 1..target in order.
func checkCounts(t *testing.T, r *recorder) {
	t.Helper()
	per := r.perSlot()
	for _, id := range scheduler.Slots {
		values := per[id]
		if len(values) != target {
			t.Errorf("%s published %d updates; want %d", id, len(values), target)
			continue
		}
		for i, v := range values {
			if v != i+1 {
				t.Errorf("%s update %d = %d; want %d", id, i, v, i+1)
			}
		}
	}
}

var strategies = []scheduler.Strategy{scheduler.Sequential, scheduler.Mixed, scheduler.Parallel}

// ── Sequential ───────────────────────────────────────────────────────────────

// TestSequentialOrder is the reference scenario: 30 updates, slot1 x10 then
// slot2 x10 then slot3 x10.
func TestSequentialOrder(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, pause)
	r := subscribe(t, s)

	if err := wait(t, s.StartSequential(context.Background())); err != nil {
		t.Fatalf("run: %v", err)
	}

	events := r.snapshot()
	if len(events) != 3*target {
		t.Fatalf("got %d updates; want %d", len(events), 3*target)
	}
	for i, e := range events {
		want := event{scheduler.Slots[i/target], i%target + 1}
		if e != want {
			t.Fatalf("update %d = %+v; want %+v", i, e, want)
		}
	}
	checkSerialized(t, r)
}

// ── Concurrent strategies ────────────────────────────────────────────────────

func TestConcurrentStrategiesReachTarget(t *testing.T) {
	t.Parallel()

	for _, strategy := range []scheduler.Strategy{scheduler.Mixed, scheduler.Parallel} {
		strategy := strategy
		t.Run(strategy.String(), func(t *testing.T) {
			t.Parallel()

			s := newScheduler(t, pause)
			r := subscribe(t, s)

			start := time.Now()
			run, err := s.Start(context.Background(), strategy)
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if err := wait(t, run); err != nil {
				t.Fatalf("run: %v", err)
			}

			for _, id := range scheduler.Slots {
				if got := s.Value(id); got != target {
					t.Errorf("%s = %d; want %d", id, got, target)
				}
				if got := s.State(id); got != scheduler.Done {
					t.Errorf("%s state = %v; want done", id, got)
				}
			}
			checkCounts(t, r)
			checkSerialized(t, r)

			// Three slots counting side by side take about one slot's time.
			if elapsed := time.Since(start); elapsed > 3*target*pause+time.Second {
				t.Errorf("%s took %s", strategy, elapsed)
			}
		})
	}
}

// TestTopology checks which goroutine ended each slot's unit.
func TestTopology(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, pause)

	gids := func(strategy scheduler.Strategy) [3]int64 {
		run, _ := s.Start(context.Background(), strategy)
		if err := wait(t, run); err != nil {
			t.Fatalf("%s run: %v", strategy, err)
		}
		return [3]int64{run.Goroutine(scheduler.Slot1), run.Goroutine(scheduler.Slot2), run.Goroutine(scheduler.Slot3)}
	}

	seq := gids(scheduler.Sequential)
	if seq[0] != seq[1] || seq[1] != seq[2] {
		t.Errorf("sequential ran on goroutines %v; want one", seq)
	}

	mixed := gids(scheduler.Mixed)
	if mixed[0] != mixed[2] {
		t.Errorf("mixed slot1/slot3 ran on %d and %d; want the same context", mixed[0], mixed[2])
	}
	if mixed[1] == mixed[0] {
		t.Errorf("mixed slot2 shares goroutine %d with slot1", mixed[1])
	}
	if mixed[1] != seq[0] {
		t.Errorf("mixed slot2 ran on %d; want the main looper %d", mixed[1], seq[0])
	}

	par := gids(scheduler.Parallel)
	if par[0] == par[1] || par[1] == par[2] || par[0] == par[2] {
		t.Errorf("parallel ran on goroutines %v; want three distinct", par)
	}
}

// ── Restart ──────────────────────────────────────────────────────────────────

func TestRestartAfterCompletion(t *testing.T) {
	t.Parallel()

	for _, strategy := range strategies {
		strategy := strategy
		t.Run(strategy.String(), func(t *testing.T) {
			t.Parallel()

			s := newScheduler(t, pause)

			for round := 1; round <= 2; round++ {
				r := subscribe(t, s)
				run, _ := s.Start(context.Background(), strategy)
				if err := wait(t, run); err != nil {
					t.Fatalf("round %d: %v", round, err)
				}
				checkCounts(t, r)
			}
		})
	}
}

// TestRestartSupersedesRunningSlots starts a second run while the first one
// is still counting.
func TestRestartSupersedesRunningSlots(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, 20*time.Millisecond)
	r := subscribe(t, s)

	first := make(chan struct{})
	var once sync.Once
	if _, err := s.Subscribe(scheduler.SinkFunc(func(scheduler.SlotID, int) error {
		once.Do(func() { close(first) })
		return nil
	})); err != nil {
		t.Fatal(err)
	}

	old := s.StartParallel(context.Background())
	<-first
	fresh := s.StartParallel(context.Background())

	if err := wait(t, old); !errors.Is(err, scheduler.ErrSuperseded) {
		t.Errorf("old run error = %v; want ErrSuperseded", err)
	}
	if err := wait(t, fresh); err != nil {
		t.Fatalf("fresh run: %v", err)
	}

	// Updates of the old run all precede the fresh run's, which restart at 1.
	per := r.perSlot()
	for _, id := range scheduler.Slots {
		if got := s.Value(id); got != target {
			t.Errorf("%s = %d; want %d", id, got, target)
		}
		values := per[id]
		if len(values) < target {
			t.Errorf("%s published %d updates; want at least %d", id, len(values), target)
			continue
		}
		for i, v := range values[len(values)-target:] {
			if v != i+1 {
				t.Errorf("%s fresh update %d = %d; want %d", id, i, v, i+1)
			}
		}
	}
	checkSerialized(t, r)
}

// ── Failures ─────────────────────────────────────────────────────────────────

// TestSinkErrorStopsOnlyThatSlot makes the sink reject slot2's third update,
// either by returning an error or by panicking.
func TestSinkErrorStopsOnlyThatSlot(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("display unavailable")

	failures := []struct {
		name    string
		err     error
		panic   any
		wantErr error
	}{
		{name: "error", err: sentinel, wantErr: sentinel},
		{name: "panic", panic: "display crashed", wantErr: scheduler.ErrSinkPanicked},
	}

	for _, strategy := range strategies {
		for _, f := range failures {
			strategy, f := strategy, f
			t.Run(strategy.String()+"/"+f.name, func(t *testing.T) {
				t.Parallel()

				s := newScheduler(t, pause)
				r := &recorder{
					sched:     s,
					failAt:    event{scheduler.Slot2, 3},
					failErr:   f.err,
					failPanic: f.panic,
				}
				if _, err := s.Subscribe(r); err != nil {
					t.Fatal(err)
				}

				run, _ := s.Start(context.Background(), strategy)
				err := wait(t, run)
				if !errors.Is(err, f.wantErr) {
					t.Fatalf("run error = %v; want %v", err, f.wantErr)
				}

				var slotErr *scheduler.SlotError
				if !errors.As(err, &slotErr) || slotErr.Slot != scheduler.Slot2 {
					t.Errorf("run error = %v; want a SlotError for slot2", err)
				}
				if run.SlotErr(scheduler.Slot1) != nil || run.SlotErr(scheduler.Slot3) != nil {
					t.Errorf("unexpected errors on slot1/slot3: %v", err)
				}

				if got := s.Value(scheduler.Slot2); got != 3 {
					t.Errorf("slot2 = %d; want 3", got)
				}
				for _, id := range scheduler.Slots {
					if got := s.State(id); got != scheduler.Done {
						t.Errorf("%s state = %v; want %v", id, got, scheduler.Done)
					}
				}
				for _, id := range []scheduler.SlotID{scheduler.Slot1, scheduler.Slot3} {
					if got := s.Value(id); got != target {
						t.Errorf("%s = %d; want %d", id, got, target)
					}
				}
			})
		}
	}
}

func TestCancelStopsRun(t *testing.T) {
	t.Parallel()

	for _, strategy := range strategies {
		strategy := strategy
		t.Run(strategy.String(), func(t *testing.T) {
			t.Parallel()

			s := newScheduler(t, 10*time.Millisecond)
			ctx, cancel := context.WithCancel(context.Background())

			run, _ := s.Start(ctx, strategy)
			time.Sleep(25 * time.Millisecond)
			cancel()

			if err := wait(t, run); !errors.Is(err, context.Canceled) {
				t.Fatalf("run error = %v; want context.Canceled", err)
			}
			for _, id := range scheduler.Slots {
				if got := s.Value(id); got >= target {
					t.Errorf("%s reached %d after cancel", id, got)
				}
			}
		})
	}
}

func TestStartAfterClose(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, pause)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	run := s.StartMixed(context.Background())
	select {
	case <-run.Done():
	default:
		t.Fatal("run on a closed scheduler is not done")
	}
	if err := run.Err(); !errors.Is(err, scheduler.ErrClosed) {
		t.Errorf("Err() = %v; want ErrClosed", err)
	}
	if _, err := s.Subscribe(scheduler.SinkFunc(func(scheduler.SlotID, int) error { return nil })); !errors.Is(err, scheduler.ErrClosed) {
		t.Errorf("Subscribe after Close = %v; want ErrClosed", err)
	}
}

// ── Subscribers ──────────────────────────────────────────────────────────────

func TestSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, pause)

	if _, err := s.Subscribe(nil); !errors.Is(err, scheduler.ErrNilSink) {
		t.Errorf("Subscribe(nil) = %v; want ErrNilSink", err)
	}
	if err := s.Unsubscribe("nope"); !errors.Is(err, scheduler.ErrSubscriberNotFound) {
		t.Errorf("Unsubscribe(unknown) = %v; want ErrSubscriberNotFound", err)
	}

	var dropped atomic.Int32
	id, err := s.Subscribe(scheduler.SinkFunc(func(scheduler.SlotID, int) error {
		dropped.Add(1)
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	kept := subscribe(t, s)

	if err := s.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := s.Unsubscribe(id); !errors.Is(err, scheduler.ErrSubscriberNotFound) {
		t.Errorf("second Unsubscribe = %v; want ErrSubscriberNotFound", err)
	}

	if err := wait(t, s.StartSequential(context.Background())); err != nil {
		t.Fatal(err)
	}
	if n := dropped.Load(); n != 0 {
		t.Errorf("unsubscribed sink received %d updates", n)
	}
	checkCounts(t, kept)
}

// ── Misc ─────────────────────────────────────────────────────────────────────

func TestInitialState(t *testing.T) {
	s := newScheduler(t, pause)
	for _, id := range scheduler.Slots {
		if s.Value(id) != 0 || s.State(id) != scheduler.Idle {
			t.Errorf("%s starts at %d/%v; want 0/idle", id, s.Value(id), s.State(id))
		}
	}
}

func TestParseStrategy(t *testing.T) {
	for _, st := range strategies {
		got, err := scheduler.ParseStrategy(st.String())
		if err != nil || got != st {
			t.Errorf("ParseStrategy(%q) = %v, %v; want %v", st.String(), got, err, st)
		}
	}
	if _, err := scheduler.ParseStrategy("random"); err == nil {
		t.Error("ParseStrategy accepted an unknown name")
	}

	s := newScheduler(t, pause)
	if _, err := s.Start(context.Background(), scheduler.Strategy(42)); err == nil {
		t.Error("Start accepted an unknown strategy")
	}
}
