// Package looper provides a message loop: the delivery context onto which
// concurrent producers marshal work that must never run concurrently with
// itself.
//
// Each Looper is a sequenced task runner from github.com/Swind/go-task-runner.
// Messages are plain funcs executed one at a time, in the order they were
// posted, on whichever pool goroutine currently serves the sequence. Post
// never blocks, so a message running on one looper may safely post to
// another looper that is posting back to it.
//
// Lifecycle:
//
//	l := looper.New(cfg)
//	l.Post(fn)                       // enqueue, returns immediately
//	l.PostDelayed(fn, d, dropped)    // enqueue once d has elapsed
//	l.Call(ctx, fn)                  // enqueue and wait for fn's error
//	l.Quit()                         // stop accepting, drain, stop
package looper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	taskrunner "github.com/Swind/go-task-runner"
	"github.com/Swind/go-task-runner/core"

	"github.com/marcodamonte/concurrency/countdemo/goid"
)

// minPoolWorkers keeps a few workers free when a message blocks its worker.
const minPoolWorkers = 8

var poolOnce sync.Once

// ensurePool starts the process-wide thread pool shared by every looper.
func ensurePool() {
	poolOnce.Do(func() {
		taskrunner.InitGlobalThreadPool(max(runtime.GOMAXPROCS(0), minPoolWorkers))
	})
}

// Shutdown stops the process-wide thread pool. Call it once, at program
// exit, after every looper has quit.
func Shutdown() {
	taskrunner.ShutdownGlobalThreadPool()
}

// Config holds looper construction parameters.
type Config struct {
	// Name identifies the looper in logs ("main", "background", ...).
	Name string

	// ShutdownTimeout is the maximum time Quit waits for queued messages to
	// drain. Messages still queued when it elapses are dropped. Defaults to 5 s.
	ShutdownTimeout time.Duration

	// Logger is used for structured output. If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Name == "" {
		out.Name = "looper"
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = 5 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Metrics exposes live looper counters.
type Metrics struct {
	Posted   int64 // messages accepted by Post, PostDelayed or Call
	Ran      int64 // messages executed (including ones that panicked)
	Panicked int64 // messages that panicked and were recovered
	Dropped  int64 // messages rejected after Quit or discarded on timeout
}

// message is one queued unit. dropped, if set, is told when the message is
// discarded instead of run.
type message struct {
	run     func()
	dropped func(error)
}

// Looper runs posted messages sequentially.
type Looper struct {
	cfg Config

	post        func(task func(context.Context))
	postDelayed func(task func(context.Context), delay time.Duration)

	mu       sync.Mutex
	pending  int  // accepted but not yet run or dropped
	quitting bool // no new messages accepted
	discard  bool // drop what is still queued instead of running it

	// owner is the goroutine running the current message, 0 between
	// messages. The sequence never runs two messages at once, so it
	// identifies the loop for as long as a message is executing.
	owner atomic.Int64

	done     chan struct{}
	doneOnce sync.Once
	once     sync.Once

	posted, ran, panicked, dropped atomic.Int64
}

// New creates a Looper backed by its own sequenced task runner.
func New(cfg Config) *Looper {
	cfg = cfg.withDefaults()
	ensurePool()

	runner := taskrunner.CreateTaskRunner(core.DefaultTaskTraits())
	l := &Looper{
		cfg: cfg,
		post: func(task func(context.Context)) {
			runner.PostTask(task)
		},
		postDelayed: func(task func(context.Context), delay time.Duration) {
			runner.PostDelayedTask(task, delay)
		},
		done: make(chan struct{}),
	}

	l.cfg.Logger.Debug("looper: started", "name", cfg.Name)
	return l
}

// Name returns the configured looper name.
func (l *Looper) Name() string { return l.cfg.Name }

// Post enqueues fn to run on the loop. It returns ErrLooperClosed once Quit
// has been called.
func (l *Looper) Post(fn func()) error {
	return l.PostDelayed(fn, 0, nil)
}

// PostDelayed enqueues fn to run on the loop once delay has elapsed. The
// looper keeps serving other messages in the meantime. If Quit times out
// before fn runs, fn is discarded and dropped (when non-nil) receives
// ErrShutdownTimeout instead. dropped never runs when PostDelayed itself
// returns an error.
func (l *Looper) PostDelayed(fn func(), delay time.Duration, dropped func(error)) error {
	if fn == nil {
		return ErrNilMessage
	}
	return l.enqueue(message{run: fn, dropped: dropped}, delay)
}

// Call runs fn on the loop and returns its error. Called from the loop
// itself, fn runs inline. If ctx is done first Call returns ctx's error;
// fn may still run afterwards. If Quit discards the message, Call returns
// ErrShutdownTimeout.
func (l *Looper) Call(ctx context.Context, fn func() error) error {
	if fn == nil {
		return ErrNilMessage
	}
	if l.OnLoop() {
		return fn()
	}

	result := make(chan error, 1) // buffered: the loop never waits on a gone caller
	err := l.enqueue(message{
		run: func() {
			defer func() {
				if r := recover(); r != nil {
					result <- fmt.Errorf("call on %s looper panicked: %v", l.cfg.Name, r)
					panic(r) // dispatch logs and counts it
				}
			}()
			result <- fn()
		},
		dropped: func(err error) { result <- err },
	}, 0)
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("call on %s looper: %w", l.cfg.Name, ctx.Err())
	}
}

// OnLoop reports whether the caller is the message currently running on
// this looper.
func (l *Looper) OnLoop() bool {
	owner := l.owner.Load()
	return owner != 0 && owner == goid.Get()
}

// Quit stops the looper gracefully:
//  1. Marks the looper as quitting so Post rejects new messages.
//  2. Lets the runner drain what is already queued, delayed messages included.
//  3. Waits up to ShutdownTimeout for the drain.
//  4. If the timeout elapses, the remaining messages are discarded and
//     ErrShutdownTimeout is returned once the running message finishes.
//
// Called from a message running on the loop itself, Quit only marks the
// looper and returns; Done closes after the queue drains.
// Quit is safe to call more than once.
func (l *Looper) Quit() error {
	var quitErr error

	l.once.Do(func() {
		l.cfg.Logger.Debug("looper: quit requested", "name", l.cfg.Name)

		l.mu.Lock()
		l.quitting = true
		idle := l.pending == 0
		l.mu.Unlock()
		if idle {
			l.stop()
		}

		if l.OnLoop() {
			return
		}

		timer := time.NewTimer(l.cfg.ShutdownTimeout)
		defer timer.Stop()

		select {
		case <-l.done:
			l.cfg.Logger.Debug("looper: stopped", "name", l.cfg.Name)

		case <-timer.C:
			l.cfg.Logger.Warn("looper: shutdown timeout elapsed, discarding queue",
				"name", l.cfg.Name, "timeout", l.cfg.ShutdownTimeout)
			l.mu.Lock()
			l.discard = true
			l.mu.Unlock()
			<-l.done
			quitErr = ErrShutdownTimeout
		}
	})

	return quitErr
}

// Done is closed once Quit has been called and every accepted message has
// either run or been dropped.
func (l *Looper) Done() <-chan struct{} { return l.done }

// Metrics returns a snapshot of the looper counters.
func (l *Looper) Metrics() Metrics {
	return Metrics{
		Posted:   l.posted.Load(),
		Ran:      l.ran.Load(),
		Panicked: l.panicked.Load(),
		Dropped:  l.dropped.Load(),
	}
}

func (l *Looper) enqueue(m message, delay time.Duration) error {
	l.mu.Lock()
	if l.quitting {
		l.mu.Unlock()
		l.dropped.Add(1)
		return ErrLooperClosed
	}
	l.pending++
	l.posted.Add(1)
	l.mu.Unlock()

	task := func(context.Context) { l.dispatch(m) }
	if delay > 0 {
		l.postDelayed(task, delay)
	} else {
		l.post(task)
	}
	return nil
}

// dispatch runs one message on the runner. A panic is logged and counted;
// the sequence keeps serving the rest of the queue.
func (l *Looper) dispatch(m message) {
	defer l.settle()

	l.mu.Lock()
	discard := l.discard
	l.mu.Unlock()
	if discard {
		l.dropped.Add(1)
		if m.dropped != nil {
			m.dropped(ErrShutdownTimeout)
		}
		return
	}

	l.owner.Store(goid.Get())
	defer func() {
		l.owner.Store(0)
		if r := recover(); r != nil {
			l.panicked.Add(1)
			l.cfg.Logger.Error("looper: message panicked", "name", l.cfg.Name, "panic", r)
		}
	}()
	l.ran.Add(1)
	m.run()
}

// settle retires one accepted message and closes done when a quitting
// looper has nothing left.
func (l *Looper) settle() {
	l.mu.Lock()
	l.pending--
	last := l.quitting && l.pending == 0
	l.mu.Unlock()
	if last {
		l.stop()
	}
}

func (l *Looper) stop() {
	l.doneOnce.Do(func() { close(l.done) })
}

// Sentinel errors returned by the looper.
var (
	ErrLooperClosed    = errors.New("looper is closed")
	ErrNilMessage      = errors.New("looper message is nil")
	ErrShutdownTimeout = errors.New("looper shutdown timeout elapsed; queued messages were dropped")
)
