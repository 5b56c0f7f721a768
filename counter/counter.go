// Package counter provides the shared integer counter used by the race
// demonstration.
//
// A Counter has two increment paths over the same field:
//
//	c.IncrementUnguarded() // n++ with no synchronization: lost updates
//	c.IncrementGuarded()   // n++ inside the counter's own mutex
//
// n++ compiles to a load, an add and a store. When two goroutines interleave
// between the load and the store they both write back the same value and one
// increment disappears. The guarded path holds c.mu across all three steps.
//
// Running the unguarded path under `go test -race` reports a data race on
// purpose; that report is the thing being demonstrated.
package counter

import (
	"sync"
	"sync/atomic"
)

// Counter is a single mutable integer. The zero value is ready to use.
type Counter struct {
	mu sync.Mutex // scoped to this instance, never shared between counters
	n  int64

	atomicN atomic.Int64
}

// IncrementUnguarded performs a plain read-modify-write on the counter.
// Concurrent callers race on n.
func (c *Counter) IncrementUnguarded() {
	c.n++ // DATA RACE when called from several goroutines
}

// IncrementGuarded performs the same read-modify-write while holding the
// counter's mutex. The unlock is deferred so it runs on every exit path.
func (c *Counter) IncrementGuarded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

// IncrementAtomic is the lock-free variant. It updates a separate field read
// by AtomicValue and only exists for benchmark comparison.
func (c *Counter) IncrementAtomic() {
	c.atomicN.Add(1)
}

// Reset sets the counter back to zero. It must not run concurrently with
// any increment.
func (c *Counter) Reset() {
	c.n = 0
	c.atomicN.Store(0)
}

// Value returns the current count. Callers read it only after every worker
// of a trial has been joined, so no lock is taken.
func (c *Counter) Value() int64 {
	return c.n
}

// AtomicValue returns the count accumulated by IncrementAtomic.
func (c *Counter) AtomicValue() int64 {
	return c.atomicN.Load()
}
