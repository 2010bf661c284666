// Package vclock provides the simulated clock shared by the scheduler and its
// workers.
//
// The clock has a single writer. Only the scheduler calls Advance; workers
// attach to the clock and only read it. The two time fields are packed into
// one atomic word so a reader never observes a torn seconds/nanoseconds pair.
// Instead of spinning on the value, a reader can ask to be woken once a
// target time has been reached; Advance wakes every such reader.
package vclock

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
)

// Quantum is the amount of simulated time added by one Advance.
var Quantum = Duration{Nanoseconds: 10_000_000}

var (
	// ErrDestroyed is returned when attaching to a clock whose region has
	// been destroyed.
	ErrDestroyed = errors.New("clock region destroyed")

	// ErrStillAttached is returned by Destroy while readers remain attached.
	ErrStillAttached = errors.New("clock region still attached")
)

type waiter struct {
	target Time
	ch     chan struct{}
}

// A Clock is the virtual clock region.
type Clock struct {
	id      string
	quantum Duration
	now     atomic.Uint64

	lock      sync.Mutex
	waiters   []*waiter
	attached  int
	destroyed bool
	onDestroy func(*Clock)
}

// New creates a clock that starts at (0,0) and advances by quantum.
func New(quantum Duration) *Clock {
	if quantum.IsZero() {
		log.Panic("clock quantum cannot be 0")
	}

	return &Clock{quantum: quantum}
}

// ID returns the identifier of the region that backs the clock.
func (c *Clock) ID() string {
	return c.id
}

// Now returns a snapshot of the current simulated time.
func (c *Clock) Now() Time {
	return unpack(c.now.Load())
}

// Advance moves the clock forward by one quantum and wakes every reader
// whose target has been reached. It returns the new time.
func (c *Clock) Advance() Time {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.destroyed {
		log.Panic("advancing a destroyed clock")
	}

	now := unpack(c.now.Load()).Add(c.quantum)
	c.now.Store(pack(now))

	c.wakeReached(now)

	return now
}

func (c *Clock) wakeReached(now Time) {
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if now.Reached(w.target) {
			close(w.ch)
			continue
		}

		remaining = append(remaining, w)
	}

	for i := len(remaining); i < len(c.waiters); i++ {
		c.waiters[i] = nil
	}

	c.waiters = remaining
}

// Attach registers a new reader of the clock.
func (c *Clock) Attach() (*Reader, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.destroyed {
		return nil, ErrDestroyed
	}

	c.attached++

	return &Reader{clock: c}, nil
}

// Attached returns the number of readers that have not detached yet.
func (c *Clock) Attached() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.attached
}

// Destroyed tells if the region has been destroyed.
func (c *Clock) Destroyed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.destroyed
}

// Destroy releases the clock region. It fails while any reader is still
// attached. Destroying twice is a no-op.
func (c *Clock) Destroy() error {
	c.lock.Lock()

	if c.destroyed {
		c.lock.Unlock()
		return nil
	}

	if c.attached > 0 {
		c.lock.Unlock()
		return ErrStillAttached
	}

	c.destroyed = true
	c.waiters = nil
	onDestroy := c.onDestroy
	c.lock.Unlock()

	if onDestroy != nil {
		onDestroy(c)
	}

	return nil
}

func (c *Clock) wait(target Time) (<-chan struct{}, func()) {
	c.lock.Lock()
	defer c.lock.Unlock()

	ch := make(chan struct{})
	if unpack(c.now.Load()).Reached(target) {
		close(ch)
		return ch, func() {}
	}

	w := &waiter{target: target, ch: ch}
	c.waiters = append(c.waiters, w)

	return ch, func() { c.cancelWait(w) }
}

func (c *Clock) cancelWait(w *waiter) {
	c.lock.Lock()
	defer c.lock.Unlock()

	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Clock) detach() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.attached--
}

// A Reader is an attachment to a clock. It can observe the clock but never
// change it.
type Reader struct {
	clock *Clock
	once  sync.Once
}

// Now returns a snapshot of the current simulated time.
func (r *Reader) Now() Time {
	return r.clock.Now()
}

// WaitUntil returns a channel that is closed once the clock reaches target.
// The returned cancel function drops the registration; it must be called if
// the reader stops waiting before the channel closes.
func (r *Reader) WaitUntil(target Time) (<-chan struct{}, func()) {
	return r.clock.wait(target)
}

// Detach releases the reader's reference to the clock region. Calling it
// more than once has no further effect.
func (r *Reader) Detach() {
	r.once.Do(r.clock.detach)
}
