package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sarchlab/osssim/vclock"
)

var (
	// ErrClosed is returned when spawning on a closed launcher.
	ErrClosed = errors.New("launcher closed")

	// ErrUnknownWorker is returned when killing a handle that is not running.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrInterrupted marks a status query that was interrupted and can be
	// retried.
	ErrInterrupted = errors.New("status query interrupted")
)

// FirstHandle is the handle given to the first worker a launcher spawns.
const FirstHandle Handle = 1000

type runningWorker struct {
	cancel context.CancelFunc
	target vclock.Time
	done   chan struct{}
}

// A Launcher runs workers as goroutines attached to one clock.
//
// Spawn returns only after the worker has read its start time, so the start
// equals the clock value at which the scheduler launched it. Reap first
// waits for every worker whose target the clock has reached. Those workers
// have already been woken and only need to run, so a worker is always
// reaped in the iteration in which the clock reaches its target.
type Launcher struct {
	clock *vclock.Clock

	lock       sync.Mutex
	nextHandle Handle
	running    map[Handle]*runningWorker
	exited     []Handle
	closed     bool

	events chan Event
	wg     sync.WaitGroup
}

// NewLauncher creates a launcher whose workers read the given clock. Worker
// events are delivered on a channel with the given buffer size; events that
// do not fit are dropped.
func NewLauncher(clock *vclock.Clock, eventBuffer int) *Launcher {
	return &Launcher{
		clock:      clock,
		nextHandle: FirstHandle,
		running:    make(map[Handle]*runningWorker),
		events:     make(chan Event, eventBuffer),
	}
}

// Spawn starts a worker that runs for the given simulated duration.
func (l *Launcher) Spawn(d vclock.Duration) (Handle, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	reader, err := l.clock.Attach()
	if err != nil {
		return 0, fmt.Errorf("attaching worker to clock: %w", err)
	}

	h := l.nextHandle
	l.nextHandle++

	ctx, cancel := context.WithCancel(context.Background())
	w := New(h, d, reader, l.publish)
	rw := &runningWorker{cancel: cancel, done: make(chan struct{})}
	l.running[h] = rw

	l.wg.Add(1)
	go l.run(ctx, w, rw.done)

	// The worker cannot leave the running set before we unlock.
	<-w.Started()
	rw.target = w.Target()

	return h, nil
}

func (l *Launcher) run(ctx context.Context, w *Worker, done chan struct{}) {
	defer l.wg.Done()
	defer close(done)

	kind := w.Run(ctx)

	l.lock.Lock()
	defer l.lock.Unlock()

	if rw, ok := l.running[w.Handle()]; ok {
		rw.cancel()
		delete(l.running, w.Handle())
	}

	if kind == Terminated {
		l.exited = append(l.exited, w.Handle())
	}
}

func (l *Launcher) publish(e Event) {
	select {
	case l.events <- e:
	default:
	}
}

// Events returns the channel on which worker events are published.
func (l *Launcher) Events() <-chan Event {
	return l.events
}

// Reap returns one worker that terminated on its own and has not been
// reaped yet. It never blocks; the second return value is false if no such
// worker exists.
func (l *Launcher) Reap() (Handle, bool, error) {
	l.settle()

	l.lock.Lock()
	defer l.lock.Unlock()

	if len(l.exited) == 0 {
		return 0, false, nil
	}

	h := l.exited[0]
	l.exited = l.exited[1:]

	return h, true, nil
}

// settle waits for the workers whose target the clock has reached.
func (l *Launcher) settle() {
	now := l.clock.Now()

	l.lock.Lock()
	var due []chan struct{}
	for _, rw := range l.running {
		if now.Reached(rw.target) {
			due = append(due, rw.done)
		}
	}
	l.lock.Unlock()

	for _, done := range due {
		<-done
	}
}

// Kill stops a running worker without waiting for it to reach its target.
func (l *Launcher) Kill(h Handle) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	rw, ok := l.running[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWorker, h)
	}

	rw.cancel()

	return nil
}

// Running returns the number of workers that have not returned yet.
func (l *Launcher) Running() int {
	l.lock.Lock()
	defer l.lock.Unlock()

	return len(l.running)
}

// Close stops the launcher from accepting new workers.
func (l *Launcher) Close() {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.closed = true
}

// Wait blocks until every spawned worker has returned and detached from the
// clock.
func (l *Launcher) Wait() {
	l.wg.Wait()
}
