// Package worker implements the simulated worker process and the launcher
// that runs workers as goroutines.
//
// A worker reads the shared clock once to learn its start time, computes its
// target end time from the duration it was given, and then waits for the
// clock to reach the target. It never writes the clock. Instead of spinning,
// it asks the clock to wake it at the next time it cares about, which is
// either the target or the next whole simulated second since its start.
package worker

import (
	"context"
	"fmt"

	"github.com/sarchlab/osssim/vclock"
)

// Handle identifies a worker, the way a pid identifies a process.
type Handle int

func (h Handle) String() string {
	return fmt.Sprintf("%d", int(h))
}

// EventKind tells what happened to a worker.
type EventKind int

// Worker event kinds.
const (
	Started EventKind = iota
	Progress
	Terminated
	Killed
)

func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case Progress:
		return "progress"
	case Terminated:
		return "terminated"
	case Killed:
		return "killed"
	default:
		return "unknown"
	}
}

// An Event is a notice emitted by a worker about itself.
type Event struct {
	Kind    EventKind
	Handle  Handle
	Now     vclock.Time
	Start   vclock.Time
	Target  vclock.Time
	Elapsed uint32 // whole simulated seconds since Start, for Progress
}

// A Worker waits on the clock until its assigned duration has passed.
type Worker struct {
	handle   Handle
	duration vclock.Duration
	clock    *vclock.Reader
	notify   func(Event)

	started chan struct{}
	target  vclock.Time
}

// New creates a worker. The worker owns the clock reader and detaches it
// when Run returns. notify may be nil.
func New(
	handle Handle,
	duration vclock.Duration,
	clock *vclock.Reader,
	notify func(Event),
) *Worker {
	if notify == nil {
		notify = func(Event) {}
	}

	return &Worker{
		handle:   handle,
		duration: duration,
		clock:    clock,
		notify:   notify,
		started:  make(chan struct{}),
	}
}

// Handle returns the worker's handle.
func (w *Worker) Handle() Handle {
	return w.handle
}

// Started is closed once the worker has read its start time.
func (w *Worker) Started() <-chan struct{} {
	return w.started
}

// Target returns the time the worker terminates at. It is only valid after
// Started is closed.
func (w *Worker) Target() vclock.Time {
	return w.target
}

// Run executes the worker until the clock reaches its target or ctx is
// cancelled. It returns Terminated or Killed.
func (w *Worker) Run(ctx context.Context) EventKind {
	defer w.clock.Detach()

	start := w.clock.Now()
	target := start.Add(w.duration)
	w.target = target
	w.notify(Event{
		Kind:   Started,
		Handle: w.handle,
		Now:    start,
		Start:  start,
		Target: target,
	})
	close(w.started)

	var elapsed uint32
	nextReport := start.Add(vclock.Duration{Seconds: 1})

	for {
		now := w.clock.Now()

		// A late wake-up may have skipped several seconds.
		for now.Reached(nextReport) && target.Reached(nextReport) {
			elapsed++
			w.notify(Event{
				Kind:    Progress,
				Handle:  w.handle,
				Now:     now,
				Start:   start,
				Target:  target,
				Elapsed: elapsed,
			})
			nextReport = nextReport.Add(vclock.Duration{Seconds: 1})
		}

		if now.Reached(target) {
			w.notify(Event{
				Kind:   Terminated,
				Handle: w.handle,
				Now:    now,
				Start:  start,
				Target: target,
			})

			return Terminated
		}

		wakeAt := target
		if nextReport.Before(target) {
			wakeAt = nextReport
		}

		wake, cancel := w.clock.WaitUntil(wakeAt)
		select {
		case <-wake:
		case <-ctx.Done():
			cancel()
			w.notify(Event{
				Kind:   Killed,
				Handle: w.handle,
				Now:    w.clock.Now(),
				Start:  start,
				Target: target,
			})

			return Killed
		}
	}
}
