// Package watchdog turns a wall-clock deadline and operating-system
// interrupts into the cancellation of a run.
//
// The watchdog never touches the run's state. It only cancels a context
// with a cause; the scheduler observes the cancellation and performs the
// teardown itself.
package watchdog

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrTimeout is the cancellation cause when the deadline passes.
	ErrTimeout = errors.New("watchdog timeout")

	// ErrInterrupted is the cancellation cause on an interrupt request.
	ErrInterrupted = errors.New("interrupted")
)

// A Watchdog cancels a context after a wall-clock timeout or when an
// interrupt arrives, whichever happens first. It fires at most once.
type Watchdog struct {
	timeout time.Duration
	signals []os.Signal

	lock      sync.Mutex
	interrupt chan struct{}
	fired     error
}

// New creates a watchdog. A zero timeout disables the deadline. With no
// signals given, SIGINT and SIGTERM are watched.
func New(timeout time.Duration, signals ...os.Signal) *Watchdog {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}

	return &Watchdog{
		timeout:   timeout,
		signals:   signals,
		interrupt: make(chan struct{}, 1),
	}
}

// Watch returns a context derived from parent that the watchdog cancels.
// The returned stop function releases the timer and the signal handler; it
// must be called once the guarded work is over.
func (w *Watchdog) Watch(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, w.signals...)

	var deadline <-chan time.Time
	var timer *time.Timer
	if w.timeout > 0 {
		timer = time.NewTimer(w.timeout)
		deadline = timer.C
	}

	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)

		select {
		case <-deadline:
			w.fire(cancel, ErrTimeout)
		case <-sigCh:
			w.fire(cancel, ErrInterrupted)
		case <-w.interrupt:
			w.fire(cancel, ErrInterrupted)
		case <-ctx.Done():
		case <-done:
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			<-finished
			signal.Stop(sigCh)
			if timer != nil {
				timer.Stop()
			}
			cancel(nil)
		})
	}

	return ctx, stop
}

func (w *Watchdog) fire(cancel context.CancelCauseFunc, cause error) {
	w.lock.Lock()
	w.fired = cause
	w.lock.Unlock()

	cancel(cause)
}

// Interrupt requests the same teardown as an operating-system interrupt.
func (w *Watchdog) Interrupt() {
	select {
	case w.interrupt <- struct{}{}:
	default:
	}
}

// Fired returns the cause the watchdog fired with, or nil.
func (w *Watchdog) Fired() error {
	w.lock.Lock()
	defer w.lock.Unlock()

	return w.fired
}
