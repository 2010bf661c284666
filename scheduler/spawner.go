package scheduler

import (
	"github.com/sarchlab/osssim/vclock"
	"github.com/sarchlab/osssim/worker"
)

// A Spawner creates, reaps and kills workers on behalf of the scheduler.
type Spawner interface {
	// Spawn starts a worker that runs for the given simulated duration.
	Spawn(d vclock.Duration) (worker.Handle, error)

	// Reap returns a worker that has terminated on its own since the last
	// call. It must not block. ok is false when there is none.
	Reap() (h worker.Handle, ok bool, err error)

	// Kill forcibly stops a worker.
	Kill(h worker.Handle) error

	// Close stops the spawner from creating more workers.
	Close()

	// Wait blocks until no spawned worker holds the clock anymore.
	Wait()
}

// An EventSource is a Spawner that also reports worker events.
type EventSource interface {
	Events() <-chan worker.Event
}

// SpawnerFactory binds a Spawner to a newly created clock.
type SpawnerFactory func(clock *vclock.Clock) Spawner

// LauncherFactory returns a SpawnerFactory that runs workers as goroutines.
func LauncherFactory(eventBuffer int) SpawnerFactory {
	return func(clock *vclock.Clock) Spawner {
		return worker.NewLauncher(clock, eventBuffer)
	}
}
