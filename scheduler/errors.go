package scheduler

import "errors"

var (
	// ErrResourceAcquisition is returned when the clock region cannot be
	// created. Nothing needs cleaning up when it is returned.
	ErrResourceAcquisition = errors.New("cannot acquire clock region")

	// ErrSpawn marks a failed worker creation. It is reported through
	// HookPosSpawnFailed and never ends a run.
	ErrSpawn = errors.New("cannot spawn worker")

	// ErrReap is returned when the worker tracking itself is broken.
	ErrReap = errors.New("cannot reap workers")

	// ErrForcedShutdown is returned when the run was cancelled and every
	// in-flight worker was killed. It wraps the cancellation cause.
	ErrForcedShutdown = errors.New("forced shutdown")
)

type forcedShutdownError struct {
	cause error
}

func (e *forcedShutdownError) Error() string {
	if e.cause == nil {
		return ErrForcedShutdown.Error()
	}

	return ErrForcedShutdown.Error() + ": " + e.cause.Error()
}

func (e *forcedShutdownError) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrForcedShutdown}
	}

	return []error{ErrForcedShutdown, e.cause}
}
