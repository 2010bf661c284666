package scheduler

import (
	"time"

	"github.com/rs/xid"

	"github.com/sarchlab/osssim/config"
	"github.com/sarchlab/osssim/lifecycle"
	"github.com/sarchlab/osssim/vclock"
)

// DefaultSnapshotPeriod is the simulated time between two snapshots.
var DefaultSnapshotPeriod = vclock.Duration{Nanoseconds: 500_000_000}

// Builder can be used to build a Scheduler.
type Builder struct {
	runID          string
	allocator      vclock.Allocator
	spawnerFactory SpawnerFactory
	snapshotPeriod vclock.Duration
	reapRetries    int
	tickPeriod     time.Duration
	hooks          []Hook
}

// MakeBuilder creates a new builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		snapshotPeriod: DefaultSnapshotPeriod,
		reapRetries:    3,
	}
}

// WithRunID sets the identifier of the run. A random one is used otherwise.
func (b Builder) WithRunID(id string) Builder {
	b.runID = id
	return b
}

// WithAllocator sets where the clock region comes from.
func (b Builder) WithAllocator(a vclock.Allocator) Builder {
	b.allocator = a
	return b
}

// WithSpawnerFactory sets how workers are created.
func (b Builder) WithSpawnerFactory(f SpawnerFactory) Builder {
	b.spawnerFactory = f
	return b
}

// WithSnapshotPeriod sets the simulated time between two snapshots. A zero
// period disables snapshots.
func (b Builder) WithSnapshotPeriod(d vclock.Duration) Builder {
	b.snapshotPeriod = d
	return b
}

// WithReapRetries sets how many interrupted reap queries are retried in one
// iteration.
func (b Builder) WithReapRetries(n int) Builder {
	b.reapRetries = n
	return b
}

// WithTickPeriod paces the loop so that one quantum takes at least the given
// wall-clock time. Zero runs as fast as possible.
func (b Builder) WithTickPeriod(d time.Duration) Builder {
	b.tickPeriod = d
	return b
}

// WithHook registers a hook on the scheduler.
func (b Builder) WithHook(h Hook) Builder {
	hooks := make([]Hook, len(b.hooks), len(b.hooks)+1)
	copy(hooks, b.hooks)
	b.hooks = append(hooks, h)

	return b
}

func (b Builder) parametersMustBeValid(c config.Config) {
	if c.N < 1 || c.S < 1 || c.S > lifecycle.MaxWorkers {
		panic("scheduler built from an unvalidated configuration")
	}

	if b.reapRetries < 0 {
		panic("reap retries cannot be negative")
	}

	if b.tickPeriod < 0 {
		panic("tick period cannot be negative")
	}
}

// Build creates a scheduler for a validated configuration.
func (b Builder) Build(c config.Config) *Scheduler {
	b.parametersMustBeValid(c)

	s := &Scheduler{
		HookableBase:   NewHookableBase(),
		runID:          b.runID,
		config:         c,
		allocator:      b.allocator,
		newSpawner:     b.spawnerFactory,
		snapshotPeriod: b.snapshotPeriod,
		reapRetries:    b.reapRetries,
		tickPeriod:     b.tickPeriod,
	}

	if s.runID == "" {
		s.runID = xid.New().String()
	}

	if s.allocator == nil {
		s.allocator = vclock.NewRegions(0)
	}

	if s.newSpawner == nil {
		s.newSpawner = LauncherFactory(1024)
	}

	for _, h := range b.hooks {
		s.AcceptHook(h)
	}

	return s
}
