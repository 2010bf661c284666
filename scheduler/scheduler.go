// Package scheduler implements the admission-control loop of the simulated
// operating system.
//
// The Scheduler is the only writer of the virtual clock. Each iteration of
// its loop advances the clock by one quantum, optionally emits a snapshot,
// reaps every worker that has terminated, and admits new workers while the
// concurrency ceiling, the total count and the launch interval allow it. The
// first admission happens at the clock's initial value, before the first
// advance.
//
// Cancelling the context passed to Run is the only way to stop a run early.
// The loop notices the cancellation at the top of an iteration and tears the
// run down: every in-flight worker is killed, the clock region is destroyed
// and Run returns an error wrapping ErrForcedShutdown and the cancellation
// cause.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/sarchlab/osssim/config"
	"github.com/sarchlab/osssim/lifecycle"
	"github.com/sarchlab/osssim/vclock"
	"github.com/sarchlab/osssim/worker"
)

// Stats are the scheduler's counters.
type Stats struct {
	Launched      int
	Terminated    int
	Active        int
	RuntimeNano   uint64
	SpawnFailures int
	Iterations    uint64
}

// LaunchInfo describes an admitted worker.
type LaunchInfo struct {
	Slot  int
	Entry lifecycle.Entry
}

// ReapInfo describes a reaped worker.
type ReapInfo struct {
	Slot    int
	Entry   lifecycle.Entry
	Runtime vclock.Duration
	Now     vclock.Time
}

// KillInfo describes a worker stopped by a forced shutdown. Err is set if
// the kill failed.
type KillInfo struct {
	Slot   int
	Handle worker.Handle
	Err    error
}

// A Snapshot is a copy of the occupied table slots at some simulated time.
type Snapshot struct {
	Now     vclock.Time
	Slots   []int
	Entries []lifecycle.Entry
	Stats   Stats
}

// Summary is the outcome of a run.
type Summary struct {
	RunID      string
	Launched   int
	Terminated int
	Killed     int
	Runtime    vclock.Duration
	FinalTime  vclock.Time
	Stats      Stats
}

// Scheduler owns the clock, the lifecycle table and the counters of one run.
type Scheduler struct {
	*HookableBase

	runID          string
	config         config.Config
	allocator      vclock.Allocator
	newSpawner     SpawnerFactory
	snapshotPeriod vclock.Duration
	reapRetries    int
	tickPeriod     time.Duration

	clock          *vclock.Clock
	spawner        Spawner
	table          *lifecycle.Table
	nextLaunch     vclock.Time
	snapshotBucket uint64

	statsLock sync.Mutex
	stats     Stats

	ran bool
}

// RunID returns the identifier of the run.
func (s *Scheduler) RunID() string {
	return s.runID
}

// Config returns the configuration the scheduler was built with.
func (s *Scheduler) Config() config.Config {
	return s.config
}

// Stats returns a copy of the counters. It is safe to call from any
// goroutine.
func (s *Scheduler) Stats() Stats {
	s.statsLock.Lock()
	defer s.statsLock.Unlock()

	return s.stats
}

// Now returns the current simulated time, or the zero time before Run has
// created the clock.
func (s *Scheduler) Now() vclock.Time {
	if s.clock == nil {
		return vclock.Time{}
	}

	return s.clock.Now()
}

func (s *Scheduler) updateStats(f func(st *Stats)) {
	s.statsLock.Lock()
	defer s.statsLock.Unlock()

	f(&s.stats)
}

// Run executes the whole simulation. It returns when all workers have been
// launched and reaped, when the worker tracking fails, or when ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	if s.ran {
		log.Panic("a scheduler can only run once")
	}
	s.ran = true

	clock, err := s.allocator.Create()
	if err != nil {
		return Summary{RunID: s.runID},
			fmt.Errorf("%w: %w", ErrResourceAcquisition, err)
	}

	s.clock = clock
	s.spawner = s.newSpawner(clock)
	s.table = lifecycle.NewTable()

	var ticker *time.Ticker
	if s.tickPeriod > 0 {
		ticker = time.NewTicker(s.tickPeriod)
		defer ticker.Stop()
	}

	s.admit()

	for !s.done() {
		if ctx.Err() != nil {
			return s.forceShutdown(context.Cause(ctx))
		}

		s.iterate()

		if err := s.reap(); err != nil {
			summary, _ := s.forceShutdown(err)
			return summary, err
		}

		s.admit()

		if err := s.pace(ctx, ticker); err != nil {
			return s.forceShutdown(err)
		}
	}

	return s.finish()
}

func (s *Scheduler) done() bool {
	st := s.Stats()
	return st.Launched == s.config.N && st.Active == 0
}

func (s *Scheduler) iterate() {
	now := s.clock.Advance()
	s.updateStats(func(st *Stats) { st.Iterations++ })

	s.maybeSnapshot(now)
	s.drainWorkerEvents()
}

func (s *Scheduler) pace(ctx context.Context, ticker *time.Ticker) error {
	if ticker == nil {
		runtime.Gosched()
		return nil
	}

	select {
	case <-ticker.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (s *Scheduler) maybeSnapshot(now vclock.Time) {
	if s.snapshotPeriod.IsZero() {
		return
	}

	bucket := now.Nanos() / s.snapshotPeriod.Nanos()
	if bucket == s.snapshotBucket {
		return
	}
	s.snapshotBucket = bucket

	s.InvokeHook(HookCtx{
		Domain: s,
		Pos:    HookPosSnapshot,
		Item:   s.Snapshot(),
	})
}

// Snapshot copies the occupied slots of the lifecycle table. It must only
// be called from the goroutine that runs the scheduler, which includes
// hooks.
func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		Now:   s.Now(),
		Stats: s.Stats(),
	}

	if s.table == nil {
		return snap
	}

	for i, e := range s.table.Entries() {
		if e.Occupied {
			snap.Slots = append(snap.Slots, i)
			snap.Entries = append(snap.Entries, e)
		}
	}

	return snap
}

func (s *Scheduler) drainWorkerEvents() {
	src, ok := s.spawner.(EventSource)
	if !ok {
		return
	}

	for {
		select {
		case e := <-src.Events():
			s.InvokeHook(HookCtx{
				Domain: s,
				Pos:    HookPosWorkerEvent,
				Item:   e,
			})
		default:
			return
		}
	}
}

// reap collects every worker that has terminated since the last call.
func (s *Scheduler) reap() error {
	interrupted := 0

	for {
		h, ok, err := s.spawner.Reap()
		if errors.Is(err, worker.ErrInterrupted) {
			interrupted++
			if interrupted > s.reapRetries {
				return nil
			}

			continue
		}

		if err != nil {
			return fmt.Errorf("%w: %w", ErrReap, err)
		}

		if !ok {
			return nil
		}

		if err := s.reapOne(h); err != nil {
			return err
		}
	}
}

func (s *Scheduler) reapOne(h worker.Handle) error {
	slot, found := s.table.FindByHandle(h)
	if !found {
		return fmt.Errorf("%w: worker %d is not in the table", ErrReap, h)
	}

	entry := s.table.Release(slot)
	ran := entry.Runtime()

	s.updateStats(func(st *Stats) {
		st.RuntimeNano += ran.Nanos()
		st.Active--
		st.Terminated++
	})

	s.InvokeHook(HookCtx{
		Domain: s,
		Pos:    HookPosReap,
		Item: ReapInfo{
			Slot:    slot,
			Entry:   entry,
			Runtime: ran,
			Now:     s.clock.Now(),
		},
		Detail: s.Stats(),
	})

	return nil
}

// admit launches workers while the ceiling, the total and the interval
// allow it.
func (s *Scheduler) admit() {
	now := s.clock.Now()

	for s.canLaunch(now) {
		slot, ok := s.table.FindFreeSlot()
		if !ok {
			log.Panicf("no free slot with %d active workers and s=%d",
				s.Stats().Active, s.config.S)
		}

		h, err := s.spawner.Spawn(s.config.TimeLimit)
		if err != nil {
			s.updateStats(func(st *Stats) { st.SpawnFailures++ })
			s.InvokeHook(HookCtx{
				Domain: s,
				Pos:    HookPosSpawnFailed,
				Item:   fmt.Errorf("%w: %w", ErrSpawn, err),
				Detail: s.Stats(),
			})

			return
		}

		end := now.Add(s.config.TimeLimit)
		s.table.Occupy(slot, h, now, end)
		s.nextLaunch = now.Add(s.config.Interval)

		s.updateStats(func(st *Stats) {
			st.Launched++
			st.Active++
		})

		s.InvokeHook(HookCtx{
			Domain: s,
			Pos:    HookPosLaunch,
			Item:   LaunchInfo{Slot: slot, Entry: s.table.Entry(slot)},
			Detail: s.Stats(),
		})
	}
}

func (s *Scheduler) canLaunch(now vclock.Time) bool {
	st := s.Stats()

	return st.Launched < s.config.N &&
		st.Active < s.config.S &&
		now.Reached(s.nextLaunch)
}

func (s *Scheduler) finish() (Summary, error) {
	s.spawner.Close()
	s.spawner.Wait()

	summary := s.summary(0)

	if err := s.clock.Destroy(); err != nil {
		log.Panicf("clock still attached after all workers were reaped: %v", err)
	}

	s.InvokeHook(HookCtx{Domain: s, Pos: HookPosComplete, Item: summary})

	return summary, nil
}

// forceShutdown kills every worker still in the table and destroys the
// clock. Failing to kill one worker does not stop the others from being
// killed. The counters are left as they are.
func (s *Scheduler) forceShutdown(cause error) (Summary, error) {
	s.spawner.Close()

	killed := 0
	for i, e := range s.table.Entries() {
		if !e.Occupied {
			continue
		}

		err := s.spawner.Kill(e.Handle)
		if err == nil {
			killed++
		}

		s.InvokeHook(HookCtx{
			Domain: s,
			Pos:    HookPosKill,
			Item:   KillInfo{Slot: i, Handle: e.Handle, Err: err},
		})
	}

	s.spawner.Wait()

	if err := s.clock.Destroy(); err != nil {
		log.Printf("destroying clock region %s: %v", s.clock.ID(), err)
	}

	summary := s.summary(killed)
	s.InvokeHook(HookCtx{Domain: s, Pos: HookPosComplete, Item: summary})

	return summary, &forcedShutdownError{cause: cause}
}

func (s *Scheduler) summary(killed int) Summary {
	st := s.Stats()

	return Summary{
		RunID:      s.runID,
		Launched:   st.Launched,
		Terminated: st.Terminated,
		Killed:     killed,
		Runtime:    vclock.DurationFromNanos(st.RuntimeNano),
		FinalTime:  s.clock.Now(),
		Stats:      st,
	}
}
