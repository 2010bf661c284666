package scheduler

import (
	"context"
	"errors"
	"sort"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/osssim/config"
	"github.com/sarchlab/osssim/lifecycle"
	"github.com/sarchlab/osssim/vclock"
	"github.com/sarchlab/osssim/worker"
)

// fakeSpawner terminates a worker as soon as the clock reaches the worker's
// target, which makes the runs fully deterministic.
type fakeSpawner struct {
	clock   *vclock.Clock
	next    worker.Handle
	targets map[worker.Handle]vclock.Time
	killed  []worker.Handle
	closed  bool
}

func newFakeSpawner(clock *vclock.Clock) *fakeSpawner {
	return &fakeSpawner{
		clock:   clock,
		next:    worker.FirstHandle,
		targets: make(map[worker.Handle]vclock.Time),
	}
}

func (f *fakeSpawner) Spawn(d vclock.Duration) (worker.Handle, error) {
	h := f.next
	f.next++
	f.targets[h] = f.clock.Now().Add(d)

	return h, nil
}

func (f *fakeSpawner) Reap() (worker.Handle, bool, error) {
	handles := make([]int, 0, len(f.targets))
	for h := range f.targets {
		handles = append(handles, int(h))
	}
	sort.Ints(handles)

	now := f.clock.Now()
	for _, h := range handles {
		if now.Reached(f.targets[worker.Handle(h)]) {
			delete(f.targets, worker.Handle(h))
			return worker.Handle(h), true, nil
		}
	}

	return 0, false, nil
}

func (f *fakeSpawner) Kill(h worker.Handle) error {
	if _, ok := f.targets[h]; !ok {
		return worker.ErrUnknownWorker
	}

	delete(f.targets, h)
	f.killed = append(f.killed, h)

	return nil
}

func (f *fakeSpawner) Close() { f.closed = true }

func (f *fakeSpawner) Wait() {}

type hookLog struct {
	launches  []LaunchInfo
	reaps     []ReapInfo
	snapshots []Snapshot
	kills     []KillInfo
	failures  []error
	summaries []Summary
	maxActive int
}

func (l *hookLog) Func(ctx HookCtx) {
	switch ctx.Pos {
	case HookPosLaunch:
		l.launches = append(l.launches, ctx.Item.(LaunchInfo))
		active := ctx.Domain.(*Scheduler).Snapshot().Entries
		if len(active) > l.maxActive {
			l.maxActive = len(active)
		}
	case HookPosReap:
		l.reaps = append(l.reaps, ctx.Item.(ReapInfo))
	case HookPosSnapshot:
		l.snapshots = append(l.snapshots, ctx.Item.(Snapshot))
	case HookPosKill:
		l.kills = append(l.kills, ctx.Item.(KillInfo))
	case HookPosSpawnFailed:
		l.failures = append(l.failures, ctx.Item.(error))
	case HookPosComplete:
		l.summaries = append(l.summaries, ctx.Item.(Summary))
	}
}

func mustConfig(n, s int, t, i float64) config.Config {
	c, err := config.Validate(config.Input{N: n, S: s, TimeLimit: t, Interval: i})
	Expect(err).NotTo(HaveOccurred())

	return c
}

func at(sec, nano uint32) vclock.Time {
	return vclock.Time{Seconds: sec, Nanoseconds: nano}
}

var _ = Describe("Scheduler", func() {
	var (
		regions *vclock.Regions
		fake    *fakeSpawner
		hooks   *hookLog
		builder Builder
	)

	BeforeEach(func() {
		regions = vclock.NewRegions(0)
		hooks = &hookLog{}
		builder = MakeBuilder().
			WithAllocator(regions).
			WithSpawnerFactory(func(c *vclock.Clock) Spawner {
				fake = newFakeSpawner(c)
				return fake
			}).
			WithHook(hooks)
	})

	It("should launch a zero-length worker at time zero", func() {
		s := builder.Build(mustConfig(1, 1, 0, 0))

		summary, err := s.Run(context.Background())

		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Launched).To(Equal(1))
		Expect(summary.Terminated).To(Equal(1))
		Expect(summary.Runtime.IsZero()).To(BeTrue())
		Expect(hooks.launches).To(HaveLen(1))
		Expect(hooks.launches[0].Entry.StartTime).To(Equal(vclock.Time{}))
		Expect(hooks.launches[0].Entry.EndTime).To(Equal(vclock.Time{}))
		Expect(fake.closed).To(BeTrue())
		Expect(regions.Live()).To(Equal(0))
	})

	It("should respect the ceiling and the launch interval", func() {
		s := builder.Build(mustConfig(5, 2, 4.0, 0.5))

		summary, err := s.Run(context.Background())

		Expect(err).NotTo(HaveOccurred())
		Expect(hooks.maxActive).To(Equal(2))

		var starts []vclock.Time
		for _, l := range hooks.launches {
			starts = append(starts, l.Entry.StartTime)
		}
		Expect(starts).To(Equal([]vclock.Time{
			at(0, 0), at(0, 500_000_000), at(4, 0), at(4, 500_000_000), at(8, 0),
		}))

		Expect(summary.Launched).To(Equal(5))
		Expect(summary.Terminated).To(Equal(5))
		Expect(summary.Runtime).To(Equal(vclock.Duration{Seconds: 20}))
		Expect(summary.FinalTime).To(Equal(at(12, 0)))
		Expect(regions.Live()).To(Equal(0))
	})

	It("should keep the counters consistent at every reap", func() {
		s := builder.Build(mustConfig(6, 3, 0.25, 0.1))

		var observed []Stats
		s.AcceptHook(HookFunc(func(ctx HookCtx) {
			if ctx.Pos == HookPosReap || ctx.Pos == HookPosLaunch {
				observed = append(observed, ctx.Detail.(Stats))
			}
		}))

		_, err := s.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())

		var prevRuntime uint64
		for _, st := range observed {
			Expect(st.Launched).To(Equal(st.Terminated + st.Active))
			Expect(st.Active).To(BeNumerically("<=", 3))
			Expect(st.RuntimeNano).To(BeNumerically(">=", prevRuntime))
			prevRuntime = st.RuntimeNano
		}
	})

	It("should account with the recorded end time", func() {
		s := builder.Build(mustConfig(2, 2, 1.234, 0))

		summary, err := s.Run(context.Background())

		Expect(err).NotTo(HaveOccurred())
		for _, r := range hooks.reaps {
			Expect(r.Runtime).To(Equal(vclock.Duration{Seconds: 1, Nanoseconds: 234_000_000}))
		}
		Expect(summary.Stats.RuntimeNano).To(Equal(uint64(2_468_000_000)))
	})

	It("should emit snapshots on half-second boundaries", func() {
		s := builder.Build(mustConfig(1, 1, 1.2, 0))

		_, err := s.Run(context.Background())

		Expect(err).NotTo(HaveOccurred())
		Expect(hooks.snapshots).To(HaveLen(2))
		Expect(hooks.snapshots[0].Now).To(Equal(at(0, 500_000_000)))
		Expect(hooks.snapshots[1].Now).To(Equal(at(1, 0)))
		for _, snap := range hooks.snapshots {
			Expect(snap.Entries).To(HaveLen(1))
			Expect(snap.Entries[0].Handle).To(Equal(worker.FirstHandle))
		}
	})

	It("should not emit snapshots when disabled", func() {
		s := builder.WithSnapshotPeriod(vclock.Duration{}).
			Build(mustConfig(1, 1, 2, 0))

		_, err := s.Run(context.Background())

		Expect(err).NotTo(HaveOccurred())
		Expect(hooks.snapshots).To(BeEmpty())
	})

	It("should kill in-flight workers when cancelled", func() {
		s := builder.Build(mustConfig(4, 2, 100, 0))

		ctx, cancel := context.WithCancelCause(context.Background())
		interrupt := errors.New("interrupt")
		s.AcceptHook(HookFunc(func(hc HookCtx) {
			if hc.Pos == HookPosLaunch && hc.Detail.(Stats).Active == 2 {
				cancel(interrupt)
			}
		}))

		summary, err := s.Run(ctx)

		Expect(err).To(MatchError(ErrForcedShutdown))
		Expect(errors.Is(err, interrupt)).To(BeTrue())
		Expect(fake.killed).To(ConsistOf(worker.FirstHandle, worker.FirstHandle+1))
		Expect(hooks.kills).To(HaveLen(2))
		Expect(summary.Killed).To(Equal(2))
		Expect(summary.Stats.RuntimeNano).To(BeZero())
		Expect(summary.Terminated).To(BeZero())
		Expect(hooks.summaries).To(HaveLen(1))
		Expect(regions.Live()).To(Equal(0))
	})

	It("should fail before spawning anything without a clock region", func() {
		full := vclock.NewRegions(1)
		_, err := full.Create()
		Expect(err).NotTo(HaveOccurred())

		called := false
		s := MakeBuilder().
			WithAllocator(full).
			WithSpawnerFactory(func(c *vclock.Clock) Spawner {
				called = true
				return newFakeSpawner(c)
			}).
			Build(mustConfig(1, 1, 0, 0))

		_, err = s.Run(context.Background())

		Expect(err).To(MatchError(ErrResourceAcquisition))
		Expect(called).To(BeFalse())
	})

	It("should refuse to run twice", func() {
		s := builder.Build(mustConfig(1, 1, 0, 0))
		_, err := s.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())

		Expect(func() { _, _ = s.Run(context.Background()) }).To(Panic())
	})
})

var _ = Describe("Scheduler with a mocked spawner", func() {
	var (
		mockCtrl *gomock.Controller
		spawner  *MockSpawner
		regions  *vclock.Regions
		builder  Builder
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		spawner = NewMockSpawner(mockCtrl)
		regions = vclock.NewRegions(0)
		builder = MakeBuilder().
			WithAllocator(regions).
			WithSpawnerFactory(func(*vclock.Clock) Spawner { return spawner })
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should retry admission after a failed spawn", func() {
		hook := NewMockHook(mockCtrl)
		hook.EXPECT().
			Func(gomock.Cond(func(x any) bool {
				return x.(HookCtx).Pos == HookPosSpawnFailed
			})).
			Do(func(ctx HookCtx) {
				Expect(ctx.Item).To(MatchError(ErrSpawn))
			})
		hook.EXPECT().Func(gomock.Any()).AnyTimes()

		gomock.InOrder(
			spawner.EXPECT().Spawn(vclock.Duration{}).
				Return(worker.Handle(0), errors.New("no more processes")),
			spawner.EXPECT().Spawn(vclock.Duration{}).Return(worker.Handle(7), nil),
		)
		gomock.InOrder(
			spawner.EXPECT().Reap().Return(worker.Handle(0), false, nil),
			spawner.EXPECT().Reap().Return(worker.Handle(7), true, nil),
			spawner.EXPECT().Reap().Return(worker.Handle(0), false, nil),
		)
		spawner.EXPECT().Close()
		spawner.EXPECT().Wait()

		s := builder.WithHook(hook).Build(mustConfig(1, 1, 0, 0))
		summary, err := s.Run(context.Background())

		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Launched).To(Equal(1))
		Expect(summary.Stats.SpawnFailures).To(Equal(1))
	})

	It("should retry interrupted reaps in the same iteration", func() {
		spawner.EXPECT().Spawn(gomock.Any()).Return(worker.Handle(7), nil)
		gomock.InOrder(
			spawner.EXPECT().Reap().Return(worker.Handle(0), false, worker.ErrInterrupted),
			spawner.EXPECT().Reap().Return(worker.Handle(7), true, nil),
			spawner.EXPECT().Reap().Return(worker.Handle(0), false, nil),
		)
		spawner.EXPECT().Close()
		spawner.EXPECT().Wait()

		s := builder.Build(mustConfig(1, 1, 0, 0))
		summary, err := s.Run(context.Background())

		Expect(err).NotTo(HaveOccurred())
		Expect(summary.Stats.Iterations).To(Equal(uint64(1)))
	})

	It("should tear down when the reap query fails", func() {
		broken := errors.New("wait failed")

		spawner.EXPECT().Spawn(gomock.Any()).Return(worker.Handle(7), nil)
		spawner.EXPECT().Reap().Return(worker.Handle(0), false, broken)
		spawner.EXPECT().Close()
		spawner.EXPECT().Kill(worker.Handle(7)).Return(nil)
		spawner.EXPECT().Wait()

		s := builder.Build(mustConfig(1, 1, 5, 0))
		_, err := s.Run(context.Background())

		Expect(err).To(MatchError(ErrReap))
		Expect(errors.Is(err, broken)).To(BeTrue())
		Expect(errors.Is(err, ErrForcedShutdown)).To(BeFalse())
		Expect(regions.Live()).To(Equal(0))
	})

	It("should treat an unknown reaped worker as fatal", func() {
		spawner.EXPECT().Spawn(gomock.Any()).Return(worker.Handle(7), nil)
		spawner.EXPECT().Reap().Return(worker.Handle(99), true, nil)
		spawner.EXPECT().Close()
		spawner.EXPECT().Kill(worker.Handle(7)).Return(nil)
		spawner.EXPECT().Wait()

		s := builder.Build(mustConfig(1, 1, 5, 0))
		_, err := s.Run(context.Background())

		Expect(err).To(MatchError(ErrReap))
	})

	It("should keep killing after one kill fails", func() {
		spawner.EXPECT().Spawn(gomock.Any()).Return(worker.Handle(7), nil)
		spawner.EXPECT().Spawn(gomock.Any()).Return(worker.Handle(8), nil)
		spawner.EXPECT().Close()
		spawner.EXPECT().Kill(worker.Handle(7)).Return(worker.ErrUnknownWorker)
		spawner.EXPECT().Kill(worker.Handle(8)).Return(nil)
		spawner.EXPECT().Wait()

		s := builder.Build(mustConfig(2, 2, 5, 0))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		summary, err := s.Run(ctx)

		Expect(err).To(MatchError(ErrForcedShutdown))
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
		Expect(summary.Killed).To(Equal(1))
		Expect(summary.Launched).To(Equal(2))
		Expect(regions.Live()).To(Equal(0))
	})

	It("should leave the counters alone when nothing terminated", func() {
		spawner.EXPECT().Spawn(gomock.Any()).Return(worker.Handle(7), nil)
		spawner.EXPECT().Reap().Return(worker.Handle(0), false, nil).Times(2)

		s := builder.Build(mustConfig(1, 1, 5, 0))
		clock, err := regions.Create()
		Expect(err).NotTo(HaveOccurred())
		s.clock = clock
		s.spawner = spawner
		s.table = lifecycle.NewTable()
		s.admit()

		before := s.Stats()
		Expect(s.reap()).To(Succeed())
		Expect(s.reap()).To(Succeed())
		Expect(s.Stats()).To(Equal(before))
		Expect(s.table.OccupiedCount()).To(Equal(1))
	})
})
