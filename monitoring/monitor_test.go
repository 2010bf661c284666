package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/prometheus/client_golang/prometheus/testutil"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/osssim/config"
	"github.com/sarchlab/osssim/lifecycle"
	"github.com/sarchlab/osssim/scheduler"
	"github.com/sarchlab/osssim/vclock"
	"github.com/sarchlab/osssim/worker"
)

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	return rec
}

func launch(m *Monitor, slot, pid int, start uint32) {
	m.Func(scheduler.HookCtx{
		Pos: scheduler.HookPosLaunch,
		Item: scheduler.LaunchInfo{
			Slot: slot,
			Entry: lifecycle.Entry{
				Occupied:  true,
				Handle:    worker.Handle(1000 + pid),
				StartTime: vclock.Time{Seconds: start},
				EndTime:   vclock.Time{Seconds: start + 2},
			},
		},
	})
}

var _ = Describe("Monitor", func() {
	var (
		m *Monitor
		h http.Handler
	)

	BeforeEach(func() {
		m = NewMonitor()
		h = m.Handler()
	})

	It("should count launches and reaps", func() {
		launch(m, 0, 0, 0)
		launch(m, 1, 1, 0)
		m.Func(scheduler.HookCtx{
			Pos: scheduler.HookPosReap,
			Item: scheduler.ReapInfo{
				Slot:    0,
				Runtime: vclock.Duration{Seconds: 2},
				Now:     vclock.Time{Seconds: 2},
			},
		})

		st := m.Stats()
		Expect(st.Launched).To(Equal(2))
		Expect(st.Terminated).To(Equal(1))
		Expect(st.Active).To(Equal(1))
		Expect(st.Runtime).To(Equal(vclock.Duration{Seconds: 2}))

		Expect(testutil.ToFloat64(m.metrics.launched)).To(Equal(2.0))
		Expect(testutil.ToFloat64(m.metrics.active)).To(Equal(1.0))
		Expect(testutil.ToFloat64(m.metrics.runtime)).To(Equal(2.0))
		Expect(testutil.ToFloat64(m.metrics.clock)).To(Equal(2.0))
	})

	It("should never move the clock backwards", func() {
		m.Func(scheduler.HookCtx{
			Pos:  scheduler.HookPosSnapshot,
			Item: scheduler.Snapshot{Now: vclock.Time{Seconds: 3}},
		})
		launch(m, 0, 0, 1)

		rec := get(h, "/api/now")
		rsp := nowRsp{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())
		Expect(rsp.Now).To(Equal(vclock.Time{Seconds: 3}))
		Expect(rsp.Seconds).To(Equal(3.0))
	})

	It("should serve the last snapshot as a table", func() {
		Expect(get(h, "/api/table").Body.String()).To(Equal("[]"))

		m.Func(scheduler.HookCtx{
			Pos: scheduler.HookPosSnapshot,
			Item: scheduler.Snapshot{
				Now:   vclock.Time{Nanoseconds: 500_000_000},
				Slots: []int{4},
				Entries: []lifecycle.Entry{{
					Occupied: true,
					Handle:   1003,
					EndTime:  vclock.Time{Seconds: 1},
				}},
			},
		})

		rows := []entryRsp{}
		Expect(json.Unmarshal(get(h, "/api/table").Body.Bytes(), &rows)).
			To(Succeed())
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].Slot).To(Equal(4))
		Expect(rows[0].PID).To(Equal(1003))

		Expect(get(h, "/api/table/4").Code).To(Equal(http.StatusOK))
		Expect(get(h, "/api/table/5").Code).To(Equal(http.StatusNotFound))
		Expect(get(h, "/api/table/x").Code).To(Equal(http.StatusBadRequest))
		Expect(get(h, "/api/table/20").Code).To(Equal(http.StatusBadRequest))
	})

	It("should dump the snapshot only once there is one", func() {
		Expect(get(h, "/api/scheduler").Code).To(Equal(http.StatusNotFound))

		m.Func(scheduler.HookCtx{
			Pos:  scheduler.HookPosSnapshot,
			Item: scheduler.Snapshot{Now: vclock.Time{Seconds: 1}},
		})

		rec := get(h, "/api/scheduler")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).NotTo(BeEmpty())
	})

	It("should track killed workers", func() {
		launch(m, 0, 0, 0)
		m.Func(scheduler.HookCtx{
			Pos:  scheduler.HookPosKill,
			Item: scheduler.KillInfo{Slot: 0, Handle: 1000},
		})

		Expect(m.Stats().Killed).To(Equal(1))
		Expect(m.Stats().Active).To(Equal(0))
		Expect(testutil.ToFloat64(m.metrics.killed)).To(Equal(1.0))
	})

	It("should not count a failed kill", func() {
		launch(m, 0, 0, 0)
		m.Func(scheduler.HookCtx{
			Pos: scheduler.HookPosKill,
			Item: scheduler.KillInfo{
				Slot:   0,
				Handle: 1000,
				Err:    worker.ErrUnknownWorker,
			},
		})

		Expect(m.Stats().Killed).To(Equal(0))
		Expect(m.Stats().Active).To(Equal(1))
		Expect(testutil.ToFloat64(m.metrics.killed)).To(Equal(0.0))
		Expect(testutil.ToFloat64(m.metrics.active)).To(Equal(1.0))
	})

	It("should export metrics", func() {
		launch(m, 0, 0, 0)

		body := get(h, "/metrics").Body.String()
		Expect(body).To(ContainSubstring("osssim_scheduler_launched_total 1"))
		Expect(body).To(ContainSubstring("osssim_scheduler_active_workers 1"))
	})

	It("should report process resources", func() {
		rec := get(h, "/api/resource")
		Expect(rec.Code).To(Equal(http.StatusOK))

		rsp := resourceRsp{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())
		Expect(rsp.MemorySize).To(BeNumerically(">", 0))
	})

	It("should follow a whole run", func() {
		c, err := config.Validate(config.Input{
			N: 4, S: 2, TimeLimit: 1, Interval: 0.1,
		})
		Expect(err).NotTo(HaveOccurred())

		s := scheduler.MakeBuilder().
			WithAllocator(vclock.NewRegions(0)).
			Build(c)
		m.RegisterScheduler(s)

		_, err = s.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())

		st := m.Stats()
		Expect(st.Complete).To(BeTrue())
		Expect(st.Launched).To(Equal(4))
		Expect(st.Terminated).To(Equal(4))
		Expect(st.Runtime).To(Equal(vclock.Duration{Seconds: 4}))

		cfg := configRsp{}
		Expect(json.Unmarshal(get(h, "/api/config").Body.Bytes(), &cfg)).
			To(Succeed())
		Expect(cfg.RunID).To(Equal(s.RunID()))
		Expect(cfg.N).To(Equal(4))

		progress := get(h, "/api/progress").Body.String()
		Expect(progress).To(ContainSubstring(`"finished":4`))
		Expect(progress).To(ContainSubstring(`"total":4`))
	})

	It("should serve on a real port", func() {
		url, err := m.WithPortNumber(80).StartServer()
		Expect(err).NotTo(HaveOccurred())
		defer func() {
			Expect(m.StopServer(context.Background())).To(Succeed())
		}()

		Expect(strings.HasPrefix(url, "http://localhost:")).To(BeTrue())

		rsp, err := http.Get(url + "/api/stats")
		Expect(err).NotTo(HaveOccurred())
		defer rsp.Body.Close()
		Expect(rsp.StatusCode).To(Equal(http.StatusOK))
	})
})
