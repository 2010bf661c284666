// Package monitoring turns a running scheduler into a small web server that
// reports its state and exports Prometheus metrics.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/osssim/config"
	"github.com/sarchlab/osssim/lifecycle"
	"github.com/sarchlab/osssim/scheduler"
	"github.com/sarchlab/osssim/vclock"
)

type metrics struct {
	launched      prometheus.Counter
	terminated    prometheus.Counter
	killed        prometheus.Counter
	spawnFailures prometheus.Counter
	active        prometheus.Gauge
	runtime       prometheus.Counter
	clock         prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace: "osssim",
			Subsystem: "scheduler",
			Name:      name,
			Help:      help,
		}
	}

	return &metrics{
		launched: f.NewCounter(opts("launched_total",
			"Workers admitted.")),
		terminated: f.NewCounter(opts("terminated_total",
			"Workers reaped after terminating.")),
		killed: f.NewCounter(opts("killed_total",
			"Workers stopped by a forced shutdown.")),
		spawnFailures: f.NewCounter(opts("spawn_failures_total",
			"Worker creations that failed.")),
		runtime: f.NewCounter(opts("runtime_seconds_total",
			"Simulated runtime of reaped workers.")),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "osssim",
			Subsystem: "scheduler",
			Name:      "active_workers",
			Help:      "Workers currently in the lifecycle table.",
		}),
		clock: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "osssim",
			Subsystem: "scheduler",
			Name:      "clock_seconds",
			Help:      "Last simulated time seen.",
		}),
	}
}

// Stats are the counters the monitor has assembled from scheduler hooks.
type Stats struct {
	Launched      int             `json:"launched"`
	Terminated    int             `json:"terminated"`
	Killed        int             `json:"killed"`
	Active        int             `json:"active"`
	SpawnFailures int             `json:"spawn_failures"`
	Runtime       vclock.Duration `json:"runtime"`
	Complete      bool            `json:"complete"`
}

// Monitor can turn a run into a server and allows external monitoring of
// the scheduler. It only sees what the scheduler hands to its hooks.
type Monitor struct {
	portNumber int
	registry   *prometheus.Registry
	metrics    *metrics

	lock     sync.Mutex
	runID    string
	config   config.Config
	now      vclock.Time
	stats    Stats
	snapshot *scheduler.Snapshot
	progress *ProgressBar

	server *http.Server
}

// NewMonitor creates a new Monitor with its own metric registry.
func NewMonitor() *Monitor {
	reg := prometheus.NewRegistry()

	return &Monitor{
		registry: reg,
		metrics:  newMetrics(reg),
	}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// Registry returns the registry holding the scheduler metrics.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterScheduler makes the monitor a hook of the scheduler.
func (m *Monitor) RegisterScheduler(s *scheduler.Scheduler) {
	m.lock.Lock()
	m.runID = s.RunID()
	m.config = s.Config()
	m.progress = &ProgressBar{
		ID:        xid.New().String(),
		Name:      "run " + m.runID,
		StartTime: time.Now(),
		Total:     uint64(m.config.N),
	}
	m.lock.Unlock()

	s.AcceptHook(m)
}

// Func updates the monitor state from one scheduler event.
func (m *Monitor) Func(ctx scheduler.HookCtx) {
	m.lock.Lock()
	defer m.lock.Unlock()

	switch ctx.Pos {
	case scheduler.HookPosLaunch:
		info := ctx.Item.(scheduler.LaunchInfo)
		m.stats.Launched++
		m.stats.Active++
		m.metrics.launched.Inc()
		m.metrics.active.Inc()
		m.advanceTo(info.Entry.StartTime)
		if m.progress != nil {
			m.progress.IncrementInProgress(1)
		}
	case scheduler.HookPosSpawnFailed:
		m.stats.SpawnFailures++
		m.metrics.spawnFailures.Inc()
	case scheduler.HookPosReap:
		info := ctx.Item.(scheduler.ReapInfo)
		m.stats.Terminated++
		m.stats.Active--
		m.stats.Runtime = vclock.DurationFromNanos(
			m.stats.Runtime.Nanos() + info.Runtime.Nanos())
		m.metrics.terminated.Inc()
		m.metrics.active.Dec()
		m.metrics.runtime.Add(seconds(info.Runtime.Nanos()))
		m.advanceTo(info.Now)
		if m.progress != nil {
			m.progress.MoveInProgressToFinished(1)
		}
	case scheduler.HookPosKill:
		if ctx.Item.(scheduler.KillInfo).Err != nil {
			return
		}

		m.stats.Killed++
		m.stats.Active--
		m.metrics.killed.Inc()
		m.metrics.active.Dec()
		if m.progress != nil {
			m.progress.MoveInProgressToKilled(1)
		}
	case scheduler.HookPosSnapshot:
		snap := ctx.Item.(scheduler.Snapshot)
		m.snapshot = &snap
		m.advanceTo(snap.Now)
	case scheduler.HookPosComplete:
		s := ctx.Item.(scheduler.Summary)
		m.stats.Complete = true
		m.advanceTo(s.FinalTime)
	}
}

func (m *Monitor) advanceTo(t vclock.Time) {
	if t.Before(m.now) {
		return
	}

	m.now = t
	m.metrics.clock.Set(seconds(t.Nanos()))
}

func seconds(ns uint64) float64 {
	return float64(ns) / float64(vclock.NanosPerSecond)
}

// Stats returns the counters seen so far.
func (m *Monitor) Stats() Stats {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.stats
}

// Handler returns the router serving the monitoring API.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/now", m.listNow)
	r.HandleFunc("/api/config", m.listConfig)
	r.HandleFunc("/api/table", m.listTable)
	r.HandleFunc("/api/stats", m.listStats)
	r.HandleFunc("/api/progress", m.listProgress)
	r.HandleFunc("/api/scheduler", m.dumpSnapshot)
	r.HandleFunc("/api/table/{slot}", m.listSlot)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.Handle("/metrics",
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	return r
}

// StartServer starts serving in the background and returns the URL of the
// server.
func (m *Monitor) StartServer() (string, error) {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	if err != nil {
		return "", fmt.Errorf("starting monitor: %w", err)
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)

	m.server = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			dieOnErr(err)
		}
	}()

	return url, nil
}

// OpenBrowser opens the given URL with the system browser.
func (m *Monitor) OpenBrowser(url string) error {
	return browser.OpenURL(url + "/api/stats")
}

// StopServer shuts the server down if it is running.
func (m *Monitor) StopServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

type nowRsp struct {
	Now     vclock.Time `json:"now"`
	Seconds float64     `json:"seconds"`
}

func (m *Monitor) listNow(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	now := m.now
	m.lock.Unlock()

	writeJSON(w, nowRsp{Now: now, Seconds: seconds(now.Nanos())})
}

type configRsp struct {
	RunID     string  `json:"run_id"`
	N         int     `json:"n"`
	S         int     `json:"s"`
	TimeLimit float64 `json:"time_limit"`
	Interval  float64 `json:"interval"`
}

func (m *Monitor) listConfig(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	rsp := configRsp{
		RunID:     m.runID,
		N:         m.config.N,
		S:         m.config.S,
		TimeLimit: seconds(m.config.TimeLimit.Nanos()),
		Interval:  seconds(m.config.Interval.Nanos()),
	}
	m.lock.Unlock()

	writeJSON(w, rsp)
}

type entryRsp struct {
	Slot  int         `json:"slot"`
	PID   int         `json:"pid"`
	Start vclock.Time `json:"start"`
	End   vclock.Time `json:"end"`
}

func (m *Monitor) tableRows() []entryRsp {
	m.lock.Lock()
	defer m.lock.Unlock()

	rows := []entryRsp{}
	if m.snapshot == nil {
		return rows
	}

	for i, e := range m.snapshot.Entries {
		rows = append(rows, entryRsp{
			Slot:  m.snapshot.Slots[i],
			PID:   int(e.Handle),
			Start: e.StartTime,
			End:   e.EndTime,
		})
	}

	return rows
}

func (m *Monitor) listTable(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.tableRows())
}

func (m *Monitor) listSlot(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.Atoi(mux.Vars(r)["slot"])
	if err != nil || slot < 0 || slot >= lifecycle.MaxWorkers {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: invalid slot %q", mux.Vars(r)["slot"])

		return
	}

	for _, row := range m.tableRows() {
		if row.Slot == slot {
			writeJSON(w, row)
			return
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, err = w.Write([]byte("Slot not occupied"))
	dieOnErr(err)
}

func (m *Monitor) listStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.Stats())
}

func (m *Monitor) listProgress(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	bar := m.progress
	m.lock.Unlock()

	if bar == nil {
		writeJSON(w, []*ProgressBar{})
		return
	}

	bar.Lock()
	defer bar.Unlock()

	writeJSON(w, []*ProgressBar{bar})
}

func (m *Monitor) dumpSnapshot(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	snap := m.snapshot
	m.lock.Unlock()

	if snap == nil {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("No snapshot yet"))
		dieOnErr(err)

		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(snap)
	serializer.SetMaxDepth(3)
	err := serializer.Serialize(w)
	dieOnErr(err)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
	Threads    int32   `json:"threads"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	threads, err := process.NumThreads()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
		Threads:    threads,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
