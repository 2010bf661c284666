// Package cmd provides the command-line interface of osssim.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/osssim/config"
	"github.com/sarchlab/osssim/logging"
	"github.com/sarchlab/osssim/monitoring"
	"github.com/sarchlab/osssim/recording"
	"github.com/sarchlab/osssim/scheduler"
	"github.com/sarchlab/osssim/vclock"
	"github.com/sarchlab/osssim/watchdog"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitConfig   = 1
	ExitResource = 2
	ExitReap     = 3
	ExitForced   = 4
)

// ErrMonitor is returned when the monitoring server cannot listen.
var ErrMonitor = errors.New("cannot start monitor")

// ExitCode maps the error returned by a run to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, scheduler.ErrForcedShutdown):
		return ExitForced
	case errors.Is(err, scheduler.ErrReap):
		return ExitReap
	case errors.Is(err, scheduler.ErrResourceAcquisition),
		errors.Is(err, ErrMonitor):
		return ExitResource
	default:
		return ExitConfig
	}
}

type options struct {
	n        int
	s        int
	t        float64
	i        float64
	watchdog time.Duration
	snapshot float64
	tick     time.Duration

	record      string
	monitor     bool
	monitorPort int
	openBrowser bool

	logLevel string
	logJSON  bool
}

// env is what a run needs from the outside world.
type env struct {
	out       io.Writer
	errOut    io.Writer
	lookup    func(string) (string, bool)
	allocator vclock.Allocator
	signals   []os.Signal
}

func newRootCommand(e env) *cobra.Command {
	defaults, watchdogTimeout, envErr := config.FromEnv(e.lookup)
	o := &options{}

	rootCmd := &cobra.Command{
		Use:   "osssim",
		Short: "osssim simulates an operating system scheduler launching workers.",
		Long: `osssim simulates an operating system scheduler. It launches n ` +
			`workers, at most s at a time and at least interval simulated ` +
			`seconds apart. Every worker runs for timelimit simulated seconds ` +
			`on a virtual clock that only the scheduler advances.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if envErr != nil {
				return envErr
			}

			return run(cmd, e, o)
		},
	}

	f := rootCmd.Flags()
	f.IntVarP(&o.n, "n", "n", defaults.N, "total number of workers to launch")
	f.IntVarP(&o.s, "s", "s", defaults.S, "maximum number of workers running at once")
	f.Float64VarP(&o.t, "timelimit", "t", defaults.TimeLimit,
		"simulated seconds each worker runs")
	f.Float64VarP(&o.i, "interval", "i", defaults.Interval,
		"minimum simulated seconds between two launches")
	f.DurationVar(&o.watchdog, "watchdog", watchdogTimeout,
		"wall-clock time after which the run is shut down")
	f.Float64Var(&o.snapshot, "snapshot", 0.5,
		"simulated seconds between process table snapshots, 0 disables them")
	f.DurationVar(&o.tick, "tick", 0,
		"wall-clock time one clock quantum takes at least")
	f.StringVar(&o.record, "record", "",
		"record the run into the given SQLite file")
	f.BoolVar(&o.monitor, "monitor", false, "serve the monitoring API")
	f.IntVar(&o.monitorPort, "monitor-port", 0,
		"port of the monitoring API, random if 0")
	f.BoolVar(&o.openBrowser, "open-browser", false,
		"open the monitoring API in a browser")
	f.StringVar(&o.logLevel, "log-level", "info",
		"trace, debug, info, warn or error")
	f.BoolVar(&o.logJSON, "log-json", false, "log JSON lines")

	return rootCmd
}

func run(cmd *cobra.Command, e env, o *options) error {
	c, err := config.Validate(config.Input{
		N: o.n, S: o.s, TimeLimit: o.t, Interval: o.i,
	})
	if err != nil {
		_ = cmd.Usage()
		return err
	}

	period, err := vclock.DurationFromSeconds(o.snapshot)
	if err != nil {
		return &config.ConfigError{
			Field: "snapshot", Value: o.snapshot, Reason: err.Error(),
		}
	}

	if o.watchdog <= 0 {
		return &config.ConfigError{
			Field: "watchdog", Value: o.watchdog, Reason: "must be positive",
		}
	}

	if o.tick < 0 {
		return &config.ConfigError{
			Field: "tick", Value: o.tick, Reason: "cannot be negative",
		}
	}

	logger := logging.NewLogger(e.errOut,
		logging.Config{Level: o.logLevel, JSON: o.logJSON})
	runID := xid.New().String()
	logger.Info().Str("run", runID).Stringer("config", c).Msg("starting")

	b := scheduler.MakeBuilder().
		WithRunID(runID).
		WithAllocator(e.allocator).
		WithSnapshotPeriod(period).
		WithTickPeriod(o.tick).
		WithHook(logging.NewEventLogger(logger))

	if o.record != "" {
		rec, err := recording.New(o.record, runID)
		if err != nil {
			return &config.ConfigError{
				Field: "record", Value: o.record, Reason: err.Error(),
			}
		}
		defer rec.Close()

		b = b.WithHook(rec)
	}

	s := b.Build(c)

	if o.monitor {
		stop, err := startMonitor(s, o, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, stop := watchdog.New(o.watchdog, e.signals...).Watch(ctx)
	defer stop()

	sum, err := s.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("run failed")
		return err
	}

	fmt.Fprintf(e.out, "Workers launched: %d\n", sum.Launched)
	fmt.Fprintf(e.out, "Total runtime: %d s %d ns\n",
		sum.Runtime.Seconds, sum.Runtime.Nanoseconds)

	return nil
}

func startMonitor(
	s *scheduler.Scheduler,
	o *options,
	logger zerolog.Logger,
) (func(), error) {
	m := monitoring.NewMonitor().WithPortNumber(o.monitorPort)
	m.RegisterScheduler(s)

	url, err := m.StartServer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMonitor, err)
	}

	logger.Info().Str("url", url).Msg("monitoring")

	if o.openBrowser {
		if err := m.OpenBrowser(url); err != nil {
			logger.Warn().Err(err).Msg("cannot open browser")
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = m.StopServer(ctx)
	}, nil
}

// Execute runs the command with the process arguments and exits.
func Execute() {
	e := env{
		out:     os.Stdout,
		errOut:  os.Stderr,
		lookup:  config.LookupEnv,
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM},
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		atexit.Exit(ExitConfig)
	}

	err := newRootCommand(e).ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}

	atexit.Exit(ExitCode(err))
}
