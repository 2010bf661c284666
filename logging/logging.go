// Package logging renders scheduler activity as structured log lines.
package logging

import (
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sarchlab/osssim/scheduler"
	"github.com/sarchlab/osssim/worker"
)

const consoleTimeFormat = "15:04:05.000"

// Config selects the logger output.
type Config struct {
	Level string
	JSON  bool
}

// NewLogger creates a zerolog logger writing to w. Unknown levels fall back
// to info.
func NewLogger(w io.Writer, cfg Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		lvl = zerolog.InfoLevel
	}

	if !cfg.JSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// An EventLogger is a scheduler hook that logs what the scheduler does.
// Snapshots and lifecycle changes are logged at info level, worker progress
// at debug level.
type EventLogger struct {
	log zerolog.Logger
}

// NewEventLogger creates an EventLogger.
func NewEventLogger(log zerolog.Logger) *EventLogger {
	return &EventLogger{log: log}
}

// Func logs one scheduler event.
func (l *EventLogger) Func(ctx scheduler.HookCtx) {
	switch ctx.Pos {
	case scheduler.HookPosLaunch:
		info := ctx.Item.(scheduler.LaunchInfo)
		l.log.Info().
			Int("slot", info.Slot).
			Stringer("pid", info.Entry.Handle).
			Stringer("start", info.Entry.StartTime).
			Stringer("end", info.Entry.EndTime).
			Msg("launched worker")
	case scheduler.HookPosSpawnFailed:
		l.log.Warn().Err(ctx.Item.(error)).Msg("spawn failed")
	case scheduler.HookPosReap:
		info := ctx.Item.(scheduler.ReapInfo)
		l.log.Info().
			Int("slot", info.Slot).
			Stringer("pid", info.Entry.Handle).
			Stringer("runtime", info.Runtime).
			Stringer("clock", info.Now).
			Msg("reaped worker")
	case scheduler.HookPosSnapshot:
		l.logSnapshot(ctx.Item.(scheduler.Snapshot))
	case scheduler.HookPosWorkerEvent:
		l.logWorkerEvent(ctx.Item.(worker.Event))
	case scheduler.HookPosKill:
		info := ctx.Item.(scheduler.KillInfo)
		evt := l.log.Warn()
		if info.Err != nil {
			evt = l.log.Error().Err(info.Err)
		}
		evt.Int("slot", info.Slot).
			Stringer("pid", info.Handle).
			Msg("killed worker")
	case scheduler.HookPosComplete:
		s := ctx.Item.(scheduler.Summary)
		l.log.Info().
			Str("run", s.RunID).
			Int("launched", s.Launched).
			Int("terminated", s.Terminated).
			Int("killed", s.Killed).
			Stringer("runtime", s.Runtime).
			Stringer("clock", s.FinalTime).
			Msg("run complete")
	}
}

func (l *EventLogger) logSnapshot(snap scheduler.Snapshot) {
	l.log.Info().
		Stringer("clock", snap.Now).
		Int("occupied", len(snap.Entries)).
		Int("launched", snap.Stats.Launched).
		Int("terminated", snap.Stats.Terminated).
		Msg("process table")

	for i, e := range snap.Entries {
		l.log.Info().
			Int("slot", snap.Slots[i]).
			Stringer("pid", e.Handle).
			Stringer("start", e.StartTime).
			Stringer("end", e.EndTime).
			Msg("  entry")
	}
}

func (l *EventLogger) logWorkerEvent(e worker.Event) {
	evt := l.log.Debug()
	if e.Kind == worker.Progress {
		evt = evt.Uint32("elapsed", e.Elapsed)
	}

	evt.Stringer("pid", e.Handle).
		Stringer("clock", e.Now).
		Stringer("target", e.Target).
		Msgf("worker %s", e.Kind)
}
