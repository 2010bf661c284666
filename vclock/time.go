package vclock

import (
	"fmt"
	"log"
	"math"
)

// NanosPerSecond is the number of nanoseconds in one simulated second.
const NanosPerSecond = 1_000_000_000

// Horizon is the latest time the clock can represent.
var Horizon = Time{Seconds: math.MaxUint32, Nanoseconds: NanosPerSecond - 1}

// Time is a point on the simulated time line. Nanoseconds is always smaller
// than NanosPerSecond.
type Time struct {
	Seconds     uint32
	Nanoseconds uint32
}

// Duration is a span of simulated time, using the same normalized
// seconds/nanoseconds split as Time.
type Duration struct {
	Seconds     uint32
	Nanoseconds uint32
}

// DurationFromSeconds converts a non-negative real number of seconds into a
// Duration, rounding to the closest nanosecond.
func DurationFromSeconds(sec float64) (Duration, error) {
	if math.IsNaN(sec) || math.IsInf(sec, 0) || sec < 0 {
		return Duration{}, fmt.Errorf("invalid duration %v", sec)
	}

	total := math.Round(sec * NanosPerSecond)
	if total/NanosPerSecond > math.MaxUint32 {
		return Duration{}, fmt.Errorf("duration %v out of range", sec)
	}

	return DurationFromNanos(uint64(total)), nil
}

// DurationFromNanos builds a normalized Duration out of a nanosecond count.
func DurationFromNanos(ns uint64) Duration {
	sec := ns / NanosPerSecond
	if sec > math.MaxUint32 {
		log.Panicf("duration of %d ns overflows the seconds field", ns)
	}

	return Duration{
		Seconds:     uint32(sec),
		Nanoseconds: uint32(ns % NanosPerSecond),
	}
}

// Nanos returns the total length of the duration in nanoseconds.
func (d Duration) Nanos() uint64 {
	return uint64(d.Seconds)*NanosPerSecond + uint64(d.Nanoseconds)
}

// IsZero reports whether the duration is empty.
func (d Duration) IsZero() bool {
	return d.Seconds == 0 && d.Nanoseconds == 0
}

func (d Duration) String() string {
	return fmt.Sprintf("%d.%09ds", d.Seconds, d.Nanoseconds)
}

// TimeFromNanos builds a normalized Time out of a nanosecond count since
// the start of the simulation.
func TimeFromNanos(ns uint64) Time {
	d := DurationFromNanos(ns)
	return Time(d)
}

// Nanos returns the number of nanoseconds since the start of the simulation.
func (t Time) Nanos() uint64 {
	return uint64(t.Seconds)*NanosPerSecond + uint64(t.Nanoseconds)
}

// Add returns t+d with the nanosecond carry folded into the seconds field.
func (t Time) Add(d Duration) Time {
	sec := uint64(t.Seconds) + uint64(d.Seconds)
	nano := uint64(t.Nanoseconds) + uint64(d.Nanoseconds)

	if nano >= NanosPerSecond {
		sec++
		nano -= NanosPerSecond
	}

	if sec > math.MaxUint32 {
		log.Panicf("time %s + %s overflows the seconds field", t, d)
	}

	return Time{Seconds: uint32(sec), Nanoseconds: uint32(nano)}
}

// Sub returns t-u. It panics when u is after t.
func (t Time) Sub(u Time) Duration {
	if t.Before(u) {
		log.Panicf("cannot subtract %s from earlier time %s", u, t)
	}

	return DurationFromNanos(t.Nanos() - u.Nanos())
}

// Compare orders times lexicographically on (Seconds, Nanoseconds). It
// returns -1, 0 or +1.
func (t Time) Compare(u Time) int {
	switch {
	case t.Seconds < u.Seconds:
		return -1
	case t.Seconds > u.Seconds:
		return 1
	case t.Nanoseconds < u.Nanoseconds:
		return -1
	case t.Nanoseconds > u.Nanoseconds:
		return 1
	default:
		return 0
	}
}

// Before reports whether t is strictly earlier than u.
func (t Time) Before(u Time) bool {
	return t.Compare(u) < 0
}

// Reached reports whether t is at or after target.
func (t Time) Reached(target Time) bool {
	return t.Compare(target) >= 0
}

func (t Time) String() string {
	return fmt.Sprintf("%d:%09d", t.Seconds, t.Nanoseconds)
}

func pack(t Time) uint64 {
	return uint64(t.Seconds)<<32 | uint64(t.Nanoseconds)
}

func unpack(v uint64) Time {
	return Time{Seconds: uint32(v >> 32), Nanoseconds: uint32(v)}
}
