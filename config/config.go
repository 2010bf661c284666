// Package config validates the parameters of a scheduling run.
package config

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/sarchlab/osssim/lifecycle"
	"github.com/sarchlab/osssim/vclock"
)

// ErrInvalid is wrapped by every ConfigError.
var ErrInvalid = errors.New("invalid configuration")

// A ConfigError tells which parameter was rejected and why.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: -%s %v: %s", ErrInvalid, e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalid
}

// Input holds the raw, unvalidated parameters.
type Input struct {
	N         int
	S         int
	TimeLimit float64 // seconds
	Interval  float64 // seconds
}

// Config is a validated run configuration. It is never modified after
// Validate returns it.
type Config struct {
	N         int
	S         int
	TimeLimit vclock.Duration
	Interval  vclock.Duration
}

// Validate checks the input and converts it into a Config.
func Validate(in Input) (Config, error) {
	if in.N < 1 {
		return Config{}, &ConfigError{"n", in.N, "must be at least 1"}
	}

	if in.S < 1 {
		return Config{}, &ConfigError{"s", in.S, "must be at least 1"}
	}

	if in.S > lifecycle.MaxWorkers {
		return Config{}, &ConfigError{"s", in.S,
			fmt.Sprintf("must not exceed %d", lifecycle.MaxWorkers)}
	}

	timeLimit, err := toDuration(in.TimeLimit)
	if err != nil {
		return Config{}, &ConfigError{"t", in.TimeLimit, err.Error()}
	}

	interval, err := toDuration(in.Interval)
	if err != nil {
		return Config{}, &ConfigError{"i", in.Interval, err.Error()}
	}

	if err := fitsHorizon(in, timeLimit, interval); err != nil {
		return Config{}, err
	}

	return Config{
		N:         in.N,
		S:         in.S,
		TimeLimit: timeLimit,
		Interval:  interval,
	}, nil
}

func toDuration(sec float64) (vclock.Duration, error) {
	if math.IsNaN(sec) || sec < 0 {
		return vclock.Duration{}, errors.New("must be a non-negative number of seconds")
	}

	return vclock.DurationFromSeconds(sec)
}

// fitsHorizon rejects runs the clock cannot represent until the end. Each
// launch happens at most max(t, i) plus one quantum after the previous one,
// and the clock stops at most that long after the last launch.
func fitsHorizon(in Input, timeLimit, interval vclock.Duration) error {
	field, value, step := "t", in.TimeLimit, timeLimit.Nanos()
	if interval.Nanos() > step {
		field, value, step = "i", in.Interval, interval.Nanos()
	}
	step += vclock.Quantum.Nanos()

	hi, total := bits.Mul64(uint64(in.N), step)
	if hi != 0 || total > vclock.Horizon.Nanos() {
		return &ConfigError{field, value, fmt.Sprintf(
			"%d workers would run past the clock horizon of %s",
			in.N, vclock.Horizon)}
	}

	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("n=%d s=%d t=%s i=%s", c.N, c.S, c.TimeLimit, c.Interval)
}
