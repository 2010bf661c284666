package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables that provide defaults for the command line flags.
const (
	EnvN         = "OSSSIM_N"
	EnvS         = "OSSSIM_S"
	EnvTimeLimit = "OSSSIM_TIMELIMIT"
	EnvInterval  = "OSSSIM_INTERVAL"
	EnvWatchdog  = "OSSSIM_WATCHDOG"
)

// LoadDotEnv loads variables from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		err := godotenv.Load(f)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			continue
		}

		return fmt.Errorf("loading %s: %w", f, err)
	}

	return nil
}

// Defaults are the values used when neither a flag nor the environment
// provides one.
var Defaults = Input{
	N:         1,
	S:         1,
	TimeLimit: 1,
	Interval:  0,
}

// DefaultWatchdog is the wall-clock safety timeout.
const DefaultWatchdog = 60 * time.Second

// FromEnv starts from Defaults and applies any values found through
// lookup, which is usually os.LookupEnv.
func FromEnv(lookup func(string) (string, bool)) (Input, time.Duration, error) {
	in := Defaults
	watchdog := DefaultWatchdog

	if v, ok := lookup(EnvN); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return in, watchdog, &ConfigError{"n", v, "not an integer"}
		}
		in.N = n
	}

	if v, ok := lookup(EnvS); ok {
		s, err := strconv.Atoi(v)
		if err != nil {
			return in, watchdog, &ConfigError{"s", v, "not an integer"}
		}
		in.S = s
	}

	if v, ok := lookup(EnvTimeLimit); ok {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return in, watchdog, &ConfigError{"t", v, "not a number"}
		}
		in.TimeLimit = t
	}

	if v, ok := lookup(EnvInterval); ok {
		i, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return in, watchdog, &ConfigError{"i", v, "not a number"}
		}
		in.Interval = i
	}

	if v, ok := lookup(EnvWatchdog); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return in, watchdog, &ConfigError{"watchdog", v, "not a positive duration"}
		}
		watchdog = d
	}

	return in, watchdog, nil
}

// LookupEnv is the lookup function backed by the process environment.
func LookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}
