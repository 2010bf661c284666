package worker

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/sarchlab/osssim/vclock"
)

// ErrUsage is returned for malformed worker arguments.
var ErrUsage = errors.New("usage: worker seconds nanoseconds")

// Args encodes a duration as the two worker arguments.
func Args(d vclock.Duration) []string {
	return []string{
		strconv.FormatUint(uint64(d.Seconds), 10),
		strconv.FormatUint(uint64(d.Nanoseconds), 10),
	}
}

// ParseArgs decodes the two worker arguments into the assigned duration.
func ParseArgs(args []string) (vclock.Duration, error) {
	if len(args) != 2 {
		return vclock.Duration{}, ErrUsage
	}

	sec, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return vclock.Duration{}, fmt.Errorf("%w: seconds %q", ErrUsage, args[0])
	}

	nano, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil || nano >= vclock.NanosPerSecond {
		return vclock.Duration{}, fmt.Errorf("%w: nanoseconds %q", ErrUsage, args[1])
	}

	return vclock.Duration{Seconds: uint32(sec), Nanoseconds: uint32(nano)}, nil
}
