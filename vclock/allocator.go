package vclock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/xid"
)

// ErrRegionLimit is returned when no more clock regions can be created.
var ErrRegionLimit = errors.New("clock region limit reached")

// An Allocator creates clock regions.
type Allocator interface {
	Create() (*Clock, error)
}

// Regions is an in-process Allocator that keeps track of the regions it has
// handed out and not yet seen destroyed.
type Regions struct {
	lock    sync.Mutex
	limit   int
	created int
	live    map[string]*Clock
}

// NewRegions creates an allocator. A limit of 0 means no limit.
func NewRegions(limit int) *Regions {
	return &Regions{
		limit: limit,
		live:  make(map[string]*Clock),
	}
}

// Create allocates a clock region initialized to (0,0).
func (r *Regions) Create() (*Clock, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.limit > 0 && len(r.live) >= r.limit {
		return nil, fmt.Errorf("%w (%d live)", ErrRegionLimit, len(r.live))
	}

	c := New(Quantum)
	c.id = xid.New().String()
	c.onDestroy = r.release

	r.live[c.id] = c
	r.created++

	return c, nil
}

func (r *Regions) release(c *Clock) {
	r.lock.Lock()
	defer r.lock.Unlock()

	delete(r.live, c.id)
}

// Live returns the number of regions created and not destroyed.
func (r *Regions) Live() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	return len(r.live)
}

// Created returns the number of regions ever created.
func (r *Regions) Created() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.created
}
