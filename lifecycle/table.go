// Package lifecycle keeps the registry of in-flight workers.
//
// A Table is owned by a single scheduler and is not safe for concurrent use.
package lifecycle

import (
	"fmt"
	"log"

	"github.com/sarchlab/osssim/vclock"
	"github.com/sarchlab/osssim/worker"
)

// MaxWorkers is the fixed capacity of every Table.
const MaxWorkers = 20

// An Entry is one slot of the table.
type Entry struct {
	Occupied  bool
	Handle    worker.Handle
	StartTime vclock.Time
	EndTime   vclock.Time
}

// Runtime returns the recorded length of the entry's life.
func (e Entry) Runtime() vclock.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// A Table is a fixed-size registry of worker entries.
type Table struct {
	entries  [MaxWorkers]Entry
	occupied int
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{}
}

// Capacity returns the number of slots.
func (t *Table) Capacity() int {
	return len(t.entries)
}

// FindFreeSlot returns the index of the first unoccupied slot. The second
// return value is false if every slot is taken.
func (t *Table) FindFreeSlot() (int, bool) {
	for i := range t.entries {
		if !t.entries[i].Occupied {
			return i, true
		}
	}

	return -1, false
}

// Occupy records a worker in a free slot.
func (t *Table) Occupy(
	slot int,
	handle worker.Handle,
	start, end vclock.Time,
) {
	t.mustBeSlot(slot)

	if t.entries[slot].Occupied {
		log.Panicf("slot %d is already occupied by worker %d",
			slot, t.entries[slot].Handle)
	}

	if end.Before(start) {
		log.Panicf("end time %s is before start time %s", end, start)
	}

	t.entries[slot] = Entry{
		Occupied:  true,
		Handle:    handle,
		StartTime: start,
		EndTime:   end,
	}
	t.occupied++
}

// Release frees a slot and returns the entry it held.
func (t *Table) Release(slot int) Entry {
	t.mustBeSlot(slot)

	e := t.entries[slot]
	if !e.Occupied {
		log.Panicf("slot %d is not occupied", slot)
	}

	t.entries[slot] = Entry{}
	t.occupied--

	return e
}

// FindByHandle returns the slot holding the given worker.
func (t *Table) FindByHandle(handle worker.Handle) (int, bool) {
	for i := range t.entries {
		if t.entries[i].Occupied && t.entries[i].Handle == handle {
			return i, true
		}
	}

	return -1, false
}

// Entry returns a copy of a slot.
func (t *Table) Entry(slot int) Entry {
	t.mustBeSlot(slot)
	return t.entries[slot]
}

// OccupiedCount returns the number of occupied slots.
func (t *Table) OccupiedCount() int {
	return t.occupied
}

// Entries returns a copy of all the slots, occupied or not.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries[:])

	return out
}

// Handles lists the handles of the occupied slots in slot order.
func (t *Table) Handles() []worker.Handle {
	handles := make([]worker.Handle, 0, t.occupied)
	for i := range t.entries {
		if t.entries[i].Occupied {
			handles = append(handles, t.entries[i].Handle)
		}
	}

	return handles
}

func (t *Table) mustBeSlot(slot int) {
	if slot < 0 || slot >= len(t.entries) {
		panic(fmt.Sprintf("slot %d out of range [0, %d)", slot, len(t.entries)))
	}
}
