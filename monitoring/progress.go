package monitoring

import (
	"sync"
	"time"
)

// A ProgressBar tracks how many workers of a run are done.
type ProgressBar struct {
	sync.Mutex
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StartTime  time.Time `json:"start_time"`
	Total      uint64    `json:"total"`
	Finished   uint64    `json:"finished"`
	InProgress uint64    `json:"in_progress"`
	Killed     uint64    `json:"killed"`
}

// IncrementInProgress adds the number of in-progress element.
func (b *ProgressBar) IncrementInProgress(amount uint64) {
	b.Lock()
	defer b.Unlock()

	b.InProgress += amount
}

// MoveInProgressToFinished reduces the number of in progress item by a certain
// amount and increase the finished item by the same amount.
func (b *ProgressBar) MoveInProgressToFinished(amount uint64) {
	b.Lock()
	defer b.Unlock()

	b.InProgress -= amount
	b.Finished += amount
}

// MoveInProgressToKilled is like MoveInProgressToFinished, for workers that
// were stopped instead of reaped.
func (b *ProgressBar) MoveInProgressToKilled(amount uint64) {
	b.Lock()
	defer b.Unlock()

	b.InProgress -= amount
	b.Killed += amount
}
