package query

import (
	"sync"
	"time"
)

// Removable arms a collection timer for a cache entry. Mutations embed the same
// mechanism, so it is exported for the mutation package.
type Removable struct {
	mu     sync.Mutex
	gcTime time.Duration
	timer  *time.Timer
	gen    uint64
}

// UpdateGCTime raises the retention period to d. The longest configured time wins.
func (r *Removable) UpdateGCTime(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > r.gcTime {
		r.gcTime = d
	}
}

// GCTime returns the current retention period.
func (r *Removable) GCTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gcTime
}

// ScheduleGC (re)arms the timer; expire runs once the retention period elapses
// without another ScheduleGC or ClearGC. Infinity never arms.
func (r *Removable) ScheduleGC(expire func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	if r.gcTime == Infinity || r.gcTime < 0 {
		return
	}
	gen := r.gen
	r.timer = time.AfterFunc(r.gcTime, func() {
		r.mu.Lock()
		current := r.gen == gen && r.timer != nil
		if current {
			r.timer = nil
		}
		r.mu.Unlock()
		if current {
			expire()
		}
	})
}

// ClearGC stops a pending timer.
func (r *Removable) ClearGC() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

// GCScheduled reports whether a timer is armed.
func (r *Removable) GCScheduled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

func (r *Removable) stopLocked() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
