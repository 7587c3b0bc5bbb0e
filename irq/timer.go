package irq

import (
	"sync"
	"time"
)

// Timer fires Callback roughly every Interval once driven by a
// TimerList.
type Timer struct {
	Interval time.Duration
	Callback func(now time.Time)

	lastFire time.Time
}

// TimerList is the append-only, mutex-guarded set of periodic timers
// driven by the goroutine that calls Run, separate from the interrupt
// thread (e.g. the ARP cache sweep, TCP retransmission-free
// housekeeping).
type TimerList struct {
	mu     sync.Mutex
	timers []*Timer
}

// Add registers t. Registration is
// append-only at run time; callers synchronize concurrent Add calls
// via TimerList's own mutex.
func (tl *TimerList) Add(t *Timer) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	t.lastFire = time.Time{}
	tl.timers = append(tl.timers, t)
}

// Tick fires every timer whose interval has elapsed since its last
// fire, as of now. Call this periodically from a single goroutine.
func (tl *TimerList) Tick(now time.Time) {
	tl.mu.Lock()
	due := make([]*Timer, 0, len(tl.timers))
	for _, t := range tl.timers {
		if t.lastFire.IsZero() || now.Sub(t.lastFire) >= t.Interval {
			t.lastFire = now
			due = append(due, t)
		}
	}
	tl.mu.Unlock()
	for _, t := range due {
		t.Callback(now)
	}
}

// Run drives Tick every resolution until ctx-like stop is closed.
func (tl *TimerList) Run(stop <-chan struct{}, resolution time.Duration) {
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			tl.Tick(now)
		case <-stop:
			return
		}
	}
}
