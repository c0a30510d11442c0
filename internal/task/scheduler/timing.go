package scheduler

import (
	"sync"
	"time"
)

// nextWake returns the absolute wake time following last. When that time has
// already passed, the task is due now and late is true; the caller re-anchors on
// now so a late task never runs more than once per pass.
func nextWake(last time.Time, period time.Duration, now time.Time) (wake time.Time, late bool) {
	wake = last.Add(period)
	if !wake.After(now) {
		return now, true
	}
	return wake, false
}

// realign moves last forward by whole periods to the latest grid point not after
// now. Used on resume so a suspension keeps the original phase without counting
// the skipped periods as late.
func realign(last time.Time, period time.Duration, now time.Time) time.Time {
	if period <= 0 || !now.After(last) {
		return last
	}
	n := now.Sub(last) / period
	return last.Add(n * period)
}

// delayTimer fires fn once per arm. Re-arming or disarming invalidates any
// earlier arm, including one whose runtime timer already expired but whose
// callback has not taken the lock yet.
type delayTimer struct {
	mu  sync.Mutex
	t   *time.Timer
	ver uint64
	due time.Time
	fn  func()
}

func newDelayTimer(fn func()) *delayTimer {
	return &delayTimer{fn: fn}
}

// arm schedules fn after delay and returns the due time.
func (d *delayTimer) arm(delay time.Duration) time.Time {
	if delay < 0 {
		delay = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.ver++
	ver := d.ver
	d.due = time.Now().Add(delay)
	d.t = time.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.ver != ver {
			d.mu.Unlock()
			return
		}
		d.ver++
		d.t = nil
		d.due = time.Time{}
		d.mu.Unlock()
		d.fn()
	})
	return d.due
}

// disarm cancels a pending fire. It reports whether one was pending.
func (d *delayTimer) disarm() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t == nil {
		return false
	}
	d.t.Stop()
	d.t = nil
	d.ver++
	d.due = time.Time{}
	return true
}
