package gateway

import (
	"sync"
	"time"
)

// Flush retry backoff bounds.
const (
	BaseRetryBackoff = 1000 * time.Millisecond
	MaxRetryBackoff  = 30000 * time.Millisecond
)

// BackoffDelay computes the alarm delay after the n-th consecutive
// flush failure: min(base·2^(n-1), max).
func BackoffDelay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	shift := n - 1
	if shift > 30 {
		shift = 30
	}
	d := BaseRetryBackoff << shift
	if d > MaxRetryBackoff || d <= 0 {
		return MaxRetryBackoff
	}
	return d
}

// flushAlarm is the session's single pending alarm. Scheduling
// coalesces: a nearer deadline replaces a farther one, a farther
// deadline is ignored while one is pending. Scheduling at "now" is the
// drain signal.
type flushAlarm struct {
	now  func() time.Time
	fire func()

	mu    sync.Mutex
	timer *time.Timer
	at    time.Time
}

func newFlushAlarm(now func() time.Time, fire func()) *flushAlarm {
	return &flushAlarm{now: now, fire: fire}
}

// Schedule arms the alarm for the given instant, keeping whichever of
// the new and pending deadlines is nearer.
func (a *flushAlarm) Schedule(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		if !at.Before(a.at) {
			return
		}
		a.timer.Stop()
	}
	a.at = at
	a.timer = time.AfterFunc(max(0, at.Sub(a.now())), a.run)
}

func (a *flushAlarm) run() {
	a.mu.Lock()
	a.timer = nil
	a.at = time.Time{}
	a.mu.Unlock()
	a.fire()
}

// Pending reports the armed deadline, if any.
func (a *flushAlarm) Pending() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.at, a.timer != nil
}

// Stop disarms the alarm. A fire already in flight still completes.
func (a *flushAlarm) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
		a.at = time.Time{}
	}
}
