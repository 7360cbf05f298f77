// Package clock abstracts timer scheduling so time-driven components can run
// against the wall clock in production and a simulated clock in tests.
package clock

import (
	"sync"
	"time"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop cancels the timer. It returns true if the timer was still armed.
	Stop() bool
}

// Clock schedules one-shot and repeating callbacks.
type Clock interface {
	Now() time.Time

	// AfterFunc calls fn once, after d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer

	// Every calls fn each time interval d elapses, starting d from now,
	// until the returned Timer is stopped.
	Every(d time.Duration, fn func()) Timer
}

type realClock struct{}

// Real returns a Clock backed by the runtime timers.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

func (realClock) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		panic("clock: non-positive interval for Every")
	}
	r := &repeatingTimer{
		interval: d,
		fn:       fn,
		next:     time.Now().Add(d),
	}
	r.mu.Lock()
	r.timer = time.AfterFunc(d, r.fire)
	r.mu.Unlock()
	return r
}

// repeatingTimer chains runtime timers, scheduling the n-th fire at
// start + n*interval so slow callbacks do not accumulate drift.
type repeatingTimer struct {
	mu       sync.Mutex
	timer    *time.Timer
	stopped  bool
	interval time.Duration
	next     time.Time
	fn       func()
}

func (r *repeatingTimer) fire() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.next = r.next.Add(r.interval)
	r.timer = time.AfterFunc(time.Until(r.next), r.fire)
	r.mu.Unlock()

	r.fn()
}

func (r *repeatingTimer) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return false
	}
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
	return true
}
