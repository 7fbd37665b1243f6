package prefetch

import (
	"net/http"
	"sync/atomic"
	"time"
)

// Scheduler runs fn later, off the caller's goroutine.
type Scheduler interface {
	Schedule(fn func())
}

// AfterScheduler runs fn after a fixed delay.
type AfterScheduler struct {
	Delay time.Duration
}

func (s AfterScheduler) Schedule(fn func()) {
	time.AfterFunc(s.Delay, fn)
}

// IdleTracker counts in-flight HTTP requests and schedules work for the first
// moment the server has none, or after Timeout at the latest.
type IdleTracker struct {
	Timeout time.Duration
	Poll    time.Duration

	inflight atomic.Int64
}

func NewIdleTracker(timeout time.Duration) *IdleTracker {
	return &IdleTracker{Timeout: timeout, Poll: 25 * time.Millisecond}
}

// Middleware records requests passing through next.
func (t *IdleTracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.inflight.Add(1)
		defer t.inflight.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// InFlight returns the number of requests currently being served.
func (t *IdleTracker) InFlight() int64 { return t.inflight.Load() }

func (t *IdleTracker) Schedule(fn func()) {
	poll := t.Poll
	if poll <= 0 {
		poll = 25 * time.Millisecond
	}
	go func() {
		deadline := time.NewTimer(t.Timeout)
		defer deadline.Stop()
		tick := time.NewTicker(poll)
		defer tick.Stop()
		for {
			select {
			case <-deadline.C:
				fn()
				return
			case <-tick.C:
				if t.inflight.Load() == 0 {
					fn()
					return
				}
			}
		}
	}()
}
