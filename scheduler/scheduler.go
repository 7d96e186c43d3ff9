// Package scheduler is the timing source shared by sessions, heartbeats and
// the session registry. Production code uses [Real]; tests drive time by
// hand with schedulertest.Manual.
package scheduler

import "time"

// Timer is a handle to a pending callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer (false if it already fired or was stopped).
	Stop() bool
}

// Scheduler runs callbacks later, either "soon" on another goroutine or
// after a delay.
type Scheduler interface {
	// Defer runs fn asynchronously, after the caller has returned. Callers
	// may hold locks when calling Defer; fn must not run on the calling
	// goroutine.
	Defer(fn func())
	// AfterFunc runs fn once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Now returns the scheduler's notion of the current time.
	Now() time.Time
}

// Real returns a Scheduler backed by goroutines and the runtime timers.
func Real() Scheduler { return realScheduler{} }

type realScheduler struct{}

func (realScheduler) Defer(fn func()) { go fn() }

func (realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

func (realScheduler) Now() time.Time { return time.Now() }
