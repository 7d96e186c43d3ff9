// Package schedulertest provides a deterministic scheduler for tests.
package schedulertest

import (
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/sockjs-server-go/scheduler"
)

// Manual is a virtual-clock scheduler. Nothing runs until the test calls
// [Manual.Drain] or [Manual.Advance]; callbacks then run on the caller's
// goroutine, one at a time, with no Manual lock held.
type Manual struct {
	mu       sync.Mutex
	now      time.Time
	seq      uint64
	deferred []func()
	timers   []*manualTimer
}

var _ scheduler.Scheduler = (*Manual)(nil)

// NewManual returns a Manual clock starting at start. A zero start uses a
// fixed, arbitrary instant.
func NewManual(start time.Time) *Manual {
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Manual{now: start}
}

type manualTimer struct {
	m       *Manual
	at      time.Time
	seq     uint64
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Defer queues fn until the next Drain or Advance.
func (m *Manual) Defer(fn func()) {
	m.mu.Lock()
	m.deferred = append(m.deferred, fn)
	m.mu.Unlock()
}

// AfterFunc registers fn to run when the virtual clock reaches Now()+d.
func (m *Manual) AfterFunc(d time.Duration, fn func()) scheduler.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, at: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Now returns the virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending reports the number of queued deferred callbacks and armed timers.
func (m *Manual) Pending() (deferred, timers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			timers++
		}
	}
	return len(m.deferred), timers
}

// Drain runs deferred callbacks until none remain, including any queued by
// the callbacks themselves.
func (m *Manual) Drain() {
	for {
		m.mu.Lock()
		if len(m.deferred) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.deferred[0]
		m.deferred = m.deferred[1:]
		m.mu.Unlock()
		fn()
	}
}

// Advance moves the clock forward by d. Due timers fire in deadline order
// with the clock set to their deadline; deferred work is drained before and
// after each timer.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	m.Drain()
	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		t.fn()
		m.Drain()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	m.timers = live

	sort.Slice(m.timers, func(i, j int) bool {
		a, b := m.timers[i], m.timers[j]
		if a.at.Equal(b.at) {
			return a.seq < b.seq
		}
		return a.at.Before(b.at)
	})

	if len(m.timers) == 0 || m.timers[0].at.After(target) {
		return nil
	}
	t := m.timers[0]
	t.fired = true
	if t.at.After(m.now) {
		m.now = t.at
	}
	return t
}
