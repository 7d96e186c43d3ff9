// Package heartbeat implements a periodic timer whose next fire can be
// pushed back without being re-created.
package heartbeat

import (
	"sync"
	"time"

	"github.com/ggoodman/sockjs-server-go/scheduler"
)

// Timer calls fire every interval while running. Delay slides the next fire
// a full interval into the future; the armed runtime timer is left alone and
// simply re-arms itself when it wakes up early.
//
// fire is always invoked without the Timer's lock held, so it may call back
// into Start, Stop or Delay.
type Timer struct {
	sched    scheduler.Scheduler
	interval time.Duration
	fire     func()

	mu      sync.Mutex
	running bool
	gen     uint64
	nextRun time.Time
	pending scheduler.Timer
}

// New returns a stopped Timer.
func New(s scheduler.Scheduler, interval time.Duration, fire func()) *Timer {
	return &Timer{sched: s, interval: interval, fire: fire}
}

// Start arms the timer. Starting a running timer is a no-op.
func (t *Timer) Start() {
	if t.interval <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.gen++
	t.nextRun = t.sched.Now().Add(t.interval)
	t.armLocked(t.interval)
}

// Stop disarms the timer. A callback already in flight is discarded.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	t.gen++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

// Delay pushes the next fire to one interval from now.
func (t *Timer) Delay() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.nextRun = t.sched.Now().Add(t.interval)
	}
}

// Running reports whether the timer is armed.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Timer) armLocked(d time.Duration) {
	gen := t.gen
	t.pending = t.sched.AfterFunc(d, func() { t.tick(gen) })
}

func (t *Timer) tick(gen uint64) {
	t.mu.Lock()
	if !t.running || gen != t.gen {
		t.mu.Unlock()
		return
	}
	now := t.sched.Now()
	if now.Before(t.nextRun) {
		t.armLocked(t.nextRun.Sub(now))
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.fire()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || gen != t.gen {
		return
	}
	next := t.sched.Now().Add(t.interval)
	if next.After(t.nextRun) {
		t.nextRun = next
	}
	t.armLocked(t.nextRun.Sub(t.sched.Now()))
}
