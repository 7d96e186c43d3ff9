package schedulertest

import (
	"testing"
	"time"
)

func TestManualOrdering(t *testing.T) {
	m := NewManual(time.Time{})
	start := m.Now()

	var order []string
	m.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	m.AfterFunc(time.Second, func() {
		order = append(order, "a")
		if want, got := start.Add(time.Second), m.Now(); !want.Equal(got) {
			t.Errorf("timer saw wrong clock: want %v got %v", want, got)
		}
		m.Defer(func() { order = append(order, "a-deferred") })
	})
	stopped := m.AfterFunc(1500*time.Millisecond, func() { order = append(order, "stopped") })
	if !stopped.Stop() {
		t.Fatalf("expected Stop to report true on armed timer")
	}
	if stopped.Stop() {
		t.Fatalf("expected second Stop to report false")
	}

	m.Advance(3 * time.Second)

	want := []string{"a", "a-deferred", "b"}
	if len(order) != len(want) {
		t.Fatalf("want %v got %v", want, order)
	}
	for i := range want {
		if want[i] != order[i] {
			t.Fatalf("want %v got %v", want, order)
		}
	}
	if want, got := start.Add(3*time.Second), m.Now(); !want.Equal(got) {
		t.Fatalf("clock: want %v got %v", want, got)
	}
}

func TestManualRearmFromCallback(t *testing.T) {
	m := NewManual(time.Time{})
	fired := 0
	var tick func()
	tick = func() {
		fired++
		m.AfterFunc(time.Second, tick)
	}
	m.AfterFunc(time.Second, tick)

	m.Advance(5 * time.Second)
	if want, got := 5, fired; want != got {
		t.Fatalf("want %d firings got %d", want, got)
	}
	if _, timers := m.Pending(); timers != 1 {
		t.Fatalf("expected one armed timer, got %d", timers)
	}
}
