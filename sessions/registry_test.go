package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/sockjs-server-go/internal/frame"
	"github.com/ggoodman/sockjs-server-go/scheduler/schedulertest"
)

func newTestRegistry(clock *schedulertest.Manual, opts ...RegistryOption) *Registry {
	opts = append([]RegistryOption{
		WithRegistryScheduler(clock),
		WithDisconnectDelay(5 * time.Second),
	}, opts...)
	return NewRegistry(opts...)
}

func mustCreate(t *testing.T, reg *Registry, clock *schedulertest.Manual, id string, tc *testConn) *Session {
	t.Helper()
	sess, created := reg.LoadOrCreate(id, func() *Session {
		return New(id, func(c Conn) Connection {
			tc.conn = c
			return tc
		}, WithScheduler(clock), WithHeartbeatDelay(0))
	})
	if !created {
		t.Fatalf("expected session %q to be created", id)
	}
	return sess
}

func TestRegistryExpiresDetachedSession(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	reg := newTestRegistry(clock)
	stop := reg.Start(time.Second)
	defer stop()

	tc := &testConn{}
	sess := mustCreate(t, reg, clock, "abc", tc)
	sess.Attach(context.Background(), &recordingHandler{oneShot: true}, info("10.0.0.1"), false)

	clock.Advance(4 * time.Second)
	if _, ok := reg.Get("abc"); !ok {
		t.Fatalf("session expired too early")
	}

	clock.Advance(2 * time.Second)
	if _, ok := reg.Get("abc"); ok {
		t.Fatalf("expected session to be gone after the disconnect delay")
	}
	if want, got := StateClosed, sess.State(); want != got {
		t.Fatalf("state: want %v got %v", want, got)
	}
	if _, closed, _ := tc.counts(); closed != 1 {
		t.Fatalf("expected OnClose once, got %d", closed)
	}
}

func TestRegistryKeepsAttachedSession(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	reg := newTestRegistry(clock)
	stop := reg.Start(time.Second)
	defer stop()

	sess := mustCreate(t, reg, clock, "abc", &testConn{})
	h := &recordingHandler{}
	sess.Attach(context.Background(), h, info("10.0.0.1"), false)

	clock.Advance(30 * time.Second)
	if _, ok := reg.Get("abc"); !ok {
		t.Fatalf("attached session must survive the sweep")
	}
	if want, got := StateOpen, sess.State(); want != got {
		t.Fatalf("state: want %v got %v", want, got)
	}

	sess.Detach(h)
	clock.Advance(6 * time.Second)
	if _, ok := reg.Get("abc"); ok {
		t.Fatalf("expected detached session to expire")
	}
}

func TestRegistryActivityPromotes(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	reg := newTestRegistry(clock)

	sess := mustCreate(t, reg, clock, "abc", &testConn{})
	sess.Attach(context.Background(), &recordingHandler{oneShot: true}, info("10.0.0.1"), false)

	clock.Advance(4 * time.Second)
	poll := &recordingHandler{oneShot: true}
	sess.Attach(context.Background(), poll, info("10.0.0.1"), false)
	sess.Detach(poll)

	if n := reg.Sweep(clock.Now().Add(2 * time.Second)); n != 0 {
		t.Fatalf("reattach should have refreshed the deadline, swept %d", n)
	}
	if n := reg.Sweep(clock.Now().Add(5 * time.Second)); n != 1 {
		t.Fatalf("expected one expiry, got %d", n)
	}
}

func TestRegistryClosedSessionKeepsDelay(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	reg := newTestRegistry(clock)

	sess := mustCreate(t, reg, clock, "abc", &testConn{})
	sess.Attach(context.Background(), &recordingHandler{}, info("10.0.0.1"), false)

	clock.Advance(4 * time.Second)
	sess.Close(frame.CodeGoAway, frame.ReasonGoAway)

	if n := reg.Sweep(clock.Now().Add(2 * time.Second)); n != 0 {
		t.Fatalf("losing the handler should have refreshed the deadline, swept %d", n)
	}
	s, ok := reg.Get("abc")
	if !ok {
		t.Fatalf("closed session should still be registered")
	}
	poll := &recordingHandler{}
	if s.Attach(context.Background(), poll, info("10.0.0.1"), false) {
		t.Fatalf("attach to a closed session must be rejected")
	}
	if want, got := []frame.Frame{frame.Close(frame.CodeGoAway, frame.ReasonGoAway)}, poll.Frames(); len(got) != 1 || want[0] != got[0] {
		t.Fatalf("frames: want %v got %v", want, got)
	}

	if n := reg.Sweep(clock.Now().Add(5 * time.Second)); n != 1 {
		t.Fatalf("expected one expiry, got %d", n)
	}
}

func TestRegistryRemove(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	reg := newTestRegistry(clock)

	sess := mustCreate(t, reg, clock, "abc", &testConn{})
	h := &recordingHandler{}
	sess.Attach(context.Background(), h, info("10.0.0.1"), false)

	if reg.Remove("abc", false) {
		t.Fatalf("unforced removal of an attached session must be refused")
	}
	if !reg.Remove("abc", true) {
		t.Fatalf("forced removal must succeed")
	}
	assertFrames(t, h, frame.Open, frame.Close(3000, "Go away!"))
	if h.closed != 1 {
		t.Fatalf("handler must be finalized")
	}
	if want, got := 0, reg.Len(); want != got {
		t.Fatalf("len: want %d got %d", want, got)
	}
	if reg.Remove("abc", true) {
		t.Fatalf("removing an unknown id must report false")
	}
}

func TestRegistryAddAndLoad(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	reg := newTestRegistry(clock)

	sess := New("abc", func(Conn) Connection { return &testConn{} }, WithScheduler(clock))
	if err := reg.Add(sess); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Add(sess); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("want ErrSessionExists, got %v", err)
	}

	got, created := reg.LoadOrCreate("abc", func() *Session {
		t.Fatalf("create must not run for a registered id")
		return nil
	})
	if created || got != sess {
		t.Fatalf("expected the registered session back")
	}
}

func TestRegistryMaxSessions(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	reg := newTestRegistry(clock, WithMaxSessions(1))

	first := mustCreate(t, reg, clock, "a", &testConn{})
	first.Attach(context.Background(), &recordingHandler{}, info("10.0.0.1"), false)
	mustCreate(t, reg, clock, "b", &testConn{})

	if want, got := 1, reg.Len(); want != got {
		t.Fatalf("len: want %d got %d", want, got)
	}
	if _, ok := reg.Get("a"); ok {
		t.Fatalf("oldest session should have been evicted")
	}
	if want, got := StateClosed, first.State(); want != got {
		t.Fatalf("evicted session state: want %v got %v", want, got)
	}
}

func TestRegistryRunClosesAll(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	reg := newTestRegistry(clock)
	sess := mustCreate(t, reg, clock, "abc", &testConn{})
	sess.Attach(context.Background(), &recordingHandler{}, info("10.0.0.1"), false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := reg.Run(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if want, got := StateClosed, sess.State(); want != got {
		t.Fatalf("state: want %v got %v", want, got)
	}
	if want, got := 0, reg.Len(); want != got {
		t.Fatalf("len: want %d got %d", want, got)
	}
}
