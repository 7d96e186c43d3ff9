package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/sockjs-server-go/internal/frame"
	"github.com/ggoodman/sockjs-server-go/scheduler/schedulertest"
)

type recordingHandler struct {
	mu      sync.Mutex
	frames  []frame.Frame
	oneShot bool
	fail    error
	closed  int
}

func (h *recordingHandler) Deliver(f frame.Frame) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail != nil {
		return false, h.fail
	}
	h.frames = append(h.frames, f)
	return h.oneShot, nil
}

func (h *recordingHandler) SessionClosed() {
	h.mu.Lock()
	h.closed++
	h.mu.Unlock()
}

func (h *recordingHandler) Frames() []frame.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]frame.Frame(nil), h.frames...)
}

type testConn struct {
	mu      sync.Mutex
	conn    Conn
	reject  bool
	echo    bool
	failMsg error
	panicOn string
	info    ConnInfo
	opened  int
	closed  int
	msgs    []string
}

func (c *testConn) OnOpen(_ context.Context, info ConnInfo) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened++
	c.info = info
	if c.panicOn == "open" {
		panic("boom")
	}
	return !c.reject
}

func (c *testConn) OnMessage(_ context.Context, msg string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	if c.panicOn == "message" {
		panic("boom")
	}
	if c.failMsg != nil {
		return c.failMsg
	}
	if c.echo {
		c.conn.Send(msg)
	}
	return nil
}

func (c *testConn) OnClose(context.Context) {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	if c.panicOn == "close" {
		panic("boom")
	}
}

func (c *testConn) counts() (opened, closed, msgs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened, c.closed, len(c.msgs)
}

func newTestSession(t *testing.T, clock *schedulertest.Manual, tc *testConn, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithScheduler(clock)}, opts...)
	return New("abc", func(c Conn) Connection {
		tc.conn = c
		return tc
	}, opts...)
}

func info(addr string) ConnInfo {
	return ConnInfo{RemoteAddr: addr, Transport: "test"}
}

func assertFrames(t *testing.T, h *recordingHandler, want ...frame.Frame) {
	t.Helper()
	got := h.Frames()
	if len(got) != len(want) {
		t.Fatalf("frames: want %q got %q", want, got)
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("frames: want %q got %q", want, got)
		}
	}
}

func TestAttachOpensSession(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	tc := &testConn{}
	sess := newTestSession(t, clock, tc)

	if want, got := StateConnecting, sess.State(); want != got {
		t.Fatalf("initial state: want %v got %v", want, got)
	}

	h := &recordingHandler{}
	if !sess.Attach(context.Background(), h, info("10.0.0.1"), true) {
		t.Fatalf("expected attach to succeed")
	}

	assertFrames(t, h, frame.Open)
	if want, got := StateOpen, sess.State(); want != got {
		t.Fatalf("state: want %v got %v", want, got)
	}
	if opened, _, _ := tc.counts(); opened != 1 {
		t.Fatalf("expected OnOpen once, got %d", opened)
	}
	if want, got := "10.0.0.1", tc.info.RemoteAddr; want != got {
		t.Fatalf("info: want %q got %q", want, got)
	}
}

func TestAttachConflict(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	sess := newTestSession(t, clock, &testConn{})

	first := &recordingHandler{}
	sess.Attach(context.Background(), first, info("10.0.0.1"), true)

	second := &recordingHandler{}
	if sess.Attach(context.Background(), second, info("10.0.0.1"), true) {
		t.Fatalf("expected second attach to be rejected")
	}
	assertFrames(t, second, frame.Close(2010, "Another connection still open"))
	if second.closed != 1 {
		t.Fatalf("rejected handler must be finalized")
	}

	assertFrames(t, first, frame.Open)
	if first.closed != 0 {
		t.Fatalf("existing handler must be left alone")
	}
	sess.Send("still here")
	clock.Drain()
	assertFrames(t, first, frame.Open, frame.Batch([]string{`"still here"`}))
}

func TestAttachDifferentIP(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	sess := newTestSession(t, clock, &testConn{})

	poll := &recordingHandler{oneShot: true}
	sess.Attach(context.Background(), poll, info("10.0.0.1"), false)
	assertFrames(t, poll, frame.Open)
	if sess.Attached() {
		t.Fatalf("one-shot handler should have been detached")
	}

	intruder := &recordingHandler{oneShot: true}
	if sess.Attach(context.Background(), intruder, info("10.9.9.9"), false) {
		t.Fatalf("expected attach from a different address to be rejected")
	}
	assertFrames(t, intruder, frame.Close(2010, "Attempted to connect to session from different IP"))
	if want, got := StateOpen, sess.State(); want != got {
		t.Fatalf("session must survive: want %v got %v", want, got)
	}
}

func TestPollingReattachFlushesQueue(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	tc := &testConn{echo: true}
	sess := newTestSession(t, clock, tc)

	first := &recordingHandler{oneShot: true}
	sess.Attach(context.Background(), first, info("10.0.0.1"), false)

	if err := sess.OnMessages(context.Background(), []string{"hello"}); err != nil {
		t.Fatalf("OnMessages: %v", err)
	}
	clock.Drain()
	if want, got := 1, sess.Pending(); want != got {
		t.Fatalf("pending: want %d got %d", want, got)
	}

	second := &recordingHandler{oneShot: true}
	if !sess.Attach(context.Background(), second, info("10.0.0.1"), false) {
		t.Fatalf("reattach failed")
	}
	assertFrames(t, second, lit(`a["hello"]`))
	if sess.Attached() {
		t.Fatalf("one-shot handler should detach after delivery")
	}
}

func lit(s string) frame.Frame { return frame.Frame(s) }

func TestSendCoalescesWithinTick(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	sess := newTestSession(t, clock, &testConn{})

	h := &recordingHandler{}
	sess.Attach(context.Background(), h, info("10.0.0.1"), false)

	sess.Send("a")
	sess.Send("b")
	sess.Send("c")
	assertFrames(t, h, frame.Open)

	if deferred, _ := clock.Pending(); deferred != 1 {
		t.Fatalf("expected exactly one scheduled flush, got %d", deferred)
	}
	clock.Drain()
	assertFrames(t, h, frame.Open, lit(`a["a","b","c"]`))
}

func TestImmediateFlush(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	sess := newTestSession(t, clock, &testConn{}, WithImmediateFlush(true))

	h := &recordingHandler{}
	sess.Attach(context.Background(), h, info("10.0.0.1"), false)
	sess.Send("x")
	assertFrames(t, h, frame.Open, lit(`a["x"]`))
}

func TestSendDroppedUnlessOpen(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	sess := newTestSession(t, clock, &testConn{})

	sess.Send("early")
	if want, got := 0, sess.Pending(); want != got {
		t.Fatalf("pending before open: want %d got %d", want, got)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	tc := &testConn{}
	sess := newTestSession(t, clock, tc)

	h := &recordingHandler{}
	sess.Attach(context.Background(), h, info("10.0.0.1"), true)

	sess.Close(3001, "bye")
	sess.Close(3002, "again")

	assertFrames(t, h, frame.Open, frame.Close(3001, "bye"))
	if h.closed != 1 {
		t.Fatalf("handler must be told the session closed once, got %d", h.closed)
	}
	if want, got := StateClosed, sess.State(); want != got {
		t.Fatalf("state: want %v got %v", want, got)
	}
	if _, closed, _ := tc.counts(); closed != 1 {
		t.Fatalf("expected OnClose once, got %d", closed)
	}
	if sess.Context().Err() == nil {
		t.Fatalf("session context should be cancelled")
	}

	sess.Send("dropped")
	clock.Drain()
	if err := sess.OnMessages(context.Background(), []string{"ignored"}); err != nil {
		t.Fatalf("OnMessages after close: %v", err)
	}
	if _, _, msgs := tc.counts(); msgs != 0 {
		t.Fatalf("OnMessage must not run after close")
	}

	late := &recordingHandler{}
	if sess.Attach(context.Background(), late, info("10.0.0.1"), true) {
		t.Fatalf("attach to closed session must fail")
	}
	assertFrames(t, late, frame.Close(3001, "bye"))
	if code, reason := sess.CloseReason(); code != 3001 || reason != "bye" {
		t.Fatalf("sticky reason: got %d %q", code, reason)
	}
}

func TestOnOpenRejection(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	tc := &testConn{reject: true}
	sess := newTestSession(t, clock, tc)

	h := &recordingHandler{}
	sess.Attach(context.Background(), h, info("10.0.0.1"), true)

	assertFrames(t, h, frame.Open, frame.Close(3000, "Go away!"))
	if want, got := StateClosed, sess.State(); want != got {
		t.Fatalf("state: want %v got %v", want, got)
	}
}

func TestCallbackPanics(t *testing.T) {
	t.Run("on_open panic rejects", func(t *testing.T) {
		clock := schedulertest.NewManual(time.Time{})
		sess := newTestSession(t, clock, &testConn{panicOn: "open"})
		sess.Attach(context.Background(), &recordingHandler{}, info("10.0.0.1"), false)
		if want, got := StateClosed, sess.State(); want != got {
			t.Fatalf("state: want %v got %v", want, got)
		}
	})

	t.Run("on_message panic is returned", func(t *testing.T) {
		clock := schedulertest.NewManual(time.Time{})
		sess := newTestSession(t, clock, &testConn{panicOn: "message"})
		sess.Attach(context.Background(), &recordingHandler{}, info("10.0.0.1"), false)
		err := sess.OnMessages(context.Background(), []string{"x"})
		if !errors.Is(err, ErrCallbackPanic) {
			t.Fatalf("want ErrCallbackPanic, got %v", err)
		}
		if want, got := StateOpen, sess.State(); want != got {
			t.Fatalf("session must stay open: want %v got %v", want, got)
		}
	})

	t.Run("on_message error stops delivery", func(t *testing.T) {
		clock := schedulertest.NewManual(time.Time{})
		fail := errors.New("nope")
		tc := &testConn{failMsg: fail}
		sess := newTestSession(t, clock, tc)
		sess.Attach(context.Background(), &recordingHandler{}, info("10.0.0.1"), false)
		if err := sess.OnMessages(context.Background(), []string{"a", "b"}); !errors.Is(err, fail) {
			t.Fatalf("want %v, got %v", fail, err)
		}
		if _, _, msgs := tc.counts(); msgs != 1 {
			t.Fatalf("expected delivery to stop after the failure, got %d", msgs)
		}
	})

	t.Run("on_close panic is swallowed", func(t *testing.T) {
		clock := schedulertest.NewManual(time.Time{})
		sess := newTestSession(t, clock, &testConn{panicOn: "close"})
		h := &recordingHandler{}
		sess.Attach(context.Background(), h, info("10.0.0.1"), false)
		sess.Close(3000, "Go away!")
		if want, got := StateClosed, sess.State(); want != got {
			t.Fatalf("state: want %v got %v", want, got)
		}
		assertFrames(t, h, frame.Open, frame.Close(3000, "Go away!"))
	})
}

func TestDeliverFailureSchedulesClose(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	sess := newTestSession(t, clock, &testConn{})

	h := &recordingHandler{}
	sess.Attach(context.Background(), h, info("10.0.0.1"), true)

	h.mu.Lock()
	h.fail = errors.New("broken pipe")
	h.mu.Unlock()

	sess.Send("x")
	sess.Flush()
	if want, got := StateClosing, sess.State(); want != got {
		t.Fatalf("state after failed write: want %v got %v", want, got)
	}
	if sess.Attached() {
		t.Fatalf("failed handler must be detached")
	}

	clock.Drain()
	if want, got := StateClosed, sess.State(); want != got {
		t.Fatalf("state after tick: want %v got %v", want, got)
	}
}

func TestHeartbeat(t *testing.T) {
	t.Run("fires every delay", func(t *testing.T) {
		clock := schedulertest.NewManual(time.Time{})
		sess := newTestSession(t, clock, &testConn{}, WithHeartbeatDelay(25*time.Second))

		h := &recordingHandler{}
		sess.Attach(context.Background(), h, info("10.0.0.1"), true)

		clock.Advance(25 * time.Second)
		assertFrames(t, h, frame.Open, frame.Heartbeat)
		clock.Advance(25 * time.Second)
		assertFrames(t, h, frame.Open, frame.Heartbeat, frame.Heartbeat)
	})

	t.Run("traffic slides the window", func(t *testing.T) {
		clock := schedulertest.NewManual(time.Time{})
		sess := newTestSession(t, clock, &testConn{}, WithHeartbeatDelay(25*time.Second))

		h := &recordingHandler{}
		sess.Attach(context.Background(), h, info("10.0.0.1"), true)

		clock.Advance(20 * time.Second)
		sess.Send("x")
		clock.Drain()

		clock.Advance(24 * time.Second)
		assertFrames(t, h, frame.Open, lit(`a["x"]`))
		clock.Advance(time.Second)
		assertFrames(t, h, frame.Open, lit(`a["x"]`), frame.Heartbeat)
	})

	t.Run("stops on detach", func(t *testing.T) {
		clock := schedulertest.NewManual(time.Time{})
		sess := newTestSession(t, clock, &testConn{}, WithHeartbeatDelay(25*time.Second))

		h := &recordingHandler{}
		sess.Attach(context.Background(), h, info("10.0.0.1"), true)
		sess.Detach(h)
		clock.Advance(time.Minute)
		assertFrames(t, h, frame.Open)
		if _, timers := clock.Pending(); timers != 0 {
			t.Fatalf("expected no armed timers, got %d", timers)
		}
	})
}

func TestRawMessages(t *testing.T) {
	clock := schedulertest.NewManual(time.Time{})
	sess := newTestSession(t, clock, &testConn{}, WithRawMessages())

	h := &recordingHandler{}
	sess.Attach(context.Background(), h, info("10.0.0.1"), false)
	sess.Send("plain")
	sess.Close(1000, "done")

	assertFrames(t, h, lit("plain"))
	if h.closed != 1 {
		t.Fatalf("raw handler must be finalized on close")
	}
	if code, reason := sess.CloseReason(); code != 1000 || reason != "done" {
		t.Fatalf("close reason: got %d %q", code, reason)
	}
}

func TestConnInfoHelpers(t *testing.T) {
	ci := ConnInfo{}
	if ci.Argument("x") != "" {
		t.Fatalf("nil query must yield empty argument")
	}
	if _, ok := ci.Cookie("JSESSIONID"); ok {
		t.Fatalf("no cookies expected")
	}
}
