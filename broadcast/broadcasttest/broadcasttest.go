// Package broadcasttest holds a conformance suite for broadcast.Hub
// implementations.
package broadcasttest

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/sockjs-server-go/broadcast"
	"github.com/ggoodman/sockjs-server-go/internal/frame"
	"github.com/ggoodman/sockjs-server-go/sessions"
)

// HubFactory creates a new Hub instance for testing.
type HubFactory func(t *testing.T) broadcast.Hub

// RunHubTests runs the complete Hub test suite against the provided factory.
func RunHubTests(t *testing.T, factory HubFactory) {
	t.Run("Broadcast_ReachesAllMembers", func(t *testing.T) { testReachesAllMembers(t, factory) })
	t.Run("Broadcast_GroupIsolation", func(t *testing.T) { testGroupIsolation(t, factory) })
	t.Run("Broadcast_PerMemberOrder", func(t *testing.T) { testPerMemberOrder(t, factory) })
	t.Run("Membership_JoinTwiceDeliversOnce", func(t *testing.T) { testJoinTwice(t, factory) })
	t.Run("Membership_Leave", func(t *testing.T) { testLeave(t, factory) })
	t.Run("Membership_ClosedConnSkipped", func(t *testing.T) { testClosedConnSkipped(t, factory) })
	t.Run("Lifecycle_CloseRejectsUse", func(t *testing.T) { testCloseRejectsUse(t, factory) })
}

// Conn is a sessions.Conn that records what it is sent, in encoded form.
type Conn struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	got    []string
	closed bool
}

// NewConn returns a recording Conn.
func NewConn(id string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{id: id, ctx: ctx, cancel: cancel}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Info() sessions.ConnInfo { return sessions.ConnInfo{} }

func (c *Conn) Context() context.Context { return c.ctx }

func (c *Conn) Send(msg string) { c.record(frame.EncodeMessage(msg)) }

func (c *Conn) SendEncoded(encoded string) { c.record(encoded) }

func (c *Conn) Close(int, string) { c.setClosed() }

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) setClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

func (c *Conn) record(encoded string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.got = append(c.got, encoded)
}

// Received returns the JSON-encoded payloads delivered so far.
func (c *Conn) Received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

// sendOnly hides SendEncoded so that the Send path is exercised too.
type sendOnly struct {
	sessions.Conn
}

func encoded(msgs ...string) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = frame.EncodeMessage(m)
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes. Distributed hubs
// deliver asynchronously.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustJoin(t *testing.T, h broadcast.Hub, group string, c sessions.Conn) {
	t.Helper()
	if err := h.Join(context.Background(), group, c); err != nil {
		t.Fatalf("Join(%q): %v", group, err)
	}
}

func mustBroadcast(t *testing.T, h broadcast.Hub, group, msg string) {
	t.Helper()
	if _, err := h.Broadcast(context.Background(), group, msg); err != nil {
		t.Fatalf("Broadcast(%q): %v", group, err)
	}
}

func uniqueGroup(name string) string {
	return name + ":" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

func testReachesAllMembers(t *testing.T, factory HubFactory) {
	h := factory(t)
	defer h.Close()
	group := uniqueGroup("room")

	a, b := NewConn("a"), NewConn("b")
	mustJoin(t, h, group, a)
	mustJoin(t, h, group, sendOnly{b})

	mustBroadcast(t, h, group, `hello "world"`)

	want := encoded(`hello "world"`)
	waitFor(t, "both members", func() bool { return len(a.Received()) == 1 && len(b.Received()) == 1 })
	if got := a.Received(); !reflect.DeepEqual(want, got) {
		t.Fatalf("a: want %v got %v", want, got)
	}
	if got := b.Received(); !reflect.DeepEqual(want, got) {
		t.Fatalf("b: want %v got %v", want, got)
	}
}

func testGroupIsolation(t *testing.T, factory HubFactory) {
	h := factory(t)
	defer h.Close()
	red, blue := uniqueGroup("red"), uniqueGroup("blue")

	a, b := NewConn("a"), NewConn("b")
	mustJoin(t, h, red, a)
	mustJoin(t, h, blue, b)

	mustBroadcast(t, h, red, "for red")
	mustBroadcast(t, h, blue, "for blue")

	waitFor(t, "both groups", func() bool { return len(a.Received()) == 1 && len(b.Received()) == 1 })
	if want, got := encoded("for red"), a.Received(); !reflect.DeepEqual(want, got) {
		t.Fatalf("red: want %v got %v", want, got)
	}
	if want, got := encoded("for blue"), b.Received(); !reflect.DeepEqual(want, got) {
		t.Fatalf("blue: want %v got %v", want, got)
	}
}

func testPerMemberOrder(t *testing.T, factory HubFactory) {
	h := factory(t)
	defer h.Close()
	group := uniqueGroup("ordered")

	a := NewConn("a")
	mustJoin(t, h, group, a)

	var msgs []string
	for i := 0; i < 20; i++ {
		msgs = append(msgs, strconv.Itoa(i))
		mustBroadcast(t, h, group, strconv.Itoa(i))
	}

	waitFor(t, "all messages", func() bool { return len(a.Received()) == len(msgs) })
	if want, got := encoded(msgs...), a.Received(); !reflect.DeepEqual(want, got) {
		t.Fatalf("want %v got %v", want, got)
	}
}

func testJoinTwice(t *testing.T, factory HubFactory) {
	h := factory(t)
	defer h.Close()
	group := uniqueGroup("twice")

	a := NewConn("a")
	mustJoin(t, h, group, a)
	mustJoin(t, h, group, a)

	mustBroadcast(t, h, group, "1")
	mustBroadcast(t, h, group, "2")

	waitFor(t, "second message", func() bool {
		got := a.Received()
		return len(got) > 0 && got[len(got)-1] == frame.EncodeMessage("2")
	})
	if want, got := encoded("1", "2"), a.Received(); !reflect.DeepEqual(want, got) {
		t.Fatalf("want %v got %v", want, got)
	}
}

func testLeave(t *testing.T, factory HubFactory) {
	h := factory(t)
	defer h.Close()
	group := uniqueGroup("leave")

	a, b := NewConn("a"), NewConn("b")
	mustJoin(t, h, group, a)
	mustJoin(t, h, group, b)
	if err := h.Leave(context.Background(), group, b); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	// Leaving a group one is not part of is harmless.
	if err := h.Leave(context.Background(), group, NewConn("c")); err != nil {
		t.Fatalf("Leave non-member: %v", err)
	}

	mustBroadcast(t, h, group, "after leave")

	waitFor(t, "remaining member", func() bool { return len(a.Received()) == 1 })
	mustBroadcast(t, h, group, "marker")
	waitFor(t, "marker", func() bool { return len(a.Received()) == 2 })
	if got := b.Received(); len(got) != 0 {
		t.Fatalf("member that left received %v", got)
	}
}

func testClosedConnSkipped(t *testing.T, factory HubFactory) {
	h := factory(t)
	defer h.Close()
	group := uniqueGroup("closed")

	a, b := NewConn("a"), NewConn("b")
	mustJoin(t, h, group, a)
	mustJoin(t, h, group, sendOnly{b})
	b.Close(frame.CodeGoAway, frame.ReasonGoAway)

	mustBroadcast(t, h, group, "x")
	waitFor(t, "open member", func() bool { return len(a.Received()) == 1 })
	mustBroadcast(t, h, group, "y")
	waitFor(t, "open member", func() bool { return len(a.Received()) == 2 })
	if got := b.Received(); len(got) != 0 {
		t.Fatalf("closed member received %v", got)
	}
}

func testCloseRejectsUse(t *testing.T, factory HubFactory) {
	h := factory(t)
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := h.Broadcast(context.Background(), "g", "x"); !errors.Is(err, broadcast.ErrClosed) {
		t.Fatalf("Broadcast after Close: want ErrClosed got %v", err)
	}
	if err := h.Join(context.Background(), "g", NewConn("a")); !errors.Is(err, broadcast.ErrClosed) {
		t.Fatalf("Join after Close: want ErrClosed got %v", err)
	}
}
