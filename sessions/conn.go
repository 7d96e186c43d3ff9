package sessions

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ggoodman/sockjs-server-go/internal/frame"
)

// Connection is implemented by application code. One Connection is created
// per Session through a [ConnectionFactory].
//
// Callbacks are never invoked while the session holds its lock, so they may
// freely call back into the [Conn] they were created with.
type Connection interface {
	// OnOpen is called once, right after the open frame was delivered.
	// Returning false rejects the session, which is then closed with the
	// default close reason.
	OnOpen(ctx context.Context, info ConnInfo) bool
	// OnMessage is called for every inbound message, in order. A returned
	// error (or a panic) is treated as a transport fault.
	OnMessage(ctx context.Context, msg string) error
	// OnClose is called once when an opened session closes.
	OnClose(ctx context.Context)
}

// HeartbeatObserver may be implemented by a Connection to learn about
// liveness acknowledgements on transports that support them (raw
// WebSocket pongs).
type HeartbeatObserver interface {
	OnHeartbeat(ctx context.Context)
}

// Base provides no-op OnOpen and OnClose implementations for embedding.
type Base struct{}

func (Base) OnOpen(context.Context, ConnInfo) bool { return true }
func (Base) OnClose(context.Context)               {}

// MessageFunc adapts a plain function to a Connection that accepts every
// session and ignores close.
type MessageFunc func(ctx context.Context, msg string) error

func (MessageFunc) OnOpen(context.Context, ConnInfo) bool { return true }
func (MessageFunc) OnClose(context.Context)               {}

func (f MessageFunc) OnMessage(ctx context.Context, msg string) error { return f(ctx, msg) }

// Conn is the application's handle to its session.
type Conn interface {
	ID() string
	// Info returns the connection info recorded on first attach.
	Info() ConnInfo
	// Send queues msg for delivery. Messages sent to a session that is not
	// open are silently dropped.
	Send(msg string)
	// Close closes the session. Only the first close reason is kept.
	Close(code int, reason string)
	// Closed reports whether the session is closing or closed.
	Closed() bool
	// Context is cancelled once the session has closed.
	Context() context.Context
}

// EncodedSender is implemented by Conns that accept pre-encoded JSON
// payloads, letting a broadcaster encode a message once for many targets.
type EncodedSender interface {
	SendEncoded(encoded string)
}

// ConnectionFactory creates the application Connection bound to c.
type ConnectionFactory func(c Conn) Connection

// Handler is the session side of a transport adapter.
//
// Deliver is called with the session lock held and must not call back into
// the Session. It reports finished=true when the adapter has finalized its
// physical response (one-shot transports, or a streaming transport that hit
// its byte quota); the session then detaches it. A non-nil error means the
// peer is gone; the session detaches the handler and schedules a close.
//
// SessionClosed is called without the lock after the session closed. It must
// finalize the physical channel and tolerate being called more than once.
type Handler interface {
	Deliver(f frame.Frame) (finished bool, err error)
	SessionClosed()
}

// ConnInfo describes the physical connection that opened a session.
type ConnInfo struct {
	// RemoteAddr is the client IP without a port.
	RemoteAddr string
	Cookies    []*http.Cookie
	Query      url.Values
	Header     http.Header
	// Transport is the name of the transport that opened the session.
	Transport string
}

// Argument returns the first query argument named name.
func (i ConnInfo) Argument(name string) string {
	if i.Query == nil {
		return ""
	}
	return i.Query.Get(name)
}

// Cookie returns the named cookie, if the client sent it.
func (i ConnInfo) Cookie(name string) (*http.Cookie, bool) {
	for _, c := range i.Cookies {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Recorder receives session statistics. See the stats package for a
// Prometheus implementation.
type Recorder interface {
	SessionOpened(transport string)
	SessionClosed(transport string)
	PacketsSent(n int)
	PacketsReceived(n int)
}

type nopRecorder struct{}

func (nopRecorder) SessionOpened(string) {}
func (nopRecorder) SessionClosed(string) {}
func (nopRecorder) PacketsSent(int)      {}
func (nopRecorder) PacketsReceived(int)  {}
