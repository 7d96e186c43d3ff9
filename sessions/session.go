package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/sockjs-server-go/internal/frame"
	"github.com/ggoodman/sockjs-server-go/internal/heartbeat"
	"github.com/ggoodman/sockjs-server-go/scheduler"
)

// ErrCallbackPanic wraps a panic recovered from an application callback.
var ErrCallbackPanic = errors.New("sessions: application callback panicked")

// ErrSessionNotFound is reported by transports addressing an unknown session.
var ErrSessionNotFound = errors.New("sessions: session not found")

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// DefaultHeartbeatDelay is the data-silence interval after which a heartbeat
// frame is sent to an attached handler.
const DefaultHeartbeatDelay = 25 * time.Second

// Option configures a Session.
type Option func(*Session)

// WithScheduler sets the scheduler used for deferred flushes, delayed closes
// and heartbeats.
func WithScheduler(s scheduler.Scheduler) Option {
	return func(sess *Session) { sess.sched = s }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(sess *Session) { sess.log = l }
}

// WithHeartbeatDelay sets the heartbeat interval. Zero disables heartbeats.
func WithHeartbeatDelay(d time.Duration) Option {
	return func(sess *Session) { sess.hbDelay = d }
}

// WithImmediateFlush delivers a message synchronously when a handler is
// attached and nothing is queued, instead of coalescing sends until the next
// scheduler tick.
func WithImmediateFlush(enabled bool) Option {
	return func(sess *Session) { sess.immediate = enabled }
}

// WithRecorder sets the statistics recorder.
func WithRecorder(r Recorder) Option {
	return func(sess *Session) {
		if r != nil {
			sess.rec = r
		}
	}
}

// WithRawMessages makes the session a plain message proxy: no open, close or
// batch frames are produced and each sent message is delivered on its own.
func WithRawMessages() Option {
	return func(sess *Session) { sess.raw = true }
}

// WithContext sets the parent of the session context returned by
// [Session.Context].
func WithContext(ctx context.Context) Option {
	return func(sess *Session) { sess.parent = ctx }
}

type closeReason struct {
	code int
	text string
}

// Session owns one logical client session, independent of the physical
// transport currently carrying it.
type Session struct {
	id        string
	sched     scheduler.Scheduler
	log       *slog.Logger
	rec       Recorder
	hbDelay   time.Duration
	immediate bool
	raw       bool
	parent    context.Context

	conn   Connection
	hb     *heartbeat.Timer
	ctx    context.Context
	cancel context.CancelFunc

	registry atomic.Pointer[Registry]

	// recvMu serializes inbound delivery to the Connection.
	recvMu sync.Mutex

	mu             sync.Mutex
	state          State
	handler        Handler
	queue          []string
	flushScheduled bool
	opened         bool
	closing        bool
	info           ConnInfo
	reason         *closeReason
	// promotePending defers registry promotion until mu is released.
	promotePending bool
}

var (
	_ Conn          = (*Session)(nil)
	_ EncodedSender = (*Session)(nil)
)

// New creates a session in the connecting state. The Connection is built
// immediately by calling factory with the new session.
func New(id string, factory ConnectionFactory, opts ...Option) *Session {
	s := &Session{
		id:      id,
		sched:   scheduler.Real(),
		rec:     nopRecorder{},
		hbDelay: DefaultHeartbeatDelay,
		parent:  context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	s.log = s.log.With(slog.String("session_id", id))
	s.ctx, s.cancel = context.WithCancel(s.parent)
	s.hb = heartbeat.New(s.sched, s.hbDelay, s.heartbeat)
	s.conn = factory(s)
	return s
}

func (s *Session) ID() string { return s.id }

// Context is cancelled once the session has closed.
func (s *Session) Context() context.Context { return s.ctx }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed reports whether the session is closing or closed.
func (s *Session) Closed() bool {
	st := s.State()
	return st == StateClosing || st == StateClosed
}

// Attached reports whether a handler is currently attached.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler != nil
}

// Info returns the connection info recorded on first attach.
func (s *Session) Info() ConnInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// CloseReason returns the sticky close reason. It defaults to
// 3000 "Go away!" when the session closed without an explicit reason or has
// not closed yet.
func (s *Session) CloseReason() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.closeReasonLocked()
	return r.code, r.text
}

func (s *Session) closeReasonLocked() closeReason {
	if s.reason == nil {
		return closeReason{code: frame.CodeGoAway, text: frame.ReasonGoAway}
	}
	return *s.reason
}

// Attach installs h as the session's handler. It returns false when the
// attach is rejected; the rejected handler has then already been sent a
// close frame and finalized.
//
// The first successful attach opens the session: the open frame is delivered
// and OnOpen is invoked with ctx. Later attaches flush any queued messages.
func (s *Session) Attach(ctx context.Context, h Handler, info ConnInfo, startHeartbeat bool) bool {
	s.mu.Lock()
	if s.handler != nil {
		s.mu.Unlock()
		s.log.DebugContext(ctx, "session.attach.conflict")
		s.reject(h, frame.Close(frame.CodeConflict, frame.ReasonAnotherConn))
		return false
	}
	if s.opened && info.RemoteAddr != s.info.RemoteAddr {
		recorded := s.info.RemoteAddr
		s.mu.Unlock()
		s.log.ErrorContext(ctx, "session.attach.ip_mismatch", slog.String("recorded", recorded), slog.String("remote_addr", info.RemoteAddr))
		s.reject(h, frame.Close(frame.CodeConflict, frame.ReasonDifferentIP))
		return false
	}
	if s.state == StateClosing || s.state == StateClosed {
		r := s.closeReasonLocked()
		s.mu.Unlock()
		s.reject(h, frame.Close(r.code, r.text))
		return false
	}

	s.handler = h
	first := !s.opened
	if first {
		s.opened = true
		s.info = info
		s.state = StateOpen
		if !s.raw {
			s.deliverLocked(frame.Open)
		}
	} else {
		s.flushLocked()
	}
	s.promotePending = true
	if startHeartbeat && s.handler == h {
		s.hb.Start()
	}
	s.unlock()

	if first {
		s.rec.SessionOpened(info.Transport)
		if !s.callOnOpen(ctx, info) {
			s.log.InfoContext(ctx, "session.open.rejected")
			s.Close(frame.CodeGoAway, frame.ReasonGoAway)
		}
	}
	return true
}

func (s *Session) reject(h Handler, f frame.Frame) {
	if s.raw {
		h.SessionClosed()
		return
	}
	if _, err := h.Deliver(f); err != nil {
		s.log.Debug("session.reject.deliver.fail", slog.String("err", err.Error()))
	}
	h.SessionClosed()
}

// Detach removes h if it is the attached handler. The session itself stays
// alive so that polling transports can reattach.
func (s *Session) Detach(h Handler) {
	s.mu.Lock()
	defer s.unlock()
	s.detachLocked(h)
}

func (s *Session) detachLocked(h Handler) {
	if s.handler == nil || s.handler != h {
		return
	}
	s.handler = nil
	s.hb.Stop()
	s.promotePending = true
}

// unlock releases mu and then performs any promotion recorded while it was
// held. The session and registry locks are never held together.
func (s *Session) unlock() {
	promote := s.promotePending
	s.promotePending = false
	s.mu.Unlock()
	if promote {
		s.promote()
	}
}

func (s *Session) deliverLocked(f frame.Frame) {
	h := s.handler
	if h == nil {
		return
	}
	finished, err := h.Deliver(f)
	if err != nil {
		s.log.Debug("session.deliver.fail", slog.String("err", err.Error()))
		s.detachLocked(h)
		s.delayedCloseLocked()
		return
	}
	if finished {
		s.detachLocked(h)
	}
}

// Send JSON-encodes msg and queues it for delivery.
func (s *Session) Send(msg string) {
	if s.raw {
		s.sendRaw(msg)
		return
	}
	s.SendEncoded(frame.EncodeMessage(msg))
}

// SendEncoded queues an already JSON-encoded payload.
func (s *Session) SendEncoded(encoded string) {
	s.mu.Lock()
	defer s.unlock()
	if s.state != StateOpen {
		return
	}
	s.rec.PacketsSent(1)

	if s.immediate {
		if s.handler != nil && len(s.queue) == 0 {
			s.deliverLocked(frame.Batch([]string{encoded}))
			s.hb.Delay()
			return
		}
		s.queue = append(s.queue, encoded)
		s.flushLocked()
		return
	}

	s.queue = append(s.queue, encoded)
	if !s.flushScheduled {
		s.flushScheduled = true
		s.sched.Defer(s.Flush)
	}
}

func (s *Session) sendRaw(msg string) {
	s.mu.Lock()
	defer s.unlock()
	if s.state != StateOpen || s.handler == nil {
		return
	}
	s.rec.PacketsSent(1)
	s.deliverLocked(frame.Frame(msg))
}

// Flush delivers every queued message as one batch frame. It is a no-op when
// no handler is attached or nothing is queued.
func (s *Session) Flush() {
	s.mu.Lock()
	defer s.unlock()
	s.flushScheduled = false
	s.flushLocked()
}

func (s *Session) flushLocked() {
	if s.handler == nil || len(s.queue) == 0 {
		return
	}
	f := frame.Batch(s.queue)
	s.queue = nil
	s.deliverLocked(f)
	s.hb.Delay()
}

// Pending returns the number of queued messages.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Session) heartbeat() {
	s.mu.Lock()
	defer s.unlock()
	if s.state != StateOpen || s.handler == nil {
		s.hb.Stop()
		return
	}
	s.deliverLocked(frame.Heartbeat)
}

// Close closes the session. It is idempotent and the first reason given is
// the one clients will see. OnClose is called for sessions that were opened;
// its failures are logged and swallowed.
func (s *Session) Close(code int, reason string) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	if s.reason == nil {
		s.reason = &closeReason{code: code, text: reason}
	}
	opened := s.opened
	transport := s.info.Transport
	s.state = StateClosing
	s.queue = nil
	s.hb.Stop()
	s.mu.Unlock()

	if opened {
		s.callOnClose()
	}

	s.mu.Lock()
	s.state = StateClosed
	h := s.handler
	s.handler = nil
	if h != nil && !s.raw {
		r := s.closeReasonLocked()
		if _, err := h.Deliver(frame.Close(r.code, r.text)); err != nil {
			s.log.Debug("session.close.deliver.fail", slog.String("err", err.Error()))
		}
	}
	// Losing the handler starts the disconnect delay, during which a
	// reattaching client is told why the session closed.
	if h != nil {
		s.promotePending = true
	}
	s.unlock()

	s.cancel()
	if h != nil {
		h.SessionClosed()
	}
	if opened {
		s.rec.SessionClosed(transport)
	}
	s.log.Debug("session.closed", slog.Int("code", s.reason.code), slog.String("reason", s.reason.text))
}

// DelayedClose moves the session to closing and closes it on the next
// scheduler tick. Transports use it when a write fails so that the close
// path is not re-entered from inside the failing write.
func (s *Session) DelayedClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayedCloseLocked()
}

func (s *Session) delayedCloseLocked() {
	if s.state == StateClosed || s.closing {
		return
	}
	s.state = StateClosing
	s.sched.Defer(func() { s.Close(frame.CodeGoAway, frame.ReasonGoAway) })
}

// OnMessages delivers inbound messages to the Connection in order. Delivery
// stops once the session is no longer open. The first callback failure is
// returned, wrapped with [ErrCallbackPanic] if it was a panic; the caller
// decides how to fault its transport.
func (s *Session) OnMessages(ctx context.Context, msgs []string) error {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	for _, msg := range msgs {
		if s.State() != StateOpen {
			return nil
		}
		s.rec.PacketsReceived(1)
		if err := s.callOnMessage(ctx, msg); err != nil {
			s.log.ErrorContext(ctx, "session.on_message.fail", slog.String("err", err.Error()))
			return err
		}
	}
	return nil
}

// OnHeartbeat forwards a liveness acknowledgement to the Connection if it
// implements [HeartbeatObserver].
func (s *Session) OnHeartbeat(ctx context.Context) {
	if o, ok := s.conn.(HeartbeatObserver); ok {
		defer s.recoverCallback(ctx, "on_heartbeat", nil)
		o.OnHeartbeat(ctx)
	}
}

// expire implements registry expiry. An attached, still open session is
// kept alive unless forced; it reports whether the session was closed.
func (s *Session) expire(forced bool) bool {
	s.mu.Lock()
	live := s.handler != nil && s.state != StateClosed && s.state != StateClosing
	s.mu.Unlock()
	if live && !forced {
		return false
	}
	s.Close(frame.CodeGoAway, frame.ReasonGoAway)
	return true
}

func (s *Session) promote() {
	if r := s.registry.Load(); r != nil {
		r.promote(s.id)
	}
}

func (s *Session) callOnOpen(ctx context.Context, info ConnInfo) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "session.callback.panic", slog.String("callback", "on_open"), slog.Any("panic", r))
			accepted = false
		}
	}()
	return s.conn.OnOpen(ctx, info)
}

func (s *Session) callOnMessage(ctx context.Context, msg string) (err error) {
	defer s.recoverCallback(ctx, "on_message", &err)
	return s.conn.OnMessage(ctx, msg)
}

func (s *Session) callOnClose() {
	defer s.recoverCallback(s.ctx, "on_close", nil)
	s.conn.OnClose(s.ctx)
}

func (s *Session) recoverCallback(ctx context.Context, name string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	s.log.ErrorContext(ctx, "session.callback.panic", slog.String("callback", name), slog.Any("panic", r))
	if errp != nil {
		*errp = fmt.Errorf("%w: %s: %v", ErrCallbackPanic, name, r)
	}
}
