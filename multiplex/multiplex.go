// Package multiplex runs several independent channels over one session.
//
// Clients tag every message with a channel (topic) name. A "sub" frame opens
// the channel and creates its nested Connection, "msg" frames are forwarded
// to it, and "uns" closes it. Nested connections send through the owning
// session, so their messages share its flush discipline.
package multiplex

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/sockjs-server-go/internal/frame"
	"github.com/ggoodman/sockjs-server-go/sessions"
)

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the logger used to report ignored frames.
func WithLogger(l *slog.Logger) Option {
	return func(m *Multiplexer) { m.log = l }
}

// Multiplexer maps channel names to the factories of their nested
// connections.
type Multiplexer struct {
	channels map[string]sessions.ConnectionFactory
	log      *slog.Logger
}

// New returns a Multiplexer serving the given channels. The map is copied.
func New(channels map[string]sessions.ConnectionFactory, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		channels: make(map[string]sessions.ConnectionFactory, len(channels)),
		log:      slog.Default(),
	}
	for name, f := range channels {
		m.channels[name] = f
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Channels returns the configured channel names in sorted order.
func (m *Multiplexer) Channels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Factory returns the session ConnectionFactory that demultiplexes frames.
func (m *Multiplexer) Factory() sessions.ConnectionFactory {
	return func(c sessions.Conn) sessions.Connection {
		return &conn{m: m, outer: c, open: make(map[string]*channel)}
	}
}

var _ sessions.Connection = (*conn)(nil)

// conn is the per-session demultiplexer.
type conn struct {
	m     *Multiplexer
	outer sessions.Conn

	mu   sync.Mutex
	open map[string]*channel
}

func (c *conn) OnOpen(context.Context, sessions.ConnInfo) bool { return true }

func (c *conn) OnMessage(ctx context.Context, msg string) error {
	f, err := ParseFrame(msg)
	if err != nil {
		c.m.log.WarnContext(ctx, "multiplex.frame.malformed", slog.String("err", err.Error()))
		return nil
	}
	factory, ok := c.m.channels[f.Topic]
	if !ok {
		c.m.log.WarnContext(ctx, "multiplex.channel.unknown", slog.String("topic", f.Topic))
		return nil
	}

	switch f.Type {
	case Subscribe:
		c.subscribe(ctx, f.Topic, factory)
	case Message:
		ch := c.lookup(f.Topic)
		if ch == nil {
			c.m.log.DebugContext(ctx, "multiplex.channel.not_open", slog.String("topic", f.Topic))
			return nil
		}
		if err := ch.conn.OnMessage(ctx, f.Payload); err != nil {
			return fmt.Errorf("channel %q: %w", f.Topic, err)
		}
	case Unsubscribe:
		if ch := c.lookup(f.Topic); ch != nil {
			ch.shutdown(false)
		}
	default:
		c.m.log.WarnContext(ctx, "multiplex.frame.unknown_type", slog.String("type", string(f.Type)), slog.String("topic", f.Topic))
	}
	return nil
}

// OnClose closes every channel that is still open.
func (c *conn) OnClose(context.Context) {
	c.mu.Lock()
	open := make([]*channel, 0, len(c.open))
	for _, ch := range c.open {
		open = append(open, ch)
	}
	c.mu.Unlock()

	for _, ch := range open {
		ch.shutdown(false)
	}
}

func (c *conn) lookup(topic string) *channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open[topic]
}

// subscribe opens a channel. Inbound messages are serialized by the
// session, so only OnClose can race with it.
func (c *conn) subscribe(ctx context.Context, topic string, factory sessions.ConnectionFactory) {
	if c.lookup(topic) != nil {
		return
	}
	ch := &channel{topic: topic, parent: c}
	ch.ctx, ch.cancel = context.WithCancel(c.outer.Context())
	ch.conn = factory(ch)

	c.mu.Lock()
	c.open[topic] = ch
	c.mu.Unlock()

	if !ch.callOnOpen(ctx, c.outer.Info()) {
		ch.Close(frame.CodeGoAway, frame.ReasonGoAway)
	}
}

// callOnOpen treats a panicking OnOpen as a rejection.
func (ch *channel) callOnOpen(ctx context.Context, info sessions.ConnInfo) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			ch.parent.m.log.ErrorContext(ctx, "multiplex.on_open.panic", slog.String("topic", ch.topic), slog.Any("panic", r))
			accepted = false
		}
	}()
	return ch.conn.OnOpen(ctx, info)
}

var _ sessions.Conn = (*channel)(nil)

// channel is the Conn handed to a nested connection.
type channel struct {
	topic  string
	parent *conn
	conn   sessions.Connection

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func (ch *channel) ID() string { return ch.parent.outer.ID() }

func (ch *channel) Info() sessions.ConnInfo { return ch.parent.outer.Info() }

// Context is cancelled when the channel or its session closes.
func (ch *channel) Context() context.Context { return ch.ctx }

func (ch *channel) Closed() bool { return ch.closed.Load() || ch.parent.outer.Closed() }

// Close closes only this channel; the session stays open. The code and
// reason are not sent, clients just see the channel unsubscribed.
func (ch *channel) Close(int, string) { ch.shutdown(true) }

func (ch *channel) Send(msg string) {
	if ch.Closed() {
		return
	}
	ch.parent.outer.Send(Frame{Type: Message, Topic: ch.topic, Payload: msg}.String())
}

// shutdown closes the channel once. notify tells the client with an "uns"
// frame; it is false when the client asked for the close.
func (ch *channel) shutdown(notify bool) {
	if !ch.closed.CompareAndSwap(false, true) {
		return
	}
	c := ch.parent
	c.mu.Lock()
	if c.open[ch.topic] == ch {
		delete(c.open, ch.topic)
	}
	c.mu.Unlock()

	if notify {
		c.outer.Send(Frame{Type: Unsubscribe, Topic: ch.topic}.String())
	}
	ch.callOnClose()
	ch.cancel()
}

func (ch *channel) callOnClose() {
	defer func() {
		if r := recover(); r != nil {
			ch.parent.m.log.ErrorContext(ch.ctx, "multiplex.on_close.panic", slog.String("topic", ch.topic), slog.Any("panic", r))
		}
	}()
	ch.conn.OnClose(ch.ctx)
}
