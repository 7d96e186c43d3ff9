package sockjshttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/ggoodman/sockjs-server-go/internal/frame"
	"github.com/ggoodman/sockjs-server-go/internal/heartbeat"
	"github.com/ggoodman/sockjs-server-go/sessions"
)

const wsWriteTimeout = 10 * time.Second

var _ sessions.Handler = (*wsAdapter)(nil)

// wsAdapter carries frames as WebSocket text messages. For raw sessions the
// frames are the application messages themselves.
type wsAdapter struct {
	c   *websocket.Conn
	ctx context.Context
	log *slog.Logger
	// closeStatus picks the status sent when the session closes.
	closeStatus func() (websocket.StatusCode, string)

	mu     sync.Mutex
	closed bool
}

func (a *wsAdapter) Deliver(f frame.Frame) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return true, nil
	}
	ctx, cancel := context.WithTimeout(a.ctx, wsWriteTimeout)
	defer cancel()
	if err := a.c.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
		a.closed = true
		return true, err
	}
	return false, nil
}

// SessionClosed closes the socket. The close handshake waits for the peer,
// so it runs in the background.
func (a *wsAdapter) SessionClosed() {
	if !a.markClosed() {
		return
	}
	code, reason := a.closeStatus()
	go func() {
		if err := a.c.Close(code, reason); err != nil {
			a.log.DebugContext(a.ctx, "websocket.close.fail", slog.String("err", err.Error()))
		}
	}()
}

func (a *wsAdapter) markClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.closed = true
	return true
}

// peerClose maps a read error to the session close reason. Close codes
// reported by the peer are passed through.
func peerClose(err error) (int, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return int(ce.Code), ce.Reason
	}
	return frame.CodeGoAway, frame.ReasonGoAway
}

// wireStatus converts a session close code to one that may be sent in a
// WebSocket close frame.
func wireStatus(code int, reason string) (websocket.StatusCode, string) {
	switch {
	case code == int(websocket.StatusNormalClosure), code >= 3000 && code <= 4999:
		return websocket.StatusCode(code), reason
	default:
		return websocket.StatusNormalClosure, reason
	}
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
}

// handleWebSocket serves the framed WebSocket transport. The socket is the
// session: it is not registered and ends with the connection.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	ctx := withSession(r.Context(), id, TransportWebSocket)

	c, err := h.accept(w, r)
	if err != nil {
		h.log.WarnContext(ctx, "websocket.accept.fail", slog.String("err", err.Error()))
		return
	}
	h.stats.ConnOpened(TransportWebSocket)
	defer h.stats.ConnClosed(TransportWebSocket)

	sess := h.newSession(id)
	a := &wsAdapter{c: c, ctx: ctx, log: h.log}
	a.closeStatus = func() (websocket.StatusCode, string) {
		return websocket.StatusNormalClosure, ""
	}

	if !sess.Attach(ctx, a, connInfo(r, TransportWebSocket), true) {
		return
	}

	code, reason := h.readLoop(ctx, c, func(data []byte) error {
		msgs, err := frame.DecodeMessages(data)
		if errors.Is(err, frame.ErrEmptyPayload) {
			return nil
		}
		if err != nil {
			return err
		}
		return sess.OnMessages(ctx, msgs)
	})

	sess.Detach(a)
	sess.Close(code, reason)
	a.SessionClosed()
}

// handleRawWebSocket serves plain WebSocket clients without SockJS framing.
// Liveness is checked with pings; a peer that fails to answer in time is
// disconnected with 1100 "Heartbeat timeout".
func (h *Handler) handleRawWebSocket(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	ctx := withSession(r.Context(), id, TransportRawWebSocket)

	c, err := h.accept(w, r)
	if err != nil {
		h.log.WarnContext(ctx, "rawwebsocket.accept.fail", slog.String("err", err.Error()))
		return
	}
	h.stats.ConnOpened(TransportRawWebSocket)
	defer h.stats.ConnClosed(TransportRawWebSocket)

	sess := h.newSession(id, sessions.WithRawMessages(), sessions.WithHeartbeatDelay(0))
	a := &wsAdapter{c: c, ctx: ctx, log: h.log}
	a.closeStatus = func() (websocket.StatusCode, string) {
		return wireStatus(sess.CloseReason())
	}

	if !sess.Attach(ctx, a, connInfo(r, TransportRawWebSocket), false) {
		return
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	pings := h.startPings(pingCtx, c.Ping,
		func() { sess.OnHeartbeat(ctx) },
		func(err error) {
			h.log.InfoContext(ctx, "rawwebsocket.heartbeat.timeout", slog.String("err", err.Error()))
			a.markClosed()
			_ = c.CloseNow()
			sess.Close(frame.CodeHeartbeatTimeout, frame.ReasonHeartbeatTimeout)
		},
	)
	defer pings.Stop()

	code, reason := h.readLoop(ctx, c, func(data []byte) error {
		pings.Delay()
		if len(data) == 0 {
			return nil
		}
		return sess.OnMessages(ctx, []string{string(data)})
	})

	pings.Stop()
	stopPing()
	sess.Detach(a)
	sess.Close(code, reason)
	a.SessionClosed()
}

// readLoop reads messages until the connection fails or handle returns an
// error, and reports the close reason for the session. A handler failure
// closes the socket with an error status.
func (h *Handler) readLoop(ctx context.Context, c *websocket.Conn, handle func([]byte) error) (int, string) {
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			code, reason := peerClose(err)
			h.log.DebugContext(ctx, "websocket.read.end", slog.Int("code", code), slog.String("err", err.Error()))
			return code, reason
		}
		if err := handle(data); err != nil {
			h.log.ErrorContext(ctx, "websocket.message.fail", slog.String("err", err.Error()))
			status := websocket.StatusInternalError
			if errors.Is(err, frame.ErrBrokenJSON) {
				status = websocket.StatusUnsupportedData
			}
			_ = c.Close(status, "message handling failed")
			return frame.CodeGoAway, frame.ReasonGoAway
		}
	}
}

// startPings pings the peer after every heartbeat interval without inbound
// traffic. A successful ping calls alive; a failed one stops the pings and
// calls dead. Callers push the next ping back with Delay.
func (h *Handler) startPings(ctx context.Context, ping func(context.Context) error, alive func(), dead func(error)) *heartbeat.Timer {
	var t *heartbeat.Timer
	t = heartbeat.New(h.sched, h.cfg.HeartbeatDelay, func() {
		pctx, cancel := context.WithTimeout(ctx, h.cfg.HeartbeatCheckDelay)
		err := ping(pctx)
		cancel()
		switch {
		case err == nil:
			alive()
		case ctx.Err() != nil:
			t.Stop()
		default:
			t.Stop()
			dead(err)
		}
	})
	t.Start()
	return t
}
