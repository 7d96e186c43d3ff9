package auth

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/ggoodman/sockjs-server-go/internal/logctx"
	"github.com/ggoodman/sockjs-server-go/sessions"
)

// GuardOption configures Guard.
type GuardOption func(*guard)

// WithTokenArgument sets the query argument carrying the token. Default "token".
func WithTokenArgument(name string) GuardOption {
	return func(g *guard) { g.arg = name }
}

// WithTokenCookie sets the cookie carrying the token. Default "token".
func WithTokenCookie(name string) GuardOption {
	return func(g *guard) { g.cookie = name }
}

// WithGuardLogger sets the logger used to report rejected sessions.
func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(g *guard) { g.log = l }
}

type guard struct {
	authn  Authenticator
	next   sessions.ConnectionFactory
	arg    string
	cookie string
	log    *slog.Logger
}

// Guard wraps next so that sessions are only opened for clients presenting a
// valid token. The token is looked up in the query argument, then the
// cookie, then an "Authorization: Bearer" header. Sessions without a valid
// token are rejected from OnOpen and closed with the default close reason.
//
// The nested connection is created once authentication succeeded and sees
// the user through UserFrom in every callback.
func Guard(authn Authenticator, next sessions.ConnectionFactory, opts ...GuardOption) sessions.ConnectionFactory {
	g := &guard{
		authn:  authn,
		next:   next,
		arg:    "token",
		cookie: "token",
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return func(c sessions.Conn) sessions.Connection {
		return &guardedConn{g: g, c: c}
	}
}

func (g *guard) token(info sessions.ConnInfo) string {
	if tok := info.Argument(g.arg); tok != "" {
		return tok
	}
	if c, ok := info.Cookie(g.cookie); ok && c.Value != "" {
		return c.Value
	}
	if info.Header != nil {
		if h := info.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	return ""
}

var (
	_ sessions.Connection        = (*guardedConn)(nil)
	_ sessions.HeartbeatObserver = (*guardedConn)(nil)
)

type guardedConn struct {
	g *guard
	c sessions.Conn

	mu    sync.Mutex
	user  UserInfo
	inner sessions.Connection
}

func (gc *guardedConn) state() (UserInfo, sessions.Connection) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.user, gc.inner
}

func withUser(ctx context.Context, u UserInfo) context.Context {
	return logctx.WithUserID(WithUser(ctx, u), u.UserID())
}

func (gc *guardedConn) OnOpen(ctx context.Context, info sessions.ConnInfo) bool {
	tok := gc.g.token(info)
	if tok == "" {
		gc.g.log.WarnContext(ctx, "auth.token.missing")
		return false
	}
	u, err := gc.g.authn.CheckAuthentication(ctx, tok)
	if err != nil {
		gc.g.log.WarnContext(ctx, "auth.token.invalid", slog.String("err", err.Error()))
		return false
	}

	inner := gc.g.next(gc.c)
	gc.mu.Lock()
	gc.user, gc.inner = u, inner
	gc.mu.Unlock()

	return inner.OnOpen(withUser(ctx, u), info)
}

func (gc *guardedConn) OnMessage(ctx context.Context, msg string) error {
	u, inner := gc.state()
	if inner == nil {
		return ErrUnauthorized
	}
	return inner.OnMessage(withUser(ctx, u), msg)
}

func (gc *guardedConn) OnClose(ctx context.Context) {
	if u, inner := gc.state(); inner != nil {
		inner.OnClose(withUser(ctx, u))
	}
}

func (gc *guardedConn) OnHeartbeat(ctx context.Context) {
	u, inner := gc.state()
	if ho, ok := inner.(sessions.HeartbeatObserver); ok {
		ho.OnHeartbeat(withUser(ctx, u))
	}
}
