package sockjshttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ggoodman/sockjs-server-go/internal/logctx"
	"github.com/ggoodman/sockjs-server-go/scheduler"
	"github.com/ggoodman/sockjs-server-go/sessions"
)

var _ http.Handler = (*Handler)(nil)

const sessionCookieName = "JSESSIONID"

// Stats receives session and connection statistics. The stats package
// provides a Prometheus implementation.
type Stats interface {
	sessions.Recorder
	ConnOpened(transport string)
	ConnClosed(transport string)
}

type nopStats struct{}

func (nopStats) SessionOpened(string) {}
func (nopStats) SessionClosed(string) {}
func (nopStats) PacketsSent(int)      {}
func (nopStats) PacketsReceived(int)  {}
func (nopStats) ConnOpened(string)    {}
func (nopStats) ConnClosed(string)    {}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	cfg    *Config
	logger *slog.Logger
	sched  scheduler.Scheduler
	stats  Stats
}

// WithConfig replaces the default configuration. Zero fields take their
// defaults.
func WithConfig(cfg Config) Option {
	return func(c *newConfig) { c.cfg = &cfg }
}

// WithLogger sets the slog logger used by the handler and its sessions.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithScheduler sets the scheduler driving flushes, heartbeats and the
// registry sweep.
func WithScheduler(s scheduler.Scheduler) Option {
	return func(c *newConfig) { c.sched = s }
}

// WithStats sets the statistics sink.
func WithStats(s Stats) Option {
	return func(c *newConfig) { c.stats = s }
}

// Handler serves the SockJS HTTP and WebSocket transports.
type Handler struct {
	cfg      Config
	mux      *http.ServeMux
	log      *slog.Logger
	sched    scheduler.Scheduler
	stats    Stats
	factory  sessions.ConnectionFactory
	registry *sessions.Registry
	baseCtx  context.Context
	origins  []string
}

// New builds a Handler that creates one application Connection per session
// through factory. The registry sweep runs until ctx is done, at which point
// every remaining session is closed.
func New(ctx context.Context, factory sessions.ConnectionFactory, opts ...Option) (*Handler, error) {
	if factory == nil {
		return nil, fmt.Errorf("connection factory is required")
	}

	nc := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(nc)
	}
	cfg := DefaultConfig()
	if nc.cfg != nil {
		cfg = *nc.cfg
	}
	cfg = cfg.withDefaults()
	if strings.ContainsAny(cfg.Prefix, "{}") {
		return nil, fmt.Errorf("invalid prefix %q", cfg.Prefix)
	}
	if nc.sched == nil {
		nc.sched = scheduler.Real()
	}
	if nc.stats == nil {
		nc.stats = nopStats{}
	}

	h := &Handler{
		cfg:     cfg,
		log:     logctx.Wrap(nc.logger),
		sched:   nc.sched,
		stats:   nc.stats,
		factory: factory,
		baseCtx: context.WithoutCancel(ctx),
		origins: cfg.originPatterns(),
	}
	h.registry = sessions.NewRegistry(
		sessions.WithDisconnectDelay(cfg.DisconnectDelay),
		sessions.WithRegistryScheduler(h.sched),
		sessions.WithRegistryLogger(h.log),
	)
	go func() {
		if err := h.registry.Run(ctx, cfg.SessionCheckInterval); err != nil && !errors.Is(err, context.Canceled) {
			h.log.Error("registry.run.fail", slog.String("err", err.Error()))
		}
	}()

	h.mux = h.routes()
	return h, nil
}

// Registry exposes the session registry, e.g. for administrative removal.
func (h *Handler) Registry() *sessions.Registry { return h.registry }

// Prefix returns the normalized mount path.
func (h *Handler) Prefix() string { return h.cfg.Prefix }

func (h *Handler) routes() *http.ServeMux {
	disabled := h.cfg.disabled()
	p := h.cfg.Prefix
	mux := http.NewServeMux()

	sess := func(transport string) string {
		return fmt.Sprintf("%s/{server}/{session}/%s", p, transport)
	}

	if !disabled[TransportWebSocket] {
		mux.HandleFunc("GET "+sess(TransportWebSocket), h.handleWebSocket)
	}
	if !disabled[TransportRawWebSocket] && !disabled[TransportWebSocket] {
		mux.HandleFunc(fmt.Sprintf("GET %s/websocket", p), h.handleRawWebSocket)
	}
	if !disabled[TransportXHR] {
		mux.HandleFunc("POST "+sess("xhr"), h.handleXHR)
		mux.HandleFunc("OPTIONS "+sess("xhr"), h.handlePreflight("OPTIONS, POST"))
		mux.HandleFunc("POST "+sess("xhr_send"), h.handleXHRSend)
		mux.HandleFunc("OPTIONS "+sess("xhr_send"), h.handlePreflight("OPTIONS, POST"))
	}
	if !disabled[TransportXHRStreaming] {
		mux.HandleFunc("POST "+sess("xhr_streaming"), h.handleXHRStreaming)
		mux.HandleFunc("OPTIONS "+sess("xhr_streaming"), h.handlePreflight("OPTIONS, POST"))
		if disabled[TransportXHR] {
			mux.HandleFunc("POST "+sess("xhr_send"), h.handleXHRSend)
			mux.HandleFunc("OPTIONS "+sess("xhr_send"), h.handlePreflight("OPTIONS, POST"))
		}
	}
	if !disabled[TransportEventSource] {
		mux.HandleFunc("GET "+sess("eventsource"), h.handleEventSource)
	}
	if !disabled[TransportHTMLFile] {
		mux.HandleFunc("GET "+sess("htmlfile"), h.handleHTMLFile)
	}
	if !disabled[TransportJSONP] {
		mux.HandleFunc("GET "+sess("jsonp"), h.handleJSONP)
		mux.HandleFunc("POST "+sess("jsonp_send"), h.handleJSONPSend)
	}
	return mux
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// sessionID extracts and validates the {server} and {session} path
// segments. Neither may be empty or contain a dot.
func sessionID(r *http.Request) (string, bool) {
	server, id := r.PathValue("server"), r.PathValue("session")
	if server == "" || id == "" || strings.Contains(server, ".") || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

func (h *Handler) newSession(id string, extra ...sessions.Option) *sessions.Session {
	opts := []sessions.Option{
		sessions.WithScheduler(h.sched),
		sessions.WithLogger(h.log),
		sessions.WithHeartbeatDelay(h.cfg.HeartbeatDelay),
		sessions.WithImmediateFlush(h.cfg.ImmediateFlush),
		sessions.WithRecorder(h.stats),
		sessions.WithContext(h.baseCtx),
	}
	return sessions.New(id, h.factory, append(opts, extra...)...)
}

func (h *Handler) loadOrCreate(ctx context.Context, id string) *sessions.Session {
	sess, created := h.registry.LoadOrCreate(id, func() *sessions.Session { return h.newSession(id) })
	if created {
		h.log.DebugContext(ctx, "session.create")
	}
	return sess
}

func withSession(ctx context.Context, id, transport string) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Transport: transport})
}

func connInfo(r *http.Request, transport string) sessions.ConnInfo {
	return sessions.ConnInfo{
		RemoteAddr: remoteIP(r.RemoteAddr),
		Cookies:    r.Cookies(),
		Query:      r.URL.Query(),
		Header:     r.Header.Clone(),
		Transport:  transport,
	}
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func setNoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, no-transform, must-revalidate, max-age=0")
}

// setCORS allows the requesting origin with credentials, or any origin when
// the request carries none.
func setCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	if origin != "*" {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Add("Vary", "Origin")
	}
	if hdrs := r.Header.Get("Access-Control-Request-Headers"); hdrs != "" {
		w.Header().Set("Access-Control-Allow-Headers", hdrs)
	}
}

// setSessionCookie echoes JSESSIONID so that sticky load balancers keep a
// client on one node.
func (h *Handler) setSessionCookie(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.SessionCookie {
		return
	}
	value := "dummy"
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		value = c.Value
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: value, Path: "/"})
}

func (h *Handler) handlePreflight(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.setSessionCookie(w, r)
		setCORS(w, r)
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.Header().Set("Access-Control-Max-Age", "31536000")
		w.Header().Set("Cache-Control", "public, max-age=31536000")
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeTextError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
