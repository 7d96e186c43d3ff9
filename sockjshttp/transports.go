package sockjshttp

import (
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/ggoodman/sockjs-server-go/internal/frame"
)

const (
	contentTypeJavaScript  = "application/javascript; charset=UTF-8"
	contentTypeEventStream = "text/event-stream; charset=UTF-8"
	contentTypeHTML        = "text/html; charset=UTF-8"
	contentTypePlain       = "text/plain; charset=UTF-8"
)

// xhrStreamingPrelude defeats buffering in browsers that wait for 2KiB
// before exposing a streaming response.
var xhrStreamingPrelude = strings.Repeat("h", 2048) + "\n"

const htmlFileTemplate = `<!doctype html>
<html><head>
  <meta http-equiv="X-UA-Compatible" content="IE=edge" />
  <meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
</head><body><h2>Don't panic!</h2>
  <script>
    document.domain = document.domain;
    var c = parent.%s;
    c.start();
    function p(d) {c.message(d);};
    window.onload = function() {c.stop();};
  </script>`

var callbackRE = regexp.MustCompile(`^[a-zA-Z0-9_.]+$`)

// receiveTransport describes how one server-to-client HTTP transport frames
// its response.
type receiveTransport struct {
	name        string
	contentType string
	oneShot     bool
	cors        bool
	// prelude is written before the session is attached.
	prelude  func(r *http.Request) string
	envelope func(r *http.Request) func(frame.Frame) string
	// needsCallback rejects requests without a valid "c" query argument.
	needsCallback bool
}

var (
	xhrTransport = receiveTransport{
		name:        TransportXHR,
		contentType: contentTypeJavaScript,
		oneShot:     true,
		cors:        true,
		envelope:    func(*http.Request) func(frame.Frame) string { return lineEnvelope },
	}
	xhrStreamingTransport = receiveTransport{
		name:        TransportXHRStreaming,
		contentType: contentTypeJavaScript,
		cors:        true,
		prelude:     func(*http.Request) string { return xhrStreamingPrelude },
		envelope:    func(*http.Request) func(frame.Frame) string { return lineEnvelope },
	}
	eventSourceTransport = receiveTransport{
		name:        TransportEventSource,
		contentType: contentTypeEventStream,
		prelude:     func(*http.Request) string { return "\r\n" },
		envelope: func(*http.Request) func(frame.Frame) string {
			return func(f frame.Frame) string { return "data: " + string(f) + "\r\n\r\n" }
		},
	}
	htmlFileTransport = receiveTransport{
		name:          TransportHTMLFile,
		contentType:   contentTypeHTML,
		needsCallback: true,
		prelude:       htmlFilePrelude,
		envelope: func(*http.Request) func(frame.Frame) string {
			return func(f frame.Frame) string { return "<script>\np(" + frame.Quote(f) + ");\n</script>\r\n" }
		},
	}
	jsonpTransport = receiveTransport{
		name:          TransportJSONP,
		contentType:   contentTypeJavaScript,
		oneShot:       true,
		needsCallback: true,
		envelope: func(r *http.Request) func(frame.Frame) string {
			cb := r.URL.Query().Get("c")
			return func(f frame.Frame) string { return cb + "(" + frame.Quote(f) + ");\r\n" }
		},
	}
)

func lineEnvelope(f frame.Frame) string { return string(f) + "\n" }

// htmlFilePrelude renders the iframe document head, padded past 1KiB so
// that browsers start rendering it immediately.
func htmlFilePrelude(r *http.Request) string {
	head := fmt.Sprintf(htmlFileTemplate, r.URL.Query().Get("c"))
	if pad := 1024 - len(head); pad > 0 {
		head += strings.Repeat(" ", pad)
	}
	return head + "\r\n\r\n"
}

func (h *Handler) handleXHR(w http.ResponseWriter, r *http.Request) {
	h.serveReceive(w, r, xhrTransport)
}

func (h *Handler) handleXHRStreaming(w http.ResponseWriter, r *http.Request) {
	h.serveReceive(w, r, xhrStreamingTransport)
}

func (h *Handler) handleEventSource(w http.ResponseWriter, r *http.Request) {
	h.serveReceive(w, r, eventSourceTransport)
}

func (h *Handler) handleHTMLFile(w http.ResponseWriter, r *http.Request) {
	h.serveReceive(w, r, htmlFileTransport)
}

func (h *Handler) handleJSONP(w http.ResponseWriter, r *http.Request) {
	h.serveReceive(w, r, jsonpTransport)
}

// serveReceive attaches the request to its session and holds the response
// open until the adapter finishes or the client goes away.
func (h *Handler) serveReceive(w http.ResponseWriter, r *http.Request, t receiveTransport) {
	id, ok := sessionID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	ctx := withSession(r.Context(), id, t.name)

	if t.needsCallback {
		cb := r.URL.Query().Get("c")
		if cb == "" {
			writeTextError(w, http.StatusInternalServerError, `"callback" parameter required`)
			h.log.WarnContext(ctx, "transport.callback.missing")
			return
		}
		if !callbackRE.MatchString(cb) {
			writeTextError(w, http.StatusInternalServerError, `invalid "callback" parameter`)
			h.log.WarnContext(ctx, "transport.callback.invalid")
			return
		}
	}

	h.stats.ConnOpened(t.name)
	defer h.stats.ConnClosed(t.name)

	h.setSessionCookie(w, r)
	if t.cors {
		setCORS(w, r)
	}
	setNoCache(w)
	w.Header().Set("Content-Type", t.contentType)
	w.WriteHeader(http.StatusOK)

	limit := h.cfg.ResponseLimit
	a := newHTTPAdapter(w, t.envelope(r), t.oneShot, limit)
	if t.prelude != nil && !a.writeRaw(t.prelude(r)) {
		return
	}

	sess := h.loadOrCreate(ctx, id)
	if !sess.Attach(ctx, a, connInfo(r, t.name), true) {
		h.log.InfoContext(ctx, "transport.attach.rejected")
		return
	}
	h.log.DebugContext(ctx, "transport.attach")

	if a.wait(ctx) {
		sess.Detach(a)
		h.log.DebugContext(ctx, "transport.client.gone")
		return
	}
	h.log.DebugContext(ctx, "transport.finish", slog.String("state", sess.State().String()))
}
