package sockjshttp

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/ggoodman/sockjs-server-go/internal/frame"
	"github.com/ggoodman/sockjs-server-go/sessions"
)

var _ sessions.Handler = (*httpAdapter)(nil)

// httpAdapter carries session frames over one HTTP response. One-shot
// adapters finish after the first frame; streaming adapters finish once
// their byte budget is spent.
//
// The response writer is only touched while mu is held and before finished
// is set, so nothing is written after ServeHTTP returns.
type httpAdapter struct {
	w        io.Writer
	flusher  http.Flusher
	envelope func(frame.Frame) string
	oneShot  bool

	mu        sync.Mutex
	remaining int
	finished  bool
	done      chan struct{}
}

func newHTTPAdapter(w http.ResponseWriter, envelope func(frame.Frame) string, oneShot bool, limit int) *httpAdapter {
	f, _ := w.(http.Flusher)
	return &httpAdapter{
		w:         w,
		flusher:   f,
		envelope:  envelope,
		oneShot:   oneShot,
		remaining: limit,
		done:      make(chan struct{}),
	}
}

// Deliver writes one enveloped frame. A finished adapter reports finished
// again without writing so the session detaches it.
func (a *httpAdapter) Deliver(f frame.Frame) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return true, nil
	}

	n, err := io.WriteString(a.w, a.envelope(f))
	if err != nil {
		a.finishLocked()
		return true, err
	}
	if a.flusher != nil {
		a.flusher.Flush()
	}

	if a.oneShot {
		a.finishLocked()
		return true, nil
	}
	a.remaining -= n
	if a.remaining <= 0 {
		a.finishLocked()
		return true, nil
	}
	return false, nil
}

func (a *httpAdapter) SessionClosed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finishLocked()
}

// writeRaw writes bytes that are not session frames (preludes). It reports
// false if the adapter has already finished.
func (a *httpAdapter) writeRaw(s string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return false
	}
	if _, err := io.WriteString(a.w, s); err != nil {
		a.finishLocked()
		return false
	}
	if a.flusher != nil {
		a.flusher.Flush()
	}
	return true
}

// abandon marks the adapter finished without writing; used when the client
// went away.
func (a *httpAdapter) abandon() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finishLocked()
}

func (a *httpAdapter) finishLocked() {
	if !a.finished {
		a.finished = true
		close(a.done)
	}
}

// wait blocks until the adapter finished or ctx is done. It reports whether
// the client went away first.
func (a *httpAdapter) wait(ctx context.Context) (abandoned bool) {
	select {
	case <-a.done:
		return false
	case <-ctx.Done():
		a.abandon()
		return true
	}
}
