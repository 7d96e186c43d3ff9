package sockjshttp

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/sockjs-server-go/internal/frame"
	"github.com/ggoodman/sockjs-server-go/sessions"
)

// maxSendBody bounds a client-to-server request body.
const maxSendBody = 1 << 20

var formMediaType = contenttype.NewMediaType("application/x-www-form-urlencoded")

func (h *Handler) handleXHRSend(w http.ResponseWriter, r *http.Request) {
	h.setSessionCookie(w, r)
	setCORS(w, r)
	setNoCache(w)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSendBody))
	if err != nil {
		writeTextError(w, http.StatusRequestEntityTooLarge, "Payload too large.")
		return
	}

	if !h.deliverPayload(w, r, "xhr_send", body) {
		return
	}
	w.Header().Set("Content-Type", contentTypePlain)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleJSONPSend(w http.ResponseWriter, r *http.Request) {
	h.setSessionCookie(w, r)
	setNoCache(w)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSendBody))
	if err != nil {
		writeTextError(w, http.StatusRequestEntityTooLarge, "Payload too large.")
		return
	}

	if ctype, err := contenttype.GetMediaType(r); err == nil && ctype.Matches(formMediaType) {
		form, err := url.ParseQuery(string(body))
		if err != nil || !form.Has("d") {
			writeTextError(w, http.StatusInternalServerError, "Payload expected.")
			return
		}
		body = []byte(form.Get("d"))
	}

	if !h.deliverPayload(w, r, "jsonp_send", body) {
		return
	}
	w.Header().Set("Content-Type", contentTypePlain)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

// deliverPayload decodes a client message batch and hands it to the
// session. It writes the error response itself and reports false on
// failure. A malformed body leaves the session untouched.
func (h *Handler) deliverPayload(w http.ResponseWriter, r *http.Request, name string, body []byte) bool {
	id, ok := sessionID(r)
	if !ok {
		http.NotFound(w, r)
		return false
	}
	ctx := withSession(r.Context(), id, name)

	sess, ok := h.registry.Get(id)
	if !ok {
		http.NotFound(w, r)
		h.log.InfoContext(ctx, "send.session.miss", slog.String("err", sessions.ErrSessionNotFound.Error()))
		return false
	}

	msgs, err := frame.DecodeMessages(body)
	switch {
	case errors.Is(err, frame.ErrEmptyPayload):
		writeTextError(w, http.StatusInternalServerError, "Payload expected.")
		h.log.WarnContext(ctx, "send.payload.empty")
		return false
	case err != nil:
		writeTextError(w, http.StatusInternalServerError, "Broken JSON encoding.")
		h.log.WarnContext(ctx, "send.json.fail", slog.String("err", err.Error()))
		return false
	}

	if err := sess.OnMessages(ctx, msgs); err != nil {
		writeTextError(w, http.StatusInternalServerError, "Message handling failed.")
		return false
	}
	return true
}
