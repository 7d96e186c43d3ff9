// Package frame encodes and decodes the SockJS wire frames exchanged between
// a session and its client.
//
//	o                  open
//	h                  heartbeat
//	c[<code>,"<text>"] close
//	a[<json>,...]      message batch
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Frame is one encoded protocol frame, ready to be wrapped by a transport
// envelope.
type Frame string

const (
	// Open is sent once, when the session transitions to open.
	Open Frame = "o"
	// Heartbeat is a liveness probe.
	Heartbeat Frame = "h"
)

// Close codes used by the server.
const (
	CodeGoAway           = 3000
	CodeConflict         = 2010
	CodeHeartbeatTimeout = 1100
)

// Close reasons paired with the codes above.
const (
	ReasonGoAway           = "Go away!"
	ReasonAnotherConn      = "Another connection still open"
	ReasonDifferentIP      = "Attempted to connect to session from different IP"
	ReasonHeartbeatTimeout = "Heartbeat timeout"
)

var (
	// ErrEmptyPayload is returned when a client sends an empty body.
	ErrEmptyPayload = errors.New("payload expected")
	// ErrBrokenJSON is returned when a client body is not a JSON string or
	// an array of JSON strings.
	ErrBrokenJSON = errors.New("broken JSON encoding")
)

// Close builds a close frame. The reason is JSON quoted so arbitrary text
// cannot break the frame.
func Close(code int, reason string) Frame {
	b, err := json.Marshal([]any{code, reason})
	if err != nil {
		// Marshalling an int and a string cannot fail.
		panic(err)
	}
	return Frame("c" + string(b))
}

// Batch builds a message frame from already JSON-encoded payloads, keeping
// their order.
func Batch(encoded []string) Frame {
	var sb strings.Builder
	n := 3
	for _, e := range encoded {
		n += len(e) + 1
	}
	sb.Grow(n)
	sb.WriteString("a[")
	for i, e := range encoded {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(e)
	}
	sb.WriteByte(']')
	return Frame(sb.String())
}

// EncodeMessage JSON-encodes a single application message for the outbound
// queue.
func EncodeMessage(msg string) string {
	b, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// Quote JSON-encodes a frame so it can be embedded in a script or a JSONP
// callback invocation.
func Quote(f Frame) string {
	return EncodeMessage(string(f))
}

// DecodeMessages parses a client payload. Clients send a JSON array of
// strings; a bare JSON string is accepted as a single message. A null
// payload or element is broken JSON.
func DecodeMessages(body []byte) ([]string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrEmptyPayload
	}

	if body[0] == '[' {
		var raw []*string
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, errors.Join(ErrBrokenJSON, err)
		}
		msgs := make([]string, len(raw))
		for i, m := range raw {
			if m == nil {
				return nil, ErrBrokenJSON
			}
			msgs[i] = *m
		}
		return msgs, nil
	}

	var msg *string
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, errors.Join(ErrBrokenJSON, err)
	}
	if msg == nil {
		return nil, ErrBrokenJSON
	}
	return []string{*msg}, nil
}
