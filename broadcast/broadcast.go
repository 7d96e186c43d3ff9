// Package broadcast defines a server-owned fan-out registry for session
// connections.
//
// Application code joins connections to named groups and broadcasts to a
// group; the payload is JSON-encoded once and queued on every member, so
// each member keeps its own FIFO order while there is no ordering across
// members. Implementations live in the memorybroadcast (single process)
// and redisbroadcast (multiple nodes) packages.
package broadcast

import (
	"context"
	"errors"

	"github.com/ggoodman/sockjs-server-go/internal/frame"
	"github.com/ggoodman/sockjs-server-go/sessions"
)

// ErrClosed is returned by hubs that have been closed.
var ErrClosed = errors.New("broadcast hub closed")

// Hub tracks group membership and fans messages out to group members.
//
// Members leave automatically once their connection context is done.
type Hub interface {
	// Join adds c to group. Joining twice is a no-op.
	Join(ctx context.Context, group string, c sessions.Conn) error
	// Leave removes c from group.
	Leave(ctx context.Context, group string, c sessions.Conn) error
	// Broadcast sends msg to every member of group. The count reports how
	// many deliveries were handed off: local members for an in-memory hub,
	// subscribed nodes for a distributed one.
	Broadcast(ctx context.Context, group, msg string) (int, error)
	// Close releases the hub. Members are not closed.
	Close() error
}

// Deliver sends msg to every open target, encoding it once when the target
// supports pre-encoded payloads. It returns the number of targets reached.
func Deliver(targets []sessions.Conn, msg string) int {
	var encoded string
	n := 0
	for _, c := range targets {
		if c.Closed() {
			continue
		}
		if es, ok := c.(sessions.EncodedSender); ok {
			if encoded == "" {
				encoded = frame.EncodeMessage(msg)
			}
			es.SendEncoded(encoded)
		} else {
			c.Send(msg)
		}
		n++
	}
	return n
}
