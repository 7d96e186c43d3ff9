// Package memorybroadcast is an in-process broadcast.Hub.
package memorybroadcast

import (
	"context"
	"sync"

	"github.com/ggoodman/sockjs-server-go/broadcast"
	"github.com/ggoodman/sockjs-server-go/sessions"
)

var _ broadcast.Hub = (*Hub)(nil)

type member struct {
	stop func() bool
}

// Hub keeps group membership in memory.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[sessions.Conn]member
	closed bool
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{groups: make(map[string]map[sessions.Conn]member)}
}

func (h *Hub) Join(_ context.Context, group string, c sessions.Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return broadcast.ErrClosed
	}
	g, ok := h.groups[group]
	if !ok {
		g = make(map[sessions.Conn]member)
		h.groups[group] = g
	}
	if _, ok := g[c]; ok {
		return nil
	}
	g[c] = member{stop: context.AfterFunc(c.Context(), func() { h.remove(group, c) })}
	return nil
}

func (h *Hub) Leave(_ context.Context, group string, c sessions.Conn) error {
	if m, ok := h.remove(group, c); ok {
		m.stop()
	}
	return nil
}

func (h *Hub) remove(group string, c sessions.Conn) (member, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g := h.groups[group]
	m, ok := g[c]
	if !ok {
		return member{}, false
	}
	delete(g, c)
	if len(g) == 0 {
		delete(h.groups, group)
	}
	return m, true
}

// Broadcast delivers msg to the local members of group.
func (h *Hub) Broadcast(_ context.Context, group, msg string) (int, error) {
	targets, err := h.Members(group)
	if err != nil {
		return 0, err
	}
	return broadcast.Deliver(targets, msg), nil
}

// Members returns a snapshot of the connections in group.
func (h *Hub) Members(group string) ([]sessions.Conn, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, broadcast.ErrClosed
	}
	g := h.groups[group]
	out := make([]sessions.Conn, 0, len(g))
	for c := range g {
		out = append(out, c)
	}
	return out, nil
}

// Close drops every membership.
func (h *Hub) Close() error {
	h.mu.Lock()
	groups := h.groups
	h.groups = make(map[string]map[sessions.Conn]member)
	h.closed = true
	h.mu.Unlock()

	for _, g := range groups {
		for _, m := range g {
			m.stop()
		}
	}
	return nil
}
