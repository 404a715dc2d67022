package hub

import (
	"context"
	"log/slog"
	"sync"

	"chatrelay/domain"
)

type group struct {
	members map[string]domain.Connection
	mu      sync.RWMutex
}

// Hub is the in-process broadcast fabric.
type Hub struct {
	groups map[string]*group
	mu     sync.RWMutex
}

func New() *Hub {
	return &Hub{
		groups: make(map[string]*group),
	}
}

func (h *Hub) Join(ctx context.Context, conn domain.Connection, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	g, exists := h.groups[sessionID]
	if !exists {
		g = &group{members: make(map[string]domain.Connection)}
		h.groups[sessionID] = g
	}
	// held until the member is added so an emptying Leave cannot drop g first
	g.mu.Lock()
	h.mu.Unlock()

	g.members[conn.ID()] = conn
	count := len(g.members)
	g.mu.Unlock()

	slog.Debug("group joined", "sessionId", sessionID, "connectionId", conn.ID(), "members", count)
	return nil
}

func (h *Hub) Leave(ctx context.Context, conn domain.Connection, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, exists := h.groups[sessionID]
	if !exists {
		return nil
	}

	g.mu.Lock()
	delete(g.members, conn.ID())
	count := len(g.members)
	g.mu.Unlock()

	slog.Debug("group left", "sessionId", sessionID, "connectionId", conn.ID(), "members", count)

	if count == 0 {
		delete(h.groups, sessionID)
		slog.Debug("group removed", "sessionId", sessionID)
	}
	return nil
}

// Notify sends data to every member of sessionID except origin. A nil origin
// reaches every member. Members whose send buffer is full are closed.
func (h *Hub) Notify(_ context.Context, sessionID string, data []byte, origin domain.Connection) error {
	h.mu.RLock()
	g, exists := h.groups[sessionID]
	h.mu.RUnlock()

	if !exists {
		return nil
	}

	var skip string
	if origin != nil {
		skip = origin.ID()
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	for id, conn := range g.members {
		if id == skip {
			continue
		}
		if err := conn.Send(data); err != nil {
			slog.Warn("dropping slow member", "sessionId", sessionID, "connectionId", id, "error", err)
			go func(c domain.Connection) {
				_ = c.Close()
			}(conn)
		}
	}
	return nil
}

// Members returns the number of connections in sessionID.
func (h *Hub) Members(sessionID string) int {
	h.mu.RLock()
	g, exists := h.groups[sessionID]
	h.mu.RUnlock()
	if !exists {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

func (h *Hub) Stats() (sessions, connections int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sessions = len(h.groups)
	for _, g := range h.groups {
		g.mu.RLock()
		connections += len(g.members)
		g.mu.RUnlock()
	}
	return sessions, connections
}

func (h *Hub) Close() error {
	return nil
}
