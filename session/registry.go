// Package session tracks which session each connection belongs to on top of
// the broadcast fabric's group membership.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatrelay/domain"
	"chatrelay/metrics"
)

var ErrNotLoggedOn = errors.New("session: connection has no user")

type Registry struct {
	fabric  domain.Fabric
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewRegistry(fabric domain.Fabric, m *metrics.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{fabric: fabric, metrics: m, logger: logger}
}

// JoinOrCreate moves conn into sessionID. The first join creates the session.
// Any previous session is fully left before the new join is attempted, and a
// failed join leaves the connection without a session.
func (r *Registry) JoinOrCreate(ctx context.Context, conn domain.Connection, sessionID string) error {
	state := conn.State()
	if state.UserID() == "" {
		return ErrNotLoggedOn
	}

	state.Transition.Lock()
	defer state.Transition.Unlock()

	if current := state.SessionID(); current != "" {
		r.clear(ctx, conn, current)
	}

	if err := r.fabric.Join(ctx, conn, sessionID); err != nil {
		r.metrics.SessionTransition(metrics.TransitionJoinFailed)
		r.logger.Error("joinNewSessionRoomError", "error", err, "sessionId", sessionID, "connectionId", conn.ID())
		return fmt.Errorf("join session %q: %w", sessionID, err)
	}

	state.SetSessionID(sessionID)
	r.metrics.SessionTransition(metrics.TransitionJoin)
	r.logger.Info("joinedSession", "userId", state.UserID(), "sessionId", sessionID, "connectionId", conn.ID())
	return nil
}

// ClearSession leaves sessionID and clears the connection's session. It never
// fails; leave errors are logged.
func (r *Registry) ClearSession(ctx context.Context, conn domain.Connection, sessionID string) {
	state := conn.State()
	state.Transition.Lock()
	defer state.Transition.Unlock()

	r.clear(ctx, conn, sessionID)
}

func (r *Registry) clear(ctx context.Context, conn domain.Connection, sessionID string) {
	state := conn.State()
	state.SetSessionID("")

	if err := r.fabric.Leave(ctx, conn, sessionID); err != nil {
		r.logger.Error("leaveSessionError", "error", err, "sessionId", sessionID, "connectionId", conn.ID())
		return
	}
	r.metrics.SessionTransition(metrics.TransitionLeave)
	r.logger.Info("leftSession", "userId", state.UserID(), "sessionId", sessionID, "connectionId", conn.ID())
}

// DeleteConnection releases the connection's state. Called once, on disconnect.
func (r *Registry) DeleteConnection(conn domain.Connection) {
	conn.State().Release()
}

func (r *Registry) Stats() (sessions, connections int) {
	return r.fabric.Stats()
}
