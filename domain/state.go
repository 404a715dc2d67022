package domain

import "sync"

// Phase is the lifecycle position of a connection.
type Phase int

const (
	PhaseConnected Phase = iota
	PhaseAuthenticated
	PhaseInSession
	PhaseDisconnected
)

func (p Phase) String() string {
	switch p {
	case PhaseConnected:
		return "connected"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseInSession:
		return "inSession"
	case PhaseDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Identity is a point-in-time copy of a connection's user and session.
type Identity struct {
	UserID    string
	SessionID string
}

// ConnectionState is the per-connection record owned by the transport.
// Transition serialises session-mutating operations for the connection.
type ConnectionState struct {
	Transition sync.Mutex

	mu           sync.RWMutex
	userID       string
	sessionID    string
	disconnected bool
}

func NewConnectionState() *ConnectionState {
	return &ConnectionState{}
}

func (s *ConnectionState) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Identity{UserID: s.userID, SessionID: s.sessionID}
}

func (s *ConnectionState) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *ConnectionState) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

func (s *ConnectionState) SetUserID(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

func (s *ConnectionState) SetSessionID(sessionID string) {
	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()
}

// Release clears identity and marks the connection as gone.
func (s *ConnectionState) Release() {
	s.mu.Lock()
	s.userID = ""
	s.sessionID = ""
	s.disconnected = true
	s.mu.Unlock()
}

func (s *ConnectionState) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.disconnected:
		return PhaseDisconnected
	case s.userID == "":
		return PhaseConnected
	case s.sessionID == "":
		return PhaseAuthenticated
	default:
		return PhaseInSession
	}
}
