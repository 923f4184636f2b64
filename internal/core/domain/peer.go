package domain

import "time"

// PeerID is the opaque identifier the relay assigns to every connection.
type PeerID string

// SessionState tracks one capture-node session from offer to teardown.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionNegotiating
	SessionConnected
	SessionStreaming
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionNegotiating:
		return "negotiating"
	case SessionConnected:
		return "connected"
	case SessionStreaming:
		return "streaming"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionInfo is a point-in-time view of a capture session.
type SessionInfo struct {
	PeerID    PeerID
	State     SessionState
	Selection *Selection
	CreatedAt time.Time
}
