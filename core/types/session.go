package types

import "time"

type SessionStatus string

const (
	SessionStatusActive        SessionStatus = "active"
	SessionStatusNeedsHuman    SessionStatus = "needs_human"
	SessionStatusAgentAssigned SessionStatus = "agent_assigned"
	SessionStatusClosed        SessionStatus = "closed"
)

// Session is one visitor conversation. The in-memory copy held by the
// session state store is authoritative; the document store is written
// asynchronously behind it.
type Session struct {
	ID              string            `json:"id"`
	Status          SessionStatus     `json:"status"`
	AssignedAgentID string            `json:"assignedAgentId,omitempty"`
	AIPaused        bool              `json:"aiPaused"`
	Resolution      string            `json:"resolution,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	StartedAt       time.Time         `json:"startedAt"`
	LastActivityAt  time.Time         `json:"lastActivityAt"`
}

// CanTransition reports whether the status may move to the given one.
// The graph only moves forward: active -> {needs_human, agent_assigned,
// closed}, needs_human -> {agent_assigned, closed},
// agent_assigned -> closed. Nothing leaves closed.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	if s == to {
		return false
	}
	switch s {
	case SessionStatusActive:
		return to == SessionStatusNeedsHuman || to == SessionStatusAgentAssigned || to == SessionStatusClosed
	case SessionStatusNeedsHuman:
		return to == SessionStatusAgentAssigned || to == SessionStatusClosed
	case SessionStatusAgentAssigned:
		return to == SessionStatusClosed
	}
	return false
}

func (s *Session) Closed() bool {
	return s.Status == SessionStatusClosed
}
