package domain

import "time"

// SessionState is the lifecycle stage of a live connection.
type SessionState string

const (
	SessionConnecting    SessionState = "connecting"
	SessionConnected     SessionState = "connected"
	SessionDisconnecting SessionState = "disconnecting"
	SessionDisconnected  SessionState = "disconnected"
)

// SessionInfo is a read-only snapshot of a session, used for introspection
// (the admin HTTP surface) and for indexing inside the Connection Manager.
// It deliberately excludes the socket itself.
type SessionInfo struct {
	SessionID          string       `json:"session_id"`
	UserID             string       `json:"user_id,omitempty"`
	WorkspaceID        string       `json:"workspace_id,omitempty"`
	AgentID            string       `json:"agent_id,omitempty"`
	Subscriptions      []string     `json:"subscriptions"`
	State              SessionState `json:"state"`
	ConnectedAt        time.Time    `json:"connected_at"`
	LastPingSentAt     time.Time    `json:"last_ping_sent_at,omitempty"`
	LastPongReceivedAt time.Time    `json:"last_pong_received_at,omitempty"`
}
