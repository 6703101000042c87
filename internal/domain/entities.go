package domain

import "time"

// Workspace is a named grouping of agents — the unit of broadcast.
type Workspace struct {
	WorkspaceID string            `json:"workspace_id"`
	Name        string            `json:"name"`
	Settings    WorkspaceSettings `json:"settings"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// WorkspaceSettings bounds how many sandboxes a workspace may host and what
// they default to; it does not drive any container orchestration.
type WorkspaceSettings struct {
	MaxSandboxes       int `json:"max_sandboxes"`
	DefaultMemoryLimit int `json:"default_memory_limit_mb"`
	DefaultCPULimit    int `json:"default_cpu_limit_millis"`
}

// WorkspaceSummary adds live counts derived from the store, not the
// connection manager — "active" here means "has a sandbox row", not
// "has a live session".
type WorkspaceSummary struct {
	Workspace
	SandboxCount int `json:"sandbox_count"`
	AgentCount   int `json:"agent_count"`
}

// Sandbox is metadata about one externally-hosted agent environment. This
// repository never drives the sandbox's actual container lifecycle — it
// records the agent's declared configuration and last-known health.
type Sandbox struct {
	SandboxID   string       `json:"sandbox_id"`
	WorkspaceID string       `json:"workspace_id"`
	AgentID     string       `json:"agent_id"`
	Config      AgentConfig  `json:"config"`
	Health      HealthStatus `json:"health"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// AgentConfig is the declared shape of a sandboxed agent, as reported by
// whoever provisioned it. ResourceLimits are descriptive only.
type AgentConfig struct {
	DisplayName string         `json:"display_name"`
	Limits      ResourceLimits `json:"limits"`
}

// ResourceLimits describes resource bounds the external sandbox host is
// expected to enforce; this repository never enforces them itself.
type ResourceLimits struct {
	MemoryLimitMB int `json:"memory_limit_mb"`
	CPULimitMilli int `json:"cpu_limit_millis"`
}

// HealthStatus is the last-reported liveness of a sandbox or the broker.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// User is a registered identity that can authenticate and bind a session to
// an agent_id.
type User struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StoredMessage is the persisted audit record of a message sent through the
// HTTP surface, independent of its live queue/pub-sub delivery.
type StoredMessage struct {
	MessageID   string      `json:"message_id"`
	WorkspaceID string      `json:"workspace_id"`
	SandboxID   string      `json:"sandbox_id"`
	FromAgent   string      `json:"from_agent"`
	ToAgent     string      `json:"to_agent,omitempty"`
	Kind        MessageType `json:"kind"`
	Content     []byte      `json:"content"`
	CreatedAt   time.Time   `json:"created_at"`
}
