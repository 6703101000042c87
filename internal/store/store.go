// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentbus/core/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Repository defines the interface for persisting workspace, sandbox,
// user, and message-audit data.
type Repository interface {
	// CreateWorkspace inserts a new workspace row.
	CreateWorkspace(ctx context.Context, ws *domain.Workspace) error

	// GetWorkspace retrieves a workspace by id, or ErrNotFound.
	GetWorkspace(ctx context.Context, workspaceID string) (*domain.Workspace, error)

	// ListWorkspaces retrieves every workspace, newest first.
	ListWorkspaces(ctx context.Context) ([]*domain.Workspace, error)

	// UpdateWorkspace updates name and settings of an existing workspace.
	UpdateWorkspace(ctx context.Context, ws *domain.Workspace) error

	// DeleteWorkspace removes a workspace and its sandboxes.
	DeleteWorkspace(ctx context.Context, workspaceID string) error

	// GetWorkspaceSummary returns the workspace with live sandbox/agent counts.
	GetWorkspaceSummary(ctx context.Context, workspaceID string) (*domain.WorkspaceSummary, error)

	// CreateSandbox inserts a new sandbox row.
	CreateSandbox(ctx context.Context, sb *domain.Sandbox) error

	// GetSandbox retrieves a sandbox by id, or ErrNotFound.
	GetSandbox(ctx context.Context, sandboxID string) (*domain.Sandbox, error)

	// ListSandboxes retrieves the sandboxes of one workspace.
	ListSandboxes(ctx context.Context, workspaceID string) ([]*domain.Sandbox, error)

	// UpdateSandboxHealth records a sandbox's last-reported health.
	UpdateSandboxHealth(ctx context.Context, sandboxID string, health domain.HealthStatus) error

	// DeleteSandbox removes a sandbox row.
	DeleteSandbox(ctx context.Context, sandboxID string) error

	// IsAgentInWorkspace reports whether agentID has a sandbox registered in
	// workspaceID. The messaging surface consults this before accepting a send.
	IsAgentInWorkspace(ctx context.Context, workspaceID, agentID string) (bool, error)

	// ListAgentIDs returns the distinct agent ids across all sandboxes.
	ListAgentIDs(ctx context.Context) ([]string, error)

	// CreateUser inserts a new user row.
	CreateUser(ctx context.Context, user *domain.User) error

	// GetUser retrieves a user by id, or ErrNotFound.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// GetUserByEmail retrieves a user by email, or ErrNotFound.
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)

	// SaveMessage appends a message-audit row.
	SaveMessage(ctx context.Context, msg *domain.StoredMessage) error

	// GetMessage retrieves one audit row by message id, or ErrNotFound.
	GetMessage(ctx context.Context, messageID string) (*domain.StoredMessage, error)

	// ListMessages retrieves up to limit audit rows for a workspace, newest
	// first. sandboxID narrows to one sender when non-empty.
	ListMessages(ctx context.Context, workspaceID, sandboxID string, limit int) ([]*domain.StoredMessage, error)

	// DeleteMessagesBefore removes audit rows created before cutoff.
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
