package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/agentbus/core/internal/domain"
	"github.com/agentbus/core/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	maxRetries int
	baseDelay  time.Duration
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, maxRetries: 3, baseDelay: 100 * time.Millisecond}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS workspaces (
		workspace_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		max_sandboxes INTEGER NOT NULL DEFAULT 0,
		default_memory_limit_mb INTEGER NOT NULL DEFAULT 0,
		default_cpu_limit_millis INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sandboxes (
		sandbox_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		memory_limit_mb INTEGER NOT NULL DEFAULT 0,
		cpu_limit_millis INTEGER NOT NULL DEFAULT 0,
		health TEXT NOT NULL DEFAULT 'unknown',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sandboxes_workspace ON sandboxes(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_sandboxes_agent ON sandboxes(workspace_id, agent_id);

	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		sandbox_id TEXT NOT NULL,
		from_agent TEXT NOT NULL,
		to_agent TEXT,
		kind TEXT NOT NULL,
		content BLOB,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_workspace ON messages(workspace_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withRetry retries a write that lost a SQLite concurrency race. The
// retention sweep worker and the HTTP handlers write concurrently, so SQLITE_BUSY is
// expected under load even with WAL.
func (s *SQLiteStore) withRetry(op func() error) error {
	var err error
	for i := 0; i < s.maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		delay := s.baseDelay * time.Duration(1<<i)
		slog.Debug("store: write hit SQLite conflict, retrying", "attempt", i+1, "delay", delay)
		time.Sleep(delay)
	}
	return fmt.Errorf("store: write failed after %d attempts: %w", s.maxRetries, err)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateWorkspace inserts a new workspace row.
func (s *SQLiteStore) CreateWorkspace(ctx context.Context, ws *domain.Workspace) error {
	query := `
	INSERT INTO workspaces (workspace_id, name, max_sandboxes, default_memory_limit_mb, default_cpu_limit_millis, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx, query,
			ws.WorkspaceID, ws.Name,
			ws.Settings.MaxSandboxes, ws.Settings.DefaultMemoryLimit, ws.Settings.DefaultCPULimit,
			ws.CreatedAt.Unix(), ws.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert workspace: %w", err)
		}
		return nil
	})
}

func scanWorkspace(row interface{ Scan(...any) error }) (*domain.Workspace, error) {
	var ws domain.Workspace
	var createdAt, updatedAt int64

	err := row.Scan(
		&ws.WorkspaceID, &ws.Name,
		&ws.Settings.MaxSandboxes, &ws.Settings.DefaultMemoryLimit, &ws.Settings.DefaultCPULimit,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workspace row: %w", err)
	}
	ws.CreatedAt = time.Unix(createdAt, 0)
	ws.UpdatedAt = time.Unix(updatedAt, 0)
	return &ws, nil
}

// GetWorkspace retrieves a workspace by id.
func (s *SQLiteStore) GetWorkspace(ctx context.Context, workspaceID string) (*domain.Workspace, error) {
	query := `
		SELECT workspace_id, name, max_sandboxes, default_memory_limit_mb, default_cpu_limit_millis, created_at, updated_at
		FROM workspaces WHERE workspace_id = ?`
	return scanWorkspace(s.db.QueryRowContext(ctx, query, workspaceID))
}

// ListWorkspaces retrieves every workspace, newest first.
func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]*domain.Workspace, error) {
	query := `
		SELECT workspace_id, name, max_sandboxes, default_memory_limit_mb, default_cpu_limit_millis, created_at, updated_at
		FROM workspaces ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query workspaces: %w", err)
	}
	defer closeRows(rows, "workspaces")

	var out []*domain.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return out, nil
}

// UpdateWorkspace updates name and settings of an existing workspace.
func (s *SQLiteStore) UpdateWorkspace(ctx context.Context, ws *domain.Workspace) error {
	query := `
		UPDATE workspaces
		SET name = ?, max_sandboxes = ?, default_memory_limit_mb = ?, default_cpu_limit_millis = ?, updated_at = ?
		WHERE workspace_id = ?`

	return s.withRetry(func() error {
		result, err := s.db.ExecContext(ctx, query,
			ws.Name, ws.Settings.MaxSandboxes, ws.Settings.DefaultMemoryLimit, ws.Settings.DefaultCPULimit,
			time.Now().Unix(), ws.WorkspaceID,
		)
		if err != nil {
			return fmt.Errorf("update workspace: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteWorkspace removes a workspace and its sandboxes.
func (s *SQLiteStore) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	return s.withRetry(func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE workspace_id = ?`, workspaceID)
		if err != nil {
			return fmt.Errorf("delete workspace: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return ErrNotFound
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE workspace_id = ?`, workspaceID); err != nil {
			return fmt.Errorf("delete workspace sandboxes: %w", err)
		}
		return nil
	})
}

// GetWorkspaceSummary returns the workspace with live sandbox/agent counts.
func (s *SQLiteStore) GetWorkspaceSummary(ctx context.Context, workspaceID string) (*domain.WorkspaceSummary, error) {
	ws, err := s.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	query := `SELECT COUNT(*), COUNT(DISTINCT agent_id) FROM sandboxes WHERE workspace_id = ?`
	var summary domain.WorkspaceSummary
	summary.Workspace = *ws
	if err := s.db.QueryRowContext(ctx, query, workspaceID).Scan(&summary.SandboxCount, &summary.AgentCount); err != nil {
		return nil, fmt.Errorf("count sandboxes: %w", err)
	}
	return &summary, nil
}

// CreateSandbox inserts a new sandbox row.
func (s *SQLiteStore) CreateSandbox(ctx context.Context, sb *domain.Sandbox) error {
	query := `
	INSERT INTO sandboxes (sandbox_id, workspace_id, agent_id, display_name, memory_limit_mb, cpu_limit_millis, health, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	health := sb.Health
	if health == "" {
		health = domain.HealthUnknown
	}

	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx, query,
			sb.SandboxID, sb.WorkspaceID, sb.AgentID,
			sb.Config.DisplayName, sb.Config.Limits.MemoryLimitMB, sb.Config.Limits.CPULimitMilli,
			string(health), sb.CreatedAt.Unix(), sb.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert sandbox: %w", err)
		}
		return nil
	})
}

func scanSandbox(row interface{ Scan(...any) error }) (*domain.Sandbox, error) {
	var sb domain.Sandbox
	var health string
	var createdAt, updatedAt int64

	err := row.Scan(
		&sb.SandboxID, &sb.WorkspaceID, &sb.AgentID,
		&sb.Config.DisplayName, &sb.Config.Limits.MemoryLimitMB, &sb.Config.Limits.CPULimitMilli,
		&health, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sandbox row: %w", err)
	}
	sb.Health = domain.HealthStatus(health)
	sb.CreatedAt = time.Unix(createdAt, 0)
	sb.UpdatedAt = time.Unix(updatedAt, 0)
	return &sb, nil
}

// GetSandbox retrieves a sandbox by id.
func (s *SQLiteStore) GetSandbox(ctx context.Context, sandboxID string) (*domain.Sandbox, error) {
	query := `
		SELECT sandbox_id, workspace_id, agent_id, display_name, memory_limit_mb, cpu_limit_millis, health, created_at, updated_at
		FROM sandboxes WHERE sandbox_id = ?`
	return scanSandbox(s.db.QueryRowContext(ctx, query, sandboxID))
}

// ListSandboxes retrieves the sandboxes of one workspace.
func (s *SQLiteStore) ListSandboxes(ctx context.Context, workspaceID string) ([]*domain.Sandbox, error) {
	query := `
		SELECT sandbox_id, workspace_id, agent_id, display_name, memory_limit_mb, cpu_limit_millis, health, created_at, updated_at
		FROM sandboxes WHERE workspace_id = ? ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query sandboxes: %w", err)
	}
	defer closeRows(rows, "sandboxes")

	var out []*domain.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sandboxes: %w", err)
	}
	return out, nil
}

// UpdateSandboxHealth records a sandbox's last-reported health.
func (s *SQLiteStore) UpdateSandboxHealth(ctx context.Context, sandboxID string, health domain.HealthStatus) error {
	query := `UPDATE sandboxes SET health = ?, updated_at = ? WHERE sandbox_id = ?`

	return s.withRetry(func() error {
		result, err := s.db.ExecContext(ctx, query, string(health), time.Now().Unix(), sandboxID)
		if err != nil {
			return fmt.Errorf("update sandbox health: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteSandbox removes a sandbox row.
func (s *SQLiteStore) DeleteSandbox(ctx context.Context, sandboxID string) error {
	return s.withRetry(func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE sandbox_id = ?`, sandboxID)
		if err != nil {
			return fmt.Errorf("delete sandbox: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// IsAgentInWorkspace reports whether agentID has a sandbox in workspaceID.
func (s *SQLiteStore) IsAgentInWorkspace(ctx context.Context, workspaceID, agentID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM sandboxes WHERE workspace_id = ? AND agent_id = ?)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, workspaceID, agentID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check workspace membership: %w", err)
	}
	return exists, nil
}

// ListAgentIDs returns the distinct agent ids across all sandboxes.
func (s *SQLiteStore) ListAgentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT agent_id FROM sandboxes`)
	if err != nil {
		return nil, fmt.Errorf("query agent ids: %w", err)
	}
	defer closeRows(rows, "agent ids")

	var out []string
	for rows.Next() {
		var agentID string
		if err := rows.Scan(&agentID); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		out = append(out, agentID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent ids: %w", err)
	}
	return out, nil
}

// CreateUser inserts a new user row.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, email, password_hash, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)`

	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Email, user.PasswordHash,
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		return nil
	})
}

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var user domain.User
	var createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Email, &user.PasswordHash, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// GetUser retrieves a user by id.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT user_id, email, password_hash, created_at, updated_at FROM users WHERE user_id = ?`
	return scanUser(s.db.QueryRowContext(ctx, query, userID))
}

// GetUserByEmail retrieves a user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT user_id, email, password_hash, created_at, updated_at FROM users WHERE email = ?`
	return scanUser(s.db.QueryRowContext(ctx, query, email))
}

// SaveMessage appends a message-audit row.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *domain.StoredMessage) error {
	query := `
	INSERT INTO messages (message_id, workspace_id, sandbox_id, from_agent, to_agent, kind, content, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	var toAgent any
	if msg.ToAgent != "" {
		toAgent = msg.ToAgent
	}

	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx, query,
			msg.MessageID, msg.WorkspaceID, msg.SandboxID,
			msg.FromAgent, toAgent, string(msg.Kind), msg.Content, msg.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

func scanMessage(row interface{ Scan(...any) error }) (*domain.StoredMessage, error) {
	var msg domain.StoredMessage
	var toAgent sql.NullString
	var kind string
	var createdAt int64

	err := row.Scan(
		&msg.MessageID, &msg.WorkspaceID, &msg.SandboxID,
		&msg.FromAgent, &toAgent, &kind, &msg.Content, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	msg.ToAgent = toAgent.String
	msg.Kind = domain.MessageType(kind)
	msg.CreatedAt = time.Unix(createdAt, 0)
	return &msg, nil
}

// GetMessage retrieves one audit row by message id.
func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*domain.StoredMessage, error) {
	query := `
		SELECT message_id, workspace_id, sandbox_id, from_agent, to_agent, kind, content, created_at
		FROM messages WHERE message_id = ?`
	return scanMessage(s.db.QueryRowContext(ctx, query, messageID))
}

// ListMessages retrieves up to limit audit rows for a workspace, newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, workspaceID, sandboxID string, limit int) ([]*domain.StoredMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT message_id, workspace_id, sandbox_id, from_agent, to_agent, kind, content, created_at
		FROM messages WHERE workspace_id = ?`
	args := []any{workspaceID}
	if sandboxID != "" {
		query += ` AND sandbox_id = ?`
		args = append(args, sandboxID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var out []*domain.StoredMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// DeleteMessagesBefore removes audit rows created before cutoff.
func (s *SQLiteStore) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.withRetry(func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff.Unix())
		if err != nil {
			return fmt.Errorf("delete old messages: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}
