package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentbus/core/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return repo
}

func testWorkspace(id string) *domain.Workspace {
	now := time.Now()
	return &domain.Workspace{
		WorkspaceID: id,
		Name:        "test workspace",
		Settings:    domain.WorkspaceSettings{MaxSandboxes: 4, DefaultMemoryLimit: 512, DefaultCPULimit: 500},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func testSandbox(id, workspaceID, agentID string) *domain.Sandbox {
	now := time.Now()
	return &domain.Sandbox{
		SandboxID:   id,
		WorkspaceID: workspaceID,
		AgentID:     agentID,
		Config: domain.AgentConfig{
			DisplayName: "agent " + agentID,
			Limits:      domain.ResourceLimits{MemoryLimitMB: 256, CPULimitMilli: 250},
		},
		Health:    domain.HealthHealthy,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestWorkspaceCRUD(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	ws := testWorkspace("ws_1")
	if err := repo.CreateWorkspace(ctx, ws); err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}

	got, err := repo.GetWorkspace(ctx, "ws_1")
	if err != nil {
		t.Fatalf("GetWorkspace: %v", err)
	}
	if got.Name != ws.Name || got.Settings.MaxSandboxes != 4 {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	got.Name = "renamed"
	got.Settings.MaxSandboxes = 8
	if err := repo.UpdateWorkspace(ctx, got); err != nil {
		t.Fatalf("UpdateWorkspace: %v", err)
	}
	got, err = repo.GetWorkspace(ctx, "ws_1")
	if err != nil || got.Name != "renamed" || got.Settings.MaxSandboxes != 8 {
		t.Fatalf("update not persisted: %+v (err=%v)", got, err)
	}

	all, err := repo.ListWorkspaces(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected 1 workspace, got %d (err=%v)", len(all), err)
	}

	if err := repo.DeleteWorkspace(ctx, "ws_1"); err != nil {
		t.Fatalf("DeleteWorkspace: %v", err)
	}
	if _, err := repo.GetWorkspace(ctx, "ws_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestWorkspaceNotFound(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if _, err := repo.GetWorkspace(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetWorkspace: expected ErrNotFound, got %v", err)
	}
	if err := repo.UpdateWorkspace(ctx, testWorkspace("nope")); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateWorkspace: expected ErrNotFound, got %v", err)
	}
	if err := repo.DeleteWorkspace(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteWorkspace: expected ErrNotFound, got %v", err)
	}
}

func TestSandboxLifecycleAndMembership(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateWorkspace(ctx, testWorkspace("ws_1")); err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	if err := repo.CreateSandbox(ctx, testSandbox("sb_1", "ws_1", "agent-a")); err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	if err := repo.CreateSandbox(ctx, testSandbox("sb_2", "ws_1", "agent-b")); err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}

	ok, err := repo.IsAgentInWorkspace(ctx, "ws_1", "agent-a")
	if err != nil || !ok {
		t.Errorf("expected agent-a in ws_1 (ok=%v err=%v)", ok, err)
	}
	ok, err = repo.IsAgentInWorkspace(ctx, "ws_1", "agent-z")
	if err != nil || ok {
		t.Errorf("expected agent-z not in ws_1 (ok=%v err=%v)", ok, err)
	}

	sandboxes, err := repo.ListSandboxes(ctx, "ws_1")
	if err != nil || len(sandboxes) != 2 {
		t.Fatalf("expected 2 sandboxes, got %d (err=%v)", len(sandboxes), err)
	}

	summary, err := repo.GetWorkspaceSummary(ctx, "ws_1")
	if err != nil {
		t.Fatalf("GetWorkspaceSummary: %v", err)
	}
	if summary.SandboxCount != 2 || summary.AgentCount != 2 {
		t.Errorf("summary counts wrong: %+v", summary)
	}

	if err := repo.UpdateSandboxHealth(ctx, "sb_1", domain.HealthDegraded); err != nil {
		t.Fatalf("UpdateSandboxHealth: %v", err)
	}
	sb, err := repo.GetSandbox(ctx, "sb_1")
	if err != nil || sb.Health != domain.HealthDegraded {
		t.Errorf("health not persisted: %+v (err=%v)", sb, err)
	}

	agents, err := repo.ListAgentIDs(ctx)
	if err != nil || len(agents) != 2 {
		t.Fatalf("expected 2 agent ids, got %v (err=%v)", agents, err)
	}

	if err := repo.DeleteSandbox(ctx, "sb_1"); err != nil {
		t.Fatalf("DeleteSandbox: %v", err)
	}
	if _, err := repo.GetSandbox(ctx, "sb_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestUserRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	user := &domain.User{
		UserID:       "user_1",
		Email:        "a@example.com",
		PasswordHash: "$2a$10$fakehash",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := repo.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	byID, err := repo.GetUser(ctx, "user_1")
	if err != nil || byID.Email != "a@example.com" {
		t.Fatalf("GetUser: %+v (err=%v)", byID, err)
	}
	byEmail, err := repo.GetUserByEmail(ctx, "a@example.com")
	if err != nil || byEmail.UserID != "user_1" {
		t.Fatalf("GetUserByEmail: %+v (err=%v)", byEmail, err)
	}
	if byEmail.PasswordHash != user.PasswordHash {
		t.Error("password hash not preserved")
	}

	if err := repo.CreateUser(ctx, user); err == nil {
		t.Error("duplicate email accepted")
	}
	if _, err := repo.GetUserByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMessageAuditLog(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	old := &domain.StoredMessage{
		MessageID:   "msg_old",
		WorkspaceID: "ws_1",
		SandboxID:   "sb_1",
		FromAgent:   "agent-a",
		ToAgent:     "agent-b",
		Kind:        domain.MessageTypeRequest,
		Content:     []byte(`{"hello":1}`),
		CreatedAt:   time.Now().Add(-48 * time.Hour),
	}
	recent := &domain.StoredMessage{
		MessageID:   "msg_new",
		WorkspaceID: "ws_1",
		SandboxID:   "sb_2",
		FromAgent:   "agent-b",
		Kind:        domain.MessageTypeNotification,
		Content:     []byte(`{"n":2}`),
		CreatedAt:   time.Now(),
	}
	for _, msg := range []*domain.StoredMessage{old, recent} {
		if err := repo.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage(%s): %v", msg.MessageID, err)
		}
	}

	got, err := repo.GetMessage(ctx, "msg_old")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.ToAgent != "agent-b" || string(got.Content) != `{"hello":1}` {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	all, err := repo.ListMessages(ctx, "ws_1", "", 10)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 messages, got %d (err=%v)", len(all), err)
	}
	if all[0].MessageID != "msg_new" {
		t.Errorf("expected newest first, got %s", all[0].MessageID)
	}

	bySandbox, err := repo.ListMessages(ctx, "ws_1", "sb_1", 10)
	if err != nil || len(bySandbox) != 1 || bySandbox[0].MessageID != "msg_old" {
		t.Fatalf("sandbox filter wrong: %v (err=%v)", bySandbox, err)
	}

	deleted, err := repo.DeleteMessagesBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil || deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d (err=%v)", deleted, err)
	}
	if _, err := repo.GetMessage(ctx, "msg_old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected old message gone, got %v", err)
	}
}
