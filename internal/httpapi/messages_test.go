package httpapi

import (
	"context"
	"net/http"
	"testing"

	"github.com/agentbus/core/internal/domain"
)

// seedWorkspace creates a workspace with two sandboxed agents over the API
// and returns (workspaceID, senderSandboxID).
func seedWorkspace(t *testing.T, baseURL string) (string, string) {
	t.Helper()
	resp := doJSON(t, http.MethodPost, baseURL+"/api/workspaces/", "", map[string]interface{}{"name": "w"})
	var ws domain.Workspace
	decode(t, resp, &ws)

	sandboxes := baseURL + "/api/workspaces/" + ws.WorkspaceID + "/sandboxes/"
	resp = doJSON(t, http.MethodPost, sandboxes, "", map[string]string{"agent_id": "agent-a"})
	var sender domain.Sandbox
	decode(t, resp, &sender)
	doJSON(t, http.MethodPost, sandboxes, "", map[string]string{"agent_id": "agent-b"})

	return ws.WorkspaceID, sender.SandboxID
}

func TestSendMessageEnqueuesAndAudits(t *testing.T) {
	srv, repo, qm := newTestServer(t, nil)
	workspaceID, senderID := seedWorkspace(t, srv.URL)

	url := srv.URL + "/api/workspaces/" + workspaceID + "/sandboxes/" + senderID + "/messages"
	resp := doJSON(t, http.MethodPost, url, "", map[string]interface{}{
		"to_agent": "agent-b",
		"content":  map[string]int{"hello": 1},
		"priority": 2,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var audit domain.StoredMessage
	decode(t, resp, &audit)
	if audit.MessageID == "" || audit.FromAgent != "agent-a" || audit.ToAgent != "agent-b" {
		t.Fatalf("unexpected audit row: %+v", audit)
	}

	// Durable path: agent-b's inbox holds one entry with the same id.
	size, err := qm.Size(context.Background(), "agent:agent-b:inbox")
	if err != nil || size.Pending != 1 {
		t.Fatalf("expected 1 pending in recipient inbox, got %+v (err=%v)", size, err)
	}
	pending, err := qm.Pending(context.Background(), "agent:agent-b:inbox")
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending: %v (err=%v)", pending, err)
	}
	if pending[0].MessageID != audit.MessageID {
		t.Errorf("queue entry id %s does not match audit id %s", pending[0].MessageID, audit.MessageID)
	}

	// Audit path: the row is listed for the workspace.
	stored, err := repo.ListMessages(context.Background(), workspaceID, "", 10)
	if err != nil || len(stored) != 1 {
		t.Fatalf("expected 1 stored message, got %d (err=%v)", len(stored), err)
	}
}

func TestSendMessageRejectsNonMember(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	workspaceID, senderID := seedWorkspace(t, srv.URL)

	url := srv.URL + "/api/workspaces/" + workspaceID + "/sandboxes/" + senderID + "/messages"
	resp := doJSON(t, http.MethodPost, url, "", map[string]interface{}{
		"to_agent": "agent-z",
		"content":  map[string]int{"n": 1},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-member recipient, got %d", resp.StatusCode)
	}
}

func TestSendMessageUnknownSandbox(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	workspaceID, _ := seedWorkspace(t, srv.URL)

	url := srv.URL + "/api/workspaces/" + workspaceID + "/sandboxes/sb_missing/messages"
	resp := doJSON(t, http.MethodPost, url, "", map[string]interface{}{
		"to_agent": "agent-b",
		"content":  map[string]int{"n": 1},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown sender sandbox, got %d", resp.StatusCode)
	}
}

func TestBroadcastRejectsForeignSender(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	workspaceID, _ := seedWorkspace(t, srv.URL)

	url := srv.URL + "/api/workspaces/" + workspaceID + "/broadcast"
	resp := doJSON(t, http.MethodPost, url, "", map[string]interface{}{
		"from_agent": "agent-z",
		"content":    map[string]int{"n": 1},
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign sender, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, url, "", map[string]interface{}{
		"from_agent": "agent-a",
		"content":    map[string]int{"n": 1},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 for member sender, got %d", resp.StatusCode)
	}
}

func TestAdminStatsAndQueueSize(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/admin/stats", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", resp.StatusCode)
	}
	var stats map[string]interface{}
	decode(t, resp, &stats)
	if _, ok := stats["session_count"]; !ok {
		t.Error("stats missing session_count")
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/admin/queues/agent-x", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("queue size: expected 200, got %d", resp.StatusCode)
	}
}

func TestBusHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/health/bus", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from healthy in-memory broker, got %d", resp.StatusCode)
	}
	var report map[string]interface{}
	decode(t, resp, &report)
	if report["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", report["status"])
	}
}
