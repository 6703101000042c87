package httpapi

import (
	"net/http"
	"testing"

	"github.com/agentbus/core/internal/domain"
)

func TestWorkspaceCRUDOverHTTP(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/workspaces/", "", map[string]interface{}{
		"name":     "team alpha",
		"settings": map[string]int{"max_sandboxes": 3},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}
	var ws domain.Workspace
	decode(t, resp, &ws)
	if ws.WorkspaceID == "" || ws.Name != "team alpha" || ws.Settings.MaxSandboxes != 3 {
		t.Fatalf("unexpected workspace: %+v", ws)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/workspaces/"+ws.WorkspaceID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", resp.StatusCode)
	}
	var summary domain.WorkspaceSummary
	decode(t, resp, &summary)
	if summary.WorkspaceID != ws.WorkspaceID || summary.SandboxCount != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	resp = doJSON(t, http.MethodPut, srv.URL+"/api/workspaces/"+ws.WorkspaceID, "", map[string]interface{}{
		"name": "team beta",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: expected 200, got %d", resp.StatusCode)
	}
	var updated domain.Workspace
	decode(t, resp, &updated)
	if updated.Name != "team beta" {
		t.Errorf("update not applied: %+v", updated)
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/workspaces/"+ws.WorkspaceID, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/workspaces/"+ws.WorkspaceID, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestCreateWorkspaceValidation(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/workspaces/", "", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d", resp.StatusCode)
	}
}

func TestSandboxLimitEnforced(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/workspaces/", "", map[string]interface{}{
		"name":     "small",
		"settings": map[string]int{"max_sandboxes": 1},
	})
	var ws domain.Workspace
	decode(t, resp, &ws)

	base := srv.URL + "/api/workspaces/" + ws.WorkspaceID + "/sandboxes/"
	resp = doJSON(t, http.MethodPost, base, "", map[string]string{"agent_id": "agent-a"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first sandbox: expected 201, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPost, base, "", map[string]string{"agent_id": "agent-b"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second sandbox: expected 409, got %d", resp.StatusCode)
	}
}
