package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentbus/core/internal/auth"
	"github.com/agentbus/core/internal/broker"
	"github.com/agentbus/core/internal/connmgr"
	"github.com/agentbus/core/internal/health"
	"github.com/agentbus/core/internal/pubsub"
	"github.com/agentbus/core/internal/queue"
	"github.com/agentbus/core/internal/router"
	"github.com/agentbus/core/internal/store"
	"github.com/go-chi/chi/v5"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()

	Error(w, http.StatusNotFound, "missing")

	resp := w.Result()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["error"] != "missing" {
		t.Errorf("Expected error=missing, got %v", got["error"])
	}
}

// newTestServer wires a full handler over an in-memory broker and a
// throwaway SQLite database. authSvc may be nil for unauthenticated tests.
func newTestServer(t *testing.T, authSvc *auth.Service) (*httptest.Server, store.Repository, *queue.Manager) {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	client := broker.NewMemoryClient()
	t.Cleanup(func() { _ = client.Close() })
	ps := pubsub.NewManager(client, 50*time.Millisecond)
	qm := queue.NewManager(client, queue.DefaultConfig())
	rt := router.New(ps, qm)
	conns := connmgr.New(connmgr.DefaultConfig())
	prober := health.NewProber(client, health.DefaultConfig())

	h := NewHandler(repo, authSvc, rt, conns, qm, prober)
	r := chi.NewRouter()
	h.RegisterAuthRoutes(r)
	h.RegisterWorkspaceRoutes(r)
	h.RegisterAdminRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, repo, qm
}

func doJSON(t *testing.T, method, url, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
