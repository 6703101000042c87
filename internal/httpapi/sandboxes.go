package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentbus/core/internal/domain"
	"github.com/agentbus/core/internal/store"
	"github.com/go-chi/chi/v5"
)

// registerSandboxRoutes nests sandbox CRUD under a workspace. Sandboxes
// here are metadata rows: the bus tracks which agents a workspace hosts
// and their declared shape, never the underlying container.
func (h *Handler) registerSandboxRoutes(r chi.Router) {
	r.Route("/{workspaceID}/sandboxes", func(r chi.Router) {
		r.Get("/", h.ListSandboxes)
		r.Post("/", h.CreateSandbox)
		r.Get("/{sandboxID}", h.GetSandbox)
		r.Put("/{sandboxID}/health", h.UpdateSandboxHealth)
		r.Delete("/{sandboxID}", h.DeleteSandbox)
		r.Post("/{sandboxID}/messages", h.SendMessage)
		r.Get("/{sandboxID}/messages", h.ListSandboxMessages)
	})
}

type sandboxRequest struct {
	AgentID string             `json:"agent_id"`
	Config  domain.AgentConfig `json:"config"`
}

// ListSandboxes returns the sandboxes of one workspace.
func (h *Handler) ListSandboxes(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	sandboxes, err := h.repo.ListSandboxes(r.Context(), workspaceID)
	if err != nil {
		slog.Error("httpapi: list sandboxes failed", "workspace_id", workspaceID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sandboxes")
		return
	}
	if sandboxes == nil {
		sandboxes = []*domain.Sandbox{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sandboxes": sandboxes})
}

// CreateSandbox registers a sandboxed agent in a workspace, honoring the
// workspace's max-sandboxes setting.
func (h *Handler) CreateSandbox(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	var req sandboxRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.AgentID == "" {
		Error(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	summary, err := h.repo.GetWorkspaceSummary(r.Context(), workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "workspace not found")
		return
	}
	if err != nil {
		slog.Error("httpapi: load workspace failed", "workspace_id", workspaceID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create sandbox")
		return
	}
	if max := summary.Settings.MaxSandboxes; max > 0 && summary.SandboxCount >= max {
		Error(w, http.StatusConflict, "workspace sandbox limit reached")
		return
	}

	now := time.Now()
	sb := &domain.Sandbox{
		SandboxID:   domain.NewID("sb"),
		WorkspaceID: workspaceID,
		AgentID:     req.AgentID,
		Config:      req.Config,
		Health:      domain.HealthUnknown,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.repo.CreateSandbox(r.Context(), sb); err != nil {
		slog.Error("httpapi: create sandbox failed", "workspace_id", workspaceID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create sandbox")
		return
	}
	slog.Info("httpapi: sandbox created", "sandbox_id", sb.SandboxID, "workspace_id", workspaceID, "agent_id", req.AgentID)
	JSON(w, http.StatusCreated, sb)
}

// GetSandbox returns one sandbox record.
func (h *Handler) GetSandbox(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")
	sb, err := h.repo.GetSandbox(r.Context(), sandboxID)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "sandbox not found")
		return
	}
	if err != nil {
		slog.Error("httpapi: get sandbox failed", "sandbox_id", sandboxID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get sandbox")
		return
	}
	JSON(w, http.StatusOK, sb)
}

// UpdateSandboxHealth records a sandbox's reported health state.
func (h *Handler) UpdateSandboxHealth(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")
	var req struct {
		Health domain.HealthStatus `json:"health"`
	}
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	switch req.Health {
	case domain.HealthHealthy, domain.HealthDegraded, domain.HealthUnhealthy, domain.HealthUnknown:
	default:
		Error(w, http.StatusBadRequest, "unknown health state")
		return
	}
	err := h.repo.UpdateSandboxHealth(r.Context(), sandboxID, req.Health)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "sandbox not found")
		return
	}
	if err != nil {
		slog.Error("httpapi: update sandbox health failed", "sandbox_id", sandboxID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to update sandbox")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sandbox_id": sandboxID, "health": req.Health})
}

// DeleteSandbox removes a sandbox record.
func (h *Handler) DeleteSandbox(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")
	err := h.repo.DeleteSandbox(r.Context(), sandboxID)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "sandbox not found")
		return
	}
	if err != nil {
		slog.Error("httpapi: delete sandbox failed", "sandbox_id", sandboxID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete sandbox")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
