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

// RegisterWorkspaceRoutes registers workspace CRUD under /api/workspaces.
func (h *Handler) RegisterWorkspaceRoutes(r chi.Router) {
	r.Route("/api/workspaces", func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Get("/", h.ListWorkspaces)
		r.Post("/", h.CreateWorkspace)
		r.Get("/{workspaceID}", h.GetWorkspace)
		r.Put("/{workspaceID}", h.UpdateWorkspace)
		r.Delete("/{workspaceID}", h.DeleteWorkspace)

		h.registerSandboxRoutes(r)
		h.registerMessageRoutes(r)
	})
}

type workspaceRequest struct {
	Name     string                   `json:"name"`
	Settings domain.WorkspaceSettings `json:"settings"`
}

// ListWorkspaces returns every workspace.
func (h *Handler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := h.repo.ListWorkspaces(r.Context())
	if err != nil {
		slog.Error("httpapi: list workspaces failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list workspaces")
		return
	}
	if workspaces == nil {
		workspaces = []*domain.Workspace{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"workspaces": workspaces})
}

// CreateWorkspace creates a workspace.
func (h *Handler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req workspaceRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}
	now := time.Now()
	ws := &domain.Workspace{
		WorkspaceID: domain.NewID("ws"),
		Name:        req.Name,
		Settings:    req.Settings,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.repo.CreateWorkspace(r.Context(), ws); err != nil {
		slog.Error("httpapi: create workspace failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create workspace")
		return
	}
	slog.Info("httpapi: workspace created", "workspace_id", ws.WorkspaceID, "name", ws.Name)
	JSON(w, http.StatusCreated, ws)
}

// GetWorkspace returns one workspace with its live counts.
func (h *Handler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	summary, err := h.repo.GetWorkspaceSummary(r.Context(), workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "workspace not found")
		return
	}
	if err != nil {
		slog.Error("httpapi: get workspace failed", "workspace_id", workspaceID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get workspace")
		return
	}
	JSON(w, http.StatusOK, summary)
}

// UpdateWorkspace updates a workspace's name and settings.
func (h *Handler) UpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	var req workspaceRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}
	ws := &domain.Workspace{
		WorkspaceID: workspaceID,
		Name:        req.Name,
		Settings:    req.Settings,
	}
	err := h.repo.UpdateWorkspace(r.Context(), ws)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "workspace not found")
		return
	}
	if err != nil {
		slog.Error("httpapi: update workspace failed", "workspace_id", workspaceID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to update workspace")
		return
	}
	updated, err := h.repo.GetWorkspace(r.Context(), workspaceID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to reload workspace")
		return
	}
	JSON(w, http.StatusOK, updated)
}

// DeleteWorkspace removes a workspace and its sandboxes.
func (h *Handler) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	err := h.repo.DeleteWorkspace(r.Context(), workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "workspace not found")
		return
	}
	if err != nil {
		slog.Error("httpapi: delete workspace failed", "workspace_id", workspaceID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete workspace")
		return
	}
	slog.Info("httpapi: workspace deleted", "workspace_id", workspaceID)
	w.WriteHeader(http.StatusNoContent)
}
