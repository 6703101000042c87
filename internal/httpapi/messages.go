package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/agentbus/core/internal/domain"
	"github.com/agentbus/core/internal/store"
	"github.com/go-chi/chi/v5"
)

// registerMessageRoutes adds the workspace-level message surface; the
// sandbox-scoped send/list endpoints live on the sandbox subrouter.
func (h *Handler) registerMessageRoutes(r chi.Router) {
	r.Get("/{workspaceID}/messages", h.ListWorkspaceMessages)
	r.Get("/{workspaceID}/messages/{messageID}", h.GetMessage)
	r.Post("/{workspaceID}/broadcast", h.BroadcastMessage)
}

type sendMessageRequest struct {
	ToAgent     string          `json:"to_agent"`
	Content     json.RawMessage `json:"content"`
	MessageType string          `json:"message_type,omitempty"`
	Priority    int             `json:"priority,omitempty"`
}

// SendMessage sends a directed message from one sandboxed agent to
// another in the same workspace. Router delivery is best-effort: the
// audit row is the source of truth for "accepted", and a live-delivery
// failure does not fail the request.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	sandboxID := chi.URLParam(r, "sandboxID")

	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ToAgent == "" {
		Error(w, http.StatusBadRequest, "to_agent is required")
		return
	}

	sender, err := h.repo.GetSandbox(r.Context(), sandboxID)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "sender sandbox not found")
		return
	}
	if err != nil {
		slog.Error("httpapi: load sender sandbox failed", "sandbox_id", sandboxID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	if sender.WorkspaceID != workspaceID {
		Error(w, http.StatusBadRequest, "sandbox does not belong to this workspace")
		return
	}

	inWorkspace, err := h.repo.IsAgentInWorkspace(r.Context(), workspaceID, req.ToAgent)
	if err != nil {
		slog.Error("httpapi: membership check failed", "workspace_id", workspaceID, "agent_id", req.ToAgent, "error", err)
		Error(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	if !inWorkspace {
		Error(w, http.StatusBadRequest, "recipient agent is not in this workspace")
		return
	}

	kind := domain.MessageType(req.MessageType)
	if kind == "" {
		kind = domain.MessageTypeRequest
	}

	messageID, err := h.router.SendDirect(r.Context(), sender.AgentID, req.ToAgent, req.Content, kind, domain.DeliveryBoth, req.Priority)
	if err != nil {
		// Live delivery is best-effort here: the failure is logged, the
		// audit row gets a fresh id, and the message may be missing from
		// the recipient's durable inbox.
		slog.Warn("httpapi: router delivery failed", "workspace_id", workspaceID, "from", sender.AgentID, "to", req.ToAgent, "error", err)
		messageID = domain.NewID("msg")
	}

	audit := &domain.StoredMessage{
		MessageID:   messageID,
		WorkspaceID: workspaceID,
		SandboxID:   sandboxID,
		FromAgent:   sender.AgentID,
		ToAgent:     req.ToAgent,
		Kind:        kind,
		Content:     req.Content,
		CreatedAt:   time.Now(),
	}
	if err := h.repo.SaveMessage(r.Context(), audit); err != nil {
		slog.Error("httpapi: persist message failed", "message_id", messageID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to record message")
		return
	}

	JSON(w, http.StatusAccepted, audit)
}

// ListSandboxMessages lists the audit rows sent from one sandbox.
func (h *Handler) ListSandboxMessages(w http.ResponseWriter, r *http.Request) {
	h.listMessages(w, r, chi.URLParam(r, "sandboxID"))
}

// ListWorkspaceMessages lists the audit rows of a whole workspace.
func (h *Handler) ListWorkspaceMessages(w http.ResponseWriter, r *http.Request) {
	h.listMessages(w, r, "")
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request, sandboxID string) {
	workspaceID := chi.URLParam(r, "workspaceID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	messages, err := h.repo.ListMessages(r.Context(), workspaceID, sandboxID, limit)
	if err != nil {
		slog.Error("httpapi: list messages failed", "workspace_id", workspaceID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []*domain.StoredMessage{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// GetMessage returns one audit row.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	msg, err := h.repo.GetMessage(r.Context(), messageID)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		slog.Error("httpapi: get message failed", "message_id", messageID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get message")
		return
	}
	JSON(w, http.StatusOK, msg)
}

type broadcastRequest struct {
	FromAgent   string          `json:"from_agent"`
	Content     json.RawMessage `json:"content"`
	MessageType string          `json:"message_type,omitempty"`
}

// BroadcastMessage publishes to every live session of a workspace.
func (h *Handler) BroadcastMessage(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	var req broadcastRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.FromAgent != "" {
		inWorkspace, err := h.repo.IsAgentInWorkspace(r.Context(), workspaceID, req.FromAgent)
		if err != nil {
			slog.Error("httpapi: membership check failed", "workspace_id", workspaceID, "agent_id", req.FromAgent, "error", err)
			Error(w, http.StatusInternalServerError, "failed to broadcast")
			return
		}
		if !inWorkspace {
			Error(w, http.StatusForbidden, "sender agent is not in this workspace")
			return
		}
	}

	kind := domain.MessageType(req.MessageType)
	if kind == "" {
		kind = domain.MessageTypeNotification
	}
	count, err := h.router.Broadcast(r.Context(), req.FromAgent, workspaceID, req.Content, kind)
	if err != nil {
		slog.Error("httpapi: broadcast failed", "workspace_id", workspaceID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to broadcast")
		return
	}
	JSON(w, http.StatusAccepted, map[string]interface{}{
		"workspace_id":    workspaceID,
		"recipient_count": count,
	})
}
