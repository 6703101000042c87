package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/agentbus/core/internal/domain"
	"github.com/go-chi/chi/v5"
)

// RegisterAdminRoutes registers the read-only introspection endpoints and
// the force-publish escape hatch under /api/admin, plus the bus health
// report at /api/health/bus.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Get("/sessions", h.ListSessions)
		r.Get("/stats", h.Stats)
		r.Get("/queues/{agentID}", h.QueueSize)
		r.Post("/publish", h.ForcePublish)
	})
	r.Get("/api/health/bus", h.BusHealth)
}

// ListSessions returns a snapshot of every live session.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": h.conns.All()})
}

// Stats returns live connection counts and probe latency aggregates.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_count": h.conns.Count(),
		"broker_probe":  h.prober.Stats(),
	})
}

// QueueSize reports the pending/processing/dead-letter sizes of one
// agent's inbox.
func (h *Handler) QueueSize(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	size, err := h.queues.Size(r.Context(), "agent:"+agentID+":inbox")
	if err != nil {
		slog.Error("httpapi: queue size failed", "agent_id", agentID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read queue size")
		return
	}
	JSON(w, http.StatusOK, size)
}

type forcePublishRequest struct {
	Topic       string          `json:"topic"`
	Content     json.RawMessage `json:"content"`
	MessageType string          `json:"message_type,omitempty"`
}

// ForcePublish publishes directly through the router, bypassing the
// session protocol. Operator tooling only.
func (h *Handler) ForcePublish(w http.ResponseWriter, r *http.Request) {
	var req forcePublishRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Topic == "" {
		Error(w, http.StatusBadRequest, "topic is required")
		return
	}
	kind := domain.MessageType(req.MessageType)
	if kind == "" {
		kind = domain.MessageTypeNotification
	}
	msg := domain.Message{
		Content: req.Content,
		Kind:    kind,
		Mode:    domain.DeliveryPubSub,
	}
	count, err := h.router.Publish(r.Context(), req.Topic, msg)
	if err != nil {
		slog.Error("httpapi: force publish failed", "topic", req.Topic, "error", err)
		Error(w, http.StatusInternalServerError, "publish failed")
		return
	}
	slog.Info("httpapi: force publish", "topic", req.Topic, "recipients", count)
	JSON(w, http.StatusOK, map[string]interface{}{"topic": req.Topic, "recipient_count": count})
}

// BusHealth runs the full broker probe suite and reports the aggregate.
// 503 on unhealthy so load balancers can act on it directly.
func (h *Handler) BusHealth(w http.ResponseWriter, r *http.Request) {
	report := h.prober.Check(r.Context())
	status := http.StatusOK
	if report.Status == domain.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, report)
}
