// Package httpapi provides the HTTP surface around the messaging core:
// auth, workspace/sandbox/message CRUD, and the admin introspection
// endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/agentbus/core/internal/auth"
	"github.com/agentbus/core/internal/connmgr"
	"github.com/agentbus/core/internal/health"
	"github.com/agentbus/core/internal/queue"
	"github.com/agentbus/core/internal/router"
	"github.com/agentbus/core/internal/store"
)

// Handler provides common handler utilities and dependencies.
type Handler struct {
	repo   store.Repository
	auth   *auth.Service
	router *router.Router
	conns  *connmgr.Manager
	queues *queue.Manager
	prober *health.Prober
}

// NewHandler creates a new Handler with common dependencies. auth may be
// nil in development, in which case bearer verification is skipped.
func NewHandler(repo store.Repository, authSvc *auth.Service, r *router.Router, conns *connmgr.Manager, queues *queue.Manager, prober *health.Prober) *Handler {
	return &Handler{
		repo:   repo,
		auth:   authSvc,
		router: r,
		conns:  conns,
		queues: queues,
		prober: prober,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

type contextKey string

const userIDKey contextKey = "user_id"

// UserIDFromContext returns the authenticated user id, or "".
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey).(string)
	return userID
}

// RequireAuth verifies the Authorization bearer token and stores the user
// id in the request context. With no auth service configured (development)
// requests pass through unauthenticated.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			Error(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := h.auth.VerifyToken(r.Context(), token)
		if err != nil {
			Error(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
}
