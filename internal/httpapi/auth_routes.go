package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentbus/core/internal/domain"
	"github.com/agentbus/core/internal/store"
	"github.com/go-chi/chi/v5"
)

// RegisterAuthRoutes registers the public auth endpoints. These stay
// outside RequireAuth; /auth/me applies it individually.
func (h *Handler) RegisterAuthRoutes(r chi.Router) {
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/refresh", h.Refresh)
		r.With(h.RequireAuth).Get("/me", h.Me)
	})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates a user and returns a token pair.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		Error(w, http.StatusNotImplemented, "auth is not configured")
		return
	}
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || len(req.Password) < 8 {
		Error(w, http.StatusBadRequest, "email and a password of at least 8 characters are required")
		return
	}

	if _, err := h.repo.GetUserByEmail(r.Context(), req.Email); err == nil {
		Error(w, http.StatusConflict, "email already registered")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		slog.Error("httpapi: lookup user failed", "error", err)
		Error(w, http.StatusInternalServerError, "registration failed")
		return
	}

	hash, err := h.auth.HashPassword(req.Password)
	if err != nil {
		slog.Error("httpapi: hash password failed", "error", err)
		Error(w, http.StatusInternalServerError, "registration failed")
		return
	}
	now := time.Now()
	user := &domain.User{
		UserID:       domain.NewID("user"),
		Email:        req.Email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.repo.CreateUser(r.Context(), user); err != nil {
		slog.Error("httpapi: create user failed", "error", err)
		Error(w, http.StatusInternalServerError, "registration failed")
		return
	}

	h.writeTokenPair(w, http.StatusCreated, user.UserID)
}

// Login verifies credentials and returns a token pair.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		Error(w, http.StatusNotImplemented, "auth is not configured")
		return
	}
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	user, err := h.repo.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		// Same response for unknown email and wrong password.
		Error(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !h.auth.CheckPassword(user.PasswordHash, req.Password) {
		Error(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	h.writeTokenPair(w, http.StatusOK, user.UserID)
}

// Refresh exchanges a refresh token for a new token pair.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		Error(w, http.StatusNotImplemented, "auth is not configured")
		return
	}
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	userID, err := h.auth.VerifyRefreshToken(req.RefreshToken)
	if err != nil {
		Error(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	h.writeTokenPair(w, http.StatusOK, userID)
}

// Me returns the authenticated user's record.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}
	JSON(w, http.StatusOK, user)
}

func (h *Handler) writeTokenPair(w http.ResponseWriter, status int, userID string) {
	access, err := h.auth.CreateAccessToken(userID)
	if err != nil {
		slog.Error("httpapi: sign access token failed", "error", err)
		Error(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	refresh, err := h.auth.CreateRefreshToken(userID)
	if err != nil {
		slog.Error("httpapi: sign refresh token failed", "error", err)
		Error(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	JSON(w, status, map[string]interface{}{
		"user_id":       userID,
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
	})
}
