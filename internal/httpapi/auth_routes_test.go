package httpapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/agentbus/core/internal/auth"
)

func newAuthService(t *testing.T) *auth.Service {
	t.Helper()
	svc, err := auth.NewService(auth.Config{Secret: "test-secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour, BcryptCost: 4})
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	return svc
}

type tokenResponse struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func TestRegisterLoginAndMe(t *testing.T) {
	srv, _, _ := newTestServer(t, newAuthService(t))

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/auth/register", "", map[string]string{
		"email":    "dev@example.com",
		"password": "correct horse",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d", resp.StatusCode)
	}
	var registered tokenResponse
	decode(t, resp, &registered)
	if registered.AccessToken == "" || registered.RefreshToken == "" {
		t.Fatal("register returned no tokens")
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{
		"email":    "dev@example.com",
		"password": "correct horse",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", resp.StatusCode)
	}
	var logged tokenResponse
	decode(t, resp, &logged)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/auth/me", logged.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", resp.StatusCode)
	}
	var me map[string]interface{}
	decode(t, resp, &me)
	if me["email"] != "dev@example.com" {
		t.Errorf("unexpected me payload: %v", me)
	}
	if _, leaked := me["password_hash"]; leaked {
		t.Error("password hash leaked in /me response")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv, _, _ := newTestServer(t, newAuthService(t))

	doJSON(t, http.MethodPost, srv.URL+"/api/auth/register", "", map[string]string{
		"email":    "dev@example.com",
		"password": "correct horse",
	})

	for _, body := range []map[string]string{
		{"email": "dev@example.com", "password": "wrong"},
		{"email": "nobody@example.com", "password": "correct horse"},
	} {
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", body)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401 for %v, got %d", body, resp.StatusCode)
		}
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	srv, _, _ := newTestServer(t, newAuthService(t))

	body := map[string]string{"email": "dev@example.com", "password": "correct horse"}
	doJSON(t, http.MethodPost, srv.URL+"/api/auth/register", "", body)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/auth/register", "", body)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate email, got %d", resp.StatusCode)
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	srv, _, _ := newTestServer(t, newAuthService(t))

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/auth/register", "", map[string]string{
		"email":    "dev@example.com",
		"password": "correct horse",
	})
	var registered tokenResponse
	decode(t, resp, &registered)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/auth/refresh", "", map[string]string{
		"refresh_token": registered.RefreshToken,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", resp.StatusCode)
	}
	var refreshed tokenResponse
	decode(t, resp, &refreshed)
	if refreshed.AccessToken == "" || refreshed.UserID != registered.UserID {
		t.Errorf("unexpected refresh response: %+v", refreshed)
	}

	// An access token is not a refresh token.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/auth/refresh", "", map[string]string{
		"refresh_token": registered.AccessToken,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 refreshing with an access token, got %d", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	srv, _, _ := newTestServer(t, newAuthService(t))

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/workspaces/", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/workspaces/", "garbage", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad bearer, got %d", resp.StatusCode)
	}
}
