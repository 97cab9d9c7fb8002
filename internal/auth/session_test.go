package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"promptdeck-sync/internal/domain"
)

func signedToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(ttl).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func newFakeAuthBackend(t *testing.T, accessTTL time.Duration) (*httptest.Server, *int) {
	t.Helper()
	refreshCalls := 0
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, req *http.Request) {
		refreshCalls++
		var body map[string]string
		json.NewDecoder(req.Body).Decode(&body)
		if body["refresh_token"] != "refresh-ok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(TokenPair{
			AccessToken:  signedToken(t, accessTTL),
			RefreshToken: "refresh-ok",
		})
	}).Methods("POST")
	r.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]string
		json.NewDecoder(req.Body).Decode(&body)
		if body["password"] != "correct" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(TokenPair{
			AccessToken:  signedToken(t, accessTTL),
			RefreshToken: "refresh-ok",
		})
	}).Methods("POST")

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, &refreshCalls
}

func TestAuthorizeFreshToken(t *testing.T) {
	srv, refreshCalls := newFakeAuthBackend(t, time.Hour)

	s, err := NewSession(filepath.Join(t.TempDir(), "session.json"), srv.URL, time.Minute, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	s.SetTokens(TokenPair{AccessToken: signedToken(t, time.Hour), RefreshToken: "refresh-ok"})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/x", nil)
	if err := s.Authorize(req); err != nil {
		t.Fatalf("Authorize() error: %v", err)
	}
	if req.Header.Get("Authorization") == "" {
		t.Error("bearer header not set")
	}
	if *refreshCalls != 0 {
		t.Errorf("fresh token should not trigger refresh, got %d calls", *refreshCalls)
	}
}

func TestAuthorizeRefreshesExpiringToken(t *testing.T) {
	srv, refreshCalls := newFakeAuthBackend(t, time.Hour)

	s, _ := NewSession(filepath.Join(t.TempDir(), "session.json"), srv.URL, time.Minute, srv.Client())
	s.SetTokens(TokenPair{AccessToken: signedToken(t, 10*time.Second), RefreshToken: "refresh-ok"})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/x", nil)
	if err := s.Authorize(req); err != nil {
		t.Fatalf("Authorize() error: %v", err)
	}
	if *refreshCalls != 1 {
		t.Errorf("expected exactly one refresh call, got %d", *refreshCalls)
	}
}

func TestAuthorizeRejectedRefreshSurfacesSessionExpired(t *testing.T) {
	srv, _ := newFakeAuthBackend(t, time.Hour)

	s, _ := NewSession(filepath.Join(t.TempDir(), "session.json"), srv.URL, time.Minute, srv.Client())
	s.SetTokens(TokenPair{AccessToken: signedToken(t, time.Second), RefreshToken: "revoked"})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/x", nil)
	if err := s.Authorize(req); !errors.Is(err, domain.ErrSessionExpired) {
		t.Errorf("expected ErrSessionExpired, got %v", err)
	}
}

func TestAuthorizeWithoutTokens(t *testing.T) {
	s, _ := NewSession(filepath.Join(t.TempDir(), "session.json"), "http://unused", time.Minute, nil)

	req, _ := http.NewRequest(http.MethodGet, "http://unused/x", nil)
	if err := s.Authorize(req); !errors.Is(err, domain.ErrSessionExpired) {
		t.Errorf("expected ErrSessionExpired for empty session, got %v", err)
	}
}

func TestLoginPersistsTokens(t *testing.T) {
	srv, _ := newFakeAuthBackend(t, time.Hour)
	path := filepath.Join(t.TempDir(), "session.json")

	s, _ := NewSession(path, srv.URL, time.Minute, srv.Client())
	if err := s.Login("me@example.com", "correct"); err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	// A reloaded session must be usable without logging in again.
	reloaded, err := NewSession(path, srv.URL, time.Minute, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/x", nil)
	if err := reloaded.Authorize(req); err != nil {
		t.Errorf("Authorize() after reload: %v", err)
	}

	if err := s.Login("me@example.com", "wrong"); err == nil {
		t.Error("expected error for bad credentials")
	}
}
