// Package auth manages the client's backend session: a persisted
// access/refresh token pair, expiry inspection of the access token, and
// automatic refresh shortly before it lapses.
package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"promptdeck-sync/internal/domain"
)

// TokenPair is the persisted session state, as issued by the backend's auth
// endpoints.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Session holds the current token pair and refreshes it against the backend
// when the access token is within the skew window of its expiry.
type Session struct {
	mu      sync.Mutex
	client  *http.Client
	baseURL string
	path    string
	skew    time.Duration
	tokens  TokenPair
}

// NewSession loads the token pair stored at path. A missing file yields a
// session that fails with ErrSessionExpired on first use, which the CLI maps
// to "run promptdeck login".
func NewSession(path, baseURL string, skew time.Duration, client *http.Client) (*Session, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	s := &Session{
		client:  client,
		baseURL: baseURL,
		path:    path,
		skew:    skew,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	if err := json.Unmarshal(data, &s.tokens); err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", path, err)
	}
	return s, nil
}

// SetTokens replaces the stored token pair (after a fresh login) and persists
// it with owner-only permissions.
func (s *Session) SetTokens(pair TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = pair
	return s.save()
}

func (s *Session) save() error {
	data, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

// Authorize ensures the access token is fresh and injects the bearer header.
func (s *Session) Authorize(req *http.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tokens.AccessToken == "" {
		return domain.ErrSessionExpired
	}
	if s.expiringSoon() {
		if err := s.refresh(); err != nil {
			return err
		}
	}
	req.Header.Set("Authorization", "Bearer "+s.tokens.AccessToken)
	return nil
}

// expiringSoon inspects the access token's exp claim without verifying the
// signature; verification is the backend's job, the client only needs the
// deadline. An unparseable token is treated as expiring so a refresh gets a
// chance to replace it.
func (s *Session) expiringSoon() bool {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(s.tokens.AccessToken, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return time.Until(exp.Time) < s.skew
}

func (s *Session) refresh() error {
	if s.tokens.RefreshToken == "" {
		return domain.ErrSessionExpired
	}

	body, _ := json.Marshal(map[string]string{"refresh_token": s.tokens.RefreshToken})
	resp, err := s.client.Post(s.baseURL+"/api/v1/auth/refresh", "application/json", bytes.NewReader(body))
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return fmt.Errorf("token refresh: %w: %v", domain.ErrNetworkUnavailable, err)
		}
		return fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.ErrSessionExpired
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("token refresh failed: status %d", resp.StatusCode)
	}

	var pair TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = s.tokens.RefreshToken
	}
	s.tokens = pair
	return s.save()
}

// Login exchanges credentials for a token pair and persists it.
func (s *Session) Login(email, password string) error {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	resp, err := s.client.Post(s.baseURL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return fmt.Errorf("login: %w: %v", domain.ErrNetworkUnavailable, err)
		}
		return fmt.Errorf("login failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errors.New("login failed: invalid credentials")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed: status %d", resp.StatusCode)
	}

	var pair TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = pair
	return s.save()
}
