// Package auth keeps a session's credentials valid across requests to the
// remote API. Session owns the credential state; Client wraps every request,
// refreshes an expired access token at most once per failure, and retries
// the original request exactly once.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/nimiglory/cyra/internal/store"
)

// User is the profile returned by the /me endpoint.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
}

// UnmarshalJSON accepts numeric or string ids.
func (u *User) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID       json.RawMessage `json:"id"`
		Email    string          `json:"email"`
		Username string          `json:"username"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	u.Email = aux.Email
	u.Username = aux.Username
	u.ID = ""
	if len(aux.ID) > 0 && string(aux.ID) != "null" {
		var s string
		if err := json.Unmarshal(aux.ID, &s); err == nil {
			u.ID = s
		} else {
			u.ID = strings.TrimSpace(string(aux.ID))
		}
	}
	return nil
}

// Session is the process-wide credential state, owned explicitly and passed
// to whoever needs it. A nil store is allowed; credentials then live only
// in memory.
type Session struct {
	store  store.Store
	logger *slog.Logger

	mu      sync.RWMutex
	access  string
	refresh string
	user    *User
}

// NewSession creates an empty session backed by st.
func NewSession(st store.Store, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{store: st, logger: logger}
}

// Init hydrates the credentials from the store. Missing keys leave the
// session unauthenticated.
func (s *Session) Init(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	access, _, err := s.store.Get(ctx, store.KeyAccess)
	if err != nil {
		return fmt.Errorf("auth: load access token: %w", err)
	}
	refresh, _, err := s.store.Get(ctx, store.KeyRefresh)
	if err != nil {
		return fmt.Errorf("auth: load refresh token: %w", err)
	}

	s.mu.Lock()
	s.access = access
	s.refresh = refresh
	s.mu.Unlock()

	s.logger.Debug("session hydrated", "access", access != "", "refresh", refresh != "")
	return nil
}

// AccessToken returns the current access token, or "".
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// RefreshToken returns the current refresh token, or "".
func (s *Session) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

// Authenticated reports whether an access token is held.
func (s *Session) Authenticated() bool {
	return s.AccessToken() != ""
}

// SetTokens stores and persists new credentials. An empty refresh keeps
// the current refresh token, for servers that do not rotate it.
func (s *Session) SetTokens(ctx context.Context, access, refresh string) error {
	s.mu.Lock()
	s.access = access
	if refresh != "" {
		s.refresh = refresh
	}
	refresh = s.refresh
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	if err := s.store.Set(ctx, store.KeyAccess, access); err != nil {
		return fmt.Errorf("auth: persist access token: %w", err)
	}
	if refresh != "" {
		if err := s.store.Set(ctx, store.KeyRefresh, refresh); err != nil {
			return fmt.Errorf("auth: persist refresh token: %w", err)
		}
	}
	return nil
}

// User returns a copy of the signed-in user's profile, or nil.
func (s *Session) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// SetUser records the signed-in user's profile.
func (s *Session) SetUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == nil {
		s.user = nil
		return
	}
	cp := *u
	s.user = &cp
}

// UserID returns the signed-in user's id, or "anonymous".
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil || s.user.ID == "" {
		return "anonymous"
	}
	return s.user.ID
}

// Teardown clears the session in memory and removes persisted credentials.
// Memory is cleared even when the store fails.
func (s *Session) Teardown(ctx context.Context) error {
	s.mu.Lock()
	s.access = ""
	s.refresh = ""
	s.user = nil
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	if err := s.store.Delete(ctx, store.KeyAccess, store.KeyRefresh); err != nil {
		return fmt.Errorf("auth: remove credentials: %w", err)
	}
	return nil
}

// ErrSessionExpired is returned when credentials could not be refreshed.
// The session has been torn down by the time a caller sees it.
var ErrSessionExpired = errors.New("session expired")

// ErrNoRefreshToken is wrapped into ErrSessionExpired when a refresh was
// needed but no refresh token was held.
var ErrNoRefreshToken = errors.New("no refresh token")
