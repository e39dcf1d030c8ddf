// Package session manages login session credentials and their bearer cookies.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/internetfriends/accounts/internal/accounts/credential"
	"github.com/internetfriends/accounts/internal/accounts/storage"
	apperrors "github.com/internetfriends/accounts/internal/platform/errors"
)

// ErrTokenNotFound indicates no session row matches the presented token.
var ErrTokenNotFound = apperrors.New(apperrors.CodeSessionTokenNotFound, "session token not found")

// ErrTokenInvalid indicates the token is malformed or unusable.
var ErrTokenInvalid = apperrors.New(apperrors.CodeSessionTokenInvalid, "session token invalid")

// ErrTokenExpired indicates the session aged out.
var ErrTokenExpired = apperrors.New(apperrors.CodeSessionTokenExpired, "session token expired")

// Transport carries the session bearer between the server and the client.
// The HTTP cookie implementation lives in the sessioncookie package.
type Transport interface {
	Read(r *http.Request) (string, bool)
	Write(w http.ResponseWriter, r *http.Request, token string)
	Clear(w http.ResponseWriter, r *http.Request)
}

// Manager owns the session credential lifecycle.
type Manager struct {
	store     storage.Store
	transport Transport
	clock     func() time.Time
}

// NewManager builds a session manager over the store and bearer transport.
func NewManager(store storage.Store, transport Transport) *Manager {
	return &Manager{
		store:     store,
		transport: transport,
		clock:     time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (m *Manager) SetClock(clock func() time.Time) {
	if m == nil || clock == nil {
		return
	}
	m.clock = clock
}

// FromRequest returns the bearer token presented by the client, when any.
func (m *Manager) FromRequest(r *http.Request) (string, bool) {
	if m == nil || m.transport == nil {
		return "", false
	}
	return m.transport.Read(r)
}

// Create opens a new session for the user and writes its bearer.
func (m *Manager) Create(ctx context.Context, userID string, w http.ResponseWriter, r *http.Request) (credential.AuthMethod, error) {
	if m == nil || m.store == nil {
		return credential.AuthMethod{}, fmt.Errorf("session store is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return credential.AuthMethod{}, ErrTokenInvalid
	}

	method, err := m.store.CreateAuthMethod(ctx, userID, credential.KindSession, "")
	if err != nil {
		return credential.AuthMethod{}, fmt.Errorf("create session: %w", err)
	}
	if m.transport != nil && w != nil {
		m.transport.Write(w, r, method.Credential)
	}
	return method, nil
}

// Validate resolves a bearer token to its owning user id.
//
// Sessions are not single-use, so only the missing and expired lifecycle
// states apply; a session row that somehow reads as consumed is invalid.
func (m *Manager) Validate(ctx context.Context, token string) (string, error) {
	if m == nil || m.store == nil {
		return "", fmt.Errorf("session store is not configured")
	}
	if strings.TrimSpace(token) == "" {
		return "", ErrTokenNotFound
	}

	method, err := m.store.GetAuthMethodByCredential(ctx, credential.KindSession, token)
	if err != nil {
		if errors.Is(err, storage.ErrAuthMethodNotFound) {
			return "", ErrTokenNotFound
		}
		return "", fmt.Errorf("load session: %w", err)
	}

	switch credential.Evaluate(&method, m.clock().UTC()) {
	case credential.StateValid:
		return method.UserID, nil
	case credential.StateExpired:
		return "", ErrTokenExpired
	default:
		return "", ErrTokenInvalid
	}
}

// Renew atomically rotates the session token and writes the new bearer.
func (m *Manager) Renew(ctx context.Context, token string, w http.ResponseWriter, r *http.Request) (credential.AuthMethod, error) {
	if m == nil || m.store == nil {
		return credential.AuthMethod{}, fmt.Errorf("session store is not configured")
	}
	if strings.TrimSpace(token) == "" {
		return credential.AuthMethod{}, ErrTokenNotFound
	}

	// Expiry still gates renewal: a dead session must not resurrect.
	if _, err := m.Validate(ctx, token); err != nil {
		return credential.AuthMethod{}, err
	}

	rotated, err := m.store.RotateSession(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrAuthMethodNotFound) {
			return credential.AuthMethod{}, ErrTokenNotFound
		}
		return credential.AuthMethod{}, fmt.Errorf("rotate session: %w", err)
	}
	if m.transport != nil && w != nil {
		m.transport.Write(w, r, rotated.Credential)
	}
	return rotated, nil
}

// Destroy deletes the session row and clears the bearer.
// A missing row is a no-op so repeated logouts stay quiet.
func (m *Manager) Destroy(ctx context.Context, token string, w http.ResponseWriter, r *http.Request) error {
	if m == nil || m.store == nil {
		return fmt.Errorf("session store is not configured")
	}
	if strings.TrimSpace(token) != "" {
		if err := m.store.DeleteAuthMethodByCredential(ctx, token, credential.KindSession); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	if m.transport != nil && w != nil {
		m.transport.Clear(w, r)
	}
	return nil
}
