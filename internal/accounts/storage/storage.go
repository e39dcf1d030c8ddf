// Package storage defines persistence contracts for account credentials.
package storage

import (
	"context"
	"time"

	"github.com/internetfriends/accounts/internal/accounts/credential"
	apperrors "github.com/internetfriends/accounts/internal/platform/errors"
)

// ErrUserNotFound indicates a requested user record is missing.
var ErrUserNotFound = apperrors.New(apperrors.CodeUserNotFound, "user not found")

// ErrUserAlreadyExists indicates the email is already registered.
var ErrUserAlreadyExists = apperrors.New(apperrors.CodeUserAlreadyExists, "user already exists")

// ErrAuthMethodNotFound indicates a requested credential record is missing.
var ErrAuthMethodNotFound = apperrors.New(apperrors.CodeAuthMethodNotFound, "auth method not found")

// User is a registered account holder.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// UserStore persists account user records.
type UserStore interface {
	// CreateUser inserts a user for the email. The unique constraint on
	// email is the duplicate guard: a constraint violation surfaces as
	// ErrUserAlreadyExists, never as a raw driver error.
	CreateUser(ctx context.Context, email string) (User, error)
	GetUser(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
	// DeleteUser removes the user and cascades to every credential row.
	DeleteUser(ctx context.Context, userID string) error
}

// AuthMethodStore persists the polymorphic credential records.
type AuthMethodStore interface {
	// CreateAuthMethod inserts a credential row. When value is empty the
	// store generates a cryptographically random token. Expiry is computed
	// from the kind's policy table at creation time.
	CreateAuthMethod(ctx context.Context, userID string, kind credential.Kind, value string) (credential.AuthMethod, error)
	// GetAuthMethodByKind returns the newest credential of a kind for a
	// user. Used where one live credential per kind is expected.
	GetAuthMethodByKind(ctx context.Context, userID string, kind credential.Kind) (credential.AuthMethod, error)
	// GetAuthMethodByCredential resolves token-driven flows where the
	// caller holds only the token, not the user id.
	GetAuthMethodByCredential(ctx context.Context, kind credential.Kind, value string) (credential.AuthMethod, error)
	// UpdateAuthMethodCredential rotates the stored value in place.
	UpdateAuthMethodCredential(ctx context.Context, userID string, kind credential.Kind, newValue string) (credential.AuthMethod, error)
	DeleteAuthMethodByKind(ctx context.Context, userID string, kind credential.Kind) error
	DeleteAuthMethodByCredential(ctx context.Context, value string, kind credential.Kind) error
	// MarkVerified stamps verified_at. Callers must have already checked
	// the record was unverified; the store does not re-check.
	MarkVerified(ctx context.Context, authMethodID string) error
	// ConsumeAuthMethod checks validity and marks the credential verified
	// in one conditional write. On failure it returns the lifecycle error
	// matching the record's actual state.
	ConsumeAuthMethod(ctx context.Context, kind credential.Kind, value string) (credential.AuthMethod, error)
	// RotateSession atomically deletes the session row holding oldToken
	// and inserts its replacement for the same user. Exactly one live
	// session survives.
	RotateSession(ctx context.Context, oldToken string) (credential.AuthMethod, error)
}

// Store combines the persistence contracts the account flows need.
type Store interface {
	UserStore
	AuthMethodStore
}
