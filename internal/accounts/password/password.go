// Package password owns password hashing and the reset/update flows.
package password

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/internetfriends/accounts/internal/accounts/credential"
	"github.com/internetfriends/accounts/internal/accounts/storage"
	apperrors "github.com/internetfriends/accounts/internal/platform/errors"
)

// ErrInvalidCredential indicates the presented password was wrong.
var ErrInvalidCredential = apperrors.New(apperrors.CodeInvalidCredential, "invalid credential")

// Hasher is the password hashing capability.
type Hasher interface {
	Hash(raw string) (string, error)
	Compare(raw, hashed string) bool
}

// BcryptHasher hashes passwords with bcrypt.
type BcryptHasher struct {
	Cost int
}

// Hash returns the salted hash for a raw password.
func (h BcryptHasher) Hash(raw string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = 10
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// Compare reports whether raw matches the stored hash.
func (h BcryptHasher) Compare(raw, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(raw)) == nil
}

// Flows implements the password credential flows over the store.
type Flows struct {
	store  storage.Store
	hasher Hasher
}

// NewFlows builds password flows with the given hashing capability.
func NewFlows(store storage.Store, hasher Hasher) *Flows {
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	return &Flows{store: store, hasher: hasher}
}

// Set stores the initial password hash for a user.
func (f *Flows) Set(ctx context.Context, userID, rawPassword string) error {
	if f == nil || f.store == nil {
		return fmt.Errorf("password store is not configured")
	}
	if strings.TrimSpace(rawPassword) == "" {
		return apperrors.New(apperrors.CodeValidationFailed, "password is required")
	}
	hashed, err := f.hasher.Hash(rawPassword)
	if err != nil {
		return err
	}
	if _, err := f.store.CreateAuthMethod(ctx, userID, credential.KindUpdatePassword, hashed); err != nil {
		return fmt.Errorf("store password hash: %w", err)
	}
	return nil
}

// Verify reports whether the raw password matches the stored hash.
// A user without a password never matches but is not an error.
func (f *Flows) Verify(ctx context.Context, userID, rawPassword string) (bool, error) {
	if f == nil || f.store == nil {
		return false, fmt.Errorf("password store is not configured")
	}

	method, err := f.store.GetAuthMethodByKind(ctx, userID, credential.KindUpdatePassword)
	if err != nil {
		if errors.Is(err, storage.ErrAuthMethodNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load password hash: %w", err)
	}
	return f.hasher.Compare(rawPassword, method.Credential), nil
}

// Update rotates the stored hash after verifying the current password.
func (f *Flows) Update(ctx context.Context, userID, currentPassword, newPassword string) error {
	if f == nil || f.store == nil {
		return fmt.Errorf("password store is not configured")
	}
	if strings.TrimSpace(newPassword) == "" {
		return apperrors.New(apperrors.CodeValidationFailed, "new password is required")
	}

	valid, err := f.Verify(ctx, userID, currentPassword)
	if err != nil {
		return err
	}
	if !valid {
		return ErrInvalidCredential
	}

	hashed, err := f.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if _, err := f.store.UpdateAuthMethodCredential(ctx, userID, credential.KindUpdatePassword, hashed); err != nil {
		return fmt.Errorf("rotate password hash: %w", err)
	}
	return nil
}

// RequestReset issues a one-time reset token for the email's owner.
func (f *Flows) RequestReset(ctx context.Context, email string) (storage.User, credential.AuthMethod, error) {
	if f == nil || f.store == nil {
		return storage.User{}, credential.AuthMethod{}, fmt.Errorf("password store is not configured")
	}

	user, err := f.store.GetUser(ctx, email)
	if err != nil {
		return storage.User{}, credential.AuthMethod{}, err
	}
	token, err := f.store.CreateAuthMethod(ctx, user.ID, credential.KindResetPassword, "")
	if err != nil {
		return storage.User{}, credential.AuthMethod{}, fmt.Errorf("issue reset token: %w", err)
	}
	return user, token, nil
}

// Reset consumes a reset token and rotates the owner's password hash.
//
// The token is claimed with one conditional write before any mutation, so a
// second request holding the same token fails with the lifecycle error and
// never repeats the rotation.
func (f *Flows) Reset(ctx context.Context, token, newPassword string) error {
	if f == nil || f.store == nil {
		return fmt.Errorf("password store is not configured")
	}
	if strings.TrimSpace(token) == "" {
		return apperrors.New(apperrors.CodeValidationFailed, "token is required")
	}
	if strings.TrimSpace(newPassword) == "" {
		return apperrors.New(apperrors.CodeValidationFailed, "new password is required")
	}

	claimed, err := f.store.ConsumeAuthMethod(ctx, credential.KindResetPassword, token)
	if err != nil {
		return err
	}

	hashed, err := f.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	_, err = f.store.UpdateAuthMethodCredential(ctx, claimed.UserID, credential.KindUpdatePassword, hashed)
	if err != nil {
		// A passkey-only account may reach reset without a stored hash.
		if errors.Is(err, storage.ErrAuthMethodNotFound) {
			if _, err := f.store.CreateAuthMethod(ctx, claimed.UserID, credential.KindUpdatePassword, hashed); err != nil {
				return fmt.Errorf("store password hash: %w", err)
			}
			return nil
		}
		return fmt.Errorf("rotate password hash: %w", err)
	}
	return nil
}
