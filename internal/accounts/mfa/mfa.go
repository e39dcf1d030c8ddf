// Package mfa manages time-based one-time-password enrollment and checks.
package mfa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/internetfriends/accounts/internal/accounts/credential"
	"github.com/internetfriends/accounts/internal/accounts/storage"
	apperrors "github.com/internetfriends/accounts/internal/platform/errors"
)

// ErrInvalidCode indicates the presented one-time code did not match.
var ErrInvalidCode = apperrors.New(apperrors.CodeInvalidCredential, "invalid one-time code")

// ErrNotEnrolled indicates the user has no multi-factor secret on record.
var ErrNotEnrolled = apperrors.New(apperrors.CodeAuthMethodNotFound, "multi-factor authentication is not enrolled")

// CodeAuthority generates and checks one-time codes. The arithmetic lives
// behind this interface so the flows never touch raw TOTP state.
type CodeAuthority interface {
	NewSecret(accountName string) (string, error)
	Validate(code, secret string) bool
}

// TOTPAuthority is the production CodeAuthority backed by RFC 6238 codes.
type TOTPAuthority struct {
	Issuer string
}

// NewSecret mints a fresh shared secret for the account.
func (a TOTPAuthority) NewSecret(accountName string) (string, error) {
	issuer := a.Issuer
	if issuer == "" {
		issuer = "accounts"
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return key.Secret(), nil
}

// Validate reports whether the code matches the secret for the current window.
func (a TOTPAuthority) Validate(code, secret string) bool {
	return totp.Validate(code, secret)
}

// Flows implements multi-factor enrollment and verification over the store.
type Flows struct {
	store     storage.Store
	authority CodeAuthority
	clock     func() time.Time
}

// NewFlows builds the multi-factor flows. A nil authority gets the
// production TOTP implementation with the given issuer.
func NewFlows(store storage.Store, authority CodeAuthority) *Flows {
	if authority == nil {
		authority = TOTPAuthority{}
	}
	return &Flows{store: store, authority: authority, clock: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (f *Flows) SetClock(clock func() time.Time) {
	if f == nil || clock == nil {
		return
	}
	f.clock = clock
}

// Enroll mints a secret and stores it unverified. Re-enrolling replaces any
// previous secret so a stalled setup never locks the account.
func (f *Flows) Enroll(ctx context.Context, userID, accountName string) (credential.AuthMethod, error) {
	if f == nil || f.store == nil {
		return credential.AuthMethod{}, fmt.Errorf("mfa store is not configured")
	}

	secret, err := f.authority.NewSecret(accountName)
	if err != nil {
		return credential.AuthMethod{}, err
	}
	if err := f.store.DeleteAuthMethodByKind(ctx, userID, credential.KindMFA); err != nil {
		return credential.AuthMethod{}, fmt.Errorf("replace mfa secret: %w", err)
	}
	method, err := f.store.CreateAuthMethod(ctx, userID, credential.KindMFA, secret)
	if err != nil {
		return credential.AuthMethod{}, fmt.Errorf("store mfa secret: %w", err)
	}
	return method, nil
}

// ConfirmEnrollment checks the first code against the pending secret and
// claims the record with one conditional write, so enrollment completes at
// most once even under concurrent confirmation attempts.
func (f *Flows) ConfirmEnrollment(ctx context.Context, userID, code string) error {
	if f == nil || f.store == nil {
		return fmt.Errorf("mfa store is not configured")
	}

	method, err := f.store.GetAuthMethodByKind(ctx, userID, credential.KindMFA)
	if err != nil {
		if errors.Is(err, storage.ErrAuthMethodNotFound) {
			return ErrNotEnrolled
		}
		return fmt.Errorf("load mfa secret: %w", err)
	}
	if !f.authority.Validate(code, method.Credential) {
		return ErrInvalidCode
	}
	if _, err := f.store.ConsumeAuthMethod(ctx, credential.KindMFA, method.Credential); err != nil {
		return err
	}
	return nil
}

// Verify checks a login-time code against the confirmed secret. A secret
// past its expiry no longer counts as enrolled.
func (f *Flows) Verify(ctx context.Context, userID, code string) error {
	if f == nil || f.store == nil {
		return fmt.Errorf("mfa store is not configured")
	}
	if strings.TrimSpace(code) == "" {
		return ErrInvalidCode
	}

	method, err := f.store.GetAuthMethodByKind(ctx, userID, credential.KindMFA)
	if err != nil {
		if errors.Is(err, storage.ErrAuthMethodNotFound) {
			return ErrNotEnrolled
		}
		return fmt.Errorf("load mfa secret: %w", err)
	}
	if !method.Verified() || method.Expired(f.clock().UTC()) {
		return ErrNotEnrolled
	}
	if !f.authority.Validate(code, method.Credential) {
		return ErrInvalidCode
	}
	return nil
}

// Enrolled reports whether the user has a confirmed multi-factor secret.
func (f *Flows) Enrolled(ctx context.Context, userID string) (bool, error) {
	if f == nil || f.store == nil {
		return false, fmt.Errorf("mfa store is not configured")
	}

	method, err := f.store.GetAuthMethodByKind(ctx, userID, credential.KindMFA)
	if err != nil {
		if errors.Is(err, storage.ErrAuthMethodNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load mfa secret: %w", err)
	}
	return method.Verified() && !method.Expired(f.clock().UTC()), nil
}

// Unenroll removes the user's multi-factor secret. Removing a secret that
// does not exist is not an error.
func (f *Flows) Unenroll(ctx context.Context, userID string) error {
	if f == nil || f.store == nil {
		return fmt.Errorf("mfa store is not configured")
	}

	if err := f.store.DeleteAuthMethodByKind(ctx, userID, credential.KindMFA); err != nil {
		return fmt.Errorf("remove mfa secret: %w", err)
	}
	return nil
}
