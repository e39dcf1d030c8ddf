// Package credential defines the polymorphic credential record and the
// lifecycle rules shared by every authentication flow.
//
// A single AuthMethod shape backs login sessions, password hashes, one-time
// reset and validation tokens, MFA secrets, and WebAuthn challenges. The
// differences between those concerns are captured by the Kind policy table,
// not by per-call-site conditionals.
package credential

import "time"

// Kind is the closed set of credential kinds.
type Kind string

const (
	// KindSession is a login session bearer token.
	KindSession Kind = "session"
	// KindMFA is a TOTP secret.
	KindMFA Kind = "mfa"
	// KindPasskey is a stored WebAuthn challenge.
	KindPasskey Kind = "passkey"
	// KindUpdatePassword is the stored password hash.
	KindUpdatePassword Kind = "update-password"
	// KindValidateEmail is a one-time email validation token.
	KindValidateEmail Kind = "validate-email"
	// KindResetPassword is a one-time password reset token.
	KindResetPassword Kind = "reset-password"
)

// Kinds lists every valid credential kind in schema order.
func Kinds() []Kind {
	return []Kind{
		KindSession,
		KindMFA,
		KindPasskey,
		KindUpdatePassword,
		KindValidateEmail,
		KindResetPassword,
	}
}

// ParseKind returns the Kind for a stored type string.
func ParseKind(value string) (Kind, bool) {
	for _, kind := range Kinds() {
		if string(kind) == value {
			return kind, true
		}
	}
	return "", false
}

// Valid reports whether the kind is part of the closed set.
func (k Kind) Valid() bool {
	_, ok := ParseKind(string(k))
	return ok
}

const week = 7 * 24 * time.Hour

// ttlByKind is the expiry policy table. Kinds absent from the table have no
// natural expiry and store a NULL expires_at.
var ttlByKind = map[Kind]time.Duration{
	KindSession:       week,
	KindMFA:           week,
	KindPasskey:       week,
	KindValidateEmail: week,
	KindResetPassword: time.Hour,
}

// TTL returns the expiry window for the kind and whether one applies.
func (k Kind) TTL() (time.Duration, bool) {
	ttl, ok := ttlByKind[k]
	return ttl, ok
}

// singleUseKinds marks kinds whose verified_at transition is terminal:
// consuming the credential spends it permanently.
var singleUseKinds = map[Kind]bool{
	KindMFA:           true,
	KindPasskey:       true,
	KindValidateEmail: true,
	KindResetPassword: true,
}

// SingleUse reports whether consuming the credential must mark it verified.
func (k Kind) SingleUse() bool {
	return singleUseKinds[k]
}

// AuthMethod is one credential record tied to one user.
type AuthMethod struct {
	ID         string
	UserID     string
	Kind       Kind
	Credential string
	VerifiedAt *time.Time
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

// Expired reports whether the record's expiry has passed at now.
func (m AuthMethod) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// Verified reports whether the credential has already been consumed.
func (m AuthMethod) Verified() bool {
	return m.VerifiedAt != nil
}
