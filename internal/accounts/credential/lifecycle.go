package credential

import (
	"time"

	apperrors "github.com/internetfriends/accounts/internal/platform/errors"
)

// State classifies a credential lookup result.
type State int

const (
	// StateMissing means no record matched the lookup.
	StateMissing State = iota
	// StateExpired means the record exists but its expiry has passed.
	StateExpired
	// StateAlreadyVerified means the record was already consumed.
	StateAlreadyVerified
	// StateValid means the caller may proceed to consume the credential.
	StateValid
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StateExpired:
		return "expired"
	case StateAlreadyVerified:
		return "already-verified"
	case StateValid:
		return "valid"
	default:
		return "unknown"
	}
}

// Evaluate runs the lifecycle transition function over a lookup result.
//
// The ladder is ordered: a record that is both expired and verified reports
// expired, so a spent token never becomes retryable by aging out.
func Evaluate(method *AuthMethod, now time.Time) State {
	if method == nil {
		return StateMissing
	}
	if method.Expired(now) {
		return StateExpired
	}
	if method.Verified() {
		return StateAlreadyVerified
	}
	return StateValid
}

// Err returns the taxonomy error for a terminal state, or nil for StateValid.
func (s State) Err() error {
	switch s {
	case StateMissing:
		return apperrors.New(apperrors.CodeAuthMethodNotFound, "auth method not found")
	case StateExpired:
		return apperrors.New(apperrors.CodeAuthMethodExpired, "auth method expired")
	case StateAlreadyVerified:
		return apperrors.New(apperrors.CodeAuthMethodAlreadyVerified, "auth method already verified")
	case StateValid:
		return nil
	default:
		return apperrors.New(apperrors.CodeAuthMethodInvalid, "auth method state unknown")
	}
}
