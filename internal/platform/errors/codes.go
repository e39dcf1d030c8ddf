// Package errors provides structured error handling with HTTP status mapping.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// User errors
	CodeUserNotFound      Code = "USER_NOT_FOUND"
	CodeUserAlreadyExists Code = "USER_ALREADY_EXISTS"

	// Credential record errors
	CodeAuthMethodNotFound        Code = "AUTH_METHOD_NOT_FOUND"
	CodeAuthMethodExpired         Code = "AUTH_METHOD_EXPIRED"
	CodeAuthMethodAlreadyVerified Code = "AUTH_METHOD_ALREADY_VERIFIED"
	CodeAuthMethodInvalid         Code = "AUTH_METHOD_INVALID"

	// Session errors
	CodeSessionTokenNotFound Code = "SESSION_TOKEN_NOT_FOUND"
	CodeSessionTokenInvalid  Code = "SESSION_TOKEN_INVALID"
	CodeSessionTokenExpired  Code = "SESSION_TOKEN_EXPIRED"

	// Credential match errors (wrong password or MFA code)
	CodeInvalidCredential Code = "INVALID_CREDENTIAL"

	// Input errors
	CodeValidationFailed Code = "VALIDATION_FAILED"

	// Passkey errors
	CodePasskeyChallengeNotFound   Code = "PASSKEY_CHALLENGE_NOT_FOUND"
	CodePasskeyVerificationFailed  Code = "PASSKEY_VERIFICATION_FAILED"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// BadRequest - validation failures, bad input
	case CodeValidationFailed,
		CodeAuthMethodInvalid:
		return http.StatusBadRequest

	// Unauthorized - missing or unusable authentication material
	case CodeSessionTokenNotFound,
		CodeSessionTokenInvalid,
		CodeSessionTokenExpired,
		CodeInvalidCredential:
		return http.StatusUnauthorized

	// NotFound - resource doesn't exist
	case CodeUserNotFound,
		CodeAuthMethodNotFound,
		CodePasskeyChallengeNotFound:
		return http.StatusNotFound

	// Gone - the token existed but can no longer be used
	case CodeAuthMethodExpired,
		CodeAuthMethodAlreadyVerified:
		return http.StatusGone

	// Conflict - unique resource constraint
	case CodeUserAlreadyExists:
		return http.StatusConflict

	// Forbidden - the verifier rejected otherwise well-formed material
	case CodePasskeyVerificationFailed:
		return http.StatusForbidden

	default:
		return http.StatusInternalServerError
	}
}
