package httpapi

// Route paths for the account HTTP surface.
const (
	PathRegister       = "/auth/register"
	PathLogin          = "/auth/login"
	PathLogout         = "/auth/logout"
	PathSession        = "/auth/session"
	PathSessionRenew   = "/auth/session/renew"
	PathSessionDestroy = "/auth/session/destroy"
	PathPassword       = "/auth/password"
	PathResetRequest   = "/auth/password/reset-request"
	PathResetConfirm   = "/auth/password/reset"
	PathEmailConfirm   = "/auth/email/confirm"
	PathMFAEnroll      = "/auth/mfa/enroll"
	PathMFAConfirm     = "/auth/mfa/confirm"
	PathPasskey        = "/auth/passkey"
)
