// Package httpapi exposes the account flows over HTTP.
//
// Handlers translate between the wire and the domain packages; every domain
// failure surfaces through the shared error taxonomy and its status mapping.
// Credential mismatches answer with a generic invalid-credential error so
// responses never confirm which field was wrong.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/internetfriends/accounts/internal/accounts/credential"
	"github.com/internetfriends/accounts/internal/accounts/email"
	"github.com/internetfriends/accounts/internal/accounts/gatekeeper"
	"github.com/internetfriends/accounts/internal/accounts/mfa"
	"github.com/internetfriends/accounts/internal/accounts/passkey"
	"github.com/internetfriends/accounts/internal/accounts/password"
	"github.com/internetfriends/accounts/internal/accounts/session"
	"github.com/internetfriends/accounts/internal/accounts/storage"
	apperrors "github.com/internetfriends/accounts/internal/platform/errors"
)

// Handler owns the HTTP surface over the account flows.
type Handler struct {
	store     storage.Store
	sessions  *session.Manager
	passwords *password.Flows
	mfas      *mfa.Flows
	passkeys  *passkey.Coordinator
	mailer    *email.Mailer
	gate      *gatekeeper.Gatekeeper
}

// NewHandler wires the account flows behind the HTTP surface.
func NewHandler(store storage.Store, sessions *session.Manager, passwords *password.Flows, mfas *mfa.Flows, passkeys *passkey.Coordinator, mailer *email.Mailer, gate *gatekeeper.Gatekeeper) *Handler {
	return &Handler{
		store:     store,
		sessions:  sessions,
		passwords: passwords,
		mfas:      mfas,
		passkeys:  passkeys,
		mailer:    mailer,
		gate:      gate,
	}
}

// currentUser resolves the authenticated user for a request, preferring the
// identity the gatekeeper stashed on the context over re-validating the
// bearer.
func (h *Handler) currentUser(r *http.Request) (storage.User, error) {
	if userID, ok := gatekeeper.UserID(r.Context()); ok {
		return h.store.GetUserByID(r.Context(), userID)
	}
	token, ok := h.sessions.FromRequest(r)
	if !ok {
		return storage.User{}, session.ErrTokenNotFound
	}
	userID, err := h.sessions.Validate(r.Context(), token)
	if err != nil {
		return storage.User{}, err
	}
	return h.store.GetUserByID(r.Context(), userID)
}

func decodeBody(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return apperrors.New(apperrors.CodeValidationFailed, "invalid request body")
	}
	return nil
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// HandleRegister creates a user with a password and mails the address
// confirmation link.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}
	if strings.TrimSpace(body.Email) == "" || strings.TrimSpace(body.Password) == "" {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeValidationFailed), "email and password are required")
		return
	}

	user, err := h.store.CreateUser(r.Context(), body.Email)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.passwords.Set(r.Context(), user.ID, body.Password); err != nil {
		writeDomainError(w, err)
		return
	}
	token, err := h.store.CreateAuthMethod(r.Context(), user.ID, credential.KindValidateEmail, "")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.mailer.SendVerification(r.Context(), user.Email, token.Credential); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, userResponse{ID: user.ID, Email: user.Email})
}

// HandleLogin verifies the password (and one-time code when the account has
// multi-factor enrolled) and opens a session.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Code     string `json:"code,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}

	user, err := h.store.GetUser(r.Context(), body.Email)
	if err != nil {
		// Unknown account and wrong password answer identically.
		writeDomainError(w, password.ErrInvalidCredential)
		return
	}
	valid, err := h.passwords.Verify(r.Context(), user.ID, body.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !valid {
		writeDomainError(w, password.ErrInvalidCredential)
		return
	}

	enrolled, err := h.mfas.Enrolled(r.Context(), user.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if enrolled {
		if err := h.mfas.Verify(r.Context(), user.ID, body.Code); err != nil {
			writeDomainError(w, password.ErrInvalidCredential)
			return
		}
	}

	if _, err := h.sessions.Create(r.Context(), user.ID, w, r); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{ID: user.ID, Email: user.Email})
}

// HandleLogout destroys the current session. Logging out without a session
// is a no-op.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token, _ := h.sessions.FromRequest(r)
	if err := h.sessions.Destroy(r.Context(), token, w, r); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSessionStatus reports the current session's owner.
func (h *Handler) HandleSessionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, err := h.currentUser(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{ID: user.ID, Email: user.Email})
}

// HandleSessionRenew rotates the session bearer.
func (h *Handler) HandleSessionRenew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token, ok := h.sessions.FromRequest(r)
	if !ok {
		writeDomainError(w, session.ErrTokenNotFound)
		return
	}
	if _, err := h.sessions.Renew(r.Context(), token, w, r); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSessionDestroy destroys the current session.
func (h *Handler) HandleSessionDestroy(w http.ResponseWriter, r *http.Request) {
	h.HandleLogout(w, r)
}

// HandlePasswordUpdate rotates the password for the session's owner after
// checking the current one.
func (h *Handler) HandlePasswordUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, err := h.currentUser(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var body struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.passwords.Update(r.Context(), user.ID, body.CurrentPassword, body.NewPassword); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleResetRequest issues a reset token and mails it. The response never
// reveals whether the address is registered.
func (h *Handler) HandleResetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}

	user, token, err := h.passwords.RequestReset(r.Context(), body.Email)
	if err == nil {
		if err := h.mailer.SendPasswordReset(r.Context(), user.Email, token.Credential); err != nil {
			writeDomainError(w, err)
			return
		}
	} else if !errors.Is(err, storage.ErrUserNotFound) {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleResetConfirm consumes a reset token and installs the new password.
// The token arrives either in the body or through the gatekeeper's grant
// cookie from the link visit.
func (h *Handler) HandleResetConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Token       string `json:"token,omitempty"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}
	token := strings.TrimSpace(body.Token)
	if token == "" && h.gate != nil {
		if handoff, err := h.gate.ConsumeHandoff(w, r); err == nil && handoff.Kind == credential.KindResetPassword {
			token = handoff.Token
		}
	}
	if err := h.passwords.Reset(r.Context(), token, body.NewPassword); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleEmailConfirm consumes an address-confirmation token.
func (h *Handler) HandleEmailConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Token string `json:"token,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}
	token := strings.TrimSpace(body.Token)
	if token == "" && h.gate != nil {
		if handoff, err := h.gate.ConsumeHandoff(w, r); err == nil && handoff.Kind == credential.KindValidateEmail {
			token = handoff.Token
		}
	}
	if token == "" {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeValidationFailed), "token is required")
		return
	}
	if _, err := h.store.ConsumeAuthMethod(r.Context(), credential.KindValidateEmail, token); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMFAEnroll mints a pending multi-factor secret for the session's
// owner and returns it for the authenticator app.
func (h *Handler) HandleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, err := h.currentUser(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	method, err := h.mfas.Enroll(r.Context(), user.ID, user.Email)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Secret string `json:"secret"`
	}{Secret: method.Credential})
}

// HandleMFAConfirm completes enrollment with the first code.
func (h *Handler) HandleMFAConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, err := h.currentUser(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.mfas.ConfirmEnrollment(r.Context(), user.ID, body.Code); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PasskeyOperation is the closed set of passkey ceremony commands.
type PasskeyOperation string

const (
	OpRegisterOptions PasskeyOperation = "register-options"
	OpRegisterVerify  PasskeyOperation = "register-verify"
	OpLoginOptions    PasskeyOperation = "login-options"
	OpLoginVerify     PasskeyOperation = "login-verify"
)

// ParsePasskeyOperation resolves a wire value into the operation enum.
func ParsePasskeyOperation(value string) (PasskeyOperation, bool) {
	switch PasskeyOperation(value) {
	case OpRegisterOptions, OpRegisterVerify, OpLoginOptions, OpLoginVerify:
		return PasskeyOperation(value), true
	}
	return "", false
}

type passkeyRequest struct {
	Operation   string                `json:"operation"`
	Response    json.RawMessage       `json:"response,omitempty"`
	Credentials []webauthn.Credential `json:"credentials,omitempty"`
}

// HandlePasskey dispatches the passkey ceremony operations for the
// session's owner through the operation enum.
func (h *Handler) HandlePasskey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, err := h.currentUser(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var body passkeyRequest
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}
	operation, ok := ParsePasskeyOperation(body.Operation)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, string(apperrors.CodeValidationFailed), "unknown passkey operation")
		return
	}

	switch operation {
	case OpRegisterOptions:
		options, err := h.passkeys.BeginRegistration(r.Context(), user)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, options)
	case OpRegisterVerify:
		validated, err := h.passkeys.FinishRegistration(r.Context(), user, body.Response)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, validated)
	case OpLoginOptions:
		options, err := h.passkeys.BeginLogin(r.Context(), user, body.Credentials)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, options)
	case OpLoginVerify:
		validated, err := h.passkeys.FinishLogin(r.Context(), user, body.Credentials, body.Response)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, validated)
	}
}
