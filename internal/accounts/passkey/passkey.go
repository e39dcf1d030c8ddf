// Package passkey coordinates WebAuthn challenge issuance and verification.
//
// The coordinator owns the challenge lifecycle: one pending challenge per
// user, stored alongside the other account credentials, claimed with a single
// conditional write before the cryptographic check runs. The WebAuthn
// arithmetic itself stays behind the provider interface.
package passkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/internetfriends/accounts/internal/accounts/credential"
	"github.com/internetfriends/accounts/internal/accounts/storage"
	apperrors "github.com/internetfriends/accounts/internal/platform/errors"
)

// ErrChallengeNotFound indicates no pending challenge exists for the user.
var ErrChallengeNotFound = apperrors.New(apperrors.CodePasskeyChallengeNotFound, "passkey challenge not found")

// ErrVerificationFailed indicates the authenticator response did not verify
// against the stored challenge and relying party settings.
var ErrVerificationFailed = apperrors.New(apperrors.CodePasskeyVerificationFailed, "passkey verification failed")

// Provider is the WebAuthn ceremony capability.
type Provider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

// Parser decodes raw authenticator responses.
type Parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// challengeRecord is the stored form of a pending challenge: the ceremony it
// belongs to plus the provider session state needed to finish it.
type challengeRecord struct {
	Ceremony CeremonyKind         `json:"ceremony"`
	Session  webauthn.SessionData `json:"session"`
}

// Coordinator issues and settles passkey challenges for account users.
type Coordinator struct {
	store    storage.Store
	provider Provider
	parser   Parser
	config   Config
	initErr  error
}

// NewCoordinator builds a coordinator with relying party settings from the
// environment. A provider construction failure is held and reported on first
// use rather than panicking at wiring time.
func NewCoordinator(store storage.Store) *Coordinator {
	cfg := LoadConfigFromEnv()
	provider, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	return &Coordinator{
		store:    store,
		provider: provider,
		parser:   defaultParser{},
		config:   cfg,
		initErr:  err,
	}
}

// SetProvider replaces the ceremony capability.
func (c *Coordinator) SetProvider(provider Provider) {
	if c == nil {
		return
	}
	c.provider = provider
	c.initErr = nil
}

// SetParser replaces the response parser.
func (c *Coordinator) SetParser(parser Parser) {
	if c == nil {
		return
	}
	c.parser = parser
}

func (c *Coordinator) ready() error {
	if c == nil || c.store == nil {
		return fmt.Errorf("passkey store is not configured")
	}
	if c.initErr != nil || c.provider == nil {
		return fmt.Errorf("passkey provider is not available: %w", c.initErr)
	}
	if c.parser == nil {
		return fmt.Errorf("passkey parser is not configured")
	}
	return nil
}

// webAuthnUser adapts an account user to the provider's user contract.
type webAuthnUser struct {
	user        storage.User
	credentials []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.user.Email
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	return u.user.Email
}

func (u *webAuthnUser) WebAuthnIcon() string {
	return ""
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

// BeginRegistration starts a registration ceremony and stores its challenge.
// Issuing a new challenge replaces any pending one for the user.
func (c *Coordinator) BeginRegistration(ctx context.Context, user storage.User) (*protocol.CredentialCreation, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	adapter := &webAuthnUser{user: user}
	creation, session, err := c.provider.BeginRegistration(adapter,
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("begin passkey registration: %w", err)
	}
	if err := c.storeChallenge(ctx, user.ID, CeremonyRegistration, session); err != nil {
		return nil, err
	}
	return creation, nil
}

// FinishRegistration settles a registration ceremony: the pending challenge
// is claimed atomically, the authenticator response is verified against it,
// and the validated credential is returned for the caller to keep.
func (c *Coordinator) FinishRegistration(ctx context.Context, user storage.User, response []byte) (*webauthn.Credential, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if len(response) == 0 {
		return nil, apperrors.New(apperrors.CodeValidationFailed, "credential response is required")
	}

	record, err := c.claimChallenge(ctx, user.ID, CeremonyRegistration)
	if err != nil {
		return nil, err
	}

	parsed, err := c.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidationFailed, "parse credential response", err)
	}
	validated, err := c.provider.CreateCredential(&webAuthnUser{user: user}, record.Session, parsed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePasskeyVerificationFailed, "verify passkey registration", err)
	}
	return validated, nil
}

// BeginLogin starts an authentication ceremony against the user's registered
// credentials and stores its challenge.
func (c *Coordinator) BeginLogin(ctx context.Context, user storage.User, credentials []webauthn.Credential) (*protocol.CredentialAssertion, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	adapter := &webAuthnUser{user: user, credentials: credentials}
	assertion, session, err := c.provider.BeginLogin(adapter)
	if err != nil {
		return nil, fmt.Errorf("begin passkey login: %w", err)
	}
	if err := c.storeChallenge(ctx, user.ID, CeremonyLogin, session); err != nil {
		return nil, err
	}
	return assertion, nil
}

// FinishLogin settles an authentication ceremony the same way registration
// finishes: claim the challenge first, then verify the response against it.
func (c *Coordinator) FinishLogin(ctx context.Context, user storage.User, credentials []webauthn.Credential, response []byte) (*webauthn.Credential, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if len(response) == 0 {
		return nil, apperrors.New(apperrors.CodeValidationFailed, "credential response is required")
	}

	record, err := c.claimChallenge(ctx, user.ID, CeremonyLogin)
	if err != nil {
		return nil, err
	}

	parsed, err := c.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidationFailed, "parse credential response", err)
	}
	adapter := &webAuthnUser{user: user, credentials: credentials}
	validated, err := c.provider.ValidateLogin(adapter, record.Session, parsed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePasskeyVerificationFailed, "verify passkey login", err)
	}
	return validated, nil
}

// storeChallenge persists the ceremony session as the user's single pending
// passkey challenge.
func (c *Coordinator) storeChallenge(ctx context.Context, userID string, ceremony CeremonyKind, session *webauthn.SessionData) error {
	if session == nil {
		return fmt.Errorf("session data is required")
	}
	payload, err := json.Marshal(challengeRecord{Ceremony: ceremony, Session: *session})
	if err != nil {
		return fmt.Errorf("encode passkey challenge: %w", err)
	}
	if err := c.store.DeleteAuthMethodByKind(ctx, userID, credential.KindPasskey); err != nil {
		return fmt.Errorf("replace passkey challenge: %w", err)
	}
	if _, err := c.store.CreateAuthMethod(ctx, userID, credential.KindPasskey, string(payload)); err != nil {
		return fmt.Errorf("store passkey challenge: %w", err)
	}
	return nil
}

// claimChallenge loads the user's pending challenge for the ceremony and
// claims it with one conditional write. Of two racing settlement attempts
// exactly one gets the record; the loser observes the lifecycle error. The
// claimed row is removed regardless of how verification goes, so a failed
// ceremony needs a fresh challenge.
func (c *Coordinator) claimChallenge(ctx context.Context, userID string, ceremony CeremonyKind) (challengeRecord, error) {
	method, err := c.store.GetAuthMethodByKind(ctx, userID, credential.KindPasskey)
	if err != nil {
		if errors.Is(err, storage.ErrAuthMethodNotFound) {
			return challengeRecord{}, ErrChallengeNotFound
		}
		return challengeRecord{}, fmt.Errorf("load passkey challenge: %w", err)
	}

	var record challengeRecord
	if err := json.Unmarshal([]byte(method.Credential), &record); err != nil {
		return challengeRecord{}, fmt.Errorf("decode passkey challenge: %w", err)
	}
	if record.Ceremony != ceremony {
		return challengeRecord{}, ErrChallengeNotFound
	}

	claimed, err := c.store.ConsumeAuthMethod(ctx, credential.KindPasskey, method.Credential)
	if err != nil {
		switch apperrors.GetCode(err) {
		case apperrors.CodeAuthMethodAlreadyVerified, apperrors.CodeAuthMethodNotFound:
			// A racing settlement claimed or retired the challenge first.
			return challengeRecord{}, ErrChallengeNotFound
		}
		return challengeRecord{}, err
	}
	if err := c.store.DeleteAuthMethodByCredential(ctx, claimed.Credential, credential.KindPasskey); err != nil {
		return challengeRecord{}, fmt.Errorf("retire passkey challenge: %w", err)
	}
	return record, nil
}
