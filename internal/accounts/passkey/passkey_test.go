package passkey

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/internetfriends/accounts/internal/accounts/credential"
	"github.com/internetfriends/accounts/internal/accounts/storage"
	"github.com/internetfriends/accounts/internal/accounts/storage/sqlite"
	apperrors "github.com/internetfriends/accounts/internal/platform/errors"
)

type fakeProvider struct {
	challenge            string
	credential           *webauthn.Credential
	beginRegistrationErr error
	beginLoginErr        error
	createErr            error
	validateErr          error
}

func (f *fakeProvider) BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	if f.beginRegistrationErr != nil {
		return nil, nil, f.beginRegistrationErr
	}
	return &protocol.CredentialCreation{}, &webauthn.SessionData{Challenge: f.challenge, UserID: user.WebAuthnID()}, nil
}

func (f *fakeProvider) CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.credential != nil {
		return f.credential, nil
	}
	return &webauthn.Credential{ID: []byte("cred")}, nil
}

func (f *fakeProvider) BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	if f.beginLoginErr != nil {
		return nil, nil, f.beginLoginErr
	}
	return &protocol.CredentialAssertion{}, &webauthn.SessionData{Challenge: f.challenge, UserID: user.WebAuthnID()}, nil
}

func (f *fakeProvider) ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	if f.credential != nil {
		return f.credential, nil
	}
	return &webauthn.Credential{ID: []byte("cred")}, nil
}

type fakeParser struct{}

func (fakeParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return &protocol.ParsedCredentialCreationData{}, nil
}

func (fakeParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return &protocol.ParsedCredentialAssertionData{}, nil
}

func openTempStore(t *testing.T) *sqlite.Store {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "accounts.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func newTestCoordinator(t *testing.T, store *sqlite.Store, provider *fakeProvider) *Coordinator {
	t.Helper()

	coordinator := NewCoordinator(store)
	coordinator.SetProvider(provider)
	coordinator.SetParser(fakeParser{})
	return coordinator
}

func createTestUser(t *testing.T, store *sqlite.Store, email string) storage.User {
	t.Helper()

	user, err := store.CreateUser(context.Background(), email)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func TestRegistrationCeremony(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	user := createTestUser(t, store, "register@example.com")
	coordinator := newTestCoordinator(t, store, &fakeProvider{challenge: "challenge-1"})
	ctx := context.Background()

	creation, err := coordinator.BeginRegistration(ctx, user)
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	if creation == nil {
		t.Fatal("expected creation options")
	}

	stored, err := store.GetAuthMethodByKind(ctx, user.ID, credential.KindPasskey)
	if err != nil {
		t.Fatalf("load challenge: %v", err)
	}
	if stored.Verified() {
		t.Fatal("expected pending challenge to be unverified")
	}

	validated, err := coordinator.FinishRegistration(ctx, user, []byte(`{}`))
	if err != nil {
		t.Fatalf("finish registration: %v", err)
	}
	if string(validated.ID) != "cred" {
		t.Fatalf("credential id = %q, want %q", validated.ID, "cred")
	}

	// The challenge is single use.
	_, err = coordinator.FinishRegistration(ctx, user, []byte(`{}`))
	if apperrors.GetCode(err) != apperrors.CodePasskeyChallengeNotFound {
		t.Fatalf("expected challenge not found on reuse, got %v", err)
	}
}

func TestFinishRegistrationWithoutChallenge(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	user := createTestUser(t, store, "no-challenge@example.com")
	coordinator := newTestCoordinator(t, store, &fakeProvider{})

	_, err := coordinator.FinishRegistration(context.Background(), user, []byte(`{}`))
	if apperrors.GetCode(err) != apperrors.CodePasskeyChallengeNotFound {
		t.Fatalf("expected challenge not found, got %v", err)
	}
}

func TestFinishRegistrationExpiredChallenge(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	user := createTestUser(t, store, "expired-challenge@example.com")
	coordinator := newTestCoordinator(t, store, &fakeProvider{challenge: "challenge-1"})
	ctx := context.Background()

	if _, err := coordinator.BeginRegistration(ctx, user); err != nil {
		t.Fatalf("begin registration: %v", err)
	}

	store.SetClock(func() time.Time { return time.Now().Add(8 * 24 * time.Hour) })

	_, err := coordinator.FinishRegistration(ctx, user, []byte(`{}`))
	if apperrors.GetCode(err) != apperrors.CodeAuthMethodExpired {
		t.Fatalf("expected expired challenge error, got %v", err)
	}
}

func TestVerificationFailureBurnsChallenge(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	user := createTestUser(t, store, "burn@example.com")
	provider := &fakeProvider{challenge: "challenge-1", createErr: ErrVerificationFailed}
	coordinator := newTestCoordinator(t, store, provider)
	ctx := context.Background()

	if _, err := coordinator.BeginRegistration(ctx, user); err != nil {
		t.Fatalf("begin registration: %v", err)
	}

	_, err := coordinator.FinishRegistration(ctx, user, []byte(`{}`))
	if apperrors.GetCode(err) != apperrors.CodePasskeyVerificationFailed {
		t.Fatalf("expected verification failure, got %v", err)
	}

	// A failed ceremony consumes the challenge; retrying needs a new one.
	provider.createErr = nil
	_, err = coordinator.FinishRegistration(ctx, user, []byte(`{}`))
	if apperrors.GetCode(err) != apperrors.CodePasskeyChallengeNotFound {
		t.Fatalf("expected challenge not found after failure, got %v", err)
	}
}

func TestLoginCeremony(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	user := createTestUser(t, store, "login@example.com")
	registered := webauthn.Credential{ID: []byte("registered-cred")}
	provider := &fakeProvider{challenge: "challenge-2", credential: &registered}
	coordinator := newTestCoordinator(t, store, provider)
	ctx := context.Background()

	assertion, err := coordinator.BeginLogin(ctx, user, []webauthn.Credential{registered})
	if err != nil {
		t.Fatalf("begin login: %v", err)
	}
	if assertion == nil {
		t.Fatal("expected assertion options")
	}

	validated, err := coordinator.FinishLogin(ctx, user, []webauthn.Credential{registered}, []byte(`{}`))
	if err != nil {
		t.Fatalf("finish login: %v", err)
	}
	if string(validated.ID) != "registered-cred" {
		t.Fatalf("credential id = %q, want %q", validated.ID, "registered-cred")
	}
}

func TestCeremonyKindMismatch(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	user := createTestUser(t, store, "mismatch@example.com")
	coordinator := newTestCoordinator(t, store, &fakeProvider{challenge: "challenge-3"})
	ctx := context.Background()

	if _, err := coordinator.BeginRegistration(ctx, user); err != nil {
		t.Fatalf("begin registration: %v", err)
	}

	// A registration challenge cannot settle a login ceremony.
	_, err := coordinator.FinishLogin(ctx, user, nil, []byte(`{}`))
	if apperrors.GetCode(err) != apperrors.CodePasskeyChallengeNotFound {
		t.Fatalf("expected challenge not found, got %v", err)
	}
}

func TestNewChallengeReplacesPending(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	user := createTestUser(t, store, "replace@example.com")
	provider := &fakeProvider{challenge: "first"}
	coordinator := newTestCoordinator(t, store, provider)
	ctx := context.Background()

	if _, err := coordinator.BeginRegistration(ctx, user); err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	provider.challenge = "second"
	if _, err := coordinator.BeginRegistration(ctx, user); err != nil {
		t.Fatalf("begin registration again: %v", err)
	}

	stored, err := store.GetAuthMethodByKind(ctx, user.ID, credential.KindPasskey)
	if err != nil {
		t.Fatalf("load challenge: %v", err)
	}
	if want := "second"; !containsChallenge(stored.Credential, want) {
		t.Fatalf("stored challenge %q does not carry %q", stored.Credential, want)
	}
}

func containsChallenge(stored, challenge string) bool {
	var record challengeRecord
	if err := json.Unmarshal([]byte(stored), &record); err != nil {
		return false
	}
	return record.Session.Challenge == challenge
}

func TestFinishRegistrationConcurrent(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	user := createTestUser(t, store, "concurrent@example.com")
	coordinator := newTestCoordinator(t, store, &fakeProvider{challenge: "challenge-race"})
	ctx := context.Background()

	if _, err := coordinator.BeginRegistration(ctx, user); err != nil {
		t.Fatalf("begin registration: %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coordinator.FinishRegistration(ctx, user, []byte(`{}`))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded int
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("succeeded = %d, want exactly 1", succeeded)
	}
}
