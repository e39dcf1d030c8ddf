package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/internetfriends/accounts/internal/accounts/credential"
	"github.com/internetfriends/accounts/internal/accounts/storage"
	apperrors "github.com/internetfriends/accounts/internal/platform/errors"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "accounts.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestUser(t *testing.T, store *Store, email string) storage.User {
	t.Helper()
	user, err := store.CreateUser(context.Background(), email)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreDBNilSafe(t *testing.T) {
	var store *Store
	if store.DB() != nil {
		t.Fatal("expected nil DB for nil store")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
}

func TestCreateGetUserRoundTrip(t *testing.T) {
	store := openTempStore(t)

	created := createTestUser(t, store, "A@X.com")
	if created.ID == "" {
		t.Fatal("expected generated user id")
	}
	if created.Email != "a@x.com" {
		t.Fatalf("email = %q, want normalized %q", created.Email, "a@x.com")
	}

	got, err := store.GetUser(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.ID != created.ID || got.Email != created.Email {
		t.Fatalf("unexpected user: %+v", got)
	}

	byID, err := store.GetUserByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get user by id: %v", err)
	}
	if byID.Email != created.Email {
		t.Fatalf("email = %q, want %q", byID.Email, created.Email)
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	store := openTempStore(t)

	createTestUser(t, store, "a@x.com")

	_, err := store.CreateUser(context.Background(), "a@x.com")
	if err == nil {
		t.Fatal("expected duplicate email to fail")
	}
	if !errors.Is(err, storage.ErrUserAlreadyExists) {
		t.Fatalf("error = %v, want user already exists", err)
	}
}

func TestGetUserNotFound(t *testing.T) {
	store := openTempStore(t)

	_, err := store.GetUser(context.Background(), "missing@x.com")
	if !errors.Is(err, storage.ErrUserNotFound) {
		t.Fatalf("error = %v, want user not found", err)
	}
}

func TestCreateUserRejectsInvalidEmail(t *testing.T) {
	store := openTempStore(t)

	if _, err := store.CreateUser(context.Background(), "not-an-email"); err == nil {
		t.Fatal("expected error for invalid email")
	}
	if _, err := store.CreateUser(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty email")
	}
}

func TestDeleteUserCascadesAuthMethods(t *testing.T) {
	store := openTempStore(t)

	user := createTestUser(t, store, "a@x.com")
	if _, err := store.CreateAuthMethod(context.Background(), user.ID, credential.KindSession, ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.CreateAuthMethod(context.Background(), user.ID, credential.KindResetPassword, ""); err != nil {
		t.Fatalf("create reset token: %v", err)
	}

	if err := store.DeleteUser(context.Background(), user.ID); err != nil {
		t.Fatalf("delete user: %v", err)
	}

	var count int
	if err := store.DB().QueryRow("SELECT COUNT(*) FROM auth_methods WHERE user_id = ?", user.ID).Scan(&count); err != nil {
		t.Fatalf("count auth methods: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected cascade delete, %d rows remain", count)
	}
}

func TestDeleteUserCascadesOnPooledConnections(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	user := createTestUser(t, store, "a@x.com")
	if _, err := store.CreateAuthMethod(ctx, user.ID, credential.KindSession, ""); err != nil {
		t.Fatalf("create session: %v", err)
	}

	// Hold the pool's first connection so the delete runs on a fresh one,
	// which must also have foreign keys enabled.
	pinned, err := store.DB().Conn(ctx)
	if err != nil {
		t.Fatalf("pin connection: %v", err)
	}
	defer pinned.Close()

	var enabled int
	if err := pinned.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&enabled); err != nil {
		t.Fatalf("read foreign_keys pragma: %v", err)
	}
	if enabled != 1 {
		t.Fatal("expected foreign keys enabled on pinned connection")
	}

	if err := store.DeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("delete user: %v", err)
	}

	var count int
	if err := store.DB().QueryRow("SELECT COUNT(*) FROM auth_methods WHERE user_id = ?", user.ID).Scan(&count); err != nil {
		t.Fatalf("count auth methods: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected cascade delete on second connection, %d rows remain", count)
	}
}

func TestCreateAuthMethodAppliesExpiryPolicy(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	user := createTestUser(t, store, "a@x.com")

	session, err := store.CreateAuthMethod(context.Background(), user.ID, credential.KindSession, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.ExpiresAt == nil {
		t.Fatal("expected session expiry")
	}
	if !session.ExpiresAt.Equal(now.Add(7 * 24 * time.Hour)) {
		t.Fatalf("session expiry = %v, want one week out", session.ExpiresAt)
	}
	if session.Credential == "" {
		t.Fatal("expected generated session token")
	}

	reset, err := store.CreateAuthMethod(context.Background(), user.ID, credential.KindResetPassword, "")
	if err != nil {
		t.Fatalf("create reset token: %v", err)
	}
	if reset.ExpiresAt == nil || !reset.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("reset expiry = %v, want one hour out", reset.ExpiresAt)
	}

	hash, err := store.CreateAuthMethod(context.Background(), user.ID, credential.KindUpdatePassword, "$2a$10$hash")
	if err != nil {
		t.Fatalf("create password hash: %v", err)
	}
	if hash.ExpiresAt != nil {
		t.Fatalf("password hash expiry = %v, want none", hash.ExpiresAt)
	}
	if hash.Credential != "$2a$10$hash" {
		t.Fatalf("credential = %q, want caller-supplied hash", hash.Credential)
	}
}

func TestCreateAuthMethodRejectsUnknownKind(t *testing.T) {
	store := openTempStore(t)
	user := createTestUser(t, store, "a@x.com")

	if _, err := store.CreateAuthMethod(context.Background(), user.ID, credential.Kind("password"), ""); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestGetAuthMethodLookups(t *testing.T) {
	store := openTempStore(t)
	user := createTestUser(t, store, "a@x.com")

	created, err := store.CreateAuthMethod(context.Background(), user.ID, credential.KindValidateEmail, "")
	if err != nil {
		t.Fatalf("create validation token: %v", err)
	}

	byKind, err := store.GetAuthMethodByKind(context.Background(), user.ID, credential.KindValidateEmail)
	if err != nil {
		t.Fatalf("get by kind: %v", err)
	}
	if byKind.ID != created.ID {
		t.Fatalf("id = %q, want %q", byKind.ID, created.ID)
	}

	byCredential, err := store.GetAuthMethodByCredential(context.Background(), credential.KindValidateEmail, created.Credential)
	if err != nil {
		t.Fatalf("get by credential: %v", err)
	}
	if byCredential.ID != created.ID {
		t.Fatalf("id = %q, want %q", byCredential.ID, created.ID)
	}

	_, err = store.GetAuthMethodByCredential(context.Background(), credential.KindValidateEmail, "missing")
	if !errors.Is(err, storage.ErrAuthMethodNotFound) {
		t.Fatalf("error = %v, want auth method not found", err)
	}
}

func TestUpdateAuthMethodCredential(t *testing.T) {
	store := openTempStore(t)
	user := createTestUser(t, store, "a@x.com")

	if _, err := store.CreateAuthMethod(context.Background(), user.ID, credential.KindUpdatePassword, "old-hash"); err != nil {
		t.Fatalf("create password hash: %v", err)
	}

	updated, err := store.UpdateAuthMethodCredential(context.Background(), user.ID, credential.KindUpdatePassword, "new-hash")
	if err != nil {
		t.Fatalf("update credential: %v", err)
	}
	if updated.Credential != "new-hash" {
		t.Fatalf("credential = %q, want %q", updated.Credential, "new-hash")
	}

	_, err = store.UpdateAuthMethodCredential(context.Background(), user.ID, credential.KindMFA, "secret")
	if !errors.Is(err, storage.ErrAuthMethodNotFound) {
		t.Fatalf("error = %v, want auth method not found", err)
	}
}

func TestConsumeAuthMethodSingleUse(t *testing.T) {
	store := openTempStore(t)
	user := createTestUser(t, store, "a@x.com")

	token, err := store.CreateAuthMethod(context.Background(), user.ID, credential.KindResetPassword, "abc123")
	if err != nil {
		t.Fatalf("create reset token: %v", err)
	}

	consumed, err := store.ConsumeAuthMethod(context.Background(), credential.KindResetPassword, "abc123")
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if consumed.ID != token.ID {
		t.Fatalf("id = %q, want %q", consumed.ID, token.ID)
	}
	if consumed.VerifiedAt == nil {
		t.Fatal("expected verified_at to be stamped")
	}

	_, err = store.ConsumeAuthMethod(context.Background(), credential.KindResetPassword, "abc123")
	if apperrors.GetCode(err) != apperrors.CodeAuthMethodAlreadyVerified {
		t.Fatalf("second consume error = %v, want already verified", err)
	}
}

func TestConsumeAuthMethodExpired(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	user := createTestUser(t, store, "a@x.com")
	if _, err := store.CreateAuthMethod(context.Background(), user.ID, credential.KindResetPassword, "abc123"); err != nil {
		t.Fatalf("create reset token: %v", err)
	}

	store.SetClock(func() time.Time { return now.Add(time.Hour + time.Second) })

	_, err := store.ConsumeAuthMethod(context.Background(), credential.KindResetPassword, "abc123")
	if apperrors.GetCode(err) != apperrors.CodeAuthMethodExpired {
		t.Fatalf("error = %v, want expired", err)
	}
}

func TestConsumeAuthMethodMissing(t *testing.T) {
	store := openTempStore(t)

	_, err := store.ConsumeAuthMethod(context.Background(), credential.KindResetPassword, "missing")
	if !errors.Is(err, storage.ErrAuthMethodNotFound) {
		t.Fatalf("error = %v, want auth method not found", err)
	}
}

func TestConsumeAuthMethodConcurrent(t *testing.T) {
	store := openTempStore(t)
	user := createTestUser(t, store, "a@x.com")

	if _, err := store.CreateAuthMethod(context.Background(), user.ID, credential.KindResetPassword, "abc123"); err != nil {
		t.Fatalf("create reset token: %v", err)
	}

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = store.ConsumeAuthMethod(context.Background(), credential.KindResetPassword, "abc123")
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("concurrent consumes succeeded = %d, want exactly 1", succeeded)
	}
}

func TestMarkVerified(t *testing.T) {
	store := openTempStore(t)
	user := createTestUser(t, store, "a@x.com")

	token, err := store.CreateAuthMethod(context.Background(), user.ID, credential.KindValidateEmail, "")
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	if err := store.MarkVerified(context.Background(), token.ID); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	got, err := store.GetAuthMethodByCredential(context.Background(), credential.KindValidateEmail, token.Credential)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if got.VerifiedAt == nil {
		t.Fatal("expected verified_at to be set")
	}

	if err := store.MarkVerified(context.Background(), "missing"); !errors.Is(err, storage.ErrAuthMethodNotFound) {
		t.Fatalf("error = %v, want auth method not found", err)
	}
}

func TestRotateSession(t *testing.T) {
	store := openTempStore(t)
	user := createTestUser(t, store, "a@x.com")

	old, err := store.CreateAuthMethod(context.Background(), user.ID, credential.KindSession, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rotated, err := store.RotateSession(context.Background(), old.Credential)
	if err != nil {
		t.Fatalf("rotate session: %v", err)
	}
	if rotated.UserID != user.ID {
		t.Fatalf("user id = %q, want %q", rotated.UserID, user.ID)
	}
	if rotated.Credential == old.Credential {
		t.Fatal("expected a fresh session token")
	}

	_, err = store.GetAuthMethodByCredential(context.Background(), credential.KindSession, old.Credential)
	if !errors.Is(err, storage.ErrAuthMethodNotFound) {
		t.Fatalf("old token lookup error = %v, want auth method not found", err)
	}

	if _, err := store.GetAuthMethodByCredential(context.Background(), credential.KindSession, rotated.Credential); err != nil {
		t.Fatalf("new token lookup: %v", err)
	}
}

func TestRotateSessionMissingToken(t *testing.T) {
	store := openTempStore(t)

	_, err := store.RotateSession(context.Background(), "missing")
	if !errors.Is(err, storage.ErrAuthMethodNotFound) {
		t.Fatalf("error = %v, want auth method not found", err)
	}
}

func TestRotateSessionConcurrent(t *testing.T) {
	store := openTempStore(t)
	user := createTestUser(t, store, "a@x.com")

	old, err := store.CreateAuthMethod(context.Background(), user.ID, credential.KindSession, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	const attempts = 8
	results := make([]credential.AuthMethod, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = store.RotateSession(context.Background(), old.Credential)
		}()
	}
	wg.Wait()

	succeeded := 0
	var survivor credential.AuthMethod
	for i, err := range errs {
		if err == nil {
			succeeded++
			survivor = results[i]
		}
	}
	if succeeded != 1 {
		t.Fatalf("concurrent rotations succeeded = %d, want exactly 1", succeeded)
	}

	var count int
	if err := store.DB().QueryRow(
		"SELECT COUNT(*) FROM auth_methods WHERE user_id = ? AND type = ?",
		user.ID, string(credential.KindSession),
	).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 1 {
		t.Fatalf("surviving sessions = %d, want exactly 1", count)
	}

	if _, err := store.GetAuthMethodByCredential(context.Background(), credential.KindSession, survivor.Credential); err != nil {
		t.Fatalf("survivor lookup: %v", err)
	}
}

func TestDeleteAuthMethodByCredentialIdempotent(t *testing.T) {
	store := openTempStore(t)
	user := createTestUser(t, store, "a@x.com")

	session, err := store.CreateAuthMethod(context.Background(), user.ID, credential.KindSession, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := store.DeleteAuthMethodByCredential(context.Background(), session.Credential, credential.KindSession); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := store.DeleteAuthMethodByCredential(context.Background(), session.Credential, credential.KindSession); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}
