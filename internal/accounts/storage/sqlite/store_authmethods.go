package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/internetfriends/accounts/internal/accounts/credential"
	"github.com/internetfriends/accounts/internal/accounts/storage"
)

const authMethodColumns = "id, user_id, type, credential, verified_at, expires_at, created_at"

// CreateAuthMethod inserts a credential row for the user.
//
// When value is empty a random token is generated. Expiry comes from the
// kind's policy table, relative to the store clock, at creation time.
func (s *Store) CreateAuthMethod(ctx context.Context, userID string, kind credential.Kind, value string) (credential.AuthMethod, error) {
	if err := ctx.Err(); err != nil {
		return credential.AuthMethod{}, err
	}
	if s == nil || s.sqlDB == nil {
		return credential.AuthMethod{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return credential.AuthMethod{}, fmt.Errorf("user id is required")
	}
	if !kind.Valid() {
		return credential.AuthMethod{}, fmt.Errorf("credential kind %q is unknown", kind)
	}

	if value == "" {
		token, err := s.generator()
		if err != nil {
			return credential.AuthMethod{}, fmt.Errorf("generate credential token: %w", err)
		}
		value = token
	}

	rowID, err := s.generator()
	if err != nil {
		return credential.AuthMethod{}, fmt.Errorf("generate auth method id: %w", err)
	}

	now := s.clock().UTC()
	method := credential.AuthMethod{
		ID:         rowID,
		UserID:     userID,
		Kind:       kind,
		Credential: value,
		CreatedAt:  now,
	}

	expiresAt := sql.NullInt64{}
	if ttl, ok := kind.TTL(); ok {
		expiry := now.Add(ttl)
		method.ExpiresAt = &expiry
		expiresAt = sql.NullInt64{Int64: toMillis(expiry), Valid: true}
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO auth_methods (id, user_id, type, credential, verified_at, expires_at, created_at)
VALUES (?, ?, ?, ?, NULL, ?, ?)
`, rowID, userID, string(kind), value, expiresAt, toMillis(now))
	if err != nil {
		return credential.AuthMethod{}, fmt.Errorf("insert auth method: %w", err)
	}

	return method, nil
}

// GetAuthMethodByKind returns the newest credential of a kind for a user.
func (s *Store) GetAuthMethodByKind(ctx context.Context, userID string, kind credential.Kind) (credential.AuthMethod, error) {
	if err := ctx.Err(); err != nil {
		return credential.AuthMethod{}, err
	}
	if s == nil || s.sqlDB == nil {
		return credential.AuthMethod{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return credential.AuthMethod{}, fmt.Errorf("user id is required")
	}
	if !kind.Valid() {
		return credential.AuthMethod{}, fmt.Errorf("credential kind %q is unknown", kind)
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+authMethodColumns+` FROM auth_methods
WHERE user_id = ? AND type = ?
ORDER BY created_at DESC
LIMIT 1
`, userID, string(kind))
	return scanAuthMethod(row.Scan)
}

// GetAuthMethodByCredential resolves a credential row by its token value.
func (s *Store) GetAuthMethodByCredential(ctx context.Context, kind credential.Kind, value string) (credential.AuthMethod, error) {
	if err := ctx.Err(); err != nil {
		return credential.AuthMethod{}, err
	}
	if s == nil || s.sqlDB == nil {
		return credential.AuthMethod{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(value) == "" {
		return credential.AuthMethod{}, fmt.Errorf("credential value is required")
	}
	if !kind.Valid() {
		return credential.AuthMethod{}, fmt.Errorf("credential kind %q is unknown", kind)
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+authMethodColumns+` FROM auth_methods
WHERE type = ? AND credential = ?
`, string(kind), value)
	return scanAuthMethod(row.Scan)
}

// UpdateAuthMethodCredential rotates the stored value in place.
func (s *Store) UpdateAuthMethodCredential(ctx context.Context, userID string, kind credential.Kind, newValue string) (credential.AuthMethod, error) {
	if err := ctx.Err(); err != nil {
		return credential.AuthMethod{}, err
	}
	if s == nil || s.sqlDB == nil {
		return credential.AuthMethod{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return credential.AuthMethod{}, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(newValue) == "" {
		return credential.AuthMethod{}, fmt.Errorf("credential value is required")
	}
	if !kind.Valid() {
		return credential.AuthMethod{}, fmt.Errorf("credential kind %q is unknown", kind)
	}

	row := s.sqlDB.QueryRowContext(ctx, `
UPDATE auth_methods SET credential = ?
WHERE user_id = ? AND type = ?
RETURNING `+authMethodColumns+`
`, newValue, userID, string(kind))
	return scanAuthMethod(row.Scan)
}

// DeleteAuthMethodByKind removes every credential of a kind for a user.
func (s *Store) DeleteAuthMethodByKind(ctx context.Context, userID string, kind credential.Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if !kind.Valid() {
		return fmt.Errorf("credential kind %q is unknown", kind)
	}

	_, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM auth_methods WHERE user_id = ? AND type = ?
`, userID, string(kind))
	if err != nil {
		return fmt.Errorf("delete auth methods: %w", err)
	}
	return nil
}

// DeleteAuthMethodByCredential removes one credential row by token value.
// A missing row is a no-op so logout stays idempotent.
func (s *Store) DeleteAuthMethodByCredential(ctx context.Context, value string, kind credential.Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("credential value is required")
	}
	if !kind.Valid() {
		return fmt.Errorf("credential kind %q is unknown", kind)
	}

	_, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM auth_methods WHERE type = ? AND credential = ?
`, string(kind), value)
	if err != nil {
		return fmt.Errorf("delete auth method: %w", err)
	}
	return nil
}

// MarkVerified stamps verified_at on a credential row.
func (s *Store) MarkVerified(ctx context.Context, authMethodID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(authMethodID) == "" {
		return fmt.Errorf("auth method id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE auth_methods SET verified_at = ? WHERE id = ?
`, toMillis(s.clock().UTC()), authMethodID)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark verified rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrAuthMethodNotFound
	}
	return nil
}

// ConsumeAuthMethod checks validity and marks the credential verified in a
// single conditional write.
//
// Two requests racing on the same token cannot both pass: only one UPDATE
// matches the unverified, unexpired row. The loser re-reads the row to
// report the precise lifecycle state it lost to.
func (s *Store) ConsumeAuthMethod(ctx context.Context, kind credential.Kind, value string) (credential.AuthMethod, error) {
	if err := ctx.Err(); err != nil {
		return credential.AuthMethod{}, err
	}
	if s == nil || s.sqlDB == nil {
		return credential.AuthMethod{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(value) == "" {
		return credential.AuthMethod{}, fmt.Errorf("credential value is required")
	}
	if !kind.Valid() {
		return credential.AuthMethod{}, fmt.Errorf("credential kind %q is unknown", kind)
	}

	now := s.clock().UTC()
	row := s.sqlDB.QueryRowContext(ctx, `
UPDATE auth_methods SET verified_at = ?
WHERE type = ? AND credential = ?
  AND verified_at IS NULL
  AND (expires_at IS NULL OR expires_at > ?)
RETURNING `+authMethodColumns+`
`, toMillis(now), string(kind), value, toMillis(now))

	method, err := scanAuthMethod(row.Scan)
	if err == nil {
		return method, nil
	}
	if !errors.Is(err, storage.ErrAuthMethodNotFound) {
		return credential.AuthMethod{}, err
	}

	// The conditional write matched nothing; classify why.
	existing, lookupErr := s.GetAuthMethodByCredential(ctx, kind, value)
	if lookupErr != nil {
		return credential.AuthMethod{}, lookupErr
	}
	state := credential.Evaluate(&existing, now)
	if stateErr := state.Err(); stateErr != nil {
		return credential.AuthMethod{}, stateErr
	}
	// The row reads as valid yet the write missed it; treat as consumed
	// by a concurrent request.
	return credential.AuthMethod{}, credential.StateAlreadyVerified.Err()
}

// RotateSession atomically replaces a session row with a fresh token.
//
// Delete and insert share one transaction: a crash between them fails
// closed (the login is destroyed, never duplicated).
func (s *Store) RotateSession(ctx context.Context, oldToken string) (credential.AuthMethod, error) {
	if err := ctx.Err(); err != nil {
		return credential.AuthMethod{}, err
	}
	if s == nil || s.sqlDB == nil {
		return credential.AuthMethod{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(oldToken) == "" {
		return credential.AuthMethod{}, fmt.Errorf("session token is required")
	}

	newToken, err := s.generator()
	if err != nil {
		return credential.AuthMethod{}, fmt.Errorf("generate session token: %w", err)
	}
	rowID, err := s.generator()
	if err != nil {
		return credential.AuthMethod{}, fmt.Errorf("generate session id: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return credential.AuthMethod{}, fmt.Errorf("start transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var userID string
	err = tx.QueryRowContext(ctx, `
DELETE FROM auth_methods WHERE type = ? AND credential = ?
RETURNING user_id
`, string(credential.KindSession), oldToken).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return credential.AuthMethod{}, storage.ErrAuthMethodNotFound
		}
		return credential.AuthMethod{}, fmt.Errorf("delete session: %w", err)
	}

	now := s.clock().UTC()
	ttl, _ := credential.KindSession.TTL()
	expiry := now.Add(ttl)

	if _, err := tx.ExecContext(ctx, `
INSERT INTO auth_methods (id, user_id, type, credential, verified_at, expires_at, created_at)
VALUES (?, ?, ?, ?, NULL, ?, ?)
`, rowID, userID, string(credential.KindSession), newToken, toMillis(expiry), toMillis(now)); err != nil {
		return credential.AuthMethod{}, fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return credential.AuthMethod{}, fmt.Errorf("commit session rotation: %w", err)
	}

	return credential.AuthMethod{
		ID:         rowID,
		UserID:     userID,
		Kind:       credential.KindSession,
		Credential: newToken,
		ExpiresAt:  &expiry,
		CreatedAt:  now,
	}, nil
}

func scanAuthMethod(scan func(...any) error) (credential.AuthMethod, error) {
	var method credential.AuthMethod
	var kind string
	var verifiedAt sql.NullInt64
	var expiresAt sql.NullInt64
	var createdAt int64
	if err := scan(&method.ID, &method.UserID, &kind, &method.Credential, &verifiedAt, &expiresAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return credential.AuthMethod{}, storage.ErrAuthMethodNotFound
		}
		return credential.AuthMethod{}, fmt.Errorf("scan auth method: %w", err)
	}

	parsed, ok := credential.ParseKind(kind)
	if !ok {
		return credential.AuthMethod{}, fmt.Errorf("stored credential kind %q is unknown", kind)
	}
	method.Kind = parsed
	if verifiedAt.Valid {
		value := fromMillis(verifiedAt.Int64)
		method.VerifiedAt = &value
	}
	if expiresAt.Valid {
		value := fromMillis(expiresAt.Int64)
		method.ExpiresAt = &value
	}
	method.CreatedAt = fromMillis(createdAt)
	return method, nil
}
