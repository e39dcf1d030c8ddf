package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/internetfriends/accounts/internal/accounts/storage"
)

// CreateUser inserts a user record for the email.
//
// The unique index on email is the duplicate guard: concurrent registrations
// race past any prior existence check, so the constraint violation is
// translated instead of surfaced raw.
func (s *Store) CreateUser(ctx context.Context, email string) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.User{}, fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeEmail(email)
	if err != nil {
		return storage.User{}, err
	}

	userID, err := s.generator()
	if err != nil {
		return storage.User{}, fmt.Errorf("generate user id: %w", err)
	}
	now := s.clock().UTC()

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)
`, userID, normalized, toMillis(now))
	if err != nil {
		if isUniqueViolation(err, "users.email") {
			return storage.User{}, storage.ErrUserAlreadyExists
		}
		return storage.User{}, fmt.Errorf("insert user: %w", err)
	}

	return storage.User{ID: userID, Email: normalized, CreatedAt: now}, nil
}

// GetUser resolves a user by email.
func (s *Store) GetUser(ctx context.Context, email string) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.User{}, fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeEmail(email)
	if err != nil {
		return storage.User{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, email, created_at FROM users WHERE email = ?
`, normalized)
	return scanUser(row)
}

// GetUserByID resolves a user by identifier.
func (s *Store) GetUserByID(ctx context.Context, userID string) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.User{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return storage.User{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, email, created_at FROM users WHERE id = ?
`, userID)
	return scanUser(row)
}

// DeleteUser removes the user row; credential rows cascade with it.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrUserNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (storage.User, error) {
	var user storage.User
	var createdAt int64
	if err := row.Scan(&user.ID, &user.Email, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.User{}, storage.ErrUserNotFound
		}
		return storage.User{}, fmt.Errorf("scan user: %w", err)
	}
	user.CreatedAt = fromMillis(createdAt)
	return user, nil
}

func normalizeEmail(email string) (string, error) {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return "", fmt.Errorf("email is required")
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", fmt.Errorf("email is invalid")
	}
	return strings.ToLower(parsed.Address), nil
}
