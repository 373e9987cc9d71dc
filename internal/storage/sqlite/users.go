package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	gateway "github.com/eugener/elrond/internal"
)

// CreateUser inserts a new user account.
func (s *Store) CreateUser(ctx context.Context, u *gateway.User) error {
	role := u.Role
	if role == "" {
		role = "user"
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, role, boolToInt(u.Active),
		u.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("username %q: %w", u.Username, gateway.ErrConflict)
	}
	return err
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, active, created_at
		 FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername retrieves a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, active, created_at
		 FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// UpdatePassword replaces a user's password hash.
func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// DeactivateUser soft-deletes a user account.
func (s *Store) DeactivateUser(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE users SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

func scanUser(row *sql.Row) (*gateway.User, error) {
	var u gateway.User
	var active int
	var createdAt string
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &active, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	u.Active = active != 0
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		u.CreatedAt = *t
	}
	return &u, nil
}

// --- shared scan helpers ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}
