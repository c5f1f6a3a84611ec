package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// CreateUser inserts a new account. The caller supplies an already-hashed
// password. Returns ErrUsernameTaken on a duplicate username.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*User, error) {
	const query = `
		INSERT INTO users (username, password_hash)
		VALUES ($1, $2)
		RETURNING id, created_at`

	u := &User{Username: username}
	err := s.db.QueryRowContext(ctx, query, username, passwordHash).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return u, nil
}

// User returns the account with the given id.
func (s *Store) User(ctx context.Context, id int64) (*User, error) {
	const query = `SELECT id, username, last_seen, created_at FROM users WHERE id = $1`

	u := &User{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username, &u.LastSeen, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

// Credentials returns the account and password hash for a username, for the
// login path. The hash is not part of the User struct.
func (s *Store) Credentials(ctx context.Context, username string) (*User, string, error) {
	const query = `SELECT id, username, password_hash, last_seen, created_at FROM users WHERE username = $1`

	u := &User{}
	var hash string
	err := s.db.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &hash, &u.LastSeen, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("store: credentials: %w", err)
	}
	return u, hash, nil
}

// TouchLastSeen stamps the user's durable last-seen timestamp. The presence
// registry throttles how often this is called per user.
func (s *Store) TouchLastSeen(ctx context.Context, userID int64) error {
	const query = `UPDATE users SET last_seen = NOW() WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("store: touch last seen: %w", err)
	}
	return nil
}

// LastSeen returns the user's durable last-seen timestamp. ok is false when
// the user does not exist or has never been seen.
func (s *Store) LastSeen(ctx context.Context, userID int64) (time.Time, bool, error) {
	const query = `SELECT last_seen FROM users WHERE id = $1`

	var seen sql.NullTime
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&seen)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: last seen: %w", err)
	}
	return seen.Time, seen.Valid, nil
}
