package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetStatus creates or replaces the user's ephemeral status post.
func (s *Store) SetStatus(ctx context.Context, userID int64, statusType, content string, expiresAt time.Time) error {
	const query = `
		INSERT INTO statuses (user_id, status_type, content, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET status_type = EXCLUDED.status_type,
		    content     = EXCLUDED.content,
		    expires_at  = EXCLUDED.expires_at,
		    created_at  = NOW()`

	if _, err := s.db.ExecContext(ctx, query, userID, statusType, content, expiresAt); err != nil {
		return fmt.Errorf("store: set status: %w", err)
	}
	return nil
}

// ClearStatus removes the user's status post. Clearing an absent status is a
// no-op.
func (s *Store) ClearStatus(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM statuses WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("store: clear status: %w", err)
	}
	return nil
}

// ActiveStatus returns the user's status post if one exists and has not
// expired, otherwise ErrNotFound.
func (s *Store) ActiveStatus(ctx context.Context, userID int64) (*StatusPost, error) {
	const query = `
		SELECT user_id, status_type, content, expires_at
		FROM statuses
		WHERE user_id = $1 AND expires_at > NOW()`

	p := &StatusPost{}
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&p.UserID, &p.StatusType, &p.Content, &p.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: active status: %w", err)
	}
	return p, nil
}

// SavePushSubscription stores or replaces the user's push endpoint blob.
func (s *Store) SavePushSubscription(ctx context.Context, userID int64, subscription string) error {
	const query = `
		INSERT INTO push_subscriptions (user_id, subscription)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET subscription = EXCLUDED.subscription, created_at = NOW()`

	if _, err := s.db.ExecContext(ctx, query, userID, subscription); err != nil {
		return fmt.Errorf("store: save push subscription: %w", err)
	}
	return nil
}

// PushSubscription returns the user's registered push endpoint blob, or
// ErrNotFound when the user never registered one.
func (s *Store) PushSubscription(ctx context.Context, userID int64) (string, error) {
	var sub string
	err := s.db.QueryRowContext(ctx,
		`SELECT subscription FROM push_subscriptions WHERE user_id = $1`, userID).Scan(&sub)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: push subscription: %w", err)
	}
	return sub, nil
}
