// Package auth resolves bearer tokens to verified user identities. It is the
// authentication collaborator of the realtime core: the core never sees
// credentials, only the Identity a token resolves to. Tokens live in Redis
// with a sliding TTL.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// TokenPrefix is the Redis key prefix for all session tokens.
	TokenPrefix = "token:"

	// TokenTTL is the time-to-live of a session token. Verify refreshes it.
	TokenTTL = 24 * time.Hour
)

// ErrInvalidToken is returned when a token is unknown or expired.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is a verified user identity attached to a connection.
type Identity struct {
	UserID   int64  `redis:"user_id"`
	Username string `redis:"username"`
}

// Store manages session tokens in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a session store connected to Redis.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("auth: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing Redis client (shared with the rate
// limiter).
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Issue creates a new session token for the identity and returns it.
func (s *Store) Issue(ctx context.Context, id Identity) (string, error) {
	token := uuid.New().String()
	key := TokenPrefix + token

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":  strconv.FormatInt(id.UserID, 10),
		"username": id.Username,
	})
	pipe.Expire(ctx, key, TokenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("auth: issue token: %w", err)
	}
	return token, nil
}

// Verify resolves a token to its identity and refreshes the TTL. Unknown or
// expired tokens return ErrInvalidToken.
func (s *Store) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	key := TokenPrefix + token

	var id Identity
	if err := s.client.HGetAll(ctx, key).Scan(&id); err != nil {
		return Identity{}, fmt.Errorf("auth: verify token: %w", err)
	}
	if id.UserID == 0 {
		return Identity{}, ErrInvalidToken
	}

	// Sliding expiry: activity keeps the session alive.
	s.client.Expire(ctx, key, TokenTTL)
	return id, nil
}

// Revoke deletes a session token (logout).
func (s *Store) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, TokenPrefix+token).Err(); err != nil {
		return fmt.Errorf("auth: revoke token: %w", err)
	}
	return nil
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
