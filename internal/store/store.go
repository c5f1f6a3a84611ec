// Package store provides PostgreSQL-backed persistence for users,
// conversations, messages, ephemeral status posts, and push subscriptions.
// It is the durable collaborator of the realtime core: the core reads and
// writes durable state only through this package, and every in-memory
// structure elsewhere can be rebuilt from scratch against it.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Sentinel errors returned by store operations.
var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrUsernameTaken is returned by CreateUser on a duplicate username.
	ErrUsernameTaken = errors.New("store: username already taken")
)

// User is an account row. Password hashes never leave the Credentials call.
type User struct {
	ID        int64
	Username  string
	LastSeen  sql.NullTime
	CreatedAt time.Time
}

// Conversation is a durable pairing of exactly two users. The pair is stored
// normalized (user_low < user_high) so that a conversation between the same
// unordered pair of users is unique, and each side carries its own unread
// counter.
type Conversation struct {
	ID            int64
	UserLow       int64
	UserHigh      int64
	LastMessageID sql.NullInt64
	UnreadLow     int
	UnreadHigh    int
	CreatedAt     time.Time
}

// IsParticipant reports whether the user is one of the two members.
func (c *Conversation) IsParticipant(userID int64) bool {
	return userID == c.UserLow || userID == c.UserHigh
}

// Other returns the peer of the given participant, or 0 for a non-member.
func (c *Conversation) Other(userID int64) int64 {
	switch userID {
	case c.UserLow:
		return c.UserHigh
	case c.UserHigh:
		return c.UserLow
	}
	return 0
}

// UnreadFor returns the unread counter belonging to the given participant.
func (c *Conversation) UnreadFor(userID int64) int {
	if userID == c.UserLow {
		return c.UnreadLow
	}
	if userID == c.UserHigh {
		return c.UnreadHigh
	}
	return 0
}

// Message is a durable message row. Audio messages store a filestore path
// token in Content; text messages store the text itself.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	Content        string
	ContentType    string // "text" | "audio"
	IsRead         bool
	IsDeleted      bool
	CreatedAt      time.Time
}

// StatusPost is a user's ephemeral status (at most one active per user).
type StatusPost struct {
	UserID     int64
	StatusType string // "text" | "image"
	Content    string
	ExpiresAt  time.Time
}

// ConversationSummary is one entry of a user's conversation list, shaped for
// the update_conversation event and the list endpoint.
type ConversationSummary struct {
	ConversationID  int64
	OtherUserID     int64
	OtherUsername   string
	LastMessage     string
	LastMessageType string
	LastMessageTime sql.NullTime
	UnreadCount     int
}

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// New creates a Store around an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL with the given DSN and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	return &Store{db: db}, nil
}

// DB returns the underlying handle for packages that need raw access
// (migrations, tests).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
