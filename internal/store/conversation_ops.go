package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const conversationCols = `id, user_low, user_high, last_message_id, unread_low, unread_high, created_at`

func scanConversation(row *sql.Row) (*Conversation, error) {
	c := &Conversation{}
	err := row.Scan(&c.ID, &c.UserLow, &c.UserHigh, &c.LastMessageID,
		&c.UnreadLow, &c.UnreadHigh, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// normalizePair orders two user ids so the smaller one is first.
func normalizePair(a, b int64) (low, high int64) {
	if a < b {
		return a, b
	}
	return b, a
}

// Conversation returns the conversation with the given id.
func (s *Store) Conversation(ctx context.Context, id int64) (*Conversation, error) {
	query := `SELECT ` + conversationCols + ` FROM conversations WHERE id = $1`

	c, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	return c, nil
}

// GetOrCreateConversation looks up the conversation for an unordered user
// pair, creating it with zero unread counters and no last message when it
// does not exist. The unique constraint on the normalized pair makes this
// safe under concurrent first-contact requests from both users: every caller
// gets the same conversation id and exactly one row exists afterward.
func (s *Store) GetOrCreateConversation(ctx context.Context, userA, userB int64) (*Conversation, error) {
	if userA == userB {
		return nil, fmt.Errorf("store: conversation requires two distinct users")
	}
	low, high := normalizePair(userA, userB)

	insert := `
		INSERT INTO conversations (user_low, user_high)
		VALUES ($1, $2)
		ON CONFLICT (user_low, user_high) DO NOTHING
		RETURNING ` + conversationCols

	c, err := scanConversation(s.db.QueryRowContext(ctx, insert, low, high))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("store: create conversation: %w", err)
	}

	// Conflict: the pair already exists, read it back.
	query := `SELECT ` + conversationCols + ` FROM conversations WHERE user_low = $1 AND user_high = $2`
	c, err = scanConversation(s.db.QueryRowContext(ctx, query, low, high))
	if err != nil {
		return nil, fmt.Errorf("store: lookup conversation: %w", err)
	}
	return c, nil
}

// ConversationsFor returns the user's conversation list, newest activity
// first, shaped for the list endpoint and update_conversation events.
func (s *Store) ConversationsFor(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	const query = `
		SELECT c.id,
		       CASE WHEN c.user_low = $1 THEN c.user_high ELSE c.user_low END AS other_id,
		       u.username,
		       COALESCE(m.content, ''),
		       COALESCE(m.content_type, ''),
		       m.created_at,
		       CASE WHEN c.user_low = $1 THEN c.unread_low ELSE c.unread_high END AS unread
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.user_low = $1 THEN c.user_high ELSE c.user_low END
		LEFT JOIN messages m ON m.id = c.last_message_id AND NOT m.is_deleted
		WHERE c.user_low = $1 OR c.user_high = $1
		ORDER BY m.created_at DESC NULLS LAST, c.id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var cs ConversationSummary
		if err := rows.Scan(&cs.ConversationID, &cs.OtherUserID, &cs.OtherUsername,
			&cs.LastMessage, &cs.LastMessageType, &cs.LastMessageTime, &cs.UnreadCount); err != nil {
			return nil, fmt.Errorf("store: scan conversation summary: %w", err)
		}
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	return out, nil
}

// MarkConversationRead marks every message the peer sent as read and zeroes
// the reader's unread counter, in one transaction.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID, readerID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: mark read begin: %w", err)
	}
	defer tx.Rollback()

	const readMsgs = `
		UPDATE messages SET is_read = TRUE
		WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read`
	if _, err := tx.ExecContext(ctx, readMsgs, conversationID, readerID); err != nil {
		return fmt.Errorf("store: mark messages read: %w", err)
	}

	const zeroUnread = `
		UPDATE conversations
		SET unread_low  = CASE WHEN user_low  = $2 THEN 0 ELSE unread_low  END,
		    unread_high = CASE WHEN user_high = $2 THEN 0 ELSE unread_high END
		WHERE id = $1`
	if _, err := tx.ExecContext(ctx, zeroUnread, conversationID, readerID); err != nil {
		return fmt.Errorf("store: zero unread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: mark read commit: %w", err)
	}
	return nil
}
