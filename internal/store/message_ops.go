package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AppendMessage persists a message and updates the conversation aggregate
// (last-message pointer, recipient's unread counter) in a single transaction.
// The conversation row is locked for the duration, so two sends racing on the
// same conversation cannot lose an increment. The message row is returned
// with its assigned id and timestamp.
func (s *Store) AppendMessage(ctx context.Context, conversationID, senderID int64, content, contentType string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: append begin: %w", err)
	}
	defer tx.Rollback()

	// Lock the conversation row and resolve the recipient side.
	const lock = `SELECT user_low, user_high FROM conversations WHERE id = $1 FOR UPDATE`
	var low, high int64
	err = tx.QueryRowContext(ctx, lock, conversationID).Scan(&low, &high)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: append lock: %w", err)
	}
	if senderID != low && senderID != high {
		return nil, fmt.Errorf("store: sender %d is not a participant of conversation %d", senderID, conversationID)
	}

	const insert = `
		INSERT INTO messages (conversation_id, sender_id, content, content_type)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	m := &Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		ContentType:    contentType,
	}
	if err := tx.QueryRowContext(ctx, insert, conversationID, senderID, content, contentType).Scan(&m.ID, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("store: insert message: %w", err)
	}

	// Increment only the recipient's counter.
	const update = `
		UPDATE conversations
		SET last_message_id = $2,
		    unread_low  = unread_low  + CASE WHEN user_low  <> $3 THEN 1 ELSE 0 END,
		    unread_high = unread_high + CASE WHEN user_high <> $3 THEN 1 ELSE 0 END
		WHERE id = $1`
	if _, err := tx.ExecContext(ctx, update, conversationID, m.ID, senderID); err != nil {
		return nil, fmt.Errorf("store: update aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: append commit: %w", err)
	}
	return m, nil
}

// Message returns a single message row by id, including deleted ones (the
// caller decides how to treat the flag).
func (s *Store) Message(ctx context.Context, id int64) (*Message, error) {
	const query = `
		SELECT id, conversation_id, sender_id, content, content_type, is_read, is_deleted, created_at
		FROM messages WHERE id = $1`

	m := &Message{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.ConversationID, &m.SenderID,
		&m.Content, &m.ContentType, &m.IsRead, &m.IsDeleted, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return m, nil
}

// Messages returns the conversation history in ascending id order, excluding
// soft-deleted messages. limit <= 0 returns the full history.
func (s *Store) Messages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, content_type, is_read, is_deleted, created_at
		FROM messages
		WHERE conversation_id = $1 AND NOT is_deleted
		ORDER BY id ASC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content,
			&m.ContentType, &m.IsRead, &m.IsDeleted, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return out, nil
}

// DeleteMessage soft-deletes a message owned by senderID and returns its
// conversation id for the message_deleted broadcast. Deleting a message that
// does not exist, is already deleted, or belongs to someone else returns
// ErrNotFound.
func (s *Store) DeleteMessage(ctx context.Context, messageID, senderID int64) (int64, error) {
	const query = `
		UPDATE messages SET is_deleted = TRUE
		WHERE id = $1 AND sender_id = $2 AND NOT is_deleted
		RETURNING conversation_id`

	var conversationID int64
	err := s.db.QueryRowContext(ctx, query, messageID, senderID).Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: delete message: %w", err)
	}
	return conversationID, nil
}
