// Package protocol defines the WebSocket event types and structures used for
// communication between the client and server. All events are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeTypingStart       = "typing_start"
	TypeTypingStop        = "typing_stop"
	TypeRecordingStart    = "recording_start"
	TypeRecordingStop     = "recording_stop"
	TypeSendMessage       = "send_message"
	TypePing              = "ping"
)

// Server -> Client event types.
const (
	TypeConnected          = "connected"
	TypeJoinedConversation = "joined_conversation"
	TypeLeftConversation   = "left_conversation"
	TypeUserStatus         = "user_status"
	TypeUserTyping         = "user_typing"
	TypeUserRecording      = "user_recording"
	TypeNewMessage         = "new_message"
	TypeUpdateConversation = "update_conversation"
	TypeMessageDeleted     = "message_deleted"
	TypeStatusUpdated      = "status_updated"
	TypeError              = "error"
	TypePong               = "pong"
)

// Message content types.
const (
	ContentText  = "text"
	ContentAudio = "audio"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// JoinConversationMsg is sent by the client to subscribe to a conversation's
// room and mark its messages as read.
type JoinConversationMsg struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
}

// LeaveConversationMsg is sent by the client to unsubscribe from a
// conversation's room.
type LeaveConversationMsg struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
}

// TypingMsg signals the start or stop of typing inside a conversation. The
// same struct covers both typing_start and typing_stop.
type TypingMsg struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
}

// RecordingMsg signals the start or stop of a voice recording inside a
// conversation. The same struct covers both recording_start and
// recording_stop.
type RecordingMsg struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
}

// SendMessageMsg carries a text message to be persisted and fanned out to the
// conversation. Audio messages enter through the upload endpoint instead.
type SendMessageMsg struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
	Content        string `json:"content"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once after a successful upgrade and authentication.
type ConnectedMsg struct {
	Type     string `json:"type"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// JoinedConversationMsg confirms a room subscription.
type JoinedConversationMsg struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
}

// LeftConversationMsg confirms a room unsubscription.
type LeftConversationMsg struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
}

// UserStatusMsg announces a presence transition for a user. Status is one of
// "online", "recently-online", or "offline".
type UserStatusMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
}

// UserTypingMsg relays a peer's typing indicator to conversation members.
type UserTypingMsg struct {
	Type           string `json:"type"`
	UserID         int64  `json:"user_id"`
	Username       string `json:"username"`
	ConversationID int64  `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// UserRecordingMsg relays a peer's voice-recording indicator.
type UserRecordingMsg struct {
	Type           string `json:"type"`
	UserID         int64  `json:"user_id"`
	Username       string `json:"username"`
	ConversationID int64  `json:"conversation_id"`
	IsRecording    bool   `json:"is_recording"`
}

// NewMessageMsg is fanned out to a conversation room after a message has been
// durably stored. The sender receives it too; there is no local-echo path.
type NewMessageMsg struct {
	Type           string `json:"type"`
	ID             int64  `json:"id"`
	Content        string `json:"content"`
	ContentType    string `json:"content_type"`
	UserID         int64  `json:"user_id"`
	Username       string `json:"username"`
	Timestamp      string `json:"timestamp"`
	ConversationID int64  `json:"conversation_id"`
	IsRead         bool   `json:"is_read"`
}

// UpdateConversationMsg refreshes one entry of a user's conversation list. It
// is delivered to each participant's personal room so idle clients can update
// previews and unread badges without joining every conversation room.
type UpdateConversationMsg struct {
	Type            string `json:"type"`
	ConversationID  int64  `json:"conversation_id"`
	OtherUserID     int64  `json:"other_user_id"`
	OtherUsername   string `json:"other_username"`
	LastMessage     string `json:"last_message"`
	LastMessageTime string `json:"last_message_time"`
	UnreadCount     int    `json:"unread_count"`
}

// MessageDeletedMsg announces a soft-deleted message to the conversation room.
type MessageDeletedMsg struct {
	Type           string `json:"type"`
	MessageID      int64  `json:"message_id"`
	ConversationID int64  `json:"conversation_id"`
}

// StatusUpdatedMsg announces a change to a user's ephemeral status post.
type StatusUpdatedMsg struct {
	Type       string `json:"type"`
	UserID     int64  `json:"user_id"`
	HasStatus  bool   `json:"has_status"`
	StatusType string `json:"status_type,omitempty"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinConversation:
		var m JoinConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveConversation:
		var m LeaveConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart, TypeTypingStop:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRecordingStart, TypeRecordingStop:
		var m RecordingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the *Msg structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}
