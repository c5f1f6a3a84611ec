package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message event
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","conversation_id":42,"content":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.ConversationID != 42 {
		t.Errorf("expected conversation_id 42, got %d", sm.ConversationID)
	}
	if sm.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", sm.Content)
	}
}

// ---------------------------------------------------------------------------
// Test: typing_start and typing_stop decode into the same struct
// ---------------------------------------------------------------------------

func TestParseClientMessage_TypingVariants(t *testing.T) {
	for _, typ := range []string{TypeTypingStart, TypeTypingStop} {
		input := []byte(`{"type":"` + typ + `","conversation_id":7}`)

		msgType, msg, err := ParseClientMessage(input)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", typ, err)
		}
		if msgType != typ {
			t.Fatalf("expected type %q, got %q", typ, msgType)
		}

		tm, ok := msg.(TypingMsg)
		if !ok {
			t.Fatalf("%s: expected TypingMsg, got %T", typ, msg)
		}
		if tm.ConversationID != 7 {
			t.Errorf("%s: expected conversation_id 7, got %d", typ, tm.ConversationID)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and malformed events are rejected
// ---------------------------------------------------------------------------

func TestParseClientMessage_Unknown(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"user_status","user_id":1}`))
	if err == nil {
		t.Fatal("expected error for server-only event type")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"conversation_id":1}`))
	if err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a new_message server event
// ---------------------------------------------------------------------------

func TestNewServerMessage_NewMessage(t *testing.T) {
	payload := NewMessageMsg{
		ID:             101,
		Content:        "hey",
		ContentType:    ContentText,
		UserID:         3,
		Username:       "ada",
		Timestamp:      "2024-05-01T10:00:00Z",
		ConversationID: 42,
	}

	data, err := NewServerMessage(TypeNewMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeNewMessage {
		t.Errorf("expected type %q, got %v", TypeNewMessage, result["type"])
	}
	if result["content"] != "hey" {
		t.Errorf("expected content %q, got %v", "hey", result["content"])
	}
	if result["conversation_id"] != float64(42) {
		t.Errorf("expected conversation_id 42, got %v", result["conversation_id"])
	}
	if result["username"] != "ada" {
		t.Errorf("expected username %q, got %v", "ada", result["username"])
	}
}

// ---------------------------------------------------------------------------
// Test: Type field always overrides a stale value in the payload
// ---------------------------------------------------------------------------

func TestNewServerMessage_TypeInjected(t *testing.T) {
	data, err := NewServerMessage(TypeUserStatus, UserStatusMsg{
		Type:   "something_else",
		UserID: 9,
		Status: "offline",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeUserStatus {
		t.Errorf("expected type %q, got %v", TypeUserStatus, result["type"])
	}
}
