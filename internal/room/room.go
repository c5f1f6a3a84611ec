// Package room implements the broadcast-group layer of the realtime core.
// A room is a named set of live connections; events published to a room are
// delivered to every current subscriber. Three room kinds exist: one personal
// room per user (conversation-list updates), one room per conversation
// (message fan-out), and a single global room that every connection joins
// (presence and status announcements).
package room

import "fmt"

// Kind discriminates the room identifier variants.
type Kind int

const (
	KindPersonal Kind = iota
	KindConversation
	KindGlobal
)

// Room is a tagged room identifier. Using a struct key instead of a
// concatenated string avoids ad hoc parsing and collision between id spaces.
type Room struct {
	Kind Kind
	ID   int64
}

// Personal returns the room that carries a single user's personal
// notifications (conversation-list updates).
func Personal(userID int64) Room {
	return Room{Kind: KindPersonal, ID: userID}
}

// Conversation returns the fan-out room for a conversation.
func Conversation(conversationID int64) Room {
	return Room{Kind: KindConversation, ID: conversationID}
}

// Global returns the room that every live connection is subscribed to.
// Presence transitions and status-post announcements are published here.
func Global() Room {
	return Room{Kind: KindGlobal}
}

// String renders the room for log lines.
func (r Room) String() string {
	switch r.Kind {
	case KindPersonal:
		return fmt.Sprintf("user:%d", r.ID)
	case KindConversation:
		return fmt.Sprintf("conversation:%d", r.ID)
	case KindGlobal:
		return "global"
	}
	return fmt.Sprintf("unknown:%d", r.ID)
}
