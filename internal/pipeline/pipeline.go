// Package pipeline implements the message send path: validate, persist,
// clear stale typing indicators, fan out to the conversation room, refresh
// both participants' conversation lists, and dispatch a push notification for
// an offline recipient. Persistence always completes before any broadcast, so
// a client that sees a message can trust it survived.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/echodm/chat-app/internal/filestore"
	"github.com/echodm/chat-app/internal/messaging"
	"github.com/echodm/chat-app/internal/metrics"
	"github.com/echodm/chat-app/internal/protocol"
	"github.com/echodm/chat-app/internal/room"
	"github.com/echodm/chat-app/internal/signals"
	"github.com/echodm/chat-app/internal/store"
)

// Validation limits for text messages.
const (
	MaxMessageBytes = 16 * 1024
	MaxTextChars    = 4000
	previewChars    = 80
)

// AudioPreview is the conversation-list placeholder for audio messages.
const AudioPreview = "Voice message"

// Sentinel errors returned by Send. The caller decides how to surface them;
// the websocket gateway drops silently, the HTTP API maps them to statuses.
var (
	ErrNotFound       = errors.New("pipeline: conversation not found")
	ErrNotParticipant = errors.New("pipeline: sender is not a participant")
	ErrInvalidMessage = errors.New("pipeline: invalid message")
)

// MessageStore is the subset of the durable store the pipeline needs.
type MessageStore interface {
	Conversation(ctx context.Context, id int64) (*store.Conversation, error)
	AppendMessage(ctx context.Context, conversationID, senderID int64, content, contentType string) (*store.Message, error)
	User(ctx context.Context, id int64) (*store.User, error)
	PushSubscription(ctx context.Context, userID int64) (string, error)
}

// Broadcaster fans a payload out to a room, optionally excluding one
// connection by key.
type Broadcaster interface {
	Broadcast(r room.Room, data []byte, exclude string)
}

// Presence answers whether a user currently holds a live connection.
type Presence interface {
	IsOnline(userID int64) bool
}

// PushPublisher hands a push request to the dispatch channel. A nil publisher
// disables push.
type PushPublisher interface {
	PublishPush(req messaging.PushRequest) error
}

// Pipeline wires the send path's collaborators together.
type Pipeline struct {
	store    MessageStore
	router   Broadcaster
	signals  *signals.Tracker
	presence Presence
	push     PushPublisher
}

// New returns a Pipeline. push may be nil when no push channel is configured.
func New(st MessageStore, router Broadcaster, tracker *signals.Tracker, presence Presence, push PushPublisher) *Pipeline {
	return &Pipeline{
		store:    st,
		router:   router,
		signals:  tracker,
		presence: presence,
		push:     push,
	}
}

// ValidateText checks a text message body against the size and encoding
// limits.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message text is empty", ErrInvalidMessage)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrInvalidMessage, MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrInvalidMessage, MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalidMessage)
	}
	return nil
}

// validateAudio checks that the content is a filestore token.
func validateAudio(content string) error {
	if !filestore.ValidToken(content) {
		return fmt.Errorf("%w: invalid audio token", ErrInvalidMessage)
	}
	return nil
}

// Send runs the full message pipeline for one message. senderID/senderName
// identify the authenticated sender; originKey is the connection key the
// message arrived on ("" for HTTP-originated sends) and is excluded from the
// typing-stop broadcast so the sender's own client does not flicker.
//
// The returned message is the durably stored row.
func (p *Pipeline) Send(ctx context.Context, senderID int64, senderName, originKey string, conversationID int64, content, contentType string) (*store.Message, error) {
	start := time.Now()

	switch contentType {
	case protocol.ContentText:
		if err := ValidateText(content); err != nil {
			metrics.MessagesTotal.WithLabelValues(contentType, "rejected").Inc()
			return nil, err
		}
	case protocol.ContentAudio:
		if err := validateAudio(content); err != nil {
			metrics.MessagesTotal.WithLabelValues(contentType, "rejected").Inc()
			return nil, err
		}
	default:
		metrics.MessagesTotal.WithLabelValues(contentType, "rejected").Inc()
		return nil, fmt.Errorf("%w: unknown content type %q", ErrInvalidMessage, contentType)
	}

	conv, err := p.store.Conversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pipeline: load conversation: %w", err)
	}
	if !conv.IsParticipant(senderID) {
		return nil, ErrNotParticipant
	}

	msg, err := p.store.AppendMessage(ctx, conversationID, senderID, content, contentType)
	if err != nil {
		return nil, fmt.Errorf("pipeline: append message: %w", err)
	}

	// Reload so the fan-out carries the unread counters the append produced.
	// If the reload fails, apply the append's effect to the snapshot locally
	// so the fan-out still matches what was committed.
	if fresh, err := p.store.Conversation(ctx, conversationID); err != nil {
		log.Printf("[pipeline] reload conversation %d: %v", conversationID, err)
		adj := *conv
		if msg.SenderID != adj.UserLow {
			adj.UnreadLow++
		}
		if msg.SenderID != adj.UserHigh {
			adj.UnreadHigh++
		}
		adj.LastMessageID = sql.NullInt64{Int64: msg.ID, Valid: true}
		conv = &adj
	} else {
		conv = fresh
	}

	// A delivered message supersedes the matching indicator: text clears
	// typing, audio clears recording. A text send while a recording is live
	// leaves the recording indicator alone.
	p.clearIndicator(senderID, senderName, originKey, conversationID, signals.Typing)
	if contentType == protocol.ContentAudio {
		p.clearIndicator(senderID, senderName, originKey, conversationID, signals.Recording)
	}

	p.broadcastMessage(conv, msg, senderName)
	p.updateConversations(ctx, conv, msg, senderID, senderName)
	p.dispatchPush(ctx, conv.Other(senderID), senderName, msg)

	metrics.MessagesTotal.WithLabelValues(contentType, "sent").Inc()
	metrics.PipelineLatency.Observe(time.Since(start).Seconds())
	return msg, nil
}

// clearIndicator stops a live indicator and tells the room it ended.
func (p *Pipeline) clearIndicator(senderID int64, senderName, originKey string, conversationID int64, kind signals.Kind) {
	if !p.signals.Stop(senderID, kind, conversationID) {
		return
	}
	data, err := indicatorPayload(senderID, senderName, conversationID, kind, false)
	if err != nil {
		log.Printf("[pipeline] encode %s stop: %v", kind, err)
		return
	}
	p.router.Broadcast(room.Conversation(conversationID), data, originKey)
}

func indicatorPayload(userID int64, username string, conversationID int64, kind signals.Kind, active bool) ([]byte, error) {
	switch kind {
	case signals.Recording:
		return protocol.NewServerMessage(protocol.TypeUserRecording, protocol.UserRecordingMsg{
			UserID:         userID,
			Username:       username,
			ConversationID: conversationID,
			IsRecording:    active,
		})
	default:
		return protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
			UserID:         userID,
			Username:       username,
			ConversationID: conversationID,
			IsTyping:       active,
		})
	}
}

// broadcastMessage fans the stored message out to the conversation room. The
// sender's own connections receive it too; clients render from the broadcast
// rather than echoing locally.
func (p *Pipeline) broadcastMessage(conv *store.Conversation, msg *store.Message, senderName string) {
	data, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
		ID:             msg.ID,
		Content:        msg.Content,
		ContentType:    msg.ContentType,
		UserID:         msg.SenderID,
		Username:       senderName,
		Timestamp:      msg.CreatedAt.UTC().Format(time.RFC3339),
		ConversationID: msg.ConversationID,
		IsRead:         msg.IsRead,
	})
	if err != nil {
		log.Printf("[pipeline] encode new_message: %v", err)
		return
	}
	p.router.Broadcast(room.Conversation(conv.ID), data, "")
	metrics.BroadcastsTotal.WithLabelValues(protocol.TypeNewMessage).Inc()
}

// updateConversations sends each participant a refreshed conversation-list
// entry on their personal room. Each side sees the other user's identity and
// its own unread count.
func (p *Pipeline) updateConversations(ctx context.Context, conv *store.Conversation, msg *store.Message, senderID int64, senderName string) {
	recipientID := conv.Other(senderID)
	recipientName := senderName
	if u, err := p.store.User(ctx, recipientID); err != nil {
		log.Printf("[pipeline] load user %d: %v", recipientID, err)
	} else {
		recipientName = u.Username
	}

	preview := Preview(msg.Content, msg.ContentType)
	ts := msg.CreatedAt.UTC().Format(time.RFC3339)

	// Each entry is addressed from its owner's point of view: the sender's
	// shows the recipient and an untouched unread count, the recipient's shows
	// the sender and the count the append just incremented.
	p.sendConversationUpdate(senderID, protocol.UpdateConversationMsg{
		ConversationID:  conv.ID,
		OtherUserID:     recipientID,
		OtherUsername:   recipientName,
		LastMessage:     preview,
		LastMessageTime: ts,
		UnreadCount:     conv.UnreadFor(senderID),
	})
	p.sendConversationUpdate(recipientID, protocol.UpdateConversationMsg{
		ConversationID:  conv.ID,
		OtherUserID:     senderID,
		OtherUsername:   senderName,
		LastMessage:     preview,
		LastMessageTime: ts,
		UnreadCount:     conv.UnreadFor(recipientID),
	})
}

func (p *Pipeline) sendConversationUpdate(userID int64, msg protocol.UpdateConversationMsg) {
	data, err := protocol.NewServerMessage(protocol.TypeUpdateConversation, msg)
	if err != nil {
		log.Printf("[pipeline] encode update_conversation: %v", err)
		return
	}
	p.router.Broadcast(room.Personal(userID), data, "")
	metrics.BroadcastsTotal.WithLabelValues(protocol.TypeUpdateConversation).Inc()
}

// dispatchPush publishes a push request when the recipient has no live
// connection and has registered a subscription. Failures are logged only;
// push never blocks or fails a send.
func (p *Pipeline) dispatchPush(ctx context.Context, recipientID int64, senderName string, msg *store.Message) {
	if p.push == nil {
		return
	}
	if p.presence.IsOnline(recipientID) {
		metrics.PushDispatchTotal.WithLabelValues("skipped").Inc()
		return
	}

	sub, err := p.store.PushSubscription(ctx, recipientID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[pipeline] load push subscription for %d: %v", recipientID, err)
		}
		metrics.PushDispatchTotal.WithLabelValues("skipped").Inc()
		return
	}

	err = p.push.PublishPush(messaging.PushRequest{
		UserID:         recipientID,
		ConversationID: msg.ConversationID,
		Title:          senderName,
		Body:           Preview(msg.Content, msg.ContentType),
		Subscription:   []byte(sub),
	})
	if err != nil {
		log.Printf("[pipeline] publish push for %d: %v", recipientID, err)
		metrics.PushDispatchTotal.WithLabelValues("failed").Inc()
		return
	}
	metrics.PushDispatchTotal.WithLabelValues("published").Inc()
}

// Preview returns the conversation-list preview for a message body.
func Preview(content, contentType string) string {
	if contentType == protocol.ContentAudio {
		return AudioPreview
	}
	runes := []rune(content)
	if len(runes) <= previewChars {
		return content
	}
	return string(runes[:previewChars]) + "…"
}
