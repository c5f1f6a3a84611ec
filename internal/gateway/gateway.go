// Package gateway orchestrates the realtime session surface: connection and
// disconnection handling, conversation membership checks, room subscriptions,
// typing and recording indicators, and presence fan-out. Every conversation
// event passes through a single authorization choke point; unauthorized or
// malformed events are dropped without a reply so probing reveals nothing
// about which conversations exist.
package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/echodm/chat-app/internal/metrics"
	"github.com/echodm/chat-app/internal/pipeline"
	"github.com/echodm/chat-app/internal/presence"
	"github.com/echodm/chat-app/internal/protocol"
	"github.com/echodm/chat-app/internal/room"
	"github.com/echodm/chat-app/internal/signals"
	"github.com/echodm/chat-app/internal/store"
)

// Sentinel errors from the authorization choke point.
var (
	ErrNotFound      = errors.New("gateway: conversation not found")
	ErrNotAuthorized = errors.New("gateway: user is not a participant")
)

// Store is the subset of the durable store the gateway needs.
type Store interface {
	Conversation(ctx context.Context, id int64) (*store.Conversation, error)
	GetOrCreateConversation(ctx context.Context, userA, userB int64) (*store.Conversation, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID int64) error
	User(ctx context.Context, id int64) (*store.User, error)
	Message(ctx context.Context, id int64) (*store.Message, error)
	DeleteMessage(ctx context.Context, messageID, senderID int64) (int64, error)
	ActiveStatus(ctx context.Context, userID int64) (*store.StatusPost, error)
}

// Presence is the presence registry surface the gateway drives.
type Presence interface {
	MarkOnline(userID int64) bool
	MarkOffline(userID int64)
	TouchActivity(ctx context.Context, userID int64)
	IsOnline(userID int64) bool
	Status(ctx context.Context, userID int64) presence.Status
}

// GlobalPublisher relays global-room payloads to peer nodes. Nil disables
// cross-node relay.
type GlobalPublisher interface {
	PublishGlobal(payload []byte) error
}

// Gateway wires the realtime collaborators together.
type Gateway struct {
	store    Store
	router   *room.Router
	presence Presence
	signals  *signals.Tracker
	pipeline *pipeline.Pipeline
	relay    GlobalPublisher
}

// New returns a Gateway. relay may be nil on single-node deployments.
func New(st Store, router *room.Router, pres Presence, tracker *signals.Tracker, pipe *pipeline.Pipeline, relay GlobalPublisher) *Gateway {
	return &Gateway{
		store:    st,
		router:   router,
		presence: pres,
		signals:  tracker,
		pipeline: pipe,
		relay:    relay,
	}
}

// AuthorizeParticipant loads a conversation and verifies membership. All
// conversation-scoped events funnel through here.
func (g *Gateway) AuthorizeParticipant(ctx context.Context, userID, conversationID int64) (*store.Conversation, error) {
	conv, err := g.store.Conversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !conv.IsParticipant(userID) {
		return nil, ErrNotAuthorized
	}
	return conv, nil
}

// OpenConversation finds or creates the conversation between two users. The
// unordered pair maps to exactly one conversation regardless of which side
// initiates.
func (g *Gateway) OpenConversation(ctx context.Context, userID, otherID int64) (*store.Conversation, error) {
	if otherID == userID || otherID <= 0 {
		return nil, ErrNotFound
	}
	if _, err := g.store.User(ctx, otherID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return g.store.GetOrCreateConversation(ctx, userID, otherID)
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// HandleConnect registers a new authenticated connection: it joins the user's
// personal room and the global room, marks the user online, and announces the
// transition if this connection actually brought the user online.
func (g *Gateway) HandleConnect(ctx context.Context, sub room.Subscriber, userID int64, username string) {
	g.router.Join(sub, room.Personal(userID))
	g.router.Join(sub, room.Global())

	if g.presence.MarkOnline(userID) {
		g.broadcastStatus(userID, presence.StatusOnline)
	}
	g.presence.TouchActivity(ctx, userID)

	if data, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		UserID:   userID,
		Username: username,
	}); err != nil {
		log.Printf("[gateway] encode connected: %v", err)
	} else if err := sub.Send(data); err != nil {
		log.Printf("[gateway] send connected to %s: %v", sub.Key(), err)
	}

	// A returning user's active status post is replayed so freshly connected
	// clients render it without a separate fetch.
	if st, err := g.store.ActiveStatus(ctx, userID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[gateway] load status for %d: %v", userID, err)
		}
	} else {
		g.BroadcastStatusPost(userID, true, st.StatusType)
	}
}

// HandleDisconnect tears down a connection: live indicators are cleared,
// every room subscription is dropped, and the user's connection count is
// decremented. The offline announcement happens later, through the presence
// registry's debounce, only if no reconnect arrives in time.
func (g *Gateway) HandleDisconnect(sub room.Subscriber, userID int64) {
	g.signals.ClearAll(userID)
	g.router.DisconnectAll(sub)
	g.presence.MarkOffline(userID)
}

// HandleOffline announces a confirmed offline transition. It is wired as the
// presence registry's debounce callback.
func (g *Gateway) HandleOffline(userID int64) {
	g.broadcastStatus(userID, presence.StatusOffline)
}

func (g *Gateway) broadcastStatus(userID int64, status presence.Status) {
	data, err := protocol.NewServerMessage(protocol.TypeUserStatus, protocol.UserStatusMsg{
		UserID: userID,
		Status: string(status),
	})
	if err != nil {
		log.Printf("[gateway] encode user_status: %v", err)
		return
	}
	g.router.Broadcast(room.Global(), data, "")
	metrics.BroadcastsTotal.WithLabelValues(protocol.TypeUserStatus).Inc()
	g.relayGlobal(data)
}

// HandleRemoteGlobal rebroadcasts a payload that arrived from a peer node to
// this node's global room.
func (g *Gateway) HandleRemoteGlobal(payload []byte) {
	g.router.Broadcast(room.Global(), payload, "")
}

func (g *Gateway) relayGlobal(data []byte) {
	if g.relay == nil {
		return
	}
	if err := g.relay.PublishGlobal(data); err != nil {
		log.Printf("[gateway] relay global event: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Conversation rooms
// ---------------------------------------------------------------------------

// JoinConversation subscribes a connection to a conversation room and marks
// the conversation read for the joining user. Unauthorized joins are dropped
// silently.
func (g *Gateway) JoinConversation(ctx context.Context, sub room.Subscriber, userID, conversationID int64) {
	conv, err := g.AuthorizeParticipant(ctx, userID, conversationID)
	if err != nil {
		g.dropEvent("join_conversation", userID, conversationID, err)
		return
	}

	g.router.Join(sub, room.Conversation(conversationID))
	g.presence.TouchActivity(ctx, userID)

	if err := g.store.MarkConversationRead(ctx, conversationID, userID); err != nil {
		log.Printf("[gateway] mark conversation %d read for %d: %v", conversationID, userID, err)
	}

	if data, err := protocol.NewServerMessage(protocol.TypeJoinedConversation, protocol.JoinedConversationMsg{
		ConversationID: conversationID,
	}); err != nil {
		log.Printf("[gateway] encode joined_conversation: %v", err)
	} else if err := sub.Send(data); err != nil {
		log.Printf("[gateway] send joined_conversation to %s: %v", sub.Key(), err)
	}

	// Joining zeroes the unread badge; refresh the list entry on the user's
	// personal room so all of their clients agree.
	g.sendListRefresh(ctx, conv, userID)
}

// LeaveConversation unsubscribes a connection from a conversation room.
// Like every conversation-scoped event it passes the authorization choke
// point first; non-participants get no reply.
func (g *Gateway) LeaveConversation(ctx context.Context, sub room.Subscriber, userID, conversationID int64) {
	if _, err := g.AuthorizeParticipant(ctx, userID, conversationID); err != nil {
		g.dropEvent("leave_conversation", userID, conversationID, err)
		return
	}

	g.router.Leave(sub, room.Conversation(conversationID))
	g.presence.TouchActivity(ctx, userID)

	if data, err := protocol.NewServerMessage(protocol.TypeLeftConversation, protocol.LeftConversationMsg{
		ConversationID: conversationID,
	}); err != nil {
		log.Printf("[gateway] encode left_conversation: %v", err)
	} else if err := sub.Send(data); err != nil {
		log.Printf("[gateway] send left_conversation to %s: %v", sub.Key(), err)
	}
}

// sendListRefresh rebuilds one conversation-list entry for userID and sends
// it to their personal room.
func (g *Gateway) sendListRefresh(ctx context.Context, conv *store.Conversation, userID int64) {
	otherID := conv.Other(userID)
	otherName := ""
	if u, err := g.store.User(ctx, otherID); err != nil {
		log.Printf("[gateway] load user %d: %v", otherID, err)
	} else {
		otherName = u.Username
	}

	upd := protocol.UpdateConversationMsg{
		ConversationID: conv.ID,
		OtherUserID:    otherID,
		OtherUsername:  otherName,
		UnreadCount:    0,
	}
	if conv.LastMessageID.Valid {
		if msg, err := g.store.Message(ctx, conv.LastMessageID.Int64); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Printf("[gateway] load message %d: %v", conv.LastMessageID.Int64, err)
			}
		} else {
			upd.LastMessage = pipeline.Preview(msg.Content, msg.ContentType)
			upd.LastMessageTime = msg.CreatedAt.UTC().Format(time.RFC3339)
		}
	}

	data, err := protocol.NewServerMessage(protocol.TypeUpdateConversation, upd)
	if err != nil {
		log.Printf("[gateway] encode update_conversation: %v", err)
		return
	}
	g.router.Broadcast(room.Personal(userID), data, "")
}

// ---------------------------------------------------------------------------
// Typing and recording indicators
// ---------------------------------------------------------------------------

// StartIndicator begins a typing or recording indicator in a conversation.
// A user holds at most one live indicator per kind; starting in a second
// conversation supersedes the first, and the superseded room is told the
// indicator stopped so it cannot linger there.
func (g *Gateway) StartIndicator(ctx context.Context, userID int64, username, originKey string, conversationID int64, kind signals.Kind) {
	if _, err := g.AuthorizeParticipant(ctx, userID, conversationID); err != nil {
		g.dropEvent(kind.String()+"_start", userID, conversationID, err)
		return
	}
	g.presence.TouchActivity(ctx, userID)

	prev, switched := g.signals.Start(userID, kind, conversationID)
	if switched {
		g.broadcastIndicator(userID, username, originKey, prev, kind, false)
	}
	g.broadcastIndicator(userID, username, originKey, conversationID, kind, true)
}

// StopIndicator ends a typing or recording indicator. A stop for a
// conversation that is not the live one is stale and ignored.
func (g *Gateway) StopIndicator(ctx context.Context, userID int64, username, originKey string, conversationID int64, kind signals.Kind) {
	if _, err := g.AuthorizeParticipant(ctx, userID, conversationID); err != nil {
		g.dropEvent(kind.String()+"_stop", userID, conversationID, err)
		return
	}
	g.presence.TouchActivity(ctx, userID)

	if !g.signals.Stop(userID, kind, conversationID) {
		return
	}
	g.broadcastIndicator(userID, username, originKey, conversationID, kind, false)
}

func (g *Gateway) broadcastIndicator(userID int64, username, originKey string, conversationID int64, kind signals.Kind, active bool) {
	var (
		data []byte
		err  error
	)
	if kind == signals.Recording {
		data, err = protocol.NewServerMessage(protocol.TypeUserRecording, protocol.UserRecordingMsg{
			UserID:         userID,
			Username:       username,
			ConversationID: conversationID,
			IsRecording:    active,
		})
	} else {
		data, err = protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
			UserID:         userID,
			Username:       username,
			ConversationID: conversationID,
			IsTyping:       active,
		})
	}
	if err != nil {
		log.Printf("[gateway] encode %s indicator: %v", kind, err)
		return
	}
	g.router.Broadcast(room.Conversation(conversationID), data, originKey)
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// SendMessage runs a text message through the pipeline. Authorization and
// validation failures are dropped without a reply.
func (g *Gateway) SendMessage(ctx context.Context, userID int64, username, originKey string, conversationID int64, content string) {
	g.presence.TouchActivity(ctx, userID)

	_, err := g.pipeline.Send(ctx, userID, username, originKey, conversationID, content, protocol.ContentText)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrNotFound),
		errors.Is(err, pipeline.ErrNotParticipant),
		errors.Is(err, pipeline.ErrInvalidMessage):
		g.dropEvent("send_message", userID, conversationID, err)
	default:
		log.Printf("[gateway] send_message user=%d conversation=%d: %v", userID, conversationID, err)
	}
}

// DeleteMessage soft-deletes one of the user's own messages and announces the
// deletion to the conversation room.
func (g *Gateway) DeleteMessage(ctx context.Context, userID, messageID int64) error {
	conversationID, err := g.store.DeleteMessage(ctx, messageID, userID)
	if err != nil {
		return err
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
		MessageID:      messageID,
		ConversationID: conversationID,
	})
	if err != nil {
		log.Printf("[gateway] encode message_deleted: %v", err)
		return nil
	}
	g.router.Broadcast(room.Conversation(conversationID), data, "")
	metrics.BroadcastsTotal.WithLabelValues(protocol.TypeMessageDeleted).Inc()
	return nil
}

// ---------------------------------------------------------------------------
// Status posts
// ---------------------------------------------------------------------------

// BroadcastStatusPost announces a status post change to the global room.
func (g *Gateway) BroadcastStatusPost(userID int64, hasStatus bool, statusType string) {
	msg := protocol.StatusUpdatedMsg{
		UserID:    userID,
		HasStatus: hasStatus,
	}
	if hasStatus {
		msg.StatusType = statusType
	}
	data, err := protocol.NewServerMessage(protocol.TypeStatusUpdated, msg)
	if err != nil {
		log.Printf("[gateway] encode status_updated: %v", err)
		return
	}
	g.router.Broadcast(room.Global(), data, "")
	metrics.BroadcastsTotal.WithLabelValues(protocol.TypeStatusUpdated).Inc()
	g.relayGlobal(data)
}

// UserStatus reports a user's presence classification.
func (g *Gateway) UserStatus(ctx context.Context, userID int64) presence.Status {
	return g.presence.Status(ctx, userID)
}

// dropEvent records a silently dropped event. The sender gets no reply.
func (g *Gateway) dropEvent(event string, userID, conversationID int64, err error) {
	log.Printf("[gateway] drop %s user=%d conversation=%d: %v", event, userID, conversationID, err)
}
