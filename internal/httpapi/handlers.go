package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/echodm/chat-app/internal/auth"
	"github.com/echodm/chat-app/internal/filestore"
	"github.com/echodm/chat-app/internal/gateway"
	"github.com/echodm/chat-app/internal/pipeline"
	"github.com/echodm/chat-app/internal/protocol"
	"github.com/echodm/chat-app/internal/ratelimit"
	"github.com/echodm/chat-app/internal/store"
)

var usernameRe = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)

const (
	minPasswordLen   = 8
	defaultPageSize  = 50
	maxPageSize      = 200
	defaultStatusTTL = 24 * time.Hour
)

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

type credentialsReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResp struct {
	Token    string `json:"token"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if !usernameRe.MatchString(req.Username) {
		writeError(w, http.StatusBadRequest, "invalid_username", "username must be 3-32 lowercase letters, digits, or underscores")
		return
	}
	if len(req.Password) < minPasswordLen {
		writeError(w, http.StatusBadRequest, "weak_password", fmt.Sprintf("password must be at least %d characters", minPasswordLen))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not process password")
		return
	}

	u, err := a.users.CreateUser(r.Context(), req.Username, string(hash))
	if err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			writeError(w, http.StatusConflict, "username_taken", "username already taken")
			return
		}
		log.Printf("httpapi: create user: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not create account")
		return
	}

	token, err := a.tokens.Issue(r.Context(), auth.Identity{UserID: u.ID, Username: u.Username})
	if err != nil {
		log.Printf("httpapi: issue token for %d: %v", u.ID, err)
		writeError(w, http.StatusInternalServerError, "internal", "could not create session")
		return
	}

	writeJSON(w, http.StatusCreated, sessionResp{Token: token, UserID: u.ID, Username: u.Username})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.allow(r, "login:"+remoteIP(r), ratelimit.RuleConnect) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many login attempts")
		return
	}

	var req credentialsReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	u, hash, err := a.users.Credentials(r.Context(), req.Username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("httpapi: load credentials: %v", err)
		}
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
		return
	}

	token, err := a.tokens.Issue(r.Context(), auth.Identity{UserID: u.ID, Username: u.Username})
	if err != nil {
		log.Printf("httpapi: issue token for %d: %v", u.ID, err)
		writeError(w, http.StatusInternalServerError, "internal", "could not create session")
		return
	}

	writeJSON(w, http.StatusOK, sessionResp{Token: token, UserID: u.ID, Username: u.Username})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	if err := a.tokens.Revoke(r.Context(), bearerToken(r)); err != nil {
		log.Printf("httpapi: revoke token: %v", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Conversations and history
// ---------------------------------------------------------------------------

type conversationResp struct {
	ConversationID  int64  `json:"conversation_id"`
	OtherUserID     int64  `json:"other_user_id"`
	OtherUsername   string `json:"other_username"`
	LastMessage     string `json:"last_message,omitempty"`
	LastMessageTime string `json:"last_message_time,omitempty"`
	UnreadCount     int    `json:"unread_count"`
}

func (a *API) handleListConversations(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	summaries, err := a.users.ConversationsFor(r.Context(), id.UserID)
	if err != nil {
		log.Printf("httpapi: list conversations for %d: %v", id.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal", "could not load conversations")
		return
	}

	out := make([]conversationResp, 0, len(summaries))
	for _, s := range summaries {
		c := conversationResp{
			ConversationID: s.ConversationID,
			OtherUserID:    s.OtherUserID,
			OtherUsername:  s.OtherUsername,
			UnreadCount:    s.UnreadCount,
		}
		if s.LastMessage != "" {
			c.LastMessage = pipeline.Preview(s.LastMessage, s.LastMessageType)
		}
		if s.LastMessageTime.Valid {
			c.LastMessageTime = s.LastMessageTime.Time.UTC().Format(time.RFC3339)
		}
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, out)
}

type openConversationReq struct {
	UserID int64 `json:"user_id"`
}

func (a *API) handleOpenConversation(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req openConversationReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	conv, err := a.gw.OpenConversation(r.Context(), id.UserID, req.UserID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		log.Printf("httpapi: open conversation %d->%d: %v", id.UserID, req.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal", "could not open conversation")
		return
	}

	otherID := conv.Other(id.UserID)
	otherName := ""
	if u, err := a.users.User(r.Context(), otherID); err == nil {
		otherName = u.Username
	}

	writeJSON(w, http.StatusOK, conversationResp{
		ConversationID: conv.ID,
		OtherUserID:    otherID,
		OtherUsername:  otherName,
		UnreadCount:    conv.UnreadFor(id.UserID),
	})
}

type messageResp struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	UserID         int64  `json:"user_id"`
	Content        string `json:"content"`
	ContentType    string `json:"content_type"`
	Timestamp      string `json:"timestamp"`
	IsRead         bool   `json:"is_read"`
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	conversationID, ok := pathID(w, r)
	if !ok {
		return
	}

	// Membership gates history. Unknown and foreign conversations answer the
	// same way so the endpoint does not reveal which IDs exist.
	if _, err := a.gw.AuthorizeParticipant(r.Context(), id.UserID, conversationID); err != nil {
		if errors.Is(err, gateway.ErrNotFound) || errors.Is(err, gateway.ErrNotAuthorized) {
			writeError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		log.Printf("httpapi: authorize %d for conversation %d: %v", id.UserID, conversationID, err)
		writeError(w, http.StatusInternalServerError, "internal", "could not load messages")
		return
	}

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	msgs, err := a.users.Messages(r.Context(), conversationID, limit)
	if err != nil {
		log.Printf("httpapi: list messages for conversation %d: %v", conversationID, err)
		writeError(w, http.StatusInternalServerError, "internal", "could not load messages")
		return
	}

	out := make([]messageResp, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResp{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			UserID:         m.SenderID,
			Content:        m.Content,
			ContentType:    m.ContentType,
			Timestamp:      m.CreatedAt.UTC().Format(time.RFC3339),
			IsRead:         m.IsRead,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleDeleteMessage(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	messageID, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := a.gw.DeleteMessage(r.Context(), id.UserID, messageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "message not found")
			return
		}
		log.Printf("httpapi: delete message %d by %d: %v", messageID, id.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal", "could not delete message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Audio
// ---------------------------------------------------------------------------

func (a *API) handleUploadAudio(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	if a.files == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "audio uploads are not enabled")
		return
	}
	conversationID, ok := pathID(w, r)
	if !ok {
		return
	}
	if !a.allow(r, fmt.Sprintf("upload:%d", id.UserID), ratelimit.RuleUpload) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many uploads")
		return
	}
	if a.limiter != nil {
		if left, err := a.limiter.Remaining(r.Context(), fmt.Sprintf("upload:%d", id.UserID), ratelimit.RuleUpload); err == nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(left))
		}
	}

	// Accept either a multipart form with a "file" part or a raw body.
	var body io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		f, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "missing file part")
			return
		}
		defer f.Close()
		body = f
	}

	token, err := a.files.Save(body)
	if err != nil {
		if errors.Is(err, filestore.ErrEmpty) {
			writeError(w, http.StatusBadRequest, "bad_request", "audio body is empty")
			return
		}
		if errors.Is(err, filestore.ErrTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "audio exceeds size limit")
			return
		}
		log.Printf("httpapi: save audio from %d: %v", id.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal", "could not store audio")
		return
	}

	msg, err := a.pipe.Send(r.Context(), id.UserID, id.Username, "", conversationID, token, protocol.ContentAudio)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrNotFound), errors.Is(err, pipeline.ErrNotParticipant):
			writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		case errors.Is(err, pipeline.ErrInvalidMessage):
			writeError(w, http.StatusBadRequest, "bad_request", "invalid audio message")
		default:
			log.Printf("httpapi: send audio message: %v", err)
			writeError(w, http.StatusInternalServerError, "internal", "could not send audio message")
		}
		return
	}

	writeJSON(w, http.StatusCreated, messageResp{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		UserID:         msg.SenderID,
		Content:        msg.Content,
		ContentType:    msg.ContentType,
		Timestamp:      msg.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) handleMedia(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	if a.files == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "media serving is not enabled")
		return
	}

	f, err := a.files.Open(r.PathValue("token"))
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "media not found")
			return
		}
		log.Printf("httpapi: open media: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not open media")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "private, max-age=86400, immutable")
	if _, err := io.Copy(w, f); err != nil {
		log.Printf("httpapi: serve media: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Status posts, presence, push
// ---------------------------------------------------------------------------

type setStatusReq struct {
	StatusType string `json:"status_type"`
	Content    string `json:"content"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (a *API) handleSetStatus(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req setStatusReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.StatusType != "text" && req.StatusType != "image" {
		writeError(w, http.StatusBadRequest, "bad_request", "status_type must be text or image")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "content is required")
		return
	}

	ttl := defaultStatusTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl > defaultStatusTTL {
		ttl = defaultStatusTTL
	}

	if err := a.users.SetStatus(r.Context(), id.UserID, req.StatusType, req.Content, time.Now().Add(ttl)); err != nil {
		log.Printf("httpapi: set status for %d: %v", id.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal", "could not set status")
		return
	}

	a.gw.BroadcastStatusPost(id.UserID, true, req.StatusType)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleClearStatus(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	if err := a.users.ClearStatus(r.Context(), id.UserID); err != nil {
		log.Printf("httpapi: clear status for %d: %v", id.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal", "could not clear status")
		return
	}

	a.gw.BroadcastStatusPost(id.UserID, false, "")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserStatus(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	userID, ok := pathID(w, r)
	if !ok {
		return
	}

	st, err := a.users.ActiveStatus(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no active status")
			return
		}
		log.Printf("httpapi: load status for %d: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal", "could not load status")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		UserID     int64  `json:"user_id"`
		StatusType string `json:"status_type"`
		Content    string `json:"content"`
		ExpiresAt  string `json:"expires_at"`
	}{
		UserID:     st.UserID,
		StatusType: st.StatusType,
		Content:    st.Content,
		ExpiresAt:  st.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) handleUserPresence(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	userID, ok := pathID(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, struct {
		UserID int64  `json:"user_id"`
		Status string `json:"status"`
	}{
		UserID: userID,
		Status: string(a.gw.UserStatus(r.Context(), userID)),
	})
}

type savePushReq struct {
	Subscription json.RawMessage `json:"subscription"`
}

func (a *API) handleSavePush(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req savePushReq
	if err := decodeBody(r, &req); err != nil || len(req.Subscription) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "subscription is required")
		return
	}

	if err := a.users.SavePushSubscription(r.Context(), id.UserID, string(req.Subscription)); err != nil {
		log.Printf("httpapi: save push subscription for %d: %v", id.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal", "could not save subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// pathID parses the {id} path segment; on failure it answers 400 and returns
// ok=false.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid id")
		return 0, false
	}
	return id, true
}

// allow consults the limiter, failing open when it is not configured.
func (a *API) allow(r *http.Request, identifier string, rule ratelimit.Rule) bool {
	if a.limiter == nil {
		return true
	}
	ok, err := a.limiter.Allow(r.Context(), identifier, rule)
	if err != nil {
		log.Printf("httpapi: rate limit check %s: %v", identifier, err)
		return true
	}
	return ok
}
