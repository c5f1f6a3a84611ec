// Package httpapi serves the REST surface of the service: account
// registration and login, conversation and history listing, audio upload,
// status posts, and push subscriptions. Realtime events stay on the
// WebSocket; this package covers everything a client does outside it.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/echodm/chat-app/internal/auth"
	"github.com/echodm/chat-app/internal/filestore"
	"github.com/echodm/chat-app/internal/gateway"
	"github.com/echodm/chat-app/internal/pipeline"
	"github.com/echodm/chat-app/internal/ratelimit"
	"github.com/echodm/chat-app/internal/store"
)

// UserStore is the subset of the durable store the REST surface needs.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*store.User, error)
	Credentials(ctx context.Context, username string) (*store.User, string, error)
	User(ctx context.Context, id int64) (*store.User, error)
	ConversationsFor(ctx context.Context, userID int64) ([]store.ConversationSummary, error)
	Messages(ctx context.Context, conversationID int64, limit int) ([]store.Message, error)
	SetStatus(ctx context.Context, userID int64, statusType, content string, expiresAt time.Time) error
	ClearStatus(ctx context.Context, userID int64) error
	ActiveStatus(ctx context.Context, userID int64) (*store.StatusPost, error)
	SavePushSubscription(ctx context.Context, userID int64, subscription string) error
}

// TokenStore issues and verifies bearer tokens.
type TokenStore interface {
	Issue(ctx context.Context, id auth.Identity) (string, error)
	Verify(ctx context.Context, token string) (auth.Identity, error)
	Revoke(ctx context.Context, token string) error
}

// Limiter throttles expensive operations per identifier. Nil disables
// throttling.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
}

// API holds the REST handlers and their collaborators.
type API struct {
	users   UserStore
	tokens  TokenStore
	gw      *gateway.Gateway
	pipe    *pipeline.Pipeline
	files   *filestore.Store
	limiter Limiter
}

// New returns an API. files and limiter may be nil; the audio endpoints then
// answer 503 and throttling is disabled respectively.
func New(users UserStore, tokens TokenStore, gw *gateway.Gateway, pipe *pipeline.Pipeline, files *filestore.Store, limiter Limiter) *API {
	return &API{
		users:   users,
		tokens:  tokens,
		gw:      gw,
		pipe:    pipe,
		files:   files,
		limiter: limiter,
	}
}

// Routes registers all REST endpoints on the mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/register", a.handleRegister)
	mux.HandleFunc("POST /api/login", a.handleLogin)
	mux.HandleFunc("POST /api/logout", a.withAuth(a.handleLogout))

	mux.HandleFunc("GET /api/conversations", a.withAuth(a.handleListConversations))
	mux.HandleFunc("POST /api/conversations", a.withAuth(a.handleOpenConversation))
	mux.HandleFunc("GET /api/conversations/{id}/messages", a.withAuth(a.handleListMessages))
	mux.HandleFunc("POST /api/conversations/{id}/audio", a.withAuth(a.handleUploadAudio))
	mux.HandleFunc("DELETE /api/messages/{id}", a.withAuth(a.handleDeleteMessage))

	mux.HandleFunc("POST /api/status", a.withAuth(a.handleSetStatus))
	mux.HandleFunc("DELETE /api/status", a.withAuth(a.handleClearStatus))
	mux.HandleFunc("GET /api/users/{id}/status", a.withAuth(a.handleUserStatus))
	mux.HandleFunc("GET /api/users/{id}/presence", a.withAuth(a.handleUserPresence))

	mux.HandleFunc("POST /api/push", a.withAuth(a.handleSavePush))

	mux.HandleFunc("GET /media/{token}", a.withAuth(a.handleMedia))
}

// authedHandler is a handler that runs with a verified identity.
type authedHandler func(w http.ResponseWriter, r *http.Request, id auth.Identity)

// withAuth resolves the bearer token and rejects the request with 401 when it
// is missing or invalid.
func (a *API) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		id, err := a.tokens.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		next(w, r, id)
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

// writeError sends a structured JSON error body.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}{Error: code, Message: message})
}

// decodeBody decodes a JSON request body into v, rejecting unknown fields.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
