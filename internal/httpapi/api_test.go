package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/echodm/chat-app/internal/auth"
	"github.com/echodm/chat-app/internal/filestore"
	"github.com/echodm/chat-app/internal/gateway"
	"github.com/echodm/chat-app/internal/pipeline"
	"github.com/echodm/chat-app/internal/presence"
	"github.com/echodm/chat-app/internal/protocol"
	"github.com/echodm/chat-app/internal/room"
	"github.com/echodm/chat-app/internal/signals"
	"github.com/echodm/chat-app/internal/store"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeStore backs the REST surface, the gateway, and the pipeline in tests.
type fakeStore struct {
	mu       sync.Mutex
	users    map[int64]*store.User
	byName   map[string]int64
	hashes   map[int64]string
	convs    map[int64]*store.Conversation
	msgs     map[int64]*store.Message
	statuses map[int64]*store.StatusPost
	subs     map[int64]string
	nextUser int64
	nextConv int64
	nextMsg  int64
}

func newFakeStore() *fakeStore {
	f := &fakeStore{
		users:    make(map[int64]*store.User),
		byName:   make(map[string]int64),
		hashes:   make(map[int64]string),
		convs:    make(map[int64]*store.Conversation),
		msgs:     make(map[int64]*store.Message),
		statuses: make(map[int64]*store.StatusPost),
		subs:     make(map[int64]string),
	}
	return f
}

func (f *fakeStore) addUser(username, password string) *store.User {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	u, _ := f.CreateUser(context.Background(), username, string(hash))
	return u
}

func (f *fakeStore) CreateUser(_ context.Context, username, passwordHash string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, taken := f.byName[username]; taken {
		return nil, store.ErrUsernameTaken
	}
	f.nextUser++
	u := &store.User{ID: f.nextUser, Username: username, CreatedAt: time.Now()}
	f.users[u.ID] = u
	f.byName[username] = u.ID
	f.hashes[u.ID] = passwordHash
	return u, nil
}

func (f *fakeStore) Credentials(_ context.Context, username string) (*store.User, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byName[username]
	if !ok {
		return nil, "", store.ErrNotFound
	}
	return f.users[id], f.hashes[id], nil
}

func (f *fakeStore) User(_ context.Context, id int64) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) Conversation(_ context.Context, id int64) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) GetOrCreateConversation(_ context.Context, a, b int64) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	for _, c := range f.convs {
		if c.UserLow == lo && c.UserHigh == hi {
			cp := *c
			return &cp, nil
		}
	}
	f.nextConv++
	c := &store.Conversation{ID: f.nextConv, UserLow: lo, UserHigh: hi}
	f.convs[c.ID] = c
	cp := *c
	return &cp, nil
}

func (f *fakeStore) MarkConversationRead(context.Context, int64, int64) error { return nil }

func (f *fakeStore) ConversationsFor(_ context.Context, userID int64) ([]store.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ConversationSummary
	for _, c := range f.convs {
		if !c.IsParticipant(userID) {
			continue
		}
		other := c.Other(userID)
		s := store.ConversationSummary{
			ConversationID: c.ID,
			OtherUserID:    other,
			UnreadCount:    c.UnreadFor(userID),
		}
		if u, ok := f.users[other]; ok {
			s.OtherUsername = u.Username
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) Messages(_ context.Context, conversationID int64, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.msgs {
		if m.ConversationID == conversationID && !m.IsDeleted {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeStore) Message(_ context.Context, id int64) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) AppendMessage(_ context.Context, conversationID, senderID int64, content, contentType string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[conversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	f.nextMsg++
	m := &store.Message{
		ID:             f.nextMsg,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		ContentType:    contentType,
		CreatedAt:      time.Now(),
	}
	f.msgs[m.ID] = m
	c.LastMessageID.Valid = true
	c.LastMessageID.Int64 = m.ID
	return m, nil
}

func (f *fakeStore) DeleteMessage(_ context.Context, messageID, senderID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[messageID]
	if !ok || m.SenderID != senderID || m.IsDeleted {
		return 0, store.ErrNotFound
	}
	m.IsDeleted = true
	return m.ConversationID, nil
}

func (f *fakeStore) SetStatus(_ context.Context, userID int64, statusType, content string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[userID] = &store.StatusPost{UserID: userID, StatusType: statusType, Content: content, ExpiresAt: expiresAt}
	return nil
}

func (f *fakeStore) ClearStatus(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.statuses, userID)
	return nil
}

func (f *fakeStore) ActiveStatus(_ context.Context, userID int64) (*store.StatusPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return st, nil
}

func (f *fakeStore) SavePushSubscription(_ context.Context, userID int64, subscription string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[userID] = subscription
	return nil
}

func (f *fakeStore) PushSubscription(_ context.Context, userID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return sub, nil
}

// fakeTokens is an in-memory token store.
type fakeTokens struct {
	mu     sync.Mutex
	next   int
	tokens map[string]auth.Identity
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{tokens: make(map[string]auth.Identity)}
}

func (t *fakeTokens) Issue(_ context.Context, id auth.Identity) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	token := fmt.Sprintf("tok-%d", t.next)
	t.tokens[token] = id
	return token, nil
}

func (t *fakeTokens) Verify(_ context.Context, token string) (auth.Identity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.tokens[token]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

func (t *fakeTokens) Revoke(_ context.Context, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tokens, token)
	return nil
}

type fakePresence struct{}

func (fakePresence) MarkOnline(int64) bool                            { return true }
func (fakePresence) MarkOffline(int64)                                {}
func (fakePresence) TouchActivity(context.Context, int64)             {}
func (fakePresence) IsOnline(int64) bool                              { return false }
func (fakePresence) Status(context.Context, int64) presence.Status    { return presence.StatusOffline }

type watcherSub struct {
	key string
	mu  sync.Mutex
	got [][]byte
}

func (s *watcherSub) Key() string { return s.key }

func (s *watcherSub) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, data)
	return nil
}

func (s *watcherSub) count(msgType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, data := range s.got {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &env) == nil && env.Type == msgType {
			n++
		}
	}
	return n
}

type testEnv struct {
	api    *API
	store  *fakeStore
	tokens *fakeTokens
	router *room.Router
	mux    *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := newFakeStore()
	tokens := newFakeTokens()
	router := room.NewRouter()
	tracker := signals.NewTracker()
	pres := fakePresence{}
	pipe := pipeline.New(st, router, tracker, pres, nil)
	gw := gateway.New(st, router, pres, tracker, pipe, nil)
	files, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}

	api := New(st, tokens, gw, pipe, files, nil)
	mux := http.NewServeMux()
	api.Routes(mux)
	return &testEnv{api: api, store: st, tokens: tokens, router: router, mux: mux}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	rec := e.do(t, "POST", "/api/login", "", credentialsReq{Username: username, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d: %s", username, rec.Code, rec.Body.String())
	}
	var resp sessionResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.Token
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRegister(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/register", "", credentialsReq{Username: "alice", Password: "correcthorse"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status %d: %s", rec.Code, rec.Body.String())
	}
	var resp sessionResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" || resp.Username != "alice" {
		t.Errorf("response = %+v", resp)
	}

	// Duplicate username.
	rec = env.do(t, "POST", "/api/register", "", credentialsReq{Username: "alice", Password: "correcthorse"})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate register: status %d, want 409", rec.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []credentialsReq{
		{Username: "al", Password: "correcthorse"},       // too short
		{Username: "Alice!", Password: "correcthorse"},   // bad characters
		{Username: "alice", Password: "short"},           // weak password
	}
	for _, c := range cases {
		rec := env.do(t, "POST", "/api/register", "", c)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("register %+v: status %d, want 400", c, rec.Code)
		}
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("alice", "correcthorse")

	if token := env.login(t, "alice", "correcthorse"); token == "" {
		t.Error("empty token")
	}

	rec := env.do(t, "POST", "/api/login", "", credentialsReq{Username: "alice", Password: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: status %d, want 401", rec.Code)
	}
	rec = env.do(t, "POST", "/api/login", "", credentialsReq{Username: "nobody", Password: "whatever"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unknown user: status %d, want 401", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/conversations", "/api/users/1/presence"} {
		rec := env.do(t, "GET", path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token: status %d, want 401", path, rec.Code)
		}
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("alice", "correcthorse")
	token := env.login(t, "alice", "correcthorse")

	if rec := env.do(t, "POST", "/api/logout", token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("logout: status %d", rec.Code)
	}
	if rec := env.do(t, "GET", "/api/conversations", token, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("revoked token still accepted: status %d", rec.Code)
	}
}

func TestOpenAndListConversations(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("alice", "correcthorse")
	env.store.addUser("bob", "correcthorse")
	token := env.login(t, "alice", "correcthorse")

	rec := env.do(t, "POST", "/api/conversations", token, openConversationReq{UserID: 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("open conversation: status %d: %s", rec.Code, rec.Body.String())
	}
	var conv conversationResp
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if conv.OtherUsername != "bob" {
		t.Errorf("other_username = %q, want bob", conv.OtherUsername)
	}

	// Opening again returns the same conversation.
	rec = env.do(t, "POST", "/api/conversations", token, openConversationReq{UserID: 2})
	var again conversationResp
	if err := json.Unmarshal(rec.Body.Bytes(), &again); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if again.ConversationID != conv.ConversationID {
		t.Errorf("reopen created a new conversation: %d vs %d", again.ConversationID, conv.ConversationID)
	}

	// Unknown peer.
	rec = env.do(t, "POST", "/api/conversations", token, openConversationReq{UserID: 99})
	if rec.Code != http.StatusNotFound {
		t.Errorf("open with unknown user: status %d, want 404", rec.Code)
	}

	rec = env.do(t, "GET", "/api/conversations", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list conversations: status %d", rec.Code)
	}
	var list []conversationResp
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("got %d conversations, want 1", len(list))
	}
}

func TestListMessagesHidesForeignConversations(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("alice", "correcthorse")
	env.store.addUser("bob", "correcthorse")
	env.store.addUser("mallory", "correcthorse")
	env.store.GetOrCreateConversation(context.Background(), 1, 2)

	mallory := env.login(t, "mallory", "correcthorse")
	rec := env.do(t, "GET", "/api/conversations/1/messages", mallory, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign conversation: status %d, want 404", rec.Code)
	}

	// An unknown conversation answers identically.
	rec = env.do(t, "GET", "/api/conversations/999/messages", mallory, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown conversation: status %d, want 404", rec.Code)
	}
}

func TestDeleteMessage(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("alice", "correcthorse")
	env.store.addUser("bob", "correcthorse")
	env.store.GetOrCreateConversation(context.Background(), 1, 2)
	msg, err := env.store.AppendMessage(context.Background(), 1, 1, "oops", protocol.ContentText)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	bob := env.login(t, "bob", "correcthorse")
	rec := env.do(t, "DELETE", fmt.Sprintf("/api/messages/%d", msg.ID), bob, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("peer delete: status %d, want 404", rec.Code)
	}

	alice := env.login(t, "alice", "correcthorse")
	rec = env.do(t, "DELETE", fmt.Sprintf("/api/messages/%d", msg.ID), alice, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("author delete: status %d, want 204", rec.Code)
	}
}

func TestStatusLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("alice", "correcthorse")
	env.store.addUser("bob", "correcthorse")
	alice := env.login(t, "alice", "correcthorse")
	bob := env.login(t, "bob", "correcthorse")

	watcher := &watcherSub{key: "watcher"}
	env.router.Join(watcher, room.Global())

	rec := env.do(t, "POST", "/api/status", alice, setStatusReq{StatusType: "text", Content: "brb"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("set status: status %d: %s", rec.Code, rec.Body.String())
	}
	if watcher.count(protocol.TypeStatusUpdated) != 1 {
		t.Error("no status_updated broadcast after set")
	}

	rec = env.do(t, "GET", "/api/users/1/status", bob, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status: status %d", rec.Code)
	}

	rec = env.do(t, "POST", "/api/status", alice, setStatusReq{StatusType: "video", Content: "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad status_type: status %d, want 400", rec.Code)
	}

	rec = env.do(t, "DELETE", "/api/status", alice, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("clear status: status %d", rec.Code)
	}
	if watcher.count(protocol.TypeStatusUpdated) != 2 {
		t.Error("no status_updated broadcast after clear")
	}

	rec = env.do(t, "GET", "/api/users/1/status", bob, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("cleared status still served: status %d", rec.Code)
	}
}

func TestSavePushSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("alice", "correcthorse")
	alice := env.login(t, "alice", "correcthorse")

	rec := env.do(t, "POST", "/api/push", alice, savePushReq{
		Subscription: json.RawMessage(`{"endpoint":"https://push.example/alice"}`),
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("save push: status %d: %s", rec.Code, rec.Body.String())
	}
	if env.store.subs[1] == "" {
		t.Error("subscription not stored")
	}

	rec = env.do(t, "POST", "/api/push", alice, savePushReq{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty subscription: status %d, want 400", rec.Code)
	}
}

func TestUploadAudioAndServeMedia(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("alice", "correcthorse")
	env.store.addUser("bob", "correcthorse")
	env.store.GetOrCreateConversation(context.Background(), 1, 2)
	alice := env.login(t, "alice", "correcthorse")

	req := httptest.NewRequest("POST", "/api/conversations/1/audio", bytes.NewReader([]byte("fake-ogg-bytes")))
	req.Header.Set("Authorization", "Bearer "+alice)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload audio: status %d: %s", rec.Code, rec.Body.String())
	}

	var msg messageResp
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if msg.ContentType != protocol.ContentAudio {
		t.Errorf("content_type = %q, want audio", msg.ContentType)
	}

	rec = env.do(t, "GET", "/media/"+msg.Content, alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("serve media: status %d", rec.Code)
	}
	if rec.Body.String() != "fake-ogg-bytes" {
		t.Errorf("media body = %q", rec.Body.String())
	}

	rec = env.do(t, "GET", "/media/"+msg.Content, "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated media fetch: status %d, want 401", rec.Code)
	}
}

func TestUploadAudioRejectsEmptyBody(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("alice", "correcthorse")
	env.store.addUser("bob", "correcthorse")
	env.store.GetOrCreateConversation(context.Background(), 1, 2)
	alice := env.login(t, "alice", "correcthorse")

	req := httptest.NewRequest("POST", "/api/conversations/1/audio", bytes.NewReader(nil))
	req.Header.Set("Authorization", "Bearer "+alice)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty upload: status %d, want 400", rec.Code)
	}
	if len(env.store.msgs) != 0 {
		t.Errorf("empty upload persisted %d messages", len(env.store.msgs))
	}
}

func TestUserPresence(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("alice", "correcthorse")
	alice := env.login(t, "alice", "correcthorse")

	rec := env.do(t, "GET", "/api/users/1/presence", alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("presence: status %d", rec.Code)
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(presence.StatusOffline) {
		t.Errorf("status = %q, want offline", resp.Status)
	}
}
