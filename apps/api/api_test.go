package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/pulse/pkg/auth"
	"github.com/mahaj/pulse/pkg/db"
	"github.com/mahaj/pulse/pkg/logging"
	"github.com/mahaj/pulse/pkg/model"
)

type fakeCounters struct {
	list  map[string][]db.ConversationSummary
	reset []string
	err   error
}

func (f *fakeCounters) Conversations(_ context.Context, userID string) ([]db.ConversationSummary, error) {
	return f.list[userID], f.err
}

func (f *fakeCounters) ResetUnread(_ context.Context, userID, conversationID string) error {
	if f.err != nil {
		return f.err
	}
	f.reset = append(f.reset, userID+"/"+conversationID)
	return nil
}

type fakeLive struct {
	events []model.LiveEvent
}

func (f *fakeLive) PublishLive(_ context.Context, event model.LiveEvent) error {
	f.events = append(f.events, event)
	return nil
}

type apiHarness struct {
	handler  http.Handler
	tokens   *auth.Tokens
	store    *db.MemoryStore
	counters *fakeCounters
	live     *fakeLive
	redis    *miniredis.Miniredis
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := logging.Discard()
	a := &apiHarness{
		tokens:   auth.NewTokens("secret", time.Hour),
		store:    db.NewMemoryStore(),
		counters: &fakeCounters{list: map[string][]db.ConversationSummary{}},
		live:     &fakeLive{},
		redis:    mr,
	}
	a.handler = routes(deps{
		tokens:   a.tokens,
		history:  a.store,
		counters: a.counters,
		presence: NewPresenceHandler(rdb, "presence:online", logger),
		live:     a.live,
		logger:   logger,
	})
	return a
}

func (a *apiHarness) do(t *testing.T, method, target, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if userID != "" {
		token, err := a.tokens.Generate(userID)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func TestLogin(t *testing.T) {
	a := newAPI(t)

	rec := a.do(t, http.MethodPost, "/login", "", LoginRequest{UserID: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	claims, err := a.tokens.Validate(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)

	rec = a.do(t, http.MethodPost, "/login", "", LoginRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	a := newAPI(t)
	for _, target := range []string{"/history?conversation_id=c1", "/conversations", "/presence/online"} {
		rec := a.do(t, http.MethodGet, target, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
	}
}

func TestCORSPreflight(t *testing.T) {
	a := newAPI(t)
	rec := a.do(t, http.MethodOptions, "/history", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHistory(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()
	a.store.PutConversation(model.Conversation{ID: "c1", Participants: [2]string{"alice", "bob"}})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, text := range []string{"one", "two", "three"} {
		require.NoError(t, a.store.InsertMessage(ctx, model.Message{
			ID:             text,
			ConversationID: "c1",
			SenderID:       "alice",
			RecipientID:    "bob",
			Text:           text,
			Status:         model.StatusSent,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	rec := a.do(t, http.MethodGet, "/history?conversation_id=c1&limit=2", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var messages []model.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &messages))
	require.Len(t, messages, 2)
	assert.Equal(t, "two", messages[0].Text)
	assert.Equal(t, "three", messages[1].Text)

	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodGet, "/history?conversation_id=c1", "mallory", nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/history?conversation_id=nope", "bob", nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/history", "bob", nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/history?conversation_id=c1&limit=-1", "bob", nil).Code)
}

func TestConversationsMostRecentFirst(t *testing.T) {
	a := newAPI(t)
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.counters.list["alice"] = []db.ConversationSummary{
		{ConversationID: "c1", OtherUserID: "bob", LastUpdated: older, UnreadCount: 2},
		{ConversationID: "c2", OtherUserID: "carol", LastUpdated: older.Add(time.Hour)},
	}

	rec := a.do(t, http.MethodGet, "/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []db.ConversationSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "c2", list[0].ConversationID)
	assert.Equal(t, int64(2), list[1].UnreadCount)

	rec = a.do(t, http.MethodGet, "/conversations", "nobody", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	a.counters.err = errors.New("scylla down")
	assert.Equal(t, http.StatusInternalServerError, a.do(t, http.MethodGet, "/conversations", "alice", nil).Code)
}

func TestMarkConversationRead(t *testing.T) {
	a := newAPI(t)
	rec := a.do(t, http.MethodPost, "/conversations/read", "alice", ReadRequest{ConversationID: "c1"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"alice/c1"}, a.counters.reset)

	rec = a.do(t, http.MethodPost, "/conversations/read", "alice", ReadRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPresence(t *testing.T) {
	a := newAPI(t)
	a.redis.SAdd("presence:online", "bob", "alice")

	rec := a.do(t, http.MethodGet, "/presence/online", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["alice","bob"]`, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/presence/bob", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"userId":"bob","online":true}`, rec.Body.String())

	rec = a.do(t, http.MethodGet, "/presence/carol", "alice", nil)
	assert.JSONEq(t, `{"userId":"carol","online":false}`, rec.Body.String())
}

func TestLiveOnlyReachesPostRooms(t *testing.T) {
	a := newAPI(t)
	comment := json.RawMessage(`{"text":"nice"}`)

	rec := a.do(t, http.MethodPost, "/live", "service", model.LiveEvent{Room: "post:p1", Event: "newComment", Data: comment})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = a.do(t, http.MethodPost, "/live", "service", model.LiveEvent{Room: "user:bob", Event: "newComment"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Len(t, a.live.events, 1)
	assert.Equal(t, "post:p1", a.live.events[0].Room)
	assert.JSONEq(t, string(comment), string(a.live.events[0].Data))
}
