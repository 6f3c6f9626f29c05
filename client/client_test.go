package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/pulse/pkg/logging"
	"github.com/mahaj/pulse/pkg/model"
)

func TestParseMessageNeedsConversation(t *testing.T) {
	c := newChat("alice", "")
	_, err := c.parse("hello")
	assert.Error(t, err)

	frames, err := c.parse("/dm bob")
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, model.EventJoinConversation, frames[0].event)
	assert.Equal(t, "dm:alice:bob", c.conversation)

	frames, err = c.parse("  hello  ")
	require.NoError(t, err)
	require.Len(t, frames, 1)
	payload := frames[0].data.(model.SendPayload)
	assert.Equal(t, "hello", payload.Text)
	assert.Equal(t, "bob", payload.RecipientID)
	assert.True(t, strings.HasPrefix(payload.ClientMessageID, "tmp-"))
}

func TestParseCommands(t *testing.T) {
	c := newChat("bob", "alice")

	tests := []struct {
		line  string
		event string
	}{
		{"/typing", model.EventTyping},
		{"/stop", model.EventStopTyping},
		{"/seen", model.EventMarkMessagesAsSeen},
		{"/post p1", model.EventJoinPost},
		{"/unpost p1", model.EventLeavePost},
	}
	for _, tt := range tests {
		frames, err := c.parse(tt.line)
		require.NoError(t, err, tt.line)
		require.Len(t, frames, 1, tt.line)
		assert.Equal(t, tt.event, frames[0].event, tt.line)
	}

	frames, err := c.parse("/dm carol")
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, model.EventLeaveConversation, frames[0].event)
	assert.Equal(t, model.ConversationRef{ConversationID: "dm:alice:bob"}, frames[0].data)
	assert.Equal(t, model.ConversationRef{ConversationID: "dm:bob:carol"}, frames[1].data)

	_, err = c.parse("/quit")
	assert.ErrorIs(t, err, errQuit)
	_, err = c.parse("/dance")
	assert.Error(t, err)
	frames, err = c.parse("   ")
	assert.NoError(t, err)
	assert.Empty(t, frames)
}

func frame(t *testing.T, event string, data any) model.Frame {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return model.Frame{Event: event, Data: raw}
}

func TestReactMarksOpenConversationSeen(t *testing.T) {
	c := newChat("bob", "alice")

	line, replies := c.react(frame(t, model.EventNewMessage, model.Message{
		ID: "m1", ConversationID: "dm:alice:bob", SenderID: "alice", Text: "hi",
	}))
	assert.Equal(t, "alice: hi", line)
	require.Len(t, replies, 1)
	assert.Equal(t, model.EventMarkMessagesAsSeen, replies[0].event)

	_, replies = c.react(frame(t, model.EventNewMessage, model.Message{
		ID: "m2", ConversationID: "dm:alice:bob", SenderID: "bob", Text: "yo",
	}))
	assert.Empty(t, replies)

	line, replies = c.react(frame(t, model.EventNewMessageNotification, model.MessageNotification{SenderID: "carol", Text: "Media"}))
	assert.Contains(t, line, "carol")
	assert.Empty(t, replies)

	line, _ = c.react(frame(t, model.EventOnlineUsers, []string{"alice", "bob"}))
	assert.Equal(t, "online: alice, bob", line)

	line, _ = c.react(frame(t, model.EventUpdateConversation, model.ConversationUpdate{}))
	assert.Empty(t, line)
}

// flakyGateway drops the first connection after one frame and records what
// every later connection receives.
type flakyGateway struct {
	conns    atomic.Int32
	received chan model.Frame
}

func (g *flakyGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	n := g.conns.Add(1)
	if n == 1 {
		conn.ReadMessage()
		// Hang up without a close frame.
		conn.UnderlyingConn().Close()
		return
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f model.Frame
		if json.Unmarshal(raw, &f) == nil {
			g.received <- f
		}
	}
}

func TestSessionRejoinsAfterReconnect(t *testing.T) {
	gw := &flakyGateway{received: make(chan model.Frame, 16)}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	s := newSession("ws"+strings.TrimPrefix(srv.URL, "http"), nil, logging.Discard())
	s.delay = time.Millisecond
	s.maxDelay = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.connect(ctx))
	require.NoError(t, s.send(outbound{model.EventJoinConversation, model.ConversationRef{ConversationID: "dm:alice:bob"}}))

	go s.read(ctx)

	select {
	case f := <-gw.received:
		assert.Equal(t, model.EventJoinConversation, f.Event)
		var ref model.ConversationRef
		require.NoError(t, json.Unmarshal(f.Data, &ref))
		assert.Equal(t, "dm:alice:bob", ref.ConversationID)
	case <-ctx.Done():
		t.Fatal("the join was not replayed")
	}
	assert.Equal(t, int32(2), gw.conns.Load())
	s.close()
}

func TestSessionStopsOnUnauthorized(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := newSession("ws"+strings.TrimPrefix(srv.URL, "http"), nil, logging.Discard())
	s.delay = time.Millisecond

	err := s.connect(context.Background())
	assert.ErrorContains(t, err, "refused")
	assert.Equal(t, int32(1), calls.Load())
}
