package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/pulse/pkg/auth"
	"github.com/mahaj/pulse/pkg/db"
	"github.com/mahaj/pulse/pkg/hub"
	"github.com/mahaj/pulse/pkg/logging"
	"github.com/mahaj/pulse/pkg/model"
	"github.com/mahaj/pulse/pkg/snowflake"
)

type gateway struct {
	srv    *httptest.Server
	hub    *hub.Hub
	tokens *auth.Tokens
}

func newGateway(t *testing.T, authRequired bool) *gateway {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	logger := logging.Discard()
	h := hub.New(hub.Options{
		Store:         db.NewMemoryStore(),
		IDs:           node,
		Logger:        logger,
		DeliveryDelay: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()

	tokens := auth.NewTokens("test-secret", time.Hour)
	s := &server{hub: h, tokens: tokens, authRequired: authRequired, logger: logger}
	srv := httptest.NewServer(s.routes())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &gateway{srv: srv, hub: h, tokens: tokens}
}

func (g *gateway) dial(t *testing.T, query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws" + query
	return websocket.DefaultDialer.Dial(url, header)
}

func (g *gateway) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := g.dial(t, "?userId="+userID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := model.NewFrame(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// next reads frames until one named event arrives.
func next(t *testing.T, conn *websocket.Conn, event string) model.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		var frame model.Frame
		require.NoError(t, json.Unmarshal(raw, &frame))
		if frame.Event == event {
			return frame
		}
	}
}

func waitOnline(t *testing.T, h *hub.Hub, userID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		online, err := h.IsOnline(context.Background(), userID)
		return err == nil && online
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPresenceOverWebsocket(t *testing.T) {
	g := newGateway(t, false)
	alice := g.connect(t, "alice")

	var online []string
	require.NoError(t, json.Unmarshal(next(t, alice, model.EventOnlineUsers).Data, &online))
	assert.Equal(t, []string{"alice"}, online)
	waitOnline(t, g.hub, "alice")

	g.connect(t, "bob")
	require.NoError(t, json.Unmarshal(next(t, alice, model.EventOnlineUsers).Data, &online))
	assert.Equal(t, []string{"alice", "bob"}, online)
}

func TestMessageRoundTrip(t *testing.T) {
	g := newGateway(t, false)
	alice := g.connect(t, "alice")
	bob := g.connect(t, "bob")
	waitOnline(t, g.hub, "alice")
	waitOnline(t, g.hub, "bob")

	convID := model.DirectConversationID("alice", "bob")
	write(t, alice, model.EventJoinConversation, model.ConversationRef{ConversationID: convID})
	write(t, alice, model.EventNewMessage, model.SendPayload{
		ConversationID: convID,
		RecipientID:    "bob",
		Text:           "hi bob",
	})

	var msg model.Message
	require.NoError(t, json.Unmarshal(next(t, alice, model.EventNewMessage).Data, &msg))
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, "hi bob", msg.Text)

	var notification model.MessageNotification
	require.NoError(t, json.Unmarshal(next(t, bob, model.EventNewMessageNotification).Data, &notification))
	assert.Equal(t, msg.ID, notification.MessageID)

	var delivered model.DeliveredPayload
	require.NoError(t, json.Unmarshal(next(t, alice, model.EventMessageDelivered).Data, &delivered))
	assert.Equal(t, msg.ID, delivered.MessageID)

	write(t, bob, model.EventMarkMessagesAsSeen, model.MarkSeenPayload{ConversationID: convID, UserID: "bob"})
	var seen model.SeenPayload
	require.NoError(t, json.Unmarshal(next(t, alice, model.EventMessagesSeen).Data, &seen))
	assert.Equal(t, []string{msg.ID}, seen.SeenMessages)
}

func TestDisconnectRemovesPresence(t *testing.T) {
	g := newGateway(t, false)
	alice := g.connect(t, "alice")
	bob, _, err := g.dial(t, "?userId=bob", nil)
	require.NoError(t, err)
	waitOnline(t, g.hub, "bob")

	bob.Close()
	require.Eventually(t, func() bool {
		online, err := g.hub.IsOnline(context.Background(), "bob")
		return err == nil && !online
	}, 5*time.Second, 10*time.Millisecond)

	// Skip snapshots until bob has appeared and gone again.
	var online []string
	sawBob := false
	for {
		require.NoError(t, json.Unmarshal(next(t, alice, model.EventOnlineUsers).Data, &online))
		if slices.Contains(online, "bob") {
			sawBob = true
			continue
		}
		if sawBob {
			break
		}
	}
	assert.Equal(t, []string{"alice"}, online)
}

func TestTokenIdentity(t *testing.T) {
	g := newGateway(t, true)

	_, resp, err := g.dial(t, "?userId=alice", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := g.tokens.Generate("carol")
	require.NoError(t, err)
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	// The token's user wins over the query parameter.
	conn, _, err := g.dial(t, "?userId=mallory", header)
	require.NoError(t, err)
	defer conn.Close()
	waitOnline(t, g.hub, "carol")

	online, err := g.hub.IsOnline(context.Background(), "mallory")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestInvalidIdentityIsHungUp(t *testing.T) {
	g := newGateway(t, false)
	conn, _, err := g.dial(t, "?userId=undefined", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestClientSendNeverBlocks(t *testing.T) {
	c := &Client{send: make(chan []byte, 1), closed: make(chan struct{})}
	require.NoError(t, c.Send([]byte("a")))
	assert.ErrorIs(t, c.Send([]byte("b")), errSendBufferFull)

	c.Close()
	c.Close()
	assert.ErrorIs(t, c.Send([]byte("c")), errClientClosed)
}
