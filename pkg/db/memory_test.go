package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/pulse/pkg/delivery"
	"github.com/mahaj/pulse/pkg/model"
)

var (
	_ delivery.Store = (*MemoryStore)(nil)
	_ delivery.Store = (*ScyllaStore)(nil)
)

func seeded(t *testing.T, n int) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	require.NoError(t, s.CreateConversation(context.Background(), model.Conversation{ID: "c1", Participants: [2]string{"a", "b"}}))
	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < n; i++ {
		require.NoError(t, s.InsertMessage(context.Background(), model.Message{
			ID: fmt.Sprintf("m%d", i), ConversationID: "c1", SenderID: "a", RecipientID: "b",
			Text: "hi", Status: model.StatusSent, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	return s
}

func TestMemoryNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Conversation(context.Background(), "nope")
	assert.True(t, errors.Is(err, errors.NotFound))
	_, err = s.Message(context.Background(), "nope", "m1")
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestMemoryCreateConversationKeepsExisting(t *testing.T) {
	s := seeded(t, 0)
	require.NoError(t, s.CreateConversation(context.Background(), model.Conversation{ID: "c1", Participants: [2]string{"x", "y"}}))

	conv, err := s.Conversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, [2]string{"a", "b"}, conv.Participants)
}

func TestMemoryInsertDuplicate(t *testing.T) {
	s := seeded(t, 1)
	err := s.InsertMessage(context.Background(), model.Message{ID: "m0", ConversationID: "c1"})
	assert.True(t, errors.Is(err, errors.AlreadyExists))
}

func TestMemoryAdvanceStatusIsCompareAndSet(t *testing.T) {
	s := seeded(t, 1)
	ctx := context.Background()

	ok, err := s.AdvanceStatus(ctx, "c1", "m0", model.StatusDelivered)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AdvanceStatus(ctx, "c1", "m0", model.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, ok, "delivered twice")

	require.NoError(t, s.MarkSeen(ctx, "c1", []string{"m0"}))
	ok, err = s.AdvanceStatus(ctx, "c1", "m0", model.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, ok, "seen never goes back to delivered")

	m, _ := s.Message(ctx, "c1", "m0")
	assert.Equal(t, model.StatusSeen, m.Status)
	assert.True(t, m.Seen)
}

func TestMemoryAdvanceLastMessage(t *testing.T) {
	s := seeded(t, 2)
	ctx := context.Background()
	m1, _ := s.Message(ctx, "c1", "m1")
	require.NoError(t, s.SetLastMessage(ctx, "c1", model.LastMessageFrom(m1)))

	ok, err := s.AdvanceLastMessage(ctx, "c1", "m0", model.StatusSeen)
	require.NoError(t, err)
	assert.False(t, ok, "summary describes another message")

	ok, err = s.AdvanceLastMessage(ctx, "c1", "m1", model.StatusSeen)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AdvanceLastMessage(ctx, "c1", "m1", model.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, ok)

	conv, _ := s.Conversation(ctx, "c1")
	assert.Equal(t, model.StatusSeen, conv.LastMessage.Status)
	assert.True(t, conv.LastMessage.Seen)
}

func TestMemoryUnseenAndMarkSeen(t *testing.T) {
	s := seeded(t, 3)
	ctx := context.Background()

	unseen, err := s.UnseenMessages(ctx, "c1", "b")
	require.NoError(t, err)
	assert.Len(t, unseen, 3)

	none, err := s.UnseenMessages(ctx, "c1", "a")
	require.NoError(t, err)
	assert.Empty(t, none, "own messages are excluded")

	require.NoError(t, s.MarkSeen(ctx, "c1", []string{"m0", "m2"}))
	require.NoError(t, s.MarkSeen(ctx, "c1", []string{"m0"}), "re-marking is a no-op")

	unseen, err = s.UnseenMessages(ctx, "c1", "b")
	require.NoError(t, err)
	require.Len(t, unseen, 1)
	assert.Equal(t, "m1", unseen[0].ID)
}

func TestMemoryFailNextWrite(t *testing.T) {
	s := seeded(t, 0)
	s.FailNextWrite(fmt.Errorf("boom"))

	err := s.InsertMessage(context.Background(), model.Message{ID: "x", ConversationID: "c1"})
	assert.ErrorContains(t, err, "boom")
	assert.NoError(t, s.InsertMessage(context.Background(), model.Message{ID: "x", ConversationID: "c1"}))
}

func TestMemoryHistoryLimit(t *testing.T) {
	s := seeded(t, 5)
	msgs, err := s.History(context.Background(), "c1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m3", msgs[0].ID)
	assert.Equal(t, "m4", msgs[1].ID)
}

func TestPredecessors(t *testing.T) {
	assert.Equal(t, []string{"sent"}, predecessors(model.StatusDelivered))
	assert.Equal(t, []string{"sent", "delivered"}, predecessors(model.StatusSeen))
	assert.Empty(t, predecessors(model.StatusSent))
}

func TestKeyspaceStatement(t *testing.T) {
	assert.Equal(t,
		"CREATE KEYSPACE IF NOT EXISTS chat WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }",
		Keyspace(DefaultKeyspace, 0))
}
