package db

import (
	"context"
	"time"

	"github.com/juju/errors"
)

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	ConversationID string    `json:"conversationId"`
	OtherUserID    string    `json:"otherUserId"`
	LastUpdated    time.Time `json:"lastUpdated"`
	UnreadCount    int64     `json:"unreadCount"`
}

// Counters maintains the per-user conversation list and unread counts.
type Counters struct {
	session *Session
}

func NewCounters(session *Session) *Counters {
	return &Counters{session: session}
}

// Touch moves a conversation to the top of userID's list.
func (c *Counters) Touch(ctx context.Context, userID, conversationID, otherUserID string, at time.Time) error {
	err := c.session.Query(`INSERT INTO user_conversations (user_id, conversation_id, other_user_id, last_updated) VALUES (?, ?, ?, ?)`,
		userID, conversationID, otherUserID, at).
		WithContext(ctx).
		Exec()
	return errors.Annotatef(err, "touch conversation %q for %q", conversationID, userID)
}

func (c *Counters) IncrementUnread(ctx context.Context, userID, conversationID string, n int) error {
	err := c.session.Query(`UPDATE conversation_counters SET unread_count = unread_count + ? WHERE user_id = ? AND conversation_id = ?`,
		int64(n), userID, conversationID).
		WithContext(ctx).
		Exec()
	return errors.Annotatef(err, "increment unread of %q for %q", conversationID, userID)
}

// ResetUnread zeroes a counter. Deleting the row is the only way to reset
// a counter column.
func (c *Counters) ResetUnread(ctx context.Context, userID, conversationID string) error {
	err := c.session.Query(`DELETE FROM conversation_counters WHERE user_id = ? AND conversation_id = ?`, userID, conversationID).
		WithContext(ctx).
		Exec()
	return errors.Annotatef(err, "reset unread of %q for %q", conversationID, userID)
}

func (c *Counters) Conversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	unread := map[string]int64{}
	counts := c.session.Query(`SELECT conversation_id, unread_count FROM conversation_counters WHERE user_id = ?`, userID).
		WithContext(ctx).
		Iter()
	var (
		convID string
		n      int64
	)
	for counts.Scan(&convID, &n) {
		unread[convID] = n
	}
	if err := counts.Close(); err != nil {
		return nil, errors.Annotatef(err, "select unread counts for %q", userID)
	}

	var list []ConversationSummary
	iter := c.session.Query(`SELECT conversation_id, other_user_id, last_updated FROM user_conversations WHERE user_id = ?`, userID).
		WithContext(ctx).
		Iter()
	var row ConversationSummary
	for iter.Scan(&row.ConversationID, &row.OtherUserID, &row.LastUpdated) {
		row.UnreadCount = unread[row.ConversationID]
		list = append(list, row)
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Annotatef(err, "select conversations for %q", userID)
	}
	return list, nil
}
