package model

import (
	"strings"
	"time"
)

// LastMessage is the denormalized summary kept on a conversation.
type LastMessage struct {
	MessageID string    `json:"messageId"`
	Text      string    `json:"text"`
	SenderID  string    `json:"sender"`
	Seen      bool      `json:"seen"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is a direct conversation between exactly two users.
type Conversation struct {
	ID           string      `json:"id"`
	Participants [2]string   `json:"participants"`
	LastMessage  LastMessage `json:"lastMessage"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// LastMessageFrom builds the summary that mirrors m.
func LastMessageFrom(m Message) LastMessage {
	return LastMessage{
		MessageID: m.ID,
		Text:      m.Summary(),
		SenderID:  m.SenderID,
		Seen:      m.Seen,
		Status:    m.Status,
		Timestamp: m.CreatedAt,
	}
}

const directPrefix = "dm:"

// DirectConversationID is the stable id of the direct conversation between
// two users, independent of who opened it.
func DirectConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directPrefix + a + ":" + b
}

// DirectParticipants recovers the two users from a DirectConversationID.
func DirectParticipants(conversationID string) ([2]string, bool) {
	rest, ok := strings.CutPrefix(conversationID, directPrefix)
	if !ok {
		return [2]string{}, false
	}
	a, b, ok := strings.Cut(rest, ":")
	if !ok || a == "" || b == "" || strings.Contains(b, ":") {
		return [2]string{}, false
	}
	return [2]string{a, b}, true
}
