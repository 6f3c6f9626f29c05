package model

import (
	"encoding/json"
	"time"
)

// Inbound event names (client -> server).
const (
	EventJoinPost           = "joinPost"
	EventLeavePost          = "leavePost"
	EventJoinConversation   = "joinConversation"
	EventLeaveConversation  = "leaveConversation"
	EventMarkMessagesAsSeen = "markMessagesAsSeen"
)

// Event names used in both directions.
const (
	EventTyping           = "typing"
	EventStopTyping       = "stopTyping"
	EventNewMessage       = "newMessage"
	EventMessageDelivered = "messageDelivered"
)

// Outbound event names (server -> client).
const (
	EventOnlineUsers              = "getOnlineUsers"
	EventUpdateConversation       = "updateConversation"
	EventMessagesSeen             = "messagesSeen"
	EventMessagesSeenNotification = "messagesSeenNotification"
	EventNewMessageNotification   = "newMessageNotification"
	EventMessageFailed            = "messageFailed"
)

// Frame is the unit exchanged over a connection.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes data into a Frame ready to be written.
func NewFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type SendPayload struct {
	ConversationID  string `json:"conversationId"`
	SenderID        string `json:"sender"`
	RecipientID     string `json:"recipientId"`
	Text            string `json:"text,omitempty"`
	Img             string `json:"img,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

type DeliveredPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId,omitempty"`
}

type MarkSeenPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type ConversationUpdate struct {
	ConversationID string      `json:"conversationId"`
	LastMessage    LastMessage `json:"lastMessage"`
}

type SeenPayload struct {
	ConversationID string   `json:"conversationId"`
	SeenMessages   []string `json:"seenMessages"`
}

type MessageNotification struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"sender"`
	Text           string `json:"text"`
	Img            string `json:"img,omitempty"`
}

type FailurePayload struct {
	ConversationID  string `json:"conversationId"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	Reason          string `json:"reason"`
}

// LiveEvent is pushed by other services to a room, e.g. a new comment on post:<id>.
type LiveEvent struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DomainEventType names a committed state change published to the event log.
type DomainEventType string

const (
	MessageCreated   DomainEventType = "message.created"
	MessageDelivered DomainEventType = "message.delivered"
	MessagesSeen     DomainEventType = "messages.seen"
)

// DomainEvent is written only after the change it describes was persisted.
type DomainEvent struct {
	Type           DomainEventType `json:"type"`
	ConversationID string          `json:"conversationId"`
	MessageIDs     []string        `json:"messageIds"`
	SenderID       string          `json:"senderId,omitempty"`
	RecipientID    string          `json:"recipientId,omitempty"`
	ActorID        string          `json:"actorId"`
	Timestamp      time.Time       `json:"timestamp"`
}
