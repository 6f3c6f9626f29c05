package delivery

import (
	"context"

	"github.com/mahaj/pulse/pkg/model"
)

// Store is the persistence the state machine needs. Implementations must
// never move a message or a conversation summary backwards.
type Store interface {
	Conversation(ctx context.Context, conversationID string) (model.Conversation, error)
	// CreateConversation stores conv unless a conversation with its id exists.
	CreateConversation(ctx context.Context, conv model.Conversation) error
	Message(ctx context.Context, conversationID, messageID string) (model.Message, error)
	InsertMessage(ctx context.Context, msg model.Message) error
	SetLastMessage(ctx context.Context, conversationID string, last model.LastMessage) error

	// AdvanceStatus moves a single message to status if that is a legal
	// transition from its stored status. It reports whether it applied.
	AdvanceStatus(ctx context.Context, conversationID, messageID string, status model.Status) (bool, error)

	// AdvanceLastMessage is AdvanceStatus for the conversation summary,
	// applied only while the summary still describes messageID.
	AdvanceLastMessage(ctx context.Context, conversationID, messageID string, status model.Status) (bool, error)

	// UnseenMessages lists messages with seen=false not sent by excludeSender.
	UnseenMessages(ctx context.Context, conversationID, excludeSender string) ([]model.Message, error)

	// MarkSeen sets {seen:true, status:seen} on every listed message.
	MarkSeen(ctx context.Context, conversationID string, messageIDs []string) error
}

// Publisher receives committed state changes.
type Publisher interface {
	Publish(ctx context.Context, event model.DomainEvent) error
}

// IDGenerator issues message ids.
type IDGenerator interface {
	Next() string
}
