// Package delivery drives a direct message through sent, delivered and
// seen. Every operation persists before it returns, so callers only ever
// broadcast state that is already recorded.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	jujuerrors "github.com/juju/errors"

	"github.com/mahaj/pulse/pkg/model"
)

// DefaultDeliveryDelay leaves the client time to animate the send before
// the delivered tick shows up.
const DefaultDeliveryDelay = 500 * time.Millisecond

var (
	ErrMalformed      = errors.New("malformed request")
	ErrNotParticipant = errors.New("user is not a participant of the conversation")
)

type SendRequest struct {
	ConversationID  string
	SenderID        string
	RecipientID     string
	Text            string
	Img             string
	ClientMessageID string
}

func (r SendRequest) Validate() error {
	switch {
	case r.RecipientID == "":
		return fmt.Errorf("%w: recipient is required", ErrMalformed)
	case r.SenderID == "":
		return fmt.Errorf("%w: sender is required", ErrMalformed)
	case r.ConversationID == "":
		return fmt.Errorf("%w: conversation is required", ErrMalformed)
	}
	return nil
}

type SendResult struct {
	Message      model.Message
	Conversation model.Conversation
}

type SeenResult struct {
	Conversation model.Conversation
	MessageIDs   []string
}

// Machine owns message status transitions.
//
// Send, MarkDelivered and MarkSeen only touch the store and may run on any
// goroutine. The delivery task methods keep in-memory state and belong to
// the goroutine that owns the Machine.
type Machine struct {
	store     Store
	publisher Publisher
	ids       IDGenerator
	clock     clock.Clock
	delay     time.Duration
	logger    *slog.Logger

	pending map[string]clock.Timer
}

type Config struct {
	Store         Store
	Publisher     Publisher
	IDs           IDGenerator
	Clock         clock.Clock
	DeliveryDelay time.Duration
	Logger        *slog.Logger
}

func NewMachine(cfg Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.DeliveryDelay <= 0 {
		cfg.DeliveryDelay = DefaultDeliveryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Machine{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		ids:       cfg.IDs,
		clock:     cfg.Clock,
		delay:     cfg.DeliveryDelay,
		logger:    cfg.Logger,
		pending:   make(map[string]clock.Timer),
	}
}

// Send persists a new message in state sent and mirrors it into the
// conversation summary. Once the message is stored Send succeeds; a failed
// summary update is logged and repaired by the next message.
func (m *Machine) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if err := req.Validate(); err != nil {
		return SendResult{}, err
	}

	conv, err := m.conversationFor(ctx, req)
	if err != nil {
		return SendResult{}, err
	}
	if !conv.HasParticipant(req.SenderID) || conv.Other(req.SenderID) != req.RecipientID {
		return SendResult{}, ErrNotParticipant
	}

	msg := model.Message{
		ID:             m.ids.Next(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		RecipientID:    req.RecipientID,
		Text:           req.Text,
		Img:            req.Img,
		Status:         model.StatusSent,
		CreatedAt:      m.clock.Now().UTC(),
	}
	if err := m.store.InsertMessage(ctx, msg); err != nil {
		return SendResult{}, fmt.Errorf("insert message: %w", err)
	}

	// The stored message is the committed transition from here on.
	last := model.LastMessageFrom(msg)
	if err := m.store.SetLastMessage(ctx, conv.ID, last); err != nil {
		m.logger.Error("Failed to update last message", "conversation_id", conv.ID, "message_id", msg.ID, "error", err)
	}
	conv.LastMessage = last
	conv.UpdatedAt = msg.CreatedAt

	m.publish(ctx, model.DomainEvent{
		Type:           model.MessageCreated,
		ConversationID: conv.ID,
		MessageIDs:     []string{msg.ID},
		SenderID:       msg.SenderID,
		RecipientID:    msg.RecipientID,
		ActorID:        msg.SenderID,
		Timestamp:      msg.CreatedAt,
	})
	return SendResult{Message: msg, Conversation: conv}, nil
}

// conversationFor loads the conversation a message goes to. The first
// message between two users opens their direct conversation.
func (m *Machine) conversationFor(ctx context.Context, req SendRequest) (model.Conversation, error) {
	conv, err := m.store.Conversation(ctx, req.ConversationID)
	if err == nil {
		return conv, nil
	}
	if !jujuerrors.Is(err, jujuerrors.NotFound) || req.ConversationID != model.DirectConversationID(req.SenderID, req.RecipientID) {
		return model.Conversation{}, fmt.Errorf("load conversation %s: %w", req.ConversationID, err)
	}

	participants, _ := model.DirectParticipants(req.ConversationID)
	conv = model.Conversation{ID: req.ConversationID, Participants: participants, UpdatedAt: m.clock.Now().UTC()}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		return model.Conversation{}, fmt.Errorf("create conversation %s: %w", req.ConversationID, err)
	}
	m.logger.Info("Opened direct conversation", "conversation_id", conv.ID)
	// Re-read: a concurrent first message may have created it already.
	return m.store.Conversation(ctx, req.ConversationID)
}

// MarkDelivered moves a sent message addressed to recipientID to delivered.
// It returns applied=false, without error, when the message has already
// moved on (for example it was marked seen first); the caller must then
// stay silent.
func (m *Machine) MarkDelivered(ctx context.Context, conversationID, messageID, recipientID string) (model.Message, bool, error) {
	if conversationID == "" || messageID == "" || recipientID == "" {
		return model.Message{}, false, fmt.Errorf("%w: conversation, message and recipient are required", ErrMalformed)
	}

	msg, err := m.store.Message(ctx, conversationID, messageID)
	if err != nil {
		return model.Message{}, false, fmt.Errorf("load message %s: %w", messageID, err)
	}
	if msg.RecipientID != recipientID {
		return msg, false, ErrNotParticipant
	}
	if msg.Status != model.StatusSent {
		return msg, false, nil
	}

	applied, err := m.store.AdvanceStatus(ctx, conversationID, messageID, model.StatusDelivered)
	if err != nil {
		return msg, false, fmt.Errorf("mark delivered: %w", err)
	}
	if !applied {
		return msg, false, nil
	}
	if _, err := m.store.AdvanceLastMessage(ctx, conversationID, messageID, model.StatusDelivered); err != nil {
		// The message itself is delivered; the summary catches up on the next transition.
		m.logger.Error("Failed to mark last message delivered", "conversation_id", conversationID, "message_id", messageID, "error", err)
	}
	if err := msg.SetStatus(model.StatusDelivered); err != nil {
		return msg, false, err
	}

	m.publish(ctx, model.DomainEvent{
		Type:           model.MessageDelivered,
		ConversationID: conversationID,
		MessageIDs:     []string{messageID},
		SenderID:       msg.SenderID,
		RecipientID:    msg.RecipientID,
		ActorID:        msg.RecipientID,
		Timestamp:      m.clock.Now().UTC(),
	})
	return msg, true, nil
}

// MarkSeen marks every unseen message userID received in the conversation
// as seen. With nothing to mark it returns an empty MessageIDs and the
// caller emits nothing, which makes repeated calls harmless.
func (m *Machine) MarkSeen(ctx context.Context, conversationID, userID string) (SeenResult, error) {
	if conversationID == "" || userID == "" {
		return SeenResult{}, fmt.Errorf("%w: conversation and user are required", ErrMalformed)
	}

	conv, err := m.store.Conversation(ctx, conversationID)
	if err != nil {
		return SeenResult{}, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	if !conv.HasParticipant(userID) {
		return SeenResult{}, ErrNotParticipant
	}

	unseen, err := m.store.UnseenMessages(ctx, conversationID, userID)
	if err != nil {
		return SeenResult{}, fmt.Errorf("load unseen messages: %w", err)
	}
	if len(unseen) == 0 {
		return SeenResult{Conversation: conv}, nil
	}

	ids := make([]string, len(unseen))
	lastAmong := false
	for i, msg := range unseen {
		ids[i] = msg.ID
		if msg.ID == conv.LastMessage.MessageID {
			lastAmong = true
		}
	}
	if err := m.store.MarkSeen(ctx, conversationID, ids); err != nil {
		return SeenResult{}, fmt.Errorf("mark seen: %w", err)
	}
	if lastAmong {
		applied, err := m.store.AdvanceLastMessage(ctx, conversationID, conv.LastMessage.MessageID, model.StatusSeen)
		if err != nil {
			m.logger.Error("Failed to mark last message seen", "conversation_id", conversationID, "error", err)
		} else if applied {
			conv.LastMessage.Status = model.StatusSeen
			conv.LastMessage.Seen = true
		}
	}

	m.publish(ctx, model.DomainEvent{
		Type:           model.MessagesSeen,
		ConversationID: conversationID,
		MessageIDs:     ids,
		ActorID:        userID,
		Timestamp:      m.clock.Now().UTC(),
	})
	return SeenResult{Conversation: conv, MessageIDs: ids}, nil
}

func (m *Machine) publish(ctx context.Context, event model.DomainEvent) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Warn("Failed to publish domain event", "type", event.Type, "conversation_id", event.ConversationID, "error", err)
	}
}

// ScheduleDelivery arranges for fire to be called after the delivery delay.
// fire runs on the clock's goroutine; it should hand control back to the
// owner, which then calls TakeDelivery before acting.
func (m *Machine) ScheduleDelivery(messageID string, fire func()) {
	if t, ok := m.pending[messageID]; ok {
		t.Stop()
	}
	m.pending[messageID] = m.clock.AfterFunc(m.delay, fire)
}

// TakeDelivery claims a fired task. It returns false if the task was
// cancelled in the meantime.
func (m *Machine) TakeDelivery(messageID string) bool {
	if _, ok := m.pending[messageID]; !ok {
		return false
	}
	delete(m.pending, messageID)
	return true
}

// CancelDelivery drops pending tasks for the given messages and returns how
// many were pending.
func (m *Machine) CancelDelivery(messageIDs ...string) int {
	n := 0
	for _, id := range messageIDs {
		t, ok := m.pending[id]
		if !ok {
			continue
		}
		t.Stop()
		delete(m.pending, id)
		n++
	}
	return n
}

func (m *Machine) Pending() int {
	return len(m.pending)
}

// Close cancels every pending delivery task.
func (m *Machine) Close() {
	for id, t := range m.pending {
		t.Stop()
		delete(m.pending, id)
	}
}
