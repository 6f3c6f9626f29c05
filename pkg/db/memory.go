package db

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/errors"

	"github.com/mahaj/pulse/pkg/model"
)

// MemoryStore keeps conversations and messages in process. It backs the
// gateway when no cluster is configured and every test that needs a store.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]model.Conversation
	messages      map[string][]model.Message // by conversation, insertion order

	// failNext, when set, is returned (and cleared) by the next write.
	failNext error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]model.Conversation),
		messages:      make(map[string][]model.Message),
	}
}

// PutConversation creates or replaces a conversation.
func (s *MemoryStore) PutConversation(conv model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
}

// FailNextWrite makes the next write return err.
func (s *MemoryStore) FailNextWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *MemoryStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *MemoryStore) Conversation(_ context.Context, conversationID string) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return model.Conversation{}, errors.NotFoundf("conversation %q", conversationID)
	}
	return conv, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return errors.Annotatef(err, "create conversation %q", conv.ID)
	}
	if _, ok := s.conversations[conv.ID]; !ok {
		s.conversations[conv.ID] = conv
	}
	return nil
}

func (s *MemoryStore) Message(_ context.Context, conversationID, messageID string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.find(conversationID, messageID)
	if !ok {
		return model.Message{}, errors.NotFoundf("message %q in conversation %q", messageID, conversationID)
	}
	return s.messages[conversationID][i], nil
}

// Messages returns a copy of a conversation's messages in insertion order.
func (s *MemoryStore) Messages(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.messages[conversationID]...)
}

func (s *MemoryStore) find(conversationID, messageID string) (int, bool) {
	for i, m := range s.messages[conversationID] {
		if m.ID == messageID {
			return i, true
		}
	}
	return 0, false
}

func (s *MemoryStore) InsertMessage(_ context.Context, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return errors.Annotatef(err, "insert message %q", msg.ID)
	}
	if _, ok := s.find(msg.ConversationID, msg.ID); ok {
		return errors.AlreadyExistsf("message %q", msg.ID)
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return nil
}

func (s *MemoryStore) SetLastMessage(_ context.Context, conversationID string, last model.LastMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return errors.Annotatef(err, "set last message of %q", conversationID)
	}
	conv, ok := s.conversations[conversationID]
	if !ok {
		return errors.NotFoundf("conversation %q", conversationID)
	}
	conv.LastMessage = last
	conv.UpdatedAt = last.Timestamp
	s.conversations[conversationID] = conv
	return nil
}

func (s *MemoryStore) AdvanceStatus(_ context.Context, conversationID, messageID string, status model.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return false, errors.Annotatef(err, "advance message %q", messageID)
	}
	i, ok := s.find(conversationID, messageID)
	if !ok {
		return false, errors.NotFoundf("message %q in conversation %q", messageID, conversationID)
	}
	msg := &s.messages[conversationID][i]
	if err := msg.SetStatus(status); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) AdvanceLastMessage(_ context.Context, conversationID, messageID string, status model.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return false, errors.Annotatef(err, "advance last message of %q", conversationID)
	}
	conv, ok := s.conversations[conversationID]
	if !ok {
		return false, errors.NotFoundf("conversation %q", conversationID)
	}
	if conv.LastMessage.MessageID != messageID || conv.LastMessage.Status.Advance(status) != nil {
		return false, nil
	}
	conv.LastMessage.Status = status
	conv.LastMessage.Seen = status == model.StatusSeen
	s.conversations[conversationID] = conv
	return true, nil
}

func (s *MemoryStore) UnseenMessages(_ context.Context, conversationID, excludeSender string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var unseen []model.Message
	for _, m := range s.messages[conversationID] {
		if !m.Seen && m.SenderID != excludeSender {
			unseen = append(unseen, m)
		}
	}
	sort.SliceStable(unseen, func(i, j int) bool { return unseen[i].CreatedAt.Before(unseen[j].CreatedAt) })
	return unseen, nil
}

func (s *MemoryStore) MarkSeen(_ context.Context, conversationID string, messageIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return errors.Annotatef(err, "mark seen in %q", conversationID)
	}
	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}
	msgs := s.messages[conversationID]
	for i := range msgs {
		if !want[msgs[i].ID] || msgs[i].Status == model.StatusSeen {
			continue
		}
		if err := msgs[i].SetStatus(model.StatusSeen); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// History returns up to limit of the most recent messages, oldest first.
func (s *MemoryStore) History(_ context.Context, conversationID string, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]model.Message(nil), msgs...), nil
}
