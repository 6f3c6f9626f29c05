package db

import (
	"context"
	"sort"

	"github.com/gocql/gocql"
	"github.com/juju/errors"

	"github.com/mahaj/pulse/pkg/model"
)

// ScyllaStore keeps messages partitioned by conversation. Status changes
// go through lightweight transactions so a late writer can never move a
// message backwards.
type ScyllaStore struct {
	session *Session
}

func NewScyllaStore(session *Session) *ScyllaStore {
	return &ScyllaStore{session: session}
}

const conversationColumns = `participants, last_message_id, last_text, last_sender, last_status, last_seen, last_timestamp, updated_at`

func (s *ScyllaStore) Conversation(ctx context.Context, conversationID string) (model.Conversation, error) {
	var (
		conv         = model.Conversation{ID: conversationID}
		participants []string
		lastStatus   string
	)
	err := s.session.Query(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, conversationID).
		WithContext(ctx).
		Scan(&participants, &conv.LastMessage.MessageID, &conv.LastMessage.Text, &conv.LastMessage.SenderID,
			&lastStatus, &conv.LastMessage.Seen, &conv.LastMessage.Timestamp, &conv.UpdatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return model.Conversation{}, errors.NotFoundf("conversation %q", conversationID)
	}
	if err != nil {
		return model.Conversation{}, errors.Annotatef(err, "select conversation %q", conversationID)
	}
	if len(participants) != 2 {
		return model.Conversation{}, errors.NotValidf("conversation %q with %d participants", conversationID, len(participants))
	}
	copy(conv.Participants[:], participants)
	if conv.LastMessage.Status, err = model.ParseStatus(lastStatus); err != nil {
		return model.Conversation{}, errors.Trace(err)
	}
	return conv, nil
}

func (s *ScyllaStore) CreateConversation(ctx context.Context, conv model.Conversation) error {
	previous := map[string]any{}
	_, err := s.session.Query(`INSERT INTO conversations (id, participants, updated_at) VALUES (?, ?, ?) IF NOT EXISTS`,
		conv.ID, conv.Participants[:], conv.UpdatedAt).
		WithContext(ctx).
		MapScanCAS(previous)
	return errors.Annotatef(err, "insert conversation %q", conv.ID)
}

const messageColumns = `conversation_id, id, sender_id, recipient_id, text, img, status, seen, created_at`

func scanMessage(scan func(dest ...any) bool) (model.Message, string, bool) {
	var (
		m      model.Message
		status string
	)
	ok := scan(&m.ConversationID, &m.ID, &m.SenderID, &m.RecipientID, &m.Text, &m.Img, &status, &m.Seen, &m.CreatedAt)
	return m, status, ok
}

func (s *ScyllaStore) Message(ctx context.Context, conversationID, messageID string) (model.Message, error) {
	var status string
	var m model.Message
	err := s.session.Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, messageID).
		WithContext(ctx).
		Scan(&m.ConversationID, &m.ID, &m.SenderID, &m.RecipientID, &m.Text, &m.Img, &status, &m.Seen, &m.CreatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return model.Message{}, errors.NotFoundf("message %q in conversation %q", messageID, conversationID)
	}
	if err != nil {
		return model.Message{}, errors.Annotatef(err, "select message %q", messageID)
	}
	if m.Status, err = model.ParseStatus(status); err != nil {
		return model.Message{}, errors.Trace(err)
	}
	return m, nil
}

func (s *ScyllaStore) InsertMessage(ctx context.Context, msg model.Message) error {
	err := s.session.Query(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.ID, msg.SenderID, msg.RecipientID, msg.Text, msg.Img, msg.Status.String(), msg.Seen, msg.CreatedAt).
		WithContext(ctx).
		Exec()
	return errors.Annotatef(err, "insert message %q", msg.ID)
}

func (s *ScyllaStore) SetLastMessage(ctx context.Context, conversationID string, last model.LastMessage) error {
	err := s.session.Query(`UPDATE conversations SET last_message_id = ?, last_text = ?, last_sender = ?, last_status = ?, last_seen = ?, last_timestamp = ?, updated_at = ? WHERE id = ?`,
		last.MessageID, last.Text, last.SenderID, last.Status.String(), last.Seen, last.Timestamp, last.Timestamp, conversationID).
		WithContext(ctx).
		Exec()
	return errors.Annotatef(err, "update last message of %q", conversationID)
}

// predecessors lists the stored statuses from which status may be reached.
func predecessors(status model.Status) []string {
	var from []string
	for _, s := range []model.Status{model.StatusSent, model.StatusDelivered, model.StatusSeen} {
		if s.Advance(status) == nil {
			from = append(from, s.String())
		}
	}
	return from
}

func (s *ScyllaStore) AdvanceStatus(ctx context.Context, conversationID, messageID string, status model.Status) (bool, error) {
	from := predecessors(status)
	if len(from) == 0 {
		return false, nil
	}
	previous := map[string]any{}
	applied, err := s.session.Query(`UPDATE messages SET status = ?, seen = ? WHERE conversation_id = ? AND id = ? IF status IN ?`,
		status.String(), status == model.StatusSeen, conversationID, messageID, from).
		WithContext(ctx).
		MapScanCAS(previous)
	if err != nil {
		return false, errors.Annotatef(err, "advance message %q to %s", messageID, status)
	}
	return applied, nil
}

func (s *ScyllaStore) AdvanceLastMessage(ctx context.Context, conversationID, messageID string, status model.Status) (bool, error) {
	from := predecessors(status)
	if len(from) == 0 {
		return false, nil
	}
	previous := map[string]any{}
	applied, err := s.session.Query(`UPDATE conversations SET last_status = ?, last_seen = ? WHERE id = ? IF last_message_id = ? AND last_status IN ?`,
		status.String(), status == model.StatusSeen, conversationID, messageID, from).
		WithContext(ctx).
		MapScanCAS(previous)
	if err != nil {
		return false, errors.Annotatef(err, "advance last message of %q to %s", conversationID, status)
	}
	return applied, nil
}

func (s *ScyllaStore) UnseenMessages(ctx context.Context, conversationID, excludeSender string) ([]model.Message, error) {
	var unseen []model.Message
	err := s.each(ctx, conversationID, 0, func(m model.Message) {
		if !m.Seen && m.SenderID != excludeSender {
			unseen = append(unseen, m)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(unseen, func(i, j int) bool { return unseen[i].CreatedAt.Before(unseen[j].CreatedAt) })
	return unseen, nil
}

func (s *ScyllaStore) MarkSeen(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	err := s.session.Query(`UPDATE messages SET seen = true, status = ? WHERE conversation_id = ? AND id IN ?`,
		model.StatusSeen.String(), conversationID, messageIDs).
		WithContext(ctx).
		Exec()
	return errors.Annotatef(err, "mark %d messages seen in %q", len(messageIDs), conversationID)
}

// History returns up to limit of the most recent messages, oldest first.
func (s *ScyllaStore) History(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	var msgs []model.Message
	if err := s.each(ctx, conversationID, limit, func(m model.Message) { msgs = append(msgs, m) }); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// each walks a conversation newest first; limit 0 walks all of it.
func (s *ScyllaStore) each(ctx context.Context, conversationID string, limit int, fn func(model.Message)) error {
	stmt := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY id DESC`
	args := []any{conversationID}
	if limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, limit)
	}
	iter := s.session.Query(stmt, args...).WithContext(ctx).Iter()
	for {
		m, status, ok := scanMessage(iter.Scan)
		if !ok {
			break
		}
		parsed, err := model.ParseStatus(status)
		if err != nil {
			iter.Close()
			return errors.Trace(err)
		}
		m.Status = parsed
		fn(m)
	}
	return errors.Annotatef(iter.Close(), "iterate messages of %q", conversationID)
}
