package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mahaj/pulse/pkg/delivery"
	"github.com/mahaj/pulse/pkg/model"
	"github.com/mahaj/pulse/pkg/rooms"
	"github.com/mahaj/pulse/pkg/typing"
)

var errMissingField = errors.New("missing required field")

func (h *Hub) route(conn Conn, frame model.Frame) {
	if !h.connected(conn) {
		return
	}

	var err error
	switch frame.Event {
	case model.EventJoinPost:
		err = h.onJoinPost(conn, frame.Data)
	case model.EventLeavePost:
		err = h.onLeavePost(conn, frame.Data)
	case model.EventJoinConversation:
		err = h.onJoinConversation(conn, frame.Data)
	case model.EventLeaveConversation:
		err = h.onLeaveConversation(conn, frame.Data)
	case model.EventTyping:
		err = h.onTyping(conn, frame.Data)
	case model.EventStopTyping:
		err = h.onStopTyping(conn, frame.Data)
	case model.EventNewMessage:
		err = h.onNewMessage(conn, frame.Data)
	case model.EventMessageDelivered:
		err = h.onMessageDelivered(conn, frame.Data)
	case model.EventMarkMessagesAsSeen:
		err = h.onMarkSeen(conn, frame.Data)
	default:
		h.logger.Debug("Ignored unknown event", "event", frame.Event, "conn_id", conn.ID())
		return
	}
	if err != nil {
		h.logger.Warn("Dropped event", "event", frame.Event, "conn_id", conn.ID(), "user_id", conn.UserID(), "error", err)
	}
}

// decodePostID accepts both a bare id and {"postId": id}.
func decodePostID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		var ref struct {
			PostID string `json:"postId"`
		}
		if err := json.Unmarshal(data, &ref); err != nil {
			return "", err
		}
		id = ref.PostID
	}
	if id = strings.TrimSpace(id); id == "" {
		return "", errMissingField
	}
	return id, nil
}

func (h *Hub) onJoinPost(conn Conn, data json.RawMessage) error {
	postID, err := decodePostID(data)
	if err != nil {
		return err
	}
	h.rooms.Join(conn, rooms.Post(postID))
	h.logger.Debug("Joined post room", "user_id", conn.UserID(), "post_id", postID)
	return nil
}

func (h *Hub) onLeavePost(conn Conn, data json.RawMessage) error {
	postID, err := decodePostID(data)
	if err != nil {
		return err
	}
	h.rooms.Leave(conn, rooms.Post(postID))
	return nil
}

func decodeConversation(data json.RawMessage) (string, error) {
	var ref model.ConversationRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return "", err
	}
	if ref.ConversationID == "" {
		return "", errMissingField
	}
	return ref.ConversationID, nil
}

// mayJoin rejects direct conversations the user is not part of.
func mayJoin(userID, conversationID string) bool {
	participants, direct := model.DirectParticipants(conversationID)
	return !direct || participants[0] == userID || participants[1] == userID
}

func (h *Hub) onJoinConversation(conn Conn, data json.RawMessage) error {
	convID, err := decodeConversation(data)
	if err != nil {
		return err
	}
	if !mayJoin(conn.UserID(), convID) {
		return delivery.ErrNotParticipant
	}
	h.rooms.Join(conn, rooms.Conversation(convID))
	return nil
}

func (h *Hub) onLeaveConversation(conn Conn, data json.RawMessage) error {
	convID, err := decodeConversation(data)
	if err != nil {
		return err
	}
	h.rooms.Leave(conn, rooms.Conversation(convID))
	key := typing.Key{ConversationID: convID, UserID: conn.UserID()}
	if h.isActive(conn) && h.typing.Stop(key) {
		h.emitTyping(model.EventStopTyping, key, conn)
	}
	return nil
}

func (h *Hub) isActive(conn Conn) bool {
	current, ok := h.registry.Lookup(conn.UserID())
	return ok && current == conn
}

// decodeTyping also checks that a user only ever signals for itself, in a
// conversation it may join.
func decodeTyping(conn Conn, data json.RawMessage) (typing.Key, error) {
	var p model.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return typing.Key{}, err
	}
	if p.ConversationID == "" || p.UserID == "" {
		return typing.Key{}, errMissingField
	}
	if p.UserID != conn.UserID() || !mayJoin(p.UserID, p.ConversationID) {
		return typing.Key{}, delivery.ErrNotParticipant
	}
	return typing.Key{ConversationID: p.ConversationID, UserID: p.UserID}, nil
}

func (h *Hub) onTyping(conn Conn, data json.RawMessage) error {
	key, err := decodeTyping(conn, data)
	if err != nil {
		return err
	}
	if h.typing.Start(key) {
		h.emitTyping(model.EventTyping, key, conn)
	}
	return nil
}

func (h *Hub) onStopTyping(conn Conn, data json.RawMessage) error {
	key, err := decodeTyping(conn, data)
	if err != nil {
		return err
	}
	if h.typing.Stop(key) {
		h.emitTyping(model.EventStopTyping, key, conn)
	}
	return nil
}

func (h *Hub) typingExpired(key typing.Key, gen uint64) {
	if h.typing.Expire(key, gen) {
		current, _ := h.registry.Lookup(key.UserID)
		h.emitTyping(model.EventStopTyping, key, current)
	}
}

// emitTyping tells the conversation room about key, skipping the typist's
// own connection.
func (h *Hub) emitTyping(event string, key typing.Key, from Conn) {
	payload := model.TypingPayload{ConversationID: key.ConversationID, UserID: key.UserID}
	h.emit(rooms.Conversation(key.ConversationID), event, payload, func(c Conn) bool { return c == from })
}

func (h *Hub) onNewMessage(conn Conn, data json.RawMessage) error {
	var p model.SendPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.SenderID == "" {
		p.SenderID = conn.UserID()
	}
	if p.SenderID != conn.UserID() {
		return delivery.ErrNotParticipant
	}
	req := delivery.SendRequest{
		ConversationID:  p.ConversationID,
		SenderID:        p.SenderID,
		RecipientID:     p.RecipientID,
		Text:            p.Text,
		Img:             p.Img,
		ClientMessageID: p.ClientMessageID,
	}
	if err := req.Validate(); err != nil {
		return err
	}

	h.async(req.ConversationID, func(ctx context.Context) func() {
		res, err := h.machine.Send(ctx, req)
		return func() {
			if err != nil {
				h.sendFailed(conn, req, err)
				return
			}
			h.messageCreated(res)
		}
	}, func() { h.sendFailed(conn, req, ErrBusy) })
	return nil
}

func (h *Hub) sendFailed(conn Conn, req delivery.SendRequest, err error) {
	if errors.Is(err, delivery.ErrNotParticipant) || errors.Is(err, ErrBusy) {
		h.logger.Warn("Rejected message", "conversation_id", req.ConversationID, "user_id", req.SenderID, "error", err)
	} else {
		h.logger.Error("Failed to send message", "conversation_id", req.ConversationID, "user_id", req.SenderID, "error", err)
	}
	if !h.connected(conn) {
		return
	}
	h.sendTo(conn, model.EventMessageFailed, model.FailurePayload{
		ConversationID:  req.ConversationID,
		ClientMessageID: req.ClientMessageID,
		Reason:          failureReason(err),
	})
}

func failureReason(err error) string {
	if errors.Is(err, delivery.ErrNotParticipant) {
		return "not a participant of this conversation"
	}
	if errors.Is(err, ErrBusy) {
		return "server is busy, try again"
	}
	return "message could not be saved"
}

func (h *Hub) messageCreated(res delivery.SendResult) {
	msg := res.Message
	convRoom := rooms.Conversation(msg.ConversationID)

	if _, online := h.registry.Lookup(msg.RecipientID); online {
		h.scheduleDelivery(msg)
	}

	h.emit(convRoom, model.EventNewMessage, msg, nil)

	update := model.ConversationUpdate{ConversationID: msg.ConversationID, LastMessage: res.Conversation.LastMessage}
	for _, userID := range res.Conversation.Participants {
		h.emit(rooms.User(userID), model.EventUpdateConversation, update, nil)
	}

	notification := model.MessageNotification{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		Text:           msg.Summary(),
		Img:            msg.Img,
	}
	h.emit(rooms.User(msg.RecipientID), model.EventNewMessageNotification, notification, func(c Conn) bool {
		return h.rooms.Has(c, convRoom)
	})
}

func (h *Hub) scheduleDelivery(msg model.Message) {
	h.machine.ScheduleDelivery(msg.ID, func() {
		h.post(func() { h.deliveryDue(msg) })
	})
}

func (h *Hub) deliveryDue(msg model.Message) {
	if !h.machine.TakeDelivery(msg.ID) {
		return
	}
	if _, online := h.registry.Lookup(msg.RecipientID); !online {
		h.logger.Debug("Recipient went offline before delivery", "message_id", msg.ID, "user_id", msg.RecipientID)
		return
	}
	h.markDelivered(msg.ConversationID, msg.ID, msg.RecipientID)
}

func (h *Hub) markDelivered(conversationID, messageID, recipientID string) {
	h.async(conversationID, func(ctx context.Context) func() {
		msg, applied, err := h.machine.MarkDelivered(ctx, conversationID, messageID, recipientID)
		if err != nil {
			h.logger.Error("Failed to mark message delivered", "conversation_id", conversationID, "message_id", messageID, "error", err)
			return nil
		}
		if !applied {
			return nil
		}
		return func() {
			h.machine.CancelDelivery(msg.ID)
			sender, ok := h.registry.Lookup(msg.SenderID)
			if !ok {
				return
			}
			h.sendTo(sender, model.EventMessageDelivered, model.DeliveredPayload{
				MessageID:      msg.ID,
				ConversationID: msg.ConversationID,
			})
		}
	}, nil)
}

func (h *Hub) onMessageDelivered(conn Conn, data json.RawMessage) error {
	var p model.DeliveredPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.MessageID == "" || p.ConversationID == "" || p.RecipientID == "" {
		return errMissingField
	}
	if p.RecipientID != conn.UserID() {
		return delivery.ErrNotParticipant
	}
	h.markDelivered(p.ConversationID, p.MessageID, p.RecipientID)
	return nil
}

func (h *Hub) onMarkSeen(conn Conn, data json.RawMessage) error {
	var p model.MarkSeenPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.ConversationID == "" || p.UserID == "" {
		return errMissingField
	}
	if p.UserID != conn.UserID() {
		return delivery.ErrNotParticipant
	}

	h.async(p.ConversationID, func(ctx context.Context) func() {
		res, err := h.machine.MarkSeen(ctx, p.ConversationID, p.UserID)
		if err != nil {
			h.logger.Error("Failed to mark messages as seen", "conversation_id", p.ConversationID, "user_id", p.UserID, "error", err)
			return nil
		}
		if len(res.MessageIDs) == 0 {
			return nil
		}
		return func() { h.messagesSeen(p.UserID, res) }
	}, nil)
	return nil
}

func (h *Hub) messagesSeen(userID string, res delivery.SeenResult) {
	h.machine.CancelDelivery(res.MessageIDs...)

	payload := model.SeenPayload{ConversationID: res.Conversation.ID, SeenMessages: res.MessageIDs}
	h.emit(rooms.Conversation(res.Conversation.ID), model.EventMessagesSeen, payload, nil)
	h.emit(rooms.User(res.Conversation.Other(userID)), model.EventMessagesSeenNotification, payload, nil)
}
