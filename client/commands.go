package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mahaj/pulse/pkg/model"
)

var errQuit = errors.New("quit")

// chat is what the prompt is currently talking to.
type chat struct {
	me           string
	peer         string
	conversation string
}

func newChat(me, peer string) *chat {
	c := &chat{me: me, peer: peer}
	if peer != "" {
		c.conversation = model.DirectConversationID(me, peer)
	}
	return c
}

type outbound struct {
	event string
	data  any
}

// parse turns one input line into the frames to send.
func (c *chat) parse(line string) ([]outbound, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	if !strings.HasPrefix(line, "/") {
		if c.conversation == "" || c.peer == "" {
			return nil, errors.New("no conversation, use /dm <user> first")
		}
		return []outbound{{model.EventNewMessage, model.SendPayload{
			ConversationID:  c.conversation,
			SenderID:        c.me,
			RecipientID:     c.peer,
			Text:            line,
			ClientMessageID: "tmp-" + uuid.NewString(),
		}}}, nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return nil, errQuit
	case "/dm":
		if arg == "" || arg == c.me {
			return nil, errors.New("usage: /dm <user>")
		}
		var out []outbound
		if c.conversation != "" {
			out = append(out, outbound{model.EventLeaveConversation, model.ConversationRef{ConversationID: c.conversation}})
		}
		c.peer = arg
		c.conversation = model.DirectConversationID(c.me, arg)
		return append(out, outbound{model.EventJoinConversation, model.ConversationRef{ConversationID: c.conversation}}), nil
	case "/post":
		if arg == "" {
			return nil, errors.New("usage: /post <id>")
		}
		return []outbound{{model.EventJoinPost, arg}}, nil
	case "/unpost":
		if arg == "" {
			return nil, errors.New("usage: /unpost <id>")
		}
		return []outbound{{model.EventLeavePost, arg}}, nil
	}

	if c.conversation == "" {
		return nil, fmt.Errorf("%s needs a conversation, use /dm <user> first", cmd)
	}
	typingPayload := model.TypingPayload{ConversationID: c.conversation, UserID: c.me}
	switch cmd {
	case "/typing":
		return []outbound{{model.EventTyping, typingPayload}}, nil
	case "/stop":
		return []outbound{{model.EventStopTyping, typingPayload}}, nil
	case "/seen":
		return []outbound{{model.EventMarkMessagesAsSeen, model.MarkSeenPayload{ConversationID: c.conversation, UserID: c.me}}}, nil
	}
	return nil, fmt.Errorf("unknown command %s", cmd)
}

// react renders an inbound frame and returns the frames the client answers
// with: reading a new message in the open conversation marks it seen.
func (c *chat) react(frame model.Frame) (string, []outbound) {
	switch frame.Event {
	case model.EventNewMessage:
		var msg model.Message
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			break
		}
		if msg.SenderID == c.me {
			return fmt.Sprintf("you: %s [%s]", msg.Summary(), msg.ID), nil
		}
		line := fmt.Sprintf("%s: %s", msg.SenderID, msg.Summary())
		if msg.ConversationID == c.conversation {
			return line, []outbound{{model.EventMarkMessagesAsSeen, model.MarkSeenPayload{ConversationID: c.conversation, UserID: c.me}}}
		}
		return line, nil
	case model.EventNewMessageNotification:
		var n model.MessageNotification
		if err := json.Unmarshal(frame.Data, &n); err == nil {
			return fmt.Sprintf("new message from %s: %s (/dm %s)", n.SenderID, n.Text, n.SenderID), nil
		}
	case model.EventTyping, model.EventStopTyping:
		var p model.TypingPayload
		if err := json.Unmarshal(frame.Data, &p); err == nil {
			if frame.Event == model.EventTyping {
				return fmt.Sprintf("%s is typing...", p.UserID), nil
			}
			return fmt.Sprintf("%s stopped typing", p.UserID), nil
		}
	case model.EventMessageDelivered:
		var p model.DeliveredPayload
		if err := json.Unmarshal(frame.Data, &p); err == nil {
			return fmt.Sprintf("delivered %s", p.MessageID), nil
		}
	case model.EventMessagesSeen, model.EventMessagesSeenNotification:
		var p model.SeenPayload
		if err := json.Unmarshal(frame.Data, &p); err == nil {
			return fmt.Sprintf("seen %s", strings.Join(p.SeenMessages, ", ")), nil
		}
	case model.EventOnlineUsers:
		var online []string
		if err := json.Unmarshal(frame.Data, &online); err == nil {
			return fmt.Sprintf("online: %s", strings.Join(online, ", ")), nil
		}
	case model.EventMessageFailed:
		var p model.FailurePayload
		if err := json.Unmarshal(frame.Data, &p); err == nil {
			return fmt.Sprintf("not sent: %s", p.Reason), nil
		}
	case model.EventUpdateConversation:
		return "", nil
	}
	return fmt.Sprintf("%s %s", frame.Event, frame.Data), nil
}
