package model

import (
	"errors"
	"fmt"
	"time"
)

// Status is the delivery stage of a direct message.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusSent
	StatusDelivered
	StatusSeen
)

var ErrIllegalTransition = errors.New("illegal status transition")

var statusNames = map[Status]string{
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusSeen:      "seen",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStatus is the inverse of String. The empty string maps to StatusUnknown.
func ParseStatus(name string) (Status, error) {
	if name == "" {
		return StatusUnknown, nil
	}
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown message status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	if s == StatusUnknown {
		return []byte{}, nil
	}
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("cannot marshal message status %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Advance validates a move from s to next. The only legal edges are
// sent->delivered, delivered->seen and sent->seen; the last one is taken
// when a conversation is marked seen before delivery was ever recorded.
func (s Status) Advance(next Status) error {
	switch {
	case s == StatusSent && next == StatusDelivered,
		s == StatusDelivered && next == StatusSeen,
		s == StatusSent && next == StatusSeen:
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, next)
}

// MediaPlaceholder summarises a message that carries no text.
const MediaPlaceholder = "Media"

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"sender"`
	RecipientID    string    `json:"recipient"`
	Text           string    `json:"text,omitempty"`
	Img            string    `json:"img,omitempty"`
	Status         Status    `json:"status"`
	Seen           bool      `json:"seen"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Summary is the text shown in conversation lists and notifications.
func (m Message) Summary() string {
	if m.Text == "" {
		return MediaPlaceholder
	}
	return m.Text
}

// SetStatus applies a validated transition and keeps Seen in step.
func (m *Message) SetStatus(next Status) error {
	if err := m.Status.Advance(next); err != nil {
		return err
	}
	m.Status = next
	m.Seen = next == StatusSeen
	return nil
}
