package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/pulse/pkg/model"
	"github.com/mahaj/pulse/pkg/outbox"
)

// CounterStore keeps each user's conversation list and unread counts.
type CounterStore interface {
	Touch(ctx context.Context, userID, conversationID, otherUserID string, at time.Time) error
	IncrementUnread(ctx context.Context, userID, conversationID string, n int) error
	ResetUnread(ctx context.Context, userID, conversationID string) error
}

// Consumer projects domain events onto the conversation lists.
type Consumer struct {
	counters CounterStore
	logger   *slog.Logger
	clock    clock.Clock
	attempts int
	delay    time.Duration
}

func NewConsumer(counters CounterStore, logger *slog.Logger) *Consumer {
	return &Consumer{
		counters: counters,
		logger:   logger,
		clock:    clock.WallClock,
		attempts: 3,
		delay:    200 * time.Millisecond,
	}
}

// Handle applies one event read from Kafka.
func (c *Consumer) Handle(ctx context.Context, m kafka.Message) error {
	event, err := outbox.DecodeDomainEvent(m)
	if err != nil {
		return errors.Annotatef(err, "decode event at offset %d", m.Offset)
	}
	return c.Apply(ctx, event)
}

func (c *Consumer) Apply(ctx context.Context, event model.DomainEvent) error {
	if event.ConversationID == "" {
		return errors.NotValidf("event %q without conversation", event.Type)
	}

	switch event.Type {
	case model.MessageCreated:
		return c.messageCreated(ctx, event)
	case model.MessagesSeen:
		if event.ActorID == "" {
			return errors.NotValidf("seen event without actor")
		}
		return c.retry(ctx, "reset unread", func() error {
			return c.counters.ResetUnread(ctx, event.ActorID, event.ConversationID)
		})
	case model.MessageDelivered:
		c.logger.Debug("Message delivered", "conversation_id", event.ConversationID, "message_ids", event.MessageIDs)
		return nil
	default:
		c.logger.Debug("Skipping unknown event type", "type", event.Type)
		return nil
	}
}

func (c *Consumer) messageCreated(ctx context.Context, event model.DomainEvent) error {
	if event.SenderID == "" || event.RecipientID == "" {
		return errors.NotValidf("created event without sender or recipient")
	}
	at := event.Timestamp
	if at.IsZero() {
		at = c.clock.Now()
	}

	// Both sides see the conversation move to the top.
	for _, pair := range [][2]string{{event.SenderID, event.RecipientID}, {event.RecipientID, event.SenderID}} {
		user, other := pair[0], pair[1]
		if err := c.retry(ctx, "touch conversation", func() error {
			return c.counters.Touch(ctx, user, event.ConversationID, other, at)
		}); err != nil {
			return err
		}
	}

	// Counter updates are not idempotent, so they are tried once.
	n := max(len(event.MessageIDs), 1)
	if err := c.counters.IncrementUnread(ctx, event.RecipientID, event.ConversationID, n); err != nil {
		return errors.Trace(err)
	}
	c.logger.Debug("Projected message", "conversation_id", event.ConversationID, "recipient_id", event.RecipientID)
	return nil
}

func (c *Consumer) retry(ctx context.Context, what string, fn func() error) error {
	err := retry.Call(retry.CallArgs{
		Func: fn,
		NotifyFunc: func(err error, attempt int) {
			c.logger.Warn("Retrying counter update", "op", what, "attempt", attempt, "error", err)
		},
		Attempts:    c.attempts,
		Delay:       c.delay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.clock,
		Stop:        ctx.Done(),
	})
	return errors.Annotate(retry.LastError(err), what)
}
