// Package outbox moves events between services over Kafka. Domain events
// describe committed message state changes; live events are pushed by other
// services into gateway rooms.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/pulse/pkg/model"
)

const (
	DefaultEventsTopic = "chat-events"
	DefaultLiveTopic   = "live-events"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Writer struct {
	w     messageWriter
	clock clock.Clock
}

// NewWriter produces to topic. Messages are keyed so that every event of a
// conversation, or of a room, lands on the same partition in order.
func NewWriter(brokers []string, topic string) *Writer {
	return &Writer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		clock: clock.WallClock,
	}
}

func (w *Writer) write(ctx context.Context, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  w.clock.Now(),
	})
}

// Publish writes a domain event keyed by conversation.
func (w *Writer) Publish(ctx context.Context, event model.DomainEvent) error {
	return w.write(ctx, event.ConversationID, event)
}

// PublishLive writes a live event keyed by room.
func (w *Writer) PublishLive(ctx context.Context, event model.LiveEvent) error {
	if event.Room == "" || event.Event == "" {
		return errors.New("live event needs a room and an event name")
	}
	return w.write(ctx, event.Room, event)
}

func (w *Writer) Close() error {
	return w.w.Close()
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Reader struct {
	r          messageReader
	clock      clock.Clock
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewGroupReader shares topic with the other members of groupID.
func NewGroupReader(brokers []string, topic, groupID string, logger *slog.Logger) *Reader {
	return newReader(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	}), logger)
}

// NewFanoutReader joins a group of its own so that every gateway instance
// sees every message. It starts at the end of the topic.
func NewFanoutReader(brokers []string, topic string, logger *slog.Logger) *Reader {
	return newReader(kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     "gateway-fanout-" + uuid.NewString(),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
	}), logger)
}

func newReader(r messageReader, logger *slog.Logger) *Reader {
	return &Reader{r: r, clock: clock.WallClock, retryDelay: time.Second, logger: logger}
}

// Run hands every message to handle until ctx is done. Read errors are
// retried after a pause; handler errors are logged and the message skipped.
func (r *Reader) Run(ctx context.Context, handle func(context.Context, kafka.Message) error) error {
	for {
		m, err := r.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("Error reading from Kafka, retrying", "error", err, "delay", r.retryDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-r.clock.After(r.retryDelay):
			}
			continue
		}
		r.logger.Debug("Received message from Kafka", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset)
		if err := handle(ctx, m); err != nil {
			r.logger.Error("Failed to handle Kafka message", "topic", m.Topic, "offset", m.Offset, "error", err)
		}
	}
}

func (r *Reader) Close() error {
	return r.r.Close()
}

func DecodeDomainEvent(m kafka.Message) (model.DomainEvent, error) {
	var e model.DomainEvent
	err := json.Unmarshal(m.Value, &e)
	return e, err
}

func DecodeLiveEvent(m kafka.Message) (model.LiveEvent, error) {
	var e model.LiveEvent
	if err := json.Unmarshal(m.Value, &e); err != nil {
		return e, err
	}
	if e.Room == "" || e.Event == "" {
		return e, errors.New("live event without room or event name")
	}
	return e, nil
}
