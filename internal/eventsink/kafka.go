package eventsink

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cheildo/nexus-clash-matchmaker/internal/event"
)

const writeTimeout = 5 * time.Second

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Envelope is the JSON value of every published message.
type Envelope struct {
	Type       string      `json:"type"`
	OccurredAt time.Time   `json:"occurredAt"`
	Payload    event.Event `json:"payload"`
}

// KafkaSink forwards bus events to a Kafka topic keyed by player id.
type KafkaSink struct {
	writer MessageWriter
	bus    *event.Bus[event.Event]
}

func NewKafkaSink(writer MessageWriter, bus *event.Bus[event.Event]) *KafkaSink {
	return &KafkaSink{writer: writer, bus: bus}
}

// Run publishes events until ctx is done or the bus closes.
func (s *KafkaSink) Run(ctx context.Context) {
	events, cancel := s.bus.Subscribe()
	defer cancel()
	slog.Info("Kafka event sink started")

	for {
		select {
		case <-ctx.Done():
			slog.Info("Kafka event sink stopping.")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.publish(ctx, ev)
		}
	}
}

func (s *KafkaSink) publish(ctx context.Context, ev event.Event) {
	msg, err := NewMessage(ev)
	if err != nil {
		slog.Error("Failed to encode event", "type", ev.Type(), "error", err)
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.writer.WriteMessages(writeCtx, msg); err != nil {
		slog.Error("Failed to publish event to Kafka", "type", ev.Type(), "error", err)
	}
}

// NewMessage encodes ev as a Kafka message.
func NewMessage(ev event.Event) (kafka.Message, error) {
	value, err := json.Marshal(Envelope{Type: ev.Type(), OccurredAt: ev.Timestamp(), Payload: ev})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(playerID(ev)),
		Value: value,
		Time:  ev.Timestamp(),
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type())},
		},
	}, nil
}

func playerID(ev event.Event) string {
	switch e := ev.(type) {
	case event.StateChanged:
		return e.PlayerID
	case event.MatchFound:
		return e.PlayerID
	}
	return ""
}
