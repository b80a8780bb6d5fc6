package kafka

import (
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// ProducerConfig holds the settings for a matchmaking event producer.
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	Async        bool
	BatchTimeout time.Duration
}

// NewProducer initializes a Kafka writer keyed by player id, so all events of
// one player land on the same partition in order.
func NewProducer(cfg ProducerConfig) *kafka.Writer {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 100 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  cfg.Async,
		BatchTimeout:           batchTimeout,
		AllowAutoTopicCreation: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Error("Kafka async write failed", "messages", len(messages), "error", err)
			}
		},
	}
}
