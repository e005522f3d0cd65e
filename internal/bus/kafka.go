package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher publishes to one Kafka topic, keyed so that all messages for
// a correlationId land on the same partition. A circuit breaker guards the
// broker so a dead cluster fails fast instead of stalling every caller.
type KafkaPublisher struct {
	writer  *kafka.Writer
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewKafkaPublisher creates a publisher for topic on the given brokers.
func NewKafkaPublisher(brokers []string, topic string, breaker *CircuitBreaker, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 10 * time.Second,
			BatchTimeout: 10 * time.Millisecond,
		},
		breaker: breaker,
		logger:  logger,
	}
}

// Publish writes one message. Returns immediately with an error when the
// circuit is open so pending-slot cleanup happens without waiting on a
// broker timeout.
func (p *KafkaPublisher) Publish(ctx context.Context, key string, value []byte) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker open, rejecting publish",
			zap.String("topic", p.writer.Topic),
			zap.String("circuit_state", p.breaker.State()),
		)
		return fmt.Errorf("circuit breaker open: bus temporarily unavailable")
	}

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		p.breaker.RecordFailure()
		return fmt.Errorf("publish to %s: %w", p.writer.Topic, err)
	}
	p.breaker.RecordSuccess()
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads one Kafka topic as part of the gateway consumer group.
type KafkaConsumer struct {
	reader *kafka.Reader
}

// NewKafkaConsumer creates a group consumer for topic on the given brokers.
func NewKafkaConsumer(brokers []string, topic, group string) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        group,
			MinBytes:       1,
			MaxBytes:       1 << 20, // 1MB, matches the HTTP body cap
			CommitInterval: time.Second,
		}),
	}
}

// Next blocks until a message is available or ctx is cancelled.
func (c *KafkaConsumer) Next(ctx context.Context) (Message, error) {
	m, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Key: m.Key, Value: m.Value}, nil
}

// Close shuts down the reader and leaves the consumer group.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
