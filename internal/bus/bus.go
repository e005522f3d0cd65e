// Package bus is the gateway's seam to the publish/subscribe transport.
// Requests go out on a per-domain request topic keyed by correlationId and
// replies come back on the matching response topic; the broker's per-key
// partitioning keeps each correlation's messages ordered.
package bus

import "context"

// Topic and consumer-group names shared with the downstream services.
const (
	TopicUserRequest   = "user-event-request"
	TopicUserReply     = "user-event-response"
	TopicTicketRequest = "ticket-event-request"
	TopicTicketReply   = "ticket-event-response"

	ConsumerGroup = "helpdesk-gateway"
)

// Message is one raw bus record. Key is the partitioning key (the
// correlationId), Value the serialized envelope.
type Message struct {
	Key   []byte
	Value []byte
}

// Publisher sends one message to a fixed topic. Implementations must return
// an error rather than block indefinitely when the broker is unreachable.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Consumer yields messages from a fixed topic. Next blocks until a message
// arrives, the context is cancelled, or the consumer is closed.
type Consumer interface {
	Next(ctx context.Context) (Message, error)
	Close() error
}
