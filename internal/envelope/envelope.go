// Package envelope defines the wire contract for bus messages. An Envelope
// carries one correlated request or reply; the messageId field is the sole
// join key between the two sides.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation names. One per distinct asynchronous capability; the set is
// closed, downstream services reject anything else.
const (
	OpAuthenticateUser = "authenticate-user"
	OpListCategories   = "list-categories"
	OpListPriorities   = "list-priorities"
	OpListStatuses     = "list-statuses"
)

// Statuses used on the wire. Outbound requests always carry StatusProcessing.
// Replies carry StatusSuccess or StatusError; any other value on a reply is
// treated as an error.
const (
	StatusProcessing = "PROCESSING"
	StatusSuccess    = "SUCCESS"
	StatusError      = "ERROR"
)

// Envelope is the bus message format. Payload stays opaque at this layer;
// its shape is owned by the operation, not by the envelope.
type Envelope struct {
	MessageID     string          `json:"messageId"`
	OperationType string          `json:"operationType"`
	Status        string          `json:"status"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// NewRequest builds an outbound PROCESSING envelope for the given operation.
// payload may be nil for operations that take no input. Serialization of the
// payload happens here so a marshal failure surfaces before anything is
// registered or published.
func NewRequest(correlationID, operation string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", operation, err)
		}
		raw = b
	}
	return &Envelope{
		MessageID:     correlationID,
		OperationType: operation,
		Status:        StatusProcessing,
		Payload:       raw,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Encode serializes the envelope for publishing.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", e.MessageID, err)
	}
	return b, nil
}

// Decode parses a raw bus message into an Envelope. A reply without a
// messageId is malformed: there is nothing to route it to.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if e.MessageID == "" {
		return nil, fmt.Errorf("envelope missing messageId")
	}
	return &e, nil
}

// IsError reports whether a reply envelope signals failure. Only SUCCESS is
// success; unknown statuses are failures, never silently accepted.
func (e *Envelope) IsError() bool {
	return e.Status != StatusSuccess
}
