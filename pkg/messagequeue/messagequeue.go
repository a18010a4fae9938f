// Package messagequeue provides the delivery transports behind the message bus
package messagequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rizome-dev/conductor/pkg/types"
)

// ErrInboxFull is returned when a bounded inbox cannot accept another envelope.
var ErrInboxFull = errors.New("inbox full")

// Envelope is the transport form of a bus message addressed to one agent.
type Envelope struct {
	MessageID string            `json:"message_id"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Topic     string            `json:"topic,omitempty"`
	Kind      string            `json:"kind"`
	Priority  string            `json:"priority"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// NewEnvelope builds the envelope for msg addressed to agentID.
func NewEnvelope(msg *types.Message, agentID string) *Envelope {
	env := &Envelope{
		MessageID: msg.ID,
		From:      msg.From,
		To:        agentID,
		Kind:      string(msg.Kind),
		Priority:  string(msg.Priority),
		Subject:   msg.Subject,
		Body:      msg.Body,
		Metadata:  msg.Metadata,
		Timestamp: msg.CreatedAt.UnixNano(),
	}
	if msg.To.Kind == types.RecipientTopic {
		env.Topic = msg.To.Target
	}
	return env
}

// QueueStats describes one queue
type QueueStats struct {
	Name     string `json:"name"`
	Depth    int64  `json:"depth"`
	Enqueued int64  `json:"enqueued"`
	Dequeued int64  `json:"dequeued"`
}

// Transport moves envelopes to agents. Deliveries to the same agent must be
// applied in call order.
type Transport interface {
	// Deliver hands env to one agent's queue
	Deliver(ctx context.Context, agentID string, env *Envelope) error

	// CreateTopic mirrors a bus topic onto the transport
	CreateTopic(ctx context.Context, name string) error

	// DeleteTopic removes a mirrored topic
	DeleteTopic(ctx context.Context, name string) error

	// Forget drops any queue kept for an agent
	Forget(ctx context.Context, agentID string) error

	// Stats returns statistics for a queue
	Stats(ctx context.Context, queue string) (*QueueStats, error)

	// Close releases transport resources
	Close() error
}

// Receiver is implemented by transports that hold inboxes the coordinator can drain.
type Receiver interface {
	Receive(ctx context.Context, agentID string, limit int) ([]*Envelope, error)
}

// Config holds message queue configuration
type Config struct {
	Type           string
	StorePath      string
	WorkerPoolSize int
	MessageTimeout time.Duration
	InboxCapacity  int
}

// New creates the transport named by config.Type.
func New(config Config) (Transport, error) {
	switch config.Type {
	case "", "memory":
		return NewMemoryTransport(config.InboxCapacity), nil
	case "amq":
		return NewAMQTransport(config)
	default:
		return nil, fmt.Errorf("unsupported message queue type: %s", config.Type)
	}
}

// EnvelopeToPayload converts an Envelope to JSON bytes
func EnvelopeToPayload(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// PayloadToEnvelope converts JSON bytes to an Envelope
func PayloadToEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
