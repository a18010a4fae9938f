package messagequeue

import (
	"context"
	"fmt"
	"time"

	"github.com/rizome-dev/amq"
	amqtypes "github.com/rizome-dev/amq/pkg/types"
)

// AMQTransport delivers envelopes through an embedded AMQ instance. Each
// agent consumes its direct queue with an AMQ client; bus topics are
// mirrored as AMQ task queues named after the topic.
type AMQTransport struct {
	amq *amq.AMQ
}

// NewAMQTransport creates an AMQ-backed transport
func NewAMQTransport(config Config) (*AMQTransport, error) {
	timeout := config.MessageTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	workers := config.WorkerPoolSize
	if workers <= 0 {
		workers = 4
	}

	instance, err := amq.New(amq.Config{
		StorePath:         config.StorePath,
		WorkerPoolSize:    workers,
		MessageTimeout:    timeout,
		HeartbeatInterval: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AMQ instance: %w", err)
	}
	return &AMQTransport{amq: instance}, nil
}

// Deliver sends env directly to the agent's AMQ queue
func (t *AMQTransport) Deliver(ctx context.Context, agentID string, env *Envelope) error {
	payload, err := EnvelopeToPayload(env)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}
	if _, err := t.amq.AdminSendDirect(ctx, env.From, agentID, payload); err != nil {
		return fmt.Errorf("failed to deliver to %s: %w", agentID, err)
	}
	return nil
}

// CreateTopic creates the task queue mirroring a bus topic
func (t *AMQTransport) CreateTopic(ctx context.Context, name string) error {
	return t.amq.CreateQueue(ctx, name, amqtypes.QueueTypeTask)
}

// DeleteTopic removes the mirrored queue
func (t *AMQTransport) DeleteTopic(ctx context.Context, name string) error {
	return t.amq.DeleteQueue(ctx, name)
}

// Forget is a no-op; AMQ expires an idle client's queue on its own heartbeat.
func (t *AMQTransport) Forget(ctx context.Context, agentID string) error {
	return nil
}

// Stats returns AMQ queue statistics
func (t *AMQTransport) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	s, err := t.amq.GetQueueStats(ctx, queue)
	if err != nil {
		return nil, err
	}
	return &QueueStats{Name: s.Name, Depth: s.MessageCount}, nil
}

// Queues lists the AMQ queue names
func (t *AMQTransport) Queues(ctx context.Context) ([]string, error) {
	queues, err := t.amq.ListQueues(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(queues))
	for _, q := range queues {
		names = append(names, q.Name)
	}
	return names, nil
}

// Close closes the AMQ instance
func (t *AMQTransport) Close() error {
	return t.amq.Close()
}
