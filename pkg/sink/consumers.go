package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/state"
	"github.com/rizome-dev/conductor/pkg/types"
)

// LogConsumer writes events to the structured log.
type LogConsumer struct {
	logger *logging.Logger
}

// NewLogConsumer creates a log consumer
func NewLogConsumer(logger *logging.Logger) *LogConsumer {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &LogConsumer{logger: logger.WithComponent("events")}
}

func (c *LogConsumer) Name() string { return "log" }

func (c *LogConsumer) Consume(ctx context.Context, ev *types.Event) error {
	l := c.logger.WithFields(map[string]interface{}{
		"event_type":  string(ev.Type),
		"entity_kind": string(ev.EntityKind),
		"entity_id":   ev.EntityID,
		"from":        ev.PreviousState,
		"to":          ev.NewState,
	})
	if ev.Type == types.EventTypeMessageFailed || ev.Type == types.EventTypeAlertCreated {
		l.Warn("%s", ev.Type)
		return nil
	}
	l.Info("%s", ev.Type)
	return nil
}

// StoreConsumer persists events through the state layer.
type StoreConsumer struct {
	store state.StateManager
}

// NewStoreConsumer creates a store consumer
func NewStoreConsumer(store state.StateManager) *StoreConsumer {
	return &StoreConsumer{store: store}
}

func (c *StoreConsumer) Name() string { return "store" }

func (c *StoreConsumer) Consume(ctx context.Context, ev *types.Event) error {
	return c.store.RecordEvent(ctx, ev)
}

// KafkaWriter is the subset of *kafka.Writer used by KafkaConsumer.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer publishes events to a Kafka topic keyed by entity id, so the
// transitions of one entity land on one partition in order.
type KafkaConsumer struct {
	writer  KafkaWriter
	timeout time.Duration
}

// NewKafkaConsumer creates a consumer writing to topic on brokers.
func NewKafkaConsumer(brokers []string, topic string) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaConsumerWithWriter(w), nil
}

// NewKafkaConsumerWithWriter wraps an existing writer
func NewKafkaConsumerWithWriter(w KafkaWriter) *KafkaConsumer {
	return &KafkaConsumer{writer: w, timeout: 5 * time.Second}
}

func (c *KafkaConsumer) Name() string { return "kafka" }

func (c *KafkaConsumer) Consume(ctx context.Context, ev *types.Event) error {
	msg, err := kafkaMessage(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (c *KafkaConsumer) Close() error {
	return c.writer.Close()
}

func kafkaMessage(ev *types.Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to serialize event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.EntityID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "entity_kind", Value: []byte(ev.EntityKind)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
	}, nil
}
