// Package bus routes direct, broadcast and topic messages between agents and
// the coordinator, and tracks their delivery and acknowledgement.
//
// Deliveries to one recipient happen under that recipient's lock, so
// messages addressed to the same agent reach its queue in send order. No
// order is promised across recipients or across a broadcast fan-out.
package bus

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/keylock"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/messagequeue"
	"github.com/rizome-dev/conductor/pkg/monitoring"
	"github.com/rizome-dev/conductor/pkg/registry"
	"github.com/rizome-dev/conductor/pkg/sink"
	"github.com/rizome-dev/conductor/pkg/state"
	"github.com/rizome-dev/conductor/pkg/types"
)

// Directory resolves agent ids for the bus.
type Directory interface {
	Find(ctx context.Context, id string) (*types.Agent, error)
	List(ctx context.Context, filter registry.ListFilter) ([]*types.Agent, error)
}

// Sender is the part of the bus other components publish through.
type Sender interface {
	Send(ctx context.Context, msg *types.Message) (*types.Message, error)
}

// HistoryFilter narrows History. Limit keeps the most recent messages.
type HistoryFilter struct {
	From      string
	Recipient string
	Status    types.DeliveryStatus
	Kind      types.MessageKind
	Limit     int
}

// Stats summarises stored messages.
type Stats struct {
	Total        int                          `json:"total"`
	Acknowledged int                          `json:"acknowledged"`
	ByStatus     map[types.DeliveryStatus]int `json:"by_status"`
	ByKind       map[types.MessageKind]int    `json:"by_kind"`
	ByPriority   map[types.Priority]int       `json:"by_priority"`
}

// Bus is the message bus.
type Bus struct {
	store     state.StateManager
	agents    Directory
	transport messagequeue.Transport
	events    sink.Publisher
	monitor   *monitoring.Monitor
	logger    *logging.Logger
	locks     *keylock.Map
	now       func() time.Time

	requireDelivery bool
}

// Option configures a Bus
type Option func(*Bus)

// WithTransport sets the delivery transport. The default is an unbounded
// in-memory transport.
func WithTransport(t messagequeue.Transport) Option {
	return func(b *Bus) { b.transport = t }
}

// WithEvents sets the event publisher
func WithEvents(p sink.Publisher) Option {
	return func(b *Bus) { b.events = p }
}

// WithMonitor sets the metrics recorder
func WithMonitor(m *monitoring.Monitor) Option {
	return func(b *Bus) { b.monitor = m }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithRequireDelivery makes broadcasts that reach nobody fail by default.
func WithRequireDelivery(require bool) Option {
	return func(b *Bus) { b.requireDelivery = require }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates a bus resolving recipients through agents.
func New(store state.StateManager, agents Directory, opts ...Option) *Bus {
	b := &Bus{
		store:  store,
		agents: agents,
		locks:  keylock.New(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.transport == nil {
		b.transport = messagequeue.NewMemoryTransport(0)
	}
	if b.logger == nil {
		b.logger = logging.GetLogger()
	}
	b.logger = b.logger.WithComponent("bus")
	return b
}

// Send validates, records and dispatches msg. The stored message is returned
// with its final delivery status. A message to an unknown agent is recorded
// as failed and the error wraps ErrUnknownRecipient; an unknown topic is
// rejected without being recorded.
func (b *Bus) Send(ctx context.Context, msg *types.Message) (*types.Message, error) {
	ctx, span := b.monitor.StartSpan(ctx, "bus.send")
	defer span.End()

	if err := b.prepare(msg); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("message.to", msg.To.String()), attribute.String("message.kind", string(msg.Kind)))

	var unknown error
	switch msg.To.Kind {
	case types.RecipientAgent:
		a, err := b.agents.Find(ctx, msg.To.Target)
		if err != nil {
			return nil, err
		}
		if a == nil {
			unknown = cerrors.New(cerrors.ErrUnknownRecipient, "message", "", "agent %q", msg.To.Target)
		}
	case types.RecipientTopic:
		if _, err := b.store.GetTopic(ctx, msg.To.Target); err != nil {
			if cerrors.IsNotFound(err) {
				return nil, cerrors.New(cerrors.ErrUnknownRecipient, "message", "", "topic %q", msg.To.Target)
			}
			return nil, err
		}
	}

	msg.ID = uuid.New().String()
	msg.Status = types.DeliveryPending
	msg.Recipients = nil
	msg.Acknowledged = false
	msg.CreatedAt = b.now()
	if err := b.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	if unknown != nil {
		b.fail(ctx, msg, "unknown recipient")
		return msg, unknown
	}

	recipients, err := b.resolve(ctx, msg)
	if err != nil {
		b.fail(ctx, msg, err.Error())
		return msg, nil
	}

	delivered, lastErr := b.dispatch(ctx, msg, recipients)
	msg.Recipients = delivered

	switch {
	case msg.To.Kind == types.RecipientAgent && len(delivered) == 0:
		reason := "recipient not live"
		if lastErr != nil {
			reason = lastErr.Error()
		}
		b.fail(ctx, msg, reason)
		return msg, nil
	case len(delivered) == 0 && (msg.RequireDelivery || b.requireDelivery):
		b.fail(ctx, msg, "no live recipients")
		return msg, nil
	case len(delivered) == 0:
		b.logger.WithField("message_id", msg.ID).Info("broadcast to %s reached no subscribers", msg.To)
	}

	now := b.now()
	msg.Status = types.DeliveryDelivered
	msg.DeliveredAt = &now
	if err := b.store.UpdateMessage(ctx, msg); err != nil {
		return nil, err
	}
	b.monitor.RecordMessage(string(msg.Kind), string(msg.Status), len(delivered))
	return msg, nil
}

func (b *Bus) prepare(msg *types.Message) error {
	if msg == nil {
		return cerrors.Validation("message", "message is required")
	}
	if msg.From == "" {
		msg.From = types.SystemSender
	}
	switch msg.To.Kind {
	case types.RecipientAgent, types.RecipientTopic:
		if strings.TrimSpace(msg.To.Target) == "" {
			return cerrors.Validation("message", "recipient %s requires a target", msg.To.Kind)
		}
	case types.RecipientAll:
		msg.To.Target = ""
	default:
		return cerrors.Validation("message", "unknown recipient kind %q", msg.To.Kind)
	}
	if msg.Kind == "" {
		msg.Kind = types.MessageKindNotification
		if msg.To.Kind != types.RecipientAgent {
			msg.Kind = types.MessageKindBroadcast
		}
	}
	if !msg.Kind.Valid() {
		return cerrors.Validation("message", "unknown kind %q", msg.Kind)
	}
	if msg.Priority == "" {
		msg.Priority = types.PriorityNormal
	}
	if msg.Priority.Rank() < 0 {
		return cerrors.Validation("message", "unknown priority %q", msg.Priority)
	}
	return nil
}

// resolve returns the live agents msg should reach, ordered by id.
func (b *Bus) resolve(ctx context.Context, msg *types.Message) ([]string, error) {
	switch msg.To.Kind {
	case types.RecipientAgent:
		a, err := b.agents.Find(ctx, msg.To.Target)
		if err != nil {
			return nil, err
		}
		if a == nil || !a.IsLive() {
			return nil, nil
		}
		return []string{a.ID}, nil

	case types.RecipientAll:
		agents, err := b.agents.List(ctx, registry.ListFilter{})
		if err != nil {
			return nil, err
		}
		var ids []string
		for _, a := range agents {
			if a.IsLive() && a.ID != msg.From {
				ids = append(ids, a.ID)
			}
		}
		return ids, nil

	case types.RecipientTopic:
		topic, err := b.store.GetTopic(ctx, msg.To.Target)
		if err != nil {
			return nil, err
		}
		var ids []string
		for _, id := range topic.Subscribers {
			if id == msg.From {
				continue
			}
			a, err := b.agents.Find(ctx, id)
			if err != nil {
				return nil, err
			}
			if a != nil && a.IsLive() {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		return ids, nil
	}
	return nil, nil
}

func (b *Bus) dispatch(ctx context.Context, msg *types.Message, recipients []string) ([]string, error) {
	var delivered []string
	var lastErr error
	for _, id := range recipients {
		unlock := b.locks.Lock("inbox:" + id)
		err := b.transport.Deliver(ctx, id, messagequeue.NewEnvelope(msg, id))
		unlock()
		if err != nil {
			lastErr = err
			b.logger.WithField("message_id", msg.ID).WithError(err).Warn("delivery to %s failed", id)
			continue
		}
		delivered = append(delivered, id)
	}
	return delivered, lastErr
}

func (b *Bus) fail(ctx context.Context, msg *types.Message, reason string) {
	msg.Status = types.DeliveryFailed
	msg.FailureReason = reason
	if err := b.store.UpdateMessage(ctx, msg); err != nil {
		b.logger.WithField("message_id", msg.ID).WithError(err).Error("failed to record delivery failure")
	}
	b.monitor.RecordMessage(string(msg.Kind), string(msg.Status), 0)
	b.logger.WithField("message_id", msg.ID).Warn("message to %s failed: %s", msg.To, reason)
	if b.events != nil {
		b.events.Emit(&types.Event{
			Type:          types.EventTypeMessageFailed,
			EntityKind:    types.EntityMessage,
			EntityID:      msg.ID,
			PreviousState: string(types.DeliveryPending),
			NewState:      string(types.DeliveryFailed),
			Timestamp:     b.now(),
			Detail: map[string]string{
				"to":     msg.To.String(),
				"from":   msg.From,
				"reason": reason,
			},
		})
	}
}

// Acknowledge marks a delivered message as acknowledged by one of its
// recipients. Acknowledging twice is a no-op.
func (b *Bus) Acknowledge(ctx context.Context, messageID, agentID string) (*types.Message, error) {
	unlock := b.locks.Lock("message:" + messageID)
	defer unlock()

	msg, err := b.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Status != types.DeliveryDelivered {
		return nil, cerrors.New(cerrors.ErrNotDelivered, "message", messageID, "status %s", msg.Status)
	}
	if msg.Acknowledged {
		return msg, nil
	}
	if !msg.IsRecipient(agentID) {
		return nil, cerrors.New(cerrors.ErrNotRecipient, "message", messageID, "agent %q", agentID)
	}

	now := b.now()
	msg.Acknowledged = true
	msg.AcknowledgedBy = agentID
	msg.AcknowledgedAt = &now
	if err := b.store.UpdateMessage(ctx, msg); err != nil {
		return nil, err
	}
	b.monitor.RecordAcknowledged()
	return msg, nil
}

// Get returns a stored message
func (b *Bus) Get(ctx context.Context, messageID string) (*types.Message, error) {
	return b.store.GetMessage(ctx, messageID)
}

// Receive drains up to limit delivered messages from an agent's inbox in
// delivery order.
func (b *Bus) Receive(ctx context.Context, agentID string, limit int) ([]*types.Message, error) {
	receiver, ok := b.transport.(messagequeue.Receiver)
	if !ok {
		return nil, cerrors.Validation("message", "transport does not hold inboxes; agents consume their queues directly")
	}
	a, err := b.agents.Find(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, cerrors.NotFound("agent", agentID)
	}

	unlock := b.locks.Lock("inbox:" + agentID)
	envs, err := receiver.Receive(ctx, agentID, limit)
	unlock()
	if err != nil {
		return nil, err
	}

	out := make([]*types.Message, 0, len(envs))
	for _, env := range envs {
		msg, err := b.store.GetMessage(ctx, env.MessageID)
		if err != nil {
			b.logger.WithError(err).Warn("inbox entry %s has no stored message", env.MessageID)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// History lists stored messages in creation order.
func (b *Bus) History(ctx context.Context, filter HistoryFilter) ([]*types.Message, error) {
	msgs, err := b.store.ListMessages(ctx, map[string]string{
		"from":      filter.From,
		"recipient": filter.Recipient,
		"status":    string(filter.Status),
		"kind":      string(filter.Kind),
	})
	if err != nil {
		return nil, err
	}
	if filter.Limit > 0 && len(msgs) > filter.Limit {
		msgs = msgs[len(msgs)-filter.Limit:]
	}
	return msgs, nil
}

// Stats counts stored messages by status, kind and priority.
func (b *Bus) Stats(ctx context.Context) (*Stats, error) {
	msgs, err := b.store.ListMessages(ctx, nil)
	if err != nil {
		return nil, err
	}
	s := &Stats{
		ByStatus:   make(map[types.DeliveryStatus]int),
		ByKind:     make(map[types.MessageKind]int),
		ByPriority: make(map[types.Priority]int),
	}
	for _, m := range msgs {
		s.Total++
		s.ByStatus[m.Status]++
		s.ByKind[m.Kind]++
		s.ByPriority[m.Priority]++
		if m.Acknowledged {
			s.Acknowledged++
		}
	}
	return s, nil
}

// QueueStats reports transport statistics for one queue
func (b *Bus) QueueStats(ctx context.Context, queue string) (*messagequeue.QueueStats, error) {
	return b.transport.Stats(ctx, queue)
}
