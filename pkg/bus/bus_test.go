package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/messagequeue"
	"github.com/rizome-dev/conductor/pkg/registry"
	"github.com/rizome-dev/conductor/pkg/state"
	"github.com/rizome-dev/conductor/pkg/types"
)

type eventLog struct {
	mu     sync.Mutex
	events []*types.Event
}

func (l *eventLog) Emit(ev *types.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

type fixture struct {
	store  *state.MemoryStore
	reg    *registry.Registry
	bus    *Bus
	events *eventLog
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := state.NewMemoryStore()
	reg := registry.New(store, registry.WithLogger(logging.NewNop()))
	events := &eventLog{}
	opts = append([]Option{WithLogger(logging.NewNop()), WithEvents(events)}, opts...)
	return &fixture{
		store:  store,
		reg:    reg,
		bus:    New(store, reg, opts...),
		events: events,
	}
}

func (f *fixture) agent(t *testing.T, id string, status types.AgentStatus) {
	t.Helper()
	ctx := context.Background()
	_, err := f.reg.Register(ctx, &types.Agent{ID: id})
	require.NoError(t, err)
	if status != types.AgentStatusRegistered {
		_, err = f.reg.UpdateStatus(ctx, id, status, "")
		require.NoError(t, err)
	}
}

func TestSendDirectAndAcknowledge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "a1", types.AgentStatusActive)

	msg, err := f.bus.Send(ctx, &types.Message{
		From:    types.SystemSender,
		To:      types.ToAgent("a1"),
		Kind:    types.MessageKindRequest,
		Subject: "ping",
	})
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDelivered, msg.Status)
	assert.Equal(t, []string{"a1"}, msg.Recipients)
	assert.Equal(t, types.PriorityNormal, msg.Priority)
	assert.NotNil(t, msg.DeliveredAt)

	acked, err := f.bus.Acknowledge(ctx, msg.ID, "a1")
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	first := *acked.AcknowledgedAt

	again, err := f.bus.Acknowledge(ctx, msg.ID, "a1")
	require.NoError(t, err)
	assert.True(t, again.Acknowledged)
	assert.True(t, first.Equal(*again.AcknowledgedAt), "second acknowledgement must not change state")
}

func TestAcknowledgeErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "a1", types.AgentStatusActive)
	f.agent(t, "a2", types.AgentStatusActive)
	f.agent(t, "down", types.AgentStatusInactive)

	_, err := f.bus.Acknowledge(ctx, "missing", "a1")
	assert.True(t, cerrors.IsNotFound(err))

	msg, err := f.bus.Send(ctx, &types.Message{To: types.ToAgent("a1"), Subject: "hi"})
	require.NoError(t, err)
	_, err = f.bus.Acknowledge(ctx, msg.ID, "a2")
	assert.True(t, cerrors.Is(err, cerrors.ErrNotRecipient))

	failed, err := f.bus.Send(ctx, &types.Message{To: types.ToAgent("down"), Subject: "hi"})
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryFailed, failed.Status)
	_, err = f.bus.Acknowledge(ctx, failed.ID, "down")
	assert.True(t, cerrors.Is(err, cerrors.ErrNotDelivered))

	stored, err := f.bus.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.False(t, stored.Acknowledged, "rejected acknowledgement leaves state unchanged")
}

func TestSendUnknownAgentIsRecordedAsFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.bus.Send(ctx, &types.Message{To: types.ToAgent("ghost"), Subject: "hello"})
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.ErrUnknownRecipient))
	require.NotNil(t, msg)
	assert.Equal(t, types.DeliveryFailed, msg.Status)

	stored, err := f.bus.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryFailed, stored.Status)

	require.Len(t, f.events.events, 1)
	ev := f.events.events[0]
	assert.Equal(t, types.EventTypeMessageFailed, ev.Type)
	assert.Equal(t, msg.ID, ev.EntityID)
	assert.Equal(t, "pending", ev.PreviousState)
	assert.Equal(t, "failed", ev.NewState)
}

func TestSendUnknownTopicIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.bus.Send(ctx, &types.Message{To: types.ToTopic("nope"), Subject: "x"})
	assert.True(t, cerrors.IsValidation(err))

	history, err := f.bus.History(ctx, HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestTopicWithoutSubscribers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.bus.CreateTopic(ctx, "news", "")
	require.NoError(t, err)

	msg, err := f.bus.Send(ctx, &types.Message{To: types.ToTopic("news"), Subject: "hello"})
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDelivered, msg.Status)
	assert.Empty(t, msg.Recipients)
	assert.Equal(t, types.MessageKindBroadcast, msg.Kind)

	strict, err := f.bus.Send(ctx, &types.Message{To: types.ToTopic("news"), Subject: "hello", RequireDelivery: true})
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryFailed, strict.Status)
}

func TestRequireDeliveryDefault(t *testing.T) {
	f := newFixture(t, WithRequireDelivery(true))
	ctx := context.Background()

	msg, err := f.bus.Send(ctx, &types.Message{To: types.ToAll(), Subject: "anyone?"})
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryFailed, msg.Status)
	assert.Equal(t, "no live recipients", msg.FailureReason)
}

func TestTopicFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "a1", types.AgentStatusActive)
	f.agent(t, "a2", types.AgentStatusRegistered)
	f.agent(t, "a3", types.AgentStatusError)
	_, err := f.bus.CreateTopic(ctx, "jobs", "work items")
	require.NoError(t, err)
	for _, id := range []string{"a2", "a1", "a3"} {
		_, err := f.bus.Subscribe(ctx, "jobs", id)
		require.NoError(t, err)
	}

	msg, err := f.bus.Send(ctx, &types.Message{From: "a1", To: types.ToTopic("jobs"), Subject: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDelivered, msg.Status)
	assert.Equal(t, []string{"a2"}, msg.Recipients, "sender and non-live agents are not recipients")

	inbox, err := f.bus.Receive(ctx, "a2", 0)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, msg.ID, inbox[0].ID)
}

func TestBroadcastAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "a1", types.AgentStatusActive)
	f.agent(t, "a2", types.AgentStatusActive)
	f.agent(t, "a3", types.AgentStatusInactive)

	msg, err := f.bus.Send(ctx, &types.Message{To: types.ToAll(), Subject: "maintenance"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, msg.Recipients)
}

func TestPerRecipientOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "a1", types.AgentStatusActive)

	senders := []string{"s1", "s2", "s3"}
	var wg sync.WaitGroup
	for _, s := range senders {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := f.bus.Send(ctx, &types.Message{
					From:    sender,
					To:      types.ToAgent("a1"),
					Subject: fmt.Sprintf("%s-%02d", sender, i),
				})
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	inbox, err := f.bus.Receive(ctx, "a1", 0)
	require.NoError(t, err)
	require.Len(t, inbox, 60)

	next := map[string]int{}
	for _, m := range inbox {
		want := fmt.Sprintf("%s-%02d", m.From, next[m.From])
		assert.Equal(t, want, m.Subject, "messages from one sender arrive in send order")
		next[m.From]++
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "a1", types.AgentStatusActive)
	_, err := f.bus.CreateTopic(ctx, "t", "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		topic, err := f.bus.Subscribe(ctx, "t", "a1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a1"}, topic.Subscribers)
	}
	for i := 0; i < 2; i++ {
		topic, err := f.bus.Unsubscribe(ctx, "t", "a1")
		require.NoError(t, err)
		assert.Empty(t, topic.Subscribers)
	}

	_, err = f.bus.Subscribe(ctx, "t", "ghost")
	assert.True(t, cerrors.IsNotFound(err))
	_, err = f.bus.Subscribe(ctx, "missing", "a1")
	assert.True(t, cerrors.IsNotFound(err))

	_, err = f.bus.CreateTopic(ctx, "t", "")
	assert.True(t, cerrors.Is(err, cerrors.ErrAlreadyExists))
}

func TestRemoveAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "a1", types.AgentStatusActive)
	for _, name := range []string{"x", "y"} {
		_, err := f.bus.CreateTopic(ctx, name, "")
		require.NoError(t, err)
		_, err = f.bus.Subscribe(ctx, name, "a1")
		require.NoError(t, err)
	}

	require.NoError(t, f.bus.RemoveAgent(ctx, "a1"))

	topics, err := f.bus.ListTopics(ctx)
	require.NoError(t, err)
	for _, topic := range topics {
		assert.False(t, topic.HasSubscriber("a1"))
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []*types.Message{
		nil,
		{To: types.Recipient{Kind: "pigeon"}},
		{To: types.Recipient{Kind: types.RecipientAgent}},
		{To: types.ToAll(), Kind: "gossip"},
		{To: types.ToAll(), Priority: "critical"},
	}
	for _, msg := range cases {
		_, err := f.bus.Send(ctx, msg)
		assert.True(t, cerrors.IsValidation(err), "expected validation error for %+v", msg)
	}
}

func TestHistoryAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "a1", types.AgentStatusActive)

	for i := 0; i < 3; i++ {
		_, err := f.bus.Send(ctx, &types.Message{To: types.ToAgent("a1"), Subject: fmt.Sprintf("m%d", i), Priority: types.PriorityHigh})
		require.NoError(t, err)
	}
	_, _ = f.bus.Send(ctx, &types.Message{To: types.ToAgent("ghost"), Subject: "lost"})

	toA1, err := f.bus.History(ctx, HistoryFilter{Recipient: "a1"})
	require.NoError(t, err)
	assert.Len(t, toA1, 3)

	last, err := f.bus.History(ctx, HistoryFilter{Recipient: "a1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "m2", last[0].Subject)

	failed, err := f.bus.History(ctx, HistoryFilter{Status: types.DeliveryFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	stats, err := f.bus.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.ByStatus[types.DeliveryDelivered])
	assert.Equal(t, 1, stats.ByStatus[types.DeliveryFailed])
	assert.Equal(t, 3, stats.ByPriority[types.PriorityHigh])
}

type directOnly struct {
	messagequeue.Transport
}

func TestReceiveRequiresInboxTransport(t *testing.T) {
	f := newFixture(t, WithTransport(directOnly{messagequeue.NewMemoryTransport(0)}))
	f.agent(t, "a1", types.AgentStatusActive)

	_, err := f.bus.Receive(context.Background(), "a1", 0)
	assert.True(t, cerrors.IsValidation(err))
}

func TestInboxFullFailsDirectMessage(t *testing.T) {
	f := newFixture(t, WithTransport(messagequeue.NewMemoryTransport(1)))
	ctx := context.Background()
	f.agent(t, "a1", types.AgentStatusActive)

	first, err := f.bus.Send(ctx, &types.Message{To: types.ToAgent("a1"), Subject: "1"})
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDelivered, first.Status)

	second, err := f.bus.Send(ctx, &types.Message{To: types.ToAgent("a1"), Subject: "2"})
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryFailed, second.Status)
	assert.Equal(t, messagequeue.ErrInboxFull.Error(), second.FailureReason)
}
