package bus

import (
	"context"
	"strings"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/types"
)

// CreateTopic creates an empty topic
func (b *Bus) CreateTopic(ctx context.Context, name, description string) (*types.Topic, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, cerrors.Validation("topic", "topic name is required")
	}

	unlock := b.locks.Lock("topic:" + name)
	defer unlock()

	topic := &types.Topic{
		Name:        name,
		Description: description,
		Subscribers: []string{},
		CreatedAt:   b.now(),
	}
	if err := b.store.CreateTopic(ctx, topic); err != nil {
		return nil, err
	}
	if err := b.transport.CreateTopic(ctx, name); err != nil {
		b.logger.WithError(err).Warn("transport could not mirror topic %s", name)
	}
	return topic, nil
}

// EnsureTopic creates the topic unless it already exists
func (b *Bus) EnsureTopic(ctx context.Context, name, description string) (*types.Topic, error) {
	topic, err := b.store.GetTopic(ctx, name)
	if err == nil {
		return topic, nil
	}
	if !cerrors.IsNotFound(err) {
		return nil, err
	}
	topic, err = b.CreateTopic(ctx, name, description)
	if cerrors.Is(err, cerrors.ErrAlreadyExists) {
		return b.store.GetTopic(ctx, name)
	}
	return topic, err
}

// DeleteTopic removes a topic and its subscriptions
func (b *Bus) DeleteTopic(ctx context.Context, name string) error {
	unlock := b.locks.Lock("topic:" + name)
	defer unlock()

	if err := b.store.DeleteTopic(ctx, name); err != nil {
		return err
	}
	if err := b.transport.DeleteTopic(ctx, name); err != nil {
		b.logger.WithError(err).Warn("transport could not remove topic %s", name)
	}
	return nil
}

// GetTopic returns a topic
func (b *Bus) GetTopic(ctx context.Context, name string) (*types.Topic, error) {
	return b.store.GetTopic(ctx, name)
}

// ListTopics returns every topic ordered by name
func (b *Bus) ListTopics(ctx context.Context) ([]*types.Topic, error) {
	return b.store.ListTopics(ctx)
}

// Subscribe adds agentID to the topic. Subscribing twice is a no-op.
func (b *Bus) Subscribe(ctx context.Context, topicName, agentID string) (*types.Topic, error) {
	a, err := b.agents.Find(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, cerrors.NotFound("agent", agentID)
	}

	unlock := b.locks.Lock("topic:" + topicName)
	defer unlock()

	topic, err := b.store.GetTopic(ctx, topicName)
	if err != nil {
		return nil, err
	}
	if topic.HasSubscriber(agentID) {
		return topic, nil
	}
	topic.Subscribers = append(topic.Subscribers, agentID)
	if err := b.store.UpdateTopic(ctx, topic); err != nil {
		return nil, err
	}
	return topic, nil
}

// Unsubscribe removes agentID from the topic. Removing a non-subscriber is a no-op.
func (b *Bus) Unsubscribe(ctx context.Context, topicName, agentID string) (*types.Topic, error) {
	unlock := b.locks.Lock("topic:" + topicName)
	defer unlock()

	topic, err := b.store.GetTopic(ctx, topicName)
	if err != nil {
		return nil, err
	}
	if !topic.HasSubscriber(agentID) {
		return topic, nil
	}
	kept := topic.Subscribers[:0]
	for _, id := range topic.Subscribers {
		if id != agentID {
			kept = append(kept, id)
		}
	}
	topic.Subscribers = kept
	if err := b.store.UpdateTopic(ctx, topic); err != nil {
		return nil, err
	}
	return topic, nil
}

// RemoveAgent drops a deregistered agent from every topic and discards its queue.
func (b *Bus) RemoveAgent(ctx context.Context, agentID string) error {
	topics, err := b.store.ListTopics(ctx)
	if err != nil {
		return err
	}
	for _, t := range topics {
		if !t.HasSubscriber(agentID) {
			continue
		}
		if _, err := b.Unsubscribe(ctx, t.Name, agentID); err != nil && !cerrors.IsNotFound(err) {
			return err
		}
	}
	unlock := b.locks.Lock("inbox:" + agentID)
	defer unlock()
	return b.transport.Forget(ctx, agentID)
}
