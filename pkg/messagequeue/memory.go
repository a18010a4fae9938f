package messagequeue

import (
	"context"
	"sync"
)

type inbox struct {
	mu       sync.Mutex
	queue    []*Envelope
	enqueued int64
	dequeued int64
}

// MemoryTransport keeps one FIFO inbox per agent in process memory.
type MemoryTransport struct {
	mu       sync.RWMutex
	inboxes  map[string]*inbox
	topics   map[string]struct{}
	capacity int
}

// NewMemoryTransport creates an in-memory transport. A capacity of zero leaves
// inboxes unbounded.
func NewMemoryTransport(capacity int) *MemoryTransport {
	return &MemoryTransport{
		inboxes:  make(map[string]*inbox),
		topics:   make(map[string]struct{}),
		capacity: capacity,
	}
}

func (t *MemoryTransport) inbox(agentID string, create bool) *inbox {
	t.mu.RLock()
	in, ok := t.inboxes[agentID]
	t.mu.RUnlock()
	if ok || !create {
		return in
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if in, ok = t.inboxes[agentID]; !ok {
		in = &inbox{}
		t.inboxes[agentID] = in
	}
	return in
}

// Deliver appends env to the agent's inbox
func (t *MemoryTransport) Deliver(ctx context.Context, agentID string, env *Envelope) error {
	in := t.inbox(agentID, true)
	in.mu.Lock()
	defer in.mu.Unlock()
	if t.capacity > 0 && len(in.queue) >= t.capacity {
		return ErrInboxFull
	}
	in.queue = append(in.queue, env)
	in.enqueued++
	return nil
}

// Receive removes up to limit envelopes from the head of the agent's inbox.
// A non-positive limit drains everything.
func (t *MemoryTransport) Receive(ctx context.Context, agentID string, limit int) ([]*Envelope, error) {
	in := t.inbox(agentID, false)
	if in == nil {
		return nil, nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	n := len(in.queue)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Envelope, n)
	copy(out, in.queue[:n])
	in.queue = append(in.queue[:0], in.queue[n:]...)
	in.dequeued += int64(n)
	return out, nil
}

// CreateTopic records the topic name
func (t *MemoryTransport) CreateTopic(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topics[name] = struct{}{}
	return nil
}

// DeleteTopic forgets the topic name
func (t *MemoryTransport) DeleteTopic(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.topics, name)
	return nil
}

// Forget discards the agent's inbox
func (t *MemoryTransport) Forget(ctx context.Context, agentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inboxes, agentID)
	return nil
}

// Stats reports the agent inbox counters
func (t *MemoryTransport) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	stats := &QueueStats{Name: queue}
	in := t.inbox(queue, false)
	if in == nil {
		return stats, nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	stats.Depth = int64(len(in.queue))
	stats.Enqueued = in.enqueued
	stats.Dequeued = in.dequeued
	return stats, nil
}

// Close is a no-op
func (t *MemoryTransport) Close() error {
	return nil
}
