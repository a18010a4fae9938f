package state

import (
	"context"
	"sync"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/types"
)

// maxMemoryEvents caps the in-memory event log.
const maxMemoryEvents = 10000

// table holds one entity kind as encoded records, so callers never share
// mutable state with the store.
type table[T any] struct {
	entity string
	mu     sync.RWMutex
	rows   map[string][]byte
}

func newTable[T any](entity string) *table[T] {
	return &table[T]{entity: entity, rows: make(map[string][]byte)}
}

func (t *table[T]) create(id string, v *T) error {
	data, err := encode(t.entity, v)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.rows[id]; exists {
		return alreadyExists(t.entity, id)
	}
	t.rows[id] = data
	return nil
}

func (t *table[T]) get(id string) (*T, error) {
	t.mu.RLock()
	data, exists := t.rows[id]
	t.mu.RUnlock()
	if !exists {
		return nil, cerrors.NotFound(t.entity, id)
	}
	return decode[T](t.entity, data)
}

func (t *table[T]) update(id string, v *T) error {
	data, err := encode(t.entity, v)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.rows[id]; !exists {
		return cerrors.NotFound(t.entity, id)
	}
	t.rows[id] = data
	return nil
}

func (t *table[T]) delete(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.rows[id]; !exists {
		return cerrors.NotFound(t.entity, id)
	}
	delete(t.rows, id)
	return nil
}

func (t *table[T]) list(keep func(*T) bool) ([]*T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*T, 0, len(t.rows))
	for _, data := range t.rows {
		v, err := decode[T](t.entity, data)
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// MemoryStore implements Store interface using in-memory storage
type MemoryStore struct {
	agents      *table[types.Agent]
	messages    *table[types.Message]
	topics      *table[types.Topic]
	definitions *table[types.WorkflowDefinition]
	runs        *table[types.WorkflowRun]
	rules       *table[types.AlertRule]
	alerts      *table[types.Alert]

	eventsMu sync.RWMutex
	events   []*types.Event
}

// NewMemoryStore creates a new memory-based store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      newTable[types.Agent](entityAgent),
		messages:    newTable[types.Message](entityMessage),
		topics:      newTable[types.Topic](entityTopic),
		definitions: newTable[types.WorkflowDefinition](entityDefinition),
		runs:        newTable[types.WorkflowRun](entityRun),
		rules:       newTable[types.AlertRule](entityRule),
		alerts:      newTable[types.Alert](entityAlert),
	}
}

// Initialize initializes the store
func (s *MemoryStore) Initialize(ctx context.Context) error { return nil }

// Close closes the store
func (s *MemoryStore) Close(ctx context.Context) error { return nil }

// HealthCheck performs a health check
func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

func (s *MemoryStore) CreateAgent(ctx context.Context, agent *types.Agent) error {
	return s.agents.create(agent.ID, agent)
}

func (s *MemoryStore) GetAgent(ctx context.Context, agentID string) (*types.Agent, error) {
	return s.agents.get(agentID)
}

func (s *MemoryStore) UpdateAgent(ctx context.Context, agent *types.Agent) error {
	return s.agents.update(agent.ID, agent)
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, agentID string) error {
	return s.agents.delete(agentID)
}

func (s *MemoryStore) ListAgents(ctx context.Context, filter map[string]string) ([]*types.Agent, error) {
	agents, err := s.agents.list(func(a *types.Agent) bool { return matchesFilter(agentFields(a), filter) })
	if err != nil {
		return nil, err
	}
	sortAgents(agents)
	return agents, nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, msg *types.Message) error {
	return s.messages.create(msg.ID, msg)
}

func (s *MemoryStore) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	return s.messages.get(messageID)
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, msg *types.Message) error {
	return s.messages.update(msg.ID, msg)
}

func (s *MemoryStore) ListMessages(ctx context.Context, filter map[string]string) ([]*types.Message, error) {
	msgs, err := s.messages.list(func(m *types.Message) bool { return matchesMessage(m, filter) })
	if err != nil {
		return nil, err
	}
	sortMessages(msgs)
	return msgs, nil
}

func (s *MemoryStore) CreateTopic(ctx context.Context, topic *types.Topic) error {
	return s.topics.create(topic.Name, topic)
}

func (s *MemoryStore) GetTopic(ctx context.Context, name string) (*types.Topic, error) {
	return s.topics.get(name)
}

func (s *MemoryStore) UpdateTopic(ctx context.Context, topic *types.Topic) error {
	return s.topics.update(topic.Name, topic)
}

func (s *MemoryStore) DeleteTopic(ctx context.Context, name string) error {
	return s.topics.delete(name)
}

func (s *MemoryStore) ListTopics(ctx context.Context) ([]*types.Topic, error) {
	topics, err := s.topics.list(nil)
	if err != nil {
		return nil, err
	}
	sortTopics(topics)
	return topics, nil
}

func (s *MemoryStore) CreateDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	return s.definitions.create(def.ID, def)
}

func (s *MemoryStore) GetDefinition(ctx context.Context, definitionID string) (*types.WorkflowDefinition, error) {
	return s.definitions.get(definitionID)
}

func (s *MemoryStore) UpdateDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	return s.definitions.update(def.ID, def)
}

func (s *MemoryStore) ListDefinitions(ctx context.Context, filter map[string]string) ([]*types.WorkflowDefinition, error) {
	defs, err := s.definitions.list(func(d *types.WorkflowDefinition) bool {
		return matchesFilter(definitionFields(d), filter)
	})
	if err != nil {
		return nil, err
	}
	sortDefinitions(defs)
	return defs, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *types.WorkflowRun) error {
	return s.runs.create(run.ID, run)
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.WorkflowRun, error) {
	return s.runs.get(runID)
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *types.WorkflowRun) error {
	return s.runs.update(run.ID, run)
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter map[string]string) ([]*types.WorkflowRun, error) {
	runs, err := s.runs.list(func(r *types.WorkflowRun) bool { return matchesFilter(runFields(r), filter) })
	if err != nil {
		return nil, err
	}
	sortRuns(runs)
	return runs, nil
}

func (s *MemoryStore) CreateRule(ctx context.Context, rule *types.AlertRule) error {
	return s.rules.create(rule.ID, rule)
}

func (s *MemoryStore) GetRule(ctx context.Context, ruleID string) (*types.AlertRule, error) {
	return s.rules.get(ruleID)
}

func (s *MemoryStore) UpdateRule(ctx context.Context, rule *types.AlertRule) error {
	return s.rules.update(rule.ID, rule)
}

func (s *MemoryStore) DeleteRule(ctx context.Context, ruleID string) error {
	return s.rules.delete(ruleID)
}

func (s *MemoryStore) ListRules(ctx context.Context) ([]*types.AlertRule, error) {
	rules, err := s.rules.list(nil)
	if err != nil {
		return nil, err
	}
	sortRules(rules)
	return rules, nil
}

func (s *MemoryStore) CreateAlert(ctx context.Context, alert *types.Alert) error {
	return s.alerts.create(alert.ID, alert)
}

func (s *MemoryStore) GetAlert(ctx context.Context, alertID string) (*types.Alert, error) {
	return s.alerts.get(alertID)
}

func (s *MemoryStore) UpdateAlert(ctx context.Context, alert *types.Alert) error {
	return s.alerts.update(alert.ID, alert)
}

func (s *MemoryStore) ListAlerts(ctx context.Context, filter map[string]string) ([]*types.Alert, error) {
	alerts, err := s.alerts.list(func(a *types.Alert) bool { return matchesFilter(alertFields(a), filter) })
	if err != nil {
		return nil, err
	}
	sortAlerts(alerts)
	return alerts, nil
}

// RecordEvent appends an event, evicting the oldest once the log is full.
func (s *MemoryStore) RecordEvent(ctx context.Context, event *types.Event) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	eventCopy := *event
	s.events = append(s.events, &eventCopy)
	if len(s.events) > maxMemoryEvents {
		s.events = s.events[len(s.events)-maxMemoryEvents:]
	}
	return nil
}

// GetEvents returns matching events, newest first.
func (s *MemoryStore) GetEvents(ctx context.Context, filter map[string]string, limit int) ([]*types.Event, error) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()

	var events []*types.Event
	for _, event := range s.events {
		if matchesFilter(eventFields(event), filter) {
			eventCopy := *event
			events = append(events, &eventCopy)
		}
	}
	return sortEvents(events, limit), nil
}
