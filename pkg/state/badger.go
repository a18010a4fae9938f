package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/types"
)

// Key prefixes for different data types
const (
	agentPrefix      = "agent:"
	messagePrefix    = "message:"
	topicPrefix      = "topic:"
	definitionPrefix = "definition:"
	runPrefix        = "run:"
	rulePrefix       = "rule:"
	alertPrefix      = "alert:"
	eventPrefix      = "event:"
)

// BadgerStore implements Store interface using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	path     string
	eventTTL time.Duration
	logger   *logging.Logger
	mu       sync.RWMutex
	closed   bool
	stopGC   chan struct{}
}

// BadgerStoreConfig holds BadgerDB-specific configuration
type BadgerStoreConfig struct {
	Path       string
	EventTTL   time.Duration
	GCInterval time.Duration
	InMemory   bool
}

// NewBadgerStore creates a new BadgerDB-based store
func NewBadgerStore(config BadgerStoreConfig) (*BadgerStore, error) {
	if config.Path == "" && !config.InMemory {
		return nil, fmt.Errorf("path is required for BadgerDB store")
	}
	if config.EventTTL == 0 {
		config.EventTTL = defaultEventTTL
	}
	if config.GCInterval == 0 {
		config.GCInterval = 5 * time.Minute
	}

	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	store := &BadgerStore{
		db:       db,
		path:     config.Path,
		eventTTL: config.EventTTL,
		logger:   logging.GetLogger().WithComponent("badger-store"),
		stopGC:   make(chan struct{}),
	}
	if !config.InMemory {
		go store.runGC(config.GCInterval)
	}
	return store, nil
}

// Initialize initializes the store
func (s *BadgerStore) Initialize(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	return nil
}

// Close closes the store
func (s *BadgerStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopGC)
	return s.db.Close()
}

// HealthCheck performs a health check
func (s *BadgerStore) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("health"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// runGC reclaims value log space until the store is closed.
func (s *BadgerStore) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			s.mu.RLock()
			if s.closed {
				s.mu.RUnlock()
				return
			}
			err := s.db.RunValueLogGC(0.7)
			s.mu.RUnlock()
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.WithError(err).Warn("BadgerDB GC failed")
			}
		}
	}
}

func (s *BadgerStore) view(fn func(txn *badger.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	return s.db.View(fn)
}

func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	return s.db.Update(fn)
}

func badgerCreate[T any](s *BadgerStore, prefix, entity, id string, v *T) error {
	data, err := encode(entity, v)
	if err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		key := []byte(prefix + id)
		_, err := txn.Get(key)
		if err == nil {
			return alreadyExists(entity, id)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to check %s existence: %w", entity, err)
		}
		return txn.Set(key, data)
	})
}

func badgerGet[T any](s *BadgerStore, prefix, entity, id string) (*T, error) {
	var out *T
	err := s.view(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return cerrors.NotFound(entity, id)
		}
		if err != nil {
			return fmt.Errorf("failed to get %s: %w", entity, err)
		}
		return item.Value(func(val []byte) error {
			out, err = decode[T](entity, val)
			return err
		})
	})
	return out, err
}

func badgerUpdate[T any](s *BadgerStore, prefix, entity, id string, v *T) error {
	data, err := encode(entity, v)
	if err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		key := []byte(prefix + id)
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return cerrors.NotFound(entity, id)
		}
		if err != nil {
			return fmt.Errorf("failed to check %s existence: %w", entity, err)
		}
		return txn.Set(key, data)
	})
}

func badgerDelete(s *BadgerStore, prefix, entity, id string) error {
	return s.update(func(txn *badger.Txn) error {
		key := []byte(prefix + id)
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return cerrors.NotFound(entity, id)
		}
		if err != nil {
			return fmt.Errorf("failed to get %s: %w", entity, err)
		}
		return txn.Delete(key)
	})
}

func badgerList[T any](s *BadgerStore, prefix, entity string, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				v, err := decode[T](entity, val)
				if err != nil {
					return err
				}
				if keep == nil || keep(v) {
					out = append(out, v)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) CreateAgent(ctx context.Context, agent *types.Agent) error {
	return badgerCreate(s, agentPrefix, entityAgent, agent.ID, agent)
}

func (s *BadgerStore) GetAgent(ctx context.Context, agentID string) (*types.Agent, error) {
	return badgerGet[types.Agent](s, agentPrefix, entityAgent, agentID)
}

func (s *BadgerStore) UpdateAgent(ctx context.Context, agent *types.Agent) error {
	return badgerUpdate(s, agentPrefix, entityAgent, agent.ID, agent)
}

func (s *BadgerStore) DeleteAgent(ctx context.Context, agentID string) error {
	return badgerDelete(s, agentPrefix, entityAgent, agentID)
}

func (s *BadgerStore) ListAgents(ctx context.Context, filter map[string]string) ([]*types.Agent, error) {
	agents, err := badgerList(s, agentPrefix, entityAgent, func(a *types.Agent) bool {
		return matchesFilter(agentFields(a), filter)
	})
	sortAgents(agents)
	return agents, err
}

func (s *BadgerStore) CreateMessage(ctx context.Context, msg *types.Message) error {
	return badgerCreate(s, messagePrefix, entityMessage, msg.ID, msg)
}

func (s *BadgerStore) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	return badgerGet[types.Message](s, messagePrefix, entityMessage, messageID)
}

func (s *BadgerStore) UpdateMessage(ctx context.Context, msg *types.Message) error {
	return badgerUpdate(s, messagePrefix, entityMessage, msg.ID, msg)
}

func (s *BadgerStore) ListMessages(ctx context.Context, filter map[string]string) ([]*types.Message, error) {
	msgs, err := badgerList(s, messagePrefix, entityMessage, func(m *types.Message) bool {
		return matchesMessage(m, filter)
	})
	sortMessages(msgs)
	return msgs, err
}

func (s *BadgerStore) CreateTopic(ctx context.Context, topic *types.Topic) error {
	return badgerCreate(s, topicPrefix, entityTopic, topic.Name, topic)
}

func (s *BadgerStore) GetTopic(ctx context.Context, name string) (*types.Topic, error) {
	return badgerGet[types.Topic](s, topicPrefix, entityTopic, name)
}

func (s *BadgerStore) UpdateTopic(ctx context.Context, topic *types.Topic) error {
	return badgerUpdate(s, topicPrefix, entityTopic, topic.Name, topic)
}

func (s *BadgerStore) DeleteTopic(ctx context.Context, name string) error {
	return badgerDelete(s, topicPrefix, entityTopic, name)
}

func (s *BadgerStore) ListTopics(ctx context.Context) ([]*types.Topic, error) {
	topics, err := badgerList[types.Topic](s, topicPrefix, entityTopic, nil)
	sortTopics(topics)
	return topics, err
}

func (s *BadgerStore) CreateDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	return badgerCreate(s, definitionPrefix, entityDefinition, def.ID, def)
}

func (s *BadgerStore) GetDefinition(ctx context.Context, definitionID string) (*types.WorkflowDefinition, error) {
	return badgerGet[types.WorkflowDefinition](s, definitionPrefix, entityDefinition, definitionID)
}

func (s *BadgerStore) UpdateDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	return badgerUpdate(s, definitionPrefix, entityDefinition, def.ID, def)
}

func (s *BadgerStore) ListDefinitions(ctx context.Context, filter map[string]string) ([]*types.WorkflowDefinition, error) {
	defs, err := badgerList(s, definitionPrefix, entityDefinition, func(d *types.WorkflowDefinition) bool {
		return matchesFilter(definitionFields(d), filter)
	})
	sortDefinitions(defs)
	return defs, err
}

func (s *BadgerStore) CreateRun(ctx context.Context, run *types.WorkflowRun) error {
	return badgerCreate(s, runPrefix, entityRun, run.ID, run)
}

func (s *BadgerStore) GetRun(ctx context.Context, runID string) (*types.WorkflowRun, error) {
	return badgerGet[types.WorkflowRun](s, runPrefix, entityRun, runID)
}

func (s *BadgerStore) UpdateRun(ctx context.Context, run *types.WorkflowRun) error {
	return badgerUpdate(s, runPrefix, entityRun, run.ID, run)
}

func (s *BadgerStore) ListRuns(ctx context.Context, filter map[string]string) ([]*types.WorkflowRun, error) {
	runs, err := badgerList(s, runPrefix, entityRun, func(r *types.WorkflowRun) bool {
		return matchesFilter(runFields(r), filter)
	})
	sortRuns(runs)
	return runs, err
}

func (s *BadgerStore) CreateRule(ctx context.Context, rule *types.AlertRule) error {
	return badgerCreate(s, rulePrefix, entityRule, rule.ID, rule)
}

func (s *BadgerStore) GetRule(ctx context.Context, ruleID string) (*types.AlertRule, error) {
	return badgerGet[types.AlertRule](s, rulePrefix, entityRule, ruleID)
}

func (s *BadgerStore) UpdateRule(ctx context.Context, rule *types.AlertRule) error {
	return badgerUpdate(s, rulePrefix, entityRule, rule.ID, rule)
}

func (s *BadgerStore) DeleteRule(ctx context.Context, ruleID string) error {
	return badgerDelete(s, rulePrefix, entityRule, ruleID)
}

func (s *BadgerStore) ListRules(ctx context.Context) ([]*types.AlertRule, error) {
	rules, err := badgerList[types.AlertRule](s, rulePrefix, entityRule, nil)
	sortRules(rules)
	return rules, err
}

func (s *BadgerStore) CreateAlert(ctx context.Context, alert *types.Alert) error {
	return badgerCreate(s, alertPrefix, entityAlert, alert.ID, alert)
}

func (s *BadgerStore) GetAlert(ctx context.Context, alertID string) (*types.Alert, error) {
	return badgerGet[types.Alert](s, alertPrefix, entityAlert, alertID)
}

func (s *BadgerStore) UpdateAlert(ctx context.Context, alert *types.Alert) error {
	return badgerUpdate(s, alertPrefix, entityAlert, alert.ID, alert)
}

func (s *BadgerStore) ListAlerts(ctx context.Context, filter map[string]string) ([]*types.Alert, error) {
	alerts, err := badgerList(s, alertPrefix, entityAlert, func(a *types.Alert) bool {
		return matchesFilter(alertFields(a), filter)
	})
	sortAlerts(alerts)
	return alerts, err
}

// RecordEvent stores an event keyed by timestamp so iteration follows time order.
// Events expire after the configured TTL.
func (s *BadgerStore) RecordEvent(ctx context.Context, event *types.Event) error {
	data, err := encode(entityEvent, event)
	if err != nil {
		return err
	}
	key := []byte(fmt.Sprintf("%s%020d:%s", eventPrefix, event.Timestamp.UnixNano(), event.ID))
	return s.update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, data).WithTTL(s.eventTTL))
	})
}

// GetEvents returns matching events, newest first.
func (s *BadgerStore) GetEvents(ctx context.Context, filter map[string]string, limit int) ([]*types.Event, error) {
	var events []*types.Event
	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(eventPrefix)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek past the last key with the prefix.
		for it.Seek([]byte(eventPrefix + "\xff")); it.Valid(); it.Next() {
			if limit > 0 && len(events) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				event, err := decode[types.Event](entityEvent, val)
				if err != nil {
					return err
				}
				if matchesFilter(eventFields(event), filter) {
					events = append(events, event)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return events, err
}
