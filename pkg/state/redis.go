package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/types"
)

// maxRedisEvents caps the event list kept in Redis.
const maxRedisEvents = 10000

// RedisStoreConfig holds Redis connection settings.
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	EventTTL time.Duration
}

// RedisStore implements Store on Redis so several coordinator processes can
// share state. Each entity is a JSON string under "<prefix>:<entity>:<id>"
// with an id set "<prefix>:<entity>:ids" for listing.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	eventTTL time.Duration
	mu       sync.RWMutex
	closed   bool
}

// NewRedisStore creates a Redis-backed store. The connection is verified by Initialize.
func NewRedisStore(config RedisStoreConfig) (*RedisStore, error) {
	if config.Addr == "" {
		return nil, fmt.Errorf("address is required for Redis store")
	}
	if config.Prefix == "" {
		config.Prefix = "conductor"
	}
	if config.EventTTL == 0 {
		config.EventTTL = defaultEventTTL
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		}),
		prefix:   config.Prefix,
		eventTTL: config.EventTTL,
	}, nil
}

// Initialize verifies the connection.
func (s *RedisStore) Initialize(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

// Close closes the connection.
func (s *RedisStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis connection: %w", err)
	}
	return nil
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(entity, id string) string {
	return s.prefix + ":" + entity + ":" + id
}

func (s *RedisStore) idsKey(entity string) string {
	return s.prefix + ":" + entity + ":ids"
}

func redisCreate[T any](ctx context.Context, s *RedisStore, entity, id string, v *T) error {
	data, err := encode(entity, v)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key(entity, id), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", entity, err)
	}
	if !ok {
		return alreadyExists(entity, id)
	}
	if err := s.client.SAdd(ctx, s.idsKey(entity), id).Err(); err != nil {
		return fmt.Errorf("failed to index %s: %w", entity, err)
	}
	return nil
}

func redisGet[T any](ctx context.Context, s *RedisStore, entity, id string) (*T, error) {
	data, err := s.client.Get(ctx, s.key(entity, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cerrors.NotFound(entity, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", entity, err)
	}
	return decode[T](entity, data)
}

func redisUpdate[T any](ctx context.Context, s *RedisStore, entity, id string, v *T) error {
	data, err := encode(entity, v)
	if err != nil {
		return err
	}
	ok, err := s.client.SetXX(ctx, s.key(entity, id), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", entity, err)
	}
	if !ok {
		return cerrors.NotFound(entity, id)
	}
	return nil
}

func redisDelete(ctx context.Context, s *RedisStore, entity, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.key(entity, id))
	pipe.SRem(ctx, s.idsKey(entity), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete %s: %w", entity, err)
	}
	if del.Val() == 0 {
		return cerrors.NotFound(entity, id)
	}
	return nil
}

func redisList[T any](ctx context.Context, s *RedisStore, entity string, keep func(*T) bool) ([]*T, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey(entity)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s ids: %w", entity, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(entity, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s records: %w", entity, err)
	}

	out := make([]*T, 0, len(values))
	for _, raw := range values {
		str, ok := raw.(string)
		if !ok {
			// Removed between SMEMBERS and MGET.
			continue
		}
		v, err := decode[T](entity, []byte(str))
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *RedisStore) CreateAgent(ctx context.Context, agent *types.Agent) error {
	return redisCreate(ctx, s, entityAgent, agent.ID, agent)
}

func (s *RedisStore) GetAgent(ctx context.Context, agentID string) (*types.Agent, error) {
	return redisGet[types.Agent](ctx, s, entityAgent, agentID)
}

func (s *RedisStore) UpdateAgent(ctx context.Context, agent *types.Agent) error {
	return redisUpdate(ctx, s, entityAgent, agent.ID, agent)
}

func (s *RedisStore) DeleteAgent(ctx context.Context, agentID string) error {
	return redisDelete(ctx, s, entityAgent, agentID)
}

func (s *RedisStore) ListAgents(ctx context.Context, filter map[string]string) ([]*types.Agent, error) {
	agents, err := redisList(ctx, s, entityAgent, func(a *types.Agent) bool {
		return matchesFilter(agentFields(a), filter)
	})
	sortAgents(agents)
	return agents, err
}

func (s *RedisStore) CreateMessage(ctx context.Context, msg *types.Message) error {
	return redisCreate(ctx, s, entityMessage, msg.ID, msg)
}

func (s *RedisStore) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	return redisGet[types.Message](ctx, s, entityMessage, messageID)
}

func (s *RedisStore) UpdateMessage(ctx context.Context, msg *types.Message) error {
	return redisUpdate(ctx, s, entityMessage, msg.ID, msg)
}

func (s *RedisStore) ListMessages(ctx context.Context, filter map[string]string) ([]*types.Message, error) {
	msgs, err := redisList(ctx, s, entityMessage, func(m *types.Message) bool {
		return matchesMessage(m, filter)
	})
	sortMessages(msgs)
	return msgs, err
}

func (s *RedisStore) CreateTopic(ctx context.Context, topic *types.Topic) error {
	return redisCreate(ctx, s, entityTopic, topic.Name, topic)
}

func (s *RedisStore) GetTopic(ctx context.Context, name string) (*types.Topic, error) {
	return redisGet[types.Topic](ctx, s, entityTopic, name)
}

func (s *RedisStore) UpdateTopic(ctx context.Context, topic *types.Topic) error {
	return redisUpdate(ctx, s, entityTopic, topic.Name, topic)
}

func (s *RedisStore) DeleteTopic(ctx context.Context, name string) error {
	return redisDelete(ctx, s, entityTopic, name)
}

func (s *RedisStore) ListTopics(ctx context.Context) ([]*types.Topic, error) {
	topics, err := redisList[types.Topic](ctx, s, entityTopic, nil)
	sortTopics(topics)
	return topics, err
}

func (s *RedisStore) CreateDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	return redisCreate(ctx, s, entityDefinition, def.ID, def)
}

func (s *RedisStore) GetDefinition(ctx context.Context, definitionID string) (*types.WorkflowDefinition, error) {
	return redisGet[types.WorkflowDefinition](ctx, s, entityDefinition, definitionID)
}

func (s *RedisStore) UpdateDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	return redisUpdate(ctx, s, entityDefinition, def.ID, def)
}

func (s *RedisStore) ListDefinitions(ctx context.Context, filter map[string]string) ([]*types.WorkflowDefinition, error) {
	defs, err := redisList(ctx, s, entityDefinition, func(d *types.WorkflowDefinition) bool {
		return matchesFilter(definitionFields(d), filter)
	})
	sortDefinitions(defs)
	return defs, err
}

func (s *RedisStore) CreateRun(ctx context.Context, run *types.WorkflowRun) error {
	return redisCreate(ctx, s, entityRun, run.ID, run)
}

func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.WorkflowRun, error) {
	return redisGet[types.WorkflowRun](ctx, s, entityRun, runID)
}

func (s *RedisStore) UpdateRun(ctx context.Context, run *types.WorkflowRun) error {
	return redisUpdate(ctx, s, entityRun, run.ID, run)
}

func (s *RedisStore) ListRuns(ctx context.Context, filter map[string]string) ([]*types.WorkflowRun, error) {
	runs, err := redisList(ctx, s, entityRun, func(r *types.WorkflowRun) bool {
		return matchesFilter(runFields(r), filter)
	})
	sortRuns(runs)
	return runs, err
}

func (s *RedisStore) CreateRule(ctx context.Context, rule *types.AlertRule) error {
	return redisCreate(ctx, s, entityRule, rule.ID, rule)
}

func (s *RedisStore) GetRule(ctx context.Context, ruleID string) (*types.AlertRule, error) {
	return redisGet[types.AlertRule](ctx, s, entityRule, ruleID)
}

func (s *RedisStore) UpdateRule(ctx context.Context, rule *types.AlertRule) error {
	return redisUpdate(ctx, s, entityRule, rule.ID, rule)
}

func (s *RedisStore) DeleteRule(ctx context.Context, ruleID string) error {
	return redisDelete(ctx, s, entityRule, ruleID)
}

func (s *RedisStore) ListRules(ctx context.Context) ([]*types.AlertRule, error) {
	rules, err := redisList[types.AlertRule](ctx, s, entityRule, nil)
	sortRules(rules)
	return rules, err
}

func (s *RedisStore) CreateAlert(ctx context.Context, alert *types.Alert) error {
	return redisCreate(ctx, s, entityAlert, alert.ID, alert)
}

func (s *RedisStore) GetAlert(ctx context.Context, alertID string) (*types.Alert, error) {
	return redisGet[types.Alert](ctx, s, entityAlert, alertID)
}

func (s *RedisStore) UpdateAlert(ctx context.Context, alert *types.Alert) error {
	return redisUpdate(ctx, s, entityAlert, alert.ID, alert)
}

func (s *RedisStore) ListAlerts(ctx context.Context, filter map[string]string) ([]*types.Alert, error) {
	alerts, err := redisList(ctx, s, entityAlert, func(a *types.Alert) bool {
		return matchesFilter(alertFields(a), filter)
	})
	sortAlerts(alerts)
	return alerts, err
}

// RecordEvent pushes the event onto a capped list that expires with the TTL.
func (s *RedisStore) RecordEvent(ctx context.Context, event *types.Event) error {
	data, err := encode(entityEvent, event)
	if err != nil {
		return err
	}
	key := s.key(entityEvent, "log")
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, maxRedisEvents-1)
	pipe.Expire(ctx, key, s.eventTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// GetEvents returns matching events, newest first.
func (s *RedisStore) GetEvents(ctx context.Context, filter map[string]string, limit int) ([]*types.Event, error) {
	raw, err := s.client.LRange(ctx, s.key(entityEvent, "log"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	var events []*types.Event
	for _, item := range raw {
		event, err := decode[types.Event](entityEvent, []byte(item))
		if err != nil {
			return nil, err
		}
		if matchesFilter(eventFields(event), filter) {
			events = append(events, event)
		}
	}
	return sortEvents(events, limit), nil
}
