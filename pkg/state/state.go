// Package state provides the repository boundary for conductor entities.
//
// Every entity is stored and read whole, keyed by its identifier. Reads after
// a completed write by the same process observe that write. Concurrent
// writers to one entity are serialized by the owning component's per-entity
// locks, so backends only guarantee single-operation atomicity.
package state

import (
	"context"
	"time"

	"github.com/rizome-dev/conductor/pkg/types"
)

// StateManager defines the interface for state management
type StateManager interface {
	// Agents
	CreateAgent(ctx context.Context, agent *types.Agent) error
	GetAgent(ctx context.Context, agentID string) (*types.Agent, error)
	UpdateAgent(ctx context.Context, agent *types.Agent) error
	DeleteAgent(ctx context.Context, agentID string) error
	ListAgents(ctx context.Context, filter map[string]string) ([]*types.Agent, error)

	// Message history
	CreateMessage(ctx context.Context, msg *types.Message) error
	GetMessage(ctx context.Context, messageID string) (*types.Message, error)
	UpdateMessage(ctx context.Context, msg *types.Message) error
	ListMessages(ctx context.Context, filter map[string]string) ([]*types.Message, error)

	// Topics
	CreateTopic(ctx context.Context, topic *types.Topic) error
	GetTopic(ctx context.Context, name string) (*types.Topic, error)
	UpdateTopic(ctx context.Context, topic *types.Topic) error
	DeleteTopic(ctx context.Context, name string) error
	ListTopics(ctx context.Context) ([]*types.Topic, error)

	// Workflow definitions
	CreateDefinition(ctx context.Context, def *types.WorkflowDefinition) error
	GetDefinition(ctx context.Context, definitionID string) (*types.WorkflowDefinition, error)
	UpdateDefinition(ctx context.Context, def *types.WorkflowDefinition) error
	ListDefinitions(ctx context.Context, filter map[string]string) ([]*types.WorkflowDefinition, error)

	// Workflow runs
	CreateRun(ctx context.Context, run *types.WorkflowRun) error
	GetRun(ctx context.Context, runID string) (*types.WorkflowRun, error)
	UpdateRun(ctx context.Context, run *types.WorkflowRun) error
	ListRuns(ctx context.Context, filter map[string]string) ([]*types.WorkflowRun, error)

	// Alert rules
	CreateRule(ctx context.Context, rule *types.AlertRule) error
	GetRule(ctx context.Context, ruleID string) (*types.AlertRule, error)
	UpdateRule(ctx context.Context, rule *types.AlertRule) error
	DeleteRule(ctx context.Context, ruleID string) error
	ListRules(ctx context.Context) ([]*types.AlertRule, error)

	// Alert history
	CreateAlert(ctx context.Context, alert *types.Alert) error
	GetAlert(ctx context.Context, alertID string) (*types.Alert, error)
	UpdateAlert(ctx context.Context, alert *types.Alert) error
	ListAlerts(ctx context.Context, filter map[string]string) ([]*types.Alert, error)

	// Events
	RecordEvent(ctx context.Context, event *types.Event) error
	GetEvents(ctx context.Context, filter map[string]string, limit int) ([]*types.Event, error)
}

// Store defines the backend storage interface
type Store interface {
	StateManager

	// Initialize the store
	Initialize(ctx context.Context) error

	// Close the store
	Close(ctx context.Context) error

	// Health check
	HealthCheck(ctx context.Context) error
}

// Config holds state store configuration
type Config struct {
	Type     string // "memory", "badger", "redis"
	Path     string // Directory for embedded stores
	URL      string // Address for external stores
	Password string
	DB       int
	Prefix   string
	EventTTL time.Duration
}

// New creates the store selected by config.Type.
func New(config Config) (Store, error) {
	switch config.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "badger":
		return NewBadgerStore(BadgerStoreConfig{Path: config.Path, EventTTL: config.EventTTL})
	case "redis":
		return NewRedisStore(RedisStoreConfig{
			Addr:     config.URL,
			Password: config.Password,
			DB:       config.DB,
			Prefix:   config.Prefix,
			EventTTL: config.EventTTL,
		})
	}
	return nil, unknownStoreError(config.Type)
}
