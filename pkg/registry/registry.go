// Package registry tracks the agents known to the coordinator and their lifecycle.
//
// Each operation on one agent runs under that agent's lock, so independent
// agents never contend. Listeners are invoked after the lock is released.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/keylock"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/monitoring"
	"github.com/rizome-dev/conductor/pkg/sink"
	"github.com/rizome-dev/conductor/pkg/state"
	"github.com/rizome-dev/conductor/pkg/types"
)

const entity = "agent"

// StatusChange describes one agent status transition.
type StatusChange struct {
	AgentID string
	Agent   *types.Agent
	From    types.AgentStatus
	To      types.AgentStatus
	Reason  string
	At      time.Time
}

// ListFilter narrows List. Capability is "key" or "key=value".
type ListFilter struct {
	Status     types.AgentStatus
	Framework  string
	Capability string
}

// Summary counts agents per framework and per status.
type Summary struct {
	Total       int                       `json:"total"`
	ByFramework map[string]int            `json:"by_framework"`
	ByStatus    map[types.AgentStatus]int `json:"by_status"`
}

// Registry is the agent registry.
type Registry struct {
	store   state.StateManager
	locks   *keylock.Map
	events  sink.Publisher
	monitor *monitoring.Monitor
	logger  *logging.Logger
	now     func() time.Time

	listenerMu   sync.RWMutex
	onStatus     []func(StatusChange)
	onDeregister []func(*types.Agent)
}

// Option configures a Registry
type Option func(*Registry)

// WithEvents sets the event publisher
func WithEvents(p sink.Publisher) Option {
	return func(r *Registry) { r.events = p }
}

// WithMonitor sets the metrics recorder
func WithMonitor(m *monitoring.Monitor) Option {
	return func(r *Registry) { r.monitor = m }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry backed by store.
func New(store state.StateManager, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		locks: keylock.New(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.GetLogger()
	}
	r.logger = r.logger.WithComponent("registry")
	return r
}

// OnStatusChange registers a listener for every status transition.
func (r *Registry) OnStatusChange(fn func(StatusChange)) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.onStatus = append(r.onStatus, fn)
}

// OnDeregister registers a listener called after an agent is removed.
func (r *Registry) OnDeregister(fn func(*types.Agent)) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.onDeregister = append(r.onDeregister, fn)
}

// Register adds a new agent in status registered.
func (r *Registry) Register(ctx context.Context, agent *types.Agent) (*types.Agent, error) {
	if agent == nil || strings.TrimSpace(agent.ID) == "" {
		return nil, cerrors.Validation(entity, "agent id is required")
	}
	switch agent.Concurrency {
	case "":
		agent.Concurrency = types.ConcurrencySerial
	case types.ConcurrencySerial, types.ConcurrencyParallel:
	default:
		return nil, cerrors.Validation(entity, "unknown concurrency policy %q", agent.Concurrency)
	}
	if agent.MaxConcurrentTasks < 0 {
		return nil, cerrors.Validation(entity, "max_concurrent_tasks must not be negative")
	}

	unlock := r.locks.Lock(agent.ID)
	defer unlock()

	now := r.now()
	agent.Status = types.AgentStatusRegistered
	agent.RunningTasks = 0
	agent.RegisteredAt = now
	agent.UpdatedAt = now
	if agent.LastHeartbeat.IsZero() {
		agent.LastHeartbeat = now
	}
	if agent.Name == "" {
		agent.Name = agent.ID
	}

	if err := r.store.CreateAgent(ctx, agent); err != nil {
		if cerrors.Is(err, cerrors.ErrAlreadyExists) {
			return nil, cerrors.New(cerrors.ErrDuplicateAgent, entity, agent.ID, "")
		}
		return nil, err
	}

	r.monitor.RecordAgentStatus("", string(agent.Status))
	r.emit(types.EventTypeAgentRegistered, agent.ID, "", string(agent.Status), map[string]string{"framework": agent.Framework})
	r.logger.WithField("agent_id", agent.ID).Info("agent registered (framework=%s)", agent.Framework)
	return agent, nil
}

// Deregister removes an agent. A busy agent is only removed when force is set.
func (r *Registry) Deregister(ctx context.Context, id string, force bool) error {
	unlock := r.locks.Lock(id)
	agent, err := r.store.GetAgent(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if agent.RunningTasks > 0 && !force {
		unlock()
		return cerrors.New(cerrors.ErrAgentBusy, entity, id, "%d running tasks", agent.RunningTasks)
	}
	if err := r.store.DeleteAgent(ctx, id); err != nil {
		unlock()
		return err
	}
	unlock()

	r.monitor.RecordAgentStatus(string(agent.Status), "")
	r.monitor.RecordTask(-agent.RunningTasks)
	r.emit(types.EventTypeAgentDeregistered, id, string(agent.Status), "", nil)
	r.logger.WithField("agent_id", id).Info("agent deregistered (force=%t)", force)

	r.listenerMu.RLock()
	listeners := append([]func(*types.Agent){}, r.onDeregister...)
	r.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(agent)
	}
	return nil
}

// UpdateStatus moves an agent to status. Setting the current status is a no-op.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status types.AgentStatus, reason string) (*types.Agent, error) {
	if !status.Valid() {
		return nil, cerrors.Validation(entity, "unknown status %q", status)
	}

	unlock := r.locks.Lock(id)
	agent, err := r.store.GetAgent(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	from := agent.Status
	if from == status {
		unlock()
		return agent, nil
	}
	if !types.CanTransitionAgent(from, status) {
		unlock()
		return nil, cerrors.InvalidTransition(entity, id, from, status)
	}
	agent.Status = status
	agent.UpdatedAt = r.now()
	if err := r.store.UpdateAgent(ctx, agent); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	r.statusChanged(agent, from, reason)
	return agent, nil
}

// MarkInactiveIfStale moves the agent to inactive when its last heartbeat is
// before cutoff, checked under the agent lock. It reports whether the agent
// changed.
func (r *Registry) MarkInactiveIfStale(ctx context.Context, id string, cutoff time.Time, reason string) (*types.Agent, bool, error) {
	unlock := r.locks.Lock(id)
	agent, err := r.store.GetAgent(ctx, id)
	if err != nil {
		unlock()
		return nil, false, err
	}
	from := agent.Status
	if from == types.AgentStatusInactive || !agent.LastHeartbeat.Before(cutoff) {
		unlock()
		return agent, false, nil
	}
	if !types.CanTransitionAgent(from, types.AgentStatusInactive) {
		unlock()
		return nil, false, cerrors.InvalidTransition(entity, id, from, types.AgentStatusInactive)
	}
	agent.Status = types.AgentStatusInactive
	agent.UpdatedAt = r.now()
	if err := r.store.UpdateAgent(ctx, agent); err != nil {
		unlock()
		return nil, false, err
	}
	unlock()

	r.statusChanged(agent, from, reason)
	return agent, true, nil
}

// Heartbeat records liveness. Older timestamps never move the heartbeat back.
// An inactive agent is restored to active.
func (r *Registry) Heartbeat(ctx context.Context, id string, at time.Time) (*types.Agent, error) {
	if at.IsZero() {
		at = r.now()
	}

	unlock := r.locks.Lock(id)
	agent, err := r.store.GetAgent(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if at.After(agent.LastHeartbeat) {
		agent.LastHeartbeat = at
	}
	from := agent.Status
	if from == types.AgentStatusInactive {
		agent.Status = types.AgentStatusActive
	}
	agent.UpdatedAt = r.now()
	if err := r.store.UpdateAgent(ctx, agent); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	r.monitor.RecordHeartbeat()
	if from != agent.Status {
		r.statusChanged(agent, from, "heartbeat")
	}
	return agent, nil
}

// BeginTask reserves a task slot according to the agent's concurrency policy.
// A registered agent becomes active on its first task.
func (r *Registry) BeginTask(ctx context.Context, id string) (*types.Agent, error) {
	unlock := r.locks.Lock(id)
	agent, err := r.store.GetAgent(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	switch agent.Status {
	case types.AgentStatusError, types.AgentStatusInactive:
		unlock()
		return nil, cerrors.New(cerrors.ErrAgentUnavailable, entity, id, "status %s", agent.Status)
	case types.AgentStatusPaused:
		unlock()
		return nil, cerrors.New(cerrors.ErrAgentBusy, entity, id, "paused")
	}
	if !agent.HasCapacity() {
		unlock()
		return nil, cerrors.New(cerrors.ErrAgentBusy, entity, id, "%d running tasks", agent.RunningTasks)
	}
	from := agent.Status
	agent.RunningTasks++
	if from == types.AgentStatusRegistered {
		agent.Status = types.AgentStatusActive
	}
	agent.UpdatedAt = r.now()
	if err := r.store.UpdateAgent(ctx, agent); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	r.monitor.RecordTask(1)
	if from != agent.Status {
		r.statusChanged(agent, from, "task started")
	}
	return agent, nil
}

// EndTask releases a task slot taken by BeginTask.
func (r *Registry) EndTask(ctx context.Context, id string) (*types.Agent, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	agent, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent.RunningTasks == 0 {
		return agent, nil
	}
	agent.RunningTasks--
	agent.UpdatedAt = r.now()
	if err := r.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	r.monitor.RecordTask(-1)
	return agent, nil
}

// Get returns an agent or a NotFound error.
func (r *Registry) Get(ctx context.Context, id string) (*types.Agent, error) {
	return r.store.GetAgent(ctx, id)
}

// Find returns an agent, or nil when it is not registered.
func (r *Registry) Find(ctx context.Context, id string) (*types.Agent, error) {
	agent, err := r.store.GetAgent(ctx, id)
	if cerrors.IsNotFound(err) {
		return nil, nil
	}
	return agent, err
}

// List returns the agents matching filter ordered by id.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]*types.Agent, error) {
	agents, err := r.store.ListAgents(ctx, map[string]string{
		"status":    string(filter.Status),
		"framework": filter.Framework,
	})
	if err != nil {
		return nil, err
	}
	if filter.Capability == "" {
		return agents, nil
	}
	key, value, _ := strings.Cut(filter.Capability, "=")
	out := agents[:0]
	for _, a := range agents {
		if a.HasCapability(key, value) {
			out = append(out, a)
		}
	}
	return out, nil
}

// FindByCapability returns live agents carrying the capability.
func (r *Registry) FindByCapability(ctx context.Context, key, value string) ([]*types.Agent, error) {
	agents, err := r.store.ListAgents(ctx, nil)
	if err != nil {
		return nil, err
	}
	var out []*types.Agent
	for _, a := range agents {
		if a.IsLive() && a.HasCapability(key, value) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Select picks the schedulable agent matching sel with the fewest running
// tasks, ties broken by id. Paused agents are not candidates.
func (r *Registry) Select(ctx context.Context, sel types.AgentSelector) (*types.Agent, error) {
	agents, err := r.FindByCapability(ctx, sel.Capability, sel.Value)
	if err != nil {
		return nil, err
	}
	var candidates []*types.Agent
	for _, a := range agents {
		if a.Status != types.AgentStatusPaused {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, cerrors.New(cerrors.ErrAgentUnavailable, entity, "", "no agent with capability %s", describeSelector(sel))
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].RunningTasks != candidates[j].RunningTasks {
			return candidates[i].RunningTasks < candidates[j].RunningTasks
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], nil
}

// FrameworkSummary counts agents per framework and status.
func (r *Registry) FrameworkSummary(ctx context.Context) (*Summary, error) {
	agents, err := r.store.ListAgents(ctx, nil)
	if err != nil {
		return nil, err
	}
	s := &Summary{
		ByFramework: make(map[string]int),
		ByStatus:    make(map[types.AgentStatus]int),
	}
	for _, a := range agents {
		s.Total++
		s.ByFramework[a.Framework]++
		s.ByStatus[a.Status]++
	}
	return s, nil
}

func (r *Registry) statusChanged(agent *types.Agent, from types.AgentStatus, reason string) {
	change := StatusChange{
		AgentID: agent.ID,
		Agent:   agent,
		From:    from,
		To:      agent.Status,
		Reason:  reason,
		At:      agent.UpdatedAt,
	}

	r.monitor.RecordAgentStatus(string(from), string(agent.Status))
	var detail map[string]string
	if reason != "" {
		detail = map[string]string{"reason": reason}
	}
	r.emit(types.EventTypeAgentStatusChanged, agent.ID, string(from), string(agent.Status), detail)
	r.logger.WithField("agent_id", agent.ID).Info("agent status %s -> %s", from, agent.Status)

	r.listenerMu.RLock()
	listeners := append([]func(StatusChange){}, r.onStatus...)
	r.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}
}

func (r *Registry) emit(t types.EventType, id, from, to string, detail map[string]string) {
	if r.events == nil {
		return
	}
	r.events.Emit(&types.Event{
		Type:          t,
		EntityKind:    types.EntityAgent,
		EntityID:      id,
		PreviousState: from,
		NewState:      to,
		Timestamp:     r.now(),
		Detail:        detail,
	})
}

func describeSelector(sel types.AgentSelector) string {
	if sel.Value == "" {
		return sel.Capability
	}
	return sel.Capability + "=" + sel.Value
}
