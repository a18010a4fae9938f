package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/logging"
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

func (l *eventLog) kinds() []types.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithLogger(logging.NewNop())}, opts...)
	return New(state.NewMemoryStore(), opts...)
}

func register(t *testing.T, r *Registry, agent *types.Agent) *types.Agent {
	t.Helper()
	a, err := r.Register(context.Background(), agent)
	require.NoError(t, err)
	return a
}

func TestRegisterDefaults(t *testing.T) {
	events := &eventLog{}
	r := newTestRegistry(t, WithEvents(events))

	a := register(t, r, &types.Agent{ID: "a1", Framework: "crewai"})

	assert.Equal(t, types.AgentStatusRegistered, a.Status)
	assert.Equal(t, types.ConcurrencySerial, a.Concurrency)
	assert.Equal(t, "a1", a.Name)
	assert.False(t, a.LastHeartbeat.IsZero())
	assert.Equal(t, []types.EventType{types.EventTypeAgentRegistered}, events.kinds())
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, &types.Agent{ID: "a1"})

	_, err := r.Register(context.Background(), &types.Agent{ID: "a1"})
	assert.True(t, cerrors.Is(err, cerrors.ErrDuplicateAgent))
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, &types.Agent{})
	assert.True(t, cerrors.IsValidation(err))

	_, err = r.Register(ctx, &types.Agent{ID: "a1", Concurrency: "greedy"})
	assert.True(t, cerrors.IsValidation(err))

	_, err = r.Register(ctx, &types.Agent{ID: "a1", MaxConcurrentTasks: -1})
	assert.True(t, cerrors.IsValidation(err))
}

func TestDeregister(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	var removed []string
	r.OnDeregister(func(a *types.Agent) { removed = append(removed, a.ID) })

	err := r.Deregister(ctx, "missing", false)
	assert.True(t, cerrors.IsNotFound(err))

	register(t, r, &types.Agent{ID: "busy"})
	_, err = r.BeginTask(ctx, "busy")
	require.NoError(t, err)

	err = r.Deregister(ctx, "busy", false)
	assert.True(t, cerrors.Is(err, cerrors.ErrAgentBusy))
	a, err := r.Find(ctx, "busy")
	require.NoError(t, err)
	assert.NotNil(t, a, "busy agent must survive a rejected deregister")

	require.NoError(t, r.Deregister(ctx, "busy", true))
	a, err = r.Find(ctx, "busy")
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.Equal(t, []string{"busy"}, removed)
}

func TestUpdateStatusTransitions(t *testing.T) {
	tests := []struct {
		name  string
		path  []types.AgentStatus
		to    types.AgentStatus
		valid bool
	}{
		{"registered to active", nil, types.AgentStatusActive, true},
		{"registered to paused", nil, types.AgentStatusPaused, false},
		{"active to paused", []types.AgentStatus{types.AgentStatusActive}, types.AgentStatusPaused, true},
		{"paused to active", []types.AgentStatus{types.AgentStatusActive, types.AgentStatusPaused}, types.AgentStatusActive, true},
		{"registered to error", nil, types.AgentStatusError, true},
		{"paused to inactive", []types.AgentStatus{types.AgentStatusActive, types.AgentStatusPaused}, types.AgentStatusInactive, true},
		{"error to active", []types.AgentStatus{types.AgentStatusError}, types.AgentStatusActive, true},
		{"error to paused", []types.AgentStatus{types.AgentStatusError}, types.AgentStatusPaused, false},
		{"inactive to paused", []types.AgentStatus{types.AgentStatusInactive}, types.AgentStatusPaused, false},
		{"inactive to registered", []types.AgentStatus{types.AgentStatusInactive}, types.AgentStatusRegistered, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			ctx := context.Background()
			register(t, r, &types.Agent{ID: "a"})
			for _, s := range tt.path {
				_, err := r.UpdateStatus(ctx, "a", s, "")
				require.NoError(t, err)
			}
			before, _ := r.Get(ctx, "a")

			_, err := r.UpdateStatus(ctx, "a", tt.to, "operator")
			if tt.valid {
				require.NoError(t, err)
				after, _ := r.Get(ctx, "a")
				assert.Equal(t, tt.to, after.Status)
				return
			}
			assert.True(t, cerrors.Is(err, cerrors.ErrInvalidTransition))
			after, _ := r.Get(ctx, "a")
			assert.Equal(t, before.Status, after.Status, "rejected transition must leave state unchanged")
		})
	}
}

func TestUpdateStatusSameIsNoop(t *testing.T) {
	var changes []StatusChange
	r := newTestRegistry(t)
	r.OnStatusChange(func(c StatusChange) { changes = append(changes, c) })
	register(t, r, &types.Agent{ID: "a"})

	_, err := r.UpdateStatus(context.Background(), "a", types.AgentStatusRegistered, "")
	require.NoError(t, err)
	assert.Empty(t, changes)

	_, err = r.UpdateStatus(context.Background(), "a", "sleeping", "")
	assert.True(t, cerrors.IsValidation(err))
}

func TestStatusListener(t *testing.T) {
	var changes []StatusChange
	r := newTestRegistry(t)
	r.OnStatusChange(func(c StatusChange) { changes = append(changes, c) })
	register(t, r, &types.Agent{ID: "a"})

	_, err := r.UpdateStatus(context.Background(), "a", types.AgentStatusActive, "manual")
	require.NoError(t, err)

	require.Len(t, changes, 1)
	assert.Equal(t, types.AgentStatusRegistered, changes[0].From)
	assert.Equal(t, types.AgentStatusActive, changes[0].To)
	assert.Equal(t, "manual", changes[0].Reason)
}

func TestHeartbeat(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, &types.Agent{ID: "a"})
	_, err := r.UpdateStatus(ctx, "a", types.AgentStatusInactive, "timeout")
	require.NoError(t, err)

	t1 := time.Now().UTC().Add(time.Minute)
	a, err := r.Heartbeat(ctx, "a", t1)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusActive, a.Status)
	assert.True(t, a.LastHeartbeat.Equal(t1))

	a, err = r.Heartbeat(ctx, "a", t1.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, a.LastHeartbeat.Equal(t1), "older heartbeat must not move the timestamp back")

	_, err = r.Heartbeat(ctx, "missing", t1)
	assert.True(t, cerrors.IsNotFound(err))
}

func TestMarkInactiveIfStale(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, &types.Agent{ID: "a"})

	beat := time.Now().UTC().Add(time.Minute)
	_, err := r.Heartbeat(ctx, "a", beat)
	require.NoError(t, err)

	a, changed, err := r.MarkInactiveIfStale(ctx, "a", beat, "heartbeat timeout")
	require.NoError(t, err)
	assert.False(t, changed, "heartbeat at the cutoff is not stale")
	assert.Equal(t, types.AgentStatusRegistered, a.Status)

	a, changed, err = r.MarkInactiveIfStale(ctx, "a", beat.Add(time.Second), "heartbeat timeout")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.AgentStatusInactive, a.Status)

	_, changed, err = r.MarkInactiveIfStale(ctx, "a", beat.Add(time.Hour), "heartbeat timeout")
	require.NoError(t, err)
	assert.False(t, changed, "already inactive")

	_, _, err = r.MarkInactiveIfStale(ctx, "missing", beat, "heartbeat timeout")
	assert.True(t, cerrors.IsNotFound(err))
}

func TestBeginTaskSerial(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, &types.Agent{ID: "a"})

	a, err := r.BeginTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusActive, a.Status, "first task promotes a registered agent")
	assert.Equal(t, 1, a.RunningTasks)

	_, err = r.BeginTask(ctx, "a")
	assert.True(t, cerrors.Is(err, cerrors.ErrAgentBusy))

	a, err = r.EndTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, a.RunningTasks)

	a, err = r.EndTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, a.RunningTasks, "running count never goes negative")
}

func TestBeginTaskParallel(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, &types.Agent{ID: "p", Concurrency: types.ConcurrencyParallel, MaxConcurrentTasks: 2})
	register(t, r, &types.Agent{ID: "u", Concurrency: types.ConcurrencyParallel})

	for i := 0; i < 2; i++ {
		_, err := r.BeginTask(ctx, "p")
		require.NoError(t, err)
	}
	_, err := r.BeginTask(ctx, "p")
	assert.True(t, cerrors.Is(err, cerrors.ErrAgentBusy))

	for i := 0; i < 10; i++ {
		_, err := r.BeginTask(ctx, "u")
		require.NoError(t, err)
	}
}

func TestBeginTaskUnavailable(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, &types.Agent{ID: "e"})
	register(t, r, &types.Agent{ID: "p"})
	_, err := r.UpdateStatus(ctx, "e", types.AgentStatusError, "")
	require.NoError(t, err)
	_, err = r.UpdateStatus(ctx, "p", types.AgentStatusActive, "")
	require.NoError(t, err)
	_, err = r.UpdateStatus(ctx, "p", types.AgentStatusPaused, "")
	require.NoError(t, err)

	_, err = r.BeginTask(ctx, "e")
	assert.True(t, cerrors.Is(err, cerrors.ErrAgentUnavailable))
	_, err = r.BeginTask(ctx, "p")
	assert.True(t, cerrors.Is(err, cerrors.ErrAgentBusy))
}

func TestConcurrentBeginTaskRespectsLimit(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, &types.Agent{ID: "p", Concurrency: types.ConcurrencyParallel, MaxConcurrentTasks: 3})

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.BeginTask(ctx, "p"); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, accepted)
}

func TestListAndCapabilities(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, &types.Agent{ID: "a", Framework: "autogen", Capabilities: map[string]string{"lang": "go"}})
	register(t, r, &types.Agent{ID: "b", Framework: "crewai", Capabilities: map[string]string{"lang": "python"}})
	register(t, r, &types.Agent{ID: "c", Framework: "crewai", Capabilities: map[string]string{"lang": "go", "gpu": "yes"}})
	_, err := r.UpdateStatus(ctx, "c", types.AgentStatusError, "")
	require.NoError(t, err)

	all, err := r.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	crew, err := r.List(ctx, ListFilter{Framework: "crewai"})
	require.NoError(t, err)
	assert.Len(t, crew, 2)

	goAgents, err := r.List(ctx, ListFilter{Capability: "lang=go"})
	require.NoError(t, err)
	assert.Len(t, goAgents, 2)

	none, err := r.List(ctx, ListFilter{Status: types.AgentStatusPaused})
	require.NoError(t, err)
	assert.Empty(t, none)

	live, err := r.FindByCapability(ctx, "lang", "go")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "a", live[0].ID)

	gpu, err := r.FindByCapability(ctx, "gpu", "")
	require.NoError(t, err)
	assert.Empty(t, gpu, "agents in error are not live")
}

func TestSelectPrefersLeastLoaded(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	for _, id := range []string{"w2", "w1", "w3"} {
		register(t, r, &types.Agent{ID: id, Concurrency: types.ConcurrencyParallel, Capabilities: map[string]string{"role": "writer"}})
	}
	_, err := r.BeginTask(ctx, "w1")
	require.NoError(t, err)

	a, err := r.Select(ctx, types.AgentSelector{Capability: "role", Value: "writer"})
	require.NoError(t, err)
	assert.Equal(t, "w2", a.ID)

	_, err = r.Select(ctx, types.AgentSelector{Capability: "role", Value: "reviewer"})
	assert.True(t, cerrors.Is(err, cerrors.ErrAgentUnavailable))
}

func TestFrameworkSummary(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	register(t, r, &types.Agent{ID: "a", Framework: "autogen"})
	register(t, r, &types.Agent{ID: "b", Framework: "crewai"})
	register(t, r, &types.Agent{ID: "c", Framework: "crewai"})
	_, err := r.UpdateStatus(ctx, "c", types.AgentStatusActive, "")
	require.NoError(t, err)

	s, err := r.FrameworkSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.ByFramework["crewai"])
	assert.Equal(t, 2, s.ByStatus[types.AgentStatusRegistered])
	assert.Equal(t, 1, s.ByStatus[types.AgentStatusActive])
}

func TestRegisterDeregisterProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("register then deregister removes the agent", prop.ForAll(
		func(id string, others int) bool {
			r := New(state.NewMemoryStore(), WithLogger(logging.NewNop()))
			ctx := context.Background()
			for i := 0; i < others; i++ {
				if _, err := r.Register(ctx, &types.Agent{ID: fmt.Sprintf("other-%d", i)}); err != nil {
					return false
				}
			}
			if _, err := r.Register(ctx, &types.Agent{ID: id}); err != nil {
				return false
			}
			if err := r.Deregister(ctx, id, false); err != nil {
				return false
			}
			a, err := r.Find(ctx, id)
			if err != nil || a != nil {
				return false
			}
			all, err := r.List(ctx, ListFilter{})
			return err == nil && len(all) == others
		},
		gen.Identifier(),
		gen.IntRange(0, 5),
	))

	properties.Property("busy agents survive deregister without force", prop.ForAll(
		func(id string) bool {
			r := New(state.NewMemoryStore(), WithLogger(logging.NewNop()))
			ctx := context.Background()
			if _, err := r.Register(ctx, &types.Agent{ID: id}); err != nil {
				return false
			}
			if _, err := r.BeginTask(ctx, id); err != nil {
				return false
			}
			err := r.Deregister(ctx, id, false)
			a, _ := r.Find(ctx, id)
			return cerrors.Is(err, cerrors.ErrAgentBusy) && a != nil
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestTransitionProperty(t *testing.T) {
	statuses := []types.AgentStatus{
		types.AgentStatusRegistered,
		types.AgentStatusActive,
		types.AgentStatusPaused,
		types.AgentStatusError,
		types.AgentStatusInactive,
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("status always follows the transition table", prop.ForAll(
		func(steps []int) bool {
			r := New(state.NewMemoryStore(), WithLogger(logging.NewNop()))
			ctx := context.Background()
			if _, err := r.Register(ctx, &types.Agent{ID: "a"}); err != nil {
				return false
			}
			current := types.AgentStatusRegistered
			for _, s := range steps {
				to := statuses[s]
				_, err := r.UpdateStatus(ctx, "a", to, "")
				switch {
				case to == current:
					if err != nil {
						return false
					}
				case types.CanTransitionAgent(current, to):
					if err != nil {
						return false
					}
					current = to
				default:
					if !cerrors.Is(err, cerrors.ErrInvalidTransition) {
						return false
					}
				}
				a, err := r.Get(ctx, "a")
				if err != nil || a.Status != current {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(statuses)-1)),
	))

	properties.TestingRun(t)
}
