// Package testutil provides shared testing utilities and helpers for conductor
package testutil

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rizome-dev/conductor/pkg/config"
	"github.com/rizome-dev/conductor/pkg/executor"
	"github.com/rizome-dev/conductor/pkg/types"
)

// Step scripts one executor call.
type Step struct {
	Output map[string]interface{}
	Err    error
	Delay  time.Duration

	// Gate, when set, blocks the call until it is closed.
	Gate chan struct{}

	// Hang keeps the call blocked past context cancellation, like an agent
	// that never answers.
	Hang bool
}

// Call records one executor invocation
type Call struct {
	AgentID string
	RunID   string
	NodeID  string
	Attempt int
	At      time.Time
}

// MockExecutor is a scripted executor.Executor. Each node consumes its
// scripted steps in order; the last step repeats. Unscripted nodes succeed
// with Default.
type MockExecutor struct {
	mu      sync.Mutex
	steps   map[string][]Step
	calls   []Call
	running int
	peak    int

	Default Step
}

// NewMockExecutor creates a mock executor
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{steps: make(map[string][]Step)}
}

// Script sets the steps for a node
func (m *MockExecutor) Script(nodeID string, steps ...Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[nodeID] = steps
}

func (m *MockExecutor) next(nodeID string) Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps, ok := m.steps[nodeID]
	if !ok || len(steps) == 0 {
		return m.Default
	}
	s := steps[0]
	if len(steps) > 1 {
		m.steps[nodeID] = steps[1:]
	}
	return s
}

// Execute runs the next scripted step
func (m *MockExecutor) Execute(ctx context.Context, agent *types.Agent, task executor.Task) (*executor.Result, error) {
	step := m.next(task.NodeID)

	m.mu.Lock()
	m.calls = append(m.calls, Call{AgentID: agent.ID, RunID: task.RunID, NodeID: task.NodeID, Attempt: task.Attempt, At: time.Now()})
	m.running++
	if m.running > m.peak {
		m.peak = m.running
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
	}()

	if step.Gate != nil {
		if step.Hang {
			<-step.Gate
		} else {
			select {
			case <-step.Gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if step.Delay > 0 {
		if step.Hang {
			time.Sleep(step.Delay)
		} else {
			timer := time.NewTimer(step.Delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &executor.Result{Output: step.Output}, nil
}

// Calls returns the recorded calls in invocation order
func (m *MockExecutor) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// NodeOrder returns the node ids in invocation order
func (m *MockExecutor) NodeOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	for i, c := range m.calls {
		out[i] = c.NodeID
	}
	return out
}

// CallCount returns how often a node was executed
func (m *MockExecutor) CallCount(nodeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.NodeID == nodeID {
			n++
		}
	}
	return n
}

// Running returns the number of calls in progress
func (m *MockExecutor) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// PeakConcurrency returns the highest number of simultaneous calls seen
func (m *MockExecutor) PeakConcurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// EventRecorder is a sink.Publisher that keeps every event
type EventRecorder struct {
	mu     sync.Mutex
	events []*types.Event
}

// Emit records ev
func (r *EventRecorder) Emit(ev *types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns the recorded events
func (r *EventRecorder) Events() []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Event(nil), r.events...)
}

// Count returns how many events of type t were recorded
func (r *EventRecorder) Count(t types.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// TestConfig creates a test configuration
func TestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.HTTP.Host = "127.0.0.1"
	cfg.Server.HTTP.Port = 0 // Dynamic port
	cfg.Server.GRPC.Enabled = false
	cfg.Server.RateLimit.Enabled = false
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.State.Type = "memory"
	cfg.MessageQueue.Type = "memory"
	cfg.Workflow.DefaultNodeTimeout = 5 * time.Second
	cfg.Alerting.SweepInterval = 0
	cfg.Alerting.RulesFile = ""
	cfg.Sink.LogEvents = false
	cfg.Monitoring.Metrics.Enabled = false // Disabled for testing by default
	cfg.Monitoring.Tracing.Enabled = false
	cfg.Logging.Level = "error"
	return cfg
}

// GetFreePort returns a free port for testing
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration, interval time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			return false
		case <-ticker.C:
			if condition() {
				return true
			}
		}
	}
}

// AssertEventually asserts that a condition becomes true within a timeout
func AssertEventually(condition func() bool, timeout time.Duration, message string) error {
	if WaitForCondition(condition, timeout, 10*time.Millisecond) {
		return nil
	}
	return fmt.Errorf("condition not met within timeout: %s", message)
}

// CreateTestAgent creates an agent fixture
func CreateTestAgent(id, framework string, capabilities map[string]string) *types.Agent {
	return &types.Agent{
		ID:           id,
		Name:         id,
		Framework:    framework,
		Capabilities: capabilities,
	}
}

// CreateLinearWorkflow creates a chain of numNodes agent nodes n1 -> n2 -> ...
// all bound to agentID.
func CreateLinearWorkflow(name string, numNodes int, agentID string) *types.WorkflowDefinition {
	def := &types.WorkflowDefinition{
		Name:        name,
		Description: fmt.Sprintf("Test workflow with %d nodes", numNodes),
	}
	for i := 1; i <= numNodes; i++ {
		id := fmt.Sprintf("n%d", i)
		def.Nodes = append(def.Nodes, types.Node{ID: id, Kind: types.NodeKindAgent, AgentID: agentID})

		// Add dependency to previous node (except for first node)
		if i > 1 {
			def.Edges = append(def.Edges, types.Edge{From: fmt.Sprintf("n%d", i-1), To: id})
		}
	}
	return def
}

// CreateTestMessage creates a direct request message
func CreateTestMessage(from, to, subject string) *types.Message {
	return &types.Message{
		From:    from,
		To:      types.ToAgent(to),
		Kind:    types.MessageKindRequest,
		Subject: subject,
	}
}
