// Package executor defines the capability the workflow engine uses to run a
// task on an agent, and an HTTP implementation that forwards tasks to an
// endpoint advertised by the agent itself.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/types"
)

// EndpointCapability is the capability key holding an agent's task endpoint.
const EndpointCapability = "endpoint"

// Task is the payload handed to an agent.
type Task struct {
	RunID     string                 `json:"run_id"`
	NodeID    string                 `json:"node_id"`
	Attempt   int                    `json:"attempt"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// Result is what an agent returns for a task.
type Result struct {
	Output map[string]interface{} `json:"output,omitempty"`
}

// Executor runs a task on an agent. Implementations must honour ctx
// cancellation where they can; callers do not rely on it.
type Executor interface {
	Execute(ctx context.Context, agent *types.Agent, task Task) (*Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, agent *types.Agent, task Task) (*Result, error)

// Execute calls f
func (f Func) Execute(ctx context.Context, agent *types.Agent, task Task) (*Result, error) {
	return f(ctx, agent, task)
}

// HTTPExecutor POSTs the task as JSON to the agent's endpoint capability.
type HTTPExecutor struct {
	client  *http.Client
	headers map[string]string
}

// HTTPOption configures an HTTPExecutor
type HTTPOption func(*HTTPExecutor)

// WithHTTPClient sets the HTTP client
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(e *HTTPExecutor) { e.client = c }
}

// WithHeader adds a header to every request
func WithHeader(key, value string) HTTPOption {
	return func(e *HTTPExecutor) { e.headers[key] = value }
}

// NewHTTPExecutor creates an HTTP executor
func NewHTTPExecutor(opts ...HTTPOption) *HTTPExecutor {
	e := &HTTPExecutor{
		client:  &http.Client{Timeout: 5 * time.Minute},
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type taskRequest struct {
	AgentID   string `json:"agent_id"`
	Framework string `json:"framework,omitempty"`
	Task
}

type taskResponse struct {
	Output map[string]interface{} `json:"output,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Execute sends the task and decodes the agent's response. A non-2xx status
// or a non-empty error field is a task failure.
func (e *HTTPExecutor) Execute(ctx context.Context, agent *types.Agent, task Task) (*Result, error) {
	endpoint := agent.Capabilities[EndpointCapability]
	if endpoint == "" {
		return nil, cerrors.New(cerrors.ErrAgentUnavailable, "agent", agent.ID, "no %s capability", EndpointCapability)
	}

	body, err := json.Marshal(taskRequest{AgentID: agent.ID, Framework: agent.Framework, Task: task})
	if err != nil {
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent %s request failed: %w", agent.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}
	var out taskResponse
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("failed to decode agent response: %w", err)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("agent %s returned %d: %s", agent.ID, resp.StatusCode, msg)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("agent %s: %s", agent.ID, out.Error)
	}
	return &Result{Output: out.Output}, nil
}
