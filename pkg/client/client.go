// Package client is a typed HTTP client for the conductor API
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rizome-dev/conductor/pkg/alerting"
	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/types"
)

// DefaultBaseURL is used when no base URL is configured
const DefaultBaseURL = "http://localhost:8080"

// Client talks to a conductor server
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option defines a function for configuring the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithBaseURL sets the base URL for API requests
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// New creates a new client instance
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    DefaultBaseURL,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// do sends body as JSON and decodes the response into out. Non-2xx
// responses come back as *cerrors.APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &cerrors.APIError{Code: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		apiErr.Code = resp.StatusCode
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Health returns the server's aggregate health status ("healthy" or
// "unhealthy"). An unhealthy server is not an error.
func (c *Client) Health(ctx context.Context) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out)
	var apiErr *cerrors.APIError
	if cerrors.As(err, &apiErr) && apiErr.Code == http.StatusServiceUnavailable {
		return "unhealthy", nil
	}
	return out.Status, err
}

// Agents

// AgentFilter narrows ListAgents
type AgentFilter struct {
	Status     types.AgentStatus
	Framework  string
	Capability string
}

func (f AgentFilter) values() url.Values {
	q := url.Values{}
	setIf(q, "status", string(f.Status))
	setIf(q, "framework", f.Framework)
	setIf(q, "capability", f.Capability)
	return q
}

// RegisterAgent registers an agent
func (c *Client) RegisterAgent(ctx context.Context, agent *types.Agent) (*types.Agent, error) {
	var out types.Agent
	if err := c.do(ctx, http.MethodPost, "/v1/agents", nil, agent, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAgent fetches one agent
func (c *Client) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	var out types.Agent
	if err := c.do(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAgents lists agents
func (c *Client) ListAgents(ctx context.Context, filter AgentFilter) ([]*types.Agent, error) {
	var out struct {
		Agents []*types.Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/agents", filter.values(), nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// DeregisterAgent removes an agent
func (c *Client) DeregisterAgent(ctx context.Context, id string, force bool) error {
	q := url.Values{}
	if force {
		q.Set("force", "true")
	}
	return c.do(ctx, http.MethodDelete, "/v1/agents/"+url.PathEscape(id), q, nil, nil)
}

// UpdateAgentStatus moves an agent to a new status
func (c *Client) UpdateAgentStatus(ctx context.Context, id string, status types.AgentStatus, reason string) (*types.Agent, error) {
	var out types.Agent
	body := map[string]interface{}{"status": status, "reason": reason}
	if err := c.do(ctx, http.MethodPut, "/v1/agents/"+url.PathEscape(id)+"/status", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat reports an agent alive now
func (c *Client) Heartbeat(ctx context.Context, id string) (*types.Agent, error) {
	var out types.Agent
	if err := c.do(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(id)+"/heartbeat", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Receive drains up to limit messages from an agent's inbox
func (c *Client) Receive(ctx context.Context, agentID string, limit int) ([]*types.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var out struct {
		Messages []*types.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(agentID)+"/inbox", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Messages

// Send sends a message
func (c *Client) Send(ctx context.Context, msg *types.Message) (*types.Message, error) {
	var out types.Message
	if err := c.do(ctx, http.MethodPost, "/v1/messages", nil, msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcknowledgeMessage acknowledges a delivered message on behalf of agentID
func (c *Client) AcknowledgeMessage(ctx context.Context, messageID, agentID string) (*types.Message, error) {
	var out types.Message
	body := map[string]string{"agent_id": agentID}
	if err := c.do(ctx, http.MethodPost, "/v1/messages/"+url.PathEscape(messageID)+"/ack", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTopic creates a topic
func (c *Client) CreateTopic(ctx context.Context, name, description string) (*types.Topic, error) {
	var out types.Topic
	body := map[string]string{"name": name, "description": description}
	if err := c.do(ctx, http.MethodPost, "/v1/topics", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscribe adds an agent to a topic
func (c *Client) Subscribe(ctx context.Context, topic, agentID string) (*types.Topic, error) {
	var out types.Topic
	body := map[string]string{"agent_id": agentID}
	if err := c.do(ctx, http.MethodPost, "/v1/topics/"+url.PathEscape(topic)+"/subscribers", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Metrics and alerts

// IngestSample reports a metric sample
func (c *Client) IngestSample(ctx context.Context, sample types.Sample) (*alerting.Evaluation, error) {
	var out alerting.Evaluation
	if err := c.do(ctx, http.MethodPost, "/v1/metrics", nil, sample, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRule adds an alert rule
func (c *Client) CreateRule(ctx context.Context, spec alerting.RuleSpec) (*types.AlertRule, error) {
	var out types.AlertRule
	if err := c.do(ctx, http.MethodPost, "/v1/rules", nil, spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRules lists alert rules
func (c *Client) ListRules(ctx context.Context) ([]*types.AlertRule, error) {
	var out struct {
		Rules []*types.AlertRule `json:"rules"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/rules", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Rules, nil
}

// AlertFilter narrows ListAlerts
type AlertFilter struct {
	Status   types.AlertStatus
	AgentID  string
	RuleID   string
	Severity types.Severity
	Source   string
}

// ListAlerts lists alerts
func (c *Client) ListAlerts(ctx context.Context, filter AlertFilter) ([]*types.Alert, error) {
	q := url.Values{}
	setIf(q, "status", string(filter.Status))
	setIf(q, "agent_id", filter.AgentID)
	setIf(q, "rule_id", filter.RuleID)
	setIf(q, "severity", string(filter.Severity))
	setIf(q, "source", filter.Source)

	var out struct {
		Alerts []*types.Alert `json:"alerts"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/alerts", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Alerts, nil
}

// AcknowledgeAlert acknowledges an alert
func (c *Client) AcknowledgeAlert(ctx context.Context, id, by string) (*types.Alert, error) {
	return c.alertAction(ctx, id, "ack", by)
}

// ResolveAlert resolves an alert
func (c *Client) ResolveAlert(ctx context.Context, id, by string) (*types.Alert, error) {
	return c.alertAction(ctx, id, "resolve", by)
}

func (c *Client) alertAction(ctx context.Context, id, action, by string) (*types.Alert, error) {
	var out types.Alert
	body := map[string]string{"by": by}
	if err := c.do(ctx, http.MethodPost, "/v1/alerts/"+url.PathEscape(id)+"/"+action, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Workflows

// CreateWorkflow stores a draft definition
func (c *Client) CreateWorkflow(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	var out types.WorkflowDefinition
	if err := c.do(ctx, http.MethodPost, "/v1/workflows", nil, def, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActivateWorkflow makes a definition runnable
func (c *Client) ActivateWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	var out types.WorkflowDefinition
	if err := c.do(ctx, http.MethodPost, "/v1/workflows/"+url.PathEscape(id)+"/activate", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartRun starts a run of an active definition
func (c *Client) StartRun(ctx context.Context, definitionID string, vars map[string]interface{}) (*types.WorkflowRun, error) {
	var out types.WorkflowRun
	body := map[string]interface{}{"variables": vars}
	if err := c.do(ctx, http.MethodPost, "/v1/workflows/"+url.PathEscape(definitionID)+"/runs", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun fetches a run
func (c *Client) GetRun(ctx context.Context, id string) (*types.WorkflowRun, error) {
	var out types.WorkflowRun
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunProgress fetches a run's node counts
func (c *Client) RunProgress(ctx context.Context, id string) (*types.RunProgress, error) {
	var out types.RunProgress
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id)+"/progress", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRun cancels a run
func (c *Client) CancelRun(ctx context.Context, id string) (*types.WorkflowRun, error) {
	var out types.WorkflowRun
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(id)+"/cancel", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForRun polls a run until it finishes or ctx is done
func (c *Client) WaitForRun(ctx context.Context, id string, interval time.Duration) (*types.WorkflowRun, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
