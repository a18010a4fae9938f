package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rizome-dev/conductor/pkg/alerting"
	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/orchestrator"
	"github.com/rizome-dev/conductor/pkg/server"
	"github.com/rizome-dev/conductor/pkg/testutil"
	"github.com/rizome-dev/conductor/pkg/types"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	orch, err := orchestrator.New(testutil.TestConfig(),
		orchestrator.WithExecutor(testutil.NewMockExecutor()),
		orchestrator.WithLogger(logging.NewNop()),
	)
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() { _ = orch.Stop(context.Background()) })

	srv, err := server.NewServer(orch)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return New(WithBaseURL(ts.URL+"/"), WithHTTPClient(ts.Client()))
}

func TestNewDefaults(t *testing.T) {
	c := New()
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, 30*time.Second, c.httpClient.Timeout)
}

func TestClientAgentsAndMessages(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	status, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", status)

	for _, id := range []string{"a1", "a2"} {
		_, err := c.RegisterAgent(ctx, testutil.CreateTestAgent(id, "langgraph", map[string]string{"role": "worker"}))
		require.NoError(t, err)
	}

	_, err = c.RegisterAgent(ctx, testutil.CreateTestAgent("a1", "langgraph", nil))
	var apiErr *cerrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Code)
	assert.Equal(t, "duplicate", apiErr.Kind)

	agent, err := c.UpdateAgentStatus(ctx, "a1", types.AgentStatusActive, "ready")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusActive, agent.Status)

	_, err = c.Heartbeat(ctx, "a2")
	require.NoError(t, err)

	agents, err := c.ListAgents(ctx, AgentFilter{Framework: "langgraph", Capability: "role"})
	require.NoError(t, err)
	assert.Len(t, agents, 2)

	_, err = c.CreateTopic(ctx, "jobs", "")
	require.NoError(t, err)
	_, err = c.Subscribe(ctx, "jobs", "a2")
	require.NoError(t, err)

	msg, err := c.Send(ctx, &types.Message{From: "a1", To: types.ToTopic("jobs"), Subject: "build"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, msg.Recipients)

	inbox, err := c.Receive(ctx, "a2", 10)
	require.NoError(t, err)
	require.Len(t, inbox, 1)

	acked, err := c.AcknowledgeMessage(ctx, msg.ID, "a2")
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)

	require.NoError(t, c.DeregisterAgent(ctx, "a2", false))
	_, err = c.GetAgent(ctx, "a2")
	assert.True(t, cerrors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Code)
}

func TestClientAlerts(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.RegisterAgent(ctx, testutil.CreateTestAgent("a1", "crewai", nil))
	require.NoError(t, err)

	_, err = c.CreateRule(ctx, alerting.RuleSpec{
		ID: "latency", Metric: "latency_ms", Operator: types.OpGreaterThan, Threshold: 500, Severity: types.SeverityMedium,
	})
	require.NoError(t, err)
	rules, err := c.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	eval, err := c.IngestSample(ctx, types.Sample{AgentID: "a1", Metric: "latency_ms", Value: 900})
	require.NoError(t, err)
	require.Len(t, eval.Raised, 1)

	alerts, err := c.ListAlerts(ctx, AlertFilter{Status: types.AlertActive, RuleID: "latency"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	alert, err := c.AcknowledgeAlert(ctx, alerts[0].ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, types.AlertAcknowledged, alert.Status)

	alert, err = c.ResolveAlert(ctx, alerts[0].ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, types.AlertResolved, alert.Status)
}

func TestClientWorkflowRun(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := c.RegisterAgent(ctx, testutil.CreateTestAgent("worker", "crewai", nil))
	require.NoError(t, err)

	def, err := c.CreateWorkflow(ctx, testutil.CreateLinearWorkflow("pipeline", 2, "worker"))
	require.NoError(t, err)
	_, err = c.ActivateWorkflow(ctx, def.ID)
	require.NoError(t, err)

	run, err := c.StartRun(ctx, def.ID, map[string]interface{}{"env": "staging"})
	require.NoError(t, err)

	done, err := c.WaitForRun(ctx, run.ID, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, done.Status)

	progress, err := c.RunProgress(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, progress.Finished)
	assert.Equal(t, 2, progress.Total)

	_, err = c.CancelRun(ctx, run.ID)
	var apiErr *cerrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid_transition", apiErr.Kind)
}

func TestHealthReportsUnavailableServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	status, err := New(WithBaseURL(ts.URL)).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "unhealthy", status)
}

func TestErrorBodyFallsBackToText(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := New(WithBaseURL(ts.URL)).GetAgent(context.Background(), "a1")
	var apiErr *cerrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Code)
	assert.Equal(t, "gateway exploded", apiErr.Message)
}
