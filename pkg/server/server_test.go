package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rizome-dev/conductor/pkg/alerting"
	"github.com/rizome-dev/conductor/pkg/config"
	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/orchestrator"
	"github.com/rizome-dev/conductor/pkg/testutil"
	"github.com/rizome-dev/conductor/pkg/types"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *orchestrator.Orchestrator) {
	t.Helper()
	cfg := testutil.TestConfig()
	if mutate != nil {
		mutate(cfg)
	}
	orch, err := orchestrator.New(cfg,
		orchestrator.WithExecutor(testutil.NewMockExecutor()),
		orchestrator.WithLogger(logging.NewNop()),
	)
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() { _ = orch.Stop(context.Background()) })

	s, err := NewServer(orch)
	require.NoError(t, err)
	return s, orch
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func registerAgent(t *testing.T, s *Server, id string) {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/v1/agents", testutil.CreateTestAgent(id, "autogen", map[string]string{"role": "worker"}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestNewServerRequiresOrchestrator(t *testing.T) {
	_, err := NewServer(nil)
	assert.Error(t, err)
}

func TestHealthAndReadiness(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status string `json:"status"`
	}
	decode(t, rec, &health)
	assert.Equal(t, "healthy", health.Status)

	rec = do(t, s, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":true`)
}

func TestHealthReportsStoppedOrchestrator(t *testing.T) {
	s, orch := newTestServer(t, nil)
	require.NoError(t, orch.Stop(context.Background()))

	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/ready", nil).Code)
}

func TestAgentEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)

	registerAgent(t, s, "a1")
	registerAgent(t, s, "a2")

	rec := do(t, s, http.MethodPost, "/v1/agents", testutil.CreateTestAgent("a1", "autogen", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	var apiErr cerrors.APIError
	decode(t, rec, &apiErr)
	assert.Equal(t, "duplicate", apiErr.Kind)

	rec = do(t, s, http.MethodGet, "/v1/agents/a1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agent types.Agent
	decode(t, rec, &agent)
	assert.Equal(t, types.AgentStatusRegistered, agent.Status)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/agents/ghost", nil).Code)

	rec = do(t, s, http.MethodPut, "/v1/agents/a1/status", StatusRequest{Status: types.AgentStatusActive})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &agent)
	assert.Equal(t, types.AgentStatusActive, agent.Status)

	rec = do(t, s, http.MethodPut, "/v1/agents/a1/status", StatusRequest{Status: types.AgentStatusRegistered})
	assert.Equal(t, http.StatusConflict, rec.Code)

	beat := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	rec = do(t, s, http.MethodPost, "/v1/agents/a1/heartbeat", HeartbeatRequest{Timestamp: beat})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &agent)
	assert.True(t, beat.Equal(agent.LastHeartbeat))

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/v1/agents/a2/heartbeat", nil).Code)

	rec = do(t, s, http.MethodGet, "/v1/agents?status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Agents []*types.Agent `json:"agents"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Agents, 1)
	assert.Equal(t, "a1", list.Agents[0].ID)

	rec = do(t, s, http.MethodGet, "/v1/agents/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"autogen":2`)

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/v1/agents/a2", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/agents/a2", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodDelete, "/v1/agents/a1?force=maybe", nil).Code)
}

func TestMessageEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)
	registerAgent(t, s, "a1")
	registerAgent(t, s, "a2")

	rec := do(t, s, http.MethodPost, "/v1/messages", testutil.CreateTestMessage("a1", "a2", "hello"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var msg types.Message
	decode(t, rec, &msg)
	assert.Equal(t, types.DeliveryDelivered, msg.Status)
	assert.Equal(t, []string{"a2"}, msg.Recipients)

	rec = do(t, s, http.MethodGet, "/v1/agents/a2/inbox", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var inbox struct {
		Messages []*types.Message `json:"messages"`
	}
	decode(t, rec, &inbox)
	require.Len(t, inbox.Messages, 1)
	assert.Equal(t, msg.ID, inbox.Messages[0].ID)

	rec = do(t, s, http.MethodPost, "/v1/messages/"+msg.ID+"/ack", AckRequest{AgentID: "a1"})
	assert.Equal(t, http.StatusConflict, rec.Code, "sender is not a recipient")

	rec = do(t, s, http.MethodPost, "/v1/messages/"+msg.ID+"/ack", AckRequest{AgentID: "a2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &msg)
	assert.True(t, msg.Acknowledged)
	assert.Equal(t, "a2", msg.AcknowledgedBy)

	rec = do(t, s, http.MethodPost, "/v1/messages", testutil.CreateTestMessage("a1", "ghost", "hello"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/messages?status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Messages []*types.Message `json:"messages"`
	}
	decode(t, rec, &history)
	require.Len(t, history.Messages, 1, "the unknown-recipient message is still recorded")
	assert.Equal(t, "ghost", history.Messages[0].To.Target)

	rec = do(t, s, http.MethodGet, "/v1/messages/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"acknowledged":1`)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/messages/"+msg.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/messages/nope", nil).Code)
}

func TestTopicEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)
	registerAgent(t, s, "a1")
	registerAgent(t, s, "a2")

	rec := do(t, s, http.MethodPost, "/v1/topics", TopicRequest{Name: "builds", Description: "ci results"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/v1/topics", TopicRequest{Name: "builds"}).Code)

	for _, id := range []string{"a1", "a2"} {
		rec = do(t, s, http.MethodPost, "/v1/topics/builds/subscribers", SubscribeRequest{AgentID: id})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec = do(t, s, http.MethodDelete, "/v1/topics/builds/subscribers/a1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var topic types.Topic
	decode(t, rec, &topic)
	assert.Equal(t, []string{"a2"}, topic.Subscribers)

	rec = do(t, s, http.MethodPost, "/v1/messages", types.Message{From: "a1", To: types.ToTopic("builds"), Subject: "green"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var msg types.Message
	decode(t, rec, &msg)
	assert.Equal(t, []string{"a2"}, msg.Recipients)
	assert.Equal(t, types.MessageKindBroadcast, msg.Kind)

	rec = do(t, s, http.MethodGet, "/v1/topics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"builds"`)

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/v1/topics/builds", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/topics/builds", nil).Code)
}

func TestAlertingEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)
	registerAgent(t, s, "a1")

	rec := do(t, s, http.MethodPost, "/v1/rules", alerting.RuleSpec{
		ID:        "cpu-high",
		Name:      "CPU high",
		Metric:    "cpu",
		Operator:  types.OpGreaterThan,
		Threshold: 90,
		Severity:  types.SeverityHigh,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rule types.AlertRule
	decode(t, rec, &rule)
	assert.True(t, rule.Enabled)

	rec = do(t, s, http.MethodPost, "/v1/rules", alerting.RuleSpec{Metric: "cpu", Operator: "~", Severity: types.SeverityHigh})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	now := time.Now().UTC()
	rec = do(t, s, http.MethodPost, "/v1/metrics", types.Sample{AgentID: "a1", Metric: "cpu", Value: 95, Timestamp: now})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var eval alerting.Evaluation
	decode(t, rec, &eval)
	require.Len(t, eval.Raised, 1)
	alertID := eval.Raised[0].ID

	rec = do(t, s, http.MethodPost, "/v1/metrics", types.Sample{AgentID: "a1", Metric: "cpu", Value: 50, Timestamp: now.Add(-time.Minute)})
	assert.Equal(t, http.StatusConflict, rec.Code, "older sample is stale")

	rec = do(t, s, http.MethodPost, "/v1/metrics", types.Sample{AgentID: "ghost", Metric: "cpu", Value: 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/alerts?status=active&agent_id=a1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts struct {
		Alerts []*types.Alert `json:"alerts"`
	}
	decode(t, rec, &alerts)
	require.Len(t, alerts.Alerts, 1)
	assert.Equal(t, alertID, alerts.Alerts[0].ID)

	rec = do(t, s, http.MethodPost, "/v1/alerts/"+alertID+"/ack", AlertActionRequest{By: "oncall"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var alert types.Alert
	decode(t, rec, &alert)
	assert.Equal(t, types.AlertAcknowledged, alert.Status)

	rec = do(t, s, http.MethodPost, "/v1/alerts/"+alertID+"/resolve", AlertActionRequest{By: "oncall"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &alert)
	assert.Equal(t, types.AlertResolved, alert.Status)

	rec = do(t, s, http.MethodGet, "/v1/agents/a1/metrics/cpu", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sample types.Sample
	decode(t, rec, &sample)
	assert.Equal(t, 95.0, sample.Value)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/agents/a1/metrics/mem", nil).Code)

	rec = do(t, s, http.MethodGet, "/v1/agents/a1/metrics/cpu/summary?window=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary alerting.Summary
	decode(t, rec, &summary)
	assert.Equal(t, 1, summary.Count)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/agents/a1/metrics/cpu/summary?window=soon", nil).Code)

	rec = do(t, s, http.MethodGet, "/v1/agents/a1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cpu"`)

	rec = do(t, s, http.MethodPut, "/v1/rules/cpu-high", alerting.RuleSpec{Metric: "cpu", Operator: types.OpGreaterThan, Threshold: 80, Severity: types.SeverityMedium})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &rule)
	assert.Equal(t, "cpu-high", rule.ID)
	assert.Equal(t, 80.0, rule.Threshold)

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/v1/rules/cpu-high", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/rules/cpu-high", nil).Code)
}

func TestWorkflowEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)
	registerAgent(t, s, "worker")

	rec := do(t, s, http.MethodPost, "/v1/workflows", testutil.CreateLinearWorkflow("chain", 3, "worker"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var def types.WorkflowDefinition
	decode(t, rec, &def)
	assert.Equal(t, types.DefinitionDraft, def.Status)

	rec = do(t, s, http.MethodPost, "/v1/workflows/"+def.ID+"/runs", StartRunRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "draft definitions cannot run")

	rec = do(t, s, http.MethodPost, "/v1/workflows/"+def.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/v1/workflows/"+def.ID+"/runs", StartRunRequest{Variables: map[string]interface{}{"ticket": "T-9"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var run types.WorkflowRun
	decode(t, rec, &run)

	require.NoError(t, testutil.AssertEventually(func() bool {
		rec := do(t, s, http.MethodGet, "/v1/runs/"+run.ID, nil)
		var got types.WorkflowRun
		if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &got) != nil {
			return false
		}
		return got.Status == types.RunSucceeded
	}, 5*time.Second, "run succeeds"))

	rec = do(t, s, http.MethodGet, "/v1/runs/"+run.ID+"/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var progress types.RunProgress
	decode(t, rec, &progress)
	assert.Equal(t, 3, progress.Total)

	rec = do(t, s, http.MethodGet, "/v1/runs?definition_id="+def.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs struct {
		Runs []*types.WorkflowRun `json:"runs"`
	}
	decode(t, rec, &runs)
	assert.Len(t, runs.Runs, 1)

	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/v1/runs/"+run.ID+"/cancel", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/runs/nope", nil).Code)

	rec = do(t, s, http.MethodPost, "/v1/workflows/"+def.ID+"/archive", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &def)
	assert.Equal(t, types.DefinitionArchived, def.Status)

	rec = do(t, s, http.MethodGet, "/v1/workflows?status=archived", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), def.ID)
}

func TestCyclicWorkflowRejected(t *testing.T) {
	s, _ := newTestServer(t, nil)
	def := testutil.CreateLinearWorkflow("loop", 2, "worker")
	def.Edges = append(def.Edges, types.Edge{From: "n2", To: "n1"})

	rec := do(t, s, http.MethodPost, "/v1/workflows", def)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var apiErr cerrors.APIError
	decode(t, rec, &apiErr)
	assert.Equal(t, "validation", apiErr.Kind)
}

func TestErrorRendering(t *testing.T) {
	s, _ := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		code   int
		kind   string
	}{
		{"malformed body", http.MethodPost, "/v1/agents", "{not json", http.StatusBadRequest, "validation"},
		{"missing id", http.MethodPost, "/v1/agents", map[string]string{"name": "x"}, http.StatusBadRequest, "validation"},
		{"bad limit", http.MethodGet, "/v1/messages?limit=-3", nil, http.StatusBadRequest, "validation"},
		{"unknown route", http.MethodGet, "/v1/nothing", nil, http.StatusNotFound, "not_found"},
		{"wrong method", http.MethodPatch, "/v1/agents", nil, http.StatusMethodNotAllowed, "method_not_allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.path, tt.body)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			var apiErr cerrors.APIError
			decode(t, rec, &apiErr)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.kind, apiErr.Kind)
		})
	}
}

func TestRateLimitedAPI(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.Server.RateLimit.Enabled = true
		c.Server.RateLimit.RequestsPerSecond = 1
		c.Server.RateLimit.Burst = 2
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, s, http.MethodGet, "/v1/agents", nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.Monitoring.Metrics.Enabled = true
		c.Monitoring.Metrics.Path = "/metrics"
	})
	registerAgent(t, s, "a1")

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "conductor_")
}

func TestServerStartStop(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.Server.GRPC.Enabled = true
		c.Server.GRPC.Host = "127.0.0.1"
		c.Server.GRPC.Port = 0
	})

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start(), "already running")
	require.NotEmpty(t, s.HTTPAddress())
	require.NotEmpty(t, s.GRPCAddress())

	resp, err := http.Get(fmt.Sprintf("http://%s/health", s.HTTPAddress()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop(ctx), "stop is idempotent")

	done := make(chan struct{})
	go func() {
		s.WaitForShutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForShutdown should return once the server has stopped")
	}
}
