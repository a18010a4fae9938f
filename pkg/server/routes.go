package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
)

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/health", s.HealthCheck)
	e.GET("/ready", s.Readiness)
	if s.metrics.Enabled {
		path := s.metrics.Path
		if path == "" {
			path = "/metrics"
		}
		e.GET(path, echo.WrapHandler(s.orchestrator.Monitor().Handler()))
	}

	v1 := e.Group("/v1")

	agents := v1.Group("/agents")
	agents.POST("", s.RegisterAgent)
	agents.GET("", s.ListAgents)
	agents.GET("/summary", s.AgentSummary)
	agents.GET("/:agent_id", s.GetAgent)
	agents.DELETE("/:agent_id", s.DeregisterAgent)
	agents.PUT("/:agent_id/status", s.UpdateAgentStatus)
	agents.POST("/:agent_id/heartbeat", s.Heartbeat)
	agents.GET("/:agent_id/inbox", s.ReceiveInbox)
	agents.GET("/:agent_id/metrics", s.ListAgentMetrics)
	agents.GET("/:agent_id/metrics/:metric", s.LatestSample)
	agents.GET("/:agent_id/metrics/:metric/summary", s.MetricSummary)

	messages := v1.Group("/messages")
	messages.POST("", s.SendMessage)
	messages.GET("", s.MessageHistory)
	messages.GET("/stats", s.MessageStats)
	messages.GET("/:message_id", s.GetMessage)
	messages.POST("/:message_id/ack", s.AcknowledgeMessage)

	topics := v1.Group("/topics")
	topics.POST("", s.CreateTopic)
	topics.GET("", s.ListTopics)
	topics.GET("/:topic", s.GetTopic)
	topics.DELETE("/:topic", s.DeleteTopic)
	topics.POST("/:topic/subscribers", s.Subscribe)
	topics.DELETE("/:topic/subscribers/:agent_id", s.Unsubscribe)

	v1.POST("/metrics", s.IngestSample)

	rules := v1.Group("/rules")
	rules.POST("", s.CreateRule)
	rules.GET("", s.ListRules)
	rules.GET("/:rule_id", s.GetRule)
	rules.PUT("/:rule_id", s.UpdateRule)
	rules.DELETE("/:rule_id", s.DeleteRule)

	alerts := v1.Group("/alerts")
	alerts.GET("", s.ListAlerts)
	alerts.GET("/:alert_id", s.GetAlert)
	alerts.POST("/:alert_id/ack", s.AcknowledgeAlert)
	alerts.POST("/:alert_id/resolve", s.ResolveAlert)

	workflows := v1.Group("/workflows")
	workflows.POST("", s.CreateWorkflow)
	workflows.GET("", s.ListWorkflows)
	workflows.GET("/:workflow_id", s.GetWorkflow)
	workflows.PUT("/:workflow_id", s.UpdateWorkflow)
	workflows.POST("/:workflow_id/activate", s.ActivateWorkflow)
	workflows.POST("/:workflow_id/archive", s.ArchiveWorkflow)
	workflows.POST("/:workflow_id/runs", s.StartRun)

	runs := v1.Group("/runs")
	runs.GET("", s.ListRuns)
	runs.GET("/:run_id", s.GetRun)
	runs.GET("/:run_id/progress", s.RunProgress)
	runs.POST("/:run_id/cancel", s.CancelRun)
	runs.POST("/:run_id/advance", s.AdvanceRun)
	runs.POST("/:run_id/nodes/:node_id/retry", s.RetryNode)
}

// HealthCheck reports aggregate health.
// GET /health
func (s *Server) HealthCheck(c echo.Context) error {
	status := s.orchestrator.Health(c.Request().Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// Readiness reports whether the orchestrator has started.
// GET /ready
func (s *Server) Readiness(c echo.Context) error {
	if !s.orchestrator.IsRunning() {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{"ready": false})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ready":  true,
		"uptime": s.orchestrator.Uptime().String(),
	})
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, cerrors.Validation("query", "%s must be a non-negative integer", name)
	}
	return n, nil
}

func queryBool(c echo.Context, name string) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, cerrors.Validation("query", "%s must be a boolean", name)
	}
	return b, nil
}

func queryDuration(c echo.Context, name string, def time.Duration) (time.Duration, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, cerrors.Validation("query", "%s must be a non-negative duration", name)
	}
	return d, nil
}

// bind decodes the request body, reporting malformed JSON as a validation error
func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return cerrors.Validation("request", "invalid request body: %v", err)
	}
	return nil
}
