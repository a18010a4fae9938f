package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/registry"
	"github.com/rizome-dev/conductor/pkg/types"
)

// RegisterAgent adds an agent to the registry.
// POST /v1/agents
func (s *Server) RegisterAgent(c echo.Context) error {
	var agent types.Agent
	if err := bind(c, &agent); err != nil {
		return err
	}
	registered, err := s.orchestrator.Registry().Register(c.Request().Context(), &agent)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, registered)
}

// ListAgents lists agents, optionally filtered by status, framework and capability.
// GET /v1/agents
func (s *Server) ListAgents(c echo.Context) error {
	agents, err := s.orchestrator.Registry().List(c.Request().Context(), registry.ListFilter{
		Status:     types.AgentStatus(c.QueryParam("status")),
		Framework:  c.QueryParam("framework"),
		Capability: c.QueryParam("capability"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"agents": agents})
}

// AgentSummary counts agents by framework and status.
// GET /v1/agents/summary
func (s *Server) AgentSummary(c echo.Context) error {
	summary, err := s.orchestrator.Registry().FrameworkSummary(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}

// GetAgent returns one agent.
// GET /v1/agents/:agent_id
func (s *Server) GetAgent(c echo.Context) error {
	agent, err := s.orchestrator.Registry().Get(c.Request().Context(), c.Param("agent_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, agent)
}

// DeregisterAgent removes an agent. Busy agents need ?force=true.
// DELETE /v1/agents/:agent_id
func (s *Server) DeregisterAgent(c echo.Context) error {
	force, err := queryBool(c, "force")
	if err != nil {
		return err
	}
	if err := s.orchestrator.Registry().Deregister(c.Request().Context(), c.Param("agent_id"), force); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// StatusRequest changes an agent's status
type StatusRequest struct {
	Status types.AgentStatus `json:"status"`
	Reason string            `json:"reason,omitempty"`
}

// UpdateAgentStatus moves an agent to a new status.
// PUT /v1/agents/:agent_id/status
func (s *Server) UpdateAgentStatus(c echo.Context) error {
	var req StatusRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	agent, err := s.orchestrator.Registry().UpdateStatus(c.Request().Context(), c.Param("agent_id"), req.Status, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, agent)
}

// HeartbeatRequest optionally carries the agent's own clock reading
type HeartbeatRequest struct {
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Heartbeat records that an agent is alive.
// POST /v1/agents/:agent_id/heartbeat
func (s *Server) Heartbeat(c echo.Context) error {
	var req HeartbeatRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	agent, err := s.orchestrator.Registry().Heartbeat(c.Request().Context(), c.Param("agent_id"), req.Timestamp)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, agent)
}

// ReceiveInbox drains delivered messages from an agent's inbox.
// GET /v1/agents/:agent_id/inbox?limit=n
func (s *Server) ReceiveInbox(c echo.Context) error {
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		return err
	}
	msgs, err := s.orchestrator.Bus().Receive(c.Request().Context(), c.Param("agent_id"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": msgs})
}

// ListAgentMetrics names the metrics held for an agent.
// GET /v1/agents/:agent_id/metrics
func (s *Server) ListAgentMetrics(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("agent_id")
	if _, err := s.orchestrator.Registry().Get(ctx, id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"agent_id": id,
		"metrics":  s.orchestrator.Alerts().Metrics(ctx, id),
	})
}

// LatestSample returns the most recent sample of a metric.
// GET /v1/agents/:agent_id/metrics/:metric
func (s *Server) LatestSample(c echo.Context) error {
	id, metric := c.Param("agent_id"), c.Param("metric")
	sample := s.orchestrator.Alerts().Latest(c.Request().Context(), id, metric)
	if sample == nil {
		return cerrors.NotFound("sample", id+"/"+metric)
	}
	return c.JSON(http.StatusOK, sample)
}

// MetricSummary aggregates a metric over ?window (default 1h).
// GET /v1/agents/:agent_id/metrics/:metric/summary
func (s *Server) MetricSummary(c echo.Context) error {
	window, err := queryDuration(c, "window", time.Hour)
	if err != nil {
		return err
	}
	since := time.Now().UTC().Add(-window)
	summary := s.orchestrator.Alerts().Summarize(c.Request().Context(), c.Param("agent_id"), c.Param("metric"), since)
	return c.JSON(http.StatusOK, summary)
}
