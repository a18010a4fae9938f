package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rizome-dev/conductor/pkg/alerting"
	"github.com/rizome-dev/conductor/pkg/types"
)

// IngestSample records a metric sample and evaluates the rules against it.
// POST /v1/metrics
func (s *Server) IngestSample(c echo.Context) error {
	var sample types.Sample
	if err := bind(c, &sample); err != nil {
		return err
	}
	eval, err := s.orchestrator.Alerts().IngestSample(c.Request().Context(), sample)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, eval)
}

// CreateRule adds an alert rule.
// POST /v1/rules
func (s *Server) CreateRule(c echo.Context) error {
	var spec alerting.RuleSpec
	if err := bind(c, &spec); err != nil {
		return err
	}
	rule, err := s.orchestrator.Alerts().CreateRule(c.Request().Context(), spec.Rule())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rule)
}

// ListRules lists alert rules.
// GET /v1/rules
func (s *Server) ListRules(c echo.Context) error {
	rules, err := s.orchestrator.Alerts().ListRules(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"rules": rules})
}

// GetRule returns one rule.
// GET /v1/rules/:rule_id
func (s *Server) GetRule(c echo.Context) error {
	rule, err := s.orchestrator.Alerts().GetRule(c.Request().Context(), c.Param("rule_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rule)
}

// UpdateRule replaces a rule. The id comes from the path.
// PUT /v1/rules/:rule_id
func (s *Server) UpdateRule(c echo.Context) error {
	var spec alerting.RuleSpec
	if err := bind(c, &spec); err != nil {
		return err
	}
	spec.ID = c.Param("rule_id")
	rule, err := s.orchestrator.Alerts().UpdateRule(c.Request().Context(), spec.Rule())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rule)
}

// DeleteRule removes a rule.
// DELETE /v1/rules/:rule_id
func (s *Server) DeleteRule(c echo.Context) error {
	if err := s.orchestrator.Alerts().DeleteRule(c.Request().Context(), c.Param("rule_id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ListAlerts lists alerts.
// GET /v1/alerts?status=&agent_id=&rule_id=&severity=&source=
func (s *Server) ListAlerts(c echo.Context) error {
	alerts, err := s.orchestrator.Alerts().ListAlerts(c.Request().Context(), alerting.AlertFilter{
		Status:   types.AlertStatus(c.QueryParam("status")),
		AgentID:  c.QueryParam("agent_id"),
		RuleID:   c.QueryParam("rule_id"),
		Severity: types.Severity(c.QueryParam("severity")),
		Source:   c.QueryParam("source"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"alerts": alerts})
}

// GetAlert returns one alert.
// GET /v1/alerts/:alert_id
func (s *Server) GetAlert(c echo.Context) error {
	alert, err := s.orchestrator.Alerts().GetAlert(c.Request().Context(), c.Param("alert_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, alert)
}

// AlertActionRequest names who acted on an alert
type AlertActionRequest struct {
	By string `json:"by"`
}

// AcknowledgeAlert acknowledges an active alert.
// POST /v1/alerts/:alert_id/ack
func (s *Server) AcknowledgeAlert(c echo.Context) error {
	var req AlertActionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	alert, err := s.orchestrator.Alerts().Acknowledge(c.Request().Context(), c.Param("alert_id"), req.By)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, alert)
}

// ResolveAlert resolves an alert.
// POST /v1/alerts/:alert_id/resolve
func (s *Server) ResolveAlert(c echo.Context) error {
	var req AlertActionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	alert, err := s.orchestrator.Alerts().Resolve(c.Request().Context(), c.Param("alert_id"), req.By)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, alert)
}
