package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rizome-dev/conductor/pkg/types"
	"github.com/rizome-dev/conductor/pkg/workflow"
)

// CreateWorkflow stores a draft workflow definition.
// POST /v1/workflows
func (s *Server) CreateWorkflow(c echo.Context) error {
	var def types.WorkflowDefinition
	if err := bind(c, &def); err != nil {
		return err
	}
	created, err := s.orchestrator.Workflows().CreateDefinition(c.Request().Context(), &def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

// ListWorkflows lists definitions.
// GET /v1/workflows?status=&name=
func (s *Server) ListWorkflows(c echo.Context) error {
	defs, err := s.orchestrator.Workflows().ListDefinitions(c.Request().Context(), workflow.DefinitionFilter{
		Status: types.DefinitionStatus(c.QueryParam("status")),
		Name:   c.QueryParam("name"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"workflows": defs})
}

// GetWorkflow returns one definition.
// GET /v1/workflows/:workflow_id
func (s *Server) GetWorkflow(c echo.Context) error {
	def, err := s.orchestrator.Workflows().GetDefinition(c.Request().Context(), c.Param("workflow_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// UpdateWorkflow replaces a draft definition.
// PUT /v1/workflows/:workflow_id
func (s *Server) UpdateWorkflow(c echo.Context) error {
	var def types.WorkflowDefinition
	if err := bind(c, &def); err != nil {
		return err
	}
	def.ID = c.Param("workflow_id")
	updated, err := s.orchestrator.Workflows().UpdateDefinition(c.Request().Context(), &def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

// ActivateWorkflow makes a definition runnable.
// POST /v1/workflows/:workflow_id/activate
func (s *Server) ActivateWorkflow(c echo.Context) error {
	def, err := s.orchestrator.Workflows().Activate(c.Request().Context(), c.Param("workflow_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// ArchiveWorkflow retires a definition.
// POST /v1/workflows/:workflow_id/archive
func (s *Server) ArchiveWorkflow(c echo.Context) error {
	def, err := s.orchestrator.Workflows().Archive(c.Request().Context(), c.Param("workflow_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// StartRunRequest carries the initial run variables
type StartRunRequest struct {
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// StartRun starts a run of an active definition.
// POST /v1/workflows/:workflow_id/runs
func (s *Server) StartRun(c echo.Context) error {
	var req StartRunRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	run, err := s.orchestrator.Workflows().StartRun(c.Request().Context(), c.Param("workflow_id"), req.Variables)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, run)
}

// ListRuns lists runs.
// GET /v1/runs?status=&definition_id=
func (s *Server) ListRuns(c echo.Context) error {
	runs, err := s.orchestrator.Workflows().ListRuns(c.Request().Context(), workflow.RunFilter{
		Status:       types.RunStatus(c.QueryParam("status")),
		DefinitionID: c.QueryParam("definition_id"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun returns one run.
// GET /v1/runs/:run_id
func (s *Server) GetRun(c echo.Context) error {
	run, err := s.orchestrator.Workflows().GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// RunProgress summarises node states of a run.
// GET /v1/runs/:run_id/progress
func (s *Server) RunProgress(c echo.Context) error {
	progress, err := s.orchestrator.Workflows().Progress(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, progress)
}

// CancelRun cancels a running run.
// POST /v1/runs/:run_id/cancel
func (s *Server) CancelRun(c echo.Context) error {
	run, err := s.orchestrator.Workflows().Cancel(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// AdvanceRun re-evaluates a run and dispatches any ready nodes.
// POST /v1/runs/:run_id/advance
func (s *Server) AdvanceRun(c echo.Context) error {
	run, err := s.orchestrator.Workflows().Advance(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// RetryNode re-queues a failed node.
// POST /v1/runs/:run_id/nodes/:node_id/retry
func (s *Server) RetryNode(c echo.Context) error {
	run, err := s.orchestrator.Workflows().RetryNode(c.Request().Context(), c.Param("run_id"), c.Param("node_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}
