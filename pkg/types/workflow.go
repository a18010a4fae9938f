package types

import "time"

// DefinitionStatus is the lifecycle state of a workflow definition.
type DefinitionStatus string

const (
	DefinitionDraft    DefinitionStatus = "draft"
	DefinitionActive   DefinitionStatus = "active"
	DefinitionArchived DefinitionStatus = "archived"
)

// NodeKind is the kind of a workflow node.
type NodeKind string

const (
	NodeKindAgent     NodeKind = "agent"
	NodeKindCondition NodeKind = "condition"
	NodeKindAction    NodeKind = "action"
)

// AgentSelector picks an agent by capability when a node has no bound agent.
type AgentSelector struct {
	Capability string `json:"capability" yaml:"capability"`
	Value      string `json:"value,omitempty" yaml:"value,omitempty"`
}

// Node is a single step of a workflow definition.
type Node struct {
	ID   string   `json:"id" yaml:"id"`
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`
	Kind NodeKind `json:"kind" yaml:"kind"`

	// Agent nodes
	AgentID  string         `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Selector *AgentSelector `json:"selector,omitempty" yaml:"selector,omitempty"`
	Timeout  Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Condition nodes
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Action nodes
	Action string `json:"action,omitempty" yaml:"action,omitempty"`

	Params     map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
	BestEffort bool                   `json:"best_effort,omitempty" yaml:"best_effort,omitempty"`
}

// Edge is a dependency: To runs after From.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// WorkflowDefinition is a reusable DAG template.
type WorkflowDefinition struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Status      DefinitionStatus `json:"status" yaml:"status,omitempty"`
	Version     int              `json:"version" yaml:"version,omitempty"`
	Nodes       []Node           `json:"nodes" yaml:"nodes"`
	Edges       []Edge           `json:"edges,omitempty" yaml:"edges,omitempty"`
	CreatedAt   time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time        `json:"updated_at" yaml:"-"`
}

// NodeStatus is the execution state of a node within a run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// Terminal reports whether s is final for the current attempt.
func (s NodeStatus) Terminal() bool {
	return s == NodeSucceeded || s == NodeFailed || s == NodeSkipped
}

// FailureReason classifies why a node failed or was skipped.
type FailureReason string

const (
	ReasonTimeout          FailureReason = "Timeout"
	ReasonExecutorError    FailureReason = "ExecutorError"
	ReasonAgentUnavailable FailureReason = "AgentUnavailable"
	ReasonActionError      FailureReason = "ActionError"
	ReasonConditionError   FailureReason = "ConditionError"
	ReasonConditionFalse   FailureReason = "ConditionFalse"
	ReasonUpstream         FailureReason = "UpstreamNotRun"
	ReasonRunFailed        FailureReason = "RunFailed"
	ReasonCancelled        FailureReason = "Cancelled"
)

// NodeState is the per-run execution record of one node.
type NodeState struct {
	NodeID      string                 `json:"node_id"`
	Status      NodeStatus             `json:"status"`
	AgentID     string                 `json:"agent_id,omitempty"`
	Attempt     int                    `json:"attempt"`
	ReadySeq    int64                  `json:"ready_seq,omitempty"`
	Reason      FailureReason          `json:"reason,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// RunStatus is the overall status of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool { return s != RunRunning }

// WorkflowRun is one execution of a definition snapshot.
type WorkflowRun struct {
	ID                string                 `json:"id"`
	DefinitionID      string                 `json:"definition_id"`
	DefinitionVersion int                    `json:"definition_version"`
	Name              string                 `json:"name"`
	Nodes             []Node                 `json:"nodes"`
	Edges             []Edge                 `json:"edges,omitempty"`
	NodeStates        map[string]*NodeState  `json:"node_states"`
	Status            RunStatus              `json:"status"`
	Variables         map[string]interface{} `json:"variables,omitempty"`
	Dispatched        []string               `json:"dispatched,omitempty"`
	Error             string                 `json:"error,omitempty"`
	StartedAt         time.Time              `json:"started_at"`
	EndedAt           *time.Time             `json:"ended_at,omitempty"`
}

// RunProgress summarizes node states of a run.
type RunProgress struct {
	RunID    string             `json:"run_id"`
	Status   RunStatus          `json:"status"`
	Total    int                `json:"total"`
	Counts   map[NodeStatus]int `json:"counts"`
	Percent  float64            `json:"percent"`
	Finished bool               `json:"finished"`
}
