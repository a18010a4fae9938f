package workflow

import (
	"fmt"
	"strings"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/types"
)

// Action types understood by action nodes.
const (
	ActionPublish     = "publish"
	ActionSetVariable = "set_variable"
	ActionLog         = "log"
)

// graph is the adjacency view of a node/edge set.
type graph struct {
	order []string // node ids in definition order
	index map[string]int
	up    map[string][]string
	down  map[string][]string
}

func newGraph(nodes []types.Node, edges []types.Edge) *graph {
	g := &graph{
		order: make([]string, len(nodes)),
		index: make(map[string]int, len(nodes)),
		up:    make(map[string][]string, len(nodes)),
		down:  make(map[string][]string, len(nodes)),
	}
	for i, n := range nodes {
		g.order[i] = n.ID
		g.index[n.ID] = i
	}
	for _, e := range edges {
		g.up[e.To] = append(g.up[e.To], e.From)
		g.down[e.From] = append(g.down[e.From], e.To)
	}
	return g
}

// findCycle returns a cycle as a closed path of node ids, or nil.
func (g *graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.order))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range g.down[id] {
			switch color[next] {
			case grey:
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// TopologicalOrder returns node ids so that every edge points forward. Ties
// keep definition order.
func TopologicalOrder(def *types.WorkflowDefinition) ([]string, error) {
	g := newGraph(def.Nodes, def.Edges)
	indeg := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indeg[id] = len(g.up[id])
	}

	out := make([]string, 0, len(g.order))
	placed := make(map[string]bool, len(g.order))
	for len(out) < len(g.order) {
		progressed := false
		for _, id := range g.order {
			if placed[id] || indeg[id] > 0 {
				continue
			}
			placed[id] = true
			out = append(out, id)
			progressed = true
			for _, next := range g.down[id] {
				indeg[next]--
			}
		}
		if !progressed {
			return nil, cycleError(def, g.findCycle())
		}
	}
	return out, nil
}

func cycleError(def *types.WorkflowDefinition, cycle []string) error {
	return cerrors.New(cerrors.ErrCyclicWorkflow, "workflow", def.ID, "cycle %s", strings.Join(cycle, " -> "))
}

// Validate checks a definition's structure: unique node ids, per-kind
// requirements, edge endpoints, self-loops and cycles.
func Validate(def *types.WorkflowDefinition) error {
	if def == nil {
		return cerrors.Validation("workflow", "definition is required")
	}
	if strings.TrimSpace(def.Name) == "" {
		return cerrors.Validation("workflow", "name is required")
	}
	if len(def.Nodes) == 0 {
		return cerrors.Validation("workflow", "at least one node is required")
	}

	seen := make(map[string]bool, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if strings.TrimSpace(n.ID) == "" {
			return cerrors.Validation("workflow", "node %d has no id", i)
		}
		if seen[n.ID] {
			return cerrors.Validation("workflow", "duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
		if err := validateNode(n); err != nil {
			return err
		}
	}

	edges := make(map[types.Edge]bool, len(def.Edges))
	for _, e := range def.Edges {
		if !seen[e.From] {
			return cerrors.Validation("workflow", "edge references unknown node %q", e.From)
		}
		if !seen[e.To] {
			return cerrors.Validation("workflow", "edge references unknown node %q", e.To)
		}
		if e.From == e.To {
			return cerrors.New(cerrors.ErrCyclicWorkflow, "workflow", def.ID, "node %q depends on itself", e.From)
		}
		if edges[e] {
			return cerrors.Validation("workflow", "duplicate edge %s -> %s", e.From, e.To)
		}
		edges[e] = true
	}

	if cycle := newGraph(def.Nodes, def.Edges).findCycle(); cycle != nil {
		return cycleError(def, cycle)
	}
	return nil
}

func validateNode(n *types.Node) error {
	if n.Timeout < 0 {
		return cerrors.Validation("workflow", "node %q has a negative timeout", n.ID)
	}
	switch n.Kind {
	case types.NodeKindAgent:
		if n.AgentID == "" && (n.Selector == nil || n.Selector.Capability == "") {
			return cerrors.Validation("workflow", "agent node %q needs agent_id or a capability selector", n.ID)
		}
	case types.NodeKindCondition:
		if strings.TrimSpace(n.Condition) == "" {
			return cerrors.Validation("workflow", "condition node %q has no expression", n.ID)
		}
	case types.NodeKindAction:
		return validateAction(n)
	default:
		return cerrors.Validation("workflow", "node %q has unknown kind %q", n.ID, n.Kind)
	}
	return nil
}

func validateAction(n *types.Node) error {
	switch n.Action {
	case ActionPublish:
		if paramString(n.Params, "topic") == "" && paramString(n.Params, "agent") == "" && !paramBool(n.Params, "all") {
			return cerrors.Validation("workflow", "publish node %q needs a topic, agent or all", n.ID)
		}
	case ActionSetVariable:
		if paramString(n.Params, "name") == "" {
			return cerrors.Validation("workflow", "set_variable node %q needs a name", n.ID)
		}
	case ActionLog:
	default:
		return cerrors.Validation("workflow", "node %q has unknown action %q", n.ID, n.Action)
	}
	return nil
}

func paramString(params map[string]interface{}, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func paramBool(params map[string]interface{}, key string) bool {
	b, _ := params[key].(bool)
	return b
}
