// Package workflow runs DAG workflows of agent, condition and action nodes.
//
// A run snapshots its definition when it starts. Pending nodes become ready
// once every predecessor has finished and at least one of them succeeded; a
// node whose predecessors were all skipped, or any of which failed, is
// skipped in turn. Agent nodes are queued on a scheduler bounded by a global
// and a per-run limit and run through an executor.Executor without holding
// the run lock. Condition and action nodes run inline.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rizome-dev/conductor/pkg/bus"
	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/executor"
	"github.com/rizome-dev/conductor/pkg/keylock"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/monitoring"
	"github.com/rizome-dev/conductor/pkg/sink"
	"github.com/rizome-dev/conductor/pkg/state"
	"github.com/rizome-dev/conductor/pkg/types"
)

// Agents is the registry surface the engine needs.
type Agents interface {
	Get(ctx context.Context, id string) (*types.Agent, error)
	Select(ctx context.Context, sel types.AgentSelector) (*types.Agent, error)
	BeginTask(ctx context.Context, id string) (*types.Agent, error)
	EndTask(ctx context.Context, id string) (*types.Agent, error)
}

// Config holds engine limits
type Config struct {
	GlobalConcurrency  int
	PerRunConcurrency  int
	DefaultNodeTimeout time.Duration
	CompletionTopic    string

	// BusyRetry is how long an agent node waits before retrying a busy agent.
	BusyRetry time.Duration
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		GlobalConcurrency:  64,
		PerRunConcurrency:  8,
		DefaultNodeTimeout: 5 * time.Minute,
		BusyRetry:          250 * time.Millisecond,
	}
}

// RunFilter narrows ListRuns
type RunFilter struct {
	Status       types.RunStatus
	DefinitionID string
}

// Engine is the workflow engine.
type Engine struct {
	cfg        Config
	store      state.StateManager
	agents     Agents
	exec       executor.Executor
	sender     bus.Sender
	conditions ConditionEvaluator
	events     sink.Publisher
	monitor    *monitoring.Monitor
	logger     *logging.Logger
	now        func() time.Time

	locks *keylock.Map
	sched *scheduler
	seq   atomic.Int64

	mu       sync.Mutex
	controls map[string]*runControl
	closed   bool
}

// runControl is the in-process state of a live run.
type runControl struct {
	queued map[string]int                // node id -> attempt waiting for a slot
	aborts map[string]context.CancelFunc // node id -> abort of the running attempt
	done   chan struct{}
}

// Option configures an Engine
type Option func(*Engine)

// WithSender sets the bus used by publish actions and completion notifications.
func WithSender(s bus.Sender) Option {
	return func(e *Engine) { e.sender = s }
}

// WithConditionEvaluator replaces the Rego evaluator
func WithConditionEvaluator(c ConditionEvaluator) Option {
	return func(e *Engine) { e.conditions = c }
}

// WithEvents sets the event publisher
func WithEvents(p sink.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithMonitor sets the metrics recorder
func WithMonitor(m *monitoring.Monitor) Option {
	return func(e *Engine) { e.monitor = m }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine.
func New(cfg Config, store state.StateManager, agents Agents, exec executor.Executor, opts ...Option) *Engine {
	if cfg.DefaultNodeTimeout <= 0 {
		cfg.DefaultNodeTimeout = DefaultConfig().DefaultNodeTimeout
	}
	if cfg.BusyRetry <= 0 {
		cfg.BusyRetry = DefaultConfig().BusyRetry
	}
	e := &Engine{
		cfg:      cfg,
		store:    store,
		agents:   agents,
		exec:     exec,
		now:      func() time.Time { return time.Now().UTC() },
		locks:    keylock.New(),
		controls: make(map[string]*runControl),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.conditions == nil {
		e.conditions = NewRegoEvaluator()
	}
	if e.logger == nil {
		e.logger = logging.GetLogger()
	}
	e.logger = e.logger.WithComponent("workflow")
	e.sched = newScheduler(cfg.GlobalConcurrency, cfg.PerRunConcurrency, e.start, e.monitor.SetNodeQueue)
	return e
}

// outbox collects side effects to perform after the run lock is released.
type outbox struct {
	events   []*types.Event
	notes    []*types.Message
	enqueue  []dispatch
	finished *types.WorkflowRun
	closing  *runControl
}

func (e *Engine) flush(ctx context.Context, ob *outbox) {
	if e.events != nil {
		for _, ev := range ob.events {
			e.events.Emit(ev)
		}
	}
	if e.sender != nil {
		for _, m := range ob.notes {
			if _, err := e.sender.Send(ctx, m); err != nil {
				e.logger.WithError(err).Warn("failed to publish workflow notification")
			}
		}
	}
	for _, d := range ob.enqueue {
		e.sched.enqueue(d)
	}
	if ob.finished != nil {
		e.finish(ob.finished, ob.closing)
	}
}

func (e *Engine) control(runID string) *runControl {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.controls[runID]
	if !ok {
		c = &runControl{
			queued: make(map[string]int),
			aborts: make(map[string]context.CancelFunc),
			done:   make(chan struct{}),
		}
		e.controls[runID] = c
	}
	return c
}

// finish releases a detached run control and records the outcome.
func (e *Engine) finish(run *types.WorkflowRun, c *runControl) {
	if c != nil {
		for _, abort := range c.aborts {
			abort()
		}
		close(c.done)
	}

	d := time.Duration(0)
	if run.EndedAt != nil {
		d = run.EndedAt.Sub(run.StartedAt)
	}
	e.monitor.RecordRunFinished(string(run.Status), d)
	e.logger.WithFields(map[string]interface{}{
		"run_id":        run.ID,
		"definition_id": run.DefinitionID,
	}).Info("run %s finished: %s", run.Name, run.Status)
}

// StartRun snapshots an active definition and starts a run of it.
func (e *Engine) StartRun(ctx context.Context, definitionID string, variables map[string]interface{}) (*types.WorkflowRun, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, cerrors.New(cerrors.ErrClosed, "workflow", definitionID, "engine is shut down")
	}

	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if def.Status != types.DefinitionActive {
		return nil, cerrors.New(cerrors.ErrDefinitionNotActive, "workflow", definitionID, "definition is %s", def.Status)
	}

	run := &types.WorkflowRun{
		ID:                uuid.New().String(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Name:              def.Name,
		Nodes:             append([]types.Node(nil), def.Nodes...),
		Edges:             append([]types.Edge(nil), def.Edges...),
		NodeStates:        make(map[string]*types.NodeState, len(def.Nodes)),
		Status:            types.RunRunning,
		Variables:         make(map[string]interface{}, len(variables)),
		StartedAt:         e.now(),
	}
	for k, v := range variables {
		run.Variables[k] = v
	}
	for _, n := range def.Nodes {
		run.NodeStates[n.ID] = &types.NodeState{NodeID: n.ID, Status: types.NodePending, Attempt: 1}
	}

	unlock := e.locks.Lock("run:" + run.ID)
	if err := e.store.CreateRun(ctx, run); err != nil {
		unlock()
		return nil, err
	}
	e.control(run.ID)
	e.monitor.RecordRunStarted()
	e.logger.WithFields(map[string]interface{}{
		"run_id":        run.ID,
		"definition_id": def.ID,
	}).Info("run started for %s (version %d)", def.Name, def.Version)

	ob := &outbox{}
	ob.events = append(ob.events, e.runEvent(run, types.EventTypeRunStarted, ""))
	e.step(ctx, run, ob)
	e.save(ctx, run)
	unlock()

	e.flush(ctx, ob)
	return run, nil
}

// Advance dispatches every ready node of a run. It is idempotent and is
// also what the engine calls itself after each node completion.
func (e *Engine) Advance(ctx context.Context, runID string) (*types.WorkflowRun, error) {
	unlock := e.locks.Lock("run:" + runID)
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		unlock()
		return nil, err
	}
	if run.Status.Terminal() {
		unlock()
		return run, nil
	}
	ob := &outbox{}
	e.step(ctx, run, ob)
	e.save(ctx, run)
	unlock()

	e.flush(ctx, ob)
	return run, nil
}

// Cancel stops a running run: pending and ready nodes are skipped. Running
// nodes keep their status with reason Cancelled; their calls are aborted and
// any late result is disregarded.
func (e *Engine) Cancel(ctx context.Context, runID string) (*types.WorkflowRun, error) {
	unlock := e.locks.Lock("run:" + runID)
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		unlock()
		return nil, err
	}
	switch run.Status {
	case types.RunCancelled:
		unlock()
		return run, nil
	case types.RunSucceeded, types.RunFailed:
		unlock()
		return nil, cerrors.InvalidTransition("run", runID, run.Status, types.RunCancelled)
	}

	ob := &outbox{}
	for _, id := range nodeOrder(run) {
		ns := run.NodeStates[id]
		switch ns.Status {
		case types.NodePending, types.NodeReady:
			e.setNode(run, id, types.NodeSkipped, types.ReasonCancelled, "run cancelled", ob)
		case types.NodeRunning:
			// left running; the call is aborted and its result ignored
			ns.Reason = types.ReasonCancelled
		}
	}
	e.endRun(run, types.RunCancelled, "cancelled", ob)
	e.save(ctx, run)
	unlock()

	e.flush(ctx, ob)
	return run, nil
}

// RetryNode re-dispatches a failed node. A failed run is reopened; nodes
// skipped because of the failure become pending again.
func (e *Engine) RetryNode(ctx context.Context, runID, nodeID string) (*types.WorkflowRun, error) {
	unlock := e.locks.Lock("run:" + runID)
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		unlock()
		return nil, err
	}
	ns, ok := run.NodeStates[nodeID]
	if !ok {
		unlock()
		return nil, cerrors.NotFound("node", nodeID)
	}
	if run.Status == types.RunCancelled || run.Status == types.RunSucceeded {
		unlock()
		return nil, cerrors.InvalidTransition("run", runID, run.Status, types.RunRunning)
	}
	if ns.Status != types.NodeFailed {
		unlock()
		return nil, cerrors.InvalidTransition("node", nodeID, ns.Status, types.NodePending)
	}

	reopen := run.Status == types.RunFailed
	resetNode(ns)
	for _, other := range run.NodeStates {
		if other.Reason == types.ReasonUpstream || (reopen && other.Reason == types.ReasonRunFailed) {
			resetNode(other)
		}
	}
	if reopen {
		run.Status = types.RunRunning
		run.EndedAt = nil
		run.Error = ""
		e.control(run.ID)
		e.monitor.RecordRunStarted()
	}
	e.logger.WithField("run_id", runID).Info("retrying node %s (attempt %d)", nodeID, ns.Attempt)

	ob := &outbox{}
	e.step(ctx, run, ob)
	e.save(ctx, run)
	unlock()

	e.flush(ctx, ob)
	return run, nil
}

func resetNode(ns *types.NodeState) {
	ns.Status = types.NodePending
	ns.Attempt++
	ns.Reason = ""
	ns.Error = ""
	ns.Output = nil
	ns.AgentID = ""
	ns.ReadySeq = 0
	ns.StartedAt = nil
	ns.CompletedAt = nil
}

// GetRun returns a run
func (e *Engine) GetRun(ctx context.Context, runID string) (*types.WorkflowRun, error) {
	return e.store.GetRun(ctx, runID)
}

// ListRuns returns runs ordered by start time
func (e *Engine) ListRuns(ctx context.Context, filter RunFilter) ([]*types.WorkflowRun, error) {
	return e.store.ListRuns(ctx, map[string]string{
		"status":        string(filter.Status),
		"definition_id": filter.DefinitionID,
	})
}

// Progress summarizes the node states of a run.
func (e *Engine) Progress(ctx context.Context, runID string) (*types.RunProgress, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return progressOf(run), nil
}

func progressOf(run *types.WorkflowRun) *types.RunProgress {
	p := &types.RunProgress{
		RunID:    run.ID,
		Status:   run.Status,
		Total:    len(run.NodeStates),
		Counts:   make(map[types.NodeStatus]int),
		Finished: run.Status.Terminal(),
	}
	done := 0
	for _, ns := range run.NodeStates {
		p.Counts[ns.Status]++
		if ns.Status.Terminal() {
			done++
		}
	}
	if p.Total > 0 {
		p.Percent = float64(done) * 100 / float64(p.Total)
	}
	return p
}

// Wait blocks until the run is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, runID string) (*types.WorkflowRun, error) {
	for {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}

		e.mu.Lock()
		var done <-chan struct{}
		if c, ok := e.controls[runID]; ok {
			done = c.done
		}
		e.mu.Unlock()

		timer := time.NewTimer(100 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return run, cerrors.New(cerrors.ErrTimeout, "run", runID, "%v", ctx.Err())
		case <-done:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Close rejects new runs. Runs in flight continue.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// SchedulerStats reports queued and in-flight agent nodes
func (e *Engine) SchedulerStats() (queued, inFlight int) {
	return e.sched.stats()
}

func (e *Engine) save(ctx context.Context, run *types.WorkflowRun) {
	if err := e.store.UpdateRun(ctx, run); err != nil {
		e.logger.WithField("run_id", run.ID).WithError(err).Error("failed to persist run")
	}
}

func nodeOrder(run *types.WorkflowRun) []string {
	out := make([]string, len(run.Nodes))
	for i, n := range run.Nodes {
		out[i] = n.ID
	}
	return out
}

func findNode(run *types.WorkflowRun, id string) (*types.Node, int) {
	for i := range run.Nodes {
		if run.Nodes[i].ID == id {
			return &run.Nodes[i], i
		}
	}
	return nil, -1
}

// step drives the run as far as it can go without waiting on an agent.
// The caller holds the run lock.
func (e *Engine) step(ctx context.Context, run *types.WorkflowRun, ob *outbox) {
	if run.Status.Terminal() {
		return
	}
	order, err := TopologicalOrder(&types.WorkflowDefinition{ID: run.DefinitionID, Nodes: run.Nodes, Edges: run.Edges})
	if err != nil {
		e.failRun(run, "", err.Error(), ob)
		return
	}
	g := newGraph(run.Nodes, run.Edges)
	ctl := e.control(run.ID)

	for !run.Status.Terminal() {
		e.promote(run, g, order, ob)

		progressed := false
		for _, id := range e.readyNodes(run) {
			node, index := findNode(run, id)
			switch node.Kind {
			case types.NodeKindCondition:
				e.runCondition(ctx, run, node, ob)
				progressed = true
			case types.NodeKindAction:
				e.runAction(ctx, run, node, ob)
				progressed = true
			case types.NodeKindAgent:
				ns := run.NodeStates[id]
				e.mu.Lock()
				attempt, queued := ctl.queued[id]
				if !queued || attempt != ns.Attempt {
					ctl.queued[id] = ns.Attempt
					ob.enqueue = append(ob.enqueue, dispatch{
						runID: run.ID, nodeID: id, attempt: ns.Attempt, seq: ns.ReadySeq, index: index,
					})
				}
				e.mu.Unlock()
			}
			if run.Status.Terminal() {
				return
			}
		}
		if !progressed {
			break
		}
	}
	e.checkComplete(run, ob)
}

// promote moves pending nodes whose predecessors have all finished to ready
// or skipped. Nodes readied in one pass share a readiness sequence number.
func (e *Engine) promote(run *types.WorkflowRun, g *graph, order []string, ob *outbox) {
	var seq int64
	for _, id := range order {
		ns := run.NodeStates[id]
		if ns.Status != types.NodePending {
			continue
		}
		preds := g.up[id]
		finished, succeeded, failed := true, false, false
		for _, p := range preds {
			switch run.NodeStates[p].Status {
			case types.NodeSucceeded:
				succeeded = true
			case types.NodeFailed:
				failed = true
			case types.NodeSkipped:
			default:
				finished = false
			}
		}
		if !finished {
			continue
		}
		if len(preds) > 0 && (failed || !succeeded) {
			e.setNode(run, id, types.NodeSkipped, types.ReasonUpstream, "no upstream path ran", ob)
			continue
		}
		if seq == 0 {
			seq = e.seq.Add(1)
		}
		ns.ReadySeq = seq
		e.setNode(run, id, types.NodeReady, "", "", ob)
	}
}

// readyNodes lists ready nodes by readiness then definition order.
func (e *Engine) readyNodes(run *types.WorkflowRun) []string {
	var ready []string
	index := make(map[string]int, len(run.Nodes))
	for i, n := range run.Nodes {
		index[n.ID] = i
		if run.NodeStates[n.ID].Status == types.NodeReady {
			ready = append(ready, n.ID)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := run.NodeStates[ready[i]], run.NodeStates[ready[j]]
		if a.ReadySeq != b.ReadySeq {
			return a.ReadySeq < b.ReadySeq
		}
		return index[ready[i]] < index[ready[j]]
	})
	return ready
}

func (e *Engine) checkComplete(run *types.WorkflowRun, ob *outbox) {
	if run.Status.Terminal() {
		return
	}
	for _, ns := range run.NodeStates {
		if !ns.Status.Terminal() {
			return
		}
	}
	e.endRun(run, types.RunSucceeded, "", ob)
}

// nodeFailed records a node failure and fails the run unless the node is best effort.
func (e *Engine) nodeFailed(run *types.WorkflowRun, node *types.Node, reason types.FailureReason, msg string, ob *outbox) {
	e.setNode(run, node.ID, types.NodeFailed, reason, msg, ob)
	if node.BestEffort {
		e.logger.WithField("run_id", run.ID).Warn("best-effort node %s failed: %s", node.ID, msg)
		return
	}
	e.failRun(run, node.ID, fmt.Sprintf("node %s failed (%s): %s", node.ID, reason, msg), ob)
}

// failRun ends the run as failed. Descendants of the failed node are skipped
// as upstream failures, other unstarted nodes as run failures, and running
// nodes are aborted.
func (e *Engine) failRun(run *types.WorkflowRun, nodeID, msg string, ob *outbox) {
	descendants := make(map[string]bool)
	if nodeID != "" {
		g := newGraph(run.Nodes, run.Edges)
		stack := append([]string(nil), g.down[nodeID]...)
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if descendants[id] {
				continue
			}
			descendants[id] = true
			stack = append(stack, g.down[id]...)
		}
	}

	for _, id := range nodeOrder(run) {
		switch run.NodeStates[id].Status {
		case types.NodePending, types.NodeReady:
			if descendants[id] {
				e.setNode(run, id, types.NodeSkipped, types.ReasonUpstream, "upstream node failed", ob)
			} else {
				e.setNode(run, id, types.NodeSkipped, types.ReasonRunFailed, "run failed", ob)
			}
		case types.NodeRunning:
			e.setNode(run, id, types.NodeFailed, types.ReasonRunFailed, "run failed", ob)
		}
	}
	e.endRun(run, types.RunFailed, msg, ob)
}

func (e *Engine) endRun(run *types.WorkflowRun, status types.RunStatus, msg string, ob *outbox) {
	now := e.now()
	run.Status = status
	run.EndedAt = &now
	run.Error = msg
	e.sched.dropRun(run.ID)

	// Detach the control while the run lock is held so a retry that reopens
	// the run gets a fresh one.
	e.mu.Lock()
	ob.closing = e.controls[run.ID]
	delete(e.controls, run.ID)
	e.mu.Unlock()

	ob.events = append(ob.events, e.runEvent(run, types.EventTypeRunCompleted, string(types.RunRunning)))
	if e.cfg.CompletionTopic != "" {
		ob.notes = append(ob.notes, &types.Message{
			From:    types.SystemSender,
			To:      types.ToTopic(e.cfg.CompletionTopic),
			Subject: fmt.Sprintf("run %s %s", run.Name, status),
			Body:    msg,
			Metadata: map[string]string{
				"run_id":        run.ID,
				"definition_id": run.DefinitionID,
				"status":        string(status),
			},
		})
	}
	snapshot := *run
	ob.finished = &snapshot
}

// setNode moves a node to status and records the transition.
func (e *Engine) setNode(run *types.WorkflowRun, id string, status types.NodeStatus, reason types.FailureReason, msg string, ob *outbox) {
	ns := run.NodeStates[id]
	from := ns.Status
	now := e.now()
	ns.Status = status
	ns.Reason = reason
	ns.Error = ""
	if status == types.NodeFailed {
		ns.Error = msg
	}
	switch status {
	case types.NodeRunning:
		ns.StartedAt = &now
	case types.NodeSucceeded, types.NodeFailed, types.NodeSkipped:
		ns.CompletedAt = &now
	}

	if status == types.NodeFailed || status == types.NodeSkipped || status == types.NodeRunning {
		e.mu.Lock()
		if c, ok := e.controls[run.ID]; ok {
			delete(c.queued, id)
			if status != types.NodeRunning {
				if abort, ok := c.aborts[id]; ok {
					abort()
					delete(c.aborts, id)
				}
			}
		}
		e.mu.Unlock()
	}

	node, _ := findNode(run, id)
	detail := map[string]string{"run_id": run.ID, "node_id": id, "kind": string(node.Kind)}
	if reason != "" {
		detail["reason"] = string(reason)
	}
	ob.events = append(ob.events, &types.Event{
		Type:          types.EventTypeNodeStatusChanged,
		EntityKind:    types.EntityNode,
		EntityID:      run.ID + "/" + id,
		PreviousState: string(from),
		NewState:      string(status),
		Timestamp:     now,
		Detail:        detail,
	})

	if !status.Terminal() {
		return
	}
	var d time.Duration
	if ns.StartedAt != nil {
		d = now.Sub(*ns.StartedAt)
	}
	e.monitor.RecordNode(string(node.Kind), string(status), d)
	if e.cfg.CompletionTopic != "" {
		ob.notes = append(ob.notes, &types.Message{
			From:    types.SystemSender,
			To:      types.ToTopic(e.cfg.CompletionTopic),
			Subject: fmt.Sprintf("node %s %s", id, status),
			Body:    msg,
			Metadata: map[string]string{
				"run_id":  run.ID,
				"node_id": id,
				"status":  string(status),
				"reason":  string(reason),
			},
		})
	}
}

func (e *Engine) runEvent(run *types.WorkflowRun, t types.EventType, from string) *types.Event {
	return &types.Event{
		Type:          t,
		EntityKind:    types.EntityRun,
		EntityID:      run.ID,
		PreviousState: from,
		NewState:      string(run.Status),
		Timestamp:     e.now(),
		Detail:        map[string]string{"definition_id": run.DefinitionID, "name": run.Name},
	}
}

// conditionInput exposes run variables and the outputs of succeeded nodes.
func conditionInput(run *types.WorkflowRun) map[string]interface{} {
	outputs := make(map[string]interface{})
	for id, ns := range run.NodeStates {
		if ns.Status == types.NodeSucceeded && ns.Output != nil {
			outputs[id] = ns.Output
		}
	}
	vars := run.Variables
	if vars == nil {
		vars = map[string]interface{}{}
	}
	return map[string]interface{}{"vars": vars, "outputs": outputs}
}

func (e *Engine) runCondition(ctx context.Context, run *types.WorkflowRun, node *types.Node, ob *outbox) {
	run.Dispatched = append(run.Dispatched, node.ID)
	e.setNode(run, node.ID, types.NodeRunning, "", "", ob)

	ok, err := e.conditions.Evaluate(ctx, node.Condition, conditionInput(run))
	switch {
	case err != nil:
		e.nodeFailed(run, node, types.ReasonConditionError, err.Error(), ob)
	case ok:
		run.NodeStates[node.ID].Output = map[string]interface{}{"result": true}
		e.setNode(run, node.ID, types.NodeSucceeded, "", "", ob)
	default:
		e.setNode(run, node.ID, types.NodeSkipped, types.ReasonConditionFalse, "condition evaluated false", ob)
	}
}

// start claims an admitted dispatch: the node moves to running on a resolved
// agent and its task is handed to runTask. Claims happen in admission order.
func (e *Engine) start(d dispatch) {
	ctx := context.Background()
	unlock := e.locks.Lock("run:" + d.runID)
	run, err := e.store.GetRun(ctx, d.runID)
	if err != nil {
		unlock()
		e.sched.release(d.runID)
		return
	}
	ns, ok := run.NodeStates[d.nodeID]
	if !ok || run.Status.Terminal() || ns.Status != types.NodeReady || ns.Attempt != d.attempt {
		unlock()
		e.sched.release(d.runID)
		return
	}
	node, _ := findNode(run, d.nodeID)

	agent, err := e.resolveAgent(ctx, node)
	if err == nil {
		agent, err = e.agents.BeginTask(ctx, agent.ID)
	}
	if cerrors.Is(err, cerrors.ErrAgentBusy) {
		unlock()
		e.sched.release(d.runID)
		time.AfterFunc(e.cfg.BusyRetry, func() { e.sched.enqueue(d) })
		return
	}
	if err != nil {
		ob := &outbox{}
		e.nodeFailed(run, node, types.ReasonAgentUnavailable, err.Error(), ob)
		e.step(ctx, run, ob)
		e.save(ctx, run)
		unlock()
		e.flush(ctx, ob)
		e.sched.release(d.runID)
		return
	}

	timeout := node.Timeout.Std()
	if timeout <= 0 {
		timeout = e.cfg.DefaultNodeTimeout
	}
	execCtx, cancel := context.WithTimeout(context.Background(), timeout)

	ob := &outbox{}
	ns.AgentID = agent.ID
	run.Dispatched = append(run.Dispatched, node.ID)
	e.setNode(run, node.ID, types.NodeRunning, "", "", ob)
	e.mu.Lock()
	if c, ok := e.controls[run.ID]; ok {
		c.aborts[node.ID] = cancel
	}
	e.mu.Unlock()
	task := executor.Task{
		RunID:     run.ID,
		NodeID:    node.ID,
		Attempt:   ns.Attempt,
		Params:    node.Params,
		Variables: run.Variables,
	}
	e.save(ctx, run)
	unlock()
	e.flush(ctx, ob)

	go e.runTask(execCtx, cancel, d, agent, task)
}

// runTask performs a claimed dispatch and frees its scheduler slot.
func (e *Engine) runTask(execCtx context.Context, cancel context.CancelFunc, d dispatch, agent *types.Agent, task executor.Task) {
	ctx := context.Background()
	res, timedOut, execErr := e.execute(execCtx, agent, task)
	cancel()
	if _, err := e.agents.EndTask(ctx, agent.ID); err != nil && !cerrors.IsNotFound(err) {
		e.logger.WithField("agent_id", agent.ID).WithError(err).Warn("failed to end task")
	}

	e.complete(ctx, d, task.NodeID, res, execErr, timedOut)
	e.sched.release(d.runID)
}

func (e *Engine) resolveAgent(ctx context.Context, node *types.Node) (*types.Agent, error) {
	if node.AgentID != "" {
		return e.agents.Get(ctx, node.AgentID)
	}
	return e.agents.Select(ctx, *node.Selector)
}

// execute calls the executor and gives up at the deadline even if the call
// has not returned.
func (e *Engine) execute(ctx context.Context, agent *types.Agent, task executor.Task) (*executor.Result, bool, error) {
	ctx, span := e.monitor.StartSpan(ctx, "workflow.node",
		attribute.String("run.id", task.RunID),
		attribute.String("node.id", task.NodeID),
		attribute.String("agent.id", agent.ID))
	defer span.End()

	type outcome struct {
		res *executor.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		res, err := e.exec.Execute(ctx, agent, task)
		ch <- outcome{res, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && cerrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, true, out.err
		}
		return out.res, false, out.err
	case <-ctx.Done():
		return nil, cerrors.Is(ctx.Err(), context.DeadlineExceeded), ctx.Err()
	}
}

func (e *Engine) complete(ctx context.Context, d dispatch, nodeID string, res *executor.Result, execErr error, timedOut bool) {
	unlock := e.locks.Lock("run:" + d.runID)
	run, err := e.store.GetRun(ctx, d.runID)
	if err != nil {
		unlock()
		return
	}
	ns := run.NodeStates[nodeID]
	if run.Status.Terminal() || ns.Status != types.NodeRunning || ns.Attempt != d.attempt {
		unlock()
		e.logger.WithField("run_id", d.runID).Debug("disregarding result of node %s attempt %d", nodeID, d.attempt)
		return
	}
	node, _ := findNode(run, nodeID)

	e.mu.Lock()
	if c, ok := e.controls[run.ID]; ok {
		delete(c.aborts, nodeID)
	}
	e.mu.Unlock()

	ob := &outbox{}
	switch {
	case timedOut:
		e.nodeFailed(run, node, types.ReasonTimeout, "node deadline exceeded", ob)
	case execErr != nil:
		e.nodeFailed(run, node, types.ReasonExecutorError, execErr.Error(), ob)
	default:
		if res != nil {
			ns.Output = res.Output
		}
		e.setNode(run, nodeID, types.NodeSucceeded, "", "", ob)
	}
	e.step(ctx, run, ob)
	e.save(ctx, run)
	unlock()

	e.flush(ctx, ob)
}
