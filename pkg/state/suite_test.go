package state

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/types"
)

// runStoreSuite exercises the StateManager contract against any backend.
func runStoreSuite(t *testing.T, store Store) {
	t.Run("Agents", func(t *testing.T) { testAgents(t, store) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, store) })
	t.Run("Topics", func(t *testing.T) { testTopics(t, store) })
	t.Run("Definitions", func(t *testing.T) { testDefinitions(t, store) })
	t.Run("Runs", func(t *testing.T) { testRuns(t, store) })
	t.Run("RulesAndAlerts", func(t *testing.T) { testRulesAndAlerts(t, store) })
	t.Run("Events", func(t *testing.T) { testEvents(t, store) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, store) })
}

func testAgents(t *testing.T, store Store) {
	ctx := context.Background()
	agent := &types.Agent{
		ID:           "agent-1",
		Name:         "Researcher",
		Framework:    "crewai",
		Status:       types.AgentStatusRegistered,
		Capabilities: map[string]string{"skill": "search"},
		RegisteredAt: time.Now().UTC(),
	}

	if err := store.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	if err := store.CreateAgent(ctx, agent); !cerrors.Is(err, cerrors.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	agent.Capabilities["skill"] = "mutated"

	got, err := store.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Capabilities["skill"] != "search" {
		t.Errorf("stored capabilities were shared with caller: %v", got.Capabilities)
	}

	got.Status = types.AgentStatusActive
	if err := store.UpdateAgent(ctx, got); err != nil {
		t.Fatalf("UpdateAgent failed: %v", err)
	}
	again, _ := store.GetAgent(ctx, "agent-1")
	if again.Status != types.AgentStatusActive {
		t.Errorf("read after write returned status %s", again.Status)
	}

	if err := store.CreateAgent(ctx, &types.Agent{ID: "agent-2", Framework: "autogen", Status: types.AgentStatusPaused}); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	active, err := store.ListAgents(ctx, map[string]string{"status": "active"})
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "agent-1" {
		t.Errorf("unexpected filtered agents: %+v", active)
	}
	all, _ := store.ListAgents(ctx, nil)
	if len(all) != 2 || all[0].ID != "agent-1" || all[1].ID != "agent-2" {
		t.Errorf("expected two agents ordered by id, got %d", len(all))
	}

	if err := store.DeleteAgent(ctx, "agent-2"); err != nil {
		t.Fatalf("DeleteAgent failed: %v", err)
	}
	if _, err := store.GetAgent(ctx, "agent-2"); !cerrors.IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	if err := store.DeleteAgent(ctx, "agent-2"); !cerrors.IsNotFound(err) {
		t.Errorf("expected not found deleting twice, got %v", err)
	}
	if err := store.UpdateAgent(ctx, &types.Agent{ID: "ghost"}); !cerrors.IsNotFound(err) {
		t.Errorf("expected not found updating missing agent, got %v", err)
	}
}

func testMessages(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		msg := &types.Message{
			ID:         fmt.Sprintf("msg-%d", i),
			From:       types.SystemSender,
			To:         types.ToAgent("a1"),
			Kind:       types.MessageKindRequest,
			Priority:   types.PriorityNormal,
			Subject:    "ping",
			Status:     types.DeliveryDelivered,
			Recipients: []string{"a1"},
			CreatedAt:  base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}
	failed := &types.Message{ID: "msg-f", From: "a2", To: types.ToAgent("gone"), Status: types.DeliveryFailed, CreatedAt: base.Add(time.Second)}
	if err := store.CreateMessage(ctx, failed); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	msgs, err := store.ListMessages(ctx, map[string]string{"recipient": "a1"})
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages for a1, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.ID != fmt.Sprintf("msg-%d", i) {
			t.Errorf("messages out of creation order: %s at %d", m.ID, i)
		}
	}

	byStatus, _ := store.ListMessages(ctx, map[string]string{"status": "failed"})
	if len(byStatus) != 1 || byStatus[0].ID != "msg-f" {
		t.Errorf("unexpected failed messages: %+v", byStatus)
	}

	m, _ := store.GetMessage(ctx, "msg-0")
	m.Acknowledged = true
	if err := store.UpdateMessage(ctx, m); err != nil {
		t.Fatalf("UpdateMessage failed: %v", err)
	}
	m, _ = store.GetMessage(ctx, "msg-0")
	if !m.Acknowledged {
		t.Error("acknowledged flag not persisted")
	}
}

func testTopics(t *testing.T, store Store) {
	ctx := context.Background()
	topic := &types.Topic{Name: "alerts", Description: "alert fan-out", CreatedAt: time.Now().UTC()}
	if err := store.CreateTopic(ctx, topic); err != nil {
		t.Fatalf("CreateTopic failed: %v", err)
	}
	topic.Subscribers = []string{"a1", "a2"}
	if err := store.UpdateTopic(ctx, topic); err != nil {
		t.Fatalf("UpdateTopic failed: %v", err)
	}
	got, err := store.GetTopic(ctx, "alerts")
	if err != nil {
		t.Fatalf("GetTopic failed: %v", err)
	}
	if len(got.Subscribers) != 2 {
		t.Errorf("expected 2 subscribers, got %v", got.Subscribers)
	}
	topics, _ := store.ListTopics(ctx)
	if len(topics) != 1 {
		t.Errorf("expected one topic, got %d", len(topics))
	}
	if err := store.DeleteTopic(ctx, "alerts"); err != nil {
		t.Fatalf("DeleteTopic failed: %v", err)
	}
	if _, err := store.GetTopic(ctx, "alerts"); !cerrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func testDefinitions(t *testing.T, store Store) {
	ctx := context.Background()
	def := &types.WorkflowDefinition{
		ID:     "wf-1",
		Name:   "pipeline",
		Status: types.DefinitionDraft,
		Nodes: []types.Node{
			{ID: "a", Kind: types.NodeKindAgent, AgentID: "a1", Timeout: types.Duration(time.Second)},
			{ID: "b", Kind: types.NodeKindCondition, Condition: "approved"},
		},
		Edges:     []types.Edge{{From: "a", To: "b"}},
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateDefinition(ctx, def); err != nil {
		t.Fatalf("CreateDefinition failed: %v", err)
	}
	got, err := store.GetDefinition(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetDefinition failed: %v", err)
	}
	if len(got.Nodes) != 2 || got.Nodes[0].Timeout.Std() != time.Second {
		t.Errorf("definition did not round trip: %+v", got)
	}

	got.Status = types.DefinitionActive
	if err := store.UpdateDefinition(ctx, got); err != nil {
		t.Fatalf("UpdateDefinition failed: %v", err)
	}
	active, _ := store.ListDefinitions(ctx, map[string]string{"status": "active"})
	if len(active) != 1 {
		t.Errorf("expected one active definition, got %d", len(active))
	}
}

func testRuns(t *testing.T, store Store) {
	ctx := context.Background()
	run := &types.WorkflowRun{
		ID:           "run-1",
		DefinitionID: "wf-1",
		Status:       types.RunRunning,
		NodeStates: map[string]*types.NodeState{
			"a": {NodeID: "a", Status: types.NodeReady},
		},
		StartedAt: time.Now().UTC(),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	run.NodeStates["a"].Status = types.NodeSucceeded
	run.Status = types.RunSucceeded
	if err := store.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}
	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.NodeStates["a"].Status != types.NodeSucceeded {
		t.Errorf("node state not persisted: %+v", got.NodeStates["a"])
	}
	runs, _ := store.ListRuns(ctx, map[string]string{"definition_id": "wf-1", "status": "succeeded"})
	if len(runs) != 1 {
		t.Errorf("expected one run, got %d", len(runs))
	}
}

func testRulesAndAlerts(t *testing.T, store Store) {
	ctx := context.Background()
	rule := &types.AlertRule{ID: "r1", Metric: "cpu", Operator: types.OpGreaterThan, Threshold: 90, Severity: types.SeverityHigh, Enabled: true}
	if err := store.CreateRule(ctx, rule); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	rules, _ := store.ListRules(ctx)
	if len(rules) != 1 {
		t.Fatalf("expected one rule, got %d", len(rules))
	}

	alert := &types.Alert{ID: "al-1", RuleID: "r1", AgentID: "a1", Severity: types.SeverityHigh, Status: types.AlertActive, CreatedAt: time.Now().UTC()}
	if err := store.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("CreateAlert failed: %v", err)
	}
	alert.Status = types.AlertResolved
	if err := store.UpdateAlert(ctx, alert); err != nil {
		t.Fatalf("UpdateAlert failed: %v", err)
	}
	open, _ := store.ListAlerts(ctx, map[string]string{"status": "active"})
	if len(open) != 0 {
		t.Errorf("expected no active alerts, got %d", len(open))
	}
	resolved, _ := store.ListAlerts(ctx, map[string]string{"agent_id": "a1", "status": "resolved"})
	if len(resolved) != 1 {
		t.Errorf("expected one resolved alert, got %d", len(resolved))
	}

	if err := store.DeleteRule(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRule failed: %v", err)
	}
	if _, err := store.GetRule(ctx, "r1"); !cerrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func testEvents(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		kind := types.EntityAlert
		if i%2 == 1 {
			kind = types.EntityMessage
		}
		event := &types.Event{
			ID:         fmt.Sprintf("ev-%d", i),
			Type:       types.EventTypeAlertCreated,
			EntityKind: kind,
			EntityID:   fmt.Sprintf("entity-%d", i),
			NewState:   "active",
			Timestamp:  base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.RecordEvent(ctx, event); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}
	}

	events, err := store.GetEvents(ctx, map[string]string{"entity_kind": "alert"}, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 alert events, got %d", len(events))
	}
	if events[0].ID != "ev-4" {
		t.Errorf("expected newest first, got %s", events[0].ID)
	}

	limited, _ := store.GetEvents(ctx, nil, 2)
	if len(limited) != 2 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}

func testConcurrentUpdates(t *testing.T, store Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent := &types.Agent{ID: fmt.Sprintf("c-%02d", i), Status: types.AgentStatusActive}
			if err := store.CreateAgent(ctx, agent); err != nil {
				t.Errorf("CreateAgent %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	agents, err := store.ListAgents(ctx, map[string]string{"status": "active"})
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	count := 0
	for _, a := range agents {
		if len(a.ID) == 4 && a.ID[:2] == "c-" {
			count++
		}
	}
	if count != 20 {
		t.Errorf("expected 20 concurrently created agents, got %d", count)
	}
}
