package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/types"
)

// Entity names used in keys and errors.
const (
	entityAgent      = "agent"
	entityMessage    = "message"
	entityTopic      = "topic"
	entityDefinition = "definition"
	entityRun        = "run"
	entityRule       = "rule"
	entityAlert      = "alert"
	entityEvent      = "event"
)

// defaultEventTTL bounds how long events are retained by durable stores.
const defaultEventTTL = 7 * 24 * time.Hour

var errStoreClosed = cerrors.New(cerrors.ErrClosed, "store", "", "store is closed")

func unknownStoreError(kind string) error {
	return cerrors.Validation("store", "unknown state store type %q", kind)
}

func encode(entity string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", entity, err)
	}
	return data, nil
}

func decode[T any](entity string, data []byte) (*T, error) {
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", entity, err)
	}
	return v, nil
}

func alreadyExists(entity, id string) error {
	return cerrors.New(cerrors.ErrAlreadyExists, entity, id, "")
}

// fields exposes the filterable attributes of each entity.
func agentFields(a *types.Agent) map[string]string {
	return map[string]string{"status": string(a.Status), "framework": a.Framework}
}

func messageFields(m *types.Message) map[string]string {
	return map[string]string{
		"from":    m.From,
		"to":      m.To.String(),
		"to_kind": string(m.To.Kind),
		"status":  string(m.Status),
		"kind":    string(m.Kind),
	}
}

func definitionFields(d *types.WorkflowDefinition) map[string]string {
	return map[string]string{"status": string(d.Status), "name": d.Name}
}

func runFields(r *types.WorkflowRun) map[string]string {
	return map[string]string{"status": string(r.Status), "definition_id": r.DefinitionID}
}

func alertFields(a *types.Alert) map[string]string {
	return map[string]string{
		"status":   string(a.Status),
		"agent_id": a.AgentID,
		"rule_id":  a.RuleID,
		"severity": string(a.Severity),
		"source":   a.Source,
	}
}

func eventFields(e *types.Event) map[string]string {
	return map[string]string{
		"type":        string(e.Type),
		"entity_kind": string(e.EntityKind),
		"entity_id":   e.EntityID,
	}
}

// matchesFilter reports whether every filter entry equals the corresponding field.
// Empty filter values are ignored.
func matchesFilter(fields, filter map[string]string) bool {
	for key, value := range filter {
		if value == "" {
			continue
		}
		if fields[key] != value {
			return false
		}
	}
	return true
}

// matchesMessage also treats "recipient" as membership in the resolved recipients.
func matchesMessage(m *types.Message, filter map[string]string) bool {
	rest := make(map[string]string, len(filter))
	for key, value := range filter {
		if key == "recipient" {
			if value != "" && !m.IsRecipient(value) {
				return false
			}
			continue
		}
		rest[key] = value
	}
	return matchesFilter(messageFields(m), rest)
}

func sortAgents(agents []*types.Agent) {
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
}

func sortMessages(msgs []*types.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}

func sortTopics(topics []*types.Topic) {
	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })
}

func sortDefinitions(defs []*types.WorkflowDefinition) {
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].CreatedAt.Before(defs[j].CreatedAt) })
}

func sortRuns(runs []*types.WorkflowRun) {
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
}

func sortRules(rules []*types.AlertRule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].CreatedAt.Before(rules[j].CreatedAt) })
}

func sortAlerts(alerts []*types.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].CreatedAt.Before(alerts[j].CreatedAt) })
}

// sortEvents orders newest first and applies limit.
func sortEvents(events []*types.Event, limit int) []*types.Event {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.After(events[j].Timestamp) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}
