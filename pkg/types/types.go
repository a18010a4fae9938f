// Package types contains the shared entities of the conductor fleet coordinator.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// SystemSender is the sender id used for messages originating from the coordinator itself.
const SystemSender = "system"

// Response represents a generic API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Duration is a time.Duration that reads and writes as a Go duration string ("30s").
// Plain numbers are accepted as nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements the yaml.v3 unmarshaler through a decode callback.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// EntityKind names the kind of entity an event refers to.
type EntityKind string

const (
	EntityAgent   EntityKind = "agent"
	EntityMessage EntityKind = "message"
	EntityAlert   EntityKind = "alert"
	EntityRun     EntityKind = "run"
	EntityNode    EntityKind = "node"
)

// EventType represents types of events
type EventType string

const (
	EventTypeAgentRegistered    EventType = "agent.registered"
	EventTypeAgentDeregistered  EventType = "agent.deregistered"
	EventTypeAgentStatusChanged EventType = "agent.status_changed"
	EventTypeMessageFailed      EventType = "message.failed"
	EventTypeAlertCreated       EventType = "alert.created"
	EventTypeAlertAcknowledged  EventType = "alert.acknowledged"
	EventTypeAlertResolved      EventType = "alert.resolved"
	EventTypeRunStarted         EventType = "run.started"
	EventTypeRunCompleted       EventType = "run.completed"
	EventTypeNodeStatusChanged  EventType = "node.status_changed"
)

// Event is a state transition surfaced to the sink.
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	EntityKind    EntityKind        `json:"entity_kind"`
	EntityID      string            `json:"entity_id"`
	PreviousState string            `json:"previous_state,omitempty"`
	NewState      string            `json:"new_state"`
	Timestamp     time.Time         `json:"timestamp"`
	Detail        map[string]string `json:"detail,omitempty"`
}
