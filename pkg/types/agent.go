package types

import "time"

// AgentStatus represents the lifecycle state of an agent
type AgentStatus string

const (
	AgentStatusRegistered AgentStatus = "registered"
	AgentStatusActive     AgentStatus = "active"
	AgentStatusPaused     AgentStatus = "paused"
	AgentStatusError      AgentStatus = "error"
	AgentStatusInactive   AgentStatus = "inactive"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusRegistered, AgentStatusActive, AgentStatusPaused, AgentStatusError, AgentStatusInactive:
		return true
	}
	return false
}

// CanTransitionAgent reports whether an agent may move from one status to another.
// Allowed: registered->active, active<->paused, any->error, any->inactive,
// error|inactive->active.
func CanTransitionAgent(from, to AgentStatus) bool {
	switch to {
	case AgentStatusError, AgentStatusInactive:
		return true
	case AgentStatusActive:
		return from == AgentStatusRegistered || from == AgentStatusPaused ||
			from == AgentStatusError || from == AgentStatusInactive
	case AgentStatusPaused:
		return from == AgentStatusActive
	}
	return false
}

// ConcurrencyPolicy controls whether an agent may run several tasks at once.
type ConcurrencyPolicy string

const (
	ConcurrencySerial   ConcurrencyPolicy = "serial"
	ConcurrencyParallel ConcurrencyPolicy = "parallel"
)

// Agent is an externally executing worker known to the registry.
type Agent struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Framework    string            `json:"framework" yaml:"framework"`
	Status       AgentStatus       `json:"status" yaml:"status"`
	Capabilities map[string]string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	// Concurrency defaults to serial. MaxConcurrentTasks applies to parallel
	// agents only; zero means unbounded.
	Concurrency        ConcurrencyPolicy `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks,omitempty" yaml:"max_concurrent_tasks,omitempty"`
	RunningTasks       int               `json:"running_tasks"`

	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsLive reports whether the agent can currently receive messages.
func (a *Agent) IsLive() bool {
	switch a.Status {
	case AgentStatusRegistered, AgentStatusActive, AgentStatusPaused:
		return true
	}
	return false
}

// HasCapacity reports whether the concurrency policy admits one more task.
func (a *Agent) HasCapacity() bool {
	if a.Concurrency == ConcurrencyParallel {
		return a.MaxConcurrentTasks <= 0 || a.RunningTasks < a.MaxConcurrentTasks
	}
	return a.RunningTasks == 0
}

// HasCapability reports whether the capability descriptor carries key, and value when non-empty.
func (a *Agent) HasCapability(key, value string) bool {
	v, ok := a.Capabilities[key]
	if !ok {
		return false
	}
	return value == "" || v == value
}
