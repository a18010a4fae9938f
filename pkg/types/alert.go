package types

import "time"

// DerivedRuleID marks alerts generated by the engine rather than by a rule.
const DerivedRuleID = "derived"

// Derived alert sources.
const (
	SourceHeartbeatTimeout = "heartbeat_timeout"
	SourceAgentError       = "agent_error"
)

// Operator compares a sample value against a threshold.
type Operator string

const (
	OpGreaterThan Operator = ">"
	OpLessThan    Operator = "<"
	OpEqual       Operator = "=="
)

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	return o == OpGreaterThan || o == OpLessThan || o == OpEqual
}

// Compare evaluates value <o> threshold.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGreaterThan:
		return value > threshold
	case OpLessThan:
		return value < threshold
	case OpEqual:
		return value == threshold
	}
	return false
}

// Severity of an alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

// AlertRule is a standing condition over a metric.
type AlertRule struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name,omitempty" yaml:"name,omitempty"`
	Metric    string   `json:"metric" yaml:"metric"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Threshold float64  `json:"threshold" yaml:"threshold"`
	Severity  Severity `json:"severity" yaml:"severity"`
	AgentID   string   `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Enabled   bool     `json:"enabled" yaml:"enabled"`

	// AutoResolve overrides the engine default when set.
	AutoResolve    *bool     `json:"auto_resolve,omitempty" yaml:"auto_resolve,omitempty"`
	MarkAgentError bool      `json:"mark_agent_error,omitempty" yaml:"mark_agent_error,omitempty"`
	CreatedAt      time.Time `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"-"`
}

// Matches reports whether the rule applies to a sample of metric for agentID.
func (r *AlertRule) Matches(agentID, metric string) bool {
	return r.Enabled && r.Metric == metric && (r.AgentID == "" || r.AgentID == agentID)
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Open reports whether the alert still needs attention.
func (s AlertStatus) Open() bool { return s == AlertActive || s == AlertAcknowledged }

// Alert is a raised rule or system condition on one agent.
type Alert struct {
	ID             string      `json:"id"`
	RuleID         string      `json:"rule_id"`
	Source         string      `json:"source,omitempty"`
	AgentID        string      `json:"agent_id"`
	Severity       Severity    `json:"severity"`
	Title          string      `json:"title"`
	Message        string      `json:"message"`
	Metric         string      `json:"metric,omitempty"`
	Value          float64     `json:"value,omitempty"`
	Status         AlertStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string      `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy     string      `json:"resolved_by,omitempty"`
}

// DedupeKey identifies the (rule, agent) pair an alert belongs to.
func (a *Alert) DedupeKey() string {
	rule := a.RuleID
	if rule == DerivedRuleID {
		rule += ":" + a.Source
	}
	return rule + "|" + a.AgentID
}

// Sample is one metric observation for an agent.
type Sample struct {
	AgentID   string    `json:"agent_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}
