package types

import "time"

// MessageKind classifies a message.
type MessageKind string

const (
	MessageKindRequest      MessageKind = "request"
	MessageKindResponse     MessageKind = "response"
	MessageKindNotification MessageKind = "notification"
	MessageKindBroadcast    MessageKind = "broadcast"
)

// Valid reports whether k is a known kind.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindRequest, MessageKindResponse, MessageKindNotification, MessageKindBroadcast:
		return true
	}
	return false
}

// Priority is an ordinal message priority; urgent is highest.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the ordinal of p, or -1 when unknown.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	}
	return -1
}

// DeliveryStatus is the dispatch state of a message.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// RecipientKind selects how a message recipient is resolved.
type RecipientKind string

const (
	RecipientAgent RecipientKind = "agent"
	RecipientAll   RecipientKind = "all"
	RecipientTopic RecipientKind = "topic"
)

// Recipient addresses a single agent, every agent, or the subscribers of a topic.
type Recipient struct {
	Kind   RecipientKind `json:"kind"`
	Target string        `json:"target,omitempty"`
}

// ToAgent addresses a single agent.
func ToAgent(id string) Recipient { return Recipient{Kind: RecipientAgent, Target: id} }

// ToAll addresses every live agent.
func ToAll() Recipient { return Recipient{Kind: RecipientAll} }

// ToTopic addresses the subscribers of a topic.
func ToTopic(name string) Recipient { return Recipient{Kind: RecipientTopic, Target: name} }

func (r Recipient) String() string {
	switch r.Kind {
	case RecipientAll:
		return "all"
	case RecipientTopic:
		return "topic:" + r.Target
	}
	return r.Target
}

// Message is a unit of communication routed by the bus.
type Message struct {
	ID       string            `json:"id"`
	From     string            `json:"from"`
	To       Recipient         `json:"to"`
	Kind     MessageKind       `json:"kind"`
	Priority Priority          `json:"priority"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// RequireDelivery makes a broadcast that reaches nobody fail instead of
	// reporting delivered.
	RequireDelivery bool `json:"require_delivery,omitempty"`

	Status         DeliveryStatus `json:"status"`
	Recipients     []string       `json:"recipients,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
}

// IsRecipient reports whether agentID was among the resolved recipients.
func (m *Message) IsRecipient(agentID string) bool {
	for _, id := range m.Recipients {
		if id == agentID {
			return true
		}
	}
	return false
}

// Topic is a named broadcast channel.
type Topic struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Subscribers []string  `json:"subscribers"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasSubscriber reports whether agentID is subscribed.
func (t *Topic) HasSubscriber(agentID string) bool {
	for _, id := range t.Subscribers {
		if id == agentID {
			return true
		}
	}
	return false
}
