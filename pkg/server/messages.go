package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rizome-dev/conductor/pkg/bus"
	"github.com/rizome-dev/conductor/pkg/types"
)

// SendMessage sends a message. A message that was recorded but could not be
// delivered is still returned, with status failed.
// POST /v1/messages
func (s *Server) SendMessage(c echo.Context) error {
	var msg types.Message
	if err := bind(c, &msg); err != nil {
		return err
	}
	sent, err := s.orchestrator.Bus().Send(c.Request().Context(), &msg)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sent)
}

// MessageHistory lists stored messages.
// GET /v1/messages?from=&recipient=&status=&kind=&limit=
func (s *Server) MessageHistory(c echo.Context) error {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		return err
	}
	msgs, err := s.orchestrator.Bus().History(c.Request().Context(), bus.HistoryFilter{
		From:      c.QueryParam("from"),
		Recipient: c.QueryParam("recipient"),
		Status:    types.DeliveryStatus(c.QueryParam("status")),
		Kind:      types.MessageKind(c.QueryParam("kind")),
		Limit:     limit,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": msgs})
}

// MessageStats summarises stored messages.
// GET /v1/messages/stats
func (s *Server) MessageStats(c echo.Context) error {
	stats, err := s.orchestrator.Bus().Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

// GetMessage returns one message.
// GET /v1/messages/:message_id
func (s *Server) GetMessage(c echo.Context) error {
	msg, err := s.orchestrator.Bus().Get(c.Request().Context(), c.Param("message_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, msg)
}

// AckRequest names the acknowledging agent
type AckRequest struct {
	AgentID string `json:"agent_id"`
}

// AcknowledgeMessage marks a delivered message as acknowledged.
// POST /v1/messages/:message_id/ack
func (s *Server) AcknowledgeMessage(c echo.Context) error {
	var req AckRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	msg, err := s.orchestrator.Bus().Acknowledge(c.Request().Context(), c.Param("message_id"), req.AgentID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, msg)
}

// TopicRequest creates a topic
type TopicRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreateTopic creates a topic.
// POST /v1/topics
func (s *Server) CreateTopic(c echo.Context) error {
	var req TopicRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	topic, err := s.orchestrator.Bus().CreateTopic(c.Request().Context(), req.Name, req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, topic)
}

// ListTopics lists topics.
// GET /v1/topics
func (s *Server) ListTopics(c echo.Context) error {
	topics, err := s.orchestrator.Bus().ListTopics(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"topics": topics})
}

// GetTopic returns one topic.
// GET /v1/topics/:topic
func (s *Server) GetTopic(c echo.Context) error {
	topic, err := s.orchestrator.Bus().GetTopic(c.Request().Context(), c.Param("topic"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, topic)
}

// DeleteTopic removes a topic.
// DELETE /v1/topics/:topic
func (s *Server) DeleteTopic(c echo.Context) error {
	if err := s.orchestrator.Bus().DeleteTopic(c.Request().Context(), c.Param("topic")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// SubscribeRequest names the subscribing agent
type SubscribeRequest struct {
	AgentID string `json:"agent_id"`
}

// Subscribe adds an agent to a topic.
// POST /v1/topics/:topic/subscribers
func (s *Server) Subscribe(c echo.Context) error {
	var req SubscribeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	topic, err := s.orchestrator.Bus().Subscribe(c.Request().Context(), c.Param("topic"), req.AgentID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, topic)
}

// Unsubscribe removes an agent from a topic.
// DELETE /v1/topics/:topic/subscribers/:agent_id
func (s *Server) Unsubscribe(c echo.Context) error {
	topic, err := s.orchestrator.Bus().Unsubscribe(c.Request().Context(), c.Param("topic"), c.Param("agent_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, topic)
}
