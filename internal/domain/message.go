// Package domain contains the core types shared by the messaging
// components: messages, queued envelopes, sessions, and the handful of
// persisted entities the HTTP collaborator exposes.
package domain

import "encoding/json"

// MessageType classifies the intent of a message.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeCommand      MessageType = "command"
)

// DeliveryMode selects which paths a message travels.
type DeliveryMode string

const (
	DeliveryPubSub DeliveryMode = "pubsub"
	DeliveryQueue  DeliveryMode = "queue"
	DeliveryBoth   DeliveryMode = "both"
)

// Message is the router's view of a single piece of traffic between agents.
type Message struct {
	MessageID   string          `json:"message_id"`
	FromAgent   string          `json:"from_agent"`
	ToAgent     string          `json:"to_agent,omitempty"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	Content     json.RawMessage `json:"content"`
	Kind        MessageType     `json:"kind"`
	Mode        DeliveryMode    `json:"mode,omitempty"`
	Priority    int             `json:"priority"`
	Timestamp   float64         `json:"timestamp"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// QueuedMessage wraps a Message with durable-queue bookkeeping.
type QueuedMessage struct {
	QueueName   string          `json:"queue_name"`
	Payload     Message         `json:"payload"`
	MessageID   string          `json:"message_id"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   float64         `json:"created_at"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Envelope is the framed shape published on the broker's pub-sub channels.
type Envelope struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp float64         `json:"timestamp"`
	MessageID string          `json:"message_id"`
}
