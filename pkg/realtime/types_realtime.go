// Package realtime contains the public domain types, interfaces, and
// dependency definitions for the realtime delivery service. It defines the
// contract between the gateway, the fan-out pipeline, and any client.
package realtime

import (
	"encoding/json"
	"time"
)

// Actions a client may invoke on the gateway.
const (
	ActionSendMessage       = "send_message"
	ActionJoinConversation  = "join_conversation"
	ActionLeaveConversation = "leave_conversation"
	ActionStartTyping       = "start_typing"
	ActionStopTyping        = "stop_typing"
	ActionMarkAsRead        = "mark_as_read"
)

// Events the gateway pushes to clients.
const (
	EventReceiveMessage  = "receive_message"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventTypingIndicator = "typing_indicator"
	EventMessageRead     = "message_read"
	EventPresenceUpdate  = "presence_update"
	EventAck             = "ack"
	EventError           = "error"
)

// Identity is the verified result of a handshake token. Both fields are
// mandatory; a token missing either claim is rejected before any connection
// state is created.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Message is the unit handed to the external store for persistence.
// Content is opaque to this service; encryption and decryption happen on
// the client side.
type Message struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Content        []byte    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// IngestedMessageEvent is the immutable envelope placed on the durable
// topic strictly after the message has been durably persisted. Publishing
// before persistence would risk delivering messages that vanish on
// crash-recovery.
type IngestedMessageEvent struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Content        []byte    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// DeadLetterRecord wraps an event that exhausted its fan-out retry budget.
// Records are retained for operator inspection and never replayed
// automatically.
type DeadLetterRecord struct {
	ID           string               `json:"id"`
	Event        IngestedMessageEvent `json:"event"`
	FailureCount int                  `json:"failureCount"`
	LastError    string               `json:"lastError"`
	MovedAt      time.Time            `json:"movedAt"`
}

// ClientFrame is a single inbound invocation from a client connection.
type ClientFrame struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// ServerEvent is a single outbound frame pushed to client connections.
type ServerEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// --- RPC argument payloads ---

// SendMessageArgs carries the arguments of the send_message action. The
// sender identity is never taken from here; it is drawn from the
// authenticated connection.
type SendMessageArgs struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Content        []byte `json:"content"`
}

// ConversationArgs carries the single-argument conversation actions
// (join, leave, start/stop typing).
type ConversationArgs struct {
	ConversationID string `json:"conversationId"`
}

// MarkAsReadArgs carries the arguments of the mark_as_read action.
type MarkAsReadArgs struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// --- Server event payloads ---

// ReceiveMessagePayload is pushed to every live member of a conversation
// once the fan-out worker consumes the ingested event. Delivery is
// at-least-once; receivers must be idempotent on MessageID.
type ReceiveMessagePayload struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Content        []byte    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// MembershipPayload backs the user_joined and user_left events.
type MembershipPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
}

// TypingPayload backs the typing_indicator event.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	IsTyping       bool   `json:"isTyping"`
}

// MessageReadPayload backs the message_read event.
type MessageReadPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
}

// PresencePayload backs the presence_update event. LastSeen is only set on
// offline updates.
type PresencePayload struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// AckPayload confirms a client invocation. For send_message it is emitted
// once persistence is acknowledged; broadcast happens asynchronously.
type AckPayload struct {
	Action    string `json:"action"`
	MessageID string `json:"messageId,omitempty"`
}

// ErrorPayload reports a failed invocation back to the calling client. A
// frame-level error never tears down the connection.
type ErrorPayload struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}
