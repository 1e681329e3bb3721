package realtime

import "context"

// IngestionProducer publishes an ingested event to the durable topic. The
// producer keys every publish by conversation ID so that a single consumer
// lane observes all events for one conversation in publish order.
type IngestionProducer interface {
	Publish(ctx context.Context, event *IngestedMessageEvent) error
}

// MessageStore is the external store that owns message history. Persist
// must return only after the message is durable; the gateway acknowledges
// a send to the client only on success.
type MessageStore interface {
	Persist(ctx context.Context, msg *Message) (messageID string, err error)
}

// DeadLetterSink records events that could not be broadcast after
// exhausting retries. Records are held for manual inspection, never
// replayed automatically.
type DeadLetterSink interface {
	Record(ctx context.Context, event *IngestedMessageEvent, failureCount int, lastErr error) error
	List(ctx context.Context, limit int) ([]*DeadLetterRecord, error)
}

// IdentityVerifier turns a bearer token into a verified identity, or
// rejects it. Handshakes whose token lacks either claim are hard-failed.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Broadcaster is the gateway capability consumed by the fan-out worker and
// by anything broadcasting presence. The transport behind it is
// deliberately opaque.
type Broadcaster interface {
	// BroadcastToGroup pushes the event to every live connection currently
	// subscribed to the conversation.
	BroadcastToGroup(ctx context.Context, conversationID string, event ServerEvent) error

	// BroadcastToAll pushes the event to every live connection.
	BroadcastToAll(ctx context.Context, event ServerEvent) error

	// SendToConnection pushes the event to a single connection.
	SendToConnection(ctx context.Context, connectionID string, event ServerEvent) error
}
