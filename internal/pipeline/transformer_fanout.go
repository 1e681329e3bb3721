package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// EventTransformer is the dataflow Transformer stage that unmarshals a raw
// payload from the ingest subscription into a validated ingested message
// event.
//
// A payload that does not decode, or that lacks its routing identifiers,
// is skipped: redelivering it can never succeed, so acking it out of the
// subscription is the only useful outcome.
func EventTransformer(_ context.Context, msg *messagepipeline.Message) (*realtime.IngestedMessageEvent, bool, error) {
	var event realtime.IngestedMessageEvent

	err := json.Unmarshal(msg.Payload, &event)
	if err != nil {
		slog.Error("Failed to unmarshal ingested event", "err", err, "msg_id", msg.ID, "payload", string(msg.Payload))
		return nil, true, fmt.Errorf("failed to unmarshal ingested event from message %s: %w", msg.ID, err)
	}

	// Without these two fields the event cannot be routed to a group nor
	// dead-lettered meaningfully.
	if event.ConversationID == "" || event.MessageID == "" {
		slog.Error("Ingested event is missing routing identifiers", "msg_id", msg.ID)
		return nil, true, fmt.Errorf("ingested event from message %s is missing routing identifiers", msg.ID)
	}

	return &event, false, nil
}
