// Package pipeline contains the ingestion path (persist-then-publish) and
// the fan-out consumer that turns ingested events into gateway broadcasts.
package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// IngestionService is the synchronous half of the pipeline, invoked inline
// by the gateway's send_message RPC. Persist-before-publish is a hard
// invariant: an event only ever reaches the topic after the external store
// has acknowledged the message, so a crash can never cause a broadcast of
// a message that does not survive recovery.
type IngestionService struct {
	store    realtime.MessageStore
	producer realtime.IngestionProducer
	logger   zerolog.Logger
}

// NewIngestionService wires the external store to the ingest topic producer.
func NewIngestionService(
	store realtime.MessageStore,
	producer realtime.IngestionProducer,
	logger zerolog.Logger,
) (*IngestionService, error) {
	if store == nil {
		return nil, fmt.Errorf("message store cannot be nil")
	}
	if producer == nil {
		return nil, fmt.Errorf("ingestion producer cannot be nil")
	}
	return &IngestionService{
		store:    store,
		producer: producer,
		logger:   logger.With().Str("component", "IngestionService").Logger(),
	}, nil
}

// Ingest persists the message and then publishes the ingested event. If
// persistence fails the whole call fails and nothing is published; the
// client must retry the send explicitly. If persistence succeeds but the
// publish fails, the message is durable but will not be delivered live;
// that fault is logged as an error. The store remains the source of
// truth and a client refresh will still observe the message.
func (s *IngestionService) Ingest(ctx context.Context, msg *realtime.Message) (string, error) {
	messageID, err := s.store.Persist(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("failed to persist message: %w", err)
	}

	event := &realtime.IngestedMessageEvent{
		ConversationID: msg.ConversationID,
		MessageID:      messageID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}

	if err := s.producer.Publish(ctx, event); err != nil {
		s.logger.Error().Err(err).
			Str("conversation_id", event.ConversationID).
			Str("message_id", event.MessageID).
			Msg("Message persisted but publish to ingest topic failed; live delivery skipped.")
		return messageID, nil
	}

	s.logger.Debug().
		Str("conversation_id", event.ConversationID).
		Str("message_id", event.MessageID).
		Msg("Message persisted and published for fan-out.")
	return messageID, nil
}
