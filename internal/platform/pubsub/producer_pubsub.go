// Package pubsub contains concrete adapters for interacting with Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// pubsubTopicClient defines the interface for the underlying pubsub.Topic.
// This allows us to use a mock for testing.
type pubsubTopicClient interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// Producer implements the realtime.IngestionProducer interface. It
// serializes an ingested message event and publishes it to the ingest
// topic, keyed by conversation so the broker preserves per-conversation
// order.
type Producer struct {
	topic pubsubTopicClient
}

// NewProducer is the constructor for the Pub/Sub producer.
func NewProducer(topic pubsubTopicClient) *Producer {
	return &Producer{
		topic: topic,
	}
}

// Publish serializes the event and sends it to the ingest topic. The
// ordering key is the conversation ID: events within one conversation are
// consumed in publish order, while separate conversations fan out freely.
func (p *Producer) Publish(ctx context.Context, event *realtime.IngestedMessageEvent) error {
	payloadBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event for publishing: %w", err)
	}

	message := &pubsub.Message{
		Data:        payloadBytes,
		OrderingKey: event.ConversationID,
	}

	result := p.topic.Publish(ctx, message)
	_, err = result.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}
