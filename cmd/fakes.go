package cmd

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/internal/test/fakes"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice/config"
)

// NewFakeDependencies creates in-memory fakes for local development. The
// fake producer feeds the fake consumer directly, so the fan-out pipeline
// runs end to end without Pub/Sub.
func NewFakeDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*realtime.Dependencies, error) {
	consumer := fakes.NewInMemoryConsumer(100, logger)

	return &realtime.Dependencies{
		IngestionProducer: fakes.NewProducer(consumer, logger),
		IngestionConsumer: consumer,
		MessageStore:      fakes.NewMessageStore(logger),
		DeadLetterSink:    fakes.NewDeadLetterSink(logger),
	}, nil
}
