// Package realtime consolidates core domain types and service dependency
// definitions for the realtime delivery service.
package realtime

import (
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
)

// Dependencies holds all the external services the realtime service needs
// to operate. This struct is used for dependency injection.
type Dependencies struct {
	// --- Producers ---
	IngestionProducer IngestionProducer

	// --- Consumers ---
	IngestionConsumer messagepipeline.MessageConsumer

	// --- Collaborators ---
	MessageStore   MessageStore
	DeadLetterSink DeadLetterSink
}
