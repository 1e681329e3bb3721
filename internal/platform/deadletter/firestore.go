// Package deadletter contains the durable sinks for events that exhausted
// their fan-out retry budget. Records are retained for operator inspection
// and never replayed automatically.
package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// storedRecord is the flattened document we store in Firestore.
type storedRecord struct {
	ConversationID string    `firestore:"conversation_id"`
	MessageID      string    `firestore:"message_id"`
	SenderID       string    `firestore:"sender_id"`
	SenderName     string    `firestore:"sender_name"`
	Content        []byte    `firestore:"content"`
	CreatedAt      time.Time `firestore:"created_at"`
	FailureCount   int       `firestore:"failure_count"`
	LastError      string    `firestore:"last_error"`
	MovedAt        time.Time `firestore:"moved_at"`
}

// FirestoreSink implements realtime.DeadLetterSink using Google Cloud
// Firestore. It is the production sink: dead letters must survive restarts.
type FirestoreSink struct {
	client         *firestore.Client
	logger         *slog.Logger
	collectionName string
}

// NewFirestoreSink is the constructor for the FirestoreSink.
func NewFirestoreSink(client *firestore.Client, collectionName string, logger *slog.Logger) (*FirestoreSink, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collectionName == "" {
		return nil, fmt.Errorf("collectionName cannot be empty")
	}
	return &FirestoreSink{
		client:         client,
		logger:         logger.With("component", "firestore_dead_letter", "collection", collectionName),
		collectionName: collectionName,
	}, nil
}

// Record durably stores the failed event with its failure context.
func (s *FirestoreSink) Record(ctx context.Context, event *realtime.IngestedMessageEvent, failureCount int, lastErr error) error {
	log := s.logger.With("conversation_id", event.ConversationID, "message_id", event.MessageID)

	lastError := ""
	if lastErr != nil {
		lastError = lastErr.Error()
	}

	record := &storedRecord{
		ConversationID: event.ConversationID,
		MessageID:      event.MessageID,
		SenderID:       event.SenderID,
		SenderName:     event.SenderName,
		Content:        event.Content,
		CreatedAt:      event.CreatedAt,
		FailureCount:   failureCount,
		LastError:      lastError,
		MovedAt:        time.Now().UTC(),
	}

	docRef := s.client.Collection(s.collectionName).Doc(uuid.NewString())
	if _, err := docRef.Create(ctx, record); err != nil {
		log.Error("Failed to record dead letter", "err", err)
		return fmt.Errorf("failed to record dead letter: %w", err)
	}
	log.Debug("Recorded dead letter", "doc_id", docRef.ID)
	return nil
}

// List returns the most recently dead-lettered events, newest first.
func (s *FirestoreSink) List(ctx context.Context, limit int) ([]*realtime.DeadLetterRecord, error) {
	query := s.client.Collection(s.collectionName).
		OrderBy("moved_at", firestore.Desc).
		Limit(limit)

	docSnaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		s.logger.Error("Failed to list dead letters", "err", err)
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	records := make([]*realtime.DeadLetterRecord, 0, len(docSnaps))
	for _, doc := range docSnaps {
		var stored storedRecord
		if err := doc.DataTo(&stored); err != nil {
			s.logger.Error("Failed to unmarshal dead letter, skipping", "err", err, "doc_id", doc.Ref.ID)
			continue
		}
		records = append(records, &realtime.DeadLetterRecord{
			ID: doc.Ref.ID,
			Event: realtime.IngestedMessageEvent{
				ConversationID: stored.ConversationID,
				MessageID:      stored.MessageID,
				SenderID:       stored.SenderID,
				SenderName:     stored.SenderName,
				Content:        stored.Content,
				CreatedAt:      stored.CreatedAt,
			},
			FailureCount: stored.FailureCount,
			LastError:    stored.LastError,
			MovedAt:      stored.MovedAt,
		})
	}
	return records, nil
}
