package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// deadLetterKey is the Redis list holding dead-lettered events, newest at
// the head.
const deadLetterKey = "deadletters"

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// RedisSink implements realtime.DeadLetterSink on a Redis list. Suited to
// deployments that already run Redis and accept cache-tier durability for
// dead letters; Firestore is the default sink otherwise.
type RedisSink struct {
	client redisClient
	logger *slog.Logger
}

// NewRedisSink is the constructor for the RedisSink.
func NewRedisSink(client redisClient, logger *slog.Logger) (*RedisSink, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisSink{
		client: client,
		logger: logger.With("component", "redis_dead_letter"),
	}, nil
}

// Record pushes the failed event onto the head of the dead-letter list.
func (s *RedisSink) Record(ctx context.Context, event *realtime.IngestedMessageEvent, failureCount int, lastErr error) error {
	log := s.logger.With("conversation_id", event.ConversationID, "message_id", event.MessageID)

	lastError := ""
	if lastErr != nil {
		lastError = lastErr.Error()
	}

	record := realtime.DeadLetterRecord{
		ID:           uuid.NewString(),
		Event:        *event,
		FailureCount: failureCount,
		LastError:    lastError,
		MovedAt:      time.Now().UTC(),
	}

	payload, err := json.Marshal(record)
	if err != nil {
		log.Error("Failed to marshal dead letter", "err", err)
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	if err := s.client.LPush(ctx, deadLetterKey, payload).Err(); err != nil {
		log.Error("Failed to lpush dead letter", "err", err)
		return fmt.Errorf("failed to lpush dead letter: %w", err)
	}
	log.Debug("Recorded dead letter", "record_id", record.ID)
	return nil
}

// List returns the most recently dead-lettered events, newest first.
func (s *RedisSink) List(ctx context.Context, limit int) ([]*realtime.DeadLetterRecord, error) {
	payloads, err := s.client.LRange(ctx, deadLetterKey, 0, int64(limit)-1).Result()
	if err != nil {
		s.logger.Error("Failed to read dead-letter list", "err", err)
		return nil, fmt.Errorf("failed to read dead-letter list: %w", err)
	}

	records := make([]*realtime.DeadLetterRecord, 0, len(payloads))
	for _, payload := range payloads {
		var record realtime.DeadLetterRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			s.logger.Warn("Failed to unmarshal dead letter, skipping", "err", err)
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}
