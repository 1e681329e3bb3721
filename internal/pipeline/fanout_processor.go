package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-realtime-service/internal/resilience"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// NewFanoutProcessor builds the dataflow Processor stage that delivers an
// ingested event to the conversation's live connections.
//
// Delivery runs through the circuit breaker and retries with exponential
// backoff within the retry budget. An event that exhausts the budget is
// moved to the dead-letter sink and acked; it is never retried again and
// never blocks the events behind it. The only way an event is left for
// broker redelivery is when the dead-letter write itself fails, or the
// context is cancelled mid-retry (shutdown).
func NewFanoutProcessor(
	broadcaster realtime.Broadcaster,
	breaker *resilience.CircuitBreaker,
	deadLetters realtime.DeadLetterSink,
	retry realtime.BackoffPolicy,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[realtime.IngestedMessageEvent] {
	return func(ctx context.Context, msg messagepipeline.Message, event *realtime.IngestedMessageEvent) error {
		procLogger := logger.With(
			"conversation_id", event.ConversationID,
			"message_id", event.MessageID,
			"msg_id", msg.ID,
		)

		serverEvent := realtime.ServerEvent{
			Event: realtime.EventReceiveMessage,
			Data: realtime.ReceiveMessagePayload{
				ConversationID: event.ConversationID,
				MessageID:      event.MessageID,
				SenderID:       event.SenderID,
				SenderName:     event.SenderName,
				Content:        event.Content,
				Timestamp:      event.CreatedAt,
			},
		}

		var lastErr error
		for attempt := 1; ; attempt++ {
			err := breaker.Execute(func() error {
				return broadcaster.BroadcastToGroup(ctx, event.ConversationID, serverEvent)
			})
			if err == nil {
				if attempt > 1 {
					procLogger.Info("Broadcast succeeded after retry", "attempt", attempt)
				}
				return nil
			}
			lastErr = err

			if errors.Is(err, resilience.ErrCircuitOpen) {
				// Fail fast: the breaker already knows the gateway is down,
				// so the attempt consumed no downstream call.
				procLogger.Warn("Circuit open, broadcast not attempted", "attempt", attempt)
			} else {
				procLogger.Warn("Broadcast failed", "attempt", attempt, "err", err)
			}

			if retry.Exhausted(attempt + 1) {
				break
			}
			select {
			case <-ctx.Done():
				// Shutdown mid-retry: leave the event to the broker.
				return ctx.Err()
			case <-time.After(retry.Delay(attempt)):
			}
		}

		// Retry budget exhausted: dead-letter the event so the lane keeps
		// moving. The ack only happens once the record is durable.
		if dlErr := deadLetters.Record(ctx, event, retry.MaxAttempts, lastErr); dlErr != nil {
			procLogger.Error("Failed to record dead letter, leaving event for redelivery", "err", dlErr)
			return fmt.Errorf("failed to record dead letter for message %s: %w", msg.ID, dlErr)
		}

		procLogger.Error("Event moved to dead-letter store after exhausting retries",
			"attempts", retry.MaxAttempts, "err", lastErr)
		return nil
	}
}
