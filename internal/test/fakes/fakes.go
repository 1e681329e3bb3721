// Package fakes provides in-memory test doubles (fakes) and test-specific
// adapters for the service's dependencies. These are used in the cmd/local
// entrypoint and in integration tests.
package fakes

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// --- Consumer ---

type InMemoryConsumer struct {
	outputChan chan messagepipeline.Message
	logger     zerolog.Logger
	stopOnce   sync.Once
	doneChan   chan struct{}
}

func NewInMemoryConsumer(bufferSize int, logger zerolog.Logger) *InMemoryConsumer {
	return &InMemoryConsumer{
		outputChan: make(chan messagepipeline.Message, bufferSize),
		logger:     logger.With().Str("component", "InMemoryConsumer").Logger(),
		doneChan:   make(chan struct{}),
	}
}
func (c *InMemoryConsumer) Publish(msg messagepipeline.Message) {
	select {
	case c.outputChan <- msg:
	case <-c.doneChan:
	}
}
func (c *InMemoryConsumer) Messages() <-chan messagepipeline.Message { return c.outputChan }
func (c *InMemoryConsumer) Start(_ context.Context) error            { return nil }
func (c *InMemoryConsumer) Stop(_ context.Context) error {
	c.stopOnce.Do(func() {
		close(c.doneChan)
		close(c.outputChan)
	})
	return nil
}
func (c *InMemoryConsumer) Done() <-chan struct{} { return c.doneChan }

// --- Producer ---

// Producer is an in-memory realtime.IngestionProducer. When wired to an
// InMemoryConsumer it completes the local publish/consume loop, so the
// fan-out pipeline runs for real against fake infrastructure.
type Producer struct {
	logger  zerolog.Logger
	forward *InMemoryConsumer
}

// NewProducer creates a producer that forwards published events straight to
// the given consumer. The consumer may be nil, in which case events are
// dropped after logging (fire-and-forget mode for unit tests).
func NewProducer(forward *InMemoryConsumer, logger zerolog.Logger) *Producer {
	return &Producer{
		logger:  logger.With().Str("component", "FakeProducer").Logger(),
		forward: forward,
	}
}

func (p *Producer) Publish(_ context.Context, event *realtime.IngestedMessageEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	p.logger.Info().Str("message_id", event.MessageID).Msg("[FAKES-PRODUCER] Publish called.")
	if p.forward != nil {
		p.forward.Publish(messagepipeline.Message{
			MessageData: messagepipeline.MessageData{ID: uuid.NewString(), Payload: payload},
		})
	}
	return nil
}

// --- Message store ---

// MessageStore is an in-memory system of record. Persisted messages are
// retained for inspection.
type MessageStore struct {
	logger zerolog.Logger

	mu       sync.Mutex
	messages []*realtime.Message
}

func NewMessageStore(logger zerolog.Logger) *MessageStore {
	return &MessageStore{logger: logger.With().Str("component", "FakeMessageStore").Logger()}
}

func (m *MessageStore) Persist(_ context.Context, msg *realtime.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	messageID := uuid.NewString()
	m.logger.Info().Str("message_id", messageID).Msg("[FAKES-STORE] Message persisted.")
	return messageID, nil
}

// Messages snapshots everything persisted so far.
func (m *MessageStore) Messages() []*realtime.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*realtime.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// --- Dead-letter sink ---

// DeadLetterSink records dead letters in memory, newest first.
type DeadLetterSink struct {
	logger zerolog.Logger

	mu      sync.Mutex
	records []*realtime.DeadLetterRecord
}

func NewDeadLetterSink(logger zerolog.Logger) *DeadLetterSink {
	return &DeadLetterSink{logger: logger.With().Str("component", "FakeDeadLetterSink").Logger()}
}

func (s *DeadLetterSink) Record(_ context.Context, event *realtime.IngestedMessageEvent, failureCount int, lastErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastError := ""
	if lastErr != nil {
		lastError = lastErr.Error()
	}
	s.records = append([]*realtime.DeadLetterRecord{{
		ID:           uuid.NewString(),
		Event:        *event,
		FailureCount: failureCount,
		LastError:    lastError,
		MovedAt:      time.Now().UTC(),
	}}, s.records...)

	s.logger.Warn().Str("message_id", event.MessageID).Msg("[FAKES-DLQ] Event dead-lettered.")
	return nil
}

func (s *DeadLetterSink) List(_ context.Context, limit int) ([]*realtime.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]*realtime.DeadLetterRecord, limit)
	copy(out, s.records[:limit])
	return out, nil
}

// --- Identity verifier ---

// StaticVerifier accepts any non-empty token and returns a fixed identity.
type StaticVerifier struct {
	Identity realtime.Identity
}

func NewStaticVerifier(identity realtime.Identity) *StaticVerifier {
	return &StaticVerifier{Identity: identity}
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (*realtime.Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token")
	}
	identity := v.Identity
	return &identity, nil
}
