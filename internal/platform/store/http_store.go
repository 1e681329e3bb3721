// Package store contains the adapter for the external message store. The
// store is the system of record for messages; this service only ever
// appends to it and treats its acknowledgement as the durability point.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

const persistTimeout = 10 * time.Second

// persistResponse is the store's acknowledgement body.
type persistResponse struct {
	MessageID string `json:"messageId"`
}

// HTTPStore implements realtime.MessageStore against the message store's
// REST API.
type HTTPStore struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPStore is the constructor for the HTTPStore.
func NewHTTPStore(baseURL string, logger zerolog.Logger) (*HTTPStore, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("message store URL cannot be empty")
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: persistTimeout},
		logger:  logger.With().Str("component", "HTTPStore").Logger(),
	}, nil
}

// Persist appends the message to the external store and returns the
// store-assigned message ID. Any transport or non-2xx failure is an error:
// the caller must not treat the message as durable.
func (s *HTTPStore) Persist(ctx context.Context, msg *realtime.Message) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build persist request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("message store request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		// Read a bounded slice of the body for the error context.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.logger.Error().Int("status", resp.StatusCode).Str("body", string(snippet)).Msg("Message store rejected persist.")
		return "", fmt.Errorf("message store returned status %d", resp.StatusCode)
	}

	var ack persistResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return "", fmt.Errorf("failed to decode persist response: %w", err)
	}
	if ack.MessageID == "" {
		return "", fmt.Errorf("message store acknowledged without a message ID")
	}
	return ack.MessageID, nil
}
