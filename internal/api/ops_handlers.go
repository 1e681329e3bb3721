/*
File: internal/api/ops_handlers.go
Description: Defines the operator-facing HTTP handlers for the realtime
service: dead-letter inspection, presence lookup, and fan-out health.
*/
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/illmade-knight/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-realtime-service/internal/presence"
	"github.com/tinywideclouds/go-realtime-service/internal/resilience"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// API holds the dependencies for the stateless operator handlers.
type API struct {
	deadLetters realtime.DeadLetterSink
	registry    *presence.Registry
	breaker     *resilience.CircuitBreaker
	logger      *slog.Logger
}

// NewAPI creates a new, stateless API handler.
func NewAPI(
	deadLetters realtime.DeadLetterSink,
	registry *presence.Registry,
	breaker *resilience.CircuitBreaker,
	logger *slog.Logger,
) *API {
	return &API{
		deadLetters: deadLetters,
		registry:    registry,
		breaker:     breaker,
		logger:      logger,
	}
}

// RegisterRoutes mounts the operator endpoints on the service mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/deadletters", a.ListDeadLettersHandler)
	mux.HandleFunc("GET /api/presence/{id}", a.PresenceHandler)
	mux.HandleFunc("GET /api/fanout/status", a.FanoutStatusHandler)
}

// ListDeadLettersHandler returns the most recently dead-lettered events,
// newest first.
func (a *API) ListDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if val, err := strconv.Atoi(limitStr); err == nil {
			if val > maxListLimit {
				limit = maxListLimit
			} else if val > 0 {
				limit = val
			}
		} else {
			a.logger.Warn("Invalid 'limit' parameter", "limit", limitStr)
			response.WriteJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter, must be an integer")
			return
		}
	}

	log := a.logger.With("limit", limit)

	records, err := a.deadLetters.List(r.Context(), limit)
	if err != nil {
		log.Error("Failed to list dead letters", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	log.Debug("Retrieved dead letters", "count", len(records))
	response.WriteJSON(w, http.StatusOK, struct {
		DeadLetters []*realtime.DeadLetterRecord `json:"deadLetters"`
	}{DeadLetters: records})
}

// presenceView is the operator's read of one user's presence.
type presenceView struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// PresenceHandler reports whether a user has at least one live connection,
// and their last-seen time when offline.
func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if userID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing user id")
		return
	}

	view := presenceView{
		UserID:   userID,
		IsOnline: a.registry.IsOnline(userID),
	}
	if !view.IsOnline {
		if lastSeen, ok := a.registry.LastSeen(userID); ok {
			view.LastSeen = &lastSeen
		}
	}

	response.WriteJSON(w, http.StatusOK, view)
}

// FanoutStatusHandler reports the delivery circuit breaker's state and
// counters.
func (a *API) FanoutStatusHandler(w http.ResponseWriter, _ *http.Request) {
	response.WriteJSON(w, http.StatusOK, a.breaker.Metrics())
}
