// Package gateway manages the realtime connection lifecycle: the
// authenticated websocket handshake, per-conversation subscription groups,
// inbound RPC validation and dispatch, and the outbound broadcast
// primitives the fan-out pipeline drives.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/internal/middleware"
	"github.com/tinywideclouds/go-realtime-service/internal/presence"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// ErrGatewayClosed is returned by broadcast primitives once shutdown has
// begun; the fan-out worker treats it as a retryable broadcast failure.
var ErrGatewayClosed = errors.New("gateway is shut down")

// ErrConnectionNotFound is returned by SendToConnection for unknown IDs.
var ErrConnectionNotFound = errors.New("connection not found")

// Ingestor is the persist-then-publish half of the pipeline, consumed
// inline by the send_message RPC.
type Ingestor interface {
	Ingest(ctx context.Context, msg *realtime.Message) (messageID string, err error)
}

// Gateway manages all active websocket connections, their conversation
// groups, and user presence. It runs its own dedicated HTTP server.
type Gateway struct {
	server   *http.Server
	upgrader websocket.Upgrader

	registry *presence.Registry
	groups   *groupRegistry
	ingestor Ingestor

	connections sync.Map // map[string]*client
	closed      sync.Once
	closing     chan struct{}

	logger     zerolog.Logger
	instanceID string
	now        func() time.Time
}

// New creates and wires up the realtime gateway. The auth middleware must
// place a verified identity (ID and display name) on the request context;
// handshakes without both claims are rejected before any connection state
// is created.
func New(
	port string,
	authMiddleware func(http.Handler) http.Handler,
	registry *presence.Registry,
	ingestor Ingestor,
	logger zerolog.Logger,
) (*Gateway, error) {
	if registry == nil {
		return nil, fmt.Errorf("presence registry cannot be nil")
	}
	if ingestor == nil {
		return nil, fmt.Errorf("ingestor cannot be nil")
	}

	instanceID := uuid.NewString()
	gwLogger := logger.With().Str("component", "Gateway").Str("instance", instanceID).Logger()

	gw := &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict to the configured CORS origins.
				return true
			},
		},
		registry:   registry,
		groups:     newGroupRegistry(),
		ingestor:   ingestor,
		closing:    make(chan struct{}),
		logger:     gwLogger,
		instanceID: instanceID,
		now:        time.Now,
	}

	mux := http.NewServeMux()
	mux.Handle("/realtime", authMiddleware(http.HandlerFunc(gw.connectHandler)))
	gw.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	return gw, nil
}

// Start runs the HTTP server for websocket connections.
func (g *Gateway) Start(ctx context.Context) error {
	g.logger.Info().Str("addr", g.server.Addr).Msg("Realtime gateway starting...")
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("realtime gateway server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and closes every live
// connection with a close frame.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info().Msg("Shutting down realtime gateway...")
	g.closed.Do(func() { close(g.closing) })

	var finalErr error
	if err := g.server.Shutdown(ctx); err != nil {
		g.logger.Error().Err(err).Msg("Gateway server shutdown failed.")
		finalErr = err
	}

	g.connections.Range(func(_, value any) bool {
		value.(*client).closeWithMessage(websocket.CloseGoingAway, "server shutting down")
		return true
	})

	g.logger.Info().Msg("Realtime gateway shut down.")
	return finalErr
}

func (g *Gateway) isClosing() bool {
	select {
	case <-g.closing:
		return true
	default:
		return false
	}
}

// connectHandler upgrades an authenticated request to a websocket and
// manages the connection's lifecycle.
func (g *Gateway) connectHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok || identity.ID == "" || identity.DisplayName == "" {
		// Hard-fail: an identity without both claims is never silently
		// degraded into an anonymous connection.
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	c := newClient(uuid.NewString(), identity, conn, g.logger)
	g.add(c)
	defer g.remove(c)

	go c.writePump()
	g.readPump(r.Context(), c)
}

// add registers the connection and broadcasts presence-online when this is
// the identity's first live connection.
func (g *Gateway) add(c *client) {
	g.connections.Store(c.id, c)

	wentOnline := g.registry.MarkOnline(c.identity.ID, c.id)
	g.logger.Info().
		Str("identity", c.identity.ID).
		Str("connection", c.id).
		Bool("went_online", wentOnline).
		Msg("User connected.")

	if wentOnline {
		// Presence is broadcast to every connection, not only to users
		// sharing a conversation: at handshake time the connection has
		// joined no groups yet, and the membership directory lives in the
		// CRUD tier. Documented simplification for single-instance scale.
		g.broadcastToAll(realtime.ServerEvent{
			Event: realtime.EventPresenceUpdate,
			Data:  realtime.PresencePayload{UserID: c.identity.ID, IsOnline: true},
		})
	}
}

// remove is best-effort disconnect cleanup. It must not fail: errors are
// logged and swallowed so other connections are unaffected.
func (g *Gateway) remove(c *client) {
	c.close()
	g.connections.Delete(c.id)

	for _, conversationID := range c.joinedConversations() {
		g.groups.remove(conversationID, c.id)
	}

	wentFullyOffline, lastSeen := g.registry.MarkOffline(c.identity.ID, c.id)
	g.logger.Info().
		Str("identity", c.identity.ID).
		Str("connection", c.id).
		Bool("fully_offline", wentFullyOffline).
		Msg("User disconnected.")

	if wentFullyOffline {
		g.broadcastToAll(realtime.ServerEvent{
			Event: realtime.EventPresenceUpdate,
			Data:  realtime.PresencePayload{UserID: c.identity.ID, IsOnline: false, LastSeen: &lastSeen},
		})
	}
}

// readPump reads frames until the peer goes away. Invocations are
// dispatched sequentially, which preserves the client-visible send order
// for a single connection.
func (g *Gateway) readPump(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame realtime.ClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("Connection closed unexpectedly.")
			}
			return
		}
		g.dispatch(ctx, c, frame)
	}
}

// --- Broadcast primitives (realtime.Broadcaster) ---

// BroadcastToGroup pushes the event to every live connection subscribed to
// the conversation. Per-connection delivery is best effort; a slow
// consumer is dropped, never waited on.
func (g *Gateway) BroadcastToGroup(_ context.Context, conversationID string, event realtime.ServerEvent) error {
	if g.isClosing() {
		return ErrGatewayClosed
	}
	g.groups.broadcast(conversationID, event, "")
	return nil
}

// BroadcastToAll pushes the event to every live connection.
func (g *Gateway) BroadcastToAll(_ context.Context, event realtime.ServerEvent) error {
	if g.isClosing() {
		return ErrGatewayClosed
	}
	g.broadcastToAll(event)
	return nil
}

// SendToConnection pushes the event to a single connection.
func (g *Gateway) SendToConnection(_ context.Context, connectionID string, event realtime.ServerEvent) error {
	if g.isClosing() {
		return ErrGatewayClosed
	}
	value, ok := g.connections.Load(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	value.(*client).send(event)
	return nil
}

func (g *Gateway) broadcastToAll(event realtime.ServerEvent) {
	g.connections.Range(func(_, value any) bool {
		value.(*client).send(event)
		return true
	})
}
