package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

const (
	// writeWait is the deadline for a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxFrameSize bounds inbound frames; content payloads are opaque
	// bytes but bounded.
	maxFrameSize = 512 * 1024
	// outboundBuffer is the per-connection broadcast buffer. A connection
	// that cannot drain it is dropped rather than allowed to block fan-out.
	outboundBuffer = 64
)

// client is the server-side half of one live connection: the ephemeral
// binding of a connection ID to a verified identity plus the set of
// conversations the connection has joined. It is created after the
// handshake is authenticated and destroyed on transport close.
type client struct {
	id       string
	identity realtime.Identity

	conn   *websocket.Conn
	out    chan realtime.ServerEvent
	done   chan struct{}
	closer sync.Once

	mu     sync.Mutex
	joined map[string]struct{}

	logger zerolog.Logger
}

func newClient(id string, identity realtime.Identity, conn *websocket.Conn, logger zerolog.Logger) *client {
	return &client{
		id:       id,
		identity: identity,
		conn:     conn,
		out:      make(chan realtime.ServerEvent, outboundBuffer),
		done:     make(chan struct{}),
		joined:   make(map[string]struct{}),
		logger:   logger.With().Str("connection", id).Str("identity", identity.ID).Logger(),
	}
}

// send queues an event for delivery. It never blocks: a full buffer means
// the peer has stopped draining, and the connection is closed instead of
// letting one slow consumer stall a group broadcast.
func (c *client) send(event realtime.ServerEvent) {
	select {
	case c.out <- event:
	case <-c.done:
	default:
		c.logger.Warn().Str("event", event.Event).Msg("Outbound buffer full; dropping slow connection.")
		c.close()
	}
}

// close shuts the connection down at most once. The read loop observes the
// closed transport and runs the normal disconnect cleanup.
func (c *client) close() {
	c.closer.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// closeWithMessage attempts a clean websocket close frame before closing.
func (c *client) closeWithMessage(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.close()
}

// markJoined records group membership on the connection. Returns false if
// already joined.
func (c *client) markJoined(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.joined[conversationID]; ok {
		return false
	}
	c.joined[conversationID] = struct{}{}
	return true
}

// markLeft removes group membership from the connection.
func (c *client) markLeft(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, conversationID)
}

// joinedConversations snapshots the connection's memberships for
// disconnect cleanup.
func (c *client) joinedConversations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for id := range c.joined {
		out = append(out, id)
	}
	return out
}

// writePump owns all writes to the websocket. gorilla/websocket permits a
// single concurrent writer, so every outbound frame funnels through here.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case event, ok := <-c.out:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed; closing connection.")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
