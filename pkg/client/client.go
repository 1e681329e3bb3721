// Package client provides a resilient websocket client for the realtime
// gateway: an explicit connection state machine, exponential-backoff
// reconnection, and a FIFO outbound queue that absorbs sends while the
// connection is down and replays them in order once it is back.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// ErrStopped is returned by send operations after Stop has been called.
var ErrStopped = errors.New("client is stopped")

// writeWait bounds how long a single frame write may take.
const writeWait = 10 * time.Second

// Handlers holds the callbacks invoked for each server event. Nil handlers
// are skipped. Callbacks run on the read loop goroutine; long work should
// be handed off.
type Handlers struct {
	OnReceiveMessage  func(realtime.ReceiveMessagePayload)
	OnUserJoined      func(realtime.MembershipPayload)
	OnUserLeft        func(realtime.MembershipPayload)
	OnTypingIndicator func(realtime.TypingPayload)
	OnMessageRead     func(realtime.MessageReadPayload)
	OnPresenceUpdate  func(realtime.PresencePayload)
	OnAck             func(realtime.AckPayload)
	OnError           func(realtime.ErrorPayload)
}

// Config configures the client.
type Config struct {
	// Endpoint is the gateway's websocket URL, e.g. "wss://host/realtime".
	Endpoint string

	// TokenProvider returns the bearer token for the next handshake. It is
	// called on every dial attempt so short-lived tokens stay fresh.
	TokenProvider func() (string, error)

	// Reconnect governs the backoff between reconnection attempts. Zero
	// values take the documented defaults (1s initial, 30s cap, 10
	// attempts).
	Reconnect realtime.BackoffPolicy

	Handlers Handlers

	// OnStateChange is invoked after every state transition.
	OnStateChange func(from, to State)

	Logger zerolog.Logger
}

// Client is the resilience controller. All exported methods are safe for
// concurrent use.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	queue  outboundQueue
	stopCh chan struct{} // closed by Stop; cancels pending backoff timers
}

// NewClient validates the config and returns a client in the Disconnected
// state. Nothing is dialed until Connect.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if cfg.TokenProvider == nil {
		return nil, fmt.Errorf("token provider cannot be nil")
	}
	defaults := realtime.DefaultBackoffPolicy()
	if cfg.Reconnect.InitialDelay <= 0 {
		cfg.Reconnect.InitialDelay = defaults.InitialDelay
	}
	if cfg.Reconnect.MaxDelay <= 0 {
		cfg.Reconnect.MaxDelay = defaults.MaxDelay
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect.MaxAttempts = defaults.MaxAttempts
	}

	return &Client{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: cfg.Logger.With().Str("component", "RealtimeClient").Logger(),
		state:  StateDisconnected,
		stopCh: make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueuedSends returns how many outbound invocations are waiting for a
// connection.
func (c *Client) QueuedSends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.len()
}

// Connect dials the gateway once. On success the client is Connected, the
// read loop is running, and any queued sends have been flushed in order.
// On failure the client returns to Disconnected; automatic reconnection
// only begins after an established connection drops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot connect while %s", state)
	}
	// A fresh stop channel lets a stopped client be restarted explicitly.
	c.stopCh = make(chan struct{})
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return fmt.Errorf("failed to connect: %w", err)
	}

	if !c.adopt(conn) {
		return ErrStopped
	}
	return nil
}

// Stop moves the client to Disconnected via Disconnecting, cancels any
// pending backoff timer, and suppresses further automatic reconnects. A
// stopped client can be restarted with Connect.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateDisconnecting)
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client stopping")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
	}

	c.mu.Lock()
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
}

// --- RPC surface ---

// SendMessage submits a message for persistence and fan-out. While the
// client is not connected the invocation queues instead of failing.
func (c *Client) SendMessage(conversationID, messageID string, content []byte) error {
	return c.invoke(realtime.ActionSendMessage, realtime.SendMessageArgs{
		ConversationID: conversationID,
		MessageID:      messageID,
		Content:        content,
	})
}

// JoinConversation subscribes this connection to a conversation's events.
func (c *Client) JoinConversation(conversationID string) error {
	return c.invoke(realtime.ActionJoinConversation, realtime.ConversationArgs{ConversationID: conversationID})
}

// LeaveConversation unsubscribes this connection from a conversation.
func (c *Client) LeaveConversation(conversationID string) error {
	return c.invoke(realtime.ActionLeaveConversation, realtime.ConversationArgs{ConversationID: conversationID})
}

// StartTyping signals the other members of a conversation.
func (c *Client) StartTyping(conversationID string) error {
	return c.invoke(realtime.ActionStartTyping, realtime.ConversationArgs{ConversationID: conversationID})
}

// StopTyping clears the typing signal.
func (c *Client) StopTyping(conversationID string) error {
	return c.invoke(realtime.ActionStopTyping, realtime.ConversationArgs{ConversationID: conversationID})
}

// MarkAsRead broadcasts a read receipt to the whole group.
func (c *Client) MarkAsRead(conversationID, messageID string) error {
	return c.invoke(realtime.ActionMarkAsRead, realtime.MarkAsReadArgs{
		ConversationID: conversationID,
		MessageID:      messageID,
	})
}

// invoke writes the frame immediately when connected, otherwise appends it
// to the outbound queue. A write failure re-queues the frame at the front;
// the read loop notices the dropped connection and drives reconnection.
func (c *Client) invoke(action string, args any) error {
	frame, err := encodeFrame(action, args)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateDisconnecting:
		return ErrStopped
	case StateConnected:
		entry := &outboundEntry{action: action, frame: frame, enqueuedAt: time.Now().UTC(), attempts: 1}
		if err = c.writeLocked(entry); err != nil {
			c.queue.pushFront(entry)
			c.logger.Warn().Err(err).Str("action", action).Msg("Write failed; invocation queued for replay.")
		}
		return nil
	default:
		c.queue.pushBack(&outboundEntry{action: action, frame: frame, enqueuedAt: time.Now().UTC()})
		return nil
	}
}

func encodeFrame(action string, args any) ([]byte, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s arguments: %w", action, err)
	}
	frame, err := json.Marshal(realtime.ClientFrame{Action: action, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", action, err)
	}
	return frame, nil
}

// writeLocked sends one frame on the current connection. Callers hold mu.
func (c *Client) writeLocked(entry *outboundEntry) error {
	if c.conn == nil {
		return fmt.Errorf("no live connection")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, entry.frame)
}

// --- Connection lifecycle ---

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.cfg.TokenProvider()
	if err != nil {
		return nil, fmt.Errorf("token provider failed: %w", err)
	}
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.Endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// adopt installs a freshly dialed connection: transition to Connected,
// flush the queue in order, start the read loop. It reports false when
// Stop won the race while the dial was in flight; the connection is
// discarded and the client stays stopped.
func (c *Client) adopt(conn *websocket.Conn) bool {
	c.mu.Lock()
	select {
	case <-c.stopCh:
		c.mu.Unlock()
		_ = conn.Close()
		return false
	default:
	}
	c.conn = conn
	c.setStateLocked(StateConnected)
	c.flushLocked()
	c.mu.Unlock()

	go c.readLoop(conn)
	return true
}

// flushLocked replays the outbound queue in enqueue order. The first entry
// that fails goes back to the front and the flush stops; the read loop will
// observe the broken connection shortly after.
func (c *Client) flushLocked() {
	for {
		entry, ok := c.queue.popFront()
		if !ok {
			return
		}
		entry.attempts++
		if err := c.writeLocked(entry); err != nil {
			c.queue.pushFront(entry)
			c.logger.Warn().Err(err).Str("action", entry.action).Msg("Queue flush interrupted; entry kept at front.")
			return
		}
	}
}

// readLoop pumps server events for one connection and dispatches them to
// the configured handlers. When the connection drops unexpectedly it kicks
// off the reconnection loop.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn, err)
			return
		}

		var event struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err = json.Unmarshal(payload, &event); err != nil {
			c.logger.Warn().Err(err).Msg("Discarding malformed server frame.")
			continue
		}
		c.dispatch(event.Event, event.Data)
	}
}

func (c *Client) dispatch(event string, data json.RawMessage) {
	h := c.cfg.Handlers
	switch event {
	case realtime.EventReceiveMessage:
		decodeAndCall(c.logger, event, data, h.OnReceiveMessage)
	case realtime.EventUserJoined:
		decodeAndCall(c.logger, event, data, h.OnUserJoined)
	case realtime.EventUserLeft:
		decodeAndCall(c.logger, event, data, h.OnUserLeft)
	case realtime.EventTypingIndicator:
		decodeAndCall(c.logger, event, data, h.OnTypingIndicator)
	case realtime.EventMessageRead:
		decodeAndCall(c.logger, event, data, h.OnMessageRead)
	case realtime.EventPresenceUpdate:
		decodeAndCall(c.logger, event, data, h.OnPresenceUpdate)
	case realtime.EventAck:
		decodeAndCall(c.logger, event, data, h.OnAck)
	case realtime.EventError:
		decodeAndCall(c.logger, event, data, h.OnError)
	default:
		c.logger.Debug().Str("event", event).Msg("Ignoring unknown server event.")
	}
}

func decodeAndCall[T any](logger zerolog.Logger, event string, data json.RawMessage, handler func(T)) {
	if handler == nil {
		return
	}
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		logger.Warn().Err(err).Str("event", event).Msg("Discarding undecodable event payload.")
		return
	}
	handler(payload)
}

// handleDrop decides what a read failure means: an orderly stop, a stale
// loop for a connection already replaced, or an unexpected drop that starts
// reconnection.
func (c *Client) handleDrop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection has already been adopted; this loop is stale.
		c.mu.Unlock()
		return
	}
	c.conn = nil

	if c.state == StateDisconnecting || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}

	c.logger.Warn().Err(cause).Msg("Connection dropped; starting reconnection.")
	c.setStateLocked(StateReconnecting)
	stopCh := c.stopCh
	c.mu.Unlock()

	go c.reconnectLoop(stopCh)
}

// reconnectLoop retries the dial with exponential backoff until it
// succeeds, the retry budget is exhausted, or Stop cancels the pending
// timer. Exhaustion lands in Disconnected; the caller must restart
// explicitly.
func (c *Client) reconnectLoop(stopCh <-chan struct{}) {
	policy := c.cfg.Reconnect

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-timer.C:
		case <-stopCh:
			timer.Stop()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			if c.adopt(conn) {
				c.logger.Info().Int("attempt", attempt).Msg("Reconnected.")
			}
			return
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnection attempt failed.")

		select {
		case <-stopCh:
			return
		default:
		}
	}

	c.logger.Error().Int("max_attempts", policy.MaxAttempts).Msg("Reconnection budget exhausted; giving up.")
	c.mu.Lock()
	if c.state == StateReconnecting {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()
}

// setStateLocked performs the transition and notifies the callback.
// Callers hold mu; the callback runs on a fresh goroutine so it may call
// back into the client.
func (c *Client) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("State transition.")
	if c.cfg.OnStateChange != nil {
		go c.cfg.OnStateChange(from, to)
	}
}
