package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-realtime-service/pkg/client"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

var nopLogger = zerolog.Nop()

// fastRetry keeps reconnection tests quick.
var fastRetry = realtime.BackoffPolicy{
	InitialDelay: 1 * time.Millisecond,
	MaxDelay:     5 * time.Millisecond,
	MaxAttempts:  10,
}

// receivedFrame is a decoded client->server invocation.
type receivedFrame struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// gatewayStub is a minimal websocket server standing in for the gateway.
type gatewayStub struct {
	t      *testing.T
	server *httptest.Server
	frames chan receivedFrame

	mu        sync.Mutex
	conns     []*websocket.Conn
	lastAuth  string
	handshake int
}

func newGatewayStub(t *testing.T) *gatewayStub {
	t.Helper()
	stub := &gatewayStub{
		t:      t,
		frames: make(chan receivedFrame, 64),
	}
	upgrader := websocket.Upgrader{}

	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.lastAuth = r.Header.Get("Authorization")
		stub.handshake++
		stub.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stub.mu.Lock()
		stub.conns = append(stub.conns, conn)
		stub.mu.Unlock()

		for {
			_, payload, readErr := conn.ReadMessage()
			if readErr != nil {
				return
			}
			var frame receivedFrame
			if jsonErr := json.Unmarshal(payload, &frame); jsonErr == nil {
				stub.frames <- frame
			}
		}
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *gatewayStub) endpoint() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *gatewayStub) handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshake
}

// dropConnections severs every live connection server-side.
func (s *gatewayStub) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

// push sends a server event on the most recent connection.
func (s *gatewayStub) push(event realtime.ServerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(s.t, s.conns, "no live connection to push on")
	conn := s.conns[len(s.conns)-1]
	require.NoError(s.t, conn.WriteJSON(event))
}

// nextFrame waits for the next client invocation.
func (s *gatewayStub) nextFrame() receivedFrame {
	s.t.Helper()
	select {
	case frame := <-s.frames:
		return frame
	case <-time.After(2 * time.Second):
		s.t.Fatal("timed out waiting for a client frame")
		return receivedFrame{}
	}
}

func newTestClient(t *testing.T, stub *gatewayStub, cfg client.Config) *client.Client {
	t.Helper()
	if cfg.Endpoint == "" {
		cfg.Endpoint = stub.endpoint()
	}
	if cfg.TokenProvider == nil {
		cfg.TokenProvider = func() (string, error) { return "test-token", nil }
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect = fastRetry
	}
	cfg.Logger = nopLogger

	c, err := client.NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func TestClient_ConnectSendsBearerToken(t *testing.T) {
	stub := newGatewayStub(t)
	c := newTestClient(t, stub, client.Config{})

	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, client.StateConnected, c.State())
	stub.mu.Lock()
	auth := stub.lastAuth
	stub.mu.Unlock()
	assert.Equal(t, "Bearer test-token", auth)
}

func TestClient_RejectsBadConfig(t *testing.T) {
	_, err := client.NewClient(client.Config{TokenProvider: func() (string, error) { return "t", nil }})
	assert.Error(t, err)

	_, err = client.NewClient(client.Config{Endpoint: "ws://localhost/realtime"})
	assert.Error(t, err)
}

func TestClient_QueuesSendsWhileDisconnected(t *testing.T) {
	stub := newGatewayStub(t)
	c := newTestClient(t, stub, client.Config{})

	// Act: issue sends before any connection exists.
	require.NoError(t, c.SendMessage("conv-1", "m1", []byte("one")))
	require.NoError(t, c.SendMessage("conv-1", "m2", []byte("two")))
	require.NoError(t, c.JoinConversation("conv-2"))
	assert.Equal(t, 3, c.QueuedSends())

	require.NoError(t, c.Connect(context.Background()))

	// Assert: the queue is replayed in the exact order issued.
	frame := stub.nextFrame()
	assert.Equal(t, realtime.ActionSendMessage, frame.Action)
	var args realtime.SendMessageArgs
	require.NoError(t, json.Unmarshal(frame.Data, &args))
	assert.Equal(t, "m1", args.MessageID)

	frame = stub.nextFrame()
	require.NoError(t, json.Unmarshal(frame.Data, &args))
	assert.Equal(t, "m2", args.MessageID)

	frame = stub.nextFrame()
	assert.Equal(t, realtime.ActionJoinConversation, frame.Action)

	assert.Equal(t, 0, c.QueuedSends())
}

func TestClient_DispatchesServerEvents(t *testing.T) {
	stub := newGatewayStub(t)

	received := make(chan realtime.ReceiveMessagePayload, 1)
	presence := make(chan realtime.PresencePayload, 1)

	c := newTestClient(t, stub, client.Config{
		Handlers: client.Handlers{
			OnReceiveMessage: func(p realtime.ReceiveMessagePayload) { received <- p },
			OnPresenceUpdate: func(p realtime.PresencePayload) { presence <- p },
		},
	})
	require.NoError(t, c.Connect(context.Background()))

	stub.push(realtime.ServerEvent{
		Event: realtime.EventReceiveMessage,
		Data: realtime.ReceiveMessagePayload{
			ConversationID: "conv-1",
			MessageID:      "m1",
			SenderID:       "user-b",
			SenderName:     "User B",
			Content:        []byte("hello"),
		},
	})
	stub.push(realtime.ServerEvent{
		Event: realtime.EventPresenceUpdate,
		Data:  realtime.PresencePayload{UserID: "user-b", IsOnline: true},
	})

	select {
	case msg := <-received:
		assert.Equal(t, "m1", msg.MessageID)
		assert.Equal(t, "user-b", msg.SenderID)
		assert.Equal(t, []byte("hello"), msg.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for receive_message handler")
	}

	select {
	case update := <-presence:
		assert.Equal(t, "user-b", update.UserID)
		assert.True(t, update.IsOnline)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence_update handler")
	}
}

func TestClient_ReconnectsAfterDropAndReplaysQueue(t *testing.T) {
	stub := newGatewayStub(t)

	var transitions sync.Map
	c := newTestClient(t, stub, client.Config{
		OnStateChange: func(_, to client.State) { transitions.Store(to, true) },
	})
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, 1, stub.handshakes())

	// Sever the connection server-side; the client should notice and
	// reconnect on its own.
	stub.dropConnections()

	require.Eventually(t, func() bool {
		return c.State() == client.StateConnected && stub.handshakes() == 2
	}, 2*time.Second, 5*time.Millisecond, "client never reconnected")

	_, sawReconnecting := transitions.Load(client.StateReconnecting)
	assert.True(t, sawReconnecting, "expected a Reconnecting transition")

	// The restored connection still carries invocations.
	require.NoError(t, c.SendMessage("conv-1", "m-after", []byte("back")))
	frame := stub.nextFrame()
	assert.Equal(t, realtime.ActionSendMessage, frame.Action)
}

func TestClient_StopCancelsPendingReconnectTimer(t *testing.T) {
	stub := newGatewayStub(t)

	c := newTestClient(t, stub, client.Config{
		Reconnect: realtime.BackoffPolicy{
			InitialDelay: time.Hour, // never fires within the test
			MaxDelay:     time.Hour,
			MaxAttempts:  10,
		},
	})
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, 1, stub.handshakes())

	stub.dropConnections()
	require.Eventually(t, func() bool {
		return c.State() == client.StateReconnecting
	}, 2*time.Second, 5*time.Millisecond)

	c.Stop()

	assert.Equal(t, client.StateDisconnected, c.State())
	// The pending hour-long timer was cancelled: no further handshakes.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, stub.handshakes())
}

func TestClient_StopDuringConnectReportsStopped(t *testing.T) {
	// A handshake that blocks until released keeps the dial in flight long
	// enough to call Stop deterministically mid-Connect.
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	c, err := client.NewClient(client.Config{
		Endpoint:      "ws" + strings.TrimPrefix(server.URL, "http"),
		TokenProvider: func() (string, error) { return "test-token", nil },
		Logger:        nopLogger,
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	connectErr := make(chan error, 1)
	go func() { connectErr <- c.Connect(context.Background()) }()

	require.Eventually(t, func() bool {
		return c.State() == client.StateConnecting
	}, 2*time.Second, time.Millisecond)

	c.Stop()
	close(release)

	// Connect must not report success from a stopped client.
	select {
	case err := <-connectErr:
		require.ErrorIs(t, err, client.ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect never returned")
	}
	assert.Equal(t, client.StateDisconnected, c.State())
}

func TestClient_GivesUpAfterRetryBudget(t *testing.T) {
	stub := newGatewayStub(t)

	var dials atomic.Int32
	c := newTestClient(t, stub, client.Config{
		TokenProvider: func() (string, error) {
			dials.Add(1)
			return "test-token", nil
		},
		Reconnect: realtime.BackoffPolicy{
			InitialDelay: 1 * time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			MaxAttempts:  3,
		},
	})
	require.NoError(t, c.Connect(context.Background()))

	// Take the server away entirely so every reconnect attempt fails.
	stub.server.CloseClientConnections()
	stub.server.Close()

	require.Eventually(t, func() bool {
		return c.State() == client.StateDisconnected
	}, 2*time.Second, 5*time.Millisecond, "client never gave up")

	// One initial dial plus exactly MaxAttempts reconnect dials.
	assert.Equal(t, int32(4), dials.Load())
}
