package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sproutling/protocol"
)

// TestPingPeriodLessThanPongWait verifies the heartbeat requirement
func TestPingPeriodLessThanPongWait(t *testing.T) {
	if pingPeriod >= pongWait {
		t.Errorf("pingPeriod (%v) must be less than pongWait (%v) for heartbeat to work correctly", pingPeriod, pongWait)
	}
	if writeWait <= 0 {
		t.Errorf("writeWait must be positive, got %v", writeWait)
	}
}

func startTransport(t *testing.T) *DefaultWebSocketTransport {
	t.Helper()
	transport := NewDefaultWebSocketTransport(context.Background(), "127.0.0.1:0")
	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- transport.Start(StartOptions{Ready: ready})
	}()
	select {
	case <-ready:
	case err := <-errCh:
		t.Fatalf("Start() error = %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not start")
	}
	t.Cleanup(func() {
		_ = transport.Stop()
		assert.NoError(t, <-errCh)
	})
	return transport
}

func dial(t *testing.T, transport *DefaultWebSocketTransport) *websocket.Conn {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: transport.Addr(), Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestTransport_EchoAndBroadcast(t *testing.T) {
	transport := startTransport(t)

	connected := make(chan string, 2)
	transport.SetConnectHandler(func(connID string) error {
		connected <- connID
		return nil
	})
	transport.SetMessageHandler(func(connID string, message []byte) error {
		return transport.SendMessage(connID, append([]byte("echo:"), message...))
	})

	conn := dial(t, transport)
	var connID string
	select {
	case connID = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connect handler not called")
	}
	assert.Len(t, connID, 36, "connection IDs are UUIDs")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", string(data))

	require.NoError(t, transport.BroadcastMessage([]byte("all")))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "all", string(data))
	assert.Equal(t, 1, transport.ClientCount())
}

func TestTransport_Disconnect(t *testing.T) {
	transport := startTransport(t)

	disconnected := make(chan string, 1)
	connected := make(chan string, 1)
	transport.SetConnectHandler(func(connID string) error {
		connected <- connID
		return nil
	})
	transport.SetDisconnectHandler(func(connID string) { disconnected <- connID })

	conn := dial(t, transport)
	connID := <-connected
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	select {
	case got := <-disconnected:
		assert.Equal(t, connID, got)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect handler not called")
	}
	assert.Error(t, transport.SendMessage(connID, []byte("late")))
}

func TestWebSocketServer_EndToEnd(t *testing.T) {
	transport := startTransport(t)
	controller := newFakeController()
	ws := NewWebSocketServer(context.Background(), transport, controller, openStore(t))
	defer ws.cancel()

	conn := dial(t, transport)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageTypeInitialState, msg.Type)

	req, err := protocol.CreateMessage(protocol.MessageTypeWaterPlant, struct{}{}, "w1")
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, req))

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	msg, err = protocol.ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageTypeCommandResult, msg.Type)
	assert.Equal(t, "w1", msg.RequestID)
}

func TestTransport_HTTPRoutesShareRouter(t *testing.T) {
	transport := NewDefaultWebSocketTransport(context.Background(), "127.0.0.1:0")
	transport.Router().Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})
	ready := make(chan struct{})
	go func() { _ = transport.Start(StartOptions{Ready: ready}) }()
	<-ready
	defer transport.Stop()

	resp, err := http.Get("http://" + transport.Addr() + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// /ws は upgrade ヘッダーが無ければ失敗する
	resp2, err := http.Get("http://" + transport.Addr() + "/ws")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.True(t, strings.HasPrefix(resp2.Status, "400"))
}
