package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sproutling/arduino/handler"
	"sproutling/protocol"
	"sproutling/store"
)

// fakeController はテスト用の Controller
type fakeController struct {
	mu        sync.Mutex
	state     handler.ConnectionState
	status    handler.StatusReport
	address   string
	water     handler.WaterResult
	refreshOK bool
	manual    string
	manualErr error

	connects atomic.Int32
	states   chan handler.ConnectionState
	statuses chan handler.StatusReport
}

func newFakeController() *fakeController {
	return &fakeController{
		state:     handler.Connected,
		address:   "192.168.171.57:8080",
		refreshOK: true,
		status: handler.StatusReport{
			Plant:       "Basil",
			Moisture:    "45",
			LastWatered: "2024-11-23 14:00:00",
			State:       handler.Connected,
		},
		water: handler.WaterResult{
			Plant:        "Basil",
			Acknowledged: true,
			LastWatered:  "2024-11-24 10:00:00",
			Message:      "watered",
		},
		states:   make(chan handler.ConnectionState, 8),
		statuses: make(chan handler.StatusReport, 8),
	}
}

func (c *fakeController) State() handler.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeController) Status() handler.StatusReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeController) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

func (c *fakeController) Connect(ctx context.Context) handler.ConnectionState {
	c.connects.Add(1)
	return c.State()
}

func (c *fakeController) RefreshStatus(ctx context.Context) (handler.StatusReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.refreshOK
}

func (c *fakeController) WaterPlant(ctx context.Context) handler.WaterResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.water
}

func (c *fakeController) SetManualAddress(address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manualErr != nil {
		return c.manualErr
	}
	c.manual = address
	return nil
}

func (c *fakeController) Subscribe() (<-chan handler.ConnectionState, func()) {
	return c.states, func() {}
}

func (c *fakeController) SubscribeStatus() (<-chan handler.StatusReport, func()) {
	return c.statuses, func() {}
}

// recordingTransport は送信されたメッセージを記録する WebSocketTransport
type recordingTransport struct {
	mock.Mock

	mu        sync.Mutex
	sent      map[string][]*protocol.Message
	broadcast []*protocol.Message

	connect    func(connID string) error
	message    func(connID string, message []byte) error
	disconnect func(connID string)
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{sent: make(map[string][]*protocol.Message)}
}

func (m *recordingTransport) Start(options StartOptions) error { return nil }
func (m *recordingTransport) Stop() error                      { return nil }

func (m *recordingTransport) SetMessageHandler(h func(connID string, message []byte) error) {
	m.message = h
}

func (m *recordingTransport) SetConnectHandler(h func(connID string) error) {
	m.connect = h
}

func (m *recordingTransport) SetDisconnectHandler(h func(connID string)) {
	m.disconnect = h
}

func (m *recordingTransport) SendMessage(connID string, message []byte) error {
	msg, err := protocol.ParseMessage(message)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[connID] = append(m.sent[connID], msg)
	return nil
}

func (m *recordingTransport) BroadcastMessage(message []byte) error {
	msg, err := protocol.ParseMessage(message)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.broadcast = append(m.broadcast, msg)
	m.mu.Unlock()
	if len(m.ExpectedCalls) > 0 {
		return m.Called(msg.Type).Error(0)
	}
	return nil
}

// lastSent は connID に送られたメッセージのうち requestID に一致する最後のもの
func (m *recordingTransport) lastSent(connID, requestID string) *protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.sent[connID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].RequestID == requestID {
			return msgs[i]
		}
	}
	return nil
}

func (m *recordingTransport) broadcastTypes() []protocol.MessageType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var types []protocol.MessageType
	for _, msg := range m.broadcast {
		types = append(types, msg.Type)
	}
	return types
}

// request は client->server メッセージを送り、command_result を待つ
func (m *recordingTransport) request(t *testing.T, connID, requestID string, msgType protocol.MessageType, payload interface{}) protocol.CommandResultPayload {
	t.Helper()
	data, err := protocol.CreateMessage(msgType, payload, requestID)
	require.NoError(t, err)
	require.NoError(t, m.message(connID, data))

	var reply *protocol.Message
	require.Eventually(t, func() bool {
		reply = m.lastSent(connID, requestID)
		return reply != nil
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, protocol.MessageTypeCommandResult, reply.Type)

	var result protocol.CommandResultPayload
	require.NoError(t, protocol.ParsePayload(reply, &result))
	return result
}

func openStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "sproutling.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func decodeData(t *testing.T, result protocol.CommandResultPayload, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(result.Data, v))
}
