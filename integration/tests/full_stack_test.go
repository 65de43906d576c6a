//go:build integration

package tests

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sproutling/arduino"
	"sproutling/integration/helpers"
	"sproutling/notify"
	"sproutling/protocol"
)

func startServer(t *testing.T) *helpers.TestServer {
	t.Helper()
	server, err := helpers.NewTestServer()
	require.NoError(t, err, "テストサーバーの作成")
	require.NoError(t, server.Start(), "サーバーの起動")
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func TestFullStackIntegration(t *testing.T) {
	server := startServer(t)

	wsConn, err := helpers.NewWebSocketConnection(server.GetWebSocketURL())
	require.NoError(t, err, "WebSocket接続の作成")
	defer wsConn.Close()

	// 1. 接続直後の初期状態
	msg, err := wsConn.WaitForMessage(func(m *protocol.Message) bool {
		return m.Type == protocol.MessageTypeInitialState
	}, 5*time.Second)
	require.NoError(t, err, "初期状態の受信")
	var initial protocol.InitialStatePayload
	require.NoError(t, protocol.ParsePayload(msg, &initial))
	assert.Equal(t, "CONNECTED", initial.State)
	assert.Contains(t, initial.Address, server.Emulator.Host())

	// 2. 植物の登録
	result, err := wsConn.Request(protocol.MessageTypeAddPlant, protocol.AddPlantPayload{Name: "Basil", Species: "herb"}, "add-1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success, "植物の登録")

	// 3. 状態取得
	result, err = wsConn.Request(protocol.MessageTypeRefreshStatus, struct{}{}, "refresh-1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, result.Success, "状態取得: %+v", result.Error)

	// 4. 水やり
	result, err = wsConn.Request(protocol.MessageTypeWaterPlant, struct{}{}, "water-1", 15*time.Second)
	require.NoError(t, err)
	require.True(t, result.Success, "水やり: %+v", result.Error)
	assert.Equal(t, 1, server.Emulator.Received(arduino.CommandWaterPlant))

	lastWatered, ok, err := server.Store.LastWatered("Basil")
	require.NoError(t, err)
	assert.True(t, ok, "最終水やり時刻が保存されている")
	assert.NotEmpty(t, lastWatered)

	// 5. 乾燥した値を受け取ると通知がブロードキャストされる
	server.Emulator.SetMoisture("30")
	require.NoError(t, wsConn.SendRequest(protocol.MessageTypeRefreshStatus, struct{}{}, "refresh-2"))
	msg, err = wsConn.WaitForMessage(func(m *protocol.Message) bool {
		return m.Type == protocol.MessageTypeNotification
	}, 10*time.Second)
	require.NoError(t, err, "通知の受信")
	var notification protocol.NotificationPayload
	require.NoError(t, protocol.ParsePayload(msg, &notification))
	assert.Equal(t, notify.KindLowMoisture, notification.Notification.Kind)
	assert.Equal(t, "Low Water Alert!", notification.Notification.Title)
}

func TestFullStack_ControllerLost(t *testing.T) {
	server := startServer(t)

	wsConn, err := helpers.NewWebSocketConnection(server.GetWebSocketURL())
	require.NoError(t, err)
	defer wsConn.Close()

	server.Emulator.SetSilent(true)
	server.Emulator.DropConnections()

	require.NoError(t, wsConn.SendRequest(protocol.MessageTypeRefreshStatus, struct{}{}, "refresh-1"))
	msg, err := wsConn.WaitForMessage(func(m *protocol.Message) bool {
		if m.Type != protocol.MessageTypeConnectionState {
			return false
		}
		var payload protocol.ConnectionStatePayload
		return protocol.ParsePayload(m, &payload) == nil && payload.State != "CONNECTED"
	}, 30*time.Second)
	require.NoError(t, err, "接続状態の変化を受信")
	assert.Equal(t, protocol.MessageTypeConnectionState, msg.Type)
}
