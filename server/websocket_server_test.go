package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sproutling/arduino/handler"
	"sproutling/notify"
	"sproutling/protocol"
)

func newTestServer(t *testing.T) (*WebSocketServer, *recordingTransport, *fakeController) {
	t.Helper()
	transport := newRecordingTransport()
	controller := newFakeController()
	ws := NewWebSocketServer(context.Background(), transport, controller, openStore(t))
	t.Cleanup(func() { _ = ws.Stop() })
	return ws, transport, controller
}

func TestWebSocketServer_InitialState(t *testing.T) {
	ws, transport, _ := newTestServer(t)
	_, err := ws.store.AddPlant("Basil", "herb")
	require.NoError(t, err)

	require.NoError(t, transport.connect("c1"))

	msg := transport.lastSent("c1", "")
	require.NotNil(t, msg)
	assert.Equal(t, protocol.MessageTypeInitialState, msg.Type)

	var payload protocol.InitialStatePayload
	require.NoError(t, protocol.ParsePayload(msg, &payload))
	assert.Equal(t, "CONNECTED", payload.State)
	assert.Equal(t, "192.168.171.57:8080", payload.Address)
	assert.Equal(t, "Dry", payload.Status.MoistureStatus)
	require.Len(t, payload.Plants, 1)
	assert.Equal(t, "Basil", payload.Plants[0].Name)
}

func TestWebSocketServer_BroadcastsControllerUpdates(t *testing.T) {
	_, transport, controller := newTestServer(t)

	controller.states <- handler.Offline
	controller.statuses <- handler.StatusReport{Plant: "Basil", Moisture: "Offline", State: handler.Offline}

	require.Eventually(t, func() bool { return len(transport.broadcastTypes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t,
		[]protocol.MessageType{protocol.MessageTypeConnectionState, protocol.MessageTypeStatusUpdate},
		transport.broadcastTypes())
}

func TestWebSocketServer_UnknownAndMalformedMessages(t *testing.T) {
	_, transport, _ := newTestServer(t)

	require.NoError(t, transport.message("c1", []byte("{broken")))
	msg := transport.lastSent("c1", "")
	require.NotNil(t, msg)
	assert.Equal(t, protocol.MessageTypeErrorNotification, msg.Type)

	data, err := protocol.CreateMessage("dance", struct{}{}, "r1")
	require.NoError(t, err)
	require.NoError(t, transport.message("c1", data))
	msg = transport.lastSent("c1", "r1")
	require.NotNil(t, msg)

	var payload protocol.ErrorNotificationPayload
	require.NoError(t, protocol.ParsePayload(msg, &payload))
	assert.Equal(t, protocol.ErrorCodeInvalidRequestFormat, payload.Code)
}

func TestWebSocketServer_Connect(t *testing.T) {
	_, transport, controller := newTestServer(t)

	result := transport.request(t, "c1", "r1", protocol.MessageTypeConnect, struct{}{})
	assert.True(t, result.Success)
	assert.Equal(t, int32(1), controller.connects.Load())

	controller.mu.Lock()
	controller.state = handler.Offline
	controller.mu.Unlock()

	result = transport.request(t, "c1", "r2", protocol.MessageTypeConnect, struct{}{})
	assert.False(t, result.Success)
	assert.Equal(t, protocol.ErrorCodeControllerOffline, result.Error.Code)
}

func TestWebSocketServer_RefreshStatus(t *testing.T) {
	_, transport, controller := newTestServer(t)

	result := transport.request(t, "c1", "r1", protocol.MessageTypeRefreshStatus, struct{}{})
	require.True(t, result.Success)
	var status protocol.Status
	decodeData(t, result, &status)
	assert.Equal(t, "45", status.Moisture)

	controller.mu.Lock()
	controller.refreshOK = false
	controller.state = handler.Connecting
	controller.mu.Unlock()

	result = transport.request(t, "c1", "r2", protocol.MessageTypeRefreshStatus, struct{}{})
	assert.False(t, result.Success)
	assert.Equal(t, "Controller is CONNECTING", result.Error.Message)
}

func TestWebSocketServer_WaterPlant(t *testing.T) {
	_, transport, controller := newTestServer(t)

	result := transport.request(t, "c1", "r1", protocol.MessageTypeWaterPlant, struct{}{})
	require.True(t, result.Success)
	var water protocol.WaterResult
	decodeData(t, result, &water)
	assert.True(t, water.Acknowledged)
	assert.Equal(t, "2024-11-24 10:00:00", water.LastWatered)

	controller.mu.Lock()
	controller.water = handler.WaterResult{Plant: "Basil", Message: "controller is offline"}
	controller.state = handler.Offline
	controller.mu.Unlock()

	result = transport.request(t, "c1", "r2", protocol.MessageTypeWaterPlant, struct{}{})
	assert.False(t, result.Success)
	assert.Equal(t, protocol.ErrorCodeControllerOffline, result.Error.Code)
	assert.Equal(t, "controller is offline", result.Error.Message)
}

func TestWebSocketServer_PlantCRUD(t *testing.T) {
	_, transport, _ := newTestServer(t)

	result := transport.request(t, "c1", "r1", protocol.MessageTypeAddPlant, protocol.AddPlantPayload{Name: "Basil", Species: "herb"})
	require.True(t, result.Success)

	result = transport.request(t, "c1", "r2", protocol.MessageTypeAddPlant, protocol.AddPlantPayload{Name: "Basil"})
	assert.False(t, result.Success)
	assert.Equal(t, protocol.ErrorCodeAlreadyExists, result.Error.Code)

	result = transport.request(t, "c1", "r3", protocol.MessageTypeAddPlant, protocol.AddPlantPayload{Name: "  "})
	assert.Equal(t, protocol.ErrorCodeInvalidParameters, result.Error.Code)

	result = transport.request(t, "c1", "r4", protocol.MessageTypeListPlants, struct{}{})
	require.True(t, result.Success)
	var plants []protocol.Plant
	decodeData(t, result, &plants)
	want := []protocol.Plant{{Name: "Basil", Species: "herb"}}
	if diff := cmp.Diff(want, plants); diff != "" {
		t.Errorf("plants mismatch (-want +got):\n%s", diff)
	}

	result = transport.request(t, "c1", "r5", protocol.MessageTypeRemovePlant, protocol.RemovePlantPayload{Name: "Basil"})
	assert.True(t, result.Success)

	result = transport.request(t, "c1", "r6", protocol.MessageTypeRemovePlant, protocol.RemovePlantPayload{Name: "Basil"})
	assert.False(t, result.Success)
	assert.Equal(t, protocol.ErrorCodeTargetNotFound, result.Error.Code)
}

func TestWebSocketServer_Settings(t *testing.T) {
	ws, transport, controller := newTestServer(t)
	var intervalChanged int
	ws.OnIntervalChanged = func() { intervalChanged++ }

	result := transport.request(t, "c1", "r1", protocol.MessageTypeSetCheckInterval, protocol.SetCheckIntervalPayload{Minutes: 15})
	require.True(t, result.Success)
	assert.Equal(t, 1, intervalChanged)

	result = transport.request(t, "c1", "r2", protocol.MessageTypeSetCheckInterval, protocol.SetCheckIntervalPayload{Minutes: 0})
	assert.False(t, result.Success)
	assert.Equal(t, 1, intervalChanged)

	result = transport.request(t, "c1", "r3", protocol.MessageTypeSetNotification, protocol.SetNotificationPayload{Kind: "plant_message", Enabled: false})
	require.True(t, result.Success)

	result = transport.request(t, "c1", "r4", protocol.MessageTypeSetNotification, protocol.SetNotificationPayload{Kind: "spam"})
	assert.Equal(t, protocol.ErrorCodeInvalidParameters, result.Error.Code)

	result = transport.request(t, "c1", "r5", protocol.MessageTypeSetManualAddress, protocol.SetManualAddressPayload{Address: "192.168.1.50"})
	require.True(t, result.Success)
	assert.Equal(t, "192.168.1.50", controller.manual)

	controller.manualErr = errors.New(`invalid controller address "garden"`)
	result = transport.request(t, "c1", "r6", protocol.MessageTypeSetManualAddress, protocol.SetManualAddressPayload{Address: "garden"})
	assert.Equal(t, protocol.ErrorCodeInvalidParameters, result.Error.Code)

	result = transport.request(t, "c1", "r7", protocol.MessageTypeGetSettings, struct{}{})
	require.True(t, result.Success)
	var settings protocol.Settings
	decodeData(t, result, &settings)
	assert.Equal(t, 15, settings.CheckIntervalMinutes)
	want := map[string]bool{"low_moisture": true, "watering_reminder": true, "plant_message": false}
	if diff := cmp.Diff(want, settings.Notifications); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestWebSocketServer_NotificationSink(t *testing.T) {
	ws, transport, _ := newTestServer(t)

	sink := ws.NotificationSink()
	assert.Equal(t, "websocket", sink.Name())
	require.NoError(t, sink.Deliver(notify.Notification{Kind: notify.KindPlantMessage, Plant: "Basil", Body: "hi"}))

	types := transport.broadcastTypes()
	require.Len(t, types, 1)
	assert.Equal(t, protocol.MessageTypeNotification, types[0])
}
