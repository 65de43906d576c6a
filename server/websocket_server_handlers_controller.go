package server

import (
	"context"

	"sproutling/arduino/handler"
	"sproutling/protocol"
)

// handleConnectFromClient handles a connect message from a client.
// 接続は探索を含むと時間がかかるため、結果は完了後に command_result で返す。
func (ws *WebSocketServer) handleConnectFromClient(connID string, msg *protocol.Message) error {
	ws.goAsync(func(ctx context.Context) {
		state := ws.controller.Connect(ctx)
		payload := protocol.ConnectionStatePayload{
			State:   state.String(),
			Address: ws.controller.Address(),
		}
		if state == handler.Offline {
			_ = ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeControllerOffline, "Controller not found")
			return
		}
		_ = ws.sendSuccessResponse(connID, msg.RequestID, payload)
	})
	return nil
}

// handleRefreshStatusFromClient handles a refresh_status message from a client
func (ws *WebSocketServer) handleRefreshStatusFromClient(connID string, msg *protocol.Message) error {
	ws.goAsync(func(ctx context.Context) {
		report, ok := ws.controller.RefreshStatus(ctx)
		if !ok {
			_ = ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeControllerOffline,
				"Controller is %s", ws.controller.State())
			return
		}
		_ = ws.sendSuccessResponse(connID, msg.RequestID, protocol.StatusToProtocol(report))
	})
	return nil
}

// handleWaterPlantFromClient handles a water_plant message from a client
func (ws *WebSocketServer) handleWaterPlantFromClient(connID string, msg *protocol.Message) error {
	ws.goAsync(func(ctx context.Context) {
		result := ws.controller.WaterPlant(ctx)
		if !result.Delivered() {
			code := protocol.ErrorCodeControllerCommunication
			if ws.controller.State() != handler.Connected {
				code = protocol.ErrorCodeControllerOffline
			}
			_ = ws.sendErrorResponse(connID, msg.RequestID, code, "%s", result.Message)
			return
		}
		_ = ws.sendSuccessResponse(connID, msg.RequestID, protocol.WaterResultToProtocol(result))
	})
	return nil
}

// handleSetManualAddressFromClient handles a set_manual_address message from a client
func (ws *WebSocketServer) handleSetManualAddressFromClient(connID string, msg *protocol.Message) error {
	var payload protocol.SetManualAddressPayload
	if err := protocol.ParsePayload(msg, &payload); err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidRequestFormat, "Error parsing set_manual_address payload: %v", err)
	}
	if err := ws.controller.SetManualAddress(payload.Address); err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidParameters, "%v", err)
	}
	return ws.sendSuccessResponse(connID, msg.RequestID, payload)
}
