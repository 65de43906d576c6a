package server

import (
	"errors"
	"log/slog"
	"strings"

	"sproutling/notify"
	"sproutling/protocol"
	"sproutling/store"
)

// handleListPlantsFromClient handles a list_plants message from a client
func (ws *WebSocketServer) handleListPlantsFromClient(connID string, msg *protocol.Message) error {
	plants, err := ws.store.ListPlants()
	if err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInternalServerError, "Error listing plants: %v", err)
	}
	return ws.sendSuccessResponse(connID, msg.RequestID, protocol.PlantsToProtocol(plants))
}

// handleAddPlantFromClient handles an add_plant message from a client
func (ws *WebSocketServer) handleAddPlantFromClient(connID string, msg *protocol.Message) error {
	var payload protocol.AddPlantPayload
	if err := protocol.ParsePayload(msg, &payload); err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidRequestFormat, "Error parsing add_plant payload: %v", err)
	}
	if strings.TrimSpace(payload.Name) == "" {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidParameters, "No plant name specified")
	}

	plant, err := ws.store.AddPlant(payload.Name, payload.Species)
	if err != nil {
		if errors.Is(err, store.ErrPlantExists) {
			return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeAlreadyExists, "%v", err)
		}
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInternalServerError, "Error adding plant: %v", err)
	}
	slog.Info("植物を追加しました", "plant", plant.Name)
	return ws.sendSuccessResponse(connID, msg.RequestID, protocol.PlantToProtocol(plant))
}

// handleRemovePlantFromClient handles a remove_plant message from a client
func (ws *WebSocketServer) handleRemovePlantFromClient(connID string, msg *protocol.Message) error {
	var payload protocol.RemovePlantPayload
	if err := protocol.ParsePayload(msg, &payload); err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidRequestFormat, "Error parsing remove_plant payload: %v", err)
	}

	if err := ws.store.RemovePlant(payload.Name); err != nil {
		if errors.Is(err, store.ErrPlantNotFound) {
			return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeTargetNotFound, "%v", err)
		}
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInternalServerError, "Error removing plant: %v", err)
	}
	slog.Info("植物を削除しました", "plant", payload.Name)
	return ws.sendSuccessResponse(connID, msg.RequestID, nil)
}

// settings は get_settings の結果を組み立てる
func (ws *WebSocketServer) settings() (protocol.Settings, error) {
	s, err := ws.store.Snapshot(notify.KindNames())
	if err != nil {
		return protocol.Settings{}, err
	}
	return protocol.Settings{
		ManualAddress:        s.ManualAddress,
		CheckIntervalMinutes: s.CheckIntervalMinutes,
		LastSubnet:           s.LastSubnet,
		Notifications:        s.Notifications,
	}, nil
}

// handleGetSettingsFromClient handles a get_settings message from a client
func (ws *WebSocketServer) handleGetSettingsFromClient(connID string, msg *protocol.Message) error {
	s, err := ws.settings()
	if err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInternalServerError, "Error reading settings: %v", err)
	}
	return ws.sendSuccessResponse(connID, msg.RequestID, s)
}

// handleSetCheckIntervalFromClient handles a set_check_interval message from a client
func (ws *WebSocketServer) handleSetCheckIntervalFromClient(connID string, msg *protocol.Message) error {
	var payload protocol.SetCheckIntervalPayload
	if err := protocol.ParsePayload(msg, &payload); err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidRequestFormat, "Error parsing set_check_interval payload: %v", err)
	}
	if payload.Minutes <= 0 {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidParameters, "Check interval must be positive, got %d", payload.Minutes)
	}
	if err := ws.store.SetCheckIntervalMinutes(payload.Minutes); err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInternalServerError, "Error saving check interval: %v", err)
	}
	if ws.OnIntervalChanged != nil {
		ws.OnIntervalChanged()
	}
	return ws.sendSuccessResponse(connID, msg.RequestID, payload)
}

// handleSetNotificationFromClient handles a set_notification message from a client
func (ws *WebSocketServer) handleSetNotificationFromClient(connID string, msg *protocol.Message) error {
	var payload protocol.SetNotificationPayload
	if err := protocol.ParsePayload(msg, &payload); err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidRequestFormat, "Error parsing set_notification payload: %v", err)
	}
	kind, err := notify.ParseKind(payload.Kind)
	if err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidParameters, "%v", err)
	}
	if err := ws.store.SetNotificationEnabled(string(kind), payload.Enabled); err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInternalServerError, "Error saving notification setting: %v", err)
	}
	return ws.sendSuccessResponse(connID, msg.RequestID, payload)
}
