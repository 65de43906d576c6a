package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sproutling/arduino/handler"
	"sproutling/notify"
	"sproutling/protocol"
	"sproutling/store"
)

// StartOptions は WebSocketServer の起動オプションを表す
type StartOptions struct {
	// TLS証明書ファイルのパス (TLSを使用する場合)
	CertFile string
	// TLS秘密鍵ファイルのパス (TLSを使用する場合)
	KeyFile string
	// Ready は待ち受けを開始したときに close される
	Ready chan struct{}
}

// Controller はコントローラーとの接続を管理する
type Controller interface {
	State() handler.ConnectionState
	Status() handler.StatusReport
	Address() string
	Connect(ctx context.Context) handler.ConnectionState
	RefreshStatus(ctx context.Context) (handler.StatusReport, bool)
	WaterPlant(ctx context.Context) handler.WaterResult
	SetManualAddress(address string) error
	Subscribe() (<-chan handler.ConnectionState, func())
	SubscribeStatus() (<-chan handler.StatusReport, func())
}

// GardenStore は植物と設定の保存先
type GardenStore interface {
	ListPlants() ([]handler.PlantRecord, error)
	AddPlant(name, species string) (store.Plant, error)
	RemovePlant(name string) error
	SetCheckIntervalMinutes(minutes int) error
	SetNotificationEnabled(kind string, enabled bool) error
	Snapshot(kinds []string) (store.Settings, error)
}

// WebSocketServer はコントローラーの状態を WebSocket クライアントへ配信し、操作を受け付ける
type WebSocketServer struct {
	ctx         context.Context
	cancel      context.CancelFunc
	transport   WebSocketTransport
	controller  Controller
	store       GardenStore
	startupTime time.Time
	wg          sync.WaitGroup

	// OnIntervalChanged はチェック間隔が変更されたときに呼ばれる
	OnIntervalChanged func()
}

// NewWebSocketServer creates a new WebSocket server
func NewWebSocketServer(ctx context.Context, transport WebSocketTransport, controller Controller, gardenStore GardenStore) *WebSocketServer {
	serverCtx, cancel := context.WithCancel(ctx)

	ws := &WebSocketServer{
		ctx:         serverCtx,
		cancel:      cancel,
		transport:   transport,
		controller:  controller,
		store:       gardenStore,
		startupTime: time.Now(),
	}

	transport.SetConnectHandler(ws.handleClientConnect)
	transport.SetMessageHandler(ws.handleClientMessage)
	transport.SetDisconnectHandler(ws.handleClientDisconnect)

	// コントローラーの状態変化を待ち受ける
	states, cancelStates := controller.Subscribe()
	statuses, cancelStatuses := controller.SubscribeStatus()
	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		defer cancelStates()
		defer cancelStatuses()
		ws.listenForUpdates(states, statuses)
	}()

	return ws
}

// handleClientConnect is called when a new client connects
func (ws *WebSocketServer) handleClientConnect(connID string) error {
	slog.Debug("New WebSocket connection established", "connID", connID)
	return ws.sendInitialStateToClient(connID)
}

// handleClientMessage is called when a message is received from a client
func (ws *WebSocketServer) handleClientMessage(connID string, message []byte) error {
	msg, err := protocol.ParseMessage(message)
	if err != nil {
		slog.Debug("Error parsing message", "err", err, "connID", connID)
		errorPayload := protocol.ErrorNotificationPayload{
			Code:    protocol.ErrorCodeInvalidRequestFormat,
			Message: fmt.Sprintf("Error parsing message: %v", err),
		}
		return ws.sendMessageToClient(connID, protocol.MessageTypeErrorNotification, errorPayload, "")
	}

	switch msg.Type {
	case protocol.MessageTypeConnect:
		return ws.handleConnectFromClient(connID, msg)
	case protocol.MessageTypeRefreshStatus:
		return ws.handleRefreshStatusFromClient(connID, msg)
	case protocol.MessageTypeWaterPlant:
		return ws.handleWaterPlantFromClient(connID, msg)
	case protocol.MessageTypeListPlants:
		return ws.handleListPlantsFromClient(connID, msg)
	case protocol.MessageTypeAddPlant:
		return ws.handleAddPlantFromClient(connID, msg)
	case protocol.MessageTypeRemovePlant:
		return ws.handleRemovePlantFromClient(connID, msg)
	case protocol.MessageTypeSetManualAddress:
		return ws.handleSetManualAddressFromClient(connID, msg)
	case protocol.MessageTypeGetSettings:
		return ws.handleGetSettingsFromClient(connID, msg)
	case protocol.MessageTypeSetCheckInterval:
		return ws.handleSetCheckIntervalFromClient(connID, msg)
	case protocol.MessageTypeSetNotification:
		return ws.handleSetNotificationFromClient(connID, msg)
	default:
		slog.Debug("Unknown message type", "type", msg.Type, "connID", connID)
		errorPayload := protocol.ErrorNotificationPayload{
			Code:    protocol.ErrorCodeInvalidRequestFormat,
			Message: fmt.Sprintf("Unknown message type: %s", msg.Type),
		}
		return ws.sendMessageToClient(connID, protocol.MessageTypeErrorNotification, errorPayload, msg.RequestID)
	}
}

// handleClientDisconnect is called when a client disconnects
func (ws *WebSocketServer) handleClientDisconnect(connID string) {
	slog.Debug("WebSocket connection closed", "connID", connID)
}

// Start starts the WebSocket server
func (ws *WebSocketServer) Start(options StartOptions) error {
	return ws.transport.Start(options)
}

// Stop stops the WebSocket server
func (ws *WebSocketServer) Stop() error {
	ws.cancel()
	err := ws.transport.Stop()
	ws.wg.Wait()
	return err
}

// initialState は initial_state のペイロードを組み立てる
func (ws *WebSocketServer) initialState() protocol.InitialStatePayload {
	plants, err := ws.store.ListPlants()
	if err != nil {
		slog.Warn("植物一覧の取得に失敗しました", "err", err)
	}
	return protocol.InitialStatePayload{
		State:             ws.controller.State().String(),
		Address:           ws.controller.Address(),
		Status:            protocol.StatusToProtocol(ws.controller.Status()),
		Plants:            protocol.PlantsToProtocol(plants),
		ServerStartupTime: ws.startupTime,
	}
}

// sendInitialStateToClient sends the initial state to a client
func (ws *WebSocketServer) sendInitialStateToClient(connID string) error {
	return ws.sendMessageToClient(connID, protocol.MessageTypeInitialState, ws.initialState(), "")
}

// sendMessageToClient sends a message to a client
func (ws *WebSocketServer) sendMessageToClient(connID string, msgType protocol.MessageType, payload interface{}, requestID string) error {
	data, err := protocol.CreateMessage(msgType, payload, requestID)
	if err != nil {
		return fmt.Errorf("error creating message: %w", err)
	}
	return ws.transport.SendMessage(connID, data)
}

// broadcastMessageToClients sends a message to all connected clients
func (ws *WebSocketServer) broadcastMessageToClients(msgType protocol.MessageType, payload interface{}) error {
	data, err := protocol.CreateMessage(msgType, payload, "")
	if err != nil {
		slog.Debug("Error creating broadcast message", "err", err)
		return err
	}
	return ws.transport.BroadcastMessage(data)
}

// sendSuccessResponse は command_result を成功として返す
func (ws *WebSocketServer) sendSuccessResponse(connID, requestID string, data interface{}) error {
	result := protocol.CommandResultPayload{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ws.sendErrorResponse(connID, requestID, protocol.ErrorCodeInternalServerError, "Error marshaling result: %v", err)
		}
		result.Data = raw
	}
	return ws.sendMessageToClient(connID, protocol.MessageTypeCommandResult, result, requestID)
}

// sendErrorResponse は command_result を失敗として返す
func (ws *WebSocketServer) sendErrorResponse(connID, requestID string, code protocol.ErrorCode, format string, args ...interface{}) error {
	result := protocol.CommandResultPayload{
		Success: false,
		Error: &protocol.Error{
			Code:    code,
			Message: fmt.Sprintf(format, args...),
		},
	}
	return ws.sendMessageToClient(connID, protocol.MessageTypeCommandResult, result, requestID)
}

// goAsync は時間のかかる操作をバックグラウンドで実行する。Stop で終了を待つ
func (ws *WebSocketServer) goAsync(fn func(ctx context.Context)) {
	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		fn(ws.ctx)
	}()
}

// listenForUpdates はコントローラーの状態と取得結果を全クライアントへ流す
func (ws *WebSocketServer) listenForUpdates(states <-chan handler.ConnectionState, statuses <-chan handler.StatusReport) {
	for {
		select {
		case <-ws.ctx.Done():
			slog.Debug("Update listener stopped")
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			payload := protocol.ConnectionStatePayload{
				State:   state.String(),
				Address: ws.controller.Address(),
			}
			_ = ws.broadcastMessageToClients(protocol.MessageTypeConnectionState, payload)
		case report, ok := <-statuses:
			if !ok {
				return
			}
			payload := protocol.StatusUpdatePayload{Status: protocol.StatusToProtocol(report)}
			_ = ws.broadcastMessageToClients(protocol.MessageTypeStatusUpdate, payload)
		}
	}
}

// NotificationSink は通知を notification メッセージとして全クライアントへ流す notify.Sink を返す
func (ws *WebSocketServer) NotificationSink() notify.Sink {
	return notify.FuncSink{
		Label: "websocket",
		Fn: func(n notify.Notification) error {
			return ws.broadcastMessageToClients(protocol.MessageTypeNotification, protocol.NotificationPayload{Notification: n})
		},
	}
}
