//go:build integration

package helpers

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"sproutling/protocol"
)

// WebSocketConnection はWebSocket接続のテスト用ラッパー
type WebSocketConnection struct {
	conn   *websocket.Conn
	url    string
	closed bool
}

// NewWebSocketConnection は新しいWebSocket接続を作成する
func NewWebSocketConnection(serverURL string) (*WebSocketConnection, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("URLの解析に失敗: %v", err)
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 5 * time.Second

	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket接続に失敗: %v", err)
	}

	return &WebSocketConnection{
		conn: conn,
		url:  serverURL,
	}, nil
}

// SendRequest はクライアントからのメッセージを送信する
func (wsc *WebSocketConnection) SendRequest(msgType protocol.MessageType, payload interface{}, requestID string) error {
	if wsc.closed {
		return fmt.Errorf("接続が既に閉じられています")
	}
	data, err := protocol.CreateMessage(msgType, payload, requestID)
	if err != nil {
		return err
	}
	return wsc.conn.WriteMessage(websocket.TextMessage, data)
}

// ReceiveMessage はWebSocketメッセージを受信する
func (wsc *WebSocketConnection) ReceiveMessage(timeout time.Duration) (*protocol.Message, error) {
	if wsc.closed {
		return nil, fmt.Errorf("接続が既に閉じられています")
	}

	if timeout > 0 {
		_ = wsc.conn.SetReadDeadline(time.Now().Add(timeout))
	}

	_, data, err := wsc.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("メッセージの受信に失敗: %v", err)
	}
	return protocol.ParseMessage(data)
}

// WaitForMessage は特定の条件にマッチするメッセージを待機する
func (wsc *WebSocketConnection) WaitForMessage(predicate func(*protocol.Message) bool, timeout time.Duration) (*protocol.Message, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		message, err := wsc.ReceiveMessage(time.Until(deadline))
		if err != nil {
			return nil, err
		}
		if predicate(message) {
			return message, nil
		}
	}

	return nil, fmt.Errorf("タイムアウト: 条件にマッチするメッセージが受信されませんでした")
}

// Request は要求を送り、同じ requestID の command_result を待つ
func (wsc *WebSocketConnection) Request(msgType protocol.MessageType, payload interface{}, requestID string, timeout time.Duration) (protocol.CommandResultPayload, error) {
	var result protocol.CommandResultPayload
	if err := wsc.SendRequest(msgType, payload, requestID); err != nil {
		return result, err
	}
	msg, err := wsc.WaitForMessage(func(m *protocol.Message) bool {
		return m.Type == protocol.MessageTypeCommandResult && m.RequestID == requestID
	}, timeout)
	if err != nil {
		return result, err
	}
	err = protocol.ParsePayload(msg, &result)
	return result, err
}

// Close はWebSocket接続を閉じる
func (wsc *WebSocketConnection) Close() error {
	if wsc.closed {
		return nil
	}

	wsc.closed = true
	return wsc.conn.Close()
}

// WaitForCondition は条件が満たされるまで待機する
func WaitForCondition(condition func() bool, timeout time.Duration, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(interval)
	}

	return false
}
