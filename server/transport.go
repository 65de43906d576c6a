package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait は1回の書き込みに許す時間
	writeWait = 10 * time.Second
	// pongWait は pong を待つ時間。これを過ぎると接続を切る
	pongWait = 60 * time.Second
	// pingPeriod は ping の送信間隔。pongWait より短くなければならない
	pingPeriod = (pongWait * 9) / 10
)

// WebSocketTransport はWebSocketサーバーのネットワーク層を抽象化するインターフェース
type WebSocketTransport interface {
	// Start はWebSocketサーバーを起動する
	Start(options StartOptions) error

	// Stop はWebSocketサーバーを停止する
	Stop() error

	// SetMessageHandler はクライアントからメッセージを受信した時に呼び出されるハンドラを設定する
	// connID はクライアント接続を識別するための一意なID
	SetMessageHandler(handler func(connID string, message []byte) error)

	// SetConnectHandler は新しいクライアントが接続した時に呼び出されるハンドラを設定する
	SetConnectHandler(handler func(connID string) error)

	// SetDisconnectHandler はクライアントが切断した時に呼び出されるハンドラを設定する
	SetDisconnectHandler(handler func(connID string))

	// SendMessage は特定のクライアントにメッセージを送信する
	SendMessage(connID string, message []byte) error

	// BroadcastMessage は接続中の全クライアントにメッセージを送信する
	BroadcastMessage(message []byte) error
}

// clientConnection wraps a WebSocket connection with a mutex for safe concurrent writes
type clientConnection struct {
	conn  *websocket.Conn
	mutex sync.Mutex
}

func (c *clientConnection) write(messageType int, data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// DefaultWebSocketTransport は WebSocketTransport インターフェースのデフォルト実装。
// /ws を chi のルーターに載せ、同じルーターに HTTP API を追加できる。
type DefaultWebSocketTransport struct {
	ctx               context.Context
	cancel            context.CancelFunc
	server            *http.Server
	router            chi.Router
	upgrader          websocket.Upgrader
	clients           map[string]*clientConnection
	clientsMutex      sync.RWMutex
	listenerMu        sync.Mutex
	listener          net.Listener
	messageHandler    func(connID string, message []byte) error
	connectHandler    func(connID string) error
	disconnectHandler func(connID string)
}

// NewDefaultWebSocketTransport は DefaultWebSocketTransport の新しいインスタンスを作成する
func NewDefaultWebSocketTransport(ctx context.Context, addr string) *DefaultWebSocketTransport {
	transportCtx, cancel := context.WithCancel(ctx)

	transport := &DefaultWebSocketTransport{
		ctx:    transportCtx,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// ローカルネットワーク内の UI から接続される
				return true
			},
		},
		clients: make(map[string]*clientConnection),
	}

	router := chi.NewRouter()
	router.Get("/ws", transport.handleWebSocket)
	transport.router = router

	transport.server = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return transport
}

// Router は HTTP API を追加するためのルーターを返す
func (t *DefaultWebSocketTransport) Router() chi.Router {
	return t.router
}

// Addr は待ち受け中のアドレスを返す。Start 前は設定値を返す
func (t *DefaultWebSocketTransport) Addr() string {
	t.listenerMu.Lock()
	defer t.listenerMu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.server.Addr
}

// ClientCount は接続中のクライアント数
func (t *DefaultWebSocketTransport) ClientCount() int {
	t.clientsMutex.RLock()
	defer t.clientsMutex.RUnlock()
	return len(t.clients)
}

// Start はWebSocketサーバーを起動する。Stop されるまで戻らない
func (t *DefaultWebSocketTransport) Start(options StartOptions) error {
	// 先にリスナーをバインド
	listener, err := net.Listen("tcp", t.server.Addr)
	if err != nil {
		return err
	}
	t.listenerMu.Lock()
	t.listener = listener
	t.listenerMu.Unlock()

	// 待ち受け完了を通知
	if options.Ready != nil {
		close(options.Ready)
	}
	slog.Info("WebSocket server starting", "addr", listener.Addr().String())

	if options.CertFile != "" && options.KeyFile != "" {
		slog.Info("Using TLS with certificate", "certFile", options.CertFile)
		err = t.server.ServeTLS(listener, options.CertFile, options.KeyFile)
	} else {
		err = t.server.Serve(listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop はWebSocketサーバーを停止する
func (t *DefaultWebSocketTransport) Stop() error {
	slog.Info("Stopping WebSocket server", "addr", t.Addr())
	t.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := t.server.Shutdown(ctx)
	if err != nil {
		slog.Info("Error shutting down WebSocket server", "err", err)
	}

	// Shutdown は hijack 済みの接続を閉じないので、ここで閉じる
	t.clientsMutex.Lock()
	for _, client := range t.clients {
		_ = client.conn.Close()
	}
	t.clientsMutex.Unlock()
	return err
}

// SetMessageHandler はクライアントからメッセージを受信した時に呼び出されるハンドラを設定する
func (t *DefaultWebSocketTransport) SetMessageHandler(handler func(connID string, message []byte) error) {
	t.messageHandler = handler
}

// SetConnectHandler は新しいクライアントが接続した時に呼び出されるハンドラを設定する
func (t *DefaultWebSocketTransport) SetConnectHandler(handler func(connID string) error) {
	t.connectHandler = handler
}

// SetDisconnectHandler はクライアントが切断した時に呼び出されるハンドラを設定する
func (t *DefaultWebSocketTransport) SetDisconnectHandler(handler func(connID string)) {
	t.disconnectHandler = handler
}

// isConnectionClosedError checks if the error indicates a closed connection
func isConnectionClosedError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// removeClient removes a client and calls the disconnect handler.
// Returns false if the client was already removed.
func (t *DefaultWebSocketTransport) removeClient(connID string) bool {
	t.clientsMutex.Lock()
	_, exists := t.clients[connID]
	if exists {
		delete(t.clients, connID)
	}
	t.clientsMutex.Unlock()

	if !exists {
		return false
	}

	if t.ctx.Err() == nil && t.disconnectHandler != nil {
		go t.disconnectHandler(connID)
	}
	return true
}

// SendMessage は特定のクライアントにメッセージを送信する
func (t *DefaultWebSocketTransport) SendMessage(connID string, message []byte) error {
	t.clientsMutex.RLock()
	client, exists := t.clients[connID]
	t.clientsMutex.RUnlock()

	if !exists {
		return fmt.Errorf("client with ID %s not found", connID)
	}

	if err := client.write(websocket.TextMessage, message); err != nil {
		if isConnectionClosedError(err) {
			t.removeClient(connID)
		}
		return fmt.Errorf("failed to send message to client %s: %w", connID, err)
	}

	return nil
}

// BroadcastMessage は接続中の全クライアントにメッセージを送信する
func (t *DefaultWebSocketTransport) BroadcastMessage(message []byte) error {
	t.clientsMutex.RLock()
	clients := make(map[string]*clientConnection, len(t.clients))
	for connID, client := range t.clients {
		clients[connID] = client
	}
	t.clientsMutex.RUnlock()

	var disconnectedClients []string
	for connID, client := range clients {
		if err := client.write(websocket.TextMessage, message); err != nil {
			if isConnectionClosedError(err) {
				disconnectedClients = append(disconnectedClients, connID)
			} else {
				// ここで slog.Warn 以上を使うと BroadcastHandler 経由で再帰する
				slog.Debug("Error broadcasting message to client", "err", err, "connID", connID)
			}
		}
	}

	for _, connID := range disconnectedClients {
		t.removeClient(connID)
	}

	return nil
}

// pingLoop は pingPeriod ごとに ping を送る
func (t *DefaultWebSocketTransport) pingLoop(client *clientConnection, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			client.mutex.Lock()
			err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			client.mutex.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		case <-t.ctx.Done():
			return
		}
	}
}

// handleWebSocket はWebSocket接続を処理する
func (t *DefaultWebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	slog.Debug("WebSocket upgrade request received",
		"origin", r.Header.Get("Origin"),
		"remote_addr", r.RemoteAddr)

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Info("Error upgrading to WebSocket", "err", err,
			"remote_addr", r.RemoteAddr,
			"user_agent", r.Header.Get("User-Agent"))
		return
	}
	defer conn.Close()

	connID := uuid.NewString()

	client := &clientConnection{conn: conn}
	t.clientsMutex.Lock()
	t.clients[connID] = client
	t.clientsMutex.Unlock()

	defer t.removeClient(connID)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go t.pingLoop(client, done)

	if t.connectHandler != nil {
		if err := t.connectHandler(connID); err != nil {
			slog.Info("Error in connect handler", "err", err, "connID", connID)
			return
		}
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				slog.Info("Unexpected WebSocket close error", "err", err, "connID", connID)
			}
			break
		}
		// 読み込みが続いている間は切断しない
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if t.messageHandler != nil {
			if err := t.messageHandler(connID, message); err != nil {
				errStr := err.Error()
				if !isConnectionClosedError(err) &&
					!(strings.Contains(errStr, "client with ID") && strings.Contains(errStr, "not found")) {
					slog.Info("Error in message handler", "err", err, "connID", connID)
				}
			}
		}
	}
}
