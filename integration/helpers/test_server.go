//go:build integration

package helpers

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sproutling/arduino/emulator"
	"sproutling/arduino/handler"
	"sproutling/config"
	"sproutling/notify"
	"sproutling/server"
	"sproutling/store"
	"sproutling/worker"
)

// TestServer は統合テスト用のサーバーを管理する。
// コントローラーには内蔵エミュレーターを使う
type TestServer struct {
	Emulator    *emulator.Emulator
	Coordinator *handler.Coordinator
	Store       *store.DB
	WSServer    *server.WebSocketServer
	Transport   *server.DefaultWebSocketTransport
	Scheduler   *worker.Scheduler
	Config      *config.Config
	Port        int

	mu         sync.Mutex
	running    bool
	tempDir    string
	logManager *server.LogManager
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewTestServer は新しいテストサーバーを作成する
func NewTestServer() (*TestServer, error) {
	port, err := findFreePort()
	if err != nil {
		return nil, fmt.Errorf("利用可能なポートが見つかりません: %v", err)
	}

	tempDir, err := os.MkdirTemp("", "sproutling-test-*")
	if err != nil {
		return nil, fmt.Errorf("一時ディレクトリの作成に失敗: %v", err)
	}

	// テスト用設定を作成
	cfg := config.NewConfig()
	cfg.Debug = true
	cfg.Device.Mock = true
	cfg.Device.ConnectTimeout = "2s"
	cfg.Device.SettleDelay = "0s"
	cfg.Retry.InitialDelay = "10ms"
	cfg.Retry.MaxDelay = "50ms"
	cfg.Connect.RetryInterval = "50ms"
	cfg.HTTPServer.Enabled = true
	cfg.HTTPServer.Host = "localhost"
	cfg.HTTPServer.Port = port
	cfg.Log.Filename = filepath.Join(tempDir, "test-sproutling.log")
	cfg.Database.Path = filepath.Join(tempDir, "test-sproutling.db")

	ctx, cancel := context.WithCancel(context.Background())

	return &TestServer{
		Config:  cfg,
		Port:    port,
		tempDir: tempDir,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start はテストサーバーを起動し、コントローラーへの接続を済ませる
func (ts *TestServer) Start() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.running {
		return fmt.Errorf("サーバーは既に実行中です")
	}

	logManager, err := server.NewLogManager(ts.Config.Log.Filename, ts.Config.Debug)
	if err != nil {
		return fmt.Errorf("ログマネージャーの作成に失敗: %v", err)
	}
	ts.logManager = logManager

	db, err := store.Open(ts.Config.Database.Path)
	if err != nil {
		return fmt.Errorf("データベースの作成に失敗: %v", err)
	}
	ts.Store = db

	emu, err := emulator.Start(ts.ctx, "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("エミュレーターの起動に失敗: %v", err)
	}
	ts.Emulator = emu

	dispatcher := notify.NewDispatcher(db, notify.LogSink{})
	opts := handler.CoordinatorOptions{
		Address:              emu.Host(),
		Port:                 emu.Port(),
		ConnectRetryInterval: ts.Config.ConnectRetryInterval(),
		Timeouts:             ts.Config.Timeouts(),
		Retry:                ts.Config.RetryPolicy(),
		NetworkAvailable:     func() bool { return true },
	}
	ts.Coordinator = handler.NewCoordinator(ts.ctx, opts, db, db, nil, dispatcher)

	ts.Scheduler = worker.NewScheduler(ts.ctx)
	garden := &worker.Garden{Scheduler: ts.Scheduler, Plants: db, Notifier: dispatcher, Settings: db}

	ts.Transport = server.NewDefaultWebSocketTransport(ts.ctx, ts.Config.HTTPAddr())
	ts.WSServer = server.NewWebSocketServer(ts.ctx, ts.Transport, ts.Coordinator, db)
	ts.WSServer.OnIntervalChanged = func() { _ = garden.RescheduleMoistureCheck() }
	ts.WSServer.MountHTTPAPI(ts.Transport.Router())
	dispatcher.AddSink(ts.WSServer.NotificationSink())
	logManager.InstallBroadcast(ts.Transport)

	readyChan := make(chan struct{})
	go func() {
		if err := ts.WSServer.Start(server.StartOptions{Ready: readyChan}); err != nil {
			fmt.Printf("WebSocketサーバーの起動に失敗: %v\n", err)
		}
	}()

	select {
	case <-readyChan:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("サーバーの起動がタイムアウトしました")
	}

	if state := ts.Coordinator.Connect(ts.ctx); state != handler.Connected {
		return fmt.Errorf("エミュレーターに接続できません: %s", state)
	}
	ts.running = true
	return nil
}

// Stop はテストサーバーを停止する
func (ts *TestServer) Stop() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !ts.running {
		return nil
	}

	var errors []error

	if ts.WSServer != nil {
		if err := ts.WSServer.Stop(); err != nil {
			errors = append(errors, fmt.Errorf("WebSocketサーバーの停止に失敗: %v", err))
		}
	}
	if ts.Scheduler != nil {
		ts.Scheduler.Stop()
	}
	if ts.Coordinator != nil {
		ts.Coordinator.Close()
	}
	if ts.Emulator != nil {
		if err := ts.Emulator.Close(); err != nil {
			errors = append(errors, fmt.Errorf("エミュレーターの停止に失敗: %v", err))
		}
	}
	if ts.Store != nil {
		if err := ts.Store.Close(); err != nil {
			errors = append(errors, fmt.Errorf("データベースのクローズに失敗: %v", err))
		}
	}
	if ts.logManager != nil {
		if err := ts.logManager.Close(); err != nil {
			errors = append(errors, fmt.Errorf("ログマネージャーの停止に失敗: %v", err))
		}
	}

	ts.cancel()
	_ = os.RemoveAll(ts.tempDir)
	ts.running = false

	if len(errors) > 0 {
		return fmt.Errorf("停止中にエラーが発生: %v", errors)
	}
	return nil
}

// GetWebSocketURL はWebSocketのURLを返す
func (ts *TestServer) GetWebSocketURL() string {
	return fmt.Sprintf("ws://%s:%d/ws", ts.Config.HTTPServer.Host, ts.Port)
}

// GetHTTPURL はHTTPのURLを返す
func (ts *TestServer) GetHTTPURL() string {
	return fmt.Sprintf("http://%s:%d", ts.Config.HTTPServer.Host, ts.Port)
}

// IsRunning はサーバーが実行中かどうかを返す
func (ts *TestServer) IsRunning() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.running
}

// findFreePort は利用可能なポートを見つける
func findFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port, nil
}
