package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"sproutling/arduino/emulator"
	"sproutling/arduino/handler"
	"sproutling/arduino/network"
	"sproutling/config"
	"sproutling/console"
	"sproutling/notify"
	"sproutling/server"
	"sproutling/store"
	"sproutling/worker"
)

const (
	mqttConnectTimeout    = 5 * time.Second
	systemMetricsInterval = 5 * time.Minute
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args, err := config.ParseCommandLineArgs(os.Args[0], os.Args[1:])
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig(args.ConfigFile)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
	}
	cfg.ApplyCommandLineArgs(args)
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ロガーのセットアップ
	logManager, err := server.NewLogManager(cfg.Log.Filename, cfg.Debug)
	if err != nil {
		return fmt.Errorf("ログ設定エラー: %w", err)
	}
	defer logManager.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("データベースを開けませんでした: %w", err)
	}
	defer db.Close()

	// 通知の配送先
	dispatcher := notify.NewDispatcher(db, notify.LogSink{})
	if cfg.MQTT.Enabled {
		sink, err := notify.NewMQTTSink(cfg.MQTTOptions(), mqttConnectTimeout)
		if err != nil {
			slog.Warn("MQTT ブローカーに接続できません。MQTT 通知は無効になります", "broker", cfg.MQTT.Broker, "err", err)
		} else {
			defer sink.Close()
			dispatcher.AddSink(sink)
		}
	}

	// コントローラーへの接続
	opts := handler.CoordinatorOptions{
		Port:                 cfg.Device.Port,
		Address:              cfg.Device.Address,
		DiscoveryEnabled:     cfg.Discovery.Enabled,
		ConnectMaxAttempts:   cfg.Connect.MaxAttempts,
		ConnectRetryInterval: cfg.ConnectRetryInterval(),
		Timeouts:             cfg.Timeouts(),
		Retry:                cfg.RetryPolicy(),
	}
	opts.LinkFactory = network.TCPLinkFactory(opts.Timeouts.ConnectTimeout, cfg.SettleDelay())

	if cfg.Device.Mock {
		emu, err := emulator.Start(ctx, "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("エミュレーターを起動できませんでした: %w", err)
		}
		defer emu.Close()
		opts.Address = emu.Host()
		opts.Port = emu.Port()
		opts.DiscoveryEnabled = false
		opts.NetworkAvailable = func() bool { return true }
	}

	discovery := handler.NewDiscovery(opts.Port, db)
	discovery.ProbeTimeout = opts.Timeouts.ProbeTimeout
	if cfg.Discovery.MaxParallel > 0 {
		discovery.MaxParallel = cfg.Discovery.MaxParallel
	}
	discovery.Candidates = cfg.Discovery.Subnets
	discovery.AutoSubnets = cfg.Discovery.AutoSubnets
	discovery.Probe = handler.NewTCPProbe(discovery.ProbeTimeout)

	coordinator := handler.NewCoordinator(ctx, opts, db, db, discovery, dispatcher)
	defer coordinator.Close()

	// バックグラウンドジョブ
	scheduler := worker.NewScheduler(ctx)
	defer scheduler.Stop()
	garden := &worker.Garden{
		Scheduler: scheduler,
		Plants:    db,
		Notifier:  dispatcher,
		Settings:  db,
	}
	if err := garden.ScheduleAll(); err != nil {
		return err
	}
	if _, err := scheduler.Schedule(worker.SystemMetricsWork, systemMetricsInterval, worker.SystemMetricsJob(1000, 256)); err != nil {
		return err
	}

	poller := handler.NewStatusPoller(ctx, coordinator, db)
	poller.Start()
	defer poller.Stop()

	onIntervalChanged := func() {
		if err := garden.RescheduleMoistureCheck(); err != nil {
			slog.Warn("水分チェックの再登録に失敗しました", "err", err)
		}
	}

	// HTTP/WebSocket サーバー
	errCh := make(chan error, 2)
	if cfg.HTTPServer.Enabled {
		transport := server.NewDefaultWebSocketTransport(ctx, cfg.HTTPAddr())
		ws := server.NewWebSocketServer(ctx, transport, coordinator, db)
		ws.OnIntervalChanged = onIntervalChanged
		ws.MountHTTPAPI(transport.Router())
		dispatcher.AddSink(ws.NotificationSink())
		logManager.InstallBroadcast(transport)

		startOptions := server.StartOptions{}
		if cfg.TLS.Enabled {
			startOptions.CertFile = cfg.TLS.CertFile
			startOptions.KeyFile = cfg.TLS.KeyFile
		}
		go func() {
			if err := ws.Start(startOptions); err != nil {
				errCh <- fmt.Errorf("HTTP サーバーエラー: %w", err)
			}
		}()
		defer func() {
			if err := ws.Stop(); err != nil {
				slog.Warn("サーバーの停止に失敗しました", "err", err)
			}
		}()
		slog.Info("HTTP/WebSocket サーバーを起動しました", "addr", cfg.HTTPAddr())
	}

	// 最初の接続は起動を止めないよう非同期で行う
	go func() {
		state := coordinator.Connect(ctx)
		slog.Info("初回接続が完了しました", "state", state.String(), "address", coordinator.Address())
	}()

	consoleDone := make(chan struct{})
	if cfg.Console.Enabled && term.IsTerminal(int(os.Stdin.Fd())) {
		go func() {
			defer close(consoleDone)
			console.ConsoleProcess(ctx, coordinator, db, onIntervalChanged)
		}()
	} else {
		slog.Info("コンソールなしで動作します。終了は SIGINT/SIGTERM")
	}

	select {
	case <-ctx.Done():
		slog.Info("シグナルを受信したため終了します")
	case <-consoleDone:
		slog.Info("コンソールが終了しました")
	case err := <-errCh:
		return err
	}
	return nil
}
