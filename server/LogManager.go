package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sproutling/arduino/log"
)

// LogManager はログファイルと slog のデフォルトロガーを管理し、SIGHUP でローテーションする
type LogManager struct {
	logger   *log.Logger
	level    slog.Level
	signalCh chan os.Signal
	done     chan struct{}
}

// NewLogManager はログファイルを開き、slog のデフォルトロガーをファイル出力に切り替える
func NewLogManager(logFilename string, debug bool) (*LogManager, error) {
	// ロガーのセットアップ
	logger, err := log.NewLogger(logFilename)
	if err != nil {
		return nil, err
	}
	log.SetLogger(logger)

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(logger.Handler(level)))

	lm := &LogManager{
		logger:   logger,
		level:    level,
		signalCh: make(chan os.Signal, 1),
		done:     make(chan struct{}),
	}

	// ログローテーション用のシグナルハンドリング (SIGHUP)
	signal.Notify(lm.signalCh, syscall.SIGHUP)
	go lm.watchRotate()

	return lm, nil
}

func (lm *LogManager) watchRotate() {
	for {
		select {
		case <-lm.signalCh:
			fmt.Fprintln(os.Stderr, "SIGHUPを受信しました。ログファイルをローテーションします...")
			if err := lm.Rotate(); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "ログローテーションエラー: %v\n", err)
			}
		case <-lm.done:
			return
		}
	}
}

// Rotate はログファイルを開き直す
func (lm *LogManager) Rotate() error {
	slog.Info("ログファイルをローテーションします", "path", lm.logger.Path())
	return lm.logger.Rotate()
}

// Level は設定されたログレベル
func (lm *LogManager) Level() slog.Level {
	return lm.level
}

// Handler はログファイルへ書き込む slog.Handler
func (lm *LogManager) Handler() slog.Handler {
	return lm.logger.Handler(lm.level)
}

// InstallBroadcast はデフォルトロガーを Warn 以上を WebSocket クライアントへ流すハンドラに差し替える
func (lm *LogManager) InstallBroadcast(transport WebSocketTransport) {
	slog.SetDefault(slog.New(NewBroadcastHandler(lm.Handler(), transport, slog.LevelWarn)))
}

func (lm *LogManager) Close() error {
	signal.Stop(lm.signalCh)
	close(lm.done)
	// ログファイルを閉じる
	log.SetLogger(nil)
	return nil
}
