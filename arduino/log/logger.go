package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger はログファイルへの書き込みを管理する。slog のハンドラの出力先として使う。
type Logger struct {
	logMutex sync.Mutex
	logFile  *os.File
	path     string
}

var (
	logger   *Logger
	loggerMu sync.Mutex
)

func GetLogger() *Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	return logger
}

func SetLogger(l *Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger != nil && logger != l {
		logger.Close()
	}
	logger = l
}

// NewLogger は filename に追記するロガーを作成する
func NewLogger(filename string) (*Logger, error) {
	logFile, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("ログファイルを開けませんでした: %w", err)
	}
	return &Logger{
		logFile: logFile,
		path:    filename,
	}, nil
}

// Path はログファイルのパス
func (l *Logger) Path() string {
	return l.path
}

// Write は io.Writer の実装。Close 後の書き込みは捨てる。
func (l *Logger) Write(p []byte) (int, error) {
	l.logMutex.Lock()
	defer l.logMutex.Unlock()
	if l.logFile == nil {
		return len(p), nil
	}
	return l.logFile.Write(p)
}

// Handler はこのファイルに書き込む slog.Handler を返す
func (l *Logger) Handler(level slog.Leveler) slog.Handler {
	return slog.NewTextHandler(l, &slog.HandlerOptions{Level: level})
}

// Tee はファイルと w の両方に書き込む io.Writer を返す
func (l *Logger) Tee(w io.Writer) io.Writer {
	return io.MultiWriter(l, w)
}

func (l *Logger) Close() {
	l.logMutex.Lock()
	defer l.logMutex.Unlock()

	if l.logFile != nil {
		_ = l.logFile.Close()
		l.logFile = nil
	}
}

// Rotate はログファイルを閉じて開き直す（logrotate で移動された後に新しいファイルを作る）
func (l *Logger) Rotate() error {
	l.logMutex.Lock()
	defer l.logMutex.Unlock()

	if l.logFile == nil {
		return nil
	}
	_ = l.logFile.Close()

	logFile, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		l.logFile = nil
		return fmt.Errorf("ログファイルを再オープンできませんでした: %w", err)
	}
	l.logFile = logFile
	return nil
}
