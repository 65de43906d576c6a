package network

import (
	"context"
	"log/slog"
	"time"

	"sproutling/arduino"
)

// Link はコントローラーとの1本の接続を抽象化する。
// TCPLink（実ソケット）と ScriptedLink（テスト用の台本付きフェイク）が実装する。
type Link interface {
	// Addr は接続先 "host:port" を返す
	Addr() string
	// Open は既存の接続を閉じてから新しく接続する
	Open(ctx context.Context) error
	// Close は接続を解放する。既に閉じていても安全で、失敗しない
	Close()
	// IsConnected は現在のハンドルが生きているかを返す（判定不能なら false）
	IsConnected() bool
	// Send はコマンドを1行のJSONとして送信する
	Send(ctx context.Context, cmd arduino.Command) error
	// ReceiveLine は応答を1行読み込む。相手が切断した場合は (nil, nil)
	ReceiveLine(ctx context.Context) (arduino.Response, error)
	// Exchange は送信、待機、受信をロックを保持したまま行い、失敗を呼び出し元に返す
	Exchange(ctx context.Context, cmd arduino.Command) (arduino.Response, error)
	// SendAndReceive は Exchange と同じだがエラーは返さず、失敗時は nil
	SendAndReceive(ctx context.Context, cmd arduino.Command) arduino.Response
}

// LinkFactory は接続先ごとに Link を作成する
type LinkFactory func(host string, port int) Link

// デフォルト値
const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultSettleDelay    = 100 * time.Millisecond
)

// SleepContext は ctx がキャンセルされるまで、または d だけ待つ
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// logExchange は SendAndReceive の結果を記録する
func logExchange(addr string, cmd arduino.Command, resp arduino.Response, err error) {
	switch {
	case err != nil && IsExpectedDisconnect(err):
		slog.Info("コントローラーが接続を切断しました", "addr", addr, "command", cmd)
	case err != nil:
		slog.Warn("コマンドのやり取りに失敗", "addr", addr, "command", cmd, "err", err)
	case resp == nil:
		slog.Info("応答なしで接続が閉じられました", "addr", addr, "command", cmd)
	}
}
