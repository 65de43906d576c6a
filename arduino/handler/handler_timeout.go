package handler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TimeoutManager は、操作のタイムアウト管理を行う
type TimeoutManager struct {
	ConnectTimeout     time.Duration // コントローラーへの接続
	ProbeTimeout       time.Duration // 探索時の1ホストあたりのプローブ
	ManualProbeTimeout time.Duration // 手動設定アドレスの確認
	StatusTimeout      time.Duration // 状態取得
	DiscoveryTimeout   time.Duration // 探索全体
}

// DefaultTimeoutManager はデフォルトのタイムアウト設定を返す
func DefaultTimeoutManager() *TimeoutManager {
	return &TimeoutManager{
		ConnectTimeout:     15 * time.Second,
		ProbeTimeout:       DefaultProbeTimeout,
		ManualProbeTimeout: DefaultManualProbeTTL,
		StatusTimeout:      5 * time.Second,
		DiscoveryTimeout:   2 * time.Minute,
	}
}

// WithTimeout は、指定された操作にタイムアウト制御を追加する。
// fn にはタイムアウト付きのコンテキストが渡される。
func (tm *TimeoutManager) WithTimeout(ctx context.Context, operation string, timeout time.Duration, fn func(ctx context.Context) error) error {
	slog.Debug("Starting operation with timeout", "operation", operation, "timeout", timeout)

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		errCh <- fn(timeoutCtx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Debug("Operation failed", "operation", operation, "err", err)
		} else {
			slog.Debug("Operation completed successfully", "operation", operation)
		}
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("Operation timed out", "operation", operation, "timeout", timeout)
		return fmt.Errorf("operation '%s' timed out after %v: %w", operation, timeout, context.DeadlineExceeded)
	}
}

// WithDiscoveryTimeout は、探索全体にタイムアウト制御を追加する
func (tm *TimeoutManager) WithDiscoveryTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	return tm.WithTimeout(ctx, "discovery", tm.DiscoveryTimeout, fn)
}

// WithStatusTimeout は、状態取得にタイムアウト制御を追加する
func (tm *TimeoutManager) WithStatusTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	return tm.WithTimeout(ctx, "status", tm.StatusTimeout, fn)
}

// WithWaterTimeout は、水やりコマンド1回分のやり取りにタイムアウト制御を追加する。
// 応答待ちの上限は状態取得と同じ。
func (tm *TimeoutManager) WithWaterTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	return tm.WithTimeout(ctx, "water", tm.StatusTimeout, fn)
}
