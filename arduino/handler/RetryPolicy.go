package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sproutling/arduino/network"
)

// RetryPolicy のデフォルト値
const (
	DefaultRetryMaxAttempts  = 3
	DefaultRetryInitialDelay = 1 * time.Second
	DefaultRetryMaxDelay     = 5 * time.Second
	DefaultRetryMultiplier   = 2.0
)

// errNoResult は結果が得られなかった試行を失敗として数えるときのエラー
var errNoResult = errors.New("no result")

// ErrRetryExhausted はすべての試行が失敗したことを表す。ログに記録されるだけで呼び出し元には返らない。
type ErrRetryExhausted struct {
	Operation string
	Attempts  int
	LastErr   error
}

func (e *ErrRetryExhausted) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.LastErr)
}

func (e *ErrRetryExhausted) Unwrap() error { return e.LastErr }

// RetryPolicy は指数バックオフ付きの再試行ポリシー
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Sleep は試行の間の待機。nil なら ctx を見ながら実際に待つ
	Sleep func(ctx context.Context, d time.Duration) error

	mu           sync.RWMutex
	acceptAbsent map[string]struct{}
}

// DefaultRetryPolicy はデフォルト設定のポリシーを返す。水やりコマンドは応答なしを許容する。
func DefaultRetryPolicy() *RetryPolicy {
	p := &RetryPolicy{
		MaxAttempts:  DefaultRetryMaxAttempts,
		InitialDelay: DefaultRetryInitialDelay,
		MaxDelay:     DefaultRetryMaxDelay,
		Multiplier:   DefaultRetryMultiplier,
	}
	return p.AcceptAbsent(WaterPlantOperation)
}

// AcceptAbsent は label の操作が結果なしで終わったとき、それを正常終了として扱うよう登録する
func (p *RetryPolicy) AcceptAbsent(label string) *RetryPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acceptAbsent == nil {
		p.acceptAbsent = make(map[string]struct{})
	}
	p.acceptAbsent[label] = struct{}{}
	return p
}

// AcceptsAbsent は label が結果なしを許容するかどうか
func (p *RetryPolicy) AcceptsAbsent(label string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.acceptAbsent[label]
	return ok
}

// NextDelay は現在の待ち時間から次の待ち時間を計算する
func (p *RetryPolicy) NextDelay(current time.Duration) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	next := time.Duration(float64(current) * mult)
	if p.MaxDelay > 0 && next > p.MaxDelay {
		next = p.MaxDelay
	}
	return next
}

func (p *RetryPolicy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p *RetryPolicy) firstDelay() time.Duration {
	d := p.InitialDelay
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p *RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return network.SleepContext(ctx, d)
}

// Retry は action を最大 MaxAttempts 回実行する。
// action は (値, 値があるか, エラー) を返す。値が得られればすぐに返る。
// 値もエラーも無い場合、operation が AcceptAbsent 登録済みなら結果なしで終了し、
// そうでなければ失敗した試行として数える。
// 全試行が失敗したら ErrRetryExhausted をログに記録し、結果なしを返す。
func Retry[T any](ctx context.Context, p *RetryPolicy, operation string, action func(ctx context.Context) (T, bool, error)) (T, bool) {
	var zero T
	if p == nil {
		p = DefaultRetryPolicy()
	}

	attempts := p.maxAttempts()
	delay := p.firstDelay()
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			slog.Debug("リトライを中断しました", "operation", operation, "attempt", attempt, "err", err)
			return zero, false
		}

		value, ok, err := action(ctx)
		if err == nil && ok {
			if attempt > 1 {
				slog.Info("リトライで成功しました", "operation", operation, "attempt", attempt)
			}
			return value, true
		}
		if err == nil {
			if p.AcceptsAbsent(operation) {
				slog.Debug("結果なしで終了", "operation", operation, "attempt", attempt)
				return zero, false
			}
			err = errNoResult
		}

		lastErr = err
		slog.Warn("試行に失敗しました", "operation", operation, "attempt", attempt, "maxAttempts", attempts, "err", err)
		if attempt == attempts {
			break
		}
		if err := p.sleep(ctx, delay); err != nil {
			slog.Debug("リトライ待機中に中断されました", "operation", operation, "err", err)
			return zero, false
		}
		delay = p.NextDelay(delay)
	}

	exhausted := &ErrRetryExhausted{Operation: operation, Attempts: attempts, LastErr: lastErr}
	slog.Error("リトライ回数の上限に達しました", "operation", operation, "err", exhausted)
	return zero, false
}
