// Package worker は名前で一意な定期ジョブを管理する
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// Job は定期実行される処理
type Job func(ctx context.Context) error

type worker struct {
	name     string
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// Scheduler は名前で一意な定期ジョブを実行する。
// 同じ名前のジョブが既にあれば、新しい登録は無視され既存のジョブが残る。
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup

	// RunImmediately が true なら登録直後に1回実行してから周期実行に入る
	RunImmediately bool
}

// NewScheduler は新しい Scheduler を作成する
func NewScheduler(ctx context.Context) *Scheduler {
	schedCtx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		ctx:            schedCtx,
		cancel:         cancel,
		workers:        make(map[string]*worker),
		RunImmediately: true,
	}
}

// Schedule はジョブを登録する。同名のジョブが既に動いていれば false を返す
func (s *Scheduler) Schedule(name string, interval time.Duration, job Job) (bool, error) {
	if interval <= 0 {
		return false, fmt.Errorf("worker %s: interval must be positive, got %v", name, interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false, fmt.Errorf("worker %s: scheduler stopped", name)
	}
	if _, exists := s.workers[name]; exists {
		slog.Debug("ジョブは既に登録されています", "worker", name)
		return false, nil
	}

	ctx, cancel := context.WithCancel(s.ctx)
	w := &worker{name: name, interval: interval, cancel: cancel, done: make(chan struct{})}
	s.workers[name] = w

	s.wg.Add(1)
	go s.run(ctx, w, job)

	slog.Info("Starting worker", "worker", name, "interval", interval)
	return true, nil
}

func (s *Scheduler) run(ctx context.Context, w *worker, job Job) {
	defer s.wg.Done()
	defer close(w.done)
	defer s.remove(w)

	if s.RunImmediately {
		s.execute(ctx, w, job)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.execute(ctx, w, job)
		case <-ctx.Done():
			slog.Info("Worker stopped", "worker", w.name)
			return
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, w *worker, job Job) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ジョブでパニックが発生しました", "worker", w.name, "panic", r)
		}
	}()
	if err := job(ctx); err != nil {
		// 次の周期で再試行される
		slog.Warn("ジョブが失敗しました", "worker", w.name, "err", err)
	}
}

// remove は w がまだ登録されていれば取り除く
func (s *Scheduler) remove(w *worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers[w.name] == w {
		delete(s.workers, w.name)
	}
}

// Cancel は指定した名前のジョブを止め、終了を待つ。存在しなければ false
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	w, ok := s.workers[name]
	if ok {
		delete(s.workers, name)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	w.cancel()
	<-w.done
	return true
}

// Reschedule は既存のジョブを止めてから新しい間隔で登録し直す
func (s *Scheduler) Reschedule(name string, interval time.Duration, job Job) error {
	s.Cancel(name)
	_, err := s.Schedule(name, interval, job)
	return err
}

// Interval は登録済みジョブの間隔を返す
func (s *Scheduler) Interval(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return 0, false
	}
	return w.interval, true
}

// Names は登録済みのジョブ名を昇順で返す
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	s.mu.Unlock()
	slices.Sort(names)
	return names
}

// Stop は全ジョブを止めて終了を待つ
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
