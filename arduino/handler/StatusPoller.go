package handler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// StatusPoller は CONNECTED の間、一定間隔で状態を取得する
type StatusPoller struct {
	coord    *Coordinator
	settings SettingsStore

	// Unit は設定値（分）に掛ける単位。テストでは短くする
	Unit time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatusPoller は新しい StatusPoller を作成する
func NewStatusPoller(ctx context.Context, coord *Coordinator, settings SettingsStore) *StatusPoller {
	pollCtx, cancel := context.WithCancel(ctx)
	return &StatusPoller{
		coord:    coord,
		settings: settings,
		Unit:     time.Minute,
		ctx:      pollCtx,
		cancel:   cancel,
	}
}

// Interval は現在の取得間隔
func (p *StatusPoller) Interval() time.Duration {
	minutes := DefaultCheckMinutes
	if p.settings != nil {
		m, err := p.settings.CheckIntervalMinutes()
		if err != nil {
			slog.Warn("取得間隔の読み込みに失敗", "err", err)
		} else if m > 0 {
			minutes = m
		}
	}
	return time.Duration(minutes) * p.Unit
}

// Start はポーリングを開始する
func (p *StatusPoller) Start() {
	states, unsubscribe := p.coord.Subscribe()
	slog.Info("Starting status polling", "interval", p.Interval())

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer unsubscribe()

		var timer *time.Timer
		var tick <-chan time.Time
		disarm := func() {
			if timer != nil {
				timer.Stop()
			}
			tick = nil
		}
		arm := func() {
			disarm()
			timer = time.NewTimer(p.Interval())
			tick = timer.C
		}
		defer disarm()

		connected := false
		for {
			select {
			case <-p.ctx.Done():
				slog.Info("Status polling stopped")
				return
			case s, ok := <-states:
				if !ok {
					return
				}
				if s == Connected && !connected {
					arm()
				} else if s != Connected {
					disarm()
				}
				connected = s == Connected
			case <-tick:
				if connected {
					p.coord.RefreshStatus(p.ctx)
				}
				arm()
			}
		}
	}()
}

// Stop はポーリングを停止する
func (p *StatusPoller) Stop() {
	p.cancel()
	p.wg.Wait()
}
