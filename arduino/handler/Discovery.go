package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"sproutling/arduino"
	"sproutling/arduino/network"
)

// ErrDiscoveryExhausted はどの候補サブネットにもコントローラーが見つからなかったことを表す
var ErrDiscoveryExhausted = errors.New("controller not found on any candidate subnet")

// Discovery のデフォルト値
const (
	DefaultProbeTimeout   = 300 * time.Millisecond
	DefaultManualProbeTTL = 1 * time.Second
)

// DefaultCandidateSubnets は設定が無い場合に探索するサブネット
var DefaultCandidateSubnets = []string{"192.168.171", "192.168.172", "192.168.170"}

// Discovery は /24 サブネットを走査してコントローラーを探す
type Discovery struct {
	Port         int
	ProbeTimeout time.Duration
	// MaxParallel は同時プローブ数の上限。0 ならサブネットの全ホストを同時にプローブする
	MaxParallel int

	// Candidates は探索するサブネット（"192.168.1" 形式）。空で AutoSubnets が true なら
	// ローカルインターフェースのサブネットを使う
	Candidates  []string
	AutoSubnets bool

	Subnets SubnetStore
	Probe   ProbeFunc

	// LocalSubnets はテストで差し替えるためのフック
	LocalSubnets func() []string
}

// NewDiscovery はデフォルト設定の Discovery を作成する
func NewDiscovery(port int, subnets SubnetStore) *Discovery {
	if port <= 0 {
		port = arduino.DefaultPort
	}
	return &Discovery{
		Port:         port,
		ProbeTimeout: DefaultProbeTimeout,
		Candidates:   slices.Clone(DefaultCandidateSubnets),
		Subnets:      subnets,
		LocalSubnets: network.LocalSubnets,
	}
}

// NewTCPProbe は実際に接続して moisture_update を送り、何か1行返ってくれば成功とするプローブを返す
func NewTCPProbe(timeout time.Duration) ProbeFunc {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return func(ctx context.Context, host string, port int) bool {
		link := network.NewTCPLink(host, port)
		link.ConnectTimeout = timeout
		link.SettleDelay = 0
		link.AutoReconnect = false
		defer link.Close()

		if err := link.Open(ctx); err != nil {
			return false
		}
		readCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := link.Send(readCtx, arduino.NewCommand(arduino.CommandMoistureUpdate)); err != nil {
			return false
		}
		resp, err := link.ReceiveLine(readCtx)
		return err == nil && resp != nil
	}
}

func (d *Discovery) probe() ProbeFunc {
	if d.Probe != nil {
		return d.Probe
	}
	return NewTCPProbe(d.ProbeTimeout)
}

// CandidateSubnets は走査する順番にサブネットを返す。最後に見つかったサブネットが先頭になる。
func (d *Discovery) CandidateSubnets() []string {
	var subnets []string
	add := func(s string) {
		if s == "" || slices.Contains(subnets, s) {
			return
		}
		if err := network.ValidateSubnet(s); err != nil {
			slog.Warn("不正なサブネットを無視します", "subnet", s, "err", err)
			return
		}
		subnets = append(subnets, s)
	}

	if d.Subnets != nil {
		last, err := d.Subnets.LastSubnet()
		if err != nil {
			slog.Warn("前回のサブネットの取得に失敗", "err", err)
		}
		add(last)
	}

	candidates := d.Candidates
	if len(candidates) == 0 && d.AutoSubnets && d.LocalSubnets != nil {
		candidates = d.LocalSubnets()
	}
	for _, s := range candidates {
		add(s)
	}
	return subnets
}

// FindArduino は候補サブネットを順に走査し、最初に応答したホストのアドレスを返す。
// 見つかったサブネットは次回のために保存する。
func (d *Discovery) FindArduino(ctx context.Context) (string, error) {
	subnets := d.CandidateSubnets()
	slog.Info("コントローラーを探索します", "subnets", subnets, "port", d.Port)

	for _, subnet := range subnets {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("discovery cancelled: %w", err)
		}
		host, ok := d.ScanSubnet(ctx, subnet)
		if !ok {
			slog.Debug("サブネットに応答なし", "subnet", subnet)
			continue
		}
		slog.Info("コントローラーを発見しました", "host", host, "subnet", subnet)
		if d.Subnets != nil {
			if err := d.Subnets.SetLastSubnet(subnet); err != nil {
				slog.Warn("サブネットの保存に失敗", "subnet", subnet, "err", err)
			}
		}
		return host, nil
	}
	return "", ErrDiscoveryExhausted
}

// ScanSubnet は .2 から .254 までを並行にプローブする。
// 最初に応答したホストが勝ち、残りのプローブはキャンセルされる。
func (d *Discovery) ScanSubnet(ctx context.Context, subnet string) (string, bool) {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hosts := network.HostsOf(subnet)
	parallel := len(hosts)
	if d.MaxParallel > 0 && d.MaxParallel < parallel {
		parallel = d.MaxParallel
	}
	sem := make(chan struct{}, max(parallel, 1))
	found := make(chan string, 1)
	probe := d.probe()

	var wg sync.WaitGroup
	for _, host := range hosts {
		select {
		case sem <- struct{}{}:
		case <-scanCtx.Done():
		}
		if scanCtx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			defer func() { <-sem }()
			if d.probeSafely(scanCtx, probe, host) {
				select {
				case found <- host:
					cancel()
				default:
				}
			}
		}(host)
	}
	wg.Wait()

	select {
	case host := <-found:
		return host, true
	default:
		return "", false
	}
}

// probeSafely はプローブ中のパニックをこのホストの失敗として扱う
func (d *Discovery) probeSafely(ctx context.Context, probe ProbeFunc, host string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("プローブ中にパニックが発生", "host", host, "panic", r)
			ok = false
		}
	}()
	if ctx.Err() != nil {
		return false
	}
	return probe(ctx, host, d.Port)
}
