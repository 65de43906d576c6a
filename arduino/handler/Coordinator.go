package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sproutling/arduino"
	"sproutling/arduino/network"
)

// ErrNoAddress は手動設定も探索も使えず、接続先が決まらないことを表す
var ErrNoAddress = errors.New("no controller address available")

// errNoResponse は状態取得に応答が無かったことを表す
var errNoResponse = errors.New("no response from controller")

// CoordinatorOptions は Coordinator の設定
type CoordinatorOptions struct {
	Port int
	// Address は設定ファイルで固定されたアドレス。設定画面の手動アドレスより優先される
	Address          string
	DiscoveryEnabled bool

	ConnectMaxAttempts   int
	ConnectRetryInterval time.Duration

	Timeouts    *TimeoutManager
	Retry       *RetryPolicy
	LinkFactory network.LinkFactory
	ManualProbe ProbeFunc

	// テスト用のフック
	NetworkAvailable func() bool
	Sleep            func(ctx context.Context, d time.Duration) error
	Now              func() time.Time
}

// Coordinator はコントローラーとの接続のライフサイクルを管理する。
// 接続状態と現在の Link を書き換えるのは Coordinator だけ。
type Coordinator struct {
	opts      CoordinatorOptions
	settings  SettingsStore
	plants    PlantStore
	discovery *Discovery
	notifier  Notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnecting atomic.Bool

	linkMu  sync.Mutex
	link    network.Link
	address string

	mu         sync.Mutex
	state      ConnectionState
	report     StatusReport
	nextSubID  int
	stateSubs  map[int]chan ConnectionState
	statusSubs map[int]chan StatusReport
	closed     bool
}

// NewCoordinator は CONNECTING 状態の Coordinator を作成する。接続は Connect で開始する。
func NewCoordinator(ctx context.Context, opts CoordinatorOptions, settings SettingsStore, plants PlantStore, discovery *Discovery, notifier Notifier) *Coordinator {
	if opts.Port <= 0 {
		opts.Port = arduino.DefaultPort
	}
	if opts.ConnectMaxAttempts <= 0 {
		opts.ConnectMaxAttempts = ConnectMaxAttempts
	}
	if opts.ConnectRetryInterval <= 0 {
		opts.ConnectRetryInterval = ConnectRetryInterval
	}
	if opts.Timeouts == nil {
		opts.Timeouts = DefaultTimeoutManager()
	}
	if opts.Retry == nil {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.LinkFactory == nil {
		opts.LinkFactory = network.TCPLinkFactory(opts.Timeouts.ConnectTimeout, network.DefaultSettleDelay)
	}
	if opts.ManualProbe == nil {
		opts.ManualProbe = NewTCPProbe(opts.Timeouts.ManualProbeTimeout)
	}
	if opts.NetworkAvailable == nil {
		opts.NetworkAvailable = network.HasNetwork
	}
	if opts.Sleep == nil {
		opts.Sleep = network.SleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}

	coordCtx, cancel := context.WithCancel(ctx)
	return &Coordinator{
		opts:      opts,
		settings:  settings,
		plants:    plants,
		discovery: discovery,
		notifier:  notifier,
		ctx:       coordCtx,
		cancel:    cancel,
		state:     Connecting,
		report: StatusReport{
			Moisture:    MoistureLoading,
			LastWatered: LastWateredLoading,
			State:       Connecting,
		},
		stateSubs:  make(map[int]chan ConnectionState),
		statusSubs: make(map[int]chan StatusReport),
	}
}

// State は現在の接続状態
func (c *Coordinator) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status は最後に表示された状態取得の結果
func (c *Coordinator) Status() StatusReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}

// Address は現在接続している（または最後に接続した）コントローラーのアドレス
func (c *Coordinator) Address() string {
	c.linkMu.Lock()
	defer c.linkMu.Unlock()
	return c.address
}

// IsReconnecting は接続処理が進行中かどうか
func (c *Coordinator) IsReconnecting() bool {
	return c.reconnecting.Load()
}

// Subscribe は接続状態の変化を購読する。最初に現在の状態が届く。
// 受信が遅い購読者には最新の値だけが残る。
func (c *Coordinator) Subscribe() (<-chan ConnectionState, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan ConnectionState, subscriberBuffer)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSubID
	c.nextSubID++
	c.stateSubs[id] = ch
	ch <- c.state

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.stateSubs[id]; ok {
			delete(c.stateSubs, id)
			close(sub)
		}
	}
}

// SubscribeStatus は状態取得の結果を購読する。最初に現在の表示内容が届く。
func (c *Coordinator) SubscribeStatus() (<-chan StatusReport, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan StatusReport, subscriberBuffer)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSubID
	c.nextSubID++
	c.statusSubs[id] = ch
	ch <- c.report

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.statusSubs[id]; ok {
			delete(c.statusSubs, id)
			close(sub)
		}
	}
}

// offer はバッファが一杯なら最も古い値を捨てて v を入れる
func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// setState は状態が変わったときだけ購読者に通知する
func (c *Coordinator) setState(s ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == s {
		return
	}
	slog.Info("接続状態が変化しました", "from", c.state, "to", s)
	c.state = s
	c.report.State = s
	for _, ch := range c.stateSubs {
		offer(ch, s)
	}
}

func (c *Coordinator) publishStatus(r StatusReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.State = c.state
	c.report = r
	for _, ch := range c.statusSubs {
		offer(ch, r)
	}
}

// goOffline は OFFLINE に遷移し、表示をセンチネル値に置き換える
func (c *Coordinator) goOffline() StatusReport {
	c.setState(Offline)
	report := StatusReport{
		Plant:       c.currentPlant(),
		Moisture:    MoistureOffline,
		LastWatered: MoistureOffline,
		At:          c.opts.Now(),
	}
	c.publishStatus(report)
	return c.Status()
}

func (c *Coordinator) currentLink() network.Link {
	c.linkMu.Lock()
	defer c.linkMu.Unlock()
	return c.link
}

// currentPlant は状態を表示する植物の名前。記録が無ければデフォルト名
func (c *Coordinator) currentPlant() string {
	if c.plants == nil {
		return DefaultPlantName
	}
	plants, err := c.plants.ListPlants()
	if err != nil {
		slog.Warn("植物一覧の取得に失敗", "err", err)
		return DefaultPlantName
	}
	if len(plants) == 0 || plants[0].Name == "" {
		return DefaultPlantName
	}
	return plants[0].Name
}

// Connect はアドレスを解決し、接続と最初の状態取得を行う。
// すでに接続処理が進行中なら何もせず現在の状態を返す。
func (c *Coordinator) Connect(ctx context.Context) ConnectionState {
	if !c.reconnecting.CompareAndSwap(false, true) {
		slog.Debug("接続処理が進行中のため要求を無視します")
		return c.State()
	}
	defer c.reconnecting.Store(false)

	// 接続済みからの明示的な再接続でも、アドレス解決からやり直す
	c.setState(Connecting)
	resp, err := c.connect(ctx)
	if err != nil {
		slog.Warn("コントローラーに接続できません", "err", err)
		c.goOffline()
		return Offline
	}

	c.setState(Connected)
	c.publishStatus(c.buildReport(resp))
	return Connected
}

func (c *Coordinator) connect(ctx context.Context) (arduino.Response, error) {
	if !c.opts.NetworkAvailable() {
		return nil, errors.New("no network available")
	}

	addr, err := c.resolveAddress(ctx)
	if err != nil {
		return nil, err
	}
	host, port := splitAddress(addr, c.opts.Port)

	link := c.replaceLink(host, port)
	if err := link.Open(ctx); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= c.opts.ConnectMaxAttempts; attempt++ {
		resp := c.requestStatus(ctx, link)
		if resp != nil {
			slog.Info("コントローラーに接続しました", "addr", link.Addr(), "attempt", attempt)
			return resp, nil
		}
		if attempt == c.opts.ConnectMaxAttempts {
			break
		}
		slog.Info("最初の状態取得に失敗、再試行します", "addr", link.Addr(), "attempt", attempt, "interval", c.opts.ConnectRetryInterval)
		if err := c.opts.Sleep(ctx, c.opts.ConnectRetryInterval); err != nil {
			return nil, err
		}
	}
	link.Close()
	return nil, fmt.Errorf("no status response from %s after %d attempts", link.Addr(), c.opts.ConnectMaxAttempts)
}

// resolveAddress は手動設定のアドレスを確認し、だめなら探索する
func (c *Coordinator) resolveAddress(ctx context.Context) (string, error) {
	if manual := c.manualAddress(); manual != "" {
		host, port := splitAddress(manual, c.opts.Port)
		probeCtx, cancel := context.WithTimeout(ctx, c.opts.Timeouts.ManualProbeTimeout)
		ok := c.opts.ManualProbe(probeCtx, host, port)
		cancel()
		if ok {
			slog.Info("手動設定のアドレスを使用します", "address", manual)
			return manual, nil
		}
		slog.Warn("手動設定のアドレスに応答がありません", "address", manual)
	}

	if c.discovery == nil || !c.opts.DiscoveryEnabled {
		return "", ErrNoAddress
	}

	var found string
	err := c.opts.Timeouts.WithDiscoveryTimeout(ctx, func(ctx context.Context) error {
		host, err := c.discovery.FindArduino(ctx)
		found = host
		return err
	})
	if err != nil {
		return "", fmt.Errorf("discovery failed: %w", err)
	}
	return found, nil
}

func (c *Coordinator) manualAddress() string {
	if c.opts.Address != "" {
		return c.opts.Address
	}
	if c.settings == nil {
		return ""
	}
	addr, err := c.settings.ManualAddress()
	if err != nil {
		slog.Warn("手動アドレスの取得に失敗", "err", err)
		return ""
	}
	return strings.TrimSpace(addr)
}

// replaceLink は接続先が変わった場合に Link を作り直す。同じ接続先なら再利用する。
func (c *Coordinator) replaceLink(host string, port int) network.Link {
	c.linkMu.Lock()
	defer c.linkMu.Unlock()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if c.link != nil && c.link.Addr() == addr {
		return c.link
	}
	if c.link != nil {
		slog.Info("接続先が変わったため Link を作り直します", "from", c.link.Addr(), "to", addr)
		c.link.Close()
	}
	c.link = c.opts.LinkFactory(host, port)
	c.address = addr
	return c.link
}

// splitAddress は "host" または "host:port" を分解する
func splitAddress(addr string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return host, defaultPort
	}
	return host, port
}

// Reconnect はバックグラウンドで Connect を開始する。進行中なら何もしない。
func (c *Coordinator) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnecting.Load() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Connect(c.ctx)
	}()
}

// RefreshStatus はコントローラーから最新の状態を取得する。
// 未接続なら再接続を開始して値なし（false）を返す。
// 取得に失敗した場合は "Offline" を表示し、OFFLINE に遷移して再接続を開始する。
func (c *Coordinator) RefreshStatus(ctx context.Context) (StatusReport, bool) {
	if c.State() == Connecting {
		return c.Status(), false
	}

	link := c.currentLink()
	if link == nil || !link.IsConnected() {
		slog.Info("未接続のため再接続します")
		c.setState(Offline)
		c.Reconnect()
		return c.Status(), false
	}

	resp := c.requestStatus(ctx, link)
	if ctx.Err() != nil {
		// 呼び出し元がいなくなった場合は結果を捨てる
		return c.Status(), false
	}
	if resp == nil {
		slog.Warn("状態取得の応答がありません", "addr", link.Addr())
		report := c.goOffline()
		c.Reconnect()
		return report, true
	}

	report := c.buildReport(resp)
	c.setState(Connected)
	c.publishStatus(report)
	return c.Status(), true
}

// requestStatus は状態取得のタイムアウト内で moisture_update を1回やり取りする。
// 応答が無い、または期限切れの場合は nil。
func (c *Coordinator) requestStatus(ctx context.Context, link network.Link) arduino.Response {
	done := make(chan arduino.Response, 1)
	_ = c.opts.Timeouts.WithStatusTimeout(ctx, func(ctx context.Context) error {
		resp := link.SendAndReceive(ctx, arduino.NewCommand(arduino.CommandMoistureUpdate))
		done <- resp
		if resp == nil {
			return errNoResponse
		}
		return nil
	})
	// 期限切れでも Link の読み込みは ctx で中断されるので、結果が届くまで待つ
	return <-done
}

// buildReport は応答から表示内容を作り、植物の記録と通知へ値を渡す
func (c *Coordinator) buildReport(resp arduino.Response) StatusReport {
	plant := c.currentPlant()
	now := c.opts.Now()

	moisture, ok := resp.Get(arduino.KeyMoisture)
	if !ok || moisture == "" {
		moisture = MoistureError
	} else {
		if c.plants != nil {
			if err := c.plants.SetMoisture(plant, moisture); err != nil {
				slog.Warn("水分量の保存に失敗", "plant", plant, "err", err)
			}
		}
		c.notifier.OnMoistureSample(plant, moisture)
	}

	lastWatered := c.resolveLastWatered(plant, resp)
	if c.isWateringOverdue(lastWatered, now) {
		c.notifier.OnWateringOverdue(plant, lastWatered)
	}

	return StatusReport{
		Plant:       plant,
		Moisture:    moisture,
		LastWatered: lastWatered,
		At:          now,
	}
}

// resolveLastWatered は記録された最終水やり時刻を優先し、無ければコントローラーの値を使う
func (c *Coordinator) resolveLastWatered(plant string, resp arduino.Response) string {
	if c.plants != nil {
		ts, ok, err := c.plants.LastWatered(plant)
		if err != nil {
			slog.Warn("最終水やり時刻の取得に失敗", "plant", plant, "err", err)
		} else if ok && ts != "" {
			return ts
		}
	}
	if ts, ok := resp.Get(arduino.KeyLastWatered); ok && ts != "" {
		return ts
	}
	return LastWateredUnknown
}

func (c *Coordinator) isWateringOverdue(lastWatered string, now time.Time) bool {
	t, err := time.ParseInLocation(arduino.LastWateredLayout, lastWatered, now.Location())
	if err != nil {
		return false
	}
	return now.Sub(t) >= WateringOverdueThreshold
}

// WaterPlant は水やりコマンドを送る。コントローラーは成功時に接続を切ることがあるため、
// 応答が無いことは失敗として扱わない。コマンドが届いた場合は最終水やり時刻を記録する。
func (c *Coordinator) WaterPlant(ctx context.Context) WaterResult {
	plant := c.currentPlant()
	result := WaterResult{Plant: plant}

	link := c.currentLink()
	if link == nil || c.State() != Connected {
		result.Message = "controller is offline"
		slog.Warn("未接続のため水やりできません", "plant", plant)
		c.Reconnect()
		return result
	}

	// absent は直前の試行が「送信済みで応答なし」だったことを示す
	absent := false
	resp, ok := Retry(ctx, c.opts.Retry, WaterPlantOperation, func(ctx context.Context) (arduino.Response, bool, error) {
		absent = false
		resp, err := c.sendWater(ctx, link)
		var sendErr *network.SendError
		var connErr *network.ConnectionError
		switch {
		case errors.As(err, &sendErr), errors.As(err, &connErr):
			// 何も書き込めていないので送り直してよい
			return nil, false, err
		case err != nil:
			// 送信済みなので、受信の失敗は応答なしとして扱い、重ねて水やりしない
			absent = true
			slog.Info("水やりコマンドの応答を受信できませんでした", "addr", link.Addr(), "err", err)
			return nil, false, nil
		}
		if resp == nil {
			absent = true
			return nil, false, nil
		}
		if !resp.IsSuccess() {
			return nil, false, fmt.Errorf("controller rejected water command: %s", resp)
		}
		return resp, true, nil
	})

	result.Acknowledged = ok
	switch {
	case ok:
		result.Message = "watered"
		slog.Info("水やりしました", "plant", plant, "response", resp)
	case absent:
		result.Message = "water command sent, no reply from controller"
		slog.Info("水やりコマンドを送信しました（応答なし）", "plant", plant)
	default:
		result.Message = "failed to send water command"
		slog.Warn("水やりに失敗しました", "plant", plant)
		return result
	}

	result.LastWatered = c.opts.Now().Format(arduino.LastWateredLayout)
	if c.plants != nil {
		if err := c.plants.SetLastWatered(plant, result.LastWatered); err != nil {
			slog.Warn("最終水やり時刻の保存に失敗", "plant", plant, "err", err)
		}
	}

	// コントローラーは水やり後に接続を切るので、次の状態取得に備えて開き直す
	link.Close()
	if err := link.Open(ctx); err != nil {
		slog.Info("水やり後の再接続に失敗", "addr", link.Addr(), "err", err)
	}

	status := c.Status()
	status.LastWatered = result.LastWatered
	status.At = c.opts.Now()
	c.publishStatus(status)
	return result
}

// sendWater は水やりコマンドを1回やり取りする。応答待ちには状態取得と同じ期限を使う。
func (c *Coordinator) sendWater(ctx context.Context, link network.Link) (arduino.Response, error) {
	type outcome struct {
		resp arduino.Response
		err  error
	}
	done := make(chan outcome, 1)
	_ = c.opts.Timeouts.WithWaterTimeout(ctx, func(ctx context.Context) error {
		resp, err := link.Exchange(ctx, arduino.NewCommand(arduino.CommandWaterPlant))
		done <- outcome{resp: resp, err: err}
		return err
	})
	o := <-done
	return o.resp, o.err
}

// SetManualAddress は手動アドレスを保存し、再接続する
func (c *Coordinator) SetManualAddress(address string) error {
	if c.settings == nil {
		return errors.New("settings store is not configured")
	}
	address = strings.TrimSpace(address)
	if address != "" {
		host, _ := splitAddress(address, c.opts.Port)
		if net.ParseIP(host) == nil {
			return fmt.Errorf("invalid controller address %q", address)
		}
	}
	if err := c.settings.SetManualAddress(address); err != nil {
		return fmt.Errorf("failed to save manual address: %w", err)
	}
	c.Reconnect()
	return nil
}

// Close はバックグラウンドの処理を止め、接続を閉じる
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.linkMu.Lock()
	if c.link != nil {
		c.link.Close()
	}
	c.linkMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.stateSubs {
		delete(c.stateSubs, id)
		close(ch)
	}
	for id, ch := range c.statusSubs {
		delete(c.statusSubs, id)
		close(ch)
	}
}
