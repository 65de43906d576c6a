// Package notify は植物の状態からユーザー向けの通知を組み立て、登録された配信先へ送る。
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"sproutling/arduino"
)

// Kind は通知の種類
type Kind string

const (
	KindLowMoisture      Kind = "low_moisture"
	KindWateringReminder Kind = "watering_reminder"
	KindPlantMessage     Kind = "plant_message"
)

// Kinds は設定画面などで列挙される通知の種類
var Kinds = []Kind{KindLowMoisture, KindWateringReminder, KindPlantMessage}

// KindNames は Kinds を文字列として返す
func KindNames() []string {
	names := make([]string, len(Kinds))
	for i, k := range Kinds {
		names[i] = string(k)
	}
	return names
}

// ParseKind は文字列を Kind に変換する
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown notification kind: %q", s)
}

const (
	// LowMoistureThreshold 未満の水分量で警告を出す
	LowMoistureThreshold = 50.0
	// ReminderDays 以上水やりが無ければリマインドする
	ReminderDays = 2
)

// Notification はユーザーへ届ける通知1件
type Notification struct {
	ID    string    `json:"id"`
	Kind  Kind      `json:"kind"`
	Title string    `json:"title"`
	Body  string    `json:"body"`
	Plant string    `json:"plant"`
	At    time.Time `json:"at"`
}

// Sink は通知の配信先
type Sink interface {
	Name() string
	Deliver(n Notification) error
}

// Preferences は通知種別ごとの有効/無効を返す
type Preferences interface {
	NotificationEnabled(kind string) (bool, error)
}

// Dispatcher は通知の有効設定を確認してから、すべての Sink に配信する。
// handler.Notifier を満たす。
type Dispatcher struct {
	prefs Preferences
	Now   func() time.Time

	mu    sync.RWMutex
	sinks []Sink
	rng   *rand.Rand
}

// NewDispatcher は Dispatcher を作成する。prefs が nil なら全種別を有効とみなす
func NewDispatcher(prefs Preferences, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		prefs: prefs,
		Now:   time.Now,
		sinks: sinks,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddSink は配信先を追加する
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Seed は植物メッセージの選択に使う乱数を固定する
func (d *Dispatcher) Seed(seed int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rng = rand.New(rand.NewSource(seed))
}

// Enabled は指定種別の通知が有効かどうかを返す。設定の読み出しに失敗した場合は有効とする
func (d *Dispatcher) Enabled(kind Kind) bool {
	if d.prefs == nil {
		return true
	}
	enabled, err := d.prefs.NotificationEnabled(string(kind))
	if err != nil {
		slog.Warn("通知設定の読み出しに失敗しました", "kind", kind, "err", err)
		return true
	}
	return enabled
}

// Send は通知を全 Sink に配信する。無効化されている種別なら false を返す。
// 個々の Sink の失敗はまとめて返す。
func (d *Dispatcher) Send(n Notification) (bool, error) {
	if !d.Enabled(n.Kind) {
		slog.Debug("通知は無効化されています", "kind", n.Kind, "plant", n.Plant)
		return false, nil
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.At.IsZero() {
		n.At = d.Now()
	}

	d.mu.RLock()
	sinks := append([]Sink(nil), d.sinks...)
	d.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Deliver(n); err != nil {
			slog.Warn("通知の配信に失敗しました", "sink", s.Name(), "kind", n.Kind, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return true, errors.Join(errs...)
}

// LowMoisture は水分量が閾値を下回っていれば警告通知を作る。数値でない値は無視する
func LowMoisture(plant, moisture string) (Notification, bool) {
	value, err := strconv.ParseFloat(moisture, 64)
	if err != nil || math.IsNaN(value) || value >= LowMoistureThreshold {
		return Notification{}, false
	}
	return Notification{
		Kind:  KindLowMoisture,
		Title: "Low Water Alert!",
		Body:  fmt.Sprintf("%s's soil is getting dry (%s%%)", plant, moisture),
		Plant: plant,
	}, true
}

// WateringReminder は最終水やりから ReminderDays 日以上経っていればリマインド通知を作る
func WateringReminder(plant, lastWatered string, now time.Time) (Notification, bool) {
	ts, err := time.ParseInLocation(arduino.LastWateredLayout, lastWatered, now.Location())
	if err != nil {
		return Notification{}, false
	}
	days := int(now.Sub(ts) / (24 * time.Hour))
	if days < ReminderDays {
		return Notification{}, false
	}
	return Notification{
		Kind:  KindWateringReminder,
		Title: "Time to Water!",
		Body:  fmt.Sprintf("%s hasn't been watered in %d days", plant, days),
		Plant: plant,
	}, true
}

// OnMoistureSample は handler.Notifier の実装
func (d *Dispatcher) OnMoistureSample(plant, value string) {
	if n, ok := LowMoisture(plant, value); ok {
		_, _ = d.Send(n)
	}
}

// OnWateringOverdue は handler.Notifier の実装
func (d *Dispatcher) OnWateringOverdue(plant, lastWatered string) {
	if n, ok := WateringReminder(plant, lastWatered, d.Now()); ok {
		_, _ = d.Send(n)
	}
}

// SendPlantMessage はランダムに選んだ植物からのメッセージを送る
func (d *Dispatcher) SendPlantMessage(plant string) (Notification, error) {
	d.mu.Lock()
	idx := d.rng.Intn(len(plantMessages))
	d.mu.Unlock()

	n := PlantMessage(plant, idx)
	sent, err := d.Send(n)
	if !sent {
		return Notification{}, err
	}
	return n, err
}

// LogSink は通知を slog に出力する
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(n Notification) error {
	slog.Info("通知", "kind", n.Kind, "plant", n.Plant, "title", n.Title, "body", n.Body)
	return nil
}

// FuncSink は関数を Sink として扱う
type FuncSink struct {
	Label string
	Fn    func(n Notification) error
}

func (s FuncSink) Name() string { return s.Label }

func (s FuncSink) Deliver(n Notification) error { return s.Fn(n) }
