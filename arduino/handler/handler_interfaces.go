package handler

import (
	"context"
)

// PlantRecord は植物1件分の記録
type PlantRecord struct {
	Name        string `json:"name"`
	Species     string `json:"species"`
	Moisture    string `json:"moisture"`
	LastWatered string `json:"lastWatered"`
}

// SettingsStore はユーザー設定へのアクセスを提供するインターフェース
type SettingsStore interface {
	// 手動で設定されたコントローラーのアドレス。未設定なら空文字列
	ManualAddress() (string, error)
	SetManualAddress(address string) error

	// 状態取得の間隔（分）
	CheckIntervalMinutes() (int, error)
}

// PlantStore は植物の記録へのアクセスを提供するインターフェース
type PlantStore interface {
	ListPlants() ([]PlantRecord, error)

	// LastWatered は最終水やり時刻を返す。記録が無ければ ok は false
	LastWatered(name string) (ts string, ok bool, err error)
	SetLastWatered(name, ts string) error

	SetMoisture(name, value string) error
}

// SubnetStore は最後にコントローラーが見つかったサブネットを保持する
type SubnetStore interface {
	LastSubnet() (string, error)
	SetLastSubnet(subnet string) error
}

// Notifier は状態取得の結果をユーザー通知へ中継する
type Notifier interface {
	OnMoistureSample(plant, value string)
	OnWateringOverdue(plant, lastWatered string)
}

// ProbeFunc は host:port にコントローラーがいるかどうかを確認する
type ProbeFunc func(ctx context.Context, host string, port int) bool

// NopNotifier は何もしない Notifier
type NopNotifier struct{}

func (NopNotifier) OnMoistureSample(plant, value string)        {}
func (NopNotifier) OnWateringOverdue(plant, lastWatered string) {}
