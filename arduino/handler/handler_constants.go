package handler

import (
	"time"
)

// 表示用のセンチネル値。データの代わりに画面へ流れる。
const (
	MoistureOffline     = "Offline"
	MoistureLoading     = "Loading..."
	MoistureError       = "Error"
	LastWateredUnknown  = "Unknown"
	LastWateredLoading  = "Loading..."
	LastWateredError    = "Error"
	DefaultPlantName    = "My Plant"
	DefaultCheckMinutes = 60
)

const (
	// WaterPlantOperation は水やりコマンドのリトライラベル（応答なしを許容する）
	WaterPlantOperation = "water plant command"

	// WateringOverdueThreshold はこれ以上水やりされていないと通知する期間
	WateringOverdueThreshold = 48 * time.Hour

	// ConnectMaxAttempts は接続直後の状態取得を試みる回数
	ConnectMaxAttempts = 5
	// ConnectRetryInterval は状態取得の再試行間隔
	ConnectRetryInterval = 10 * time.Second

	// subscriberBuffer は購読チャンネルのバッファ
	subscriberBuffer = 8
)

// ConnectionState はコントローラーとの接続状態
type ConnectionState int

const (
	Connecting ConnectionState = iota
	Connected
	Offline
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Offline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// MarshalText は JSON などで "CONNECTED" のような文字列として出力するために使う
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusReport は1回の状態取得の結果
type StatusReport struct {
	Plant       string          `json:"plant"`
	Moisture    string          `json:"moisture"`
	LastWatered string          `json:"lastWatered"`
	State       ConnectionState `json:"state"`
	At          time.Time       `json:"at"`
}

// IsOffline は取得に失敗してセンチネル値が入っているかどうか
func (r StatusReport) IsOffline() bool {
	return r.Moisture == MoistureOffline
}

// WaterResult は水やりコマンドの結果
type WaterResult struct {
	Plant        string `json:"plant"`
	Acknowledged bool   `json:"acknowledged"` // コントローラーが success を返したか
	LastWatered  string `json:"lastWatered"`
	Message      string `json:"message"`
}

// Delivered はコマンドがコントローラーに届き、最終水やり時刻が記録されたかどうか
func (r WaterResult) Delivered() bool {
	return r.LastWatered != ""
}
