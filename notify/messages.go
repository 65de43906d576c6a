package notify

import (
	"fmt"
	"strconv"
)

var plantMessages = []string{
	"It's me, %s! How are you?",
	"I hope you're having a good day!",
	"What a lovely day to be a plant!",
	"You're doing great at plant parenting!",
	"Thanks for taking care of me!",
	"I'm growing strong thanks to you!",
}

// PlantMessageCount は用意されているメッセージの数
func PlantMessageCount() int { return len(plantMessages) }

// PlantMessage は idx 番目のメッセージで植物からの通知を作る。idx は範囲内に丸められる
func PlantMessage(plant string, idx int) Notification {
	if idx < 0 {
		idx = -idx
	}
	msg := plantMessages[idx%len(plantMessages)]
	if idx%len(plantMessages) == 0 {
		msg = fmt.Sprintf(msg, plant)
	}
	return Notification{
		Kind:  KindPlantMessage,
		Title: "Message from " + plant,
		Body:  msg,
		Plant: plant,
	}
}

// 水分量の分類
const (
	MoistureHealthy    = "Healthy"
	MoistureNeedsWater = "Needs Water Soon"
	MoistureDry        = "Dry"
	MoistureInvalid    = "Invalid Moisture Level"
)

// ClassifyMoisture は水分量の文字列を表示用の分類に変換する。
// 数値でない値（"Offline" などの代替表示）はそのまま返す。
func ClassifyMoisture(moisture string) string {
	value, err := strconv.ParseFloat(moisture, 64)
	if err != nil {
		return moisture
	}
	switch {
	case value >= 75 && value <= 100:
		return MoistureHealthy
	case value >= 50 && value < 75:
		return MoistureNeedsWater
	case value >= 0 && value < 50:
		return MoistureDry
	default:
		return MoistureInvalid
	}
}
