package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"sproutling/arduino/handler"
	"sproutling/notify"
)

// ジョブ名
const (
	MoistureCheckWork    = "moisture_check_work"
	WateringReminderWork = "watering_reminder_work"
	PlantMessageWork     = "plant_message_work"
	SystemMetricsWork    = "system_metrics_work"
)

const (
	WateringReminderInterval = time.Hour
	PlantMessageInterval     = 6 * time.Hour
)

// Notifier はジョブが通知を送るために使う
type Notifier interface {
	handler.Notifier
	SendPlantMessage(plant string) (notify.Notification, error)
}

// firstPlant は最初に登録された植物を返す。植物が無ければ ok は false
func firstPlant(plants handler.PlantStore) (handler.PlantRecord, bool, error) {
	list, err := plants.ListPlants()
	if err != nil {
		return handler.PlantRecord{}, false, fmt.Errorf("list plants: %w", err)
	}
	if len(list) == 0 {
		return handler.PlantRecord{}, false, nil
	}
	return list[0], true, nil
}

// MoistureCheckJob は最後に保存された水分量を見て低水分の通知を出す
func MoistureCheckJob(plants handler.PlantStore, n Notifier) Job {
	return func(ctx context.Context) error {
		plant, ok, err := firstPlant(plants)
		if err != nil || !ok {
			return err
		}
		if plant.Moisture == "" {
			return nil
		}
		n.OnMoistureSample(plant.Name, plant.Moisture)
		return nil
	}
}

// WateringReminderJob は最終水やりから時間が経っていればリマインドを出す
func WateringReminderJob(plants handler.PlantStore, n Notifier) Job {
	return func(ctx context.Context) error {
		plant, ok, err := firstPlant(plants)
		if err != nil || !ok {
			return err
		}
		ts, found, err := plants.LastWatered(plant.Name)
		if err != nil {
			return fmt.Errorf("last watered of %s: %w", plant.Name, err)
		}
		if !found {
			return nil
		}
		n.OnWateringOverdue(plant.Name, ts)
		return nil
	}
}

// PlantMessageJob は植物からのメッセージを送る
func PlantMessageJob(plants handler.PlantStore, n Notifier) Job {
	return func(ctx context.Context) error {
		plant, ok, err := firstPlant(plants)
		if err != nil || !ok {
			return err
		}
		_, err = n.SendPlantMessage(plant.Name)
		return err
	}
}

// SystemMetricsJob はゴルーチン数とメモリ使用量を記録する
func SystemMetricsJob(goroutineLimit int, allocLimitMB float64) Job {
	return func(ctx context.Context) error {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		goroutineCount := runtime.NumGoroutine()
		allocMB := float64(memStats.Alloc) / 1024 / 1024
		sysMB := float64(memStats.Sys) / 1024 / 1024

		slog.Debug("System metrics",
			"goroutines", goroutineCount,
			"memory_alloc_mb", allocMB,
			"memory_sys_mb", sysMB,
			"gc_cycles", memStats.NumGC,
		)

		if goroutineLimit > 0 && goroutineCount > goroutineLimit {
			slog.Warn("High goroutine count detected", "count", goroutineCount)
		}
		if allocLimitMB > 0 && allocMB > allocLimitMB {
			slog.Warn("High memory allocation detected", "alloc_mb", allocMB)
		}
		return nil
	}
}

// IntervalSource はチェック間隔（分）を返す
type IntervalSource interface {
	CheckIntervalMinutes() (int, error)
}

// Garden は植物の通知ジョブ一式をまとめて登録する
type Garden struct {
	Scheduler *Scheduler
	Plants    handler.PlantStore
	Notifier  Notifier
	Settings  IntervalSource
	// Unit はチェック間隔1単位の長さ。既定は1分
	Unit time.Duration
}

// MoistureInterval は設定から水分チェックの間隔を求める
func (g *Garden) MoistureInterval() time.Duration {
	unit := g.Unit
	if unit <= 0 {
		unit = time.Minute
	}
	minutes := handler.DefaultCheckMinutes
	if g.Settings != nil {
		if m, err := g.Settings.CheckIntervalMinutes(); err == nil && m > 0 {
			minutes = m
		} else if err != nil {
			slog.Warn("チェック間隔の読み出しに失敗しました", "err", err)
		}
	}
	return time.Duration(minutes) * unit
}

// ScheduleAll は3種類の通知ジョブを登録する。既に登録されていれば既存のものが残る
func (g *Garden) ScheduleAll() error {
	jobs := []struct {
		name     string
		interval time.Duration
		job      Job
	}{
		{MoistureCheckWork, g.MoistureInterval(), MoistureCheckJob(g.Plants, g.Notifier)},
		{WateringReminderWork, g.scaled(WateringReminderInterval), WateringReminderJob(g.Plants, g.Notifier)},
		{PlantMessageWork, g.scaled(PlantMessageInterval), PlantMessageJob(g.Plants, g.Notifier)},
	}
	for _, j := range jobs {
		if _, err := g.Scheduler.Schedule(j.name, j.interval, j.job); err != nil {
			return err
		}
	}
	return nil
}

// RescheduleMoistureCheck はチェック間隔の変更を水分チェックに反映する
func (g *Garden) RescheduleMoistureCheck() error {
	return g.Scheduler.Reschedule(MoistureCheckWork, g.MoistureInterval(), MoistureCheckJob(g.Plants, g.Notifier))
}

// scaled は Unit を変えたテストでも相対的な間隔を保つ
func (g *Garden) scaled(d time.Duration) time.Duration {
	if g.Unit <= 0 || g.Unit == time.Minute {
		return d
	}
	return time.Duration(float64(d) / float64(time.Minute) * float64(g.Unit))
}
