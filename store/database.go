// Package store は植物の記録と設定を SQLite に保存する。
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"sproutling/arduino/handler"
)

// Plant は保存される植物の記録
type Plant = handler.PlantRecord

var (
	ErrPlantExists   = errors.New("plant already exists")
	ErrPlantNotFound = errors.New("plant not found")
)

// 設定テーブルのキー
const (
	keyManualAddress = "manual_address"
	keyCheckInterval = "check_interval_minutes"
	keyLastSubnet    = "last_subnet"
	keyNotifyPrefix  = "notify_"
)

// DB は SQLite の接続をラップする
type DB struct {
	conn *sql.DB
}

var (
	_ handler.SettingsStore = (*DB)(nil)
	_ handler.PlantStore    = (*DB)(nil)
	_ handler.SubnetStore   = (*DB)(nil)
)

// Open はデータベースを開く（無ければ作成する）
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 単一プロセス・単一ライター
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// Close はデータベースを閉じる
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plants (
		uid TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		species TEXT NOT NULL DEFAULT '',
		moisture TEXT NOT NULL DEFAULT '',
		last_watered TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// ---- plants ----

// ListPlants は登録順に植物を返す
func (db *DB) ListPlants() ([]Plant, error) {
	rows, err := db.conn.Query(`SELECT name, species, moisture, last_watered FROM plants ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plants []Plant
	for rows.Next() {
		var p Plant
		if err := rows.Scan(&p.Name, &p.Species, &p.Moisture, &p.LastWatered); err != nil {
			return nil, err
		}
		plants = append(plants, p)
	}
	return plants, rows.Err()
}

// GetPlant は名前で植物を取得する
func (db *DB) GetPlant(name string) (Plant, error) {
	var p Plant
	err := db.conn.QueryRow(`SELECT name, species, moisture, last_watered FROM plants WHERE name = ?`, name).
		Scan(&p.Name, &p.Species, &p.Moisture, &p.LastWatered)
	if errors.Is(err, sql.ErrNoRows) {
		return Plant{}, fmt.Errorf("%w: %s", ErrPlantNotFound, name)
	}
	return p, err
}

// AddPlant は植物を追加する
func (db *DB) AddPlant(name, species string) (Plant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Plant{}, errors.New("plant name is required")
	}
	_, err := db.conn.Exec(`INSERT INTO plants (uid, name, species) VALUES (?, ?, ?)`,
		uuid.New().String(), name, strings.TrimSpace(species))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Plant{}, fmt.Errorf("%w: %s", ErrPlantExists, name)
		}
		return Plant{}, err
	}
	return db.GetPlant(name)
}

// RemovePlant は植物を削除する
func (db *DB) RemovePlant(name string) error {
	res, err := db.conn.Exec(`DELETE FROM plants WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrPlantNotFound, name)
	}
	return nil
}

// LastWatered は最終水やり時刻を返す。記録が無ければ ok は false
func (db *DB) LastWatered(name string) (string, bool, error) {
	var ts string
	err := db.conn.QueryRow(`SELECT last_watered FROM plants WHERE name = ?`, name).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ts, ts != "", nil
}

// SetLastWatered は最終水やり時刻を記録する。植物が無ければ作成する
func (db *DB) SetLastWatered(name, ts string) error {
	return db.upsertPlantColumn(name, "last_watered", ts)
}

// SetMoisture は最後に取得した水分量を記録する。植物が無ければ作成する
func (db *DB) SetMoisture(name, value string) error {
	return db.upsertPlantColumn(name, "moisture", value)
}

func (db *DB) upsertPlantColumn(name, column, value string) error {
	query := fmt.Sprintf(`INSERT INTO plants (uid, name, %[1]s) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET %[1]s = excluded.%[1]s, updated_at = CURRENT_TIMESTAMP`, column)
	_, err := db.conn.Exec(query, uuid.New().String(), name, value)
	return err
}

// ---- settings ----

func (db *DB) getSetting(key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (db *DB) setSetting(key, value string) error {
	_, err := db.conn.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, key, value)
	return err
}

// ManualAddress は手動で設定されたコントローラーのアドレス
func (db *DB) ManualAddress() (string, error) {
	v, _, err := db.getSetting(keyManualAddress)
	return v, err
}

func (db *DB) SetManualAddress(address string) error {
	return db.setSetting(keyManualAddress, strings.TrimSpace(address))
}

// CheckIntervalMinutes は状態取得の間隔（分）。未設定なら 60
func (db *DB) CheckIntervalMinutes() (int, error) {
	v, ok, err := db.getSetting(keyCheckInterval)
	if err != nil || !ok {
		return handler.DefaultCheckMinutes, err
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return handler.DefaultCheckMinutes, nil
	}
	return n, nil
}

func (db *DB) SetCheckIntervalMinutes(minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("check interval must be positive: %d", minutes)
	}
	return db.setSetting(keyCheckInterval, strconv.Itoa(minutes))
}

// LastSubnet は最後にコントローラーが見つかったサブネット
func (db *DB) LastSubnet() (string, error) {
	v, _, err := db.getSetting(keyLastSubnet)
	return v, err
}

func (db *DB) SetLastSubnet(subnet string) error {
	return db.setSetting(keyLastSubnet, subnet)
}

// NotificationEnabled は通知の種類ごとの有効/無効。未設定なら有効
func (db *DB) NotificationEnabled(kind string) (bool, error) {
	v, ok, err := db.getSetting(keyNotifyPrefix + kind)
	if err != nil || !ok {
		return true, err
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		return true, nil
	}
	return enabled, nil
}

func (db *DB) SetNotificationEnabled(kind string, enabled bool) error {
	return db.setSetting(keyNotifyPrefix+kind, strconv.FormatBool(enabled))
}

// Settings は設定画面に表示する値のまとめ
type Settings struct {
	ManualAddress        string          `json:"manualAddress"`
	CheckIntervalMinutes int             `json:"checkIntervalMinutes"`
	LastSubnet           string          `json:"lastSubnet"`
	Notifications        map[string]bool `json:"notifications"`
}

// Snapshot は現在の設定をまとめて返す。kinds は通知の種類の一覧
func (db *DB) Snapshot(kinds []string) (Settings, error) {
	var s Settings
	var err error
	if s.ManualAddress, err = db.ManualAddress(); err != nil {
		return s, err
	}
	if s.CheckIntervalMinutes, err = db.CheckIntervalMinutes(); err != nil {
		return s, err
	}
	if s.LastSubnet, err = db.LastSubnet(); err != nil {
		return s, err
	}
	s.Notifications = make(map[string]bool, len(kinds))
	for _, k := range kinds {
		enabled, err := db.NotificationEnabled(k)
		if err != nil {
			return s, err
		}
		s.Notifications[k] = enabled
	}
	return s, nil
}
