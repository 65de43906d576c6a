package arduino

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// コントローラーの既定ポート（古いファームウェアは 80 を使う）
const (
	DefaultPort       = 8080
	LegacyPort        = 80
	LastWateredLayout = "2006-01-02 15:04:05"
)

// CommandType はコントローラーへ送るコマンド名
type CommandType string

const (
	CommandWaterPlant     CommandType = "water_plant"
	CommandMoistureUpdate CommandType = "moisture_update"
)

// 応答に含まれる既知のキー
const (
	KeyMoisture    = "moisture"
	KeyLastWatered = "lastWatered"
	KeyStatus      = "status"
	KeyAction      = "action"

	StatusSuccess = "success"
	StatusError   = "error"
)

// Command は1行のJSONとして送信される要求
type Command struct {
	Command CommandType `json:"command"`
}

// NewCommand はコマンドを作成する
func NewCommand(t CommandType) Command {
	return Command{Command: t}
}

func (c Command) String() string {
	return string(c.Command)
}

// Encode は改行で終端されたJSON行を返す
func (c Command) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command %s: %w", c.Command, err)
	}
	return append(data, '\n'), nil
}

// Response はコントローラーからの応答。値はすべて文字列として扱う。
type Response map[string]string

// Get はキーの値を返す
func (r Response) Get(key string) (string, bool) {
	if r == nil {
		return "", false
	}
	v, ok := r[key]
	return v, ok
}

// IsSuccess は status が success かどうか
func (r Response) IsSuccess() bool {
	s, ok := r.Get(KeyStatus)
	return ok && s == StatusSuccess
}

func (r Response) String() string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, r[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// DecodeResponse は1行のJSONオブジェクトをフラットな文字列マップに変換する。
// 文字列はクォートを外し、それ以外の値（数値、真偽値、null、入れ子）はJSONの表記のまま保持する。
func DecodeResponse(line []byte) (Response, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("empty response line")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("invalid response json: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("response is not a json object: %q", line)
	}

	resp := make(Response, len(raw))
	for k, v := range raw {
		v = bytes.TrimSpace(v)
		if len(v) > 0 && v[0] == '"' {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return nil, fmt.Errorf("invalid string value for %s: %w", k, err)
			}
			resp[k] = s
			continue
		}
		resp[k] = string(v)
	}
	return resp, nil
}

// EncodeResponse は応答を1行のJSONにする（エミュレータ用）
func EncodeResponse(r Response) ([]byte, error) {
	data, err := json.Marshal(map[string]string(r))
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
