package console

import (
	"fmt"
	"strconv"

	"golang.org/x/exp/slices"

	"sproutling/notify"
)

// コマンドの種類を表す型
type CommandType int

const (
	CmdUnknown CommandType = iota
	CmdQuit
	CmdHelp
	CmdStatus
	CmdConnect
	CmdRefresh
	CmdWater
	CmdPlants
	CmdAddPlant
	CmdRemovePlant
	CmdAddress
	CmdInterval
	CmdNotify
	CmdSettings
)

// コマンドを表す構造体
type Command struct {
	Type      CommandType
	Plant     string        // add/remove の植物名
	Species   string        // add の種類（省略可）
	Address   string        // address の IP（空ならクリア）
	Minutes   int           // interval の分数
	Kind      notify.Kind   // notify の種類
	Enabled   bool          // notify の on/off
	HelpTopic *string       // help の対象コマンド
	Done      chan struct{} // コマンド実行完了を通知するチャネル
	Error     error         // コマンド実行中に発生したエラー
}

func newCommand(cmdType CommandType) *Command {
	return &Command{
		Type: cmdType,
		Done: make(chan struct{}),
	}
}

type InvalidArgument struct {
	Argument string
}

func (e *InvalidArgument) Error() string {
	return fmt.Sprintf("無効な引数: %s", e.Argument)
}

// MissingArgument は必須の引数が無いときのエラー
type MissingArgument struct {
	Syntax string
}

func (e *MissingArgument) Error() string {
	return fmt.Sprintf("引数が足りません。構文: %s", e.Syntax)
}

// parseOnOff は on/off 表記を bool に変換する
func parseOnOff(s string) (bool, error) {
	switch s {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, &InvalidArgument{Argument: s}
}

func parseMinutes(s string) (int, error) {
	minutes, err := strconv.Atoi(s)
	if err != nil || minutes <= 0 {
		return 0, &InvalidArgument{Argument: s}
	}
	return minutes, nil
}

// findCommand は名前または別名からコマンド定義を探す
func findCommand(commandName string) (CommandDefinition, bool) {
	idx := slices.IndexFunc(CommandTable, func(cmd CommandDefinition) bool {
		return cmd.Name == commandName || slices.Contains(cmd.Aliases, commandName)
	})
	if idx < 0 {
		return CommandDefinition{}, false
	}
	return CommandTable[idx], true
}

// ParseCommand は入力行をパースする。空行は nil を返す
func ParseCommand(input string) (*Command, error) {
	parts := splitWords(input)
	if n := len(parts); n > 0 && parts[n-1] == "" {
		parts = parts[:n-1]
	}
	if len(parts) == 0 {
		return nil, nil
	}

	commandName := parts[0]
	cmdDef, ok := findCommand(commandName)
	if !ok {
		return nil, fmt.Errorf("unknown command: %s", commandName)
	}
	if cmdDef.ParseFunc == nil {
		return newCommand(CmdUnknown), nil
	}
	return cmdDef.ParseFunc(parts)
}
