package console

import (
	"fmt"
	"io"
	"strings"

	"github.com/c-bata/go-prompt"

	"sproutling/notify"
)

// CommandDefinition はコマンドの定義を保持する構造体
type CommandDefinition struct {
	Name              string                                            // コマンド名
	Aliases           []string                                          // 別名（例: connectとretryなど）
	Summary           string                                            // 概要（短い説明）
	Syntax            string                                            // 構文
	Description       []string                                          // 詳細説明（各行が1つの要素）
	ParseFunc         func(parts []string) (*Command, error)            // パース関数
	GetCandidatesFunc func(g Garden, d prompt.Document) []prompt.Suggest // 補完候補生成関数
}

// CommandTable はコマンドの定義を格納するテーブル
var CommandTable []CommandDefinition

func init() {
	// help の補完がテーブル自身を参照するので init で組み立てる
	CommandTable = []CommandDefinition{
		{
			Name:    "status",
			Summary: "コントローラーの接続状態と最新のステータスを表示",
			Syntax:  "status",
			Description: []string{
				"キャッシュ済みの状態を表示します。コントローラーとは通信しません。",
			},
			ParseFunc: func(parts []string) (*Command, error) {
				return newCommand(CmdStatus), nil
			},
		},
		{
			Name:    "connect",
			Aliases: []string{"retry"},
			Summary: "コントローラーへの接続をやり直す",
			Syntax:  "connect, retry",
			Description: []string{
				"手動アドレス、既知のアドレス、サブネット探索の順に接続を試みます。",
			},
			ParseFunc: func(parts []string) (*Command, error) {
				return newCommand(CmdConnect), nil
			},
		},
		{
			Name:    "refresh",
			Summary: "コントローラーからステータスを取得",
			Syntax:  "refresh",
			ParseFunc: func(parts []string) (*Command, error) {
				return newCommand(CmdRefresh), nil
			},
		},
		{
			Name:    "water",
			Summary: "水やりコマンドを送信",
			Syntax:  "water",
			Description: []string{
				"接続中でなければ何も送信しません。",
			},
			ParseFunc: func(parts []string) (*Command, error) {
				return newCommand(CmdWater), nil
			},
		},
		{
			Name:    "plants",
			Aliases: []string{"list"},
			Summary: "登録された植物の一覧表示",
			Syntax:  "plants, list",
			ParseFunc: func(parts []string) (*Command, error) {
				return newCommand(CmdPlants), nil
			},
		},
		{
			Name:    "add",
			Summary: "植物を登録",
			Syntax:  "add <name> [species]",
			Description: []string{
				"name: 植物名。空白を含む場合は \"My Plant\" のように引用符で囲む",
				"species: 種類（省略可）",
			},
			ParseFunc: func(parts []string) (*Command, error) {
				if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
					return nil, &MissingArgument{Syntax: "add <name> [species]"}
				}
				cmd := newCommand(CmdAddPlant)
				cmd.Plant = strings.TrimSpace(parts[1])
				if len(parts) > 2 {
					cmd.Species = strings.Join(parts[2:], " ")
				}
				return cmd, nil
			},
		},
		{
			Name:    "remove",
			Aliases: []string{"rm"},
			Summary: "植物の登録を削除",
			Syntax:  "remove <name>",
			ParseFunc: func(parts []string) (*Command, error) {
				if len(parts) < 2 {
					return nil, &MissingArgument{Syntax: "remove <name>"}
				}
				cmd := newCommand(CmdRemovePlant)
				cmd.Plant = parts[1]
				return cmd, nil
			},
			GetCandidatesFunc: func(g Garden, d prompt.Document) []prompt.Suggest {
				if len(splitWords(d.TextBeforeCursor())) == 2 {
					return getPlantCandidates(g)
				}
				return []prompt.Suggest{}
			},
		},
		{
			Name:    "address",
			Summary: "コントローラーのアドレスを手動で設定",
			Syntax:  "address [ipv4]",
			Description: []string{
				"ipv4: コントローラーの IPv4 アドレス（例: 192.168.1.50）",
				"省略すると手動設定をクリアし、次回の接続で探索します。",
			},
			ParseFunc: func(parts []string) (*Command, error) {
				cmd := newCommand(CmdAddress)
				if len(parts) > 1 {
					cmd.Address = parts[1]
				}
				return cmd, nil
			},
		},
		{
			Name:    "interval",
			Summary: "水分チェックの間隔（分）を設定",
			Syntax:  "interval <minutes>",
			ParseFunc: func(parts []string) (*Command, error) {
				if len(parts) < 2 {
					return nil, &MissingArgument{Syntax: "interval <minutes>"}
				}
				minutes, err := parseMinutes(parts[1])
				if err != nil {
					return nil, err
				}
				cmd := newCommand(CmdInterval)
				cmd.Minutes = minutes
				return cmd, nil
			},
		},
		{
			Name:    "notify",
			Summary: "通知の種類ごとの有効/無効を切り替える",
			Syntax:  "notify <kind> on|off",
			Description: []string{
				"kind: " + strings.Join(notify.KindNames(), ", "),
			},
			ParseFunc: func(parts []string) (*Command, error) {
				if len(parts) < 3 {
					return nil, &MissingArgument{Syntax: "notify <kind> on|off"}
				}
				kind, err := notify.ParseKind(parts[1])
				if err != nil {
					return nil, &InvalidArgument{Argument: parts[1]}
				}
				enabled, err := parseOnOff(parts[2])
				if err != nil {
					return nil, err
				}
				cmd := newCommand(CmdNotify)
				cmd.Kind = kind
				cmd.Enabled = enabled
				return cmd, nil
			},
			GetCandidatesFunc: func(g Garden, d prompt.Document) []prompt.Suggest {
				switch len(splitWords(d.TextBeforeCursor())) {
				case 2:
					return getKindCandidates()
				case 3:
					return []prompt.Suggest{{Text: "on"}, {Text: "off"}}
				}
				return []prompt.Suggest{}
			},
		},
		{
			Name:    "settings",
			Summary: "現在の設定を表示",
			Syntax:  "settings",
			ParseFunc: func(parts []string) (*Command, error) {
				return newCommand(CmdSettings), nil
			},
		},
		{
			Name:    "help",
			Summary: "ヘルプを表示",
			Syntax:  "help [command]",
			ParseFunc: func(parts []string) (*Command, error) {
				cmd := newCommand(CmdHelp)
				if len(parts) > 1 {
					cmd.HelpTopic = &parts[1]
				}
				return cmd, nil
			},
			GetCandidatesFunc: func(g Garden, d prompt.Document) []prompt.Suggest {
				if len(splitWords(d.TextBeforeCursor())) == 2 {
					return getCommandCandidates()
				}
				return []prompt.Suggest{}
			},
		},
		{
			Name:    "quit",
			Aliases: []string{"exit"},
			Summary: "終了",
			Syntax:  "quit",
			ParseFunc: func(parts []string) (*Command, error) {
				return newCommand(CmdQuit), nil
			},
		},
	}
}

// PrintCommandSummary は、全コマンドの簡単なサマリーを表示する
func PrintCommandSummary(w io.Writer) {
	fmt.Fprintln(w, "コマンド:")

	for _, cmd := range CommandTable {
		aliases := ""
		if len(cmd.Aliases) > 0 {
			aliases = fmt.Sprintf(", %s", strings.Join(cmd.Aliases, ", "))
		}
		fmt.Fprintf(w, "  %-16s: %s\n", cmd.Name+aliases, cmd.Summary)
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "詳細は 'help <コマンド名>' で確認できます。例: 'help notify'")
}

// PrintCommandDetail は、特定のコマンドの詳細情報を表示する
func PrintCommandDetail(w io.Writer, commandName string) {
	cmd, ok := findCommand(commandName)
	if !ok {
		fmt.Fprintf(w, "不明なコマンド: %s\n", commandName)
		fmt.Fprintln(w, "利用可能なコマンドを確認するには 'help' を入力してください")
		return
	}

	fmt.Fprintf(w, "  %s: %s\n", cmd.Name, cmd.Summary)
	fmt.Fprintf(w, "  構文: %s\n", cmd.Syntax)
	if len(cmd.Description) > 0 {
		fmt.Fprintln(w, "  詳細:")
		for _, line := range cmd.Description {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
}

// PrintUsage はコマンドの使用方法を表示する
func PrintUsage(w io.Writer, commandName *string) {
	if commandName == nil {
		fmt.Fprintln(w, "Sproutling 植物ケアコントローラー")
		PrintCommandSummary(w)
	} else {
		PrintCommandDetail(w, *commandName)
	}
}
