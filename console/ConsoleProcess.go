package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
)

// Console は1行ずつの入力をコマンドとして実行する
type Console struct {
	processor *CommandProcessor
	out       io.Writer
	history   []string
	quit      bool
}

// NewConsole はコマンドプロセッサを起動した Console を返す
func NewConsole(ctx context.Context, controller Controller, garden Garden, out io.Writer) *Console {
	processor := NewCommandProcessor(ctx, controller, garden, out)
	processor.Start()
	return &Console{processor: processor, out: out}
}

// Processor はコマンドプロセッサを返す
func (c *Console) Processor() *CommandProcessor {
	return c.processor
}

// Execute は1行を実行する。quit が入力されたら true を返す
func (c *Console) Execute(line string) bool {
	line = strings.TrimSpace(line)
	if line != "" {
		c.history = append(c.history, line)
	}

	cmd, err := ParseCommand(line)
	if err != nil {
		fmt.Fprintf(c.out, "エラー: %v\n", err)
		return false
	}
	if cmd == nil {
		return false
	}
	if cmd.Type == CmdQuit {
		c.quit = true
		return true
	}
	if err := c.processor.SendCommand(cmd); err != nil {
		fmt.Fprintf(c.out, "エラー: %v\n", err)
	}
	return false
}

// Close はコマンドプロセッサを止める
func (c *Console) Close() {
	c.processor.Stop()
}

// ConsoleProcess は go-prompt で対話入力を受け付け、quit または EOF で戻る
func ConsoleProcess(ctx context.Context, controller Controller, garden Garden, onIntervalChanged func()) {
	console := NewConsole(ctx, controller, garden, os.Stdout)
	console.processor.OnIntervalChanged = onIntervalChanged
	defer console.Close()

	historyFile := getHistoryFilePath()
	console.history = loadHistory(historyFile)
	defer func() { saveHistory(historyFile, console.history) }()

	fmt.Println("help for usage, quit to exit")

	p := prompt.New(
		func(line string) { console.Execute(line) },
		newCompleter(garden),
		prompt.OptionPrefix("> "),
		prompt.OptionTitle("sproutling"),
		prompt.OptionHistory(console.history),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && console.quit
		}),
	)
	p.Run()
}
