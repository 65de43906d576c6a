package console

import (
	"log/slog"
	"strings"

	"github.com/c-bata/go-prompt"

	"sproutling/notify"
)

// --- 補完候補生成のためのヘルパー関数群 ---
// CommandTable.go の GetCandidatesFunc や completer から呼び出される

// getPlantCandidates は登録済みの植物名の候補を返す
func getPlantCandidates(g Garden) []prompt.Suggest {
	plants, err := g.ListPlants()
	if err != nil {
		slog.Debug("植物一覧の取得に失敗しました", "err", err)
		return []prompt.Suggest{}
	}
	suggests := make([]prompt.Suggest, 0, len(plants))
	for _, p := range plants {
		text := p.Name
		if strings.ContainsAny(text, " \t") {
			text = `"` + text + `"`
		}
		suggests = append(suggests, prompt.Suggest{Text: text, Description: p.Species})
	}
	return suggests
}

// getKindCandidates は通知の種類の候補を返す
func getKindCandidates() []prompt.Suggest {
	suggests := make([]prompt.Suggest, 0, len(notify.Kinds))
	for _, k := range notify.Kinds {
		suggests = append(suggests, prompt.Suggest{Text: string(k)})
	}
	return suggests
}

// getCommandCandidates はコマンド名の候補を返す
func getCommandCandidates() []prompt.Suggest {
	suggests := make([]prompt.Suggest, 0, len(CommandTable))
	for _, cmd := range CommandTable {
		suggests = append(suggests, prompt.Suggest{Text: cmd.Name, Description: cmd.Summary})
	}
	return suggests
}

// newCompleter は go-prompt 用の補完関数を返す
func newCompleter(g Garden) prompt.Completer {
	return func(d prompt.Document) []prompt.Suggest {
		words := splitWords(d.TextBeforeCursor())
		if len(words) <= 1 {
			return prompt.FilterHasPrefix(getCommandCandidates(), d.GetWordBeforeCursor(), true)
		}
		cmd, ok := findCommand(words[0])
		if !ok || cmd.GetCandidatesFunc == nil {
			return []prompt.Suggest{}
		}
		return prompt.FilterHasPrefix(cmd.GetCandidatesFunc(g, d), d.GetWordBeforeCursor(), true)
	}
}

// splitWords は入力行を単語に分割する補助関数
// 引用符で囲まれた空白は単語の一部として扱う。末尾が空白なら空の単語を1つ追加する
func splitWords(line string) []string {
	if line == "" {
		return []string{}
	}

	words := make([]string, 0)
	var word strings.Builder
	inQuote := false
	lastWasSpace := true

	for _, r := range line {
		switch r {
		case ' ', '\t':
			if inQuote {
				word.WriteRune(r)
				lastWasSpace = false
				continue
			}
			if !lastWasSpace && word.Len() > 0 {
				words = append(words, word.String())
				word.Reset()
			}
			lastWasSpace = true
		case '"', '\'':
			inQuote = !inQuote
			lastWasSpace = false
		default:
			word.WriteRune(r)
			lastWasSpace = false
		}
	}

	if word.Len() > 0 {
		words = append(words, word.String())
	}
	if lastWasSpace {
		words = append(words, "")
	}
	return words
}
