package console

import (
	"github.com/c-bata/go-prompt"
)

// dynamicCompleter は readline.AutoCompleter を実装し、コマンド名とデバイス名を補完する
type dynamicCompleter struct {
	devices DeviceNames
}

// Do は readline から呼ばれ、カーソル位置の単語に続く候補を返す
func (dc *dynamicCompleter) Do(line []rune, pos int) (newLine [][]rune, length int) {
	words := splitWords(string(line[:pos]))

	lastWord := ""
	if len(words) > 0 {
		lastWord = words[len(words)-1]
	}

	var suggests []prompt.Suggest
	if len(words) <= 1 {
		suggests = commandCandidates()
	} else if def, ok := findCommand(words[0]); ok && def.GetCandidatesFunc != nil {
		suggests = def.GetCandidatesFunc(dc.devices, words)
	}

	result := [][]rune{}
	for _, s := range prompt.FilterHasPrefix(suggests, lastWord, false) {
		result = append(result, []rune(s.Text[len(lastWord):]+" "))
	}
	return result, len(lastWord)
}
