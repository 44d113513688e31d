package console

import (
	"fmt"
	"strings"

	"github.com/c-bata/go-prompt"
)

// CommandType はコンソールコマンドの種類
type CommandType int

const (
	CmdFile CommandType = iota
	CmdPrint
	CmdIntro
	CmdTestPage
	CmdSend
	CmdDevices
	CmdHelp
	CmdQuit
)

// Command は解析済みのコンソールコマンド
type Command struct {
	Type   CommandType
	Device string
	Path   string
	Text   string
	Token  string
	// Topic は help の対象コマンド
	Topic string
}

// DeviceNames はデバイス名の一覧を返す (devices.Table)
type DeviceNames interface {
	Names() []string
}

// CommandDefinition はコマンドの定義を保持する構造体
type CommandDefinition struct {
	Name              string
	Aliases           []string
	Summary           string
	Syntax            string
	Description       []string
	ParseFunc         func(parts []string) (*Command, error)
	GetCandidatesFunc func(d DeviceNames, words []string) []prompt.Suggest
}

// deviceArgCandidates は第1引数にデバイス名を取るコマンドの補完候補
func deviceArgCandidates(d DeviceNames, words []string) []prompt.Suggest {
	if len(words) != 2 {
		return nil
	}
	return deviceCandidates(d)
}

func deviceCandidates(d DeviceNames) []prompt.Suggest {
	names := d.Names()
	suggests := make([]prompt.Suggest, 0, len(names))
	for _, name := range names {
		suggests = append(suggests, prompt.Suggest{Text: name})
	}
	return suggests
}

func requireArgs(parts []string, n int, syntax string) error {
	if len(parts) < n {
		return fmt.Errorf("引数が足りません。使い方: %s", syntax)
	}
	return nil
}

// CommandTable はコマンドの定義を格納するテーブル
var CommandTable []CommandDefinition

// help の候補補完が CommandTable を参照するため init で設定する
func init() {
	CommandTable = []CommandDefinition{
		{
			Name:    "file",
			Summary: "音声ファイルを送信して再生させる",
			Syntax:  "file <device> <path>",
			Description: []string{
				"device: 送信先のデバイス名",
				"path: 送信する MP3 ファイル",
			},
			ParseFunc: func(parts []string) (*Command, error) {
				if err := requireArgs(parts, 3, "file <device> <path>"); err != nil {
					return nil, err
				}
				return &Command{Type: CmdFile, Device: parts[1], Path: parts[2]}, nil
			},
			GetCandidatesFunc: deviceArgCandidates,
		},
		{
			Name:    "print",
			Summary: "テキストを印刷させる",
			Syntax:  "print <device> <text...>",
			Description: []string{
				"device: プリンタを持つデバイス名",
				"text: 印刷するテキスト。空白を含めてそのまま送る",
			},
			ParseFunc: func(parts []string) (*Command, error) {
				if err := requireArgs(parts, 3, "print <device> <text...>"); err != nil {
					return nil, err
				}
				return &Command{Type: CmdPrint, Device: parts[1], Text: strings.Join(parts[2:], " ")}, nil
			},
			GetCandidatesFunc: deviceArgCandidates,
		},
		{
			Name:    "intro",
			Aliases: []string{"play_intro"},
			Summary: "イントロ音声を再生させる",
			Syntax:  "intro <device>",
			ParseFunc: func(parts []string) (*Command, error) {
				if err := requireArgs(parts, 2, "intro <device>"); err != nil {
					return nil, err
				}
				return &Command{Type: CmdIntro, Device: parts[1]}, nil
			},
			GetCandidatesFunc: deviceArgCandidates,
		},
		{
			Name:    "testpage",
			Aliases: []string{"test_page"},
			Summary: "プリンタのテストページを印刷させる",
			Syntax:  "testpage <device>",
			ParseFunc: func(parts []string) (*Command, error) {
				if err := requireArgs(parts, 2, "testpage <device>"); err != nil {
					return nil, err
				}
				return &Command{Type: CmdTestPage, Device: parts[1]}, nil
			},
			GetCandidatesFunc: deviceArgCandidates,
		},
		{
			Name:    "send",
			Summary: "任意のコマンドを送信して応答を表示する",
			Syntax:  "send <device> <token>",
			Description: []string{
				"未知のコマンドを送ると 'Unknown command' が返ります",
			},
			ParseFunc: func(parts []string) (*Command, error) {
				if err := requireArgs(parts, 3, "send <device> <token>"); err != nil {
					return nil, err
				}
				return &Command{Type: CmdSend, Device: parts[1], Token: strings.Join(parts[2:], " ")}, nil
			},
			GetCandidatesFunc: deviceArgCandidates,
		},
		{
			Name:    "devices",
			Aliases: []string{"list"},
			Summary: "デバイス名とアドレスの一覧表示",
			Syntax:  "devices",
			ParseFunc: func(parts []string) (*Command, error) {
				return &Command{Type: CmdDevices}, nil
			},
		},
		{
			Name:    "help",
			Summary: "ヘルプを表示",
			Syntax:  "help [command]",
			ParseFunc: func(parts []string) (*Command, error) {
				cmd := &Command{Type: CmdHelp}
				if len(parts) > 1 {
					cmd.Topic = parts[1]
				}
				return cmd, nil
			},
			GetCandidatesFunc: func(d DeviceNames, words []string) []prompt.Suggest {
				if len(words) != 2 {
					return nil
				}
				return commandCandidates()
			},
		},
		{
			Name:    "quit",
			Aliases: []string{"exit"},
			Summary: "コンソールを終了",
			Syntax:  "quit",
			ParseFunc: func(parts []string) (*Command, error) {
				return &Command{Type: CmdQuit}, nil
			},
		},
	}
}

// findCommand はコマンド名または別名から定義を探す
func findCommand(name string) (*CommandDefinition, bool) {
	for i := range CommandTable {
		def := &CommandTable[i]
		if def.Name == name {
			return def, true
		}
		for _, alias := range def.Aliases {
			if alias == name {
				return def, true
			}
		}
	}
	return nil, false
}

func commandCandidates() []prompt.Suggest {
	var suggests []prompt.Suggest
	for _, def := range CommandTable {
		suggests = append(suggests, prompt.Suggest{Text: def.Name, Description: def.Summary})
		for _, alias := range def.Aliases {
			suggests = append(suggests, prompt.Suggest{Text: alias, Description: def.Summary})
		}
	}
	return suggests
}

// ParseCommand は入力行を解析する。空行は nil を返す。
func ParseCommand(line string) (*Command, error) {
	parts := splitWords(strings.TrimSpace(line))
	if len(parts) == 0 || parts[0] == "" {
		return nil, nil
	}
	def, ok := findCommand(parts[0])
	if !ok {
		return nil, fmt.Errorf("不明なコマンド: %s (help で一覧を表示)", parts[0])
	}
	return def.ParseFunc(parts)
}

// splitWords は入力行を単語に分割する。引用符内の空白は単語の一部になる。
// 末尾が空白の場合は空の単語を1つ追加する。
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
			if word.Len() > 0 {
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

// usage はヘルプ文字列を返す
func usage(topic string) string {
	var sb strings.Builder
	if topic != "" {
		def, ok := findCommand(topic)
		if !ok {
			return fmt.Sprintf("不明なコマンド: %s\n", topic)
		}
		fmt.Fprintf(&sb, "%s\n  %s\n", def.Syntax, def.Summary)
		for _, line := range def.Description {
			fmt.Fprintf(&sb, "  %s\n", line)
		}
		return sb.String()
	}
	for _, def := range CommandTable {
		fmt.Fprintf(&sb, "  %-28s %s\n", def.Syntax, def.Summary)
	}
	return sb.String()
}
