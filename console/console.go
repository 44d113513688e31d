// Package console はノードに直接コマンドを送る操作用コンソール。
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"golang.org/x/term"

	"pedestal/devices"
)

// ErrQuit は quit コマンドで返される
var ErrQuit = errors.New("quit")

// Remote はノードとのやり取り (protocol.Client)
type Remote interface {
	SendFilePath(ctx context.Context, addr, path string) error
	PrintText(ctx context.Context, addr, text string) error
	PlayIntro(ctx context.Context, addr string) error
	PrintTestPage(ctx context.Context, addr string) error
	Send(ctx context.Context, addr, token string) (string, error)
}

// DeviceTable はデバイス名の解決と一覧 (devices.Table)
type DeviceTable interface {
	DeviceNames
	Resolve(name string, port int) (string, error)
	List() []devices.Entry
}

// Console は操作コンソール
type Console struct {
	remote  Remote
	devices DeviceTable
	port    int
	out     io.Writer
}

// New は Console を作成する
func New(remote Remote, table DeviceTable, port int, out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{remote: remote, devices: table, port: port, out: out}
}

// Execute はコマンドを 1 つ実行して結果を出力する
func (c *Console) Execute(ctx context.Context, cmd *Command) error {
	switch cmd.Type {
	case CmdQuit:
		return ErrQuit
	case CmdHelp:
		fmt.Fprint(c.out, usage(cmd.Topic))
		return nil
	case CmdDevices:
		for _, e := range c.devices.List() {
			fmt.Fprintf(c.out, "%-12s %s\n", e.Name, e.Address)
		}
		return nil
	}

	addr, err := c.devices.Resolve(cmd.Device, c.port)
	if err != nil {
		return err
	}

	switch cmd.Type {
	case CmdFile:
		if err := c.remote.SendFilePath(ctx, addr, cmd.Path); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: %s を送信しました\n", cmd.Device, filepath.Base(cmd.Path))
	case CmdPrint:
		if err := c.remote.PrintText(ctx, addr, cmd.Text); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: 印刷しました\n", cmd.Device)
	case CmdIntro:
		if err := c.remote.PlayIntro(ctx, addr); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: イントロを再生しました\n", cmd.Device)
	case CmdTestPage:
		if err := c.remote.PrintTestPage(ctx, addr); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: テストページを印刷しました\n", cmd.Device)
	case CmdSend:
		reply, err := c.remote.Send(ctx, addr, cmd.Token)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: %s\n", cmd.Device, reply)
	default:
		return fmt.Errorf("unsupported command type %d", cmd.Type)
	}
	return nil
}

// RunOnce は引数をコマンド 1 つとして実行する
func (c *Console) RunOnce(ctx context.Context, args []string) error {
	quoted := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t") {
			a = `"` + a + `"`
		}
		quoted[i] = a
	}
	cmd, err := ParseCommand(strings.Join(quoted, " "))
	if err != nil {
		return err
	}
	if cmd == nil {
		fmt.Fprint(c.out, usage(""))
		return nil
	}
	if err := c.Execute(ctx, cmd); err != nil && !errors.Is(err, ErrQuit) {
		return err
	}
	return nil
}

// Run は対話ループを実行する。標準入力が端末でなければ 1 行ずつ読み込んで実行する。
func (c *Console) Run(ctx context.Context) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return c.runLines(ctx, os.Stdin)
	}

	fmt.Fprintln(c.out, "help for usage, quit to exit")

	historyFile := ".pedestal_history"
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".pedestal_history")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyFile,
		AutoComplete:    &dynamicCompleter{devices: c.devices},
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("readline の初期化エラー: %w", err)
	}
	defer func() {
		_ = rl.Close()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if err != nil { // io.EOF, readline.ErrInterrupt
			return nil
		}
		if c.handleLine(ctx, line) {
			return nil
		}
	}
}

// runLines はパイプなどから読んだ各行を実行する
func (c *Console) runLines(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if c.handleLine(ctx, scanner.Text()) {
			return nil
		}
	}
	return scanner.Err()
}

// handleLine は 1 行を実行し、終了すべきなら true を返す
func (c *Console) handleLine(ctx context.Context, line string) bool {
	cmd, err := ParseCommand(line)
	if err != nil {
		fmt.Fprintf(c.out, "エラー: %v\n", err)
		return false
	}
	if cmd == nil {
		return false
	}
	if err := c.Execute(ctx, cmd); err != nil {
		if errors.Is(err, ErrQuit) {
			return true
		}
		fmt.Fprintf(c.out, "エラー: %v\n", err)
	}
	return false
}
