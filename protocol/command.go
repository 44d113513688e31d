// Package protocol はディテクタとノードの間の TCP プロトコルを定義する。
//
// 制御コマンドと応答はフレーミングなしの UTF-8 文字列で、1 回の読み取りで
// 1 メッセージ全体が届くことを前提にしている。ファイル本体だけは
// 4 バイトのビッグエンディアン長さプレフィックス付きで送る。
package protocol

import (
	"strings"
)

// コマンド
const (
	CommandFile      = "file"
	CommandPrint     = "print"
	CommandPlayIntro = "play_intro"
	CommandTestPage  = "test_page"
	CommandQuit      = "quit"
)

// ノードからの応答
const (
	ReplyFileAck     = "ACK, start receiving file..."
	ReplyFileLenAck  = "file len ACK!"
	ReplyFileDone    = "file received!"
	ReplyPlayFailed  = "file received, play failed!"
	ReplyPrintAck    = "ACK, start receiving text..."
	ReplyPrintDone   = "print done!"
	ReplyPrintFailed = "print failed!"
	ReplyTestPage    = "test page printed!"
	ReplyIntroPlayed = "intro played!"
	ReplyIntroFailed = "intro failed!"
	ReplyGoodbye     = "Goodbye."
	ReplyUnknown     = "Unknown command"
)

const (
	// CommandBufferSize はコマンドや応答 1 回分の読み取りサイズ
	CommandBufferSize = 1024
	// TextBufferSize は印刷テキスト 1 回分の読み取りサイズ
	TextBufferSize = 8192
	// MaxFileSize は受け付けるファイル本体の上限
	MaxFileSize = 64 << 20
)

// Kind はコマンドの種類
type Kind int

const (
	KindUnknown Kind = iota
	KindFile
	KindPrint
	KindPlayIntro
	KindTestPage
	KindQuit
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return CommandFile
	case KindPrint:
		return CommandPrint
	case KindPlayIntro:
		return CommandPlayIntro
	case KindTestPage:
		return CommandTestPage
	case KindQuit:
		return CommandQuit
	default:
		return "unknown"
	}
}

// Command は受信したコマンド
type Command struct {
	Kind Kind
	// Raw は受信したままのトークン
	Raw string
}

// ParseCommand は受信した文字列をコマンドに変換する。
// 前後の空白と改行は無視する (nc などから手入力した場合のため)。
func ParseCommand(raw string) Command {
	token := strings.TrimSpace(raw)
	cmd := Command{Raw: raw}
	switch token {
	case CommandFile:
		cmd.Kind = KindFile
	case CommandPrint:
		cmd.Kind = KindPrint
	case CommandPlayIntro:
		cmd.Kind = KindPlayIntro
	case CommandTestPage:
		cmd.Kind = KindTestPage
	case CommandQuit:
		cmd.Kind = KindQuit
	default:
		cmd.Kind = KindUnknown
	}
	return cmd
}
