// Package printer はシリアル接続のサーマルプリンタにテキストを印刷する。
package printer

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"go.bug.st/serial"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// ESC/POS コマンド
var (
	cmdInitialize = []byte{0x1b, 0x40}       // ESC @
	cmdUpsideDown = []byte{0x1b, 0x7b, 0x01} // ESC { 1
	cmdTestPage   = []byte{0x12, 0x54}       // DC2 T
)

// testPageFeed はテストページの後の紙送り行数
const testPageFeed = 5

// feedCommand は n 行の紙送り (ESC d n)
func feedCommand(n int) []byte {
	return []byte{0x1b, 0x64, byte(n)}
}

// Device はプリンタへの出力先
type Device interface {
	io.Writer
	Close() error
}

// OpenSerial はシリアルポートを開く
func OpenSerial(port string, baudRate int) (Device, error) {
	p, err := serial.Open(port, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("シリアルポート %s を開けませんでした: %w", port, err)
	}
	slog.Info("プリンタを開きました", "port", port, "baudRate", baudRate)
	return p, nil
}

// LookupEncoding はプリンタの文字コード名からエンコーディングを返す。
// "utf-8" の場合は nil (変換なし)。
func LookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gbk", "":
		return simplifiedchinese.GBK, nil
	case "gb18030":
		return simplifiedchinese.GB18030, nil
	case "big5":
		return traditionalchinese.Big5, nil
	case "utf-8", "utf8":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported printer encoding %q", name)
	}
}

// Options は Session の設定
type Options struct {
	Encoding   string
	FeedLines  int
	UpsideDown bool
}

// Session は 1 台のプリンタへの印刷を行う。
// ノードの起動時に 1 つだけ作成し、接続ハンドラに渡して使う。
type Session struct {
	mu   sync.Mutex
	dev  Device
	enc  encoding.Encoding
	feed int
}

// NewSession はプリンタを初期化してセッションを作成する
func NewSession(dev Device, opts Options) (*Session, error) {
	enc, err := LookupEncoding(opts.Encoding)
	if err != nil {
		return nil, err
	}
	if opts.FeedLines < 0 || opts.FeedLines > 255 {
		return nil, fmt.Errorf("feed lines out of range: %d", opts.FeedLines)
	}

	init := append([]byte(nil), cmdInitialize...)
	if opts.UpsideDown {
		init = append(init, cmdUpsideDown...)
	}
	if _, err := dev.Write(init); err != nil {
		return nil, fmt.Errorf("プリンタを初期化できませんでした: %w", err)
	}
	return &Session{dev: dev, enc: enc, feed: opts.FeedLines}, nil
}

// Print は text を印刷し、紙送りする。印刷が終わるまで戻らない。
func (s *Session) Print(text string) error {
	data := []byte(text)
	if s.enc != nil {
		encoded, err := encoding.ReplaceUnsupported(s.enc.NewEncoder()).Bytes(data)
		if err != nil {
			return fmt.Errorf("文字コードの変換に失敗しました: %w", err)
		}
		data = encoded
	}
	if s.feed > 0 {
		data = append(data, feedCommand(s.feed)...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.dev.Write(data); err != nil {
		return fmt.Errorf("プリンタへの書き込みに失敗しました: %w", err)
	}
	slog.Info("印刷しました", "chars", len([]rune(text)))
	return nil
}

// TestPage はプリンタ内蔵のテストページを印刷する (配線と紙の確認用)
func (s *Session) TestPage() error {
	data := append(append([]byte(nil), cmdTestPage...), feedCommand(testPageFeed)...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.dev.Write(data); err != nil {
		return fmt.Errorf("テストページを印刷できませんでした: %w", err)
	}
	slog.Info("テストページを印刷しました")
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.Close()
}
