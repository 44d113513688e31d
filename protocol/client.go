package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"
)

// Client はノードにコマンドを送る。
// 1 回のやり取りごとに接続を開き、コマンド 1 つを実行したら quit を送って閉じる。
type Client struct {
	// DialTimeout は接続の待ち時間
	DialTimeout time.Duration
	// IOTimeout は 1 回のやり取り全体の期限 (0 なら無制限)
	IOTimeout time.Duration
}

func NewClient(dialTimeout time.Duration) *Client {
	return &Client{DialTimeout: dialTimeout}
}

// exchange は接続を開いて fn を実行し、最後に quit を送って閉じる
func (c *Client) exchange(ctx context.Context, addr, op string, fn func(conn net.Conn) error) error {
	dialer := net.Dialer{Timeout: c.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &ConnectionError{Addr: addr, Op: op, Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.IOTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.IOTimeout))
	}
	// ctx のキャンセルで読み書きを中断する
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := fn(conn); err != nil {
		return &ConnectionError{Addr: addr, Op: op, Err: err}
	}

	if err := WriteMessage(conn, CommandQuit); err != nil {
		slog.Debug("quit の送信に失敗しました", "addr", addr, "err", err)
		return nil
	}
	if reply, err := ReadMessage(conn, CommandBufferSize); err != nil || reply != ReplyGoodbye {
		slog.Debug("quit の応答が想定外です", "addr", addr, "reply", reply, "err", err)
	}
	return nil
}

// expect は 1 メッセージを読み取って want と一致するか確認する
func expect(conn net.Conn, want string) error {
	got, err := ReadMessage(conn, CommandBufferSize)
	if err != nil {
		return err
	}
	if got != want {
		return &UnexpectedReplyError{Want: want, Got: got}
	}
	return nil
}

// SendFile は data をノードに送信する。ノードは受信後に再生を開始する。
func (c *Client) SendFile(ctx context.Context, addr string, data []byte) error {
	return c.exchange(ctx, addr, CommandFile, func(conn net.Conn) error {
		if err := WriteMessage(conn, CommandFile); err != nil {
			return err
		}
		if err := expect(conn, ReplyFileAck); err != nil {
			return err
		}
		if err := WriteMessage(conn, strconv.Itoa(len(data))); err != nil {
			return err
		}
		if err := expect(conn, ReplyFileLenAck); err != nil {
			return err
		}
		if err := WritePayload(conn, data); err != nil {
			return err
		}
		return expect(conn, ReplyFileDone)
	})
}

// SendFilePath はファイルを読み込んで SendFile する
func (c *Client) SendFilePath(ctx context.Context, addr, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ファイルを読み込めませんでした: %w", err)
	}
	return c.SendFile(ctx, addr, data)
}

// PrintText はノードのプリンタで text を印刷させる
func (c *Client) PrintText(ctx context.Context, addr, text string) error {
	if len(text) == 0 {
		return fmt.Errorf("empty text cannot be sent as an unframed message")
	}
	if len(text) > TextBufferSize {
		return fmt.Errorf("text of %d bytes exceeds %d bytes", len(text), TextBufferSize)
	}
	return c.exchange(ctx, addr, CommandPrint, func(conn net.Conn) error {
		if err := WriteMessage(conn, CommandPrint); err != nil {
			return err
		}
		if err := expect(conn, ReplyPrintAck); err != nil {
			return err
		}
		if err := WriteMessage(conn, text); err != nil {
			return err
		}
		return expect(conn, ReplyPrintDone)
	})
}

// PlayIntro はノードにイントロを再生させる
func (c *Client) PlayIntro(ctx context.Context, addr string) error {
	return c.exchange(ctx, addr, CommandPlayIntro, func(conn net.Conn) error {
		if err := WriteMessage(conn, CommandPlayIntro); err != nil {
			return err
		}
		return expect(conn, ReplyIntroPlayed)
	})
}

// PrintTestPage はノードのプリンタでテストページを印刷させる
func (c *Client) PrintTestPage(ctx context.Context, addr string) error {
	return c.exchange(ctx, addr, CommandTestPage, func(conn net.Conn) error {
		if err := WriteMessage(conn, CommandTestPage); err != nil {
			return err
		}
		return expect(conn, ReplyTestPage)
	})
}

// Send は任意のトークンを送り、最初の応答をそのまま返す (操作コンソール用)
func (c *Client) Send(ctx context.Context, addr, token string) (string, error) {
	var reply string
	err := c.exchange(ctx, addr, token, func(conn net.Conn) error {
		if err := WriteMessage(conn, token); err != nil {
			return err
		}
		var err error
		reply, err = ReadMessage(conn, CommandBufferSize)
		return err
	})
	return reply, err
}
