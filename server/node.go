// Package server はノード側の TCP サーバーを実装する。
// 接続ごとに goroutine を起動し、受信したコマンドを再生セッションと印刷セッションに振り分ける。
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"pedestal/metrics"
	"pedestal/protocol"
)

// Player は音声を再生する (playback.Session)
type Player interface {
	Play(path string) error
}

// Printer はテキストとテストページを印刷する (printer.Session)
type Printer interface {
	Print(text string) error
	TestPage() error
}

// Observer はコマンドの処理結果を受け取る (モニタへの通知など)
type Observer interface {
	CommandHandled(peer, command string, err error)
}

// Options は NodeServer の設定
type Options struct {
	// Name はノード自身のデバイス名。受信したファイルは <ArtifactDir>/<Name>.mp3 に保存する。
	Name        string
	ArtifactDir string
	IntroPath   string
	Player      Player
	// Printer が nil の場合、print コマンドは失敗を返す
	Printer     Printer
	Observer    Observer
	Metrics     *metrics.Metrics
	MaxFileSize int
}

// StartOptions は Start の設定
type StartOptions struct {
	Addr string
	// Ready は待ち受けを開始したときに閉じられる
	Ready chan struct{}
}

// NodeServer はノードの TCP サーバー
type NodeServer struct {
	opts Options

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	closed   bool
}

func NewNodeServer(opts Options) (*NodeServer, error) {
	if opts.Name == "" {
		return nil, errors.New("node name is required")
	}
	if opts.Player == nil {
		return nil, errors.New("player is required")
	}
	if opts.ArtifactDir == "" {
		opts.ArtifactDir = "."
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = protocol.MaxFileSize
	}
	return &NodeServer{
		opts:  opts,
		conns: make(map[net.Conn]struct{}),
	}, nil
}

// ArtifactPath は受信したファイルの保存先
func (s *NodeServer) ArtifactPath() string {
	return filepath.Join(s.opts.ArtifactDir, s.opts.Name+".mp3")
}

// Start は options.Addr で待ち受けを開始し、ctx がキャンセルされるまで接続を受け付ける
func (s *NodeServer) Start(ctx context.Context, options StartOptions) error {
	// 先にリスナーをバインド
	listener, err := net.Listen("tcp", options.Addr)
	if err != nil {
		return err
	}
	// 待ち受け完了を通知
	if options.Ready != nil {
		close(options.Ready)
	}
	return s.Serve(ctx, listener)
}

// Serve は listener で接続を受け付ける。ctx のキャンセルか Stop で終了する。
func (s *NodeServer) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = listener.Close()
		return net.ErrClosed
	}
	s.listener = listener
	s.mu.Unlock()

	slog.Info("ノードサーバーを開始しました", "addr", listener.Addr().String(), "name", s.opts.Name)

	stop := context.AfterFunc(ctx, func() {
		_ = s.Stop()
	})
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				slog.Warn("接続の受け付けに失敗しました", "err", err)
				continue
			}
			return err
		}

		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

func (s *NodeServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *NodeServer) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	_ = conn.Close()
}

// Stop は待ち受けを終了し、処理中の接続を閉じる
func (s *NodeServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	slog.Info("ノードサーバーを停止します")
	for conn := range s.conns {
		_ = conn.Close()
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// handleConn は quit を受信するか接続が閉じられるまでコマンドを処理する
func (s *NodeServer) handleConn(conn net.Conn) {
	peer := conn.RemoteAddr().String()
	slog.Debug("接続を受け付けました", "peer", peer)

	for {
		raw, err := protocol.ReadMessage(conn, protocol.CommandBufferSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Warn("コマンドの受信に失敗しました", "peer", peer, "err", err)
			}
			return
		}

		cmd := protocol.ParseCommand(raw)
		s.opts.Metrics.RecordCommand(cmd.Kind.String())

		var handleErr error
		keepOpen := true
		switch cmd.Kind {
		case protocol.KindFile:
			handleErr = s.handleFile(conn)
		case protocol.KindPrint:
			handleErr = s.handlePrint(conn)
		case protocol.KindPlayIntro:
			handleErr = s.handlePlayIntro(conn)
		case protocol.KindTestPage:
			handleErr = s.handleTestPage(conn)
		case protocol.KindQuit:
			handleErr = protocol.WriteMessage(conn, protocol.ReplyGoodbye)
			keepOpen = false
		default:
			slog.Info("不明なコマンドを受信しました", "peer", peer, "raw", cmd.Raw)
			handleErr = protocol.WriteMessage(conn, protocol.ReplyUnknown)
		}

		if s.opts.Observer != nil {
			s.opts.Observer.CommandHandled(peer, cmd.Kind.String(), handleErr)
		}
		if handleErr != nil {
			// このやり取りだけを打ち切る
			slog.Warn("コマンドの処理に失敗しました", "peer", peer, "command", cmd.Kind, "err", handleErr)
			return
		}
		if !keepOpen {
			slog.Debug("接続を終了します", "peer", peer)
			return
		}
	}
}

func (s *NodeServer) handleFile(conn net.Conn) error {
	if err := protocol.WriteMessage(conn, protocol.ReplyFileAck); err != nil {
		return err
	}
	lengthMsg, err := protocol.ReadMessage(conn, protocol.CommandBufferSize)
	if err != nil {
		return fmt.Errorf("missing file length: %w", err)
	}
	announced, err := protocol.ParseLength(lengthMsg)
	if err != nil {
		return err
	}
	if announced > s.opts.MaxFileSize {
		return &protocol.PayloadSizeError{Size: int64(announced), Limit: int64(s.opts.MaxFileSize)}
	}
	if err := protocol.WriteMessage(conn, protocol.ReplyFileLenAck); err != nil {
		return err
	}

	body, err := protocol.ReadPayload(conn, s.opts.MaxFileSize)
	if err != nil {
		return err
	}
	if len(body) != announced {
		return &protocol.LengthMismatchError{Announced: announced, Prefixed: len(body)}
	}

	path := s.ArtifactPath()
	if err := writeFileAtomic(path, body); err != nil {
		return err
	}
	s.opts.Metrics.RecordFileReceived(len(body))
	slog.Info("ファイルを受信しました", "path", path, "size", len(body))

	// 再生に失敗しても受信したファイルは残し、送信元には別の応答で知らせる
	if err := s.opts.Player.Play(path); err != nil {
		slog.Error("受信したファイルを再生できませんでした", "path", path, "err", err)
		return protocol.WriteMessage(conn, protocol.ReplyPlayFailed)
	}
	return protocol.WriteMessage(conn, protocol.ReplyFileDone)
}

// writeFileAtomic は同じディレクトリの一時ファイルに書いてから置き換える
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("一時ファイルを作成できませんでした: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *NodeServer) handlePrint(conn net.Conn) error {
	if err := protocol.WriteMessage(conn, protocol.ReplyPrintAck); err != nil {
		return err
	}
	text, err := protocol.ReadMessage(conn, protocol.TextBufferSize)
	if err != nil {
		return fmt.Errorf("missing print text: %w", err)
	}

	var printErr error
	if s.opts.Printer == nil {
		printErr = errors.New("printer is not available on this node")
	} else {
		printErr = s.opts.Printer.Print(text)
	}
	s.opts.Metrics.RecordPrint(printErr)
	if printErr != nil {
		slog.Error("印刷に失敗しました", "err", printErr)
		return protocol.WriteMessage(conn, protocol.ReplyPrintFailed)
	}
	return protocol.WriteMessage(conn, protocol.ReplyPrintDone)
}

func (s *NodeServer) handleTestPage(conn net.Conn) error {
	var printErr error
	if s.opts.Printer == nil {
		printErr = errors.New("printer is not available on this node")
	} else {
		printErr = s.opts.Printer.TestPage()
	}
	s.opts.Metrics.RecordPrint(printErr)
	if printErr != nil {
		slog.Error("テストページを印刷できませんでした", "err", printErr)
		return protocol.WriteMessage(conn, protocol.ReplyPrintFailed)
	}
	return protocol.WriteMessage(conn, protocol.ReplyTestPage)
}

func (s *NodeServer) handlePlayIntro(conn net.Conn) error {
	if s.opts.IntroPath == "" {
		slog.Warn("イントロが設定されていません")
	} else if err := s.opts.Player.Play(s.opts.IntroPath); err != nil {
		slog.Error("イントロを再生できませんでした", "path", s.opts.IntroPath, "err", err)
		return protocol.WriteMessage(conn, protocol.ReplyIntroFailed)
	}
	return protocol.WriteMessage(conn, protocol.ReplyIntroPlayed)
}
