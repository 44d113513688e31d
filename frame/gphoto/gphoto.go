// Package gphoto は gphoto2 のライブビュー (MJPEG) を frame.Source として提供する。
package gphoto

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"pedestal/frame"
)

var (
	soi = []byte{0xff, 0xd8}
	eoi = []byte{0xff, 0xd9}
)

// maxFrameSize を超えても EOI が見つからないデータは破損とみなす
const maxFrameSize = 8 << 20

// SplitJPEG は MJPEG ストリームを JPEG 画像ごとに切り出す bufio.SplitFunc。
// SOI より前のゴミは読み飛ばす。
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, soi)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// 末尾の 0xff は次の SOI の一部かもしれないので残す
		if n := len(data); n > 0 && data[n-1] == 0xff {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}
	end := bytes.Index(data[start+len(soi):], eoi)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		if len(data)-start > maxFrameSize {
			return start + len(soi), nil, nil
		}
		return start, nil, nil
	}
	end += start + len(soi) + len(eoi)
	return end, data[start:end], nil
}

// Source は gphoto2 --capture-movie --stdout の出力からフレームを取り出す
type Source struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	frames chan *frame.Frame
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Start は gphoto2 を起動してライブビューの読み取りを開始する
func Start(ctx context.Context) (*Source, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, "gphoto2", "--capture-movie", "--stdout")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("gphoto2 を起動できませんでした: %w", err)
	}
	slog.Info("gphoto2 のライブビューを開始しました", "pid", cmd.Process.Pid)

	s := newSource(stdout)
	s.cmd = cmd
	s.cancel = cancel
	return s, nil
}

// newSource は r から MJPEG を読み取る Source を作成する
func newSource(r io.Reader) *Source {
	s := &Source{
		frames: make(chan *frame.Frame, 1),
		done:   make(chan struct{}),
	}
	go s.readLoop(r)
	return s
}

func (s *Source) readLoop(r io.Reader) {
	defer close(s.done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize+len(soi))
	scanner.Split(SplitJPEG)
	for scanner.Scan() {
		img, err := jpeg.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			slog.Debug("ライブビューのフレームをデコードできませんでした", "err", err)
			continue
		}
		f := &frame.Frame{Image: img, CapturedAt: time.Now()}
		// 読まれていない古いフレームは捨てる
		select {
		case <-s.frames:
		default:
		}
		s.frames <- f
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	slog.Warn("ライブビューのストリームが終了しました", "err", err)
}

func (s *Source) Read(ctx context.Context) (*frame.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	default:
	}
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return nil, frame.ErrNoFrame
	case <-ctx.Done():
		return nil, frame.ErrNoFrame
	}
}

func (s *Source) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err == nil
}

func (s *Source) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cmd != nil {
		if err := s.cmd.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return err
			}
		}
	}
	return nil
}
