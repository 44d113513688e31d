package frame

import (
	"context"
	"sync"
)

// Device は読み取りを中断できない取得元 (gocv.VideoCapture など)
type Device interface {
	// ReadFrame は次のフレームが届くまでブロックする
	ReadFrame() (*Frame, error)
	IsOpen() bool
	Close() error
}

// DeviceSource は Device を ctx で待ちを打ち切れる Source にする。
// 打ち切られた読み取りはバックグラウンドで続き、終わるまで次の Read は ErrNoFrame になる。
type DeviceSource struct {
	dev Device

	mu       sync.Mutex
	inflight chan struct{}
	closed   bool
}

func NewDeviceSource(dev Device) *DeviceSource {
	return &DeviceSource{dev: dev}
}

type readResult struct {
	f   *Frame
	err error
}

func (s *DeviceSource) Read(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	if s.closed || s.inflight != nil {
		s.mu.Unlock()
		return nil, ErrNoFrame
	}
	done := make(chan struct{})
	s.inflight = done
	s.mu.Unlock()

	ch := make(chan readResult, 1)
	go func() {
		f, err := s.dev.ReadFrame()
		s.mu.Lock()
		s.inflight = nil
		s.mu.Unlock()
		close(done)
		ch <- readResult{f, err}
	}()

	select {
	case r := <-ch:
		return r.f, r.err
	case <-ctx.Done():
		return nil, ErrNoFrame
	}
}

// Ready は読み取り中であればデバイスに触れずに true を返す
func (s *DeviceSource) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.inflight != nil {
		return true
	}
	return s.dev.IsOpen()
}

// Close は実行中の読み取りが終わるのを待ってからデバイスを閉じる
func (s *DeviceSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	inflight := s.inflight
	s.mu.Unlock()

	if inflight != nil {
		<-inflight
	}
	return s.dev.Close()
}
