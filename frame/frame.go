// Package frame はカメラから取得したフレームと、最新フレームを保持するバッファを提供する。
package frame

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"time"

	"pedestal/metrics"
)

// ErrNoFrame はフレームが取得できなかったことを表す。
// 取得元は断続的に止まることがあるため、致命的なエラーとしては扱わない。
var ErrNoFrame = errors.New("no frame available")

// ErrSourceLost は取得元が利用できなくなったことを表す (gphoto2 の終了、カメラの切断など)
var ErrSourceLost = errors.New("frame source is no longer available")

// Frame は取得時刻付きの画像。作成後は変更しない。
type Frame struct {
	Image      image.Image
	CapturedAt time.Time
}

func (f *Frame) Width() int {
	return f.Image.Bounds().Dx()
}

func (f *Frame) Height() int {
	return f.Image.Bounds().Dy()
}

// Channels は画素あたりのチャンネル数 (グレースケールなら 1、カラーなら 3)
func (f *Frame) Channels() int {
	switch f.Image.(type) {
	case *image.Gray, *image.Gray16:
		return 1
	default:
		return 3
	}
}

// Source はフレームの取得元 (Webカメラ、一眼レフのライブビューなど)
type Source interface {
	// Read は次のフレームを返す。取得できない場合は ErrNoFrame を返す。
	Read(ctx context.Context) (*Frame, error)
	// Ready は取得元が利用可能かどうかを返す
	Ready() bool
	Close() error
}

// Buffer は最新のフレームを 1 枚だけ保持する。
// 新しいフレームは古いフレームを上書きし、読み出されなかったフレームは捨てられる。
type Buffer struct {
	mu     sync.Mutex
	latest *Frame
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Store(f *Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = f
}

// Latest は最新のフレームを返す。まだ一度も取得していなければ nil。
func (b *Buffer) Latest() *Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// CaptureOptions は Capture の設定
type CaptureOptions struct {
	// Delay は読み取りの間隔
	Delay time.Duration
	// ReadTimeout は 1 回の読み取りの待ち時間の上限。超えた場合はフレームなしとみなす。
	ReadTimeout time.Duration
	Metrics     *metrics.Metrics
}

// Capture は ctx がキャンセルされるまで src からフレームを読み続け、buf を更新する。
// ctx のキャンセルでは nil を返す。取得元が Ready でなくなった場合は ErrSourceLost を返す。
func Capture(ctx context.Context, src Source, buf *Buffer, opts CaptureOptions) error {
	slog.Info("フレーム取得ループを開始します", "delay", opts.Delay, "readTimeout", opts.ReadTimeout)
	defer slog.Info("フレーム取得ループを終了しました")

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !src.Ready() {
			slog.Warn("フレームの取得元が利用できなくなりました")
			opts.Metrics.RecordSourceLost()
			return ErrSourceLost
		}

		f, err := readWithTimeout(ctx, src, opts.ReadTimeout)
		switch {
		case err == nil && f != nil:
			buf.Store(f)
			opts.Metrics.RecordFrame(true)
		case ctx.Err() != nil:
			return nil
		default:
			if err != nil && !errors.Is(err, ErrNoFrame) {
				slog.Debug("フレーム取得エラー", "err", err)
			}
			opts.Metrics.RecordFrame(false)
		}

		if opts.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(opts.Delay):
			}
		}
	}
}

func readWithTimeout(ctx context.Context, src Source, timeout time.Duration) (*Frame, error) {
	if timeout <= 0 {
		return src.Read(ctx)
	}
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return src.Read(readCtx)
}
