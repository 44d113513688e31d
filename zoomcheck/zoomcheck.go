// Package zoomcheck はカメラのズーム値を決めるためのプレビューを作る。
//
// 検出と同じ vision.Crop で切り出すので、保存したプレビューがそのまま
// ディテクタの比較範囲になる。
package zoomcheck

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"time"

	"github.com/disintegration/imaging"

	"pedestal/frame"
	"pedestal/vision"
)

const (
	// PreviewSize はプレビュー画像の一辺
	PreviewSize = 512
	// MaxZoom はウィンドウのトラックバーの上限
	MaxZoom = 10.0

	// KeyQuit と KeySave はプレビューウィンドウのキー操作
	KeyQuit = 'q'
	KeySave = 's'

	retryInterval = 50 * time.Millisecond
)

// Options は確認ツールの設定
type Options struct {
	Zoom   float64
	Output string
}

// Display はプレビューの表示先 (gocv のウィンドウ)
type Display interface {
	Show(img image.Image, zoom float64) error
	// Poll は押されたキー (なければ -1) と現在のズーム値を返す
	Poll() (key int, zoom float64)
}

// Preview は img を zoom で切り出し、PreviewSize の正方形に拡大する
func Preview(img image.Image, zoom float64) (*image.NRGBA, error) {
	cropped, err := vision.Crop(img, zoom)
	if err != nil {
		return nil, err
	}
	return imaging.Resize(cropped, PreviewSize, PreviewSize, imaging.Lanczos), nil
}

// nextFrame は src から次のフレームが取れるまで待つ
func nextFrame(ctx context.Context, src frame.Source) (*frame.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !src.Ready() {
			return nil, frame.ErrSourceLost
		}
		f, err := src.Read(ctx)
		if err == nil && f != nil {
			return f, nil
		}
		if err != nil && !errors.Is(err, frame.ErrNoFrame) {
			slog.Debug("フレーム取得エラー", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Snapshot は 1 フレームを取得してプレビューを opts.Output に保存する
func Snapshot(ctx context.Context, src frame.Source, opts Options) error {
	f, err := nextFrame(ctx, src)
	if err != nil {
		return err
	}
	preview, err := Preview(f.Image, opts.Zoom)
	if err != nil {
		return err
	}
	if err := imaging.Save(preview, opts.Output); err != nil {
		return err
	}
	slog.Info("プレビューを保存しました", "path", opts.Output, "zoom", opts.Zoom)
	return nil
}

// Adjust はフレームごとにプレビューを表示し、KeyQuit が押されたときのズーム値を返す。
// KeySave で表示中のプレビューを opts.Output に保存する。
func Adjust(ctx context.Context, src frame.Source, disp Display, opts Options) (float64, error) {
	zoom := opts.Zoom
	for {
		f, err := nextFrame(ctx, src)
		if err != nil {
			return zoom, err
		}
		preview, err := Preview(f.Image, zoom)
		if err != nil {
			return zoom, err
		}
		if err := disp.Show(preview, zoom); err != nil {
			return zoom, err
		}

		key, next := disp.Poll()
		switch key {
		case KeyQuit:
			slog.Info("ズーム値を決定しました", "zoom", zoom)
			return zoom, nil
		case KeySave:
			if err := imaging.Save(preview, opts.Output); err != nil {
				return zoom, err
			}
			slog.Info("プレビューを保存しました", "path", opts.Output, "zoom", zoom)
		}
		if next < 0 {
			next = 0
		}
		zoom = next
	}
}
