// Package webcam は OpenCV (gocv) 経由で USB カメラからフレームを取得する。
package webcam

import (
	"fmt"
	"log/slog"
	"time"

	"gocv.io/x/gocv"

	"pedestal/frame"
)

// camera は gocv.VideoCapture を frame.Device にする。
// VideoCapture.Read は中断できないので frame.DeviceSource で包んで使う。
type camera struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

// Open は deviceID のカメラを開く。開けない場合は起動時の致命的エラーになる。
func Open(deviceID int) (*frame.DeviceSource, error) {
	capture, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		return nil, fmt.Errorf("カメラ %d を開けませんでした: %w", deviceID, err)
	}
	if !capture.IsOpened() {
		_ = capture.Close()
		return nil, fmt.Errorf("カメラ %d を開けませんでした", deviceID)
	}
	slog.Info("Webカメラを開きました", "device", deviceID)
	return frame.NewDeviceSource(&camera{capture: capture, mat: gocv.NewMat()}), nil
}

func (c *camera) ReadFrame() (*frame.Frame, error) {
	if ok := c.capture.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, frame.ErrNoFrame
	}
	capturedAt := time.Now()
	img, err := c.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("フレームの変換に失敗しました: %w", err)
	}
	return &frame.Frame{Image: img, CapturedAt: capturedAt}, nil
}

func (c *camera) IsOpen() bool {
	return c.capture.IsOpened()
}

func (c *camera) Close() error {
	_ = c.mat.Close()
	return c.capture.Close()
}
