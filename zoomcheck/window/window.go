// Package window は zoomcheck のプレビューを OpenCV のウィンドウに表示する。
package window

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// trackbarScale はトラックバー 1 目盛りあたりのズーム値の逆数 (0.1 刻み)
const trackbarScale = 10

type Window struct {
	win      *gocv.Window
	trackbar *gocv.Trackbar
	title    string
}

// New はトラックバー付きのウィンドウを開く
func New(title string, maxZoom, initial float64) *Window {
	win := gocv.NewWindow(title)
	tb := win.CreateTrackbar("Zoom", int(math.Round(maxZoom*trackbarScale)))
	tb.SetPos(int(math.Round(initial * trackbarScale)))
	return &Window{win: win, trackbar: tb, title: title}
}

func (w *Window) Show(img image.Image, zoom float64) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return fmt.Errorf("プレビューを変換できませんでした: %w", err)
	}
	defer mat.Close()
	w.win.SetWindowTitle(fmt.Sprintf("%s - Current Zoom: %.2f", w.title, zoom))
	w.win.IMShow(mat)
	return nil
}

func (w *Window) Poll() (int, float64) {
	key := w.win.WaitKey(1)
	return key, float64(w.trackbar.GetPos()) / trackbarScale
}

func (w *Window) Close() error {
	return w.win.Close()
}
