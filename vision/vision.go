// Package vision はフレームの切り出しと、基準画像との差分判定を行う。
package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
)

// ErrNegativeZoom はズーム値が負の場合のエラー
var ErrNegativeZoom = errors.New("zoom must be non-negative")

const (
	// BaselineSize は比較用画像の一辺のピクセル数
	BaselineSize = 224
	// blurSigma は 15x15 のガウシアンカーネル相当のぼかし量
	blurSigma = 2.6
)

// CenterSquare は画像の中央から短辺を一辺とする正方形を切り出す
func CenterSquare(img image.Image) image.Image {
	b := img.Bounds()
	size := min(b.Dx(), b.Dy())
	return imaging.CropCenter(img, size, size)
}

// Zoom は正方形画像の中央をデジタルズームする。
// 倍率は 1 + zoom/10 で、zoom が 0 なら元の画像をそのまま返す。
func Zoom(img image.Image, zoom float64) (image.Image, error) {
	if zoom < 0 {
		return nil, ErrNegativeZoom
	}
	if zoom == 0 {
		return img, nil
	}
	b := img.Bounds()
	size := min(b.Dx(), b.Dy())
	ratio := 1 + zoom/10
	zoomed := int(float64(size) / ratio)
	if zoomed < 1 {
		zoomed = 1
	}
	return imaging.CropCenter(img, zoomed, zoomed), nil
}

// Crop は CenterSquare と Zoom を続けて適用する
func Crop(img image.Image, zoom float64) (image.Image, error) {
	return Zoom(CenterSquare(img), zoom)
}

// Preprocess は比較用の基準画像を作る (切り出し、グレースケール、224x224 へ縮小、ぼかし)
func Preprocess(img image.Image, zoom float64) (*image.Gray, error) {
	cropped, err := Crop(img, zoom)
	if err != nil {
		return nil, err
	}
	gray := imaging.Grayscale(cropped)
	resized := imaging.Resize(gray, BaselineSize, BaselineSize, imaging.Linear)
	blurred := imaging.Blur(resized, blurSigma)
	return toGray(blurred), nil
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

// CountDiff は |a-b| が threshold を超える画素の数を返す。
// サイズが異なる場合はすべての画素が変化したものとみなす。
func CountDiff(a, b *image.Gray, threshold uint8) int {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return max(ab.Dx()*ab.Dy(), bb.Dx()*bb.Dy())
	}
	count := 0
	for y := 0; y < ab.Dy(); y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+ab.Dx()]
		rb := b.Pix[y*b.Stride : y*b.Stride+bb.Dx()]
		for x := range ra {
			d := int(ra[x]) - int(rb[x])
			if d < 0 {
				d = -d
			}
			if d > int(threshold) {
				count++
			}
		}
	}
	return count
}

// Comparator はフレームを基準画像と比較する
type Comparator struct {
	Zoom           float64
	PixelThreshold uint8
	// ChangeRatio は変化ありとみなす画素数の全体に対する割合
	ChangeRatio float64
}

func NewComparator(zoom float64, pixelThreshold int, changeRatio float64) (*Comparator, error) {
	if zoom < 0 {
		return nil, ErrNegativeZoom
	}
	if pixelThreshold < 0 || pixelThreshold > 255 {
		return nil, fmt.Errorf("pixel threshold out of range: %d", pixelThreshold)
	}
	return &Comparator{Zoom: zoom, PixelThreshold: uint8(pixelThreshold), ChangeRatio: changeRatio}, nil
}

// Process はフレームを比較用の画像に変換する
func (c *Comparator) Process(img image.Image) (*image.Gray, error) {
	return Preprocess(img, c.Zoom)
}

// Changed は processed が baseline から変化しているかを判定する。
// センサーノイズを許容するため、しきい値を超えた画素が全体の ChangeRatio を超えた場合のみ真。
func (c *Comparator) Changed(baseline, processed *image.Gray) bool {
	b := processed.Bounds()
	total := b.Dx() * b.Dy()
	return float64(CountDiff(baseline, processed, c.PixelThreshold)) > c.ChangeRatio*float64(total)
}

// Compare は Process と Changed をまとめて行う
func (c *Comparator) Compare(img image.Image, baseline *image.Gray) (bool, *image.Gray, error) {
	processed, err := c.Process(img)
	if err != nil {
		return false, nil, err
	}
	return c.Changed(baseline, processed), processed, nil
}

// EncodeForUpload は画像を切り出して scale 倍に縮小し、JPEG にエンコードする
func EncodeForUpload(img image.Image, zoom, scale float64) ([]byte, error) {
	cropped, err := Crop(img, zoom)
	if err != nil {
		return nil, err
	}
	if scale > 0 && scale != 1 {
		b := cropped.Bounds()
		w := max(1, int(float64(b.Dx())*scale))
		h := max(1, int(float64(b.Dy())*scale))
		cropped = imaging.Resize(cropped, w, h, imaging.Linear)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, cropped, imaging.JPEG); err != nil {
		return nil, fmt.Errorf("JPEG エンコードに失敗しました: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveBaseline は基準画像をファイルに保存する (拡張子で形式を決める)
func SaveBaseline(path string, img *image.Gray) error {
	return imaging.Save(img, path)
}

// Fill は単色のグレースケール画像を作る (テスト用の合成フレームなど)
func Fill(w, h int, c color.Gray) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for i := range g.Pix {
		g.Pix[i] = c.Y
	}
	return g
}
