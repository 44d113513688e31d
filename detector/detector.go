// Package detector は背景画像との比較によって、物体が置かれて静止したことを検出する。
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"pedestal/frame"
	"pedestal/metrics"
	"pedestal/vision"
)

// ErrNoBackground は起動時に背景フレームを取得できなかった場合のエラー
var ErrNoBackground = errors.New("failed to capture background frame")

// State は検出状態
type State int

const (
	Idle State = iota
	Changing
	Detected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Changing:
		return "changing"
	case Detected:
		return "detected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TriggerEvent は検出が確定したときに 1 回だけ発行される
type TriggerEvent struct {
	ID        string
	Image     *frame.Frame
	CreatedAt time.Time
}

// FrameReader は最新フレームを返す (frame.Buffer)
type FrameReader interface {
	Latest() *frame.Frame
}

// Comparator はフレームを比較用画像に変換し、変化を判定する (vision.Comparator)
type Comparator interface {
	Process(img image.Image) (*image.Gray, error)
	Changed(baseline, processed *image.Gray) bool
}

var _ Comparator = (*vision.Comparator)(nil)

// Options は Detector の設定
type Options struct {
	// Interval は状態遷移のデバウンス時間。直前の遷移からこの時間が経過するまで遷移しない。
	Interval time.Duration
	// SampleInterval は Run でのサンプリング間隔
	SampleInterval time.Duration
	// Warmup は背景取得前の待ち時間 (ライブビューの安定待ち)
	Warmup time.Duration
	// BackgroundAttempts は背景取得の試行回数
	BackgroundAttempts int
	// BackgroundPath が空でなければ背景画像を保存する
	BackgroundPath string

	Clock   Clock
	Metrics *metrics.Metrics
}

// Detector は Idle / Changing / Detected の状態機械
type Detector struct {
	frames FrameReader
	cmp    Comparator
	opts   Options
	clock  Clock

	mu             sync.Mutex
	state          State
	background     *image.Gray
	lastFrame      *image.Gray
	lastImage      *frame.Frame
	lastTransition time.Time

	onTrigger     func(TriggerEvent)
	onStateChange func(from, to State)
}

func New(frames FrameReader, cmp Comparator, opts Options) *Detector {
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.BackgroundAttempts <= 0 {
		opts.BackgroundAttempts = 20
	}
	return &Detector{
		frames: frames,
		cmp:    cmp,
		opts:   opts,
		clock:  opts.Clock,
		state:  Idle,
	}
}

// OnTrigger は検出確定時に呼ばれる関数を設定する。関数は別の goroutine で呼ばれる。
func (d *Detector) OnTrigger(fn func(TriggerEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onTrigger = fn
}

// OnStateChange は状態遷移時に呼ばれる関数を設定する。Step と同じ goroutine で呼ばれる。
func (d *Detector) OnStateChange(fn func(from, to State)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onStateChange = fn
}

func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Initialize はウォームアップ後に背景フレームを取得する。
// BackgroundAttempts 回試してもフレームが得られなければ ErrNoBackground を返す。
func (d *Detector) Initialize(ctx context.Context) error {
	if d.opts.Warmup > 0 {
		slog.Info("ライブビューの安定を待っています", "warmup", d.opts.Warmup)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clock.After(d.opts.Warmup):
		}
	}

	var background *image.Gray
	for attempt := 1; attempt <= d.opts.BackgroundAttempts; attempt++ {
		if f := d.frames.Latest(); f != nil {
			processed, err := d.cmp.Process(f.Image)
			if err == nil {
				background = processed
				break
			}
			slog.Warn("背景フレームの処理に失敗しました", "attempt", attempt, "err", err)
		}
		if attempt == d.opts.BackgroundAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clock.After(d.sampleInterval()):
		}
	}
	if background == nil {
		return fmt.Errorf("%w after %d attempts", ErrNoBackground, d.opts.BackgroundAttempts)
	}

	if d.opts.BackgroundPath != "" {
		if err := vision.SaveBaseline(d.opts.BackgroundPath, background); err != nil {
			slog.Warn("背景画像を保存できませんでした", "path", d.opts.BackgroundPath, "err", err)
		}
	}

	d.mu.Lock()
	d.background = background
	d.lastFrame = nil
	d.lastImage = nil
	d.state = Idle
	d.lastTransition = d.clock.Now()
	d.mu.Unlock()

	slog.Info("背景フレームを取得しました")
	return nil
}

func (d *Detector) sampleInterval() time.Duration {
	if d.opts.SampleInterval > 0 {
		return d.opts.SampleInterval
	}
	return 50 * time.Millisecond
}

// Run は ctx がキャンセルされるまでサンプリングを続ける
func (d *Detector) Run(ctx context.Context) error {
	slog.Info("検出ループを開始します", "interval", d.opts.Interval, "sample", d.sampleInterval())
	for {
		select {
		case <-ctx.Done():
			slog.Info("検出ループを終了します")
			return ctx.Err()
		case <-d.clock.After(d.sampleInterval()):
			if err := d.Step(); err != nil {
				return err
			}
		}
	}
}

// Step は最新フレームを 1 回サンプリングして状態を更新する。
// フレームがない場合や処理に失敗した場合は何もしない (状態もタイマーも変えない)。
func (d *Detector) Step() error {
	f := d.frames.Latest()
	if f == nil {
		d.opts.Metrics.RecordSample("skipped")
		return nil
	}
	processed, err := d.cmp.Process(f.Image)
	if err != nil {
		slog.Debug("フレームの処理に失敗したためスキップします", "err", err)
		d.opts.Metrics.RecordSample("skipped")
		return nil
	}

	d.mu.Lock()
	if d.background == nil {
		d.mu.Unlock()
		return ErrNoBackground
	}

	now := d.clock.Now()
	elapsed := now.Sub(d.lastTransition) >= d.opts.Interval
	from := d.state
	var trigger *TriggerEvent

	switch d.state {
	case Idle:
		if d.cmp.Changed(d.background, processed) && elapsed {
			d.enterChanging(now, processed, f)
		}
	case Changing:
		if !elapsed {
			break
		}
		switch {
		case !d.cmp.Changed(d.background, processed):
			// 元の状態に戻った
			d.state = Idle
			d.lastTransition = now
		case !d.cmp.Changed(d.lastFrame, processed):
			d.state = Detected
			d.lastTransition = now
			trigger = &TriggerEvent{ID: uuid.NewString(), Image: d.lastImage, CreatedAt: now}
		default:
			// まだ動いている
			d.enterChanging(now, processed, f)
		}
	case Detected:
		if !elapsed {
			break
		}
		if d.cmp.Changed(d.lastFrame, processed) {
			d.enterChanging(now, processed, f)
		} else {
			d.lastTransition = now
		}
	}

	to := d.state
	onState := d.onStateChange
	onTrigger := d.onTrigger
	d.mu.Unlock()

	if from != to {
		d.opts.Metrics.RecordSample("transition")
		d.opts.Metrics.RecordTransition(from.String(), to.String(), int(to))
		slog.Info("状態遷移", "from", from, "to", to)
		if onState != nil {
			onState(from, to)
		}
	} else {
		d.opts.Metrics.RecordSample("steady")
	}

	if trigger != nil {
		d.opts.Metrics.RecordTrigger()
		slog.Info("検出を確定しました", "event", trigger.ID)
		if onTrigger != nil {
			go onTrigger(*trigger)
		}
	}
	return nil
}

// enterChanging は lastFrame と、そのときの元画像を記録して Changing にする。ロックを保持して呼ぶこと。
func (d *Detector) enterChanging(now time.Time, processed *image.Gray, raw *frame.Frame) {
	d.state = Changing
	d.lastTransition = now
	d.lastFrame = processed
	d.lastImage = raw
}
