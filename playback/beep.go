package playback

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
)

// DefaultSampleRate はスピーカーを初期化するサンプルレート。
// これと異なるレートのファイルはリサンプリングして再生する。
const DefaultSampleRate beep.SampleRate = 44100

// resampleQuality は beep.Resample の品質 (1-64)
const resampleQuality = 4

// speakerDevice は speaker パッケージの操作。テストで差し替える。
type speakerDevice interface {
	Init(rate beep.SampleRate, bufferSize int) error
	Play(s ...beep.Streamer)
	Lock()
	Unlock()
}

type systemSpeaker struct{}

func (systemSpeaker) Init(rate beep.SampleRate, bufferSize int) error {
	return speaker.Init(rate, bufferSize)
}
func (systemSpeaker) Play(s ...beep.Streamer) { speaker.Play(s...) }
func (systemSpeaker) Lock()                   { speaker.Lock() }
func (systemSpeaker) Unlock()                 { speaker.Unlock() }

type decodeFunc func(rc io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error)

// BeepPlayer は MP3 をスピーカーで再生する Player。
// speaker はプロセス全体で 1 つなので、最初の Start で一度だけ初期化し、
// 以降は各ストリームを自分の beep.Ctrl 経由でミキサーに追加する。
type BeepPlayer struct {
	// BufferDuration はスピーカーのバッファ長
	BufferDuration time.Duration
	// SampleRate はスピーカーの出力サンプルレート
	SampleRate beep.SampleRate

	device speakerDevice
	decode decodeFunc

	mu          sync.Mutex
	initialized bool
}

func NewBeepPlayer() *BeepPlayer {
	return newBeepPlayer(systemSpeaker{}, mp3.Decode)
}

func newBeepPlayer(device speakerDevice, decode decodeFunc) *BeepPlayer {
	return &BeepPlayer{
		BufferDuration: 100 * time.Millisecond,
		SampleRate:     DefaultSampleRate,
		device:         device,
		decode:         decode,
	}
}

// initSpeaker は speaker を一度だけ初期化する。失敗した場合は次の Start で再試行する。
func (p *BeepPlayer) initSpeaker() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	if err := p.device.Init(p.SampleRate, p.SampleRate.N(p.BufferDuration)); err != nil {
		return fmt.Errorf("スピーカーを初期化できませんでした: %w", err)
	}
	p.initialized = true
	return nil
}

func (p *BeepPlayer) Start(path string) (Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	streamer, format, err := p.decode(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("MP3 をデコードできませんでした: %w", err)
	}
	if err := p.initSpeaker(); err != nil {
		_ = streamer.Close()
		return nil, err
	}

	var src beep.Streamer = streamer
	if format.SampleRate != p.SampleRate {
		src = beep.Resample(resampleQuality, format.SampleRate, p.SampleRate, streamer)
	}

	s := &beepStream{device: p.device, streamer: streamer, done: make(chan struct{})}
	s.ctrl = &beep.Ctrl{Streamer: beep.Seq(src, beep.Callback(s.finish))}
	p.device.Play(s.ctrl)
	return s, nil
}

type beepStream struct {
	device   speakerDevice
	streamer beep.StreamSeekCloser
	ctrl     *beep.Ctrl
	done     chan struct{}

	doneOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// finish はミキサーのゴルーチンから呼ばれる
func (s *beepStream) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *beepStream) Done() <-chan struct{} {
	return s.done
}

// Close はこのストリームだけをミキサーから外し、ファイルを閉じる。
// 他のストリームとスピーカーはそのまま。
func (s *beepStream) Close() error {
	s.closeOnce.Do(func() {
		s.device.Lock()
		s.ctrl.Streamer = nil
		s.device.Unlock()
		s.closeErr = s.streamer.Close()
	})
	return s.closeErr
}
