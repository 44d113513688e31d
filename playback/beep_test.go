package playback

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSpeaker はミキサーの代わりに追加されたストリーマを記録する
type fakeSpeaker struct {
	lock    sync.Mutex
	mu      sync.Mutex
	inits   []beep.SampleRate
	initErr error
	played  []beep.Streamer
}

func (s *fakeSpeaker) Init(rate beep.SampleRate, bufferSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits = append(s.inits, rate)
	return s.initErr
}

func (s *fakeSpeaker) Play(streamers ...beep.Streamer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played = append(s.played, streamers...)
}

func (s *fakeSpeaker) Lock()   { s.lock.Lock() }
func (s *fakeSpeaker) Unlock() { s.lock.Unlock() }

func (s *fakeSpeaker) initCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inits)
}

func (s *fakeSpeaker) streamer(i int) beep.Streamer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played[i]
}

// pull はミキサーと同じく speaker のロックを取ってから 1 バッファ分読む
func (s *fakeSpeaker) pull(st beep.Streamer) (int, bool) {
	s.Lock()
	defer s.Unlock()
	buf := make([][2]float64, 256)
	return st.Stream(buf)
}

// drain は終わるまで読み、読めたサンプル数を返す
func (s *fakeSpeaker) drain(t *testing.T, st beep.Streamer) int {
	t.Helper()
	total := 0
	for i := 0; i < 10_000; i++ {
		n, ok := s.pull(st)
		total += n
		if !ok {
			return total
		}
	}
	t.Fatal("stream did not end")
	return total
}

type toneStreamer struct {
	remaining int
	pos       int
	closed    atomic.Bool
}

func (s *toneStreamer) Stream(samples [][2]float64) (int, bool) {
	if s.remaining == 0 {
		return 0, false
	}
	n := min(len(samples), s.remaining)
	for i := range samples[:n] {
		samples[i] = [2]float64{0.5, 0.5}
	}
	s.remaining -= n
	s.pos += n
	return n, true
}

func (s *toneStreamer) Err() error       { return nil }
func (s *toneStreamer) Len() int         { return s.pos + s.remaining }
func (s *toneStreamer) Position() int    { return s.pos }
func (s *toneStreamer) Seek(p int) error { return nil }
func (s *toneStreamer) Close() error {
	s.closed.Store(true)
	return nil
}

type beepFixture struct {
	speaker   *fakeSpeaker
	player    *BeepPlayer
	mu        sync.Mutex
	streamers []*toneStreamer
	dir       string
}

func newBeepFixture(t *testing.T, rate beep.SampleRate, samples int) *beepFixture {
	fx := &beepFixture{speaker: &fakeSpeaker{}, dir: t.TempDir()}
	fx.player = newBeepPlayer(fx.speaker, func(rc io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) {
		_ = rc.Close()
		st := &toneStreamer{remaining: samples}
		fx.mu.Lock()
		fx.streamers = append(fx.streamers, st)
		fx.mu.Unlock()
		return st, beep.Format{SampleRate: rate, NumChannels: 2, Precision: 2}, nil
	})
	return fx
}

func (fx *beepFixture) file(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(fx.dir, name)
	require.NoError(t, os.WriteFile(path, []byte("mp3"), 0o644))
	return path
}

func (fx *beepFixture) tone(i int) *toneStreamer {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.streamers[i]
}

func TestBeepPlayer_InitializesSpeakerOnce(t *testing.T) {
	fx := newBeepFixture(t, DefaultSampleRate, 1000)

	for _, name := range []string{"a.mp3", "b.mp3", "c.mp3"} {
		s, err := fx.player.Start(fx.file(t, name))
		require.NoError(t, err, name)
		require.NoError(t, s.Close())
	}

	assert.Equal(t, 1, fx.speaker.initCount())
	assert.Equal(t, []beep.SampleRate{DefaultSampleRate}, fx.speaker.inits)
	assert.Len(t, fx.speaker.played, 3)
}

func TestBeepPlayer_CloseStopsOnlyItsOwnStream(t *testing.T) {
	fx := newBeepFixture(t, DefaultSampleRate, 100_000)

	first, err := fx.player.Start(fx.file(t, "a.mp3"))
	require.NoError(t, err)
	second, err := fx.player.Start(fx.file(t, "b.mp3"))
	require.NoError(t, err)

	require.NoError(t, first.Close())
	require.NoError(t, first.Close(), "Close is idempotent")

	n, ok := fx.speaker.pull(fx.speaker.streamer(0))
	assert.False(t, ok, "closed stream leaves the mixer")
	assert.Zero(t, n)
	assert.True(t, fx.tone(0).closed.Load())

	n, ok = fx.speaker.pull(fx.speaker.streamer(1))
	assert.True(t, ok, "other stream keeps playing")
	assert.Equal(t, 256, n)
	assert.False(t, fx.tone(1).closed.Load())

	require.NoError(t, second.Close())
}

func TestBeepPlayer_DoneAfterStreamEnds(t *testing.T) {
	fx := newBeepFixture(t, DefaultSampleRate, 1000)

	s, err := fx.player.Start(fx.file(t, "a.mp3"))
	require.NoError(t, err)

	select {
	case <-s.Done():
		t.Fatal("done before the mixer consumed the stream")
	default:
	}

	assert.Equal(t, 1000, fx.speaker.drain(t, fx.speaker.streamer(0)))
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("done was not closed")
	}
	require.NoError(t, s.Close())
}

func TestBeepPlayer_ResamplesOtherRates(t *testing.T) {
	fx := newBeepFixture(t, 22050, 2000)

	s, err := fx.player.Start(fx.file(t, "a.mp3"))
	require.NoError(t, err)

	total := fx.speaker.drain(t, fx.speaker.streamer(0))
	// 22050Hz → 44100Hz でサンプル数はおよそ 2 倍になる
	assert.Greater(t, total, 3000)
	<-s.Done()
	assert.Equal(t, []beep.SampleRate{DefaultSampleRate}, fx.speaker.inits)
}

func TestBeepPlayer_InitFailureIsRetried(t *testing.T) {
	fx := newBeepFixture(t, DefaultSampleRate, 1000)
	fx.speaker.initErr = errors.New("no audio device")

	_, err := fx.player.Start(fx.file(t, "a.mp3"))
	require.Error(t, err)
	assert.True(t, fx.tone(0).closed.Load(), "decoded file is released")

	fx.speaker.mu.Lock()
	fx.speaker.initErr = nil
	fx.speaker.mu.Unlock()

	_, err = fx.player.Start(fx.file(t, "b.mp3"))
	require.NoError(t, err)
	assert.Equal(t, 2, fx.speaker.initCount())
}

func TestBeepPlayer_MissingFile(t *testing.T) {
	fx := newBeepFixture(t, DefaultSampleRate, 1000)

	_, err := fx.player.Start(filepath.Join(fx.dir, "missing.mp3"))
	require.Error(t, err)
	assert.Zero(t, fx.speaker.initCount())
}

// Session 経由で A の再生中に B を始めると、A だけが止まって B は鳴り続ける
func TestSession_PreemptionWithBeepPlayer(t *testing.T) {
	fx := newBeepFixture(t, DefaultSampleRate, 1_000_000)
	session := NewSession(fx.player, Options{PollInterval: 5 * time.Millisecond, GracePeriod: time.Second})

	require.NoError(t, session.Play(fx.file(t, "a.mp3")))
	b := fx.file(t, "b.mp3")
	require.NoError(t, session.Play(b))

	assert.Equal(t, b, session.Active())
	assert.Equal(t, 1, fx.speaker.initCount())

	_, ok := fx.speaker.pull(fx.speaker.streamer(0))
	assert.False(t, ok)
	assert.True(t, fx.tone(0).closed.Load())

	_, ok = fx.speaker.pull(fx.speaker.streamer(1))
	assert.True(t, ok)

	require.NoError(t, session.Stop())
	assert.True(t, fx.tone(1).closed.Load())
}
