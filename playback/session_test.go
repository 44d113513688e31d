package playback

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlayer は同時に開かれているデバイスの数を数える
type fakePlayer struct {
	mu        sync.Mutex
	open      int
	maxOpen   int
	started   []string
	streams   map[string]*fakeStream
	failPaths map[string]bool
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{streams: make(map[string]*fakeStream), failPaths: make(map[string]bool)}
}

func (p *fakePlayer) Start(path string) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPaths[path] {
		return nil, errors.New("cannot open")
	}
	p.open++
	if p.open > p.maxOpen {
		p.maxOpen = p.open
	}
	p.started = append(p.started, path)
	s := &fakeStream{player: p, done: make(chan struct{})}
	p.streams[path] = s
	return s, nil
}

func (p *fakePlayer) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

type fakeStream struct {
	player *fakePlayer
	done   chan struct{}
	closed atomic.Bool
}

func (s *fakeStream) Done() <-chan struct{} { return s.done }

func (s *fakeStream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.player.mu.Lock()
		s.player.open--
		s.player.mu.Unlock()
	}
	return nil
}

// finish は最後まで再生し終えたことにする
func (s *fakeStream) finish() { close(s.done) }

func newTestSession(p Player) *Session {
	return NewSession(p, Options{PollInterval: 5 * time.Millisecond, GracePeriod: time.Second})
}

func TestSession_PreemptsPreviousPlayback(t *testing.T) {
	player := newFakePlayer()
	s := newTestSession(player)

	require.NoError(t, s.Play("a.mp3"))
	require.NoError(t, s.Play("b.mp3"))

	assert.Equal(t, "b.mp3", s.Active())
	assert.True(t, player.streams["a.mp3"].closed.Load(), "a should be stopped before b starts")
	assert.False(t, player.streams["b.mp3"].closed.Load())
	assert.Equal(t, 1, player.openCount())
	assert.Equal(t, 1, player.maxOpen)
	assert.Equal(t, []string{"a.mp3", "b.mp3"}, player.started)
}

func TestSession_ManyRapidPlays(t *testing.T) {
	player := newFakePlayer()
	s := newTestSession(player)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Play(string(rune('a'+i)) + ".mp3")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, player.maxOpen)
	assert.Equal(t, 1, player.openCount())
	assert.NotEmpty(t, s.Active())
}

func TestSession_NaturalEnd(t *testing.T) {
	player := newFakePlayer()
	s := newTestSession(player)

	require.NoError(t, s.Play("a.mp3"))
	player.streams["a.mp3"].finish()

	require.Eventually(t, func() bool { return s.Active() == "" }, time.Second, time.Millisecond)
	assert.Equal(t, 0, player.openCount())

	// 終了後の再生は中断扱いにならない
	require.NoError(t, s.Play("b.mp3"))
	assert.Equal(t, "b.mp3", s.Active())
}

func TestSession_StartError(t *testing.T) {
	player := newFakePlayer()
	player.failPaths["broken.mp3"] = true
	s := newTestSession(player)

	require.NoError(t, s.Play("a.mp3"))
	assert.Error(t, s.Play("broken.mp3"))
	// 失敗しても前の再生は止まっている
	assert.Equal(t, "", s.Active())
	assert.Equal(t, 0, player.openCount())
}

func TestSession_Stop(t *testing.T) {
	player := newFakePlayer()
	s := newTestSession(player)

	assert.NoError(t, s.Stop())
	require.NoError(t, s.Play("a.mp3"))
	require.NoError(t, s.Stop())
	assert.Equal(t, "", s.Active())
	assert.Equal(t, 0, player.openCount())
}

// stuckStream は Close しても解放されないストリーム
type stuckPlayer struct{ starts atomic.Int32 }

type stuckStream struct{ done chan struct{} }

func (p *stuckPlayer) Start(path string) (Stream, error) {
	p.starts.Add(1)
	return &stuckStream{done: make(chan struct{})}, nil
}

func (s *stuckStream) Done() <-chan struct{} { return s.done }
func (s *stuckStream) Close() error {
	time.Sleep(200 * time.Millisecond)
	return nil
}

func TestSession_GracePeriodIsBounded(t *testing.T) {
	player := &stuckPlayer{}
	s := NewSession(player, Options{PollInterval: time.Millisecond, GracePeriod: 20 * time.Millisecond})

	require.NoError(t, s.Play("a.mp3"))
	start := time.Now()
	require.NoError(t, s.Play("b.mp3"))
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, int32(2), player.starts.Load())
}
