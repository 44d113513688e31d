package detector

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pedestal/frame"
	"pedestal/vision"
)

// stubFrames は Latest が返すフレームを差し替えられる FrameReader
type stubFrames struct {
	mu sync.Mutex
	f  *frame.Frame
}

func (s *stubFrames) Latest() *frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f
}

func (s *stubFrames) set(f *frame.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.f = f
}

// levelComparator は 1x1 画像の輝度差だけで変化を判定する
type levelComparator struct{}

func (levelComparator) Process(img image.Image) (*image.Gray, error) {
	g, ok := img.(*image.Gray)
	if !ok {
		return nil, errors.New("unexpected image type")
	}
	return g, nil
}

func (levelComparator) Changed(baseline, processed *image.Gray) bool {
	return vision.CountDiff(baseline, processed, 50) > 0
}

func level(v uint8) *frame.Frame {
	return &frame.Frame{Image: vision.Fill(1, 1, color.Gray{Y: v})}
}

type recorder struct {
	mu          sync.Mutex
	transitions []string
	triggers    chan TriggerEvent
}

func newRecorder(d *Detector) *recorder {
	r := &recorder{triggers: make(chan TriggerEvent, 16)}
	d.OnStateChange(func(from, to State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.transitions = append(r.transitions, from.String()+"->"+to.String())
	})
	d.OnTrigger(func(ev TriggerEvent) {
		r.triggers <- ev
	})
	return r
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...)
}

func newTestDetector(t *testing.T, frames FrameReader, c Comparator, interval time.Duration) (*Detector, *MockClock) {
	t.Helper()
	clock := NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	d := New(frames, c, Options{Interval: interval, Clock: clock})
	require.NoError(t, d.Initialize(context.Background()))
	return d, clock
}

func TestDetector_EndToEndScenario(t *testing.T) {
	comparator, err := vision.NewComparator(0, 50, 0.05)
	require.NoError(t, err)

	background := &frame.Frame{Image: vision.Fill(320, 240, color.Gray{Y: 20})}
	object := &frame.Frame{Image: vision.Fill(320, 240, color.Gray{Y: 200})}

	frames := &stubFrames{f: background}
	d, clock := newTestDetector(t, frames, comparator, time.Second)
	rec := newRecorder(d)

	var sequence []*frame.Frame
	for i := 0; i < 5; i++ {
		sequence = append(sequence, background)
	}
	for i := 0; i < 5; i++ {
		sequence = append(sequence, object)
	}
	for i := 0; i < 3; i++ {
		sequence = append(sequence, object)
	}

	var states []State
	for _, f := range sequence {
		clock.Advance(200 * time.Millisecond)
		frames.set(f)
		require.NoError(t, d.Step())
		states = append(states, d.State())
	}

	want := []State{
		Idle, Idle, Idle, Idle, Idle,
		Changing, Changing, Changing, Changing, Changing,
		Detected, Detected, Detected,
	}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("state sequence mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"idle->changing", "changing->detected"}, rec.list())

	select {
	case ev := <-rec.triggers:
		assert.Same(t, object, ev.Image)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("trigger was not emitted")
	}
	select {
	case ev := <-rec.triggers:
		t.Fatalf("unexpected second trigger: %v", ev.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDetector_IdenticalFramesStayIdle(t *testing.T) {
	frames := &stubFrames{f: level(100)}
	d, clock := newTestDetector(t, frames, levelComparator{}, time.Second)
	rec := newRecorder(d)

	for i := 0; i < 50; i++ {
		clock.Advance(500 * time.Millisecond)
		require.NoError(t, d.Step())
		assert.Equal(t, Idle, d.State())
	}
	assert.Empty(t, rec.list())
}

func TestDetector_ReturnsToIdle(t *testing.T) {
	frames := &stubFrames{f: level(0)}
	d, clock := newTestDetector(t, frames, levelComparator{}, time.Second)

	clock.Advance(time.Second)
	frames.set(level(200))
	require.NoError(t, d.Step())
	require.Equal(t, Changing, d.State())

	// 物体が取り除かれた
	frames.set(level(0))
	clock.Advance(500 * time.Millisecond)
	require.NoError(t, d.Step())
	assert.Equal(t, Changing, d.State(), "debounce not elapsed")

	clock.Advance(500 * time.Millisecond)
	require.NoError(t, d.Step())
	assert.Equal(t, Idle, d.State())
}

func TestDetector_KeepsChangingWhileMoving(t *testing.T) {
	frames := &stubFrames{f: level(0)}
	d, clock := newTestDetector(t, frames, levelComparator{}, time.Second)
	rec := newRecorder(d)

	clock.Advance(time.Second)
	frames.set(level(100))
	require.NoError(t, d.Step())

	clock.Advance(time.Second)
	moved := level(200)
	frames.set(moved)
	require.NoError(t, d.Step())
	assert.Equal(t, Changing, d.State())

	clock.Advance(time.Second)
	require.NoError(t, d.Step())
	assert.Equal(t, Detected, d.State())

	select {
	case ev := <-rec.triggers:
		// 最後に Changing を更新したときのフレーム
		assert.Same(t, moved, ev.Image)
	case <-time.After(time.Second):
		t.Fatal("trigger was not emitted")
	}
}

func TestDetector_DetectedToChanging(t *testing.T) {
	frames := &stubFrames{f: level(0)}
	d, clock := newTestDetector(t, frames, levelComparator{}, time.Second)

	clock.Advance(time.Second)
	frames.set(level(100))
	require.NoError(t, d.Step())
	clock.Advance(time.Second)
	require.NoError(t, d.Step())
	require.Equal(t, Detected, d.State())

	// 静止している間は Detected のまま
	clock.Advance(time.Second)
	require.NoError(t, d.Step())
	assert.Equal(t, Detected, d.State())

	frames.set(level(250))
	clock.Advance(time.Second)
	require.NoError(t, d.Step())
	assert.Equal(t, Changing, d.State())
}

func TestDetector_MissingFrameIsNoop(t *testing.T) {
	frames := &stubFrames{f: level(0)}
	d, clock := newTestDetector(t, frames, levelComparator{}, time.Second)

	frames.set(nil)
	clock.Advance(10 * time.Second)
	require.NoError(t, d.Step())
	assert.Equal(t, Idle, d.State())

	// 処理できないフレームも同様
	frames.set(&frame.Frame{Image: image.NewRGBA(image.Rect(0, 0, 1, 1))})
	require.NoError(t, d.Step())
	assert.Equal(t, Idle, d.State())
}

// 任意の入力列に対して、直前の遷移から Interval 未満で遷移しないこと
func TestDetector_DebounceProperty(t *testing.T) {
	const interval = time.Second
	steps := []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 700 * time.Millisecond, 1100 * time.Millisecond}
	levels := []uint8{0, 0, 0, 100, 100, 200}

	run := func(seed int64) []State {
		rng := rand.New(rand.NewSource(seed))
		frames := &stubFrames{f: level(0)}
		d, clock := newTestDetector(t, frames, levelComparator{}, interval)

		last := clock.Now()
		var states []State
		for i := 0; i < 300; i++ {
			clock.Advance(steps[rng.Intn(len(steps))])
			frames.set(level(levels[rng.Intn(len(levels))]))
			before := d.State()
			require.NoError(t, d.Step())
			after := d.State()

			if before != after {
				if elapsed := clock.Now().Sub(last); elapsed < interval {
					t.Fatalf("seed %d step %d: transition %v->%v after %v", seed, i, before, after, elapsed)
				}
				last = clock.Now()
			}
			states = append(states, after)
		}
		return states
	}

	for seed := int64(1); seed <= 20; seed++ {
		first := run(seed)
		second := run(seed)
		if diff := cmp.Diff(first, second); diff != "" {
			t.Fatalf("seed %d: non-deterministic states (-first +second):\n%s", seed, diff)
		}
	}
}

func TestDetector_InitializeFailsWithoutFrames(t *testing.T) {
	d := New(&stubFrames{}, levelComparator{}, Options{
		Interval:           time.Second,
		SampleInterval:     time.Millisecond,
		BackgroundAttempts: 3,
	})
	err := d.Initialize(context.Background())
	assert.True(t, errors.Is(err, ErrNoBackground))
}

func TestDetector_InitializeSavesBackground(t *testing.T) {
	path := filepath.Join(t.TempDir(), "background.jpg")
	comparator, err := vision.NewComparator(0, 50, 0.05)
	require.NoError(t, err)

	frames := &stubFrames{f: &frame.Frame{Image: vision.Fill(64, 48, color.Gray{Y: 80})}}
	d := New(frames, comparator, Options{Interval: time.Second, BackgroundPath: path})
	require.NoError(t, d.Initialize(context.Background()))
	assert.FileExists(t, path)
}

func TestDetector_InitializeWaitsWarmup(t *testing.T) {
	clock := NewMockClock(time.Now())
	frames := &stubFrames{f: level(0)}
	d := New(frames, levelComparator{}, Options{Interval: time.Second, Warmup: 2 * time.Second, Clock: clock})

	done := make(chan error, 1)
	go func() { done <- d.Initialize(context.Background()) }()

	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("Initialize returned before warmup")
	default:
	}
	clock.Advance(2 * time.Second)
	require.NoError(t, <-done)
}

func TestDetector_RunStopsOnCancel(t *testing.T) {
	frames := &stubFrames{f: level(0)}
	d := New(frames, levelComparator{}, Options{Interval: time.Second, SampleInterval: time.Millisecond})
	require.NoError(t, d.Initialize(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Run(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "changing", Changing.String())
	assert.Equal(t, "detected", Detected.String())
	assert.Equal(t, "State(7)", State(7).String())
}
