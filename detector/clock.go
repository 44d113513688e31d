package detector

import (
	"sync"
	"time"
)

// Clock は時刻関連の操作を抽象化する
type Clock interface {
	Now() time.Time
	// After は d 経過後に現在時刻を送るチャネルを返す
	After(d time.Duration) <-chan time.Time
}

// RealClock は実時間を使う Clock
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// MockClock はテスト用の Clock。Advance を呼ぶまで時間は進まない。
type MockClock struct {
	mu      sync.Mutex
	timers  []*mockTimer
	nowTime time.Time
}

type mockTimer struct {
	deadline time.Time
	ch       chan time.Time
	fired    bool
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{nowTime: start}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nowTime
}

func (m *MockClock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	m.timers = append(m.timers, &mockTimer{deadline: m.nowTime.Add(d), ch: ch})
	m.checkTimers()
	return ch
}

// Advance は時刻を d 進め、期限を過ぎたタイマーを発火させる
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nowTime = m.nowTime.Add(d)
	m.checkTimers()
}

// Pending はまだ発火していないタイマーの数を返す
func (m *MockClock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.fired {
			n++
		}
	}
	return n
}

func (m *MockClock) checkTimers() {
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if !timer.fired && !m.nowTime.Before(timer.deadline) {
			timer.fired = true
			timer.ch <- m.nowTime
			close(timer.ch)
		}
		if !timer.fired {
			remaining = append(remaining, timer)
		}
	}
	m.timers = remaining
}
