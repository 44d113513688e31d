// Package playback はノード上で同時に 1 つの音声だけを再生するセッションを提供する。
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"pedestal/metrics"
)

// Stream は再生中の音声。Close でオーディオデバイスを解放する。
type Stream interface {
	// Done は再生が最後まで終わったときに閉じられる
	Done() <-chan struct{}
	Close() error
}

// Player はオーディオデバイスを開いて再生を開始する
type Player interface {
	Start(path string) (Stream, error)
}

// cancelToken は 1 回の再生ごとの中断フラグ
type cancelToken struct {
	cancelled atomic.Bool
}

func (t *cancelToken) cancel()          { t.cancelled.Store(true) }
func (t *cancelToken) isCancelled() bool { return t.cancelled.Load() }

type activePlayback struct {
	path     string
	token    *cancelToken
	released chan struct{}
}

// Options は Session の設定
type Options struct {
	// PollInterval は中断フラグを確認する間隔
	PollInterval time.Duration
	// GracePeriod は前の再生がデバイスを解放するのを待つ上限
	GracePeriod time.Duration
	Metrics     *metrics.Metrics
}

// Session は再生の切り替えを管理する。
// 新しい再生は前の再生を中断し、デバイスの解放を待ってから開始する。
type Session struct {
	player Player
	opts   Options

	// swapMu は「前の再生を止めて新しい再生を始める」区間を保護する
	swapMu  sync.Mutex
	mu      sync.Mutex
	current *activePlayback
}

func NewSession(player Player, opts Options) *Session {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = time.Second
	}
	return &Session{player: player, opts: opts}
}

// Play は path の再生を開始する。再生中の音声があれば中断してから開始する。
// 再生の開始を待って戻り、再生の終了は待たない。
func (s *Session) Play(path string) error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()

	preempted := false
	if prev != nil {
		select {
		case <-prev.released:
		default:
			preempted = true
			prev.token.cancel()
			select {
			case <-prev.released:
			case <-time.After(s.opts.GracePeriod):
				slog.Warn("前の再生がデバイスを解放しませんでした", "path", prev.path, "grace", s.opts.GracePeriod)
			}
		}
	}

	stream, err := s.player.Start(path)
	if err != nil {
		return fmt.Errorf("再生を開始できませんでした: %w", err)
	}

	p := &activePlayback{
		path:     path,
		token:    &cancelToken{},
		released: make(chan struct{}),
	}
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()

	s.opts.Metrics.RecordPlayback(preempted)
	slog.Info("再生を開始しました", "path", path, "preempted", preempted)

	go s.watch(p, stream)
	return nil
}

// watch は中断フラグを PollInterval ごとに確認し、中断か再生終了でデバイスを解放する
func (s *Session) watch(p *activePlayback, stream Stream) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	defer close(p.released)

	for {
		select {
		case <-stream.Done():
			if err := stream.Close(); err != nil {
				slog.Warn("オーディオデバイスの解放に失敗しました", "err", err)
			}
			slog.Debug("再生が終了しました", "path", p.path)
			return
		case <-ticker.C:
			if p.token.isCancelled() {
				if err := stream.Close(); err != nil {
					slog.Warn("オーディオデバイスの解放に失敗しました", "err", err)
				}
				slog.Info("再生を中断しました", "path", p.path)
				return
			}
		}
	}
}

// Active は再生中のファイルのパスを返す。再生していなければ空文字列。
func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	select {
	case <-s.current.released:
		return ""
	default:
		return s.current.path
	}
}

// Stop は再生中の音声を中断し、デバイスの解放を GracePeriod まで待つ
func (s *Session) Stop() error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()

	if prev == nil {
		return nil
	}
	prev.token.cancel()
	select {
	case <-prev.released:
		return nil
	case <-time.After(s.opts.GracePeriod):
		return errors.New("playback did not stop within grace period")
	}
}
