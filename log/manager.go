package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// LogManager はロガーの生成、slog の既定ハンドラ設定、SIGHUP によるローテーションをまとめて行う
type LogManager struct {
	logger   *Logger
	rotateCh chan os.Signal
	done     chan struct{}
}

// Options は LogManager の設定です
type Options struct {
	Filename string
	Debug    bool
	// Wrap は slog ハンドラを差し替える (モニタへのブロードキャストなど)
	Wrap func(slog.Handler) slog.Handler
}

func NewLogManager(opts Options) (*LogManager, error) {
	logger, err := NewLogger(opts.Filename)
	if err != nil {
		return nil, err
	}
	if opts.Debug {
		logger.SetEcho(os.Stderr)
	}
	SetLogger(logger)

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	var handler slog.Handler = NewHandler(logger, level)
	if opts.Wrap != nil {
		handler = opts.Wrap(handler)
	}
	slog.SetDefault(slog.New(handler))

	lm := &LogManager{
		logger:   logger,
		rotateCh: make(chan os.Signal, 1),
		done:     make(chan struct{}),
	}

	// ログローテーション用のシグナルハンドリング (SIGHUP)
	signal.Notify(lm.rotateCh, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-lm.rotateCh:
				fmt.Fprintln(os.Stderr, "SIGHUPを受信しました。ログファイルをローテーションします...")
				logger.Log("SIGHUPを受信しました。ログファイルをローテーションします...")
				if err := logger.Rotate(); err != nil {
					_, _ = fmt.Fprintf(os.Stderr, "ログローテーションエラー: %v\n", err)
				}
			case <-lm.done:
				return
			}
		}
	}()

	return lm, nil
}

// NewHandler は w に書き出すテキスト形式の slog ハンドラを返す
func NewHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
}

func (lm *LogManager) Logger() *Logger {
	return lm.logger
}

func (lm *LogManager) Close() error {
	signal.Stop(lm.rotateCh)
	close(lm.done)
	// ログファイルを閉じる
	SetLogger(nil)
	lm.logger.Close()
	return nil
}
