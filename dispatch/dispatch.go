// Package dispatch は検出イベントを受け取り、ターゲットごとに文章と音声を生成して
// ローカルで再生するか、リモートのノードに送信する。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"pedestal/content"
	"pedestal/detector"
	"pedestal/metrics"
	"pedestal/vision"
)

// Mode は生成物の出力先
type Mode string

const (
	// ModeLocal はこのノードで再生、印刷する
	ModeLocal Mode = "local"
	// ModeDetached はターゲット名のノードに送信する
	ModeDetached Mode = "detached"
)

// Output はターゲットの出力の種類
type Output string

const (
	OutputAudio Output = "audio"
	OutputPrint Output = "print"
)

// Target はイベント 1 回あたりの出力 1 つ
type Target struct {
	Kind   content.Kind
	Output Output
	// Device は送信先のデバイス名 (detached モード)
	Device string
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%s@%s", t.Output, t.Kind, t.Device)
}

// TargetError はターゲット 1 つの処理の失敗。他のターゲットと検出ループには影響しない。
type TargetError struct {
	Target Target
	Stage  string
	Err    error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("target %s failed at %s: %v", e.Target, e.Stage, e.Err)
}

func (e *TargetError) Unwrap() error {
	return e.Err
}

// Player はローカルの音声再生 (playback.Session)
type Player interface {
	Play(path string) error
}

// Printer はローカルの印刷 (printer.Session)
type Printer interface {
	Print(text string) error
}

// Remote はリモートノードへの送信 (protocol.Client)
type Remote interface {
	SendFilePath(ctx context.Context, addr, path string) error
	PrintText(ctx context.Context, addr, text string) error
	PlayIntro(ctx context.Context, addr string) error
}

// Resolver はデバイス名を接続先アドレスに変換する (devices.Table)
type Resolver interface {
	Resolve(name string, port int) (string, error)
}

// Observer はターゲットごとの結果を受け取る (モニタへの通知など)
type Observer interface {
	DispatchFinished(eventID string, target string, err error)
}

// Options は Dispatcher の設定
type Options struct {
	Mode      Mode
	HighSync  bool
	Playlist  []content.Kind
	PrintList []content.Kind

	Intro     bool
	IntroPath string

	Zoom        float64
	UploadScale float64

	Port          int
	PrinterDevice string
}

// Dispatcher はトリガーイベントを各ターゲットに配信する
type Dispatcher struct {
	opts    Options
	targets []Target

	gen   content.Generator
	synth content.Synthesizer

	player  Player
	printer Printer

	remote   Remote
	resolver Resolver

	metrics  *metrics.Metrics
	observer Observer
}

// Deps は Dispatcher が使う外部コンポーネント
type Deps struct {
	Generator   content.Generator
	Synthesizer content.Synthesizer
	// Player, Printer は local モードで使う
	Player  Player
	Printer Printer
	// Remote, Resolver は detached モードで使う
	Remote   Remote
	Resolver Resolver
	Metrics  *metrics.Metrics
	Observer Observer
}

// New は設定を検証して Dispatcher を作成する
func New(opts Options, deps Deps) (*Dispatcher, error) {
	if len(opts.Playlist) == 0 && len(opts.PrintList) == 0 {
		return nil, errors.New("playlist and print list are both empty")
	}
	if opts.Zoom < 0 {
		return nil, vision.ErrNegativeZoom
	}
	if deps.Generator == nil {
		return nil, errors.New("content generator is required")
	}
	if len(opts.Playlist) > 0 && deps.Synthesizer == nil {
		return nil, errors.New("speech synthesizer is required for the audio playlist")
	}
	switch opts.Mode {
	case ModeLocal:
		if len(opts.Playlist) > 0 && deps.Player == nil {
			return nil, errors.New("local mode requires a player")
		}
		if len(opts.PrintList) > 0 && deps.Printer == nil {
			return nil, errors.New("local mode requires a printer for the print list")
		}
	case ModeDetached:
		if deps.Remote == nil || deps.Resolver == nil {
			return nil, errors.New("detached mode requires a remote client and a device table")
		}
	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", opts.Mode)
	}
	if opts.UploadScale <= 0 {
		opts.UploadScale = 0.5
	}

	d := &Dispatcher{
		opts:     opts,
		gen:      deps.Generator,
		synth:    deps.Synthesizer,
		player:   deps.Player,
		printer:  deps.Printer,
		remote:   deps.Remote,
		resolver: deps.Resolver,
		metrics:  deps.Metrics,
		observer: deps.Observer,
	}
	for _, k := range opts.Playlist {
		d.targets = append(d.targets, Target{Kind: k, Output: OutputAudio, Device: string(k)})
	}
	for _, k := range opts.PrintList {
		d.targets = append(d.targets, Target{Kind: k, Output: OutputPrint, Device: opts.PrinterDevice})
	}

	if opts.Mode == ModeDetached {
		// 起動時に全ターゲットのデバイス名が解決できることを確認する
		for _, t := range d.targets {
			if _, err := deps.Resolver.Resolve(t.Device, opts.Port); err != nil {
				return nil, fmt.Errorf("target %s: %w", t, err)
			}
		}
	}
	return d, nil
}

// Targets は配信先の一覧を返す (audio のプレイリスト順、続いて印刷リスト順)
func (d *Dispatcher) Targets() []Target {
	return append([]Target(nil), d.targets...)
}

// Handle は detector.Detector.OnTrigger に渡すためのハンドラ。失敗はログに記録するだけ。
func (d *Dispatcher) Handle(ev detector.TriggerEvent) {
	ctx := context.Background()
	if err := d.Dispatch(ctx, ev); err != nil {
		slog.Error("イベントの配信に失敗したターゲットがあります", "event", ev.ID, "err", err)
	}
}

// Dispatch はイベント 1 つを全ターゲットに配信し、失敗したターゲットのエラーをまとめて返す。
// 失敗は再試行せず、そのターゲットの処理だけを打ち切る。
func (d *Dispatcher) Dispatch(ctx context.Context, ev detector.TriggerEvent) error {
	if ev.Image == nil {
		return errors.New("trigger event has no image")
	}
	start := time.Now()
	jpeg, err := vision.EncodeForUpload(ev.Image.Image, d.opts.Zoom, d.opts.UploadScale)
	if err != nil {
		return fmt.Errorf("画像の準備に失敗しました: %w", err)
	}
	slog.Info("イベントを配信します", "event", ev.ID, "targets", len(d.targets), "mode", d.opts.Mode, "highSync", d.opts.HighSync, "jpegBytes", len(jpeg))

	d.playIntro(ctx)

	var errs []error
	if d.opts.HighSync {
		errs = d.dispatchHighSync(ctx, ev.ID, jpeg)
	} else {
		errs = d.dispatchInterleaved(ctx, ev.ID, jpeg)
	}
	slog.Info("イベントの配信が完了しました", "event", ev.ID, "failed", len(errs), "elapsed", time.Since(start))
	return errors.Join(errs...)
}

// playIntro は最初のオーディオターゲットでイントロを再生する。完了は待たない。
func (d *Dispatcher) playIntro(ctx context.Context) {
	if !d.opts.Intro || len(d.opts.Playlist) == 0 {
		return
	}
	first := d.targets[0]
	go func() {
		var err error
		switch d.opts.Mode {
		case ModeDetached:
			var addr string
			addr, err = d.resolver.Resolve(first.Device, d.opts.Port)
			if err == nil {
				err = d.remote.PlayIntro(ctx, addr)
			}
		default:
			err = d.player.Play(d.opts.IntroPath)
		}
		if err != nil {
			slog.Warn("イントロを再生できませんでした", "target", first, "err", err)
		}
	}()
}

// artifact は生成済みの出力
type artifact struct {
	target Target
	text   string
	path   string
}

// dispatchInterleaved はターゲットごとに生成と送信を並行して行う
func (d *Dispatcher) dispatchInterleaved(ctx context.Context, eventID string, jpeg []byte) []error {
	results := make([]error, len(d.targets))
	var g errgroup.Group
	for i, t := range d.targets {
		g.Go(func() error {
			a, err := d.produce(ctx, t, jpeg)
			if err == nil {
				err = d.deliver(ctx, a)
			}
			d.finish(eventID, t, err)
			results[i] = err
			return nil
		})
	}
	_ = g.Wait()
	return compact(results)
}

// dispatchHighSync は全ターゲットの生成をプレイリスト順に済ませてから、順に送信する
func (d *Dispatcher) dispatchHighSync(ctx context.Context, eventID string, jpeg []byte) []error {
	var errs []error
	artifacts := make([]*artifact, 0, len(d.targets))
	for _, t := range d.targets {
		a, err := d.produce(ctx, t, jpeg)
		if err != nil {
			d.finish(eventID, t, err)
			errs = append(errs, err)
			continue
		}
		artifacts = append(artifacts, a)
	}
	for _, a := range artifacts {
		err := d.deliver(ctx, a)
		d.finish(eventID, a.target, err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (d *Dispatcher) finish(eventID string, t Target, err error) {
	d.metrics.RecordDispatch(string(t.Kind), err)
	if err != nil {
		slog.Error("ターゲットの処理に失敗しました", "event", eventID, "target", t, "err", err)
	} else {
		slog.Info("ターゲットの処理が完了しました", "event", eventID, "target", t)
	}
	if d.observer != nil {
		d.observer.DispatchFinished(eventID, t.String(), err)
	}
}

// produce は文章を生成し、オーディオターゲットなら音声も合成する
func (d *Dispatcher) produce(ctx context.Context, t Target, jpeg []byte) (*artifact, error) {
	start := time.Now()
	text, err := d.gen.Generate(ctx, jpeg, t.Kind)
	d.metrics.RecordStageDuration("generate", time.Since(start))
	if err != nil {
		return nil, &TargetError{Target: t, Stage: "generate", Err: err}
	}

	a := &artifact{target: t, text: text}
	if t.Output == OutputAudio {
		start = time.Now()
		a.path, err = d.synth.Synthesize(ctx, text, t.Kind)
		d.metrics.RecordStageDuration("synthesize", time.Since(start))
		if err != nil {
			return nil, &TargetError{Target: t, Stage: "synthesize", Err: err}
		}
	}
	return a, nil
}

// deliver は生成物をローカルで再生、印刷するか、リモートのノードに送信する
func (d *Dispatcher) deliver(ctx context.Context, a *artifact) error {
	start := time.Now()
	defer func() {
		d.metrics.RecordStageDuration("deliver", time.Since(start))
	}()

	t := a.target
	if d.opts.Mode == ModeLocal {
		var err error
		if t.Output == OutputAudio {
			err = d.player.Play(a.path)
		} else {
			err = d.printer.Print(a.text)
		}
		if err != nil {
			return &TargetError{Target: t, Stage: "render", Err: err}
		}
		return nil
	}

	addr, err := d.resolver.Resolve(t.Device, d.opts.Port)
	if err != nil {
		return &TargetError{Target: t, Stage: "resolve", Err: err}
	}
	if t.Output == OutputAudio {
		err = d.remote.SendFilePath(ctx, addr, a.path)
	} else {
		err = d.remote.PrintText(ctx, addr, a.text)
	}
	if err != nil {
		return &TargetError{Target: t, Stage: "send", Err: err}
	}
	return nil
}

func compact(errs []error) []error {
	var out []error
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}
