package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"pedestal/config"
	"pedestal/console"
	"pedestal/content"
	"pedestal/detector"
	"pedestal/devices"
	"pedestal/dispatch"
	"pedestal/frame"
	"pedestal/frame/gphoto"
	"pedestal/frame/webcam"
	"pedestal/log"
	"pedestal/metrics"
	"pedestal/monitor"
	"pedestal/playback"
	"pedestal/printer"
	"pedestal/protocol"
	"pedestal/server"
	"pedestal/vision"
	"pedestal/zoomcheck"
	"pedestal/zoomcheck/window"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}

func run(arguments []string) error {
	args, err := config.ParseCommandLineArgs(arguments)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadConfig(args.ConfigFile)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
	}
	cfg.ApplyCommandLineArgs(args)

	// .env は任意
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		_, _ = fmt.Fprintf(os.Stderr, ".env を読み込めませんでした: %v\n", err)
	}
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	table, err := devices.NewTable(cfg.Devices)
	if err != nil {
		return fmt.Errorf("デバイス表が不正です: %w", err)
	}

	// ルートコンテキスト (SIGINT, SIGTERM でキャンセル)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if args.Console {
		return runConsole(ctx, cfg, table, args.ConsoleArgs)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	m := metrics.New()
	var hub *monitor.Hub
	if cfg.Monitor.Enabled {
		hub = monitor.NewHub(ctx, cfg.Monitor.Addr, m.Handler())
	}

	logManager, err := log.NewLogManager(log.Options{
		Filename: cfg.Log.Filename,
		Debug:    cfg.Debug,
		Wrap: func(h slog.Handler) slog.Handler {
			if hub == nil {
				return h
			}
			return monitor.NewBroadcastHandler(h, hub, slog.LevelWarn)
		},
	})
	if err != nil {
		return fmt.Errorf("ログ設定エラー: %w", err)
	}
	defer func() {
		_ = logManager.Close()
	}()

	var reporter *monitor.Reporter
	if hub != nil {
		reporter = monitor.NewReporter(hub, cfg.Role, cfg.Node.Name)
		reporter.SendStatusOnConnect(hub)
		go func() {
			if err := hub.Start(monitor.StartOptions{}); err != nil {
				slog.Error("モニタサーバーが停止しました", "err", err)
			}
		}()
		defer func() {
			_ = hub.Stop()
		}()
	}

	slog.Info("起動します", "role", cfg.Role, "port", cfg.Network.Port, "devices", table.Count())

	switch cfg.Role {
	case config.RoleNode:
		err = runNode(ctx, cfg, table, m, reporter)
	case config.RoleZoomCheck:
		err = runZoomCheck(ctx, cfg)
	default:
		err = runDetector(ctx, cfg, table, m, reporter)
	}
	if errors.Is(err, context.Canceled) {
		slog.Info("シグナルを受信しました。終了します")
		return nil
	}
	return err
}

func runConsole(ctx context.Context, cfg *config.Config, table *devices.Table, commandArgs []string) error {
	client := protocol.NewClient(cfg.Network.DialTimeout.Duration)
	c := console.New(client, table, cfg.Network.Port, os.Stdout)
	if len(commandArgs) > 0 {
		return c.RunOnce(ctx, commandArgs)
	}
	return c.Run(ctx)
}

func openFrameSource(ctx context.Context, cfg *config.Config) (frame.Source, error) {
	switch cfg.Camera.Source {
	case config.SourceGphoto:
		return gphoto.Start(ctx)
	default:
		return webcam.Open(cfg.Camera.DeviceID)
	}
}

func runDetector(ctx context.Context, cfg *config.Config, table *devices.Table, m *metrics.Metrics, reporter *monitor.Reporter) error {
	comparator, err := vision.NewComparator(cfg.Detector.Zoom, cfg.Detector.PixelThreshold, cfg.Detector.ChangeRatio)
	if err != nil {
		return err
	}

	generator, err := content.NewOpenAI(content.OpenAIConfig{
		APIKey:      cfg.OpenAI.APIKey,
		Model:       cfg.OpenAI.Model,
		SpeechModel: cfg.OpenAI.SpeechModel,
		SpeechDir:   cfg.OpenAI.SpeechDir,
		TextLength:  cfg.Dispatch.TextLength,
	})
	if err != nil {
		return err
	}

	opts := dispatch.Options{
		Mode:          dispatch.Mode(cfg.Dispatch.Mode),
		HighSync:      cfg.Dispatch.HighSync,
		Playlist:      content.ParsePlaylist(cfg.Dispatch.Playlist),
		PrintList:     content.ParsePlaylist(cfg.Dispatch.PrintList),
		Intro:         cfg.Dispatch.Intro,
		IntroPath:     cfg.Dispatch.IntroPath,
		Zoom:          cfg.Detector.Zoom,
		UploadScale:   cfg.Dispatch.UploadScale,
		Port:          cfg.Network.Port,
		PrinterDevice: cfg.Dispatch.PrinterDevice,
	}
	deps := dispatch.Deps{
		Generator:   generator,
		Synthesizer: generator,
		Metrics:     m,
	}
	if reporter != nil {
		deps.Observer = reporter
	}

	if opts.Mode == dispatch.ModeLocal {
		session := playback.NewSession(playback.NewBeepPlayer(), playback.Options{
			PollInterval: cfg.Node.PollInterval.Duration,
			GracePeriod:  cfg.Node.GracePeriod.Duration,
			Metrics:      m,
		})
		defer func() {
			_ = session.Stop()
		}()
		deps.Player = session

		if len(opts.PrintList) > 0 {
			ps, closePrinter, err := openPrinter(cfg)
			if err != nil {
				return err
			}
			defer closePrinter()
			deps.Printer = ps
		}
	} else {
		deps.Remote = protocol.NewClient(cfg.Network.DialTimeout.Duration)
		deps.Resolver = table
	}

	dispatcher, err := dispatch.New(opts, deps)
	if err != nil {
		return err
	}

	src, err := openFrameSource(ctx, cfg)
	if err != nil {
		return fmt.Errorf("フレームソースを開けませんでした: %w", err)
	}
	defer func() {
		_ = src.Close()
	}()

	buf := frame.NewBuffer()
	det := detector.New(buf, comparator, detector.Options{
		Interval:           cfg.Detector.DetectInterval.Duration,
		SampleInterval:     cfg.Detector.SampleInterval.Duration,
		Warmup:             cfg.Camera.Warmup.Duration,
		BackgroundAttempts: cfg.Detector.BackgroundAttempts,
		BackgroundPath:     cfg.Detector.BackgroundPath,
		Metrics:            m,
	})
	det.OnTrigger(func(ev detector.TriggerEvent) {
		if reporter != nil {
			reporter.Triggered(ev)
		}
		dispatcher.Handle(ev)
	})
	if reporter != nil {
		det.OnStateChange(reporter.StateChanged)
	}

	// 取得元が失われたら検出も止めてエラーで終了する
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return frame.Capture(gctx, src, buf, frame.CaptureOptions{
			Delay:       cfg.Camera.CaptureDelay.Duration,
			ReadTimeout: cfg.Camera.ReadTimeout.Duration,
			Metrics:     m,
		})
	})
	g.Go(func() error {
		if err := det.Initialize(gctx); err != nil {
			return err
		}
		return det.Run(gctx)
	})
	return g.Wait()
}

func runZoomCheck(ctx context.Context, cfg *config.Config) error {
	src, err := openFrameSource(ctx, cfg)
	if err != nil {
		return fmt.Errorf("フレームソースを開けませんでした: %w", err)
	}
	defer func() {
		_ = src.Close()
	}()

	opts := zoomcheck.Options{Zoom: cfg.Detector.Zoom, Output: cfg.ZoomCheck.Output}
	if !cfg.ZoomCheck.Window {
		return zoomcheck.Snapshot(ctx, src, opts)
	}

	w := window.New("Zoom Adjustment", zoomcheck.MaxZoom, opts.Zoom)
	defer func() {
		_ = w.Close()
	}()
	zoom, err := zoomcheck.Adjust(ctx, src, w, opts)
	if err != nil {
		return err
	}
	fmt.Printf("final zoom value: %.1f\n", zoom)
	return nil
}

func openPrinter(cfg *config.Config) (*printer.Session, func(), error) {
	dev, err := printer.OpenSerial(cfg.Printer.Port, cfg.Printer.BaudRate)
	if err != nil {
		return nil, nil, err
	}
	ps, err := printer.NewSession(dev, printer.Options{
		Encoding:   cfg.Printer.Encoding,
		FeedLines:  cfg.Printer.FeedLines,
		UpsideDown: cfg.Printer.UpsideDown,
	})
	if err != nil {
		_ = dev.Close()
		return nil, nil, err
	}
	return ps, func() { _ = ps.Close() }, nil
}

func runNode(ctx context.Context, cfg *config.Config, table *devices.Table, m *metrics.Metrics, reporter *monitor.Reporter) error {
	name, err := table.ResolveSelf(cfg.Node.Name)
	if err != nil {
		return err
	}

	session := playback.NewSession(playback.NewBeepPlayer(), playback.Options{
		PollInterval: cfg.Node.PollInterval.Duration,
		GracePeriod:  cfg.Node.GracePeriod.Duration,
		Metrics:      m,
	})
	defer func() {
		_ = session.Stop()
	}()

	opts := server.Options{
		Name:        name,
		ArtifactDir: cfg.Node.ArtifactDir,
		IntroPath:   cfg.Node.IntroPath,
		Player:      session,
		Metrics:     m,
	}
	if reporter != nil {
		opts.Observer = reporter
	}
	if cfg.Printer.Enabled {
		ps, closePrinter, err := openPrinter(cfg)
		if err != nil {
			return err
		}
		defer closePrinter()
		opts.Printer = ps
	}

	node, err := server.NewNodeServer(opts)
	if err != nil {
		return err
	}
	return node.Start(ctx, server.StartOptions{Addr: fmt.Sprintf(":%d", cfg.Network.Port)})
}
