package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultConfigFile はデフォルトの設定ファイル名
	DefaultConfigFile = "config.toml"

	// DefaultPort は全ノード共通の待ち受けポート
	DefaultPort = 12345

	RoleDetector  = "detector"
	RoleNode      = "node"
	RoleZoomCheck = "zoomcheck"

	ModeLocal    = "local"
	ModeDetached = "detached"

	SourceWebcam = "webcam"
	SourceGphoto = "gphoto"
)

// Duration は TOML の "5s" のような文字列を time.Duration として読み込むための型
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "0" || s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", s)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config はアプリケーション全体の設定を表す
type Config struct {
	Debug bool   `toml:"debug"`
	Role  string `toml:"role"`
	Log   struct {
		Filename string `toml:"filename"`
	} `toml:"log"`
	Network struct {
		Port        int      `toml:"port"`
		DialTimeout Duration `toml:"dial_timeout"`
	} `toml:"network"`

	// Devices はデバイス名からアドレス(IP/ホスト名)への対応表
	Devices map[string]string `toml:"devices"`

	Camera struct {
		Source       string   `toml:"source"` // "webcam" or "gphoto"
		DeviceID     int      `toml:"device_id"`
		ReadTimeout  Duration `toml:"read_timeout"`
		CaptureDelay Duration `toml:"capture_delay"`
		Warmup       Duration `toml:"warmup"`
	} `toml:"camera"`

	Detector struct {
		Zoom               float64  `toml:"zoom"`
		DetectInterval     Duration `toml:"detect_interval"`
		SampleInterval     Duration `toml:"sample_interval"`
		PixelThreshold     int      `toml:"pixel_threshold"`
		ChangeRatio        float64  `toml:"change_ratio"`
		BackgroundAttempts int      `toml:"background_attempts"`
		BackgroundPath     string   `toml:"background_path"`
	} `toml:"detector"`

	Dispatch struct {
		Mode          string  `toml:"mode"`       // "local" or "detached"
		Playlist      string  `toml:"playlist"`   // e.g. "IND"
		PrintList     string  `toml:"print_list"` // e.g. "D"
		HighSync      bool    `toml:"high_sync"`
		TextLength    int     `toml:"text_length"`
		Intro         bool    `toml:"intro"`
		IntroPath     string  `toml:"intro_path"`
		PrinterDevice string  `toml:"printer_device"`
		UploadScale   float64 `toml:"upload_scale"`
	} `toml:"dispatch"`

	OpenAI struct {
		APIKey      string `toml:"api_key"`
		Model       string `toml:"model"`
		SpeechModel string `toml:"speech_model"`
		SpeechDir   string `toml:"speech_dir"`
	} `toml:"openai"`

	Node struct {
		Name         string   `toml:"name"`
		ArtifactDir  string   `toml:"artifact_dir"`
		IntroPath    string   `toml:"intro_path"`
		PollInterval Duration `toml:"poll_interval"`
		GracePeriod  Duration `toml:"grace_period"`
	} `toml:"node"`

	Printer struct {
		Enabled    bool   `toml:"enabled"`
		Port       string `toml:"port"`
		BaudRate   int    `toml:"baud_rate"`
		Encoding   string `toml:"encoding"`
		FeedLines  int    `toml:"feed_lines"`
		UpsideDown bool   `toml:"upside_down"`
	} `toml:"printer"`

	Monitor struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"monitor"`

	// ZoomCheck はズーム確認ツール (role = "zoomcheck") の設定。
	// Window が true ならプレビューウィンドウでズームを調整する。
	ZoomCheck struct {
		Output string `toml:"output"`
		Window bool   `toml:"window"`
	} `toml:"zoom_check"`
}

// NewConfig はデフォルト設定を持つConfigを作成する
func NewConfig() *Config {
	cfg := &Config{
		Debug: false,
		Role:  RoleDetector,
	}
	cfg.Log.Filename = "pedestal.log"
	cfg.Network.Port = DefaultPort
	cfg.Network.DialTimeout = Duration{5 * time.Second}

	cfg.Devices = map[string]string{
		"server":   "192.168.18.25",
		"isart":    "192.168.18.22",
		"notart":   "192.168.18.13",
		"describe": "192.168.18.27",
		"local":    "127.0.0.1",
	}

	cfg.Camera.Source = SourceWebcam
	cfg.Camera.DeviceID = 0
	cfg.Camera.ReadTimeout = Duration{3 * time.Second}
	cfg.Camera.CaptureDelay = Duration{10 * time.Millisecond}
	cfg.Camera.Warmup = Duration{2 * time.Second}

	cfg.Detector.Zoom = 5
	cfg.Detector.DetectInterval = Duration{5 * time.Second}
	cfg.Detector.SampleInterval = Duration{50 * time.Millisecond}
	cfg.Detector.PixelThreshold = 50
	cfg.Detector.ChangeRatio = 0.05
	cfg.Detector.BackgroundAttempts = 20
	cfg.Detector.BackgroundPath = "background.jpg"

	cfg.Dispatch.Mode = ModeLocal
	cfg.Dispatch.Playlist = "I"
	cfg.Dispatch.TextLength = 50
	cfg.Dispatch.Intro = true
	cfg.Dispatch.IntroPath = "intro_alloy.mp3"
	cfg.Dispatch.PrinterDevice = "printer"
	cfg.Dispatch.UploadScale = 0.5

	cfg.OpenAI.Model = "gpt-4o-mini"
	cfg.OpenAI.SpeechModel = "tts-1"
	cfg.OpenAI.SpeechDir = "speech"

	cfg.Node.ArtifactDir = "."
	cfg.Node.IntroPath = "intro_alloy.mp3"
	cfg.Node.PollInterval = Duration{100 * time.Millisecond}
	cfg.Node.GracePeriod = Duration{1 * time.Second}

	cfg.Printer.Port = "/dev/serial0"
	cfg.Printer.BaudRate = 19200
	cfg.Printer.Encoding = "gbk"
	cfg.Printer.FeedLines = 5
	cfg.Printer.UpsideDown = true

	cfg.Monitor.Addr = ":8080"

	cfg.ZoomCheck.Output = "zoomin_check.jpg"
	return cfg
}

// LoadConfig は設定を読み込む
// 以下の優先順位でロードする:
// 1. 指定されたパスの設定ファイル（指定がある場合）
// 2. カレントディレクトリのデフォルト設定ファイル（存在する場合）
// 3. デフォルト設定
func LoadConfig(configPath string) (*Config, error) {
	config := NewConfig()

	filePath := configPath
	if filePath == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			filePath = DefaultConfigFile
		} else {
			return config, nil
		}
	}

	// [devices] は既定値とマージせず、ファイルの内容で置き換える
	var probe struct {
		Devices map[string]string `toml:"devices"`
	}
	if _, err := toml.DecodeFile(filePath, &probe); err != nil {
		return nil, err
	}
	if probe.Devices != nil {
		config.Devices = nil
	}

	if _, err := toml.DecodeFile(filePath, config); err != nil {
		return nil, err
	}

	return config, nil
}

// ValidationError は設定値が不正な場合のエラーです
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// Validate は起動前に致命的な設定エラーを検出する
func (c *Config) Validate() error {
	var errs []error
	add := func(field, reason string) {
		errs = append(errs, &ValidationError{Field: field, Reason: reason})
	}

	switch c.Role {
	case RoleDetector, RoleNode, RoleZoomCheck:
	default:
		add("role", fmt.Sprintf("unknown role %q", c.Role))
	}
	if c.Network.Port <= 0 || c.Network.Port > 65535 {
		add("network.port", fmt.Sprintf("out of range: %d", c.Network.Port))
	}
	if len(c.Devices) == 0 {
		add("devices", "device table is empty")
	}

	if c.Role == RoleDetector || c.Role == RoleZoomCheck {
		if c.Detector.Zoom < 0 {
			add("detector.zoom", "zoom must be non-negative")
		}
		switch c.Camera.Source {
		case SourceWebcam, SourceGphoto:
		default:
			add("camera.source", fmt.Sprintf("unknown source %q", c.Camera.Source))
		}
	}

	if c.Role == RoleZoomCheck && strings.TrimSpace(c.ZoomCheck.Output) == "" {
		add("zoom_check.output", "output path is empty")
	}

	if c.Role == RoleDetector {
		if c.Detector.PixelThreshold < 0 || c.Detector.PixelThreshold > 255 {
			add("detector.pixel_threshold", "must be within 0..255")
		}
		if c.Detector.ChangeRatio < 0 || c.Detector.ChangeRatio >= 1 {
			add("detector.change_ratio", "must be within [0, 1)")
		}
		if c.Detector.BackgroundAttempts <= 0 {
			add("detector.background_attempts", "must be positive")
		}
		switch c.Dispatch.Mode {
		case ModeLocal, ModeDetached:
		default:
			add("dispatch.mode", fmt.Sprintf("unknown mode %q", c.Dispatch.Mode))
		}
		if strings.TrimSpace(c.Dispatch.Playlist) == "" && strings.TrimSpace(c.Dispatch.PrintList) == "" {
			add("dispatch.playlist", "playlist and print_list are both empty")
		}
		if c.Dispatch.TextLength <= 0 {
			add("dispatch.text_length", "must be positive")
		}
		if c.Dispatch.UploadScale <= 0 || c.Dispatch.UploadScale > 1 {
			add("dispatch.upload_scale", "must be within (0, 1]")
		}
	}

	if c.Role == RoleNode {
		if c.Printer.Enabled && c.Printer.BaudRate <= 0 {
			add("printer.baud_rate", "must be positive")
		}
	}

	return errors.Join(errs...)
}

// ApplyCommandLineArgs はコマンドライン引数で指定された値を設定に適用する
func (c *Config) ApplyCommandLineArgs(args CommandLineArgs) {
	if args.DebugSpecified {
		c.Debug = args.Debug
	}
	if args.LogFilenameSpecified {
		c.Log.Filename = args.LogFilename
	}
	if args.RoleSpecified {
		c.Role = args.Role
	}
	if args.PortSpecified {
		c.Network.Port = args.Port
	}
	// detector
	if args.CameraSpecified {
		c.Camera.Source = args.Camera
	}
	if args.ZoomSpecified {
		c.Detector.Zoom = args.Zoom
	}
	if args.DetectIntervalSpecified {
		c.Detector.DetectInterval = Duration{args.DetectInterval}
	}
	// zoomcheck
	if args.ZoomWindowSpecified {
		c.ZoomCheck.Window = args.ZoomWindow
	}
	// dispatch
	if args.TextLengthSpecified {
		c.Dispatch.TextLength = args.TextLength
	}
	if args.AudioDetachSpecified {
		if args.AudioDetach {
			c.Dispatch.Mode = ModeDetached
		} else {
			c.Dispatch.Mode = ModeLocal
		}
	}
	if args.PlaylistSpecified {
		c.Dispatch.Playlist = args.Playlist
	}
	if args.PrintListSpecified {
		c.Dispatch.PrintList = args.PrintList
	}
	if args.HighSyncSpecified {
		c.Dispatch.HighSync = args.HighSync
	}
	// node
	if args.NodeNameSpecified {
		c.Node.Name = args.NodeName
	}
	// monitor
	if args.MonitorSpecified {
		c.Monitor.Enabled = args.Monitor
	}
	if args.MonitorAddrSpecified {
		c.Monitor.Addr = args.MonitorAddr
	}
}

// CommandLineArgs はコマンドライン引数からの値を保持する
type CommandLineArgs struct {
	// 設定ファイル (メタ設定)
	ConfigFile      string
	ConfigSpecified bool

	// コンソールモード (メタ設定)
	Console     bool
	ConsoleArgs []string

	Debug          bool
	DebugSpecified bool

	LogFilename          string
	LogFilenameSpecified bool

	Role          string
	RoleSpecified bool

	Port          int
	PortSpecified bool

	Camera          string
	CameraSpecified bool

	Zoom          float64
	ZoomSpecified bool

	DetectInterval          time.Duration
	DetectIntervalSpecified bool

	ZoomWindow          bool
	ZoomWindowSpecified bool

	TextLength          int
	TextLengthSpecified bool

	AudioDetach          bool
	AudioDetachSpecified bool

	Playlist          string
	PlaylistSpecified bool

	PrintList          string
	PrintListSpecified bool

	HighSync          bool
	HighSyncSpecified bool

	NodeName          string
	NodeNameSpecified bool

	Monitor              bool
	MonitorSpecified     bool
	MonitorAddr          string
	MonitorAddrSpecified bool
}

// ParseCommandLineArgs はコマンドライン引数をパースする
func ParseCommandLineArgs(arguments []string) (CommandLineArgs, error) {
	var args CommandLineArgs

	fs := flag.NewFlagSet("pedestal", flag.ContinueOnError)

	fs.StringVar(&args.ConfigFile, "config", "", "TOML設定ファイルのパスを指定する")
	fs.BoolVar(&args.Console, "console", false, "操作コンソールを起動する (残りの引数は1回分のコマンドとして実行)")
	fs.BoolVar(&args.Debug, "debug", false, "デバッグモードを有効にする")
	fs.StringVar(&args.LogFilename, "log", "pedestal.log", "ログファイル名を指定する")
	fs.StringVar(&args.Role, "role", RoleDetector, "起動する役割 (detector, node または zoomcheck)")
	fs.IntVar(&args.Port, "port", DefaultPort, "ノードの待ち受けポート")
	fs.StringVar(&args.Camera, "camera", SourceWebcam, "フレームソース (webcam または gphoto)")
	fs.Float64Var(&args.Zoom, "zoom", 5, "デジタルズーム (0以上)")
	fs.DurationVar(&args.DetectInterval, "detect-interval", 5*time.Second, "状態遷移のデバウンス時間")
	fs.BoolVar(&args.ZoomWindow, "zoom-window", false, "zoomcheck でプレビューウィンドウを開く (q: 終了, s: 保存)")
	fs.IntVar(&args.TextLength, "text-num", 50, "生成テキストの目安文字数")
	fs.BoolVar(&args.AudioDetach, "audio-detach", false, "音声を各ノードに送信する (detached モード)")
	fs.StringVar(&args.Playlist, "audio-playlist", "I", "音声プレイリスト (I: isart, N: notart, D: describe)")
	fs.StringVar(&args.PrintList, "print-list", "", "印刷リスト (I/N/D)")
	fs.BoolVar(&args.HighSync, "high-sync", false, "全ターゲットの生成完了後に再生を開始する")
	fs.StringVar(&args.NodeName, "node-name", "", "ノード自身のデバイス名 (省略時はローカルIPから解決)")
	fs.BoolVar(&args.Monitor, "monitor", false, "モニタ用HTTPサーバー (WebSocket, metrics) を有効にする")
	fs.StringVar(&args.MonitorAddr, "monitor-addr", ":8080", "モニタ用HTTPサーバーのアドレス")

	if err := fs.Parse(arguments); err != nil {
		return args, err
	}

	// 明示的に指定されたフラグのみ設定ファイルの値を上書きする
	specified := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		specified[f.Name] = true
	})

	args.ConfigSpecified = specified["config"]
	args.DebugSpecified = specified["debug"]
	args.LogFilenameSpecified = specified["log"]
	args.RoleSpecified = specified["role"]
	args.PortSpecified = specified["port"]
	args.CameraSpecified = specified["camera"]
	args.ZoomSpecified = specified["zoom"]
	args.DetectIntervalSpecified = specified["detect-interval"]
	args.ZoomWindowSpecified = specified["zoom-window"]
	args.TextLengthSpecified = specified["text-num"]
	args.AudioDetachSpecified = specified["audio-detach"]
	args.PlaylistSpecified = specified["audio-playlist"]
	args.PrintListSpecified = specified["print-list"]
	args.HighSyncSpecified = specified["high-sync"]
	args.NodeNameSpecified = specified["node-name"]
	args.MonitorSpecified = specified["monitor"]
	args.MonitorAddrSpecified = specified["monitor-addr"]

	args.ConsoleArgs = fs.Args()

	return args, nil
}
