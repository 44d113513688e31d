//go:build integration

package helpers

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pedestal/metrics"
	"pedestal/monitor"
	"pedestal/server"
)

// IntroContent はテストノードのイントロファイルの内容
const IntroContent = "intro"

// RecordingPlayer は再生を要求されたファイルの内容を記録する
type RecordingPlayer struct {
	mu     sync.Mutex
	played [][]byte
	paths  []string
}

func (p *RecordingPlayer) Play(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, data)
	p.paths = append(p.paths, path)
	return nil
}

// Played は記録された再生内容を返す
func (p *RecordingPlayer) Played() ([]string, [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.paths...), append([][]byte(nil), p.played...)
}

// RecordingPrinter は印刷されたテキストとテストページの回数を記録する
type RecordingPrinter struct {
	mu        sync.Mutex
	texts     []string
	testPages int
}

func (p *RecordingPrinter) Print(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, text)
	return nil
}

func (p *RecordingPrinter) TestPage() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.testPages++
	return nil
}

func (p *RecordingPrinter) TestPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.testPages
}

func (p *RecordingPrinter) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

// TestNode は統合テスト用のノード (TCP サーバーとモニタ) を管理する
type TestNode struct {
	Name        string
	Port        int
	MonitorPort int
	Player      *RecordingPlayer
	Printer     *RecordingPrinter
	Metrics     *metrics.Metrics

	node   *server.NodeServer
	hub    *monitor.Hub
	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// NewTestNode は name という名前のノードを作成する。受信したファイルは artifactDir に保存される。
func NewTestNode(name, artifactDir string) (*TestNode, error) {
	port, err := findFreePort()
	if err != nil {
		return nil, fmt.Errorf("利用可能なポートが見つかりません: %v", err)
	}
	monitorPort, err := findFreePort()
	if err != nil {
		return nil, fmt.Errorf("利用可能なポートが見つかりません: %v", err)
	}

	introPath := filepath.Join(artifactDir, "intro_alloy.mp3")
	if err := os.WriteFile(introPath, []byte(IntroContent), 0o644); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	tn := &TestNode{
		Name:        name,
		Port:        port,
		MonitorPort: monitorPort,
		Player:      &RecordingPlayer{},
		Printer:     &RecordingPrinter{},
		Metrics:     metrics.New(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan error, 1),
	}

	tn.hub = monitor.NewHub(ctx, fmt.Sprintf("127.0.0.1:%d", monitorPort), tn.Metrics.Handler())
	reporter := monitor.NewReporter(tn.hub, "node", name)
	reporter.SendStatusOnConnect(tn.hub)

	tn.node, err = server.NewNodeServer(server.Options{
		Name:        name,
		ArtifactDir: artifactDir,
		IntroPath:   introPath,
		Player:      tn.Player,
		Printer:     tn.Printer,
		Observer:    reporter,
		Metrics:     tn.Metrics,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return tn, nil
}

// Start はノードとモニタを起動し、待ち受けを開始するまで待つ
func (tn *TestNode) Start() error {
	nodeReady := make(chan struct{})
	hubReady := make(chan struct{})

	go func() {
		tn.done <- tn.node.Start(tn.ctx, server.StartOptions{
			Addr:  fmt.Sprintf("127.0.0.1:%d", tn.Port),
			Ready: nodeReady,
		})
	}()
	go func() {
		if err := tn.hub.Start(monitor.StartOptions{Ready: hubReady}); err != nil {
			fmt.Printf("モニタサーバーの起動に失敗: %v\n", err)
		}
	}()

	for _, ready := range []chan struct{}{nodeReady, hubReady} {
		select {
		case <-ready:
		case <-time.After(10 * time.Second):
			return fmt.Errorf("ノードの起動がタイムアウトしました")
		}
	}
	return nil
}

// Stop はノードとモニタを停止する
func (tn *TestNode) Stop() error {
	tn.cancel()
	_ = tn.hub.Stop()
	select {
	case err := <-tn.done:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("ノードの停止がタイムアウトしました")
	}
}

// GetWebSocketURL はモニタの WebSocket URL を返す
func (tn *TestNode) GetWebSocketURL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d/ws", tn.MonitorPort)
}

// GetMetricsURL は /metrics の URL を返す
func (tn *TestNode) GetMetricsURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/metrics", tn.MonitorPort)
}

// findFreePort は利用可能なポートを見つける
func findFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port, nil
}
