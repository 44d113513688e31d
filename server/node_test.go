package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pedestal/protocol"
)

type recordingPlayer struct {
	mu       sync.Mutex
	paths    []string
	contents [][]byte
	err      error
}

func (p *recordingPlayer) Play(path string) error {
	data, _ := os.ReadFile(path)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paths = append(p.paths, path)
	p.contents = append(p.contents, data)
	return p.err
}

func (p *recordingPlayer) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *recordingPlayer) last() (string, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.paths) == 0 {
		return "", nil
	}
	return p.paths[len(p.paths)-1], p.contents[len(p.contents)-1]
}

type recordingPrinter struct {
	mu        sync.Mutex
	texts     []string
	testPages int
	err       error
}

func (p *recordingPrinter) Print(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, text)
	return p.err
}

func (p *recordingPrinter) TestPage() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.testPages++
	return p.err
}

type testNode struct {
	server  *NodeServer
	player  *recordingPlayer
	addr    string
	cancel  context.CancelFunc
	stopped chan error
}

func startTestNode(t *testing.T, printer Printer) *testNode {
	t.Helper()

	player := &recordingPlayer{}
	opts := Options{
		Name:        "isart",
		ArtifactDir: t.TempDir(),
		IntroPath:   "intro_alloy.mp3",
		Player:      player,
	}
	if printer != nil {
		opts.Printer = printer
	}
	srv, err := NewNodeServer(opts)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- srv.Serve(ctx, ln) }()

	n := &testNode{server: srv, player: player, addr: ln.Addr().String(), cancel: cancel, stopped: stopped}
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return n
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, msg string) string {
	t.Helper()
	require.NoError(t, protocol.WriteMessage(conn, msg))
	reply, err := protocol.ReadMessage(conn, protocol.CommandBufferSize)
	require.NoError(t, err)
	return reply
}

func TestNodeServer_FileRoundTrip(t *testing.T) {
	node := startTestNode(t, nil)
	client := protocol.NewClient(time.Second)

	for _, size := range []int{0, 1, 4095, 4096, 1_000_000} {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i % 251)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.SendFile(ctx, node.addr, data)
		cancel()
		require.NoError(t, err, "size %d", size)

		path, played := node.player.last()
		assert.Equal(t, node.server.ArtifactPath(), path)
		assert.True(t, bytes.Equal(data, played), "size %d: payload differs", size)

		onDisk, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, onDisk), "size %d: file differs", size)
	}
}

func TestNodeServer_UnknownCommandKeepsConnectionOpen(t *testing.T) {
	node := startTestNode(t, nil)
	conn := dial(t, node.addr)

	assert.Equal(t, protocol.ReplyUnknown, roundTrip(t, conn, "hello"))
	assert.Equal(t, protocol.ReplyUnknown, roundTrip(t, conn, "FILE"))

	// 同じ接続で続けて有効なコマンドを送れる
	assert.Equal(t, protocol.ReplyIntroPlayed, roundTrip(t, conn, protocol.CommandPlayIntro))
	path, _ := node.player.last()
	assert.Equal(t, "intro_alloy.mp3", path)

	assert.Equal(t, protocol.ReplyGoodbye, roundTrip(t, conn, protocol.CommandQuit))
	_, err := protocol.ReadMessage(conn, protocol.CommandBufferSize)
	assert.True(t, errors.Is(err, io.EOF), "connection should be closed after quit: %v", err)
}

func TestNodeServer_PlaybackFailureIsReported(t *testing.T) {
	node := startTestNode(t, nil)
	node.player.fail(errors.New("speaker busy"))

	err := protocol.NewClient(time.Second).SendFile(context.Background(), node.addr, []byte("mp3"))
	var replyErr *protocol.UnexpectedReplyError
	require.True(t, errors.As(err, &replyErr), "err: %v", err)
	assert.Equal(t, protocol.ReplyPlayFailed, replyErr.Got)

	// ファイルは受信済みで残っている
	onDisk, err := os.ReadFile(node.server.ArtifactPath())
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3"), onDisk)

	conn := dial(t, node.addr)
	assert.Equal(t, protocol.ReplyIntroFailed, roundTrip(t, conn, protocol.CommandPlayIntro))
	// 失敗しても接続は続く
	assert.Equal(t, protocol.ReplyGoodbye, roundTrip(t, conn, protocol.CommandQuit))
}

func TestNodeServer_UnknownCommandThenClientCloses(t *testing.T) {
	node := startTestNode(t, nil)

	conn := dial(t, node.addr)
	assert.Equal(t, protocol.ReplyUnknown, roundTrip(t, conn, "status"))
	require.NoError(t, conn.Close())

	// サーバーは次の接続も受け付ける
	reply, err := protocol.NewClient(time.Second).Send(context.Background(), node.addr, "status")
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyUnknown, reply)
}

func TestNodeServer_FileLengthMismatch(t *testing.T) {
	node := startTestNode(t, nil)
	conn := dial(t, node.addr)

	assert.Equal(t, protocol.ReplyFileAck, roundTrip(t, conn, protocol.CommandFile))
	assert.Equal(t, protocol.ReplyFileLenAck, roundTrip(t, conn, "5"))

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 3)
	_, err := conn.Write(append(header[:], 'a', 'b', 'c'))
	require.NoError(t, err)

	_, err = protocol.ReadMessage(conn, protocol.CommandBufferSize)
	assert.Error(t, err, "node should abandon the exchange")

	path, _ := node.player.last()
	assert.Empty(t, path)
}

func TestNodeServer_InvalidLength(t *testing.T) {
	node := startTestNode(t, nil)
	conn := dial(t, node.addr)

	assert.Equal(t, protocol.ReplyFileAck, roundTrip(t, conn, protocol.CommandFile))
	require.NoError(t, protocol.WriteMessage(conn, "not-a-number"))
	_, err := protocol.ReadMessage(conn, protocol.CommandBufferSize)
	assert.Error(t, err)
}

func TestNodeServer_Print(t *testing.T) {
	printer := &recordingPrinter{}
	node := startTestNode(t, printer)

	err := protocol.NewClient(time.Second).PrintText(context.Background(), node.addr, "這是一件藝術品")
	require.NoError(t, err)

	printer.mu.Lock()
	defer printer.mu.Unlock()
	assert.Equal(t, []string{"這是一件藝術品"}, printer.texts)
}

func TestNodeServer_PrintFailure(t *testing.T) {
	t.Run("no printer", func(t *testing.T) {
		node := startTestNode(t, nil)
		err := protocol.NewClient(time.Second).PrintText(context.Background(), node.addr, "text")
		var replyErr *protocol.UnexpectedReplyError
		require.True(t, errors.As(err, &replyErr))
		assert.Equal(t, protocol.ReplyPrintFailed, replyErr.Got)
	})
	t.Run("device error", func(t *testing.T) {
		node := startTestNode(t, &recordingPrinter{err: errors.New("paper jam")})
		conn := dial(t, node.addr)
		assert.Equal(t, protocol.ReplyPrintAck, roundTrip(t, conn, protocol.CommandPrint))
		assert.Equal(t, protocol.ReplyPrintFailed, roundTrip(t, conn, "text"))
		// 失敗しても接続は続く
		assert.Equal(t, protocol.ReplyGoodbye, roundTrip(t, conn, protocol.CommandQuit))
	})
}

func TestNodeServer_TestPage(t *testing.T) {
	printer := &recordingPrinter{}
	node := startTestNode(t, printer)

	require.NoError(t, protocol.NewClient(time.Second).PrintTestPage(context.Background(), node.addr))
	printer.mu.Lock()
	assert.Equal(t, 1, printer.testPages)
	assert.Empty(t, printer.texts)
	printer.mu.Unlock()

	t.Run("no printer", func(t *testing.T) {
		node := startTestNode(t, nil)
		conn := dial(t, node.addr)
		assert.Equal(t, protocol.ReplyPrintFailed, roundTrip(t, conn, protocol.CommandTestPage))
		assert.Equal(t, protocol.ReplyGoodbye, roundTrip(t, conn, protocol.CommandQuit))
	})
}

func TestNodeServer_ConcurrentClients(t *testing.T) {
	node := startTestNode(t, nil)
	client := protocol.NewClient(time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := bytes.Repeat([]byte{byte(i)}, 10_000)
			errs <- client.SendFile(context.Background(), node.addr, data)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	// 最後に書かれた内容は 1 つのクライアントのデータそのもの
	onDisk, err := os.ReadFile(node.server.ArtifactPath())
	require.NoError(t, err)
	require.Len(t, onDisk, 10_000)
	assert.Equal(t, bytes.Repeat(onDisk[:1], 10_000), onDisk)
}

func TestNodeServer_StopOnCancel(t *testing.T) {
	srv, err := NewNodeServer(Options{Name: "describe", ArtifactDir: t.TempDir(), Player: &recordingPlayer{}})
	require.NoError(t, err)

	ready := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx, StartOptions{Addr: "127.0.0.1:0", Ready: ready}) }()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("Start failed: %v", err)
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNewNodeServer_Validation(t *testing.T) {
	_, err := NewNodeServer(Options{Player: &recordingPlayer{}})
	assert.Error(t, err)
	_, err = NewNodeServer(Options{Name: "isart"})
	assert.Error(t, err)
}
