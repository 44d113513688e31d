// Package monitor は検出器とノードの状態を WebSocket で配信し、Prometheus のメトリクスを公開する。
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait は 1 メッセージの書き込みに許す時間
	writeWait = 10 * time.Second
	// pongWait はクライアントからの pong を待つ時間
	pongWait = 60 * time.Second
	// pingPeriod は pongWait より短くなければならない
	pingPeriod = pongWait * 9 / 10
)

// StartOptions は Hub の起動オプション
type StartOptions struct {
	// Ready は待ち受けを開始したときに閉じられる
	Ready chan struct{}
}

// clientConnection は書き込みを直列化するための mutex 付きの接続
type clientConnection struct {
	conn  *websocket.Conn
	mutex sync.Mutex
}

func (c *clientConnection) write(messageType int, data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Hub は /ws に接続したモニタクライアントへメッセージを配信する HTTP サーバー
type Hub struct {
	ctx            context.Context
	cancel         context.CancelFunc
	server         *http.Server
	upgrader       websocket.Upgrader
	clients        map[string]*clientConnection
	clientsMutex   sync.RWMutex
	connectHandler func(connID string) error
}

// NewHub は Hub を作成する。metrics が nil でなければ /metrics で公開する。
func NewHub(ctx context.Context, addr string, metrics http.Handler) *Hub {
	hubCtx, cancel := context.WithCancel(ctx)
	h := &Hub{
		ctx:    hubCtx,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 展示会場のローカルネットワークでのみ使う
				return true
			},
		},
		clients: make(map[string]*clientConnection),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	h.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return h
}

// Handler はルーティング済みの HTTP ハンドラを返す
func (h *Hub) Handler() http.Handler {
	return h.server.Handler
}

// SetConnectHandler は新しいクライアントが接続したときに呼ばれるハンドラを設定する
func (h *Hub) SetConnectHandler(handler func(connID string) error) {
	h.connectHandler = handler
}

// Start は HTTP サーバーを起動し、Stop されるまで戻らない
func (h *Hub) Start(options StartOptions) error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return err
	}
	if options.Ready != nil {
		close(options.Ready)
	}
	slog.Info("モニタサーバーを起動します", "addr", listener.Addr().String())

	err = h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop はサーバーと全クライアント接続を停止する
func (h *Hub) Stop() error {
	slog.Info("モニタサーバーを停止します", "addr", h.server.Addr)
	h.cancel()
	err := h.server.Shutdown(context.Background())

	h.clientsMutex.Lock()
	for connID, client := range h.clients {
		_ = client.conn.Close()
		delete(h.clients, connID)
	}
	h.clientsMutex.Unlock()
	return err
}

// ClientCount は接続中のクライアント数を返す
func (h *Hub) ClientCount() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

// isConnectionClosedError は切断済みの接続に対するエラーかどうかを判定する
func isConnectionClosedError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) ||
		errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "close sent") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func (h *Hub) removeClient(connID string) bool {
	h.clientsMutex.Lock()
	defer h.clientsMutex.Unlock()

	if _, exists := h.clients[connID]; !exists {
		return false
	}
	delete(h.clients, connID)
	return true
}

// SendMessage は特定のクライアントにメッセージを送信する
func (h *Hub) SendMessage(connID string, message []byte) error {
	h.clientsMutex.RLock()
	client, exists := h.clients[connID]
	h.clientsMutex.RUnlock()
	if !exists {
		return fmt.Errorf("client with ID %s not found", connID)
	}

	if err := client.write(websocket.TextMessage, message); err != nil {
		if isConnectionClosedError(err) {
			h.removeClient(connID)
		}
		return fmt.Errorf("failed to send message to client %s: %w", connID, err)
	}
	return nil
}

// BroadcastMessage は接続中の全クライアントにメッセージを送信する。
// 切断済みのクライアントは一覧から取り除く。
func (h *Hub) BroadcastMessage(message []byte) error {
	h.clientsMutex.RLock()
	clients := make(map[string]*clientConnection, len(h.clients))
	for connID, client := range h.clients {
		clients[connID] = client
	}
	h.clientsMutex.RUnlock()

	var disconnected []string
	for connID, client := range clients {
		if err := client.write(websocket.TextMessage, message); err != nil {
			// ここで slog を使うとログのブロードキャストが再帰するので記録しない
			if !isConnectionClosedError(err) {
				_ = client.conn.Close()
			}
			disconnected = append(disconnected, connID)
		}
	}
	for _, connID := range disconnected {
		h.removeClient(connID)
	}
	return nil
}

// handleWebSocket は /ws への接続を処理する。
// モニタは配信専用なので、クライアントからのメッセージは読み捨てる。
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket へのアップグレードに失敗しました", "err", err, "remote_addr", r.RemoteAddr)
		return
	}
	defer conn.Close()

	connID := fmt.Sprintf("%p", conn)
	client := &clientConnection{conn: conn}
	h.clientsMutex.Lock()
	h.clients[connID] = client
	h.clientsMutex.Unlock()
	defer h.removeClient(connID)

	slog.Debug("モニタクライアントが接続しました", "connID", connID, "remote_addr", r.RemoteAddr)

	if h.connectHandler != nil {
		if err := h.connectHandler(connID); err != nil {
			slog.Warn("接続時の初期メッセージを送れませんでした", "connID", connID, "err", err)
			return
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(client, done)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				slog.Debug("WebSocket が予期せず切断されました", "connID", connID, "err", err)
			}
			return
		}
	}
}

// pingLoop は接続が生きていることを確認するため定期的に ping を送る
func (h *Hub) pingLoop(client *clientConnection, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := client.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-h.ctx.Done():
			return
		}
	}
}
