//go:build integration

package helpers

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"pedestal/monitor"
)

// WebSocketConnection はモニタの WebSocket 接続のテスト用ラッパー
type WebSocketConnection struct {
	conn   *websocket.Conn
	closed bool
}

// NewWebSocketConnection は新しいWebSocket接続を作成する
func NewWebSocketConnection(serverURL string) (*WebSocketConnection, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 5 * time.Second

	conn, _, err := dialer.Dial(serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket接続に失敗: %v", err)
	}
	return &WebSocketConnection{conn: conn}, nil
}

// ReceiveMessage はモニタメッセージを 1 つ受信する
func (wsc *WebSocketConnection) ReceiveMessage(timeout time.Duration) (*monitor.Message, error) {
	if wsc.closed {
		return nil, fmt.Errorf("接続が既に閉じられています")
	}
	if timeout > 0 {
		_ = wsc.conn.SetReadDeadline(time.Now().Add(timeout))
	}

	var message monitor.Message
	if err := wsc.conn.ReadJSON(&message); err != nil {
		return nil, fmt.Errorf("メッセージの受信に失敗: %v", err)
	}
	return &message, nil
}

// WaitForMessage は指定した種類のメッセージを待機する
func (wsc *WebSocketConnection) WaitForMessage(msgType string, timeout time.Duration) (*monitor.Message, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		message, err := wsc.ReceiveMessage(time.Until(deadline))
		if err != nil {
			return nil, err
		}
		if message.Type == msgType {
			return message, nil
		}
	}
	return nil, fmt.Errorf("タイムアウト: %s メッセージが受信されませんでした", msgType)
}

// Close はWebSocket接続を閉じる
func (wsc *WebSocketConnection) Close() error {
	if wsc.closed {
		return nil
	}
	wsc.closed = true
	return wsc.conn.Close()
}

// WaitForCondition は条件が満たされるまで待機する
func WaitForCondition(condition func() bool, timeout time.Duration, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(interval)
	}
	return false
}
