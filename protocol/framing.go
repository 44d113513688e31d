package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// WriteMessage はフレーミングなしの短いメッセージを 1 回の書き込みで送る
func WriteMessage(w io.Writer, msg string) error {
	_, err := io.WriteString(w, msg)
	return err
}

// ReadMessage は 1 回の読み取りを 1 メッセージとして返す。
// 相手が接続を閉じた場合は io.EOF を返す。
func ReadMessage(r io.Reader, size int) (string, error) {
	buf := make([]byte, size)
	n, err := r.Read(buf)
	if n > 0 {
		return string(buf[:n]), nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return "", err
}

// WritePayload は 4 バイトのビッグエンディアン長さに続けて body を送る
func WritePayload(w io.Writer, body []byte) error {
	if uint64(len(body)) > uint64(^uint32(0)) {
		return fmt.Errorf("payload too large: %d bytes", len(body))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	// TCP の場合はヘッダと本体を writev でまとめて送る
	buffers := net.Buffers{header[:], body}
	_, err := buffers.WriteTo(w)
	return err
}

// ReadPayload は長さプレフィックス付きの本体を読み取る。
// limit を超える長さが宣言された場合は読み取らずにエラーを返す。
func ReadPayload(r io.Reader, limit int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("missing length header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if uint64(size) > uint64(limit) {
		return nil, &PayloadSizeError{Size: int64(size), Limit: int64(limit)}
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("truncated payload (%d bytes expected): %w", size, err)
	}
	return body, nil
}

// ParseLength はファイル長の ASCII 十進表記を解釈する
func ParseLength(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid file length %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid file length %q", s)
	}
	return n, nil
}
