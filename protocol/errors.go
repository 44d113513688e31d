package protocol

import "fmt"

// ConnectionError はノードとのやり取りが失敗したことを表す。
// そのやり取りだけが失敗し、呼び出し元のプロセスは継続する。
type ConnectionError struct {
	Addr string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("socket connection failed (%s %s): %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// UnexpectedReplyError はノードから想定外の応答が返った場合のエラー
type UnexpectedReplyError struct {
	Want string
	Got  string
}

func (e *UnexpectedReplyError) Error() string {
	return fmt.Sprintf("unexpected reply: want %q, got %q", e.Want, e.Got)
}

// PayloadSizeError はファイル本体が大きすぎる場合のエラー
type PayloadSizeError struct {
	Size  int64
	Limit int64
}

func (e *PayloadSizeError) Error() string {
	return fmt.Sprintf("payload of %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// LengthMismatchError は ASCII で通知された長さとプレフィックスの長さが一致しない場合のエラー
type LengthMismatchError struct {
	Announced int
	Prefixed  int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("announced length %d does not match payload length %d", e.Announced, e.Prefixed)
}
