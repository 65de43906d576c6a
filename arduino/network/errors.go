package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"sproutling/arduino"
)

// ErrNotConnected は接続が無く、自動再接続も無効な場合のエラー
var ErrNotConnected = errors.New("not connected")

// ConnectionError は接続の確立に失敗（またはタイムアウト）したことを表す
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendError は書き込みに失敗したことを表す
type SendError struct {
	Addr    string
	Command arduino.Command
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send %s to %s: %v", e.Command, e.Addr, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ReceiveError は読み込み、またはJSONのデコードに失敗したことを表す
type ReceiveError struct {
	Addr string
	Err  error
}

func (e *ReceiveError) Error() string {
	return fmt.Sprintf("failed to receive from %s: %v", e.Addr, e.Err)
}

func (e *ReceiveError) Unwrap() error { return e.Err }

// IsExpectedDisconnect はコントローラー側から接続が切られたことによるエラーかどうかを判定する。
// 水やりコマンドの後、コントローラーは意図的に接続を切る。
func IsExpectedDisconnect(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
