package network

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"sproutling/arduino"
)

// TCPLink はコントローラーへの TCP ソケットを管理します。
// Open/Close/Send/ReceiveLine はインスタンスごとのロックで直列化されます。
type TCPLink struct {
	host string
	port int

	ConnectTimeout time.Duration // 接続タイムアウト
	SettleDelay    time.Duration // 送信から受信までの待ち時間
	AutoReconnect  bool          // 未接続時に送受信の前に自動で Open するか

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	connected atomic.Bool
}

var _ Link = (*TCPLink)(nil)

// NewTCPLink は接続先を指定して TCPLink を作成する。接続はまだ行わない。
func NewTCPLink(host string, port int) *TCPLink {
	return &TCPLink{
		host:           host,
		port:           port,
		ConnectTimeout: DefaultConnectTimeout,
		SettleDelay:    DefaultSettleDelay,
		AutoReconnect:  true,
	}
}

// TCPLinkFactory は指定したタイムアウトで TCPLink を作る LinkFactory を返す
func TCPLinkFactory(connectTimeout, settleDelay time.Duration) LinkFactory {
	return func(host string, port int) Link {
		l := NewTCPLink(host, port)
		if connectTimeout > 0 {
			l.ConnectTimeout = connectTimeout
		}
		if settleDelay >= 0 {
			l.SettleDelay = settleDelay
		}
		return l
	}
}

func (l *TCPLink) Addr() string {
	return net.JoinHostPort(l.host, strconv.Itoa(l.port))
}

// Open は既存の接続を閉じてから、新しい接続を確立する
func (l *TCPLink) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openLocked(ctx)
}

func (l *TCPLink) openLocked(ctx context.Context) error {
	l.closeLocked()

	timeout := l.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", l.Addr())
	if err != nil {
		return &ConnectionError{Addr: l.Addr(), Err: err}
	}

	l.conn = conn
	l.reader = bufio.NewReader(conn)
	l.connected.Store(true)
	slog.Debug("コントローラーに接続しました", "addr", l.Addr())
	return nil
}

// Close は接続を閉じる。既に閉じていても何もしない。
func (l *TCPLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked()
}

func (l *TCPLink) closeLocked() {
	l.connected.Store(false)
	if l.conn != nil {
		if err := l.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Debug("ソケットのクローズでエラー", "addr", l.Addr(), "err", err)
		}
	}
	l.conn = nil
	l.reader = nil
}

// IsConnected は接続が生きているかを返す。I/O が失敗した時点で false になる。
func (l *TCPLink) IsConnected() bool {
	return l.connected.Load()
}

// ensureOpen は送受信の前に行う自動再接続の手順
func (l *TCPLink) ensureOpen(ctx context.Context) error {
	if l.connected.Load() && l.conn != nil {
		return nil
	}
	if !l.AutoReconnect {
		return &ConnectionError{Addr: l.Addr(), Err: ErrNotConnected}
	}
	slog.Debug("未接続のため再接続します", "addr", l.Addr())
	return l.openLocked(ctx)
}

// Send はコマンドを送信する。失敗した場合は接続を閉じて SendError を返す。
func (l *TCPLink) Send(ctx context.Context, cmd arduino.Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sendLocked(ctx, cmd)
}

func (l *TCPLink) sendLocked(ctx context.Context, cmd arduino.Command) error {
	if err := l.ensureOpen(ctx); err != nil {
		return err
	}

	data, err := cmd.Encode()
	if err != nil {
		return &SendError{Addr: l.Addr(), Command: cmd, Err: err}
	}

	deadline := time.Now().Add(l.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		l.closeLocked()
		return &SendError{Addr: l.Addr(), Command: cmd, Err: err}
	}

	if _, err := l.conn.Write(data); err != nil {
		l.closeLocked()
		return &SendError{Addr: l.Addr(), Command: cmd, Err: err}
	}
	slog.Debug("コマンドを送信", "addr", l.Addr(), "command", cmd)
	return nil
}

// ReceiveLine は1行を読み込んでデコードする。
// 相手が接続を閉じた場合は (nil, nil) を返し、こちらも接続を閉じる。
func (l *TCPLink) ReceiveLine(ctx context.Context) (arduino.Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.receiveLocked(ctx)
}

func (l *TCPLink) receiveLocked(ctx context.Context) (arduino.Response, error) {
	if err := l.ensureOpen(ctx); err != nil {
		return nil, err
	}

	stop := watchReadContext(ctx, l.conn)
	line, err := l.reader.ReadBytes('\n')
	stop()

	// キャンセル済みのスコープの結果は捨てる
	if ctxErr := ctx.Err(); ctxErr != nil {
		l.closeLocked()
		return nil, &ReceiveError{Addr: l.Addr(), Err: ctxErr}
	}

	if err != nil {
		if errors.Is(err, io.EOF) {
			if len(line) == 0 {
				slog.Debug("コントローラーが接続を閉じました", "addr", l.Addr())
				l.closeLocked()
				return nil, nil
			}
			// 改行なしで終わった最後の行はそのまま扱う
			defer l.closeLocked()
		} else {
			l.closeLocked()
			return nil, &ReceiveError{Addr: l.Addr(), Err: err}
		}
	}

	resp, err := arduino.DecodeResponse(line)
	if err != nil {
		l.closeLocked()
		return nil, &ReceiveError{Addr: l.Addr(), Err: err}
	}
	slog.Debug("応答を受信", "addr", l.Addr(), "response", resp)
	return resp, nil
}

// Exchange は送信、待機、受信をロックを保持したまま行う
func (l *TCPLink) Exchange(ctx context.Context, cmd arduino.Command) (arduino.Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.sendLocked(ctx, cmd); err != nil {
		return nil, err
	}
	if err := SleepContext(ctx, l.SettleDelay); err != nil {
		l.closeLocked()
		return nil, &ReceiveError{Addr: l.Addr(), Err: err}
	}
	return l.receiveLocked(ctx)
}

// SendAndReceive は Exchange の結果をログに記録し、失敗時は nil を返す。
// 予期された切断も予期しないエラーもエラーにはしない。
func (l *TCPLink) SendAndReceive(ctx context.Context, cmd arduino.Command) arduino.Response {
	resp, err := l.Exchange(ctx, cmd)
	logExchange(l.Addr(), cmd, resp, err)
	return resp
}

// watchReadContext は ctx の期限を読み込み期限に反映し、キャンセル時には読み込みを中断させる
func watchReadContext(ctx context.Context, conn net.Conn) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()
	return func() { close(done) }
}
