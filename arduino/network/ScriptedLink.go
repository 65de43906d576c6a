package network

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"sproutling/arduino"
)

// Reply は ScriptedLink が1回のコマンドに対して返す台本の1行
type Reply struct {
	Response arduino.Response // 返す応答
	SendErr  error            // 送信時に返すエラー（接続は閉じられる）
	RecvErr  error            // 受信時に返すエラー（接続は閉じられる）
	Drop     bool             // 応答せずに切断する
	Delay    time.Duration    // 応答までの遅延
}

// ScriptedLink はコマンドごとの台本に従って応答する Link のフェイク実装
type ScriptedLink struct {
	mu sync.Mutex

	host string
	port int

	// OpenFunc が設定されていれば Open のたびに呼ばれ、エラーを返すと接続失敗になる
	OpenFunc      func(ctx context.Context) error
	AutoReconnect bool
	SettleDelay   time.Duration

	script    map[arduino.CommandType][]Reply
	pending   *Reply
	connected bool

	sent   []arduino.Command
	opens  int
	closes int
}

var _ Link = (*ScriptedLink)(nil)

// NewScriptedLink は空の台本を持つ ScriptedLink を作成する
func NewScriptedLink(host string, port int) *ScriptedLink {
	return &ScriptedLink{
		host:          host,
		port:          port,
		AutoReconnect: true,
		script:        make(map[arduino.CommandType][]Reply),
	}
}

// Script はコマンドに対する応答を順に登録する。最後の応答は以後繰り返し使われる。
func (s *ScriptedLink) Script(cmd arduino.CommandType, replies ...Reply) *ScriptedLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script[cmd] = append(s.script[cmd], replies...)
	return s
}

func (s *ScriptedLink) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

func (s *ScriptedLink) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx)
}

func (s *ScriptedLink) openLocked(ctx context.Context) error {
	s.connected = false
	s.pending = nil
	s.opens++
	if s.OpenFunc != nil {
		if err := s.OpenFunc(ctx); err != nil {
			return &ConnectionError{Addr: s.Addr(), Err: err}
		}
	}
	s.connected = true
	return nil
}

func (s *ScriptedLink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *ScriptedLink) closeLocked() {
	if s.connected {
		s.closes++
	}
	s.connected = false
	s.pending = nil
}

func (s *ScriptedLink) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *ScriptedLink) ensureOpen(ctx context.Context) error {
	if s.connected {
		return nil
	}
	if !s.AutoReconnect {
		return &ConnectionError{Addr: s.Addr(), Err: ErrNotConnected}
	}
	return s.openLocked(ctx)
}

func (s *ScriptedLink) nextReply(cmd arduino.CommandType) Reply {
	replies := s.script[cmd]
	if len(replies) == 0 {
		return Reply{Response: arduino.Response{arduino.KeyStatus: arduino.StatusError}}
	}
	r := replies[0]
	if len(replies) > 1 {
		s.script[cmd] = replies[1:]
	}
	return r
}

func (s *ScriptedLink) Send(ctx context.Context, cmd arduino.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(ctx, cmd)
}

func (s *ScriptedLink) sendLocked(ctx context.Context, cmd arduino.Command) error {
	if err := s.ensureOpen(ctx); err != nil {
		return err
	}
	s.sent = append(s.sent, cmd)
	r := s.nextReply(cmd.Command)
	if r.SendErr != nil {
		s.closeLocked()
		return &SendError{Addr: s.Addr(), Command: cmd, Err: r.SendErr}
	}
	s.pending = &r
	return nil
}

func (s *ScriptedLink) ReceiveLine(ctx context.Context) (arduino.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiveLocked(ctx)
}

func (s *ScriptedLink) receiveLocked(ctx context.Context) (arduino.Response, error) {
	if err := s.ensureOpen(ctx); err != nil {
		return nil, err
	}
	r := s.pending
	s.pending = nil
	if r == nil {
		// 何も送っていない状態での受信は、相手が黙って閉じたものとみなす
		s.closeLocked()
		return nil, nil
	}
	if err := SleepContext(ctx, r.Delay); err != nil {
		s.closeLocked()
		return nil, &ReceiveError{Addr: s.Addr(), Err: err}
	}
	if r.RecvErr != nil {
		s.closeLocked()
		return nil, &ReceiveError{Addr: s.Addr(), Err: r.RecvErr}
	}
	if r.Drop || r.Response == nil {
		s.closeLocked()
		return nil, nil
	}
	resp := make(arduino.Response, len(r.Response))
	for k, v := range r.Response {
		resp[k] = v
	}
	return resp, nil
}

func (s *ScriptedLink) Exchange(ctx context.Context, cmd arduino.Command) (arduino.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sendLocked(ctx, cmd); err != nil {
		return nil, err
	}
	if err := SleepContext(ctx, s.SettleDelay); err != nil {
		s.closeLocked()
		return nil, &ReceiveError{Addr: s.Addr(), Err: err}
	}
	return s.receiveLocked(ctx)
}

func (s *ScriptedLink) SendAndReceive(ctx context.Context, cmd arduino.Command) arduino.Response {
	resp, err := s.Exchange(ctx, cmd)
	logExchange(s.Addr(), cmd, resp, err)
	return resp
}

// Sent は送信されたコマンドの一覧を返す
func (s *ScriptedLink) Sent() []arduino.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]arduino.Command(nil), s.sent...)
}

// Opens は Open（自動再接続を含む）が呼ばれた回数
func (s *ScriptedLink) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Closes は接続中の状態から閉じられた回数
func (s *ScriptedLink) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
