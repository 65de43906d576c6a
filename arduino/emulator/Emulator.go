// Package emulator はコントローラーのワイヤプロトコルを話す TCP サーバーです。
// テストと、実機のない環境での動作確認（device.mock）に使います。
package emulator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"sproutling/arduino"
)

// Emulator はコントローラーを模倣する
type Emulator struct {
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu             sync.Mutex
	moisture       string
	lastWatered    string
	dropAfterWater bool
	silent         bool
	received       map[arduino.CommandType]int
	conns          map[net.Conn]struct{}
	now            func() time.Time
}

// Start は addr（"127.0.0.1:0" など）で待ち受けを開始する
func Start(ctx context.Context, addr string) (*Emulator, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	emuCtx, cancel := context.WithCancel(ctx)
	e := &Emulator{
		listener:       listener,
		ctx:            emuCtx,
		cancel:         cancel,
		moisture:       "45",
		lastWatered:    "2024-11-23 14:00:00",
		dropAfterWater: true,
		received:       make(map[arduino.CommandType]int),
		conns:          make(map[net.Conn]struct{}),
		now:            time.Now,
	}
	e.wg.Add(1)
	go e.acceptLoop()
	slog.Info("コントローラーエミュレータを起動しました", "addr", listener.Addr().String())
	return e, nil
}

// Addr は待ち受けアドレス
func (e *Emulator) Addr() string {
	return e.listener.Addr().String()
}

// Host は待ち受けホスト
func (e *Emulator) Host() string {
	host, _, _ := net.SplitHostPort(e.Addr())
	return host
}

// Port は待ち受けポート
func (e *Emulator) Port() int {
	_, port, _ := net.SplitHostPort(e.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// SetMoisture は次に返す水分量を設定する
func (e *Emulator) SetMoisture(v string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.moisture = v
}

// SetDropAfterWater は水やり応答の後に接続を切るかどうかを設定する
func (e *Emulator) SetDropAfterWater(drop bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropAfterWater = drop
}

// SetSilent は true の間、コマンドを受け取っても応答しない
func (e *Emulator) SetSilent(silent bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.silent = silent
}

// Received はコマンドごとの受信回数を返す
func (e *Emulator) Received(cmd arduino.CommandType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.received[cmd]
}

// DropConnections は現在の接続をすべて切断する
func (e *Emulator) DropConnections() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for c := range e.conns {
		_ = c.Close()
	}
}

// Close は待ち受けを停止し、すべての接続を閉じる
func (e *Emulator) Close() error {
	e.cancel()
	err := e.listener.Close()
	e.DropConnections()
	e.wg.Wait()
	return err
}

func (e *Emulator) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || e.ctx.Err() != nil {
				return
			}
			slog.Warn("エミュレータの accept に失敗", "err", err)
			continue
		}
		e.mu.Lock()
		e.conns[conn] = struct{}{}
		e.mu.Unlock()

		e.wg.Add(1)
		go e.serve(conn)
	}
}

func (e *Emulator) serve(conn net.Conn) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.conns, conn)
		e.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var cmd arduino.Command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			slog.Debug("エミュレータ: 不正なコマンド", "line", scanner.Text(), "err", err)
			if !e.reply(conn, arduino.Response{arduino.KeyStatus: arduino.StatusError}) {
				return
			}
			continue
		}

		resp, drop := e.handle(cmd)
		if resp == nil {
			continue
		}
		if !e.reply(conn, resp) {
			return
		}
		if drop {
			return
		}
	}
}

// handle はコマンドに対する応答と、応答後に切断するかどうかを返す
func (e *Emulator) handle(cmd arduino.Command) (arduino.Response, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.received[cmd.Command]++
	if e.silent {
		return nil, false
	}

	switch cmd.Command {
	case arduino.CommandMoistureUpdate:
		return arduino.Response{
			arduino.KeyMoisture:    e.moisture,
			arduino.KeyLastWatered: e.lastWatered,
		}, false
	case arduino.CommandWaterPlant:
		e.lastWatered = e.now().Format(arduino.LastWateredLayout)
		return arduino.Response{
			arduino.KeyStatus: arduino.StatusSuccess,
			arduino.KeyAction: "watered",
		}, e.dropAfterWater
	default:
		return arduino.Response{arduino.KeyStatus: arduino.StatusError}, false
	}
}

func (e *Emulator) reply(conn net.Conn, resp arduino.Response) bool {
	data, err := arduino.EncodeResponse(resp)
	if err != nil {
		return false
	}
	if _, err := conn.Write(data); err != nil {
		slog.Debug("エミュレータ: 応答の送信に失敗", "err", err)
		return false
	}
	return true
}
