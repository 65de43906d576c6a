package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sproutling/protocol"
)

// BroadcastHandler はログを inner に書きつつ、minLevel 以上のものを
// log_notification として全クライアントへ配る slog.Handler。
// With で付けた属性とグループも配信内容に含める。
type BroadcastHandler struct {
	inner     slog.Handler
	transport WebSocketTransport
	minLevel  slog.Level

	prefix string      // WithGroup で積まれた "a.b." 形式のキー接頭辞
	bound  []slog.Attr // WithAttrs で付けられた属性（接頭辞適用済み）
}

func NewBroadcastHandler(inner slog.Handler, transport WebSocketTransport, minLevel slog.Level) *BroadcastHandler {
	return &BroadcastHandler{inner: inner, transport: transport, minLevel: minLevel}
}

func (h *BroadcastHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *BroadcastHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	if h.transport == nil || r.Level < h.minLevel {
		return nil
	}
	h.publish(r)
	return nil
}

func (h *BroadcastHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	child := h.derive(h.inner.WithAttrs(attrs))
	for _, a := range attrs {
		child.bound = append(child.bound, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return child
}

func (h *BroadcastHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	child := h.derive(h.inner.WithGroup(name))
	child.prefix = h.prefix + name + "."
	return child
}

func (h *BroadcastHandler) derive(inner slog.Handler) *BroadcastHandler {
	return &BroadcastHandler{
		inner:     inner,
		transport: h.transport,
		minLevel:  h.minLevel,
		prefix:    h.prefix,
		bound:     append([]slog.Attr(nil), h.bound...),
	}
}

// publish はレコードを log_notification にして送る。
// 失敗してもここでログは出さない（自分自身に戻ってくるため）。
func (h *BroadcastHandler) publish(r slog.Record) {
	attrs := make(map[string]interface{}, len(h.bound)+r.NumAttrs())
	for _, a := range h.bound {
		collectAttr(attrs, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collectAttr(attrs, h.prefix, a)
		return true
	})

	data, err := protocol.CreateMessage(protocol.MessageTypeLogNotification, protocol.LogNotificationPayload{
		Level:      r.Level.String(),
		Message:    r.Message,
		Time:       r.Time.Format(time.RFC3339),
		Attributes: attrs,
	}, "")
	if err != nil {
		return
	}
	_ = h.transport.BroadcastMessage(data)
}

// collectAttr はグループ属性を "group.key" に平らにして dst に入れる
func collectAttr(dst map[string]interface{}, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range v.Group() {
			collectAttr(dst, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	dst[prefix+a.Key] = jsonValue(v)
}

// jsonValue は slog.Value を JSON にそのまま載せられる値にする
func jsonValue(v slog.Value) interface{} {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	}

	switch x := v.Any().(type) {
	case nil:
		return nil
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%+v", x)
	}
}
