package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"
)

// Broadcaster は接続中の全クライアントへメッセージを送る (Hub)
type Broadcaster interface {
	BroadcastMessage(message []byte) error
}

// BroadcastHandler は minLevel 以上のレコードを log_notification としてモニタにも流す slog ハンドラ。
// With で付けた属性とグループは "group.key" に展開して配信に含める。
type BroadcastHandler struct {
	inner    slog.Handler
	target   Broadcaster
	minLevel slog.Leveler

	// prefix は WithGroup で開いたグループ ("a.b.")
	prefix string
	// attrs は With で付けた属性 (展開済み、変更しない)
	attrs map[string]any
}

// NewBroadcastHandler は inner に書いたうえで target にも配信するハンドラを作る。
// minLevel に *slog.LevelVar を渡せば実行中に閾値を変えられる。
func NewBroadcastHandler(inner slog.Handler, target Broadcaster, minLevel slog.Leveler) *BroadcastHandler {
	return &BroadcastHandler{inner: inner, target: target, minLevel: minLevel}
}

func (h *BroadcastHandler) broadcasts(level slog.Level) bool {
	return h.target != nil && level >= h.minLevel.Level()
}

func (h *BroadcastHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level) || h.broadcasts(level)
}

// Handle は inner の失敗にかかわらず配信する
func (h *BroadcastHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.inner.Enabled(ctx, r.Level) {
		err = h.inner.Handle(ctx, r)
	}
	if h.broadcasts(r.Level) {
		h.broadcast(r)
	}
	return err
}

func (h *BroadcastHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := h.derive(h.inner.WithAttrs(attrs))
	next.attrs = maps.Clone(h.attrs)
	if next.attrs == nil {
		next.attrs = make(map[string]any, len(attrs))
	}
	for _, a := range attrs {
		flattenAttr(next.attrs, h.prefix, a)
	}
	return next
}

func (h *BroadcastHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.derive(h.inner.WithGroup(name))
	next.prefix = h.prefix + name + "."
	return next
}

func (h *BroadcastHandler) derive(inner slog.Handler) *BroadcastHandler {
	return &BroadcastHandler{
		inner:    inner,
		target:   h.target,
		minLevel: h.minLevel,
		prefix:   h.prefix,
		attrs:    h.attrs,
	}
}

// flattenAttr はグループを "key.sub" の形に展開して dst に書く。
// キーのないグループは親に展開し、空の属性は捨てる (slog.Handler の規約どおり)。
func flattenAttr(dst map[string]any, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	v := a.Value.Resolve()
	if v.Kind() != slog.KindGroup {
		dst[prefix+a.Key] = jsonValue(v)
		return
	}
	if a.Key != "" {
		prefix += a.Key + "."
	}
	for _, ga := range v.Group() {
		flattenAttr(dst, prefix, ga)
	}
}

// jsonValue は slog.Value をモニタ向けの JSON 値にする
func jsonValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindAny:
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
	default:
		// string, int64, uint64, float64, bool
		return v.Any()
	}
}

func (h *BroadcastHandler) broadcast(r slog.Record) {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	maps.Copy(attrs, h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		flattenAttr(attrs, h.prefix, a)
		return true
	})

	at := r.Time
	if at.IsZero() {
		at = time.Now()
	}
	data, err := encodeMessage(TypeLogNotification, LogPayload{
		Level:      r.Level.String(),
		Message:    r.Message,
		Time:       at.Format(time.RFC3339),
		Attributes: attrs,
	})
	if err != nil {
		// ログに出すとこのハンドラに戻ってくるので捨てる
		return
	}
	_ = h.target.BroadcastMessage(data)
}
