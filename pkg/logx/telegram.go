package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "livecast/internal/transport"
)

const (
	remoteQueueSize = 256
	remoteMaxLen    = 3500
	remoteValueLen  = 400
	remoteSendLimit = 10 * time.Second
)

// Sender is the part of a chat adapter the Telegram sink needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type remoteLine struct {
	to   kit.ChatTarget
	text string
}

// telegramSink mirrors events at or above a level to the operator chat. It
// never blocks the caller: lines over the rate or queue limit are dropped
// and counted.
type telegramSink struct {
	sender Sender
	queue  chan remoteLine

	mu       sync.Mutex
	target   kit.ChatTarget
	enabled  bool
	minLevel zerolog.Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	closed   bool

	wg      sync.WaitGroup
	dropped atomic.Int64
}

func newTelegramSink(sender Sender) *telegramSink {
	return &telegramSink{sender: sender, queue: make(chan remoteLine, remoteQueueSize)}
}

func (t *telegramSink) setTarget(chatID int64, threadID int) {
	t.mu.Lock()
	t.target.ChatID = chatID
	if threadID != 0 {
		t.target.ThreadID = threadID
	}
	t.mu.Unlock()
}

// configure applies cfg and reports whether the sink should be attached.
func (t *telegramSink) configure(cfg TelegramConfig) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.enabled = cfg.Enabled && t.sender != nil && !t.closed
	t.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.RatePerSec)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		t.target.ThreadID = cfg.ThreadID
	}
	if !t.enabled {
		return false
	}
	if t.target.ChatID == 0 {
		fmt.Fprintln(os.Stderr, "logx: telegram logging enabled but telegram.group_log is not set")
	}
	if t.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.run(ctx)
		}()
	}
	return true
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to, on, minLevel, lim := t.target, t.enabled, t.minLevel, t.limiter
	t.mu.Unlock()

	if !on || to.ChatID == 0 || level < minLevel {
		return len(p), nil
	}
	text, ok := formatRemote(p)
	if !ok {
		return len(p), nil
	}
	if !lim.Allow() {
		t.dropped.Add(1)
		return len(p), nil
	}
	if n := t.dropped.Swap(0); n > 0 {
		text = fmt.Sprintf("<i>(%d earlier lines dropped)</i>\n%s", n, text)
	}
	select {
	case t.queue <- remoteLine{to: to, text: text}:
	default:
		t.dropped.Add(1)
	}
	return len(p), nil
}

func (t *telegramSink) run(ctx context.Context) {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-t.queue:
			sctx, cancel := context.WithTimeout(ctx, remoteSendLimit)
			_, _ = t.sender.SendText(sctx, l.to, l.text, opt)
			cancel()
		}
	}
}

func (t *telegramSink) close() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.enabled = false
	t.closed = true
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

// formatRemote renders a JSON event as a short HTML message. Events marked
// Local are skipped.
func formatRemote(p []byte) (string, bool) {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return html.EscapeString(clip(strings.TrimSpace(string(p)), remoteMaxLen)), true
	}
	if local, _ := m[localKey].(bool); local {
		return "", false
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "<b>%s</b> ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(html.EscapeString(clip(msg, remoteValueLen)))
	if comp, _ := m["comp"].(string); comp != "" {
		fmt.Fprintf(&b, " <i>[%s]</i>", html.EscapeString(comp))
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName,
			zerolog.CallerFieldName, "comp":
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := m[k]
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		line := fmt.Sprintf("\n<code>%s</code>: %s", html.EscapeString(k), html.EscapeString(clip(s, remoteValueLen)))
		if b.Len()+len(line) > remoteMaxLen {
			b.WriteString("\n…")
			break
		}
		b.WriteString(line)
	}
	return b.String(), true
}

// clip cuts s to at most n bytes plus an ellipsis, on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
