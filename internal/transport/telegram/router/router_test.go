package router

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	kit "livecast/internal/transport"
	logx "livecast/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
	opt  kit.SendOptions
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []sent
	ch   chan sent
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{ch: make(chan sent, 32)} }

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s := sent{to: to, text: text}
	if opt != nil {
		s.opt = *opt
	}
	f.mu.Lock()
	f.sent = append(f.sent, s)
	f.mu.Unlock()
	f.ch <- s
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (f *fakeAdapter) next(t *testing.T) sent {
	t.Helper()
	select {
	case s := <-f.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no message sent")
		return sent{}
	}
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 10, ChatID: -100, ThreadID: 5, FromID: from, Text: text}}
}

func startRouter(t *testing.T, opt Options, cmds ...Command) (*fakeAdapter, chan kit.Update) {
	t.Helper()
	ad := newFakeAdapter()
	r := New(logx.Nop(), ad, opt)
	ctx, cancel := context.WithCancel(context.Background())
	r.SetCommands(ctx, cmds)
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// wait for the dispatcher to be up
	deadline := time.Now().Add(time.Second)
	for r.Supervisor() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return ad, updates
}

func TestTokenize(t *testing.T) {
	got := tokenize(`/schedule_live "https://a b" 10:00 --next-day 'x y' a\ b`)
	want := []string{"/schedule_live", "https://a b", "10:00", "--next-day", "x y", "a b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tokenize = %q, want %q", got, want)
	}
}

func TestParseFlags(t *testing.T) {
	pos, flags, bools := parseFlags([]string{"url", "--next-day", "10:00", "--tz=UTC", "-v", "x", "-ab"}, map[string]bool{"next-day": true})
	if !reflect.DeepEqual(pos, []string{"url", "10:00"}) {
		t.Fatalf("pos = %q", pos)
	}
	if flags["tz"] != "UTC" || flags["v"] != "x" {
		t.Fatalf("flags = %v", flags)
	}
	if !bools["next-day"] || !bools["a"] || !bools["b"] {
		t.Fatalf("bools = %v", bools)
	}

	// without the bool hint the flag swallows the next token
	pos, flags, _ = parseFlags([]string{"--next-day", "10:00"}, nil)
	if len(pos) != 0 || flags["next-day"] != "10:00" {
		t.Fatalf("pos = %q flags = %v", pos, flags)
	}
}

func TestSanitizeCommand(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"/Play-Live", "play_live"},
		{"schedule status", "schedule_status"},
		{"9lives", "cmd_9lives"},
		{"__x__", "x"},
		{"!!!", ""},
		{strings.Repeat("a", 40), strings.Repeat("a", 32)},
	} {
		if got := sanitizeCommand(tc.in); got != tc.want {
			t.Errorf("sanitizeCommand(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCommandWord(t *testing.T) {
	if w, ok := commandWord("/Play_Live@LivecastBot"); !ok || w != "play_live" {
		t.Fatalf("commandWord = %q %v", w, ok)
	}
	if _, ok := commandWord("hello"); ok {
		t.Fatalf("plain text treated as command")
	}
}

func TestRunDispatchesCommand(t *testing.T) {
	got := make(chan *Request, 1)
	ad, updates := startRouter(t, Options{Owners: []int64{1}}, Command{
		Name:      "schedule_live",
		Aliases:   []string{"sl"},
		BoolFlags: []string{"--next-day"},
		Handle: func(ctx context.Context, req *Request) error {
			got <- req
			return req.Reply(ctx, "ok")
		},
	})

	updates <- msg(1, "/sl@bot https://example/video --next-day 10:00")
	var req *Request
	select {
	case req = <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}
	if req.Command != "schedule_live" || !req.IsOwner {
		t.Fatalf("req = %+v", req)
	}
	if !reflect.DeepEqual(req.Args, []string{"https://example/video", "10:00"}) || !req.BoolFlags["next-day"] {
		t.Fatalf("args = %q bools = %v", req.Args, req.BoolFlags)
	}
	if req.Chat != (kit.ChatTarget{ChatID: -100, ThreadID: 5}) {
		t.Fatalf("chat = %+v", req.Chat)
	}

	reply := ad.next(t)
	if reply.text != "ok" || reply.opt.ReplyTo != 10 || reply.to.ThreadID != 5 {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestRunUnknownAndNonCommand(t *testing.T) {
	ad, updates := startRouter(t, Options{})
	updates <- msg(1, "just chatting")
	updates <- msg(1, "/nope")
	if r := ad.next(t); !strings.Contains(r.text, "unknown command") {
		t.Fatalf("reply = %q", r.text)
	}
}

func TestRunOwnerOnly(t *testing.T) {
	called := make(chan struct{}, 1)
	ad, updates := startRouter(t, Options{Owners: []int64{1}}, Command{
		Name:   "stop_stream",
		Access: AccessOwnerOnly,
		Handle: func(context.Context, *Request) error {
			called <- struct{}{}
			return nil
		},
	})
	updates <- msg(2, "/stop_stream")
	if r := ad.next(t); !strings.Contains(r.text, "owner-only") {
		t.Fatalf("reply = %q", r.text)
	}
	select {
	case <-called:
		t.Fatalf("non-owner reached handler")
	default:
	}
}

func TestRunRateLimitsNonOwners(t *testing.T) {
	calls := make(chan struct{}, 8)
	ad, updates := startRouter(t, Options{Owners: []int64{1}, RatePerSec: 0.001, Burst: 1}, Command{
		Name: "schedule_status",
		Handle: func(context.Context, *Request) error {
			calls <- struct{}{}
			return nil
		},
	})

	updates <- msg(2, "/schedule_status")
	<-calls
	updates <- msg(2, "/schedule_status")
	if r := ad.next(t); r.text != ErrRateLimited.Error() {
		t.Fatalf("reply = %q", r.text)
	}

	// owners are exempt
	updates <- msg(1, "/schedule_status")
	updates <- msg(1, "/schedule_status")
	for range 2 {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("owner throttled")
		}
	}
}

func TestHelpText(t *testing.T) {
	r := New(logx.Nop(), newFakeAdapter(), Options{})
	r.SetCommands(context.Background(), []Command{
		{Name: "play_live", Description: "stream a video <now>", Usage: "/play_live <url>", Access: AccessOwnerOnly, Handle: func(context.Context, *Request) error { return nil }},
		{Name: "schedule_status", Description: "show the pending schedule", Handle: func(context.Context, *Request) error { return nil }},
	})

	top := r.helpText(nil)
	if !strings.Contains(top, "/schedule_status") || !strings.Contains(top, "🔒 <code>/play_live") {
		t.Fatalf("top help = %s", top)
	}
	if strings.Index(top, "schedule_status") > strings.Index(top, "play_live") {
		t.Fatalf("owner-only commands should be listed last:\n%s", top)
	}
	one := r.helpText([]string{"/play_live"})
	if !strings.Contains(one, "&lt;now&gt;") || !strings.Contains(one, "owner only") {
		t.Fatalf("command help = %s", one)
	}
	if !strings.Contains(r.helpText([]string{"zzz"}), "Unknown") {
		t.Fatalf("unknown help")
	}
}
