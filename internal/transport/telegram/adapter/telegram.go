// Package adapter connects the bot to Telegram through telebot long polling.
package adapter

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "livecast/internal/runtime/supervisor"
	kit "livecast/internal/transport"
	logx "livecast/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe call at construction (tests, dry runs).
	Offline bool
}

var _ kit.Adapter = (*Adapter)(nil)

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// dropped counts updates lost because the consumer fell behind the poller.
	dropped atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			log.Warn("telebot error", logx.Err(err), logx.Local())
		},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)

	// Handlers forward to the current output channel; Start swaps it in.
	b.Handle(tele.OnText, func(c tele.Context) error {
		if m := toMessage(c.Message()); m != nil {
			a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: m})
		}
		return nil
	})
	return a, nil
}

// Supervisor returns the poller supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func toMessage(m *tele.Message) *kit.Message {
	if m == nil || m.Chat == nil {
		return nil
	}
	out := &kit.Message{
		ID:       m.ID,
		ChatID:   m.Chat.ID,
		ThreadID: m.ThreadID,
		Text:     m.Text,
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
	}
	return out
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go("updates.drop_report", func(c context.Context) error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return nil
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		a.bot.Stop()
		return nil
	})

	// telebot's Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", func(context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop never blocks shutdown for long on a pending getUpdates long poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		grace = min(grace, max(time.Until(dl), 0))
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && wctx.Err() != nil {
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

const textLimit = 4000

// splitText splits s into chunks of at most limit runes, preferring newline
// boundaries and (for HTML) never cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if strings.EqualFold(parseMode, string(tele.ModeHTML)) && end < len(rs) {
			open, closed := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					open = i
				case '>':
					closed = i
				}
			}
			if open > closed && open > start+1 {
				end = open
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions, first bool) *tele.SendOptions {
	so := &tele.SendOptions{
		ParseMode:             tele.ParseMode(opt.ParseMode),
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	if first && opt.ReplyTo != 0 {
		so.ReplyTo = &tele.Message{ID: opt.ReplyTo}
	}
	return so
}

// SendText sends text, split into several messages if needed. The returned
// ref points at the first message.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, sendOptions(to, opt, i == 0))
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// UpdateMenuCommands calls setMyCommands only when the list changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" || len(list) >= 100 {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		_, _ = h.Write([]byte(c.Command + "\x00" + d + "\x00"))
		list = append(list, tele.Command{Text: c.Command, Description: d})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
