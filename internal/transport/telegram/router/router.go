// Package router turns chat updates into command invocations: parsing,
// access control, throttling, a bounded worker pool and help output.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "livecast/internal/runtime/supervisor"
	kit "livecast/internal/transport"
	logx "livecast/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// BoolFlags never take a value, so "--next-day 10:00" keeps 10:00 positional.
	BoolFlags []string
	Timeout   time.Duration // overrides Options.Timeout
	Handle    HandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	MessageID    int
	FromID       int64
	FromUsername string
	IsOwner      bool
	Command      string
	Args         []string
	RawArgs      []string
	Flags        map[string]string
	BoolFlags    map[string]bool
	ReqID        string
	ReceivedAt   time.Time

	Logger  logx.Logger
	adapter kit.Adapter
}

// Reply answers in the request's chat and thread, threaded under the command.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ReplyTo: r.MessageID})
	return err
}

// ReplyHTML is Reply with HTML parse mode.
func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML", ReplyTo: r.MessageID})
	return err
}

type Options struct {
	Owners     []int64
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
	Workers    int
	QueueSize  int
	// Registry receives the dispatcher supervisor while it runs.
	Registry *rtsup.Registry
}

type Router struct {
	mu       sync.RWMutex
	commands map[string]*Command // name and alias -> command
	ordered  []*Command
	owners   map[int64]bool
	timeout  time.Duration

	log     logx.Logger
	adapter kit.Adapter
	limits  *limiters
	reg     *rtsup.Registry
	workers int

	runMu sync.Mutex
	sup   *rtsup.Supervisor
	jobs  chan func()
}

func New(log logx.Logger, adapter kit.Adapter, opt Options) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Workers <= 0 {
		opt.Workers = max(runtime.NumCPU(), 2)
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	r := &Router{
		commands: map[string]*Command{},
		log:      log.With(logx.String("comp", "router")),
		adapter:  adapter,
		limits:   newLimiters(opt.RatePerSec, opt.Burst),
		reg:      opt.Registry,
		workers:  opt.Workers,
		jobs:     make(chan func(), opt.QueueSize),
	}
	r.SetOwners(opt.Owners)
	r.SetLimits(opt.RatePerSec, opt.Burst, opt.Timeout)
	return r
}

// SetOwners replaces the owner list. Safe during hot-reload.
func (r *Router) SetOwners(owners []int64) {
	m := make(map[int64]bool, len(owners))
	for _, id := range owners {
		m[id] = true
	}
	r.mu.Lock()
	r.owners = m
	r.mu.Unlock()
}

// SetLimits updates throttling and the default handler timeout.
func (r *Router) SetLimits(perSec float64, burst int, timeout time.Duration) {
	r.limits.set(perSec, burst)
	r.mu.Lock()
	r.timeout = timeout
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[id]
}

// SetCommands installs cmds plus a built-in /help and refreshes the chat
// client's command menu when the adapter supports it.
func (r *Router) SetCommands(ctx context.Context, cmds []Command) {
	all := append(append([]Command(nil), cmds...), Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, r.helpText(req.Args))
		},
	})

	byName := map[string]*Command{}
	ordered := make([]*Command, 0, len(all))
	for i := range all {
		c := &all[i]
		name := sanitizeCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
		ordered = append(ordered, c)
	}
	for _, c := range ordered {
		for _, a := range c.Aliases {
			if a = sanitizeCommand(a); a != "" {
				if _, taken := byName[a]; !taken {
					byName[a] = c
				}
			}
		}
	}

	r.mu.Lock()
	r.commands = byName
	r.ordered = ordered
	r.mu.Unlock()

	if up, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildMenu(ordered)
		go func() {
			mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, menu); err != nil {
				r.log.Warn("menu update failed", logx.Err(err), logx.Local())
			}
		}()
	}
}

// Supervisor returns the dispatcher supervisor (nil if not running).
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

// Run dispatches updates until ctx is done or updates is closed, then
// drains queued commands for up to 3s.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log))
	r.runMu.Lock()
	r.sup = sup
	r.runMu.Unlock()
	r.reg.Set("router", sup)

	for i := range r.workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					r.runJob(job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("queue_cap", cap(r.jobs)))

	defer func() {
		r.runMu.Lock()
		close(r.jobs)
		r.sup = nil
		r.runMu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		r.reg.Delete("router")
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) runJob(job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in command job", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// route parses a message into a request and queues it. Unknown commands get
// a hint; non-commands are ignored.
func (r *Router) route(ctx context.Context, up kit.Update) {
	msg := up.Message
	if up.Kind != kit.UpdateMessage || msg == nil {
		return
	}
	req, cmd := r.parse(up)
	if req == nil {
		return
	}
	if cmd == nil {
		_ = req.Reply(ctx, "unknown command, try /help")
		return
	}
	if cmd.Access == AccessOwnerOnly && !req.IsOwner {
		_ = req.Reply(ctx, "this command is owner-only")
		return
	}

	r.mu.RLock()
	timeout := r.timeout
	r.mu.RUnlock()
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(),
		MWRequestLog(),
		MWMetrics(),
		MWRateLimit(r.limits),
		MWTimeout(timeout),
	)
	if !r.enqueue(func() { _ = final(ctx, req) }) {
		_ = req.Reply(ctx, "busy, try again")
	}
}

// parse returns (nil, nil) for non-command text and (req, nil) for an unknown command.
func (r *Router) parse(up kit.Update) (*Request, *Command) {
	msg := up.Message
	parts := tokenize(msg.Text)
	if len(parts) == 0 {
		return nil, nil
	}
	word, ok := commandWord(parts[0])
	if !ok {
		return nil, nil
	}

	r.mu.RLock()
	cmd := r.commands[word]
	r.mu.RUnlock()

	rid := newReqID()
	req := &Request{
		Update:       up,
		Chat:         msg.Target(),
		MessageID:    msg.ID,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		IsOwner:      r.isOwner(msg.FromID),
		Command:      word,
		RawArgs:      parts[1:],
		ReqID:        rid,
		ReceivedAt:   time.Now(),
		adapter:      r.adapter,
	}
	if cmd == nil {
		req.Logger = r.log
		return req, nil
	}

	boolOnly := make(map[string]bool, len(cmd.BoolFlags))
	for _, f := range cmd.BoolFlags {
		boolOnly[strings.TrimLeft(f, "-")] = true
	}
	req.Command = cmd.Name
	req.Args, req.Flags, req.BoolFlags = parseFlags(req.RawArgs, boolOnly)
	req.Logger = r.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int("thread_id", msg.ThreadID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", cmd.Name),
	)
	return req, cmd
}

func (r *Router) enqueue(fn func()) bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.sup == nil {
		return false
	}
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}
